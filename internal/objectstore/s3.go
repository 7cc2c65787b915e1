package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"media-job-orchestrator/internal/config"
)

// S3Gateway talks to an S3-compatible bucket (AWS S3, Cloudflare R2, MinIO).
type S3Gateway struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// NewS3Gateway builds a gateway from storage config.
func NewS3Gateway(ctx context.Context, cfg config.StorageConfig) (*S3Gateway, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage.bucket is required for the s3 driver")
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewS3GatewayFromClient(client, cfg.Bucket), nil
}

// NewS3GatewayFromClient wraps an existing client.
func NewS3GatewayFromClient(client *s3.Client, bucket string) *S3Gateway {
	return &S3Gateway{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
	}
}

func newS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func (g *S3Gateway) Put(ctx context.Context, key, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := g.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (g *S3Gateway) Get(ctx context.Context, key, destPath string) error {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()
	return writeFile(destPath, out.Body)
}

func (g *S3Gateway) Head(ctx context.Context, key string) (int64, error) {
	out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("head object %s: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (g *S3Gateway) Presign(ctx context.Context, key string, op Operation, ttl time.Duration, opts PresignOptions) (string, error) {
	switch op {
	case OpGet:
		input := &s3.GetObjectInput{
			Bucket: aws.String(g.bucket),
			Key:    aws.String(key),
		}
		if opts.Filename != "" {
			input.ResponseContentDisposition = aws.String(attachment(opts.Filename))
		}
		req, err := g.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
		if err != nil {
			return "", fmt.Errorf("presign get %s: %w", key, err)
		}
		return req.URL, nil
	case OpPut:
		input := &s3.PutObjectInput{
			Bucket: aws.String(g.bucket),
			Key:    aws.String(key),
		}
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		req, err := g.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
		if err != nil {
			return "", fmt.Errorf("presign put %s: %w", key, err)
		}
		return req.URL, nil
	default:
		return "", fmt.Errorf("unsupported presign operation %q", op)
	}
}

func (g *S3Gateway) Delete(ctx context.Context, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func attachment(filename string) string {
	return fmt.Sprintf("attachment; filename=%q", filename)
}

// writeFile streams r into destPath through a temp file in the same directory.
func writeFile(destPath string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".part-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", destPath, err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", destPath, err)
	}
	return nil
}
