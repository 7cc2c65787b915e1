package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"media-job-orchestrator/internal/config"
)

// BlobData describes an artifact pushed to the caller's own blob storage.
type BlobData struct {
	URL            string `json:"url"`
	Pathname       string `json:"pathname"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	OutputFileName string `json:"output_file_name,omitempty"`
	FileSize       int64  `json:"file_size"`
}

type blobCredentialsRequest struct {
	JobID    string `json:"jobId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

type blobCredentials struct {
	ShouldUpload   bool   `json:"shouldUpload"`
	Reason         string `json:"reason"`
	BlobToken      string `json:"blobToken"`
	BlobPathname   string `json:"blobPathname"`
	SubscriptionID string `json:"subscriptionId"`
	OutputFileName string `json:"outputFileName"`
}

// BlobUploader asks the external system for one-time upload credentials and
// pushes the artifact straight to the destination it designates.
type BlobUploader struct {
	credentialsURL string
	baseURL        string
	token          string
	credClient     *http.Client
	uploadClient   *http.Client
}

func NewBlobUploader(cfg config.NotifyConfig) *BlobUploader {
	credTimeout := cfg.Timeout
	if credTimeout == 0 {
		credTimeout = 30 * time.Second
	}
	uploadTimeout := cfg.BlobTimeout
	if uploadTimeout == 0 {
		uploadTimeout = 10 * time.Minute
	}
	return &BlobUploader{
		credentialsURL: cfg.BlobCredentialsURL,
		baseURL:        strings.TrimRight(cfg.BlobBaseURL, "/"),
		token:          cfg.Token,
		credClient:     &http.Client{Timeout: credTimeout},
		uploadClient:   &http.Client{Timeout: uploadTimeout},
	}
}

// Enabled reports whether a shared token and credentials endpoint are configured.
func (b *BlobUploader) Enabled() bool {
	return b.token != "" && b.credentialsURL != "" && b.baseURL != ""
}

// Upload returns nil data and no error when the uploader is disabled or the
// external system declines the upload.
func (b *BlobUploader) Upload(ctx context.Context, jobID, path, contentType string) (*BlobData, error) {
	if !b.Enabled() {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}

	creds, err := b.credentials(ctx, blobCredentialsRequest{
		JobID:    jobID,
		FileName: filepath.Base(path),
		FileSize: info.Size(),
	})
	if err != nil {
		return nil, err
	}
	if !creds.ShouldUpload {
		return nil, nil
	}
	if creds.BlobToken == "" || creds.BlobPathname == "" {
		return nil, fmt.Errorf("blob credentials missing token or pathname")
	}

	url, err := b.put(ctx, creds, path, info.Size(), contentType)
	if err != nil {
		return nil, err
	}
	return &BlobData{
		URL:            url,
		Pathname:       creds.BlobPathname,
		SubscriptionID: creds.SubscriptionID,
		OutputFileName: creds.OutputFileName,
		FileSize:       info.Size(),
	}, nil
}

func (b *BlobUploader) credentials(ctx context.Context, in blobCredentialsRequest) (blobCredentials, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return blobCredentials{}, fmt.Errorf("marshal credentials request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.credentialsURL, bytes.NewReader(body))
	if err != nil {
		return blobCredentials{}, fmt.Errorf("build credentials request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.credClient.Do(req)
	if err != nil {
		return blobCredentials{}, fmt.Errorf("request blob credentials: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return blobCredentials{}, fmt.Errorf("blob credentials rejected: status %d", resp.StatusCode)
	}
	var creds blobCredentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return blobCredentials{}, fmt.Errorf("decode blob credentials: %w", err)
	}
	return creds, nil
}

func (b *BlobUploader) put(ctx context.Context, creds blobCredentials, path string, size int64, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.baseURL+"/"+strings.TrimLeft(creds.BlobPathname, "/"), f)
	if err != nil {
		return "", fmt.Errorf("build blob upload: %w", err)
	}
	req.ContentLength = size
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Authorization", "Bearer "+creds.BlobToken)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-content-type", contentType)
	req.Header.Set("x-api-version", "7")

	resp, err := b.uploadClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("blob upload rejected: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode blob upload response: %w", err)
	}
	return out.URL, nil
}
