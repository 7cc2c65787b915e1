// Package objectstore wraps the artifact bucket with a small put/get/head/presign/delete surface.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist in the bucket.
var ErrNotFound = errors.New("object not found")

// Operation is the access a presigned URL grants.
type Operation string

const (
	OpGet Operation = "get"
	OpPut Operation = "put"
)

// PresignOptions tunes a presigned URL.
type PresignOptions struct {
	// Filename sets an attachment Content-Disposition on downloads.
	Filename string
	// ContentType is bound into upload URLs.
	ContentType string
}

// Gateway is the uniform storage surface used by the orchestrator, workers and sweeper.
type Gateway interface {
	Put(ctx context.Context, key, localPath, contentType string) error
	Get(ctx context.Context, key, destPath string) error
	Head(ctx context.Context, key string) (int64, error)
	Presign(ctx context.Context, key string, op Operation, ttl time.Duration, opts PresignOptions) (string, error)
	// Delete is idempotent: deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error
}

// Key prefixes separating uploads, outputs and rendered media.
const (
	PrefixUploads = "uploads/"
	PrefixOutputs = "outputs/"
	PrefixVideos  = "videos/"
)

// UploadKey is the storage key for a freshly allocated file identifier.
func UploadKey(fileID, ext string) string {
	return PrefixUploads + fileID + strings.ToLower(ext)
}

// MasteredKey is the output key of a mastering job.
func MasteredKey(jobID string) string {
	return fmt.Sprintf("%s%s_mastered.wav", PrefixOutputs, jobID)
}

// TranscriptKey is the output key of a transcription job.
func TranscriptKey(jobID string) string {
	return fmt.Sprintf("%s%s_transcript.json", PrefixOutputs, jobID)
}

// VideoKey is the output key of a video render job.
func VideoKey(jobID string) string {
	return fmt.Sprintf("%svideo_%s.mp4", PrefixVideos, jobID)
}

// cleanKey rejects any key with a ".." segment and normalizes the rest.
func cleanKey(key string) (string, error) {
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid object key %q", key)
		}
	}
	k := strings.TrimPrefix(path.Clean("/"+key), "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return k, nil
}
