// Package store persists file metadata: uploads, their confirmation state and
// the job that consumed them.
package store

import (
	"context"
	"errors"

	"media-job-orchestrator/internal/models"
)

var ErrFileNotFound = errors.New("file not found")

// FileStore is the bookkeeping table owned by the orchestrator.
type FileStore interface {
	CreateFile(ctx context.Context, f models.FileMeta) error
	GetFile(ctx context.Context, id string) (models.FileMeta, error)
	ConfirmFile(ctx context.Context, id string, size int64) (models.FileMeta, error)
	// LinkJob tags files with the job consuming them. A file reused by a
	// later job is re-linked to that job.
	LinkJob(ctx context.Context, fileIDs []string, jobID string) error
	// SetOutputKey records the produced artifact on every file linked to jobID.
	SetOutputKey(ctx context.Context, jobID, key string) error
	FilesForJob(ctx context.Context, jobID string) ([]models.FileMeta, error)
	ListFiles(ctx context.Context) ([]models.FileMeta, error)
	// DeleteFile is idempotent.
	DeleteFile(ctx context.Context, id string) error
}
