// Package status holds the shared job status table.
package status

import (
	"context"
	"errors"

	"media-job-orchestrator/internal/models"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// UpdateFunc mutates a job in place. Returning an error aborts the write.
type UpdateFunc func(job *models.Job) error

// Store maps job identifiers to their current status record. Updates are
// atomic read-modify-replace per key; writes to different keys never block each other.
type Store interface {
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (models.Job, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.Job, error)
}
