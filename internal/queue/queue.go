// Package queue hands submitted tasks to execution workers.
package queue

import (
	"context"
	"errors"

	"media-job-orchestrator/internal/models"
)

// ErrDuplicate is returned when a job is enqueued twice.
var ErrDuplicate = errors.New("task already enqueued")

// Queue is the asynchronous boundary between submission and execution.
// Every task is delivered to at most one worker; nothing is redelivered.
type Queue interface {
	Enqueue(ctx context.Context, task models.Task) error
	// Dequeue returns nil with no error when nothing is ready.
	Dequeue(ctx context.Context) (*models.Task, error)
	Ack(ctx context.Context, jobID string) error
	// Cancel drops a task that no worker has taken yet.
	Cancel(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
}
