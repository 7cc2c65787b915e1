package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"media-job-orchestrator/internal/models"
)

// LocalQueue is an in-process Queue for standalone mode and tests.
type LocalQueue struct {
	mu       sync.Mutex
	kinds    map[models.Kind]bool
	ready    []models.Task
	known    map[string]bool
	inflight map[string]time.Time
	signal   chan struct{}
}

// NewLocalQueue accepts every kind and dequeues only the given kinds (all when empty).
func NewLocalQueue(kinds []models.Kind) *LocalQueue {
	if len(kinds) == 0 {
		kinds = models.Kinds
	}
	allowed := make(map[models.Kind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	return &LocalQueue{
		kinds:    allowed,
		known:    make(map[string]bool),
		inflight: make(map[string]time.Time),
		signal:   make(chan struct{}, 1),
	}
}

func (q *LocalQueue) Enqueue(_ context.Context, task models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.known[task.JobID] {
		return fmt.Errorf("%w: %s", ErrDuplicate, task.JobID)
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	q.known[task.JobID] = true
	q.ready = append(q.ready, task)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *LocalQueue) Dequeue(_ context.Context) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.ready {
		if !q.kinds[t.Kind] {
			continue
		}
		q.ready = append(q.ready[:i], q.ready[i+1:]...)
		q.inflight[t.JobID] = time.Now()
		task := t
		return &task, nil
	}
	return nil, nil
}

func (q *LocalQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, jobID)
	delete(q.known, jobID)
	return nil
}

func (q *LocalQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.ready {
		if t.JobID == jobID {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			delete(q.known, jobID)
			break
		}
	}
	return nil
}

func (q *LocalQueue) ReadyDepth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

func (q *LocalQueue) InFlight(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.inflight)), nil
}

// Ready fires after an Enqueue so a polling worker can wake early.
func (q *LocalQueue) Ready() <-chan struct{} {
	return q.signal
}
