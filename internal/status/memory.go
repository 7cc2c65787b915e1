package status

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"media-job-orchestrator/internal/models"
)

type entry struct {
	mu      sync.Mutex
	job     models.Job
	deleted bool
}

// MemoryStore is an in-process Store. Each key carries its own lock.
type MemoryStore struct {
	entries sync.Map // id -> *entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(_ context.Context, job models.Job) error {
	e := &entry{job: job}
	if _, loaded := s.entries.LoadOrStore(job.ID, e); loaded {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	return nil
}

func (s *MemoryStore) load(id string) (*entry, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (s *MemoryStore) Get(_ context.Context, id string) (models.Job, error) {
	e, ok := s.load(id)
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.job, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (models.Job, error) {
	e, ok := s.load(id)
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := e.job
	if err := fn(&next); err != nil {
		return e.job, err
	}
	e.job = next
	return next, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	v, ok := s.entries.LoadAndDelete(id)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.Job, error) {
	var out []models.Job
	s.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.job)
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
