package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"media-job-orchestrator/internal/models"
)

// Memory is an in-process FileStore used by standalone mode and tests.
type Memory struct {
	mu    sync.RWMutex
	files map[string]models.FileMeta
}

func NewMemory() *Memory {
	return &Memory{files: make(map[string]models.FileMeta)}
}

func (m *Memory) CreateFile(_ context.Context, f models.FileMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; ok {
		return fmt.Errorf("file %s already exists", f.ID)
	}
	for _, existing := range m.files {
		if existing.StorageKey == f.StorageKey {
			return fmt.Errorf("storage key %s already in use", f.StorageKey)
		}
	}
	m.files[f.ID] = f
	return nil
}

func (m *Memory) GetFile(_ context.Context, id string) (models.FileMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return models.FileMeta{}, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	return f, nil
}

func (m *Memory) ConfirmFile(_ context.Context, id string, size int64) (models.FileMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return models.FileMeta{}, fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}
	f.Size = size
	f.Confirmed = true
	m.files[id] = f
	return f, nil
}

func (m *Memory) LinkJob(_ context.Context, fileIDs []string, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range fileIDs {
		f, ok := m.files[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrFileNotFound, id)
		}
		f.JobID = jobID
		f.OutputKey = ""
		m.files[id] = f
	}
	return nil
}

func (m *Memory) SetOutputKey(_ context.Context, jobID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.files {
		if f.JobID == jobID {
			f.OutputKey = key
			m.files[id] = f
		}
	}
	return nil
}

func (m *Memory) FilesForJob(_ context.Context, jobID string) ([]models.FileMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.FileMeta
	for _, f := range m.files {
		if f.JobID == jobID {
			out = append(out, f)
		}
	}
	sortFiles(out)
	return out, nil
}

func (m *Memory) ListFiles(_ context.Context) ([]models.FileMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.FileMeta, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, f)
	}
	sortFiles(out)
	return out, nil
}

func (m *Memory) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

func sortFiles(files []models.FileMeta) {
	sort.Slice(files, func(i, j int) bool { return files[i].UploadedAt.Before(files[j].UploadedAt) })
}
