// Package backend wraps the external media tools behind one Execute call per kind.
package backend

import (
	"context"
	"fmt"

	"media-job-orchestrator/internal/models"
)

// Phase is a coarse progress milestone reported while a backend runs.
type Phase struct {
	Name     string
	Progress int
	Message  string
}

// Request describes one execution.
type Request struct {
	JobID string
	// Inputs maps an input role (target, reference, audio) to a local path.
	Inputs  map[string]string
	WorkDir string
	Options models.Options
	OnPhase func(Phase)
}

// Result points at the artifact produced inside WorkDir.
type Result struct {
	OutputPath  string
	ContentType string
	FileName    string
}

// Backend runs one transformation to completion or failure.
type Backend interface {
	Kind() models.Kind
	Execute(ctx context.Context, req Request) (Result, error)
}

// Error is a stage-aware backend failure. Message is the backend's own text.
type Error struct {
	Stage   string     `json:"stage"`
	Message string     `json:"message"`
	Log     CommandLog `json:"log"`
	Err     error      `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Log.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Stage, e.Message, e.Log.Command, e.Log.ExitCode)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Registry resolves a kind to its backend once per job.
type Registry struct {
	backends map[models.Kind]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[models.Kind]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Kind()] = b
	}
	return r
}

func (r *Registry) Get(kind models.Kind) (Backend, error) {
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("no backend registered for kind %q", kind)
	}
	return b, nil
}

func emitPhase(cb func(Phase), p Phase) {
	if cb != nil {
		cb(p)
	}
}

func input(req Request, role string) (string, error) {
	p, ok := req.Inputs[role]
	if !ok || p == "" {
		return "", &Error{Stage: "preparing", Message: fmt.Sprintf("missing %s input", role)}
	}
	return p, nil
}
