package models

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates job lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transitions may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind selects the transformation backend for a job.
type Kind string

const (
	KindMastering     Kind = "mastering"
	KindTranscription Kind = "transcription"
	KindVideoRender   Kind = "video-render"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindMastering, KindTranscription, KindVideoRender}

// ParseKind validates a raw kind tag.
func ParseKind(raw string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown job kind %q", raw)
}

var (
	// ErrTerminal is returned when mutating a completed or failed job.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrInvalidTransition is returned for any other disallowed state change.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Job is the status record for one submitted unit of work.
type Job struct {
	ID          string     `json:"job_id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message"`
	OutputRef   string     `json:"output_ref,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob builds the initial pending record written at submission.
func NewJob(id string, kind Kind, now time.Time) Job {
	return Job{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		Progress:  0,
		Message:   "Queued for processing...",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start moves a pending job to processing with progress 0.
func (j *Job) Start(message string, now time.Time) error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	if j.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusProcessing)
	}
	j.Status = StatusProcessing
	j.Progress = 0
	j.Message = message
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// Advance records a progress milestone. Progress never decreases and stays
// below 100 until Complete.
func (j *Job) Advance(progress int, message string, now time.Time) error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: advance while %s", ErrInvalidTransition, j.Status)
	}
	if progress > 99 {
		progress = 99
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.Message = message
	j.UpdatedAt = now
	return nil
}

// Complete marks the job completed with its canonical output reference.
func (j *Job) Complete(outputRef, message string, now time.Time) error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, StatusCompleted)
	}
	j.Status = StatusCompleted
	j.Progress = 100
	j.OutputRef = outputRef
	j.Message = message
	j.Error = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail marks the job failed. Progress keeps its last value.
func (j *Job) Fail(cause string, now time.Time) error {
	if j.Status.IsTerminal() {
		return ErrTerminal
	}
	if cause == "" {
		cause = "unknown error"
	}
	j.Status = StatusFailed
	j.Error = cause
	j.Message = "Processing failed: " + cause
	j.OutputRef = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}
