package models

import "time"

// FileMeta tracks one uploaded input and, once a job finishes, its output key.
type FileMeta struct {
	ID           string    `json:"file_id"`
	StorageKey   string    `json:"storage_key"`
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type"`
	UploadedAt   time.Time `json:"uploaded_at"`
	JobID        string    `json:"job_id,omitempty"`
	Size         int64     `json:"size"`
	Confirmed    bool      `json:"confirmed"`
	OutputKey    string    `json:"output_key,omitempty"`
}

// InputSource tells the worker where a resolved input lives.
type InputSource string

const (
	SourceFile     InputSource = "file"
	SourceTemplate InputSource = "template"
	SourceURL      InputSource = "url"
)

// ResolvedInput is one validated input reference carried on a task.
type ResolvedInput struct {
	Role       string      `json:"role"`
	Source     InputSource `json:"source"`
	FileID     string      `json:"file_id,omitempty"`
	StorageKey string      `json:"storage_key,omitempty"`
	TemplateID string      `json:"template_id,omitempty"`
	URL        string      `json:"url,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// Task is the queued work item handed to an execution worker.
type Task struct {
	JobID      string          `json:"job_id"`
	Kind       Kind            `json:"kind"`
	Inputs     []ResolvedInput `json:"inputs"`
	Options    Options         `json:"options"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// FileIDs returns the uploaded-file identifiers referenced by the task.
func (t Task) FileIDs() []string {
	var ids []string
	for _, in := range t.Inputs {
		if in.Source == SourceFile && in.FileID != "" {
			ids = append(ids, in.FileID)
		}
	}
	return ids
}
