// Package notify delivers terminal job events to an external system.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"media-job-orchestrator/internal/config"
	"media-job-orchestrator/internal/models"
)

// Notification is the webhook payload for one terminal job.
type Notification struct {
	JobID     string        `json:"job_id"`
	Kind      models.Kind   `json:"kind"`
	Status    models.Status `json:"status"`
	OutputRef string        `json:"output_ref,omitempty"`
	Error     string        `json:"error,omitempty"`
	Blob      *BlobData     `json:"blob_data,omitempty"`
}

// Notifier sends one notification. Callers treat failures as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Dispatcher posts notifications to a webhook with a bearer token and a bounded timeout.
type Dispatcher struct {
	url    string
	token  string
	client *http.Client
}

func NewDispatcher(cfg config.NotifyConfig) *Dispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		url:    cfg.WebhookURL,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}
}

// NewDispatcherWithClient uses the given client for delivery.
func NewDispatcherWithClient(url, token string, client *http.Client) *Dispatcher {
	return &Dispatcher{url: url, token: token, client: client}
}

// Enabled reports whether both a webhook URL and a token are configured.
func (d *Dispatcher) Enabled() bool {
	return d.url != "" && d.token != ""
}

// Notify is a no-op when the dispatcher is not configured.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	if !d.Enabled() {
		return nil
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification rejected: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
