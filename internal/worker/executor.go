package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"media-job-orchestrator/internal/backend"
	"media-job-orchestrator/internal/models"
	"media-job-orchestrator/internal/notify"
	"media-job-orchestrator/internal/objectstore"
	"media-job-orchestrator/internal/status"
	"media-job-orchestrator/internal/store"
	"media-job-orchestrator/internal/telemetry"
	"media-job-orchestrator/internal/templates"
)

// Worker-side milestones around the backend's own phases.
const (
	progressDownloading = 5
	progressInputsReady = 10
	progressUploading   = 88
	progressSaving      = 92
)

// BlobUploader pushes an artifact to the caller's own storage.
type BlobUploader interface {
	Upload(ctx context.Context, jobID, path, contentType string) (*notify.BlobData, error)
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Statuses         status.Store
	Files            store.FileStore
	Gateway          objectstore.Gateway
	Catalog          *templates.Catalog
	Backends         *backend.Registry
	Notifier         notify.Notifier
	Blob             BlobUploader
	ScratchDir       string
	DownloadTimeout  time.Duration
	MaxDownloadBytes int64
}

// Executor runs one task from claim to terminal state.
type Executor struct {
	statuses   status.Store
	files      store.FileStore
	gateway    objectstore.Gateway
	catalog    *templates.Catalog
	backends   *backend.Registry
	notifier   notify.Notifier
	blob       BlobUploader
	scratchDir string
	httpClient *http.Client
	maxBytes   int64
	now        func() time.Time
}

func NewExecutor(d Deps) *Executor {
	timeout := d.DownloadTimeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	maxBytes := d.MaxDownloadBytes
	if maxBytes == 0 {
		maxBytes = 2 << 30
	}
	scratch := d.ScratchDir
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "media-jobs")
	}
	blob := d.Blob
	if u, ok := blob.(interface{ Enabled() bool }); ok && !u.Enabled() {
		blob = nil
	}
	return &Executor{
		statuses:   d.Statuses,
		files:      d.Files,
		gateway:    d.Gateway,
		catalog:    d.Catalog,
		backends:   d.Backends,
		notifier:   d.Notifier,
		blob:       blob,
		scratchDir: scratch,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// errNotOwner means another execution already claimed the job.
var errNotOwner = errors.New("job already claimed")

// Execute drives one job through processing to completed or failed. It
// returns the job's failure cause, or nil when the job completed or was
// owned elsewhere.
func (e *Executor) Execute(ctx context.Context, task models.Task) (err error) {
	logger := log.With().Str("job_id", task.JobID).Str("kind", string(task.Kind)).Logger()

	if err := e.claim(ctx, task.JobID); err != nil {
		if errors.Is(err, errNotOwner) {
			logger.Info().Msg("job not pending, skipping")
			return nil
		}
		logger.Error().Err(err).Msg("claim job")
		return err
	}
	started := e.now()
	workDir := filepath.Join(e.scratchDir, task.JobID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			e.fail(ctx, task, workDir, err)
		}
		telemetry.JobDuration.WithLabelValues(string(task.Kind)).Observe(e.now().Sub(started).Seconds())
	}()

	outputKey, blob, runErr := e.run(ctx, task, workDir)
	if runErr != nil {
		e.fail(ctx, task, workDir, runErr)
		return runErr
	}

	job, err := e.statuses.Update(ctx, task.JobID, func(j *models.Job) error {
		return j.Complete(outputKey, completionMessage(task.Kind), e.now())
	})
	if err != nil {
		// No job record references the artifact past this point.
		if delErr := e.gateway.Delete(ctx, outputKey); delErr != nil {
			logger.Warn().Err(delErr).Str("key", outputKey).Msg("remove orphaned output")
		}
		e.fail(ctx, task, workDir, fmt.Errorf("record completion: %w", err))
		return err
	}
	e.removeScratch(workDir)
	telemetry.JobsCompleted.WithLabelValues(string(task.Kind)).Inc()
	logger.Info().Str("output_ref", job.OutputRef).Msg("job completed")

	e.notify(ctx, notify.Notification{
		JobID:     task.JobID,
		Kind:      task.Kind,
		Status:    models.StatusCompleted,
		OutputRef: outputKey,
		Blob:      blob,
	})
	return nil
}

func (e *Executor) claim(ctx context.Context, jobID string) error {
	_, err := e.statuses.Update(ctx, jobID, func(j *models.Job) error {
		if j.Status != models.StatusPending {
			return errNotOwner
		}
		return j.Start("Starting...", e.now())
	})
	return err
}

func (e *Executor) run(ctx context.Context, task models.Task, workDir string) (string, *notify.BlobData, error) {
	b, err := e.backends.Get(task.Kind)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}

	e.advance(ctx, task.JobID, progressDownloading, "Downloading your audio...")
	inputs, err := e.resolveInputs(ctx, task, workDir)
	if err != nil {
		return "", nil, err
	}
	e.advance(ctx, task.JobID, progressInputsReady, "Inputs ready")

	res, err := b.Execute(ctx, backend.Request{
		JobID:   task.JobID,
		Inputs:  inputs,
		WorkDir: workDir,
		Options: task.Options,
		OnPhase: func(p backend.Phase) {
			e.advance(ctx, task.JobID, p.Progress, p.Message)
		},
	})
	if err != nil {
		return "", nil, err
	}

	e.advance(ctx, task.JobID, progressUploading, "Uploading result...")
	outputKey := OutputKey(task.Kind, task.JobID)
	if err := e.gateway.Put(ctx, outputKey, res.OutputPath, res.ContentType); err != nil {
		return "", nil, fmt.Errorf("upload output: %w", err)
	}

	var blob *notify.BlobData
	if e.blob != nil {
		e.advance(ctx, task.JobID, progressSaving, "Saving to cloud...")
		blob, err = e.blob.Upload(ctx, task.JobID, res.OutputPath, res.ContentType)
		switch {
		case err != nil:
			telemetry.BlobUploads.WithLabelValues("failed").Inc()
			log.Warn().Err(err).Str("job_id", task.JobID).Msg("blob upload failed, relying on primary storage")
			blob = nil
		case blob != nil:
			telemetry.BlobUploads.WithLabelValues("uploaded").Inc()
		default:
			telemetry.BlobUploads.WithLabelValues("skipped").Inc()
		}
	}

	if err := e.files.SetOutputKey(ctx, task.JobID, outputKey); err != nil {
		return "", nil, fmt.Errorf("record output key: %w", err)
	}
	return outputKey, blob, nil
}

func (e *Executor) resolveInputs(ctx context.Context, task models.Task, workDir string) (map[string]string, error) {
	paths := make(map[string]string, len(task.Inputs))
	for _, in := range task.Inputs {
		switch in.Source {
		case models.SourceTemplate:
			p, err := e.catalog.Path(in.TemplateID)
			if err != nil {
				return nil, fmt.Errorf("resolve template %q: %w", in.TemplateID, err)
			}
			paths[in.Role] = p
		case models.SourceFile:
			dest := filepath.Join(workDir, in.Role+path.Ext(in.StorageKey))
			if err := e.gateway.Get(ctx, in.StorageKey, dest); err != nil {
				return nil, fmt.Errorf("download %s input: %w", in.Role, err)
			}
			paths[in.Role] = dest
		case models.SourceURL:
			dest, err := e.download(ctx, in.URL, workDir, in.Role)
			if err != nil {
				return nil, err
			}
			paths[in.Role] = dest
		default:
			return nil, fmt.Errorf("unsupported input source %q for %s", in.Source, in.Role)
		}
	}
	return paths, nil
}

func (e *Executor) download(ctx context.Context, rawURL, workDir, role string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid %s url %q", role, rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", role, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("download %s: status %d", role, resp.StatusCode)
	}

	dest := filepath.Join(workDir, role+path.Ext(u.Path))
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", role, err)
	}
	defer f.Close()
	n, err := io.Copy(f, io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", role, err)
	}
	if n > e.maxBytes {
		return "", fmt.Errorf("%s too large (>%d bytes)", role, e.maxBytes)
	}
	return dest, nil
}

func (e *Executor) advance(ctx context.Context, jobID string, progress int, message string) {
	_, err := e.statuses.Update(ctx, jobID, func(j *models.Job) error {
		return j.Advance(progress, message, e.now())
	})
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Int("progress", progress).Msg("progress update failed")
	}
}

func (e *Executor) fail(ctx context.Context, task models.Task, workDir string, cause error) {
	e.removeScratch(workDir)
	_, err := e.statuses.Update(ctx, task.JobID, func(j *models.Job) error {
		return j.Fail(cause.Error(), e.now())
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", task.JobID).Msg("record failure")
	}
	telemetry.JobsFailed.WithLabelValues(string(task.Kind)).Inc()
	log.Warn().Err(cause).Str("job_id", task.JobID).Str("kind", string(task.Kind)).Msg("job failed")

	e.notify(ctx, notify.Notification{
		JobID:  task.JobID,
		Kind:   task.Kind,
		Status: models.StatusFailed,
		Error:  cause.Error(),
	})
}

func (e *Executor) notify(ctx context.Context, n notify.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		telemetry.NotificationFailures.Inc()
		log.Warn().Err(err).Str("job_id", n.JobID).Msg("notification failed")
	}
}

// removeScratch deletes the job's scratch directory. Template files are
// resolved in place and never live under it.
func (e *Executor) removeScratch(workDir string) {
	if e.catalog != nil && e.catalog.IsTemplatePath(workDir) {
		return
	}
	if err := os.RemoveAll(workDir); err != nil {
		log.Warn().Err(err).Str("dir", workDir).Msg("remove scratch dir")
	}
}

// OutputKey is the canonical storage key of a job's artifact.
func OutputKey(kind models.Kind, jobID string) string {
	switch kind {
	case models.KindTranscription:
		return objectstore.TranscriptKey(jobID)
	case models.KindVideoRender:
		return objectstore.VideoKey(jobID)
	default:
		return objectstore.MasteredKey(jobID)
	}
}

func completionMessage(kind models.Kind) string {
	switch kind {
	case models.KindTranscription:
		return "Transcription complete!"
	case models.KindVideoRender:
		return "Video render complete!"
	default:
		return "Mastering complete!"
	}
}
