// Package orchestrator is the synchronous boundary for uploads, submission,
// status lookup, result retrieval and cleanup.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"media-job-orchestrator/internal/models"
	"media-job-orchestrator/internal/objectstore"
	"media-job-orchestrator/internal/queue"
	"media-job-orchestrator/internal/status"
	"media-job-orchestrator/internal/store"
	"media-job-orchestrator/internal/telemetry"
	"media-job-orchestrator/internal/templates"
	"media-job-orchestrator/internal/worker"
)

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrUnknownKind         = errors.New("unknown job kind")
	ErrUnknownTemplate     = errors.New("unknown template")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrInputNotFound       = errors.New("input not found")
	ErrInputNotReady       = errors.New("input not ready")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobNotReady         = errors.New("job not ready")
	ErrArtifactMissing     = errors.New("artifact missing")
)

var audioExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".flac": true, ".aiff": true, ".ogg": true, ".m4a": true,
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".webm": true,
}

// inputSpec names one input a kind requires and where it may come from.
type inputSpec struct {
	role    string
	sources []models.InputSource
}

var inputSpecs = map[models.Kind][]inputSpec{
	models.KindMastering: {
		{role: "target", sources: []models.InputSource{models.SourceFile}},
		{role: "reference", sources: []models.InputSource{models.SourceFile, models.SourceTemplate}},
	},
	models.KindTranscription: {
		{role: "audio", sources: []models.InputSource{models.SourceFile, models.SourceURL}},
	},
	models.KindVideoRender: {
		{role: "audio", sources: []models.InputSource{models.SourceFile, models.SourceURL}},
	},
}

// Deps are the collaborators of a Service.
type Deps struct {
	Statuses status.Store
	Files    store.FileStore
	Gateway  objectstore.Gateway
	Queue    queue.Queue
	Catalog  *templates.Catalog
}

// Options tunes a Service.
type Options struct {
	UploadURLTTL    time.Duration
	DownloadURLTTL  time.Duration
	DefaultLanguage string
	MaxLength       int64
}

// Service implements the caller-facing job operations.
type Service struct {
	statuses        status.Store
	files           store.FileStore
	gateway         objectstore.Gateway
	queue           queue.Queue
	catalog         *templates.Catalog
	uploadTTL       time.Duration
	downloadTTL     time.Duration
	defaultLanguage string
	maxLength       int64
	now             func() time.Time
	newID           func() string
}

func New(d Deps, o Options) *Service {
	if o.UploadURLTTL == 0 {
		o.UploadURLTTL = 2 * time.Hour
	}
	if o.DownloadURLTTL == 0 {
		o.DownloadURLTTL = time.Hour
	}
	return &Service{
		statuses:        d.Statuses,
		files:           d.Files,
		gateway:         d.Gateway,
		queue:           d.Queue,
		catalog:         d.Catalog,
		uploadTTL:       o.UploadURLTTL,
		downloadTTL:     o.DownloadURLTTL,
		defaultLanguage: o.DefaultLanguage,
		maxLength:       o.MaxLength,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           func() string { return uuid.New().String() },
	}
}

// UploadTicket is a write-capable, time-bounded upload destination.
type UploadTicket struct {
	FileID     string    `json:"file_id"`
	UploadURL  string    `json:"upload_url"`
	StorageKey string    `json:"storage_key"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RequestUpload allocates a file identifier and a presigned PUT for it.
func (s *Service) RequestUpload(ctx context.Context, filename, contentType string) (UploadTicket, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" {
		return UploadTicket{}, fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	}
	ext := strings.ToLower(path.Ext(name))
	if !audioExtensions[ext] && !videoExtensions[ext] {
		return UploadTicket{}, fmt.Errorf("%w: %q; allowed: %s", ErrUnsupportedFileType, ext, strings.Join(allowedExtensions(), ", "))
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		return UploadTicket{}, fmt.Errorf("%w: content type %q", ErrInvalidRequest, contentType)
	}

	now := s.now()
	meta := models.FileMeta{
		ID:           s.newID(),
		OriginalName: name,
		ContentType:  contentType,
		UploadedAt:   now,
	}
	meta.StorageKey = objectstore.UploadKey(meta.ID, ext)

	uploadURL, err := s.gateway.Presign(ctx, meta.StorageKey, objectstore.OpPut, s.uploadTTL, objectstore.PresignOptions{ContentType: contentType})
	if err != nil {
		return UploadTicket{}, fmt.Errorf("presign upload: %w", err)
	}
	if err := s.files.CreateFile(ctx, meta); err != nil {
		return UploadTicket{}, fmt.Errorf("record upload: %w", err)
	}
	return UploadTicket{
		FileID:     meta.ID,
		UploadURL:  uploadURL,
		StorageKey: meta.StorageKey,
		ExpiresAt:  now.Add(s.uploadTTL),
	}, nil
}

// ConfirmUpload verifies the object exists and records its size.
func (s *Service) ConfirmUpload(ctx context.Context, fileID string) (models.FileMeta, error) {
	meta, err := s.files.GetFile(ctx, fileID)
	if errors.Is(err, store.ErrFileNotFound) {
		return models.FileMeta{}, fmt.Errorf("%w: %s", ErrInputNotFound, fileID)
	}
	if err != nil {
		return models.FileMeta{}, err
	}
	size, err := s.gateway.Head(ctx, meta.StorageKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		return models.FileMeta{}, fmt.Errorf("%w: %s has not been uploaded", ErrInputNotReady, fileID)
	}
	if err != nil {
		return models.FileMeta{}, fmt.Errorf("head upload: %w", err)
	}
	return s.files.ConfirmFile(ctx, fileID, size)
}

// InputRef names one input by uploaded file, template or external URL.
// Exactly one field is set.
type InputRef struct {
	FileID     string `json:"file_id,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
	URL        string `json:"url,omitempty"`
}

func (r InputRef) source() (models.InputSource, error) {
	set := 0
	var src models.InputSource
	if r.FileID != "" {
		set++
		src = models.SourceFile
	}
	if r.TemplateID != "" {
		set++
		src = models.SourceTemplate
	}
	if r.URL != "" {
		set++
		src = models.SourceURL
	}
	if set != 1 {
		return "", fmt.Errorf("exactly one of file_id, template_id or url must be set")
	}
	return src, nil
}

// SubmitRequest asks for one job.
type SubmitRequest struct {
	Kind    models.Kind         `json:"kind"`
	Inputs  map[string]InputRef `json:"inputs"`
	Options json.RawMessage     `json:"options,omitempty"`
}

// Submit validates inputs, records a pending job and enqueues it. It never
// waits for the transformation.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	kind, err := models.ParseKind(string(req.Kind))
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	inputs, err := s.resolveInputs(ctx, kind, req.Inputs)
	if err != nil {
		return models.Job{}, err
	}
	opts, err := s.normalizeOptions(kind, req.Options)
	if err != nil {
		return models.Job{}, err
	}

	now := s.now()
	job := models.NewJob(s.newID(), kind, now)
	if err := s.statuses.Create(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	task := models.Task{JobID: job.ID, Kind: kind, Inputs: inputs, Options: opts, EnqueuedAt: now}
	if err := s.files.LinkJob(ctx, task.FileIDs(), job.ID); err != nil {
		s.abandon(ctx, job.ID, err)
		return models.Job{}, fmt.Errorf("link inputs: %w", err)
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.abandon(ctx, job.ID, err)
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.JobsSubmitted.WithLabelValues(string(kind)).Inc()
	log.Info().Str("job_id", job.ID).Str("kind", string(kind)).Msg("job submitted")
	return job, nil
}

// abandon marks a job that never reached a worker as failed.
func (s *Service) abandon(ctx context.Context, jobID string, cause error) {
	_, err := s.statuses.Update(ctx, jobID, func(j *models.Job) error {
		return j.Fail("dispatch failed: "+cause.Error(), s.now())
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("mark undispatched job failed")
	}
}

func (s *Service) resolveInputs(ctx context.Context, kind models.Kind, refs map[string]InputRef) ([]models.ResolvedInput, error) {
	specs := inputSpecs[kind]
	known := make(map[string]bool, len(specs))
	for _, sp := range specs {
		known[sp.role] = true
	}
	for role := range refs {
		if !known[role] {
			return nil, fmt.Errorf("%w: unexpected input %q for %s", ErrInvalidRequest, role, kind)
		}
	}

	out := make([]models.ResolvedInput, 0, len(specs))
	for _, sp := range specs {
		ref, ok := refs[sp.role]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s input", ErrInvalidRequest, sp.role)
		}
		src, err := ref.source()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, sp.role, err)
		}
		if !allows(sp.sources, src) {
			return nil, fmt.Errorf("%w: %s input cannot be a %s", ErrInvalidRequest, sp.role, src)
		}
		resolved, err := s.resolveInput(ctx, sp.role, src, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

func (s *Service) resolveInput(ctx context.Context, role string, src models.InputSource, ref InputRef) (models.ResolvedInput, error) {
	in := models.ResolvedInput{Role: role, Source: src}
	switch src {
	case models.SourceFile:
		meta, err := s.files.GetFile(ctx, ref.FileID)
		if errors.Is(err, store.ErrFileNotFound) {
			return in, fmt.Errorf("%w: %s", ErrInputNotFound, ref.FileID)
		}
		if err != nil {
			return in, err
		}
		if !meta.Confirmed {
			return in, fmt.Errorf("%w: %s", ErrInputNotReady, ref.FileID)
		}
		in.FileID = meta.ID
		in.StorageKey = meta.StorageKey
		in.Name = meta.OriginalName
	case models.SourceTemplate:
		t, err := s.catalog.Get(ref.TemplateID)
		if err != nil {
			return in, fmt.Errorf("%w: %s", ErrUnknownTemplate, ref.TemplateID)
		}
		in.TemplateID = t.ID
		in.Name = t.Name
	case models.SourceURL:
		u, err := url.Parse(ref.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return in, fmt.Errorf("%w: %s url must be http(s)", ErrInvalidRequest, role)
		}
		in.URL = u.String()
		in.Name = path.Base(u.Path)
	}
	return in, nil
}

// Status returns the current record verbatim.
func (s *Service) Status(ctx context.Context, jobID string) (models.Job, error) {
	job, err := s.statuses.Get(ctx, jobID)
	if errors.Is(err, status.ErrNotFound) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, err
}

// ResultLink is a time-bounded read-capable locator for a job's artifact.
type ResultLink struct {
	JobID     string    `json:"job_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result presigns the completed job's artifact.
func (s *Service) Result(ctx context.Context, jobID string) (ResultLink, error) {
	job, err := s.Status(ctx, jobID)
	if err != nil {
		return ResultLink{}, err
	}
	if job.Status != models.StatusCompleted {
		return ResultLink{}, fmt.Errorf("%w: %s is %s", ErrJobNotReady, jobID, job.Status)
	}
	if job.OutputRef == "" {
		return ResultLink{}, fmt.Errorf("%w: %s has no output", ErrArtifactMissing, jobID)
	}
	if _, err := s.gateway.Head(ctx, job.OutputRef); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return ResultLink{}, fmt.Errorf("%w: %s", ErrArtifactMissing, job.OutputRef)
		}
		return ResultLink{}, fmt.Errorf("head output: %w", err)
	}
	u, err := s.gateway.Presign(ctx, job.OutputRef, objectstore.OpGet, s.downloadTTL, objectstore.PresignOptions{
		Filename: downloadName(job.Kind),
	})
	if err != nil {
		return ResultLink{}, fmt.Errorf("presign result: %w", err)
	}
	return ResultLink{JobID: jobID, URL: u, ExpiresAt: s.now().Add(s.downloadTTL)}, nil
}

// Cleanup removes a job's record, its artifact, its linked inputs and any
// queued task. Unknown jobs are a no-op; individual failures are logged.
func (s *Service) Cleanup(ctx context.Context, jobID string) {
	logger := log.With().Str("job_id", jobID).Logger()

	if err := s.queue.Cancel(ctx, jobID); err != nil {
		logger.Warn().Err(err).Msg("cancel queued task")
	}

	job, err := s.statuses.Get(ctx, jobID)
	switch {
	case err == nil:
		key := job.OutputRef
		if key == "" {
			key = worker.OutputKey(job.Kind, jobID)
		}
		if err := s.gateway.Delete(ctx, key); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("delete output")
		}
	case !errors.Is(err, status.ErrNotFound):
		logger.Warn().Err(err).Msg("load job for cleanup")
	}

	files, err := s.files.FilesForJob(ctx, jobID)
	if err != nil {
		logger.Warn().Err(err).Msg("list job files")
	}
	for _, f := range files {
		if err := s.gateway.Delete(ctx, f.StorageKey); err != nil {
			logger.Warn().Err(err).Str("key", f.StorageKey).Msg("delete input")
			continue
		}
		if f.OutputKey != "" && f.OutputKey != job.OutputRef {
			if err := s.gateway.Delete(ctx, f.OutputKey); err != nil {
				logger.Warn().Err(err).Str("key", f.OutputKey).Msg("delete output")
			}
		}
		if err := s.files.DeleteFile(ctx, f.ID); err != nil {
			logger.Warn().Err(err).Str("file_id", f.ID).Msg("delete file metadata")
		}
	}

	if err := s.statuses.Delete(ctx, jobID); err != nil {
		logger.Warn().Err(err).Msg("delete job record")
	}
}

// Templates lists the built-in reference templates and whether each is installed.
func (s *Service) Templates() []TemplateInfo {
	list := s.catalog.List()
	out := make([]TemplateInfo, 0, len(list))
	for _, t := range list {
		out = append(out, TemplateInfo{Template: t, Available: s.catalog.Available(t.ID)})
	}
	return out
}

// TemplateInfo is a template plus its install state.
type TemplateInfo struct {
	templates.Template
	Available bool `json:"available"`
}

// SettingOption is one selectable value of a setting.
type SettingOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Setting lists the options of one mastering setting and its default.
type Setting struct {
	Options []SettingOption `json:"options"`
	Default string          `json:"default"`
}

// Settings describes the mastering option catalog.
func (s *Service) Settings() map[string]Setting {
	return map[string]Setting{
		"output_quality": {
			Options: []SettingOption{
				{ID: models.QualityStandard, Name: "Standard (16-bit)", Description: "Smaller file size, great for most podcasts"},
				{ID: models.QualityHigh, Name: "High Quality (24-bit)", Description: "Larger files, best for professional production"},
			},
			Default: models.QualityStandard,
		},
		"limiter_mode": {
			Options: []SettingOption{
				{ID: models.LimiterGentle, Name: "Gentle", Description: "More dynamic range, natural sound"},
				{ID: models.LimiterNormal, Name: "Normal", Description: "Balanced loudness and dynamics"},
				{ID: models.LimiterLoud, Name: "Loud", Description: "Maximum loudness, less dynamic range"},
			},
			Default: models.LimiterNormal,
		},
	}
}

func allows(sources []models.InputSource, src models.InputSource) bool {
	for _, s := range sources {
		if s == src {
			return true
		}
	}
	return false
}

func allowedExtensions() []string {
	out := make([]string, 0, len(audioExtensions)+len(videoExtensions))
	for ext := range audioExtensions {
		out = append(out, ext)
	}
	for ext := range videoExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func downloadName(kind models.Kind) string {
	switch kind {
	case models.KindTranscription:
		return "transcript.json"
	case models.KindVideoRender:
		return "podcast_video.mp4"
	default:
		return "mastered_podcast.wav"
	}
}
