// Package retention deletes uploads, artifacts and job records older than
// the retention window.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"media-job-orchestrator/internal/models"
	"media-job-orchestrator/internal/objectstore"
	"media-job-orchestrator/internal/status"
	"media-job-orchestrator/internal/store"
	"media-job-orchestrator/internal/telemetry"
)

// Summary counts one sweep.
type Summary struct {
	Checked     int `json:"checked"`
	Deleted     int `json:"deleted"`
	JobsChecked int `json:"jobs_checked"`
	JobsDeleted int `json:"jobs_deleted"`
	Errors      int `json:"errors"`
}

// Sweeper removes expired entries on a fixed schedule.
type Sweeper struct {
	files    store.FileStore
	statuses status.Store
	gateway  objectstore.Gateway
	window   time.Duration
	interval time.Duration
}

func NewSweeper(files store.FileStore, statuses status.Store, gw objectstore.Gateway, window, interval time.Duration) *Sweeper {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{files: files, statuses: statuses, gateway: gw, window: window, interval: interval}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.Sweep(ctx, time.Now().UTC())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep deletes every file older than the window together with its objects
// and linked job record, then every job record older than the window. Each
// entry is handled independently; already-absent entries count as deleted.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) Summary {
	var sum Summary
	cutoff := now.Add(-s.window)

	files, err := s.files.ListFiles(ctx)
	if err != nil {
		sum.Errors++
		log.Error().Err(err).Msg("retention: list files")
	}
	for _, f := range files {
		sum.Checked++
		if !f.UploadedAt.Before(cutoff) {
			continue
		}
		if s.deleteFile(ctx, f) {
			sum.Deleted++
			telemetry.RetentionDeleted.WithLabelValues("file").Inc()
		} else {
			sum.Errors++
		}
	}

	jobs, err := s.statuses.List(ctx)
	if err != nil {
		sum.Errors++
		log.Error().Err(err).Msg("retention: list jobs")
	}
	for _, j := range jobs {
		sum.JobsChecked++
		if !j.CreatedAt.Before(cutoff) {
			continue
		}
		if s.deleteJob(ctx, j) {
			sum.JobsDeleted++
			telemetry.RetentionDeleted.WithLabelValues("job").Inc()
		} else {
			sum.Errors++
		}
	}

	log.Info().
		Int("checked", sum.Checked).
		Int("deleted", sum.Deleted).
		Int("jobs_checked", sum.JobsChecked).
		Int("jobs_deleted", sum.JobsDeleted).
		Int("errors", sum.Errors).
		Msg("retention sweep finished")
	return sum
}

// deleteFile keeps the metadata record when an object delete fails so the
// next sweep retries it.
func (s *Sweeper) deleteFile(ctx context.Context, f models.FileMeta) bool {
	logger := log.With().Str("file_id", f.ID).Logger()
	for _, key := range []string{f.StorageKey, f.OutputKey} {
		if key == "" {
			continue
		}
		if err := s.gateway.Delete(ctx, key); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("retention: delete object")
			return false
		}
	}
	if f.JobID != "" {
		if err := s.statuses.Delete(ctx, f.JobID); err != nil {
			logger.Warn().Err(err).Str("job_id", f.JobID).Msg("retention: delete linked job")
			return false
		}
	}
	if err := s.files.DeleteFile(ctx, f.ID); err != nil {
		logger.Warn().Err(err).Msg("retention: delete file metadata")
		return false
	}
	return true
}

func (s *Sweeper) deleteJob(ctx context.Context, j models.Job) bool {
	if j.OutputRef != "" {
		if err := s.gateway.Delete(ctx, j.OutputRef); err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Str("key", j.OutputRef).Msg("retention: delete output")
			return false
		}
	}
	if err := s.statuses.Delete(ctx, j.ID); err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Msg("retention: delete job")
		return false
	}
	return true
}
