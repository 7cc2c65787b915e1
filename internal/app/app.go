// Package app builds the shared components every binary needs from config.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"media-job-orchestrator/internal/api"
	"media-job-orchestrator/internal/backend"
	"media-job-orchestrator/internal/config"
	"media-job-orchestrator/internal/models"
	"media-job-orchestrator/internal/notify"
	"media-job-orchestrator/internal/objectstore"
	"media-job-orchestrator/internal/orchestrator"
	"media-job-orchestrator/internal/queue"
	"media-job-orchestrator/internal/ratelimit"
	"media-job-orchestrator/internal/retention"
	"media-job-orchestrator/internal/status"
	"media-job-orchestrator/internal/store"
	"media-job-orchestrator/internal/templates"
	"media-job-orchestrator/internal/worker"
)

// App holds the wired components. Fields are nil when their backend is not configured.
type App struct {
	Config   *config.Config
	Redis    *redis.Client
	Postgres *store.Postgres
	Statuses status.Store
	Files    store.FileStore
	Queue    queue.Queue
	Gateway  objectstore.Gateway
	Local    *objectstore.LocalGateway
	Catalog  *templates.Catalog
	Limiter  ratelimit.Limiter
}

// Standalone rewrites cfg to run every component in one process without
// Redis, Postgres or S3.
func Standalone(cfg *config.Config) {
	cfg.Backends.Status = "memory"
	cfg.Backends.Files = "memory"
	cfg.Backends.Queue = "local"
	cfg.Storage.Driver = "local"
	cfg.Worker.Embedded = true
	if cfg.Storage.SigningSecret == "" {
		cfg.Storage.SigningSecret = randomSecret()
		log.Warn().Msg("storage.signing_secret not set, file links will not survive a restart")
	}
}

// randomSecret returns 32 random bytes, hex encoded.
func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("read random secret: %v", err))
	}
	return hex.EncodeToString(b)
}

// Build connects the configured backends.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Catalog: templates.NewCatalog(cfg.Templates.Dir)}

	if cfg.Backends.Status == "redis" || cfg.Backends.Queue == "redis" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	switch cfg.Backends.Status {
	case "redis":
		a.Statuses = status.NewRedisStore(a.Redis)
	case "memory":
		a.Statuses = status.NewMemoryStore()
	default:
		a.Close()
		return nil, fmt.Errorf("unknown status backend %q", cfg.Backends.Status)
	}

	switch cfg.Backends.Files {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.Postgres = pg
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.Files = pg
	case "memory":
		a.Files = store.NewMemory()
	default:
		a.Close()
		return nil, fmt.Errorf("unknown files backend %q", cfg.Backends.Files)
	}

	kinds, err := parseKinds(cfg.Worker.Kinds)
	if err != nil {
		a.Close()
		return nil, err
	}
	switch cfg.Backends.Queue {
	case "redis":
		a.Queue = queue.NewRedisQueue(a.Redis, kinds)
	case "local":
		a.Queue = queue.NewLocalQueue(kinds)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backends.Queue)
	}

	switch cfg.Storage.Driver {
	case "s3":
		gw, err := objectstore.NewS3Gateway(ctx, cfg.Storage)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Gateway = gw
	case "local":
		gw, err := objectstore.NewLocalGateway(cfg.Storage.LocalDir, cfg.Server.PublicURL, cfg.Storage.SigningSecret)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Gateway = gw
		a.Local = gw
	default:
		a.Close()
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.RateLimit.Enabled {
		if a.Redis != nil {
			a.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec, time.Hour)
		} else {
			a.Limiter = ratelimit.NewMemoryBucket(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec)
		}
	}
	return a, nil
}

// Service builds the orchestrator.
func (a *App) Service() *orchestrator.Service {
	return orchestrator.New(orchestrator.Deps{
		Statuses: a.Statuses,
		Files:    a.Files,
		Gateway:  a.Gateway,
		Queue:    a.Queue,
		Catalog:  a.Catalog,
	}, orchestrator.Options{
		UploadURLTTL:    a.Config.Storage.UploadURLTTL,
		DownloadURLTTL:  a.Config.Storage.DownloadURLTTL,
		DefaultLanguage: a.Config.Transcription.Language,
		MaxLength:       a.Config.Mastering.MaxLength,
	})
}

// Server builds the HTTP API.
func (a *App) Server() *api.Server {
	opts := []api.Option{}
	if a.Limiter != nil {
		opts = append(opts, api.WithLimiter(a.Limiter))
	}
	if a.Local != nil {
		opts = append(opts, api.WithFileHandler(a.Local.Handler()))
	}
	return api.New(a.Service(), opts...)
}

// Processor builds the worker pool with every configured backend.
func (a *App) Processor() *worker.Processor {
	cfg := a.Config
	backends := backend.NewRegistry(
		backend.NewMastering(cfg.Mastering),
		backend.NewTranscription(cfg.Transcription),
		backend.NewVideoRender(cfg.Render),
	)
	dispatcher := notify.NewDispatcher(cfg.Notify)
	if !dispatcher.Enabled() {
		log.Info().Msg("webhook notifications disabled")
	}
	var blob worker.BlobUploader
	if u := notify.NewBlobUploader(cfg.Notify); u.Enabled() {
		blob = u
	} else {
		log.Info().Msg("blob uploads disabled")
	}
	exec := worker.NewExecutor(worker.Deps{
		Statuses:         a.Statuses,
		Files:            a.Files,
		Gateway:          a.Gateway,
		Catalog:          a.Catalog,
		Backends:         backends,
		Notifier:         dispatcher,
		Blob:             blob,
		ScratchDir:       cfg.Worker.ScratchDir,
		DownloadTimeout:  cfg.Worker.DownloadTimeout,
		MaxDownloadBytes: cfg.Worker.MaxDownloadBytes,
	})
	return worker.NewProcessor(a.Queue, exec, cfg.Worker.ID, cfg.Worker.Concurrency, cfg.Worker.PollInterval)
}

// Sweeper builds the retention sweeper.
func (a *App) Sweeper() *retention.Sweeper {
	return retention.NewSweeper(a.Files, a.Statuses, a.Gateway, a.Config.Retention.Window, a.Config.Retention.Interval)
}

// Close releases connections.
func (a *App) Close() {
	if a.Postgres != nil {
		a.Postgres.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			log.Warn().Err(err).Msg("close redis")
		}
	}
}

func parseKinds(raw []string) ([]models.Kind, error) {
	kinds := make([]models.Kind, 0, len(raw))
	for _, r := range raw {
		k, err := models.ParseKind(r)
		if err != nil {
			return nil, fmt.Errorf("worker.kinds: %w", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// SetupLogging configures the global zerolog logger.
func SetupLogging(cfg config.LoggingConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Debug().Str("level", cfg.Level).Msg("log level configured")
}
