package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"media-job-orchestrator/internal/app"
	"media-job-orchestrator/internal/telemetry"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cmd := &cli.Command{
		Name:  "media-worker",
		Usage: "Execute queued mastering, transcription and video render jobs",
		Flags: append(app.CommonFlags(),
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Number of jobs to run in parallel",
				Sources: cli.EnvVars("MEDIA_WORKER_CONCURRENCY"),
			},
		),
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := app.LoadConfig(cmd)
	if err != nil {
		return err
	}
	if n := cmd.Int("concurrency"); n > 0 {
		cfg.Worker.Concurrency = int(n)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	metrics := &http.Server{Addr: cfg.Metrics.Addr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metrics.Close()

	log.Info().
		Str("worker_id", cfg.Worker.ID).
		Strs("kinds", cfg.Worker.Kinds).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("starting worker")
	if err := a.Processor().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
