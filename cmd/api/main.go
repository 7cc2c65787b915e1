package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"media-job-orchestrator/internal/app"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cmd := &cli.Command{
		Name:  "media-api",
		Usage: "Upload, submit and track media processing jobs over HTTP",
		Flags: append(app.CommonFlags(),
			&cli.BoolFlag{
				Name:    "standalone",
				Usage:   "Run with in-memory stores, local storage, embedded workers and the sweeper",
				Sources: cli.EnvVars("MEDIA_STANDALONE"),
			},
		),
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("api failed")
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := app.LoadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Bool("standalone") {
		app.Standalone(cfg)
		log.Info().Str("dir", cfg.Storage.LocalDir).Msg("standalone mode")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	done := make(chan struct{})
	if cfg.Worker.Embedded {
		go func() {
			defer close(done)
			_ = a.Processor().Run(ctx)
		}()
		go func() { _ = a.Sweeper().Run(ctx) }()
	} else {
		close(done)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           a.Server().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	<-done
	return nil
}
