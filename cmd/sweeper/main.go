package main

import (
	"context"
	"errors"
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
		Name:  "media-sweeper",
		Usage: "Delete uploads, artifacts and job records past the retention window",
		Flags: append(app.CommonFlags(),
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run a single sweep and exit",
			},
		),
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("sweeper failed")
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := app.LoadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sw := a.Sweeper()
	if cmd.Bool("once") {
		sum := sw.Sweep(ctx, time.Now().UTC())
		if sum.Errors > 0 {
			log.Warn().Int("errors", sum.Errors).Msg("sweep finished with errors")
		}
		return nil
	}
	log.Info().Dur("window", cfg.Retention.Window).Dur("interval", cfg.Retention.Interval).Msg("starting sweeper")
	if err := sw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
