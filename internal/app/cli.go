package app

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"media-job-orchestrator/internal/config"
)

// CommonFlags are accepted by every binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to TOML config file",
			Sources: cli.EnvVars("MEDIA_CONFIG_PATH"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.EnvVars("MEDIA_LOGGING_LEVEL"),
		},
	}
}

// LoadConfig reads the config named by the flags and configures logging.
func LoadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	SetupLogging(cfg.Logging)
	return cfg, nil
}
