package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/chatsession/internal/app"
	"github.com/ent0n29/chatsession/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	envFile   string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "chatsession",
		Short: "Identity-aware chat sessions for remote assistants",
		Long: `chatsession keeps per-user chat histories for one or more remote assistant
backends, restores them across reloads, isolates them when the active user
changes and transparently restarts expired backend conversations.

Quick Start:
  chatsession serve                 # HTTP + WebSocket API and browser UI
  chatsession repl --user alice     # terminal chat against the same storage`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading the environment (default .env)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override LOG_FORMAT (json|console)")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	cmd.AddCommand(newServeCmd(opts), newReplCmd(opts))
	return cmd
}

// load reads configuration and builds the process logger.
func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	if o.envFile != "" {
		if err := os.Setenv("APP_DOTENV", o.envFile); err != nil {
			return config.Config{}, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	logger, err := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
