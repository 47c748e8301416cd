// Package cmd wires the command line interface of the ingestion service.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/config"
	"github.com/chatlas/ingest/internal/logging"
)

var cfgFile string

// newRootCmd creates the root command with shared flags.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatlas-ingest",
		Short: "Background ingestion service for chatbot knowledge bases.",
		Long: `chatlas-ingest runs the background pipelines of the chatbot platform:
website crawling and embedding refresh, scheduled account deletions, and
GDPR data exports. It consumes jobs from the queue, serves a small control
API, and runs the daily schedules.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables with the INGEST prefix override it)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScanCmd())

	return cmd
}

// loadConfigAndLogger builds the config and root logger for a command run.
func loadConfigAndLogger() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
