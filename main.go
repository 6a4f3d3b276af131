package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"slack-monthly-archiver/internal/config"
	"slack-monthly-archiver/internal/logging"
)

// Exit codes
const (
	ExitFailed        = 1 // unexpected error
	ExitConfiguration = 2 // missing or invalid settings
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "slack-monthly-archiver",
	Short: "Archive a Slack channel into Google Sheets one month at a time",
	Long: `Archives one calendar month of a Slack channel per run into a Google
Spreadsheet, one sheet per month named like 2024年4月. The next month to
process is kept in a checkpoint (the "settings" sheet by default).

Configuration is read from the environment, after loading --env-file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
}

// loadConfig loads and validates configuration and builds a logger at its
// LOG_LEVEL.
func loadConfig() (*config.Config, *zap.Logger, zap.AtomicLevel, error) {
	cfg := config.Load(envFile)
	logger, level, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, level, fmt.Errorf("failed to create logger: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, logger, level, err
	}
	return cfg, logger, level, nil
}

func exitCode(err error) int {
	if errors.Is(err, config.ErrConfiguration) {
		return ExitConfiguration
	}
	return ExitFailed
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
