package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"slack-monthly-archiver/internal/config"
	"slack-monthly-archiver/internal/logging"
	"slack-monthly-archiver/internal/scheduler"
	"slack-monthly-archiver/internal/server"
)

const (
	archiveJobName  = "archive"
	shutdownTimeout = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run on a cron schedule and expose /health, /metrics, /run and /reset",
	Long: `Runs the archiver as a daemon. The next pending month is processed on
SCHEDULE (cron syntax, evaluated in TIMEZONE); POST /run triggers a run
immediately and POST /reset moves the checkpoint back to 2024/4.

Each run archives at most one month. The default SCHEDULE is hourly, so a
backlog drains one month per hour and runs with nothing pending return
without calling Slack or Sheets. Once caught up, the current month is
archived with whatever it holds so far and the checkpoint moves past it;
set COMPLETED_MONTHS_ONLY=true to wait until the month has ended instead.
Scheduled runs have no time limit unless RUN_TIMEOUT is set (e.g. "6h").

Changes to --env-file are picked up without a restart. A changed SCHEDULE
is rescheduled; the scheduler's timezone is fixed at startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, logger, level, err := loadConfig()
		if logger != nil {
			defer logger.Sync() //nolint:errcheck
		}
		if err != nil {
			return err
		}
		return serve(ctx, cfg, logger, level)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	timeout, err := cfg.RunTimeoutDuration()
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	apps := newLiveApps(a, logger)
	defer apps.closeAll()
	runner := apps.runner

	sched := scheduler.New(loc, logger.Named("scheduler"))
	sched.SetJobTimeout(timeout)
	if err := sched.AddJob(archiveJobName, cfg.Schedule, runLogged(runner, logger)); err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	sched.Start()

	schedule := cfg.Schedule
	onChange := func(next *config.Config) {
		level.SetLevel(logging.ParseLevel(next.LogLevel))

		rebuilt, err := buildApp(ctx, next, logger)
		if err != nil {
			logger.Error("failed to apply reloaded configuration", zap.Error(err))
			return
		}
		apps.replace(rebuilt)
		if d, err := next.RunTimeoutDuration(); err == nil {
			sched.SetJobTimeout(d)
		}

		if next.Schedule != schedule {
			sched.RemoveJob(archiveJobName)
			if err := sched.AddJob(archiveJobName, next.Schedule, runLogged(runner, logger)); err != nil {
				logger.Error("invalid SCHEDULE, restoring previous", zap.String("schedule", next.Schedule), zap.Error(err))
				if err := sched.AddJob(archiveJobName, schedule, runLogged(runner, logger)); err != nil {
					logger.Error("failed to restore schedule", zap.Error(err))
				}
				return
			}
			schedule = next.Schedule
		}
	}

	if _, err := os.Stat(envFile); err == nil {
		go func() {
			if err := config.Watch(ctx, envFile, logger.Named("config"), onChange); err != nil {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.NewRouter(ctx, runner, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			<-sched.Stop().Done()
			return err
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	<-sched.Stop().Done()
	logger.Info("server stopped")
	return nil
}
