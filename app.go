package main

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"slack-monthly-archiver/internal/archive"
	"slack-monthly-archiver/internal/checkpoint"
	"slack-monthly-archiver/internal/clock"
	"slack-monthly-archiver/internal/config"
	"slack-monthly-archiver/internal/sheets"
	"slack-monthly-archiver/internal/slack"
)

// app holds the components built from one configuration.
type app struct {
	job   *archive.Job
	store *checkpoint.Store
	close func() error
}

func (a *app) Close() error {
	if a.close == nil {
		return nil
	}
	return a.close()
}

// liveApps tracks the app behind a runner across reloads. A replaced app is
// closed once no run or reset still uses its job.
type liveApps struct {
	runner *archive.Runner
	logger *zap.Logger

	mu      sync.Mutex
	current *app
	closing sync.WaitGroup
}

func newLiveApps(a *app, logger *zap.Logger) *liveApps {
	return &liveApps{runner: archive.NewRunner(a.job), logger: logger, current: a}
}

func (l *liveApps) replace(next *app) {
	l.mu.Lock()
	prev := l.current
	l.current = next
	l.runner.Swap(next.job)
	l.mu.Unlock()

	l.closing.Add(1)
	go func() {
		defer l.closing.Done()
		l.runner.WaitIdle()
		l.closeApp(prev)
	}()
}

// closeAll waits for replaced apps to close and then closes the current one.
func (l *liveApps) closeAll() {
	l.closing.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeApp(l.current)
}

func (l *liveApps) closeApp(a *app) {
	if err := a.Close(); err != nil {
		l.logger.Warn("failed to close checkpoint", zap.Error(err))
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	sheetsClient, err := sheets.NewClient(ctx, cfg.GoogleSheetsCredentials, logger.Named("sheets"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	backend, closeBackend, err := checkpointBackend(cfg, sheetsClient)
	if err != nil {
		return nil, err
	}
	store := checkpoint.NewStore(backend, logger.Named("checkpoint"))

	clk := clock.Real{}
	api := slack.NewRetryingClient(logger.Named("slack"), slack.WithClock(clk))
	fetcher := slack.NewFetcher(api, cfg.SlackAPIBaseURL, cfg.SlackToken, clk, logger.Named("slack"))

	job := archive.NewJob(fetcher, store, sheets.NewTableSink(sheetsClient, cfg.SpreadsheetID), clk, logger.Named("archive"), archive.Options{
		ChannelID:           cfg.ChannelID,
		Location:            loc,
		AllowPartialMonths:  cfg.AllowPartialMonths,
		CompletedMonthsOnly: cfg.CompletedMonthsOnly,
	})

	logger.Debug("components built",
		zap.String("checkpoint_backend", cfg.CheckpointBackend),
		zap.String("timezone", loc.String()))
	return &app{job: job, store: store, close: closeBackend}, nil
}

func checkpointBackend(cfg *config.Config, client *sheets.Client) (checkpoint.Backend, func() error, error) {
	switch cfg.CheckpointBackend {
	case config.BackendFile:
		return checkpoint.NewFileBackend(cfg.CheckpointPath), nil, nil
	case config.BackendSQLite:
		b, err := checkpoint.NewSQLiteBackend(cfg.CheckpointPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open checkpoint database %s: %w", cfg.CheckpointPath, err)
		}
		return b, b.Close, nil
	default:
		return sheets.NewSettingsBackend(client, cfg.SpreadsheetID), nil, nil
	}
}
