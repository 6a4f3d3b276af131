package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"slack-monthly-archiver/internal/checkpoint"
	"slack-monthly-archiver/internal/clock"
	"slack-monthly-archiver/internal/config"
	"slack-monthly-archiver/internal/metrics"
	"slack-monthly-archiver/internal/slack"
)

// DefaultThreadDelay is waited between consecutive thread reply fetches.
const DefaultThreadDelay = 3 * time.Second

type HistoryFetcher interface {
	FetchHistory(ctx context.Context, channelID string, oldest, latest time.Time) ([]slack.Message, error)
	FetchThreadReplies(ctx context.Context, channelID, threadTS string) ([]slack.Message, error)
}

type Checkpoint interface {
	Get(ctx context.Context) (checkpoint.Watermark, error)
	Set(ctx context.Context, w checkpoint.Watermark) error
	Reset(ctx context.Context, def checkpoint.Watermark) error
	IncludeThreadReplies(ctx context.Context) (bool, error)
}

// Sink receives one month's table. Writing a name that already exists
// replaces its contents.
type Sink interface {
	WriteTable(ctx context.Context, name string, rows [][]string) error
}

// State names a phase of one run. They appear in logs only.
type State string

const (
	StateBounding   State = "bounding"
	StateFetching   State = "fetching"
	StateMerging    State = "merging"
	StatePersisting State = "persisting"
	StateAdvancing  State = "advancing"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome describes what one ProcessNextMonth call did.
type Outcome struct {
	Month    checkpoint.Watermark
	Status   Status
	Threads  int
	Messages int
	Replies  int
	Orphans  int
	// Partial is set when ALLOW_PARTIAL_MONTHS let an incomplete fetch through.
	Partial bool
	// Err is the cause of a StatusFailed outcome.
	Err error
}

type Options struct {
	ChannelID          string
	Location           *time.Location
	ThreadDelay        time.Duration
	AllowPartialMonths bool
	// CompletedMonthsOnly also skips the current month until it has ended.
	// By default the current month is archived, and the watermark moves
	// past it, as soon as it is reached.
	CompletedMonthsOnly bool
}

// Job archives one month per ProcessNextMonth call. Concurrent calls on
// the same checkpoint are not safe.
type Job struct {
	fetcher HistoryFetcher
	store   Checkpoint
	sink    Sink
	clock   clock.Clock
	logger  *zap.Logger
	opts    Options
}

func NewJob(fetcher HistoryFetcher, store Checkpoint, sink Sink, clk clock.Clock, logger *zap.Logger, opts Options) *Job {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ThreadDelay == 0 {
		opts.ThreadDelay = DefaultThreadDelay
	}
	return &Job{
		fetcher: fetcher,
		store:   store,
		sink:    sink,
		clock:   clk,
		logger:  logger.With(zap.String("channel", opts.ChannelID)),
		opts:    opts,
	}
}

// ProcessNextMonth archives the month named by the watermark and advances
// it. The returned error is non-nil only for configuration problems; any
// other failure is logged, reported in the Outcome, and leaves the
// watermark where it was so the month is retried next time.
func (j *Job) ProcessNextMonth(ctx context.Context) (Outcome, error) {
	started := j.clock.Now()
	j.logger.Debug("state", zap.String("state", string(StateBounding)))

	w, err := j.store.Get(ctx)
	if err != nil {
		return j.abort(checkpoint.Watermark{}, fmt.Errorf("failed to read watermark: %w", err))
	}

	current := CurrentMonth(started, j.opts.Location)
	if w.After(current) || (j.opts.CompletedMonthsOnly && w == current) {
		msg := "all months processed"
		if w == current {
			msg = "current month not yet complete"
		}
		j.logger.Info(msg,
			zap.Int("year", w.Year), zap.Int("month", w.Month),
			zap.Stringer("current", current))
		metrics.MonthRunsTotal.WithLabelValues(string(StatusSkipped)).Inc()
		return Outcome{Month: w, Status: StatusSkipped}, nil
	}

	includeReplies, err := j.store.IncludeThreadReplies(ctx)
	if err != nil {
		return j.abort(w, fmt.Errorf("failed to read thread reply setting: %w", err))
	}

	log := j.logger.With(zap.Int("year", w.Year), zap.Int("month", w.Month))
	log.Info("processing month", zap.String("sheet", SheetName(w)))

	outcome := j.runMonth(ctx, log, w, includeReplies)
	metrics.MonthRunsTotal.WithLabelValues(string(outcome.Status)).Inc()
	metrics.RunDuration.Observe(j.clock.Now().Sub(started).Seconds())

	if outcome.Status == StatusFailed {
		log.Error("month failed, watermark not advanced", zap.Error(outcome.Err))
	} else {
		log.Info("month completed",
			zap.String("sheet", SheetName(w)),
			zap.Int("threads", outcome.Threads),
			zap.Int("replies", outcome.Replies),
			zap.Bool("partial", outcome.Partial))
	}
	return outcome, nil
}

func (j *Job) runMonth(ctx context.Context, log *zap.Logger, w checkpoint.Watermark, includeReplies bool) Outcome {
	out := Outcome{Month: w}
	fail := func(err error) Outcome {
		out.Status = StatusFailed
		out.Err = err
		return out
	}

	log.Debug("state", zap.String("state", string(StateFetching)))
	window := MonthWindow(w, j.opts.Location)
	messages, err := j.fetcher.FetchHistory(ctx, j.opts.ChannelID, window.Start, window.End)
	if err != nil {
		var partial *slack.PartialDataError
		if !j.opts.AllowPartialMonths || !errors.As(err, &partial) {
			return fail(fmt.Errorf("failed to fetch history: %w", err))
		}
		log.Warn("history incomplete, continuing with partial data",
			zap.Int("messages", len(messages)), zap.Error(err))
		out.Partial = true
	}
	out.Messages = len(messages)

	all := append([]slack.Message(nil), messages...)
	if includeReplies {
		replies, partial, err := j.fetchReplies(ctx, log, messages)
		if err != nil {
			return fail(err)
		}
		out.Partial = out.Partial || partial
		out.Replies = len(replies)
		all = append(all, replies...)
	}

	log.Debug("state", zap.String("state", string(StateMerging)))
	threads := MergeThreads(all)
	out.Threads = threads.Len()
	out.Orphans = threads.Orphans
	if threads.Orphans > 0 {
		log.Debug("dropped orphaned replies", zap.Int("orphans", threads.Orphans))
	}

	log.Debug("state", zap.String("state", string(StatePersisting)))
	if err := j.sink.WriteTable(ctx, SheetName(w), BuildTable(threads)); err != nil {
		return fail(fmt.Errorf("failed to write %s: %w", SheetName(w), err))
	}

	log.Debug("state", zap.String("state", string(StateAdvancing)))
	if err := j.store.Set(ctx, w.Next()); err != nil {
		return fail(fmt.Errorf("failed to advance watermark: %w", err))
	}

	out.Status = StatusCompleted
	return out
}

// fetchReplies fetches each distinct thread once, tagging replies with
// their root. partial reports threads skipped under AllowPartialMonths.
func (j *Job) fetchReplies(ctx context.Context, log *zap.Logger, messages []slack.Message) (replies []slack.Message, partial bool, err error) {
	seen := make(map[string]bool)

	for _, m := range messages {
		if !m.IsThreadRoot() {
			continue
		}
		rootID := m.ThreadRootID()
		if seen[rootID] {
			continue
		}
		if len(seen) > 0 {
			if err := j.clock.Sleep(ctx, j.opts.ThreadDelay); err != nil {
				return nil, false, err
			}
		}
		seen[rootID] = true

		threadReplies, err := j.fetcher.FetchThreadReplies(ctx, j.opts.ChannelID, rootID)
		if err != nil {
			if !j.opts.AllowPartialMonths {
				return nil, false, fmt.Errorf("failed to fetch replies for %s: %w", rootID, err)
			}
			log.Warn("skipping thread", zap.String("thread_ts", rootID), zap.Error(err))
			partial = true
			continue
		}

		for _, r := range threadReplies {
			r.IsReply = true
			r.ParentID = rootID
			replies = append(replies, r)
		}
	}

	log.Debug("thread replies fetched", zap.Int("threads", len(seen)), zap.Int("replies", len(replies)))
	return replies, partial, nil
}

// abort handles errors raised before fetching starts. Configuration
// errors are returned; anything else is a failed month.
func (j *Job) abort(w checkpoint.Watermark, err error) (Outcome, error) {
	metrics.MonthRunsTotal.WithLabelValues(string(StatusFailed)).Inc()
	out := Outcome{Month: w, Status: StatusFailed, Err: err}
	if errors.Is(err, config.ErrConfiguration) {
		j.logger.Error("configuration error", zap.Error(err))
		return out, err
	}
	j.logger.Error("run failed before fetching", zap.Error(err))
	return out, nil
}

// ResetProcessedMonth moves the watermark back to the default start month.
func (j *Job) ResetProcessedMonth(ctx context.Context) error {
	if err := j.store.Reset(ctx, checkpoint.DefaultWatermark); err != nil {
		j.logger.Error("reset failed", zap.Error(err))
		return err
	}
	j.logger.Info("watermark reset", zap.String("start", SheetName(checkpoint.DefaultWatermark)))
	return nil
}
