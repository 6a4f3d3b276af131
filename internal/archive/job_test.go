package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"slack-monthly-archiver/internal/checkpoint"
	"slack-monthly-archiver/internal/clock"
	"slack-monthly-archiver/internal/config"
	"slack-monthly-archiver/internal/metrics"
	"slack-monthly-archiver/internal/slack"
)

type historyCall struct {
	channel        string
	oldest, latest time.Time
}

type fakeFetcher struct {
	history    []slack.Message
	historyErr error
	replies    map[string][]slack.Message
	replyErr   map[string]error

	historyCalls []historyCall
	replyCalls   []string
}

func (f *fakeFetcher) FetchHistory(ctx context.Context, channelID string, oldest, latest time.Time) ([]slack.Message, error) {
	f.historyCalls = append(f.historyCalls, historyCall{channelID, oldest, latest})
	return append([]slack.Message(nil), f.history...), f.historyErr
}

func (f *fakeFetcher) FetchThreadReplies(ctx context.Context, channelID, threadTS string) ([]slack.Message, error) {
	f.replyCalls = append(f.replyCalls, threadTS)
	if err := f.replyErr[threadTS]; err != nil {
		return []slack.Message{}, err
	}
	return append([]slack.Message(nil), f.replies[threadTS]...), nil
}

type fakeSink struct {
	tables map[string][][]string
	writes int
	err    error
}

func (s *fakeSink) WriteTable(ctx context.Context, name string, rows [][]string) error {
	if s.err != nil {
		return s.err
	}
	if s.tables == nil {
		s.tables = map[string][][]string{}
	}
	s.tables[name] = rows
	s.writes++
	return nil
}

type jobFixture struct {
	job     *Job
	fetcher *fakeFetcher
	sink    *fakeSink
	store   *checkpoint.Store
	clock   *clock.Fake
	logs    *observer.ObservedLogs
	loc     *time.Location
}

func newJobFixture(t *testing.T, fetcher *fakeFetcher, opts Options) *jobFixture {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	store := checkpoint.NewStore(checkpoint.NewFileBackend(filepath.Join(t.TempDir(), "checkpoint.json")), logger)
	_, err = store.Bootstrap(context.Background(), checkpoint.DefaultSettings)
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2025, 6, 15, 9, 0, 0, 0, loc))
	sink := &fakeSink{}

	opts.ChannelID = "C1"
	opts.Location = loc
	return &jobFixture{
		job:     NewJob(fetcher, store, sink, clk, logger, opts),
		fetcher: fetcher,
		sink:    sink,
		store:   store,
		clock:   clk,
		logs:    logs,
		loc:     loc,
	}
}

func (f *jobFixture) watermark(t *testing.T) checkpoint.Watermark {
	t.Helper()
	w, err := f.store.Get(context.Background())
	require.NoError(t, err)
	return w
}

func sampleFetcher() *fakeFetcher {
	return &fakeFetcher{
		history: []slack.Message{
			{ID: "1712000000.000100", Text: "kickoff", ReplyCount: 2, ThreadTS: "1712000000.000100"},
			{ID: "1712000100.000200", Text: "standalone"},
			{ID: "1712000200.000300", Text: "second thread", ReplyCount: 1},
			{ID: "1712000300.000400", Text: "broadcast", ThreadTS: "1700000000.000000"},
		},
		replies: map[string][]slack.Message{
			"1712000000.000100": {
				{ID: "1712000001.000000", Text: "reply a", ThreadTS: "1712000000.000100"},
				{ID: "1712000002.000000", Text: "reply b", ThreadTS: "1712000000.000100"},
			},
			"1712000200.000300": {
				{ID: "1712000201.000000", Text: "reply c", ThreadTS: "1712000200.000300"},
			},
			"1700000000.000000": {
				{ID: "1712000300.000400", Text: "broadcast", ThreadTS: "1700000000.000000"},
			},
		},
	}
}

func TestProcessNextMonth_Completes(t *testing.T) {
	fx := newJobFixture(t, sampleFetcher(), Options{})
	completed := metrics.MonthRunsTotal.WithLabelValues(string(StatusCompleted))
	before := testutil.ToFloat64(completed)

	outcome, err := fx.job.ProcessNextMonth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, before+1, testutil.ToFloat64(completed))
	assert.Equal(t, checkpoint.Watermark{Year: 2024, Month: 4}, outcome.Month)
	assert.Equal(t, 4, outcome.Threads)
	assert.Equal(t, 4, outcome.Replies)
	assert.Equal(t, 1, outcome.Orphans, "reply to a thread outside the month is dropped")

	require.Len(t, fx.fetcher.historyCalls, 1)
	call := fx.fetcher.historyCalls[0]
	assert.Equal(t, "C1", call.channel)
	assert.True(t, call.oldest.Equal(time.Date(2024, 4, 1, 0, 0, 0, 0, fx.loc)))
	assert.True(t, call.latest.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, fx.loc)))

	assert.Equal(t, []string{"1712000000.000100", "1712000200.000300", "1700000000.000000"}, fx.fetcher.replyCalls)
	assert.Equal(t, []time.Duration{DefaultThreadDelay, DefaultThreadDelay}, fx.clock.Sleeps())

	assert.Equal(t, [][]string{
		{"Parent message", "Reply 1", "Reply 2"},
		{"kickoff", "reply a", "reply b"},
		{"standalone", "", ""},
		{"second thread", "reply c", ""},
		{"broadcast", "", ""},
	}, fx.sink.tables["2024年4月"])

	assert.Equal(t, checkpoint.Watermark{Year: 2024, Month: 5}, fx.watermark(t))
	assert.Equal(t, 1, fx.logs.FilterMessage("month completed").Len())
}

func TestProcessNextMonth_RerunIsIdempotent(t *testing.T) {
	fx := newJobFixture(t, sampleFetcher(), Options{})
	ctx := context.Background()

	_, err := fx.job.ProcessNextMonth(ctx)
	require.NoError(t, err)
	first := fx.sink.tables["2024年4月"]

	require.NoError(t, fx.store.Set(ctx, checkpoint.Watermark{Year: 2024, Month: 4}))
	_, err = fx.job.ProcessNextMonth(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, fx.sink.writes)
	assert.Equal(t, first, fx.sink.tables["2024年4月"])
	assert.Len(t, fx.sink.tables, 1)
}

func TestProcessNextMonth_SkipsFutureMonth(t *testing.T) {
	fx := newJobFixture(t, sampleFetcher(), Options{})
	ctx := context.Background()
	require.NoError(t, fx.store.Set(ctx, checkpoint.Watermark{Year: 2025, Month: 7}))

	outcome, err := fx.job.ProcessNextMonth(ctx)
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.Empty(t, fx.fetcher.historyCalls)
	assert.Zero(t, fx.sink.writes)
	assert.Equal(t, checkpoint.Watermark{Year: 2025, Month: 7}, fx.watermark(t))
	assert.Equal(t, 1, fx.logs.FilterMessage("all months processed").Len())
}

func TestProcessNextMonth_CurrentMonthIsProcessed(t *testing.T) {
	fx := newJobFixture(t, &fakeFetcher{}, Options{})
	ctx := context.Background()
	require.NoError(t, fx.store.Set(ctx, checkpoint.Watermark{Year: 2025, Month: 6}))

	outcome, err := fx.job.ProcessNextMonth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, checkpoint.Watermark{Year: 2025, Month: 7}, fx.watermark(t))
}

func TestProcessNextMonth_CompletedMonthsOnly(t *testing.T) {
	fx := newJobFixture(t, sampleFetcher(), Options{CompletedMonthsOnly: true})
	ctx := context.Background()
	require.NoError(t, fx.store.Set(ctx, checkpoint.Watermark{Year: 2025, Month: 6}))

	outcome, err := fx.job.ProcessNextMonth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.Empty(t, fx.fetcher.historyCalls)
	assert.Equal(t, checkpoint.Watermark{Year: 2025, Month: 6}, fx.watermark(t))
	assert.Equal(t, 1, fx.logs.FilterMessage("current month not yet complete").Len())

	// Once the month has ended it is archived.
	fx.clock.Set(time.Date(2025, 7, 1, 0, 0, 1, 0, fx.loc))
	outcome, err = fx.job.ProcessNextMonth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Contains(t, fx.sink.tables, "2025年6月")
	assert.Equal(t, checkpoint.Watermark{Year: 2025, Month: 7}, fx.watermark(t))
}

func TestProcessNextMonth_DecemberRollsYear(t *testing.T) {
	fx := newJobFixture(t, &fakeFetcher{}, Options{})
	ctx := context.Background()
	require.NoError(t, fx.store.Set(ctx, checkpoint.Watermark{Year: 2024, Month: 12}))

	_, err := fx.job.ProcessNextMonth(ctx)
	require.NoError(t, err)
	assert.Contains(t, fx.sink.tables, "2024年12月")
	assert.Equal(t, checkpoint.Watermark{Year: 2025, Month: 1}, fx.watermark(t))
}

func TestProcessNextMonth_FailuresKeepWatermark(t *testing.T) {
	tests := []struct {
		name    string
		fetcher func() *fakeFetcher
		sinkErr error
		wantErr string
	}{
		{
			name: "history exhausted",
			fetcher: func() *fakeFetcher {
				f := sampleFetcher()
				f.history = f.history[:1]
				f.historyErr = &slack.PartialDataError{Messages: f.history, Err: slack.ErrRetriesExhausted}
				return f
			},
			wantErr: "failed to fetch history",
		},
		{
			name: "thread replies fail",
			fetcher: func() *fakeFetcher {
				f := sampleFetcher()
				f.replyErr = map[string]error{"1712000200.000300": &slack.APIError{Method: "conversations.replies", Code: "thread_not_found"}}
				return f
			},
			wantErr: "failed to fetch replies for 1712000200.000300",
		},
		{
			name:    "sink write fails",
			fetcher: sampleFetcher,
			sinkErr: errors.New("quota exceeded"),
			wantErr: "failed to write 2024年4月",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newJobFixture(t, tt.fetcher(), Options{})
			fx.sink.err = tt.sinkErr

			outcome, err := fx.job.ProcessNextMonth(context.Background())
			require.NoError(t, err, "non-configuration failures are not returned")

			assert.Equal(t, StatusFailed, outcome.Status)
			require.Error(t, outcome.Err)
			assert.Contains(t, outcome.Err.Error(), tt.wantErr)
			assert.Zero(t, fx.sink.writes)
			assert.Equal(t, checkpoint.DefaultWatermark, fx.watermark(t))

			entries := fx.logs.FilterMessage("month failed, watermark not advanced").All()
			require.Len(t, entries, 1)
			fields := entries[0].ContextMap()
			assert.EqualValues(t, 2024, fields["year"])
			assert.EqualValues(t, 4, fields["month"])
		})
	}
}

func TestProcessNextMonth_AllowPartialMonths(t *testing.T) {
	f := sampleFetcher()
	f.history = f.history[:2]
	f.historyErr = &slack.PartialDataError{Messages: f.history, Err: slack.ErrRetriesExhausted}
	fx := newJobFixture(t, f, Options{AllowPartialMonths: true})

	outcome, err := fx.job.ProcessNextMonth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.True(t, outcome.Partial)
	assert.Len(t, fx.sink.tables["2024年4月"], 3)
	assert.Equal(t, checkpoint.Watermark{Year: 2024, Month: 5}, fx.watermark(t))
}

func TestProcessNextMonth_AllowPartialSkipsBrokenThread(t *testing.T) {
	f := sampleFetcher()
	f.replyErr = map[string]error{"1712000000.000100": slack.ErrRetriesExhausted}
	fx := newJobFixture(t, f, Options{AllowPartialMonths: true})

	outcome, err := fx.job.ProcessNextMonth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.True(t, outcome.Partial)
	table := fx.sink.tables["2024年4月"]
	assert.Equal(t, []string{"kickoff", ""}, table[1])
	assert.Len(t, table[0], 2, "only 'second thread' still has a reply")
}

func TestProcessNextMonth_ThreadRepliesDisabled(t *testing.T) {
	fx := newJobFixture(t, sampleFetcher(), Options{})

	ctx := context.Background()
	store := checkpoint.NewStore(checkpoint.NewFileBackend(filepath.Join(t.TempDir(), "noreplies.json")), zap.NewNop())
	_, err := store.Bootstrap(ctx, checkpoint.Settings{Watermark: checkpoint.DefaultWatermark, IncludeThreadReplies: false})
	require.NoError(t, err)
	job := NewJob(fx.fetcher, store, fx.sink, fx.clock, zap.NewNop(), Options{ChannelID: "C1", Location: fx.loc})

	outcome, err := job.ProcessNextMonth(ctx)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Empty(t, fx.fetcher.replyCalls)
	assert.Empty(t, fx.clock.Sleeps())
	assert.Equal(t, []string{"Parent message"}, fx.sink.tables["2024年4月"][0])
}

func TestProcessNextMonth_DeduplicatesThreads(t *testing.T) {
	f := &fakeFetcher{
		history: []slack.Message{
			{ID: "T1", Text: "root", ReplyCount: 1},
			{ID: "B1", Text: "also sent to channel", ThreadTS: "T1"},
		},
		replies: map[string][]slack.Message{
			"T1": {{ID: "B1", Text: "also sent to channel", ThreadTS: "T1"}},
		},
	}
	fx := newJobFixture(t, f, Options{})

	_, err := fx.job.ProcessNextMonth(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"T1"}, f.replyCalls)
	assert.Empty(t, fx.clock.Sleeps())
}

func TestProcessNextMonth_UninitializedIsConfigurationError(t *testing.T) {
	loc := time.UTC
	store := checkpoint.NewStore(checkpoint.NewFileBackend(filepath.Join(t.TempDir(), "none.json")), zap.NewNop())
	f := sampleFetcher()
	sink := &fakeSink{}
	job := NewJob(f, store, sink, clock.NewFake(time.Now()), zap.NewNop(), Options{ChannelID: "C1", Location: loc})

	outcome, err := job.ProcessNextMonth(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfiguration))
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Empty(t, f.historyCalls)
	assert.Zero(t, sink.writes)
}

func TestResetProcessedMonth(t *testing.T) {
	fx := newJobFixture(t, sampleFetcher(), Options{})
	ctx := context.Background()

	_, err := fx.job.ProcessNextMonth(ctx)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Watermark{Year: 2024, Month: 5}, fx.watermark(t))

	require.NoError(t, fx.store.Set(ctx, checkpoint.Watermark{Year: 2031, Month: 2}))
	require.NoError(t, fx.job.ResetProcessedMonth(ctx))
	assert.Equal(t, checkpoint.Watermark{Year: 2024, Month: 4}, fx.watermark(t))
}
