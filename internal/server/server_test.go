package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"slack-monthly-archiver/internal/archive"
	"slack-monthly-archiver/internal/checkpoint"
	"slack-monthly-archiver/internal/config"
)

type fakeArchiver struct {
	outcome  archive.Outcome
	runErr   error
	resetErr error
	runs     int
	resets   int

	// waitForCancel makes calls block until their context is done.
	waitForCancel bool
	ctxErr        error
}

func (f *fakeArchiver) observe(ctx context.Context) {
	if f.waitForCancel {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
	f.ctxErr = ctx.Err()
}

func (f *fakeArchiver) ProcessNextMonth(ctx context.Context) (archive.Outcome, error) {
	f.runs++
	f.observe(ctx)
	return f.outcome, f.runErr
}

func (f *fakeArchiver) ResetProcessedMonth(ctx context.Context) error {
	f.resets++
	f.observe(ctx)
	return f.resetErr
}

func serve(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var body map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	router := NewRouter(context.Background(), &fakeArchiver{}, zap.NewNop())
	rec, body := serve(t, router, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestMetrics(t *testing.T) {
	router := NewRouter(context.Background(), &fakeArchiver{}, zap.NewNop())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRun(t *testing.T) {
	april := checkpoint.Watermark{Year: 2024, Month: 4}

	tests := []struct {
		name       string
		archiver   *fakeArchiver
		wantCode   int
		wantStatus string
		wantError  string
		wantMonth  string
	}{
		{
			name: "completed",
			archiver: &fakeArchiver{outcome: archive.Outcome{
				Month: april, Status: archive.StatusCompleted, Threads: 3, Replies: 5,
			}},
			wantCode:   http.StatusOK,
			wantStatus: "completed",
			wantMonth:  "2024-04",
		},
		{
			name:       "skipped",
			archiver:   &fakeArchiver{outcome: archive.Outcome{Month: april, Status: archive.StatusSkipped}},
			wantCode:   http.StatusOK,
			wantStatus: "skipped",
			wantMonth:  "2024-04",
		},
		{
			name: "failed month",
			archiver: &fakeArchiver{outcome: archive.Outcome{
				Month: april, Status: archive.StatusFailed, Err: errors.New("failed to fetch history"),
			}},
			wantCode:   http.StatusOK,
			wantStatus: "failed",
			wantError:  "failed to fetch history",
			wantMonth:  "2024-04",
		},
		{
			name: "configuration error",
			archiver: &fakeArchiver{
				outcome: archive.Outcome{Status: archive.StatusFailed, Err: checkpoint.ErrNotInitialized},
				runErr:  checkpoint.ErrNotInitialized,
			},
			wantCode:   http.StatusInternalServerError,
			wantStatus: "failed",
			wantError:  config.ErrConfiguration.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := serve(t, NewRouter(context.Background(), tt.archiver, zap.NewNop()), http.MethodPost, "/run")

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Equal(t, 1, tt.archiver.runs)
			if tt.wantError != "" {
				assert.Contains(t, body["error"], tt.wantError)
			} else {
				assert.NotContains(t, body, "error")
			}
			if tt.wantMonth != "" {
				assert.Equal(t, tt.wantMonth, body["month"])
			} else {
				assert.NotContains(t, body, "month")
			}
		})
	}
}

func TestRun_ReportsSheetAndCounts(t *testing.T) {
	a := &fakeArchiver{outcome: archive.Outcome{
		Month: checkpoint.Watermark{Year: 2024, Month: 4}, Status: archive.StatusCompleted,
		Threads: 3, Messages: 4, Replies: 5, Orphans: 1, Partial: true,
	}}
	_, body := serve(t, NewRouter(context.Background(), a, zap.NewNop()), http.MethodPost, "/run")

	assert.Equal(t, "2024年4月", body["sheet"])
	assert.EqualValues(t, 3, body["threads"])
	assert.EqualValues(t, 4, body["messages"])
	assert.EqualValues(t, 5, body["replies"])
	assert.EqualValues(t, 1, body["orphans"])
	assert.Equal(t, true, body["partial"])
}

func TestRun_OutlivesClientDisconnect(t *testing.T) {
	for _, path := range []string{"/run", "/reset"} {
		t.Run(path, func(t *testing.T) {
			a := &fakeArchiver{outcome: archive.Outcome{Status: archive.StatusCompleted}}
			reqCtx, cancel := context.WithCancel(context.Background())
			cancel()

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, path, nil).WithContext(reqCtx)
			NewRouter(context.Background(), a, zap.NewNop()).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.NoError(t, a.ctxErr)
		})
	}
}

func TestRun_CancelledOnShutdown(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	cancel()

	a := &fakeArchiver{outcome: archive.Outcome{Status: archive.StatusFailed}, waitForCancel: true}
	serve(t, NewRouter(base, a, zap.NewNop()), http.MethodPost, "/run")

	assert.ErrorIs(t, a.ctxErr, context.Canceled)
}

func TestRun_Busy(t *testing.T) {
	a := &fakeArchiver{runErr: archive.ErrBusy}
	rec, body := serve(t, NewRouter(context.Background(), a, zap.NewNop()), http.MethodPost, "/run")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, archive.ErrBusy.Error(), body["error"])
}

func TestRun_RequiresPost(t *testing.T) {
	a := &fakeArchiver{}
	rec := httptest.NewRecorder()
	NewRouter(context.Background(), a, zap.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/run", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, a.runs)
}

func TestReset(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"ok", nil, http.StatusOK},
		{"busy", archive.ErrBusy, http.StatusConflict},
		{"storage error", errors.New("permission denied"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeArchiver{resetErr: tt.err}
			rec, body := serve(t, NewRouter(context.Background(), a, zap.NewNop()), http.MethodPost, "/reset")

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, 1, a.resets)
			if tt.err == nil {
				assert.Equal(t, "2024-04", body["month"])
			} else {
				assert.Equal(t, tt.err.Error(), body["error"])
			}
		})
	}
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	router := NewRouter(context.Background(), &fakeArchiver{}, zap.New(core))
	serve(t, router, http.MethodGet, "/health")

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/health", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.NotEmpty(t, fields["request_id"])
}
