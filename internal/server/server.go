// Package server exposes the archive job over HTTP for daemon mode.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"slack-monthly-archiver/internal/archive"
	"slack-monthly-archiver/internal/checkpoint"
)

// Archiver is satisfied by *archive.Runner.
type Archiver interface {
	ProcessNextMonth(ctx context.Context) (archive.Outcome, error)
	ResetProcessedMonth(ctx context.Context) error
}

type outcomeResponse struct {
	Month    string `json:"month,omitempty"`
	Sheet    string `json:"sheet,omitempty"`
	Status   string `json:"status"`
	Threads  int    `json:"threads"`
	Messages int    `json:"messages"`
	Replies  int    `json:"replies"`
	Orphans  int    `json:"orphans"`
	Partial  bool   `json:"partial"`
	Error    string `json:"error,omitempty"`
}

// NewRouter builds the daemon's HTTP routes. Runs and resets started over
// HTTP outlive the request that triggered them and are cancelled only when
// base is done.
func NewRouter(base context.Context, a Archiver, logger *zap.Logger) http.Handler {
	h := &handler{base: base, archiver: a, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogging(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/run", h.run)
	r.Post("/reset", h.reset)
	return r
}

type handler struct {
	base     context.Context
	archiver Archiver
	logger   *zap.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// detach returns a context carrying r's values that a client disconnect
// does not cancel.
func (h *handler) detach(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(h.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (h *handler) run(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.detach(r)
	defer cancel()

	out, err := h.archiver.ProcessNextMonth(ctx)
	if errors.Is(err, archive.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	resp := toResponse(out)
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	if out.Status == archive.StatusFailed {
		h.logger.Warn("month failed, will be retried", zap.Stringer("month", out.Month), zap.Error(out.Err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) reset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.detach(r)
	defer cancel()

	err := h.archiver.ResetProcessedMonth(ctx)
	switch {
	case errors.Is(err, archive.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"month":  checkpoint.DefaultWatermark.String(),
		})
	}
}

func toResponse(out archive.Outcome) outcomeResponse {
	resp := outcomeResponse{
		Status:   string(out.Status),
		Threads:  out.Threads,
		Messages: out.Messages,
		Replies:  out.Replies,
		Orphans:  out.Orphans,
		Partial:  out.Partial,
	}
	if out.Month != (checkpoint.Watermark{}) {
		resp.Month = out.Month.String()
		resp.Sheet = archive.SheetName(out.Month)
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}

// requestLogging logs one line per request with the status and duration.
func requestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
