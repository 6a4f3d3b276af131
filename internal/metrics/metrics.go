// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SlackRequestsTotal counts Slack Web API attempts by method and outcome
	// (ok, rate_limited, transport_error, invalid_body, exhausted).
	SlackRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_api_requests_total",
			Help: "Slack Web API request attempts",
		},
		[]string{"method", "outcome"},
	)

	// SlackRateLimitedTotal counts HTTP 429 responses.
	SlackRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slack_rate_limited_total",
			Help: "Slack Web API responses with HTTP 429",
		},
		[]string{"method"},
	)

	// MonthRunsTotal counts ingestion runs by final status.
	MonthRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_month_runs_total",
			Help: "Monthly ingestion runs by status",
		},
		[]string{"status"},
	)

	// MessagesFetchedTotal counts messages fetched from history and threads.
	MessagesFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_messages_fetched_total",
			Help: "Messages fetched from Slack",
		},
		[]string{"kind"},
	)

	// RunDuration tracks how long a month's ingestion takes.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archive_run_duration_seconds",
			Help:    "Duration of one monthly ingestion run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)
)
