// Package metrics exposes Prometheus instruments for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_session_events_total",
			Help: "Session lifecycle events by account and kind.",
		},
		[]string{
			"account",
			"kind", // connected, disconnected, backfill_complete, fetch_batch, error, state_changed
		},
	)
	SessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_session_errors_total",
			Help: "Errors reported by sessions by account and error kind.",
		},
		[]string{
			"account",
			"error_kind", // connection, auth, protocol, parse, ingest, classify, unknown
		},
	)
	MessagesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_forwarded_total",
			Help: "Records handed to the ingestion sink.",
		},
		[]string{"account", "folder"},
	)
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailsync_session_state",
			Help: "Current session state per account; 1 for the active state.",
		},
		[]string{"account", "state"},
	)
	Classified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_classified_total",
			Help: "Records classified, by label.",
		},
		[]string{"label"},
	)
	ClassifyDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_classify_dropped_total",
			Help: "Classification jobs dropped because the queue was full.",
		},
	)
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_fetch_duration_seconds",
			Help:    "Duration of one sync pass over a folder.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"account", "mode"}, // mode: backfill, incremental
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
