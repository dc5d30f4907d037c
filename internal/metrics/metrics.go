package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics for production monitoring.
var (
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_sessions_total",
			Help: "Total number of analysis sessions by terminal outcome",
		},
		[]string{"outcome"}, // started, reused, completed, error
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logsentry_session_duration_seconds",
			Help:    "End-to-end analysis session duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
	)

	AnomaliesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logsentry_anomalies_detected_total",
			Help: "Total number of anomalous rows flagged",
		},
	)

	TriageCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_triage_calls_total",
			Help: "Total number of triage adapter calls by result",
		},
		[]string{"result"}, // success, format_error, unavailable
	)

	TriageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logsentry_triage_call_duration_seconds",
			Help:    "Triage adapter call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
	)
)
