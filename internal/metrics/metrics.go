// Package metrics exposes the client library's prometheus counters,
// gauges, and histograms. Same promauto idiom as the teacher's
// internal/metrics, shaped around one IMAP connection's lifecycle
// instead of a whole mail server's.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection lifecycle.
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapkit_connect_attempts_total",
		Help: "Total connection attempts by outcome",
	}, []string{"result"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imapkit_reconnects_total",
		Help: "Total automatic reconnects after a dropped connection",
	})

	ConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imapkit_connect_duration_seconds",
		Help:    "Time from dial to a ready (post-bring-up) connection",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imapkit_active_connections",
		Help: "Number of currently open IMAP connections",
	})

	// Command / task scheduler.
	CommandsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapkit_commands_issued_total",
		Help: "Total commands issued, by command name",
	}, []string{"command"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imapkit_command_duration_seconds",
		Help:    "Time from a command being flushed to its tagged reply",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"command"})

	TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imapkit_task_queue_depth",
		Help: "Number of tasks currently queued in the scheduler",
	})

	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapkit_tasks_failed_total",
		Help: "Total tasks that completed with an error, by error kind",
	}, []string{"kind"})

	// Mailbox synchronisation.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imapkit_sync_duration_seconds",
		Help:    "Time taken to reconcile a mailbox's state on SELECT",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"decision"})

	SyncDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapkit_sync_decisions_total",
		Help: "Total mailbox sync reconciliation decisions taken",
	}, []string{"decision"})

	// Wire protocol.
	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapkit_parse_errors_total",
		Help: "Total response parse errors, by kind",
	}, []string{"kind"})

	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imapkit_bytes_read_total",
		Help: "Total bytes read from the wire",
	})

	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imapkit_bytes_written_total",
		Help: "Total bytes written to the wire",
	})

	// Authentication.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapkit_auth_attempts_total",
		Help: "Total AUTHENTICATE/LOGIN attempts by mechanism and result",
	}, []string{"mechanism", "result"})

	// Cache.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapkit_cache_hits_total",
		Help: "Cache lookups that found a value, by kind",
	}, []string{"kind"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapkit_cache_misses_total",
		Help: "Cache lookups that found nothing, by kind",
	}, []string{"kind"})

	// Errors, cross-cutting.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imapkit_errors_total",
		Help: "Total errors by component and kind",
	}, []string{"component", "kind"})
)

// RecordConnect records the outcome and duration of one dial-through-
// bring-up attempt.
func RecordConnect(success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	ConnectAttempts.WithLabelValues(result).Inc()
	if success {
		ConnectionDuration.Observe(durationSeconds)
	}
}

// RecordCommand records one command's round-trip time.
func RecordCommand(name string, durationSeconds float64) {
	CommandsIssued.WithLabelValues(name).Inc()
	CommandDuration.WithLabelValues(name).Observe(durationSeconds)
}

// RecordSync records one mailbox reconciliation pass.
func RecordSync(decision string, durationSeconds float64) {
	SyncDecisions.WithLabelValues(decision).Inc()
	SyncDuration.WithLabelValues(decision).Observe(durationSeconds)
}

// RecordAuth records an AUTHENTICATE/LOGIN attempt.
func RecordAuth(mechanism string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	AuthAttempts.WithLabelValues(mechanism, result).Inc()
}

// RecordCacheLookup records whether a cache read found a value.
func RecordCacheLookup(kind string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(kind).Inc()
		return
	}
	CacheMisses.WithLabelValues(kind).Inc()
}

// RecordError records an error against a component.
func RecordError(component, kind string) {
	Errors.WithLabelValues(component, kind).Inc()
}
