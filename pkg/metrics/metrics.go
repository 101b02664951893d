/*
Package metrics exposes Prometheus instrumentation for the transaction
engine: attempt outcomes, retry counts, cleanup sweep timing, and
write-write conflict waits.
*/
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AttemptsTotal counts attempts by terminal outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txn_attempts_total",
			Help: "Total number of attempts by outcome (committed, failed, failed_post_commit)",
		},
		[]string{"outcome"},
	)

	// AttemptRetriesTotal counts driver-level retries across all transactions.
	AttemptRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "txn_attempt_retries_total",
			Help: "Total number of attempt retries issued by the driver",
		},
	)

	// AttemptDuration observes the wall-clock duration of a single attempt.
	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txn_attempt_duration_seconds",
			Help:    "Duration of a single attempt, from creation to finalization",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WriteWriteConflictWait observes time spent backing off on a blocking
	// write-write conflict (§4.4.6).
	WriteWriteConflictWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "txn_write_write_conflict_wait_seconds",
			Help:    "Time spent waiting out another transaction's in-flight staged write",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CleanupQueueDepth tracks the number of attempts pending in the
	// in-process cleanup queue (C6).
	CleanupQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "txn_cleanup_queue_depth",
			Help: "Current number of attempts queued for in-process cleanup",
		},
	)

	// CleanupEntriesProcessedTotal counts ATR entries finalized by cleanup,
	// split by origin (in-process queue vs lost-attempts sweep).
	CleanupEntriesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txn_cleanup_entries_processed_total",
			Help: "Total ATR entries finalized by cleanup",
		},
		[]string{"origin"},
	)

	// CleanupSweepDuration observes one lost-attempts ATR sweep pass (C7),
	// split by metadata bucket.
	CleanupSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txn_cleanup_sweep_duration_seconds",
			Help:    "Duration of one lost-attempts cleanup sweep over this client's ATR share",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"bucket"},
	)

	// ActiveCleanupClients tracks the size of the client-record's active set
	// as observed by this client's last heartbeat.
	ActiveCleanupClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "txn_active_cleanup_clients",
			Help: "Number of active cleanup clients in the bucket's client record",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AttemptsTotal,
		AttemptRetriesTotal,
		AttemptDuration,
		WriteWriteConflictWait,
		CleanupQueueDepth,
		CleanupEntriesProcessedTotal,
		CleanupSweepDuration,
		ActiveCleanupClients,
	)
}

// Timer is a small helper for timing an operation and recording its
// duration against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time against a labeled histogram
// vec, e.g. CleanupSweepDuration split by metadata bucket.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
