package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MigrationMetrics tracks fulfillment migration outcomes.
type MigrationMetrics struct {
	duration *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
	retries  prometheus.Counter
}

// Outcome labels for migration runs.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// NewMigrationMetrics registers the migration metrics on the provided registerer.
func NewMigrationMetrics(reg prometheus.Registerer) *MigrationMetrics {
	if reg == nil {
		return &MigrationMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "migration_duration_seconds",
		Help:    "Duration of asset migration runs in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "migration_outcomes_total",
		Help: "Asset migration runs by outcome.",
	}, []string{"outcome"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_storage_retries_total",
		Help: "Retried storage operations during migration prepare.",
	})
	reg.MustRegister(duration, outcomes, retries)
	return &MigrationMetrics{
		duration: duration,
		outcomes: outcomes,
		retries:  retries,
	}
}

// ObserveRun records one migration run with its outcome.
func (m *MigrationMetrics) ObserveRun(outcome string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.outcomes.WithLabelValues(outcome).Inc()
}

// IncRetry counts a retried storage operation.
func (m *MigrationMetrics) IncRetry() {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Inc()
}
