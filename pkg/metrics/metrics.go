// Package metrics exposes the pipeline's Prometheus collectors. One
// Metrics instance is built per process (or per test) against an
// explicit registerer; nothing registers globally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the pipeline emits.
type Metrics struct {
	RecordsProcessed   *prometheus.CounterVec
	RecordsDeleted     *prometheus.CounterVec
	QualityViolations  *prometheus.CounterVec
	RetryAttempts      *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	RateLimiterWaits   prometheus.Counter
	WatermarkAdvances  *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	ChunksResumed      *prometheus.CounterVec
}

// New builds and registers the pipeline collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_records_processed_total",
			Help: "Records processed per entity and layer.",
		}, []string{"entity", "layer"}),

		RecordsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_records_deleted_total",
			Help: "CDC deletes applied per entity, hard deletes included.",
		}, []string{"entity"}),

		QualityViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_quality_violations_total",
			Help: "Quality rule breaches per entity and severity.",
		}, []string{"entity", "severity"}),

		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_retry_attempts_total",
			Help: "Retry attempts per guarded component.",
		}, []string{"component"}),

		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_breaker_transitions_total",
			Help: "Circuit breaker state transitions per component.",
		}, []string{"component", "state"}),

		RateLimiterWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "strata_rate_limiter_waits_total",
			Help: "Acquires that had to wait for token refill.",
		}),

		WatermarkAdvances: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_watermark_advances_total",
			Help: "Watermark advances per source key.",
		}, []string{"source_key"}),

		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strata_run_duration_seconds",
			Help:    "Per-entity run duration by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"entity", "status"}),

		ChunksResumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "strata_chunks_resumed_total",
			Help: "Chunks skipped on resume because a checkpoint marked them done.",
		}, []string{"entity"}),
	}
}
