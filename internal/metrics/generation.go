// Package metrics exposes Prometheus instruments for the generation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "datedocs"
	subsystem = "generation"
)

// GenerationMetrics holds the generation pipeline instruments.
// A nil *GenerationMetrics is valid and records nothing.
type GenerationMetrics struct {
	// Executions counts executor runs by outcome.
	Executions *prometheus.CounterVec

	// JobsScheduled counts deferred jobs handed to the job queue.
	JobsScheduled prometheus.Counter

	// CleanupDeleted counts orphan documents removed by reconciliation.
	CleanupDeleted prometheus.Counter

	// DetectedBuckets is the size of the last detection pass per reason.
	DetectedBuckets *prometheus.GaugeVec

	BatchTotal     prometheus.Gauge
	BatchRemaining prometheus.Gauge
	InProgress     prometheus.Gauge
}

// NewGenerationMetrics creates metrics registered with the default registry.
func NewGenerationMetrics() *GenerationMetrics {
	return NewGenerationMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewGenerationMetricsWithRegistry creates metrics registered with reg.
// Useful for testing to avoid conflicts with the default registry.
func NewGenerationMetricsWithRegistry(reg prometheus.Registerer) *GenerationMetrics {
	f := promauto.With(reg)
	return &GenerationMetrics{
		Executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "executions_total",
				Help:      "Bucket generations by outcome (created, updated, deleted, unchanged, failed).",
			},
			[]string{"outcome"},
		),
		JobsScheduled: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "jobs_scheduled_total",
				Help:      "Deferred bucket generation jobs enqueued.",
			},
		),
		CleanupDeleted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cleanup_deleted_total",
				Help:      "Orphan bucket documents deleted by reconciliation.",
			},
		),
		DetectedBuckets: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "detected_buckets",
				Help:      "Buckets selected by the last detection pass, by reason.",
			},
			[]string{"reason"},
		),
		BatchTotal: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "batch_total",
				Help:      "Units in the current staggered batch.",
			},
		),
		BatchRemaining: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "batch_remaining",
				Help:      "Units of the current staggered batch not yet completed.",
			},
		),
		InProgress: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "in_progress",
				Help:      "1 while a staggered batch is running.",
			},
		),
	}
}

// RecordExecution counts one executor run.
func (m *GenerationMetrics) RecordExecution(outcome string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(outcome).Inc()
}

// RecordScheduled adds n enqueued jobs.
func (m *GenerationMetrics) RecordScheduled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JobsScheduled.Add(float64(n))
}

// RecordCleanup adds n deleted orphans.
func (m *GenerationMetrics) RecordCleanup(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CleanupDeleted.Add(float64(n))
}

// RecordDetection replaces the per-reason detection sizes.
func (m *GenerationMetrics) RecordDetection(counts map[string]int) {
	if m == nil {
		return
	}
	m.DetectedBuckets.Reset()
	for reason, n := range counts {
		m.DetectedBuckets.WithLabelValues(reason).Set(float64(n))
	}
}

// RecordProgress mirrors the generation state.
func (m *GenerationMetrics) RecordProgress(inProgress bool, total, remaining int) {
	if m == nil {
		return
	}
	if inProgress {
		m.InProgress.Set(1)
	} else {
		m.InProgress.Set(0)
	}
	m.BatchTotal.Set(float64(total))
	m.BatchRemaining.Set(float64(remaining))
}
