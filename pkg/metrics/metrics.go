// Package metrics holds the prometheus collectors cortex exports on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "cortex_http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "route"},
	)

	MemoriesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cortex_memories_written_total",
			Help: "Total number of memories committed to the store",
		},
	)

	TierTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_tier_transitions_total",
			Help: "Memory tier transitions by source tier, target tier and cause",
		},
		[]string{"from", "to", "cause"},
	)

	LifecyclePassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "cortex_lifecycle_pass_duration_seconds",
			Help: "Duration of lifecycle passes in seconds",
		},
	)

	AttributionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_attribution_duration_seconds",
			Help:    "Attribution scoring latency in seconds by mode",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"mode"},
	)

	AttributionCorrelation = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortex_attribution_correlation",
			Help: "Pearson correlation of amortized against exact attribution at the last validation",
		},
	)

	AttributionDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortex_attribution_degraded",
			Help: "1 when the amortized attribution engine is below its correlation threshold",
		},
	)

	Contradictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_contradictions_total",
			Help: "Contradictions detected by kind",
		},
		[]string{"kind"},
	)

	Deletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_deletions_total",
			Help: "Deletion request status changes by target status",
		},
		[]string{"status"},
	)

	ScheduledJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_scheduled_jobs_total",
			Help: "Scheduled job runs by job and outcome",
		},
		[]string{"job", "outcome"},
	)
)

// Bool converts b to a gauge value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
