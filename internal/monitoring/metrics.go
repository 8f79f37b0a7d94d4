// Package monitoring defines the prometheus instrumentation for the
// integration lifecycle subsystem.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	// JobsProcessed counts job executions by queue and outcome
	// (completed, retried, dead_letter).
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_jobs_processed_total",
			Help: "Total queue jobs processed by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	// KmsFailures counts KMS failures by class (unavailable, auth).
	KmsFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_kms_failures_total",
			Help: "Total KMS operation failures by class",
		},
		[]string{"class"},
	)

	// FallbackEncryptions counts tokens encrypted via the fallback cipher.
	FallbackEncryptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "integration_fallback_encryptions_total",
			Help: "Total credentials encrypted with the fallback cipher",
		},
	)

	// ProbeResults counts health probe runs by resulting account status.
	ProbeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_probe_results_total",
			Help: "Total health probe runs by resulting status",
		},
		[]string{"status"},
	)

	// ProbeDuration observes end-to-end probe latency.
	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "integration_probe_duration_seconds",
			Help:    "Duration of health probe runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WatchRenewals counts watch channel operations by kind and outcome.
	WatchRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_watch_operations_total",
			Help: "Total watch channel operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics(log *zap.Logger) {
	for _, c := range []prometheus.Collector{
		JobsProcessed, KmsFailures, FallbackEncryptions,
		ProbeResults, ProbeDuration, WatchRenewals,
	} {
		if err := prometheus.Register(c); err != nil {
			log.Error("failed to register metric", zap.Error(err))
		}
	}
}
