// Package metrics exposes Prometheus instrumentation for the orchestration
// core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors shared by the API and worker processes.
type Metrics struct {
	JobsSubmitted     *prometheus.CounterVec
	JobsCompleted     *prometheus.CounterVec
	JobsFailed        *prometheus.CounterVec
	JobsCancelled     prometheus.Counter
	JobsDegraded      prometheus.Counter
	QuotaRejections   prometheus.Counter
	ProcessingSeconds *prometheus.HistogramVec
}

// New registers all collectors against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scenefit_jobs_submitted_total",
			Help: "Generation jobs accepted into the queue.",
		}, []string{"kind", "tier"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scenefit_jobs_completed_total",
			Help: "Generation jobs that reached the completed state.",
		}, []string{"kind"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scenefit_jobs_failed_total",
			Help: "Generation jobs that reached the failed state.",
		}, []string{"kind", "code"}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "scenefit_jobs_cancelled_total",
			Help: "Generation jobs cancelled by their owner.",
		}),
		JobsDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "scenefit_jobs_degraded_total",
			Help: "Jobs completed with the degraded fallback substitute.",
		}),
		QuotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "scenefit_quota_rejections_total",
			Help: "Submissions rejected by the daily quota guard.",
		}),
		ProcessingSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scenefit_job_processing_seconds",
			Help:    "Wall-clock time from claim to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"kind"}),
	}
}
