package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted for processing"}, []string{"kind"})
	JobsCompleted        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs that reached completed"}, []string{"kind"})
	JobsFailed           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached failed"}, []string{"kind"})
	JobDuration          = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "job_duration_seconds", Help: "Wall time from claim to terminal state", Buckets: prometheus.ExponentialBuckets(1, 4, 9)}, []string{"kind"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Tasks waiting in ready queues"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Tasks dequeued and not yet acknowledged"})
	NotificationFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_failed_total", Help: "Webhook notifications that did not succeed"})
	BlobUploads          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "blob_uploads_total", Help: "Privileged blob upload attempts by result"}, []string{"result"})
	RetentionDeleted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "retention_deleted_total", Help: "Entries removed by the retention sweeper"}, []string{"entity"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
			NotificationFailures,
			BlobUploads,
			RetentionDeleted,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
