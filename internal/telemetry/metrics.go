package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fileforge_jobs_submitted_total", Help: "Jobs accepted by the submission endpoint"}, []string{"type"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "fileforge_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "fileforge_jobs_failed_total", Help: "Jobs that reached failed"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fileforge_jobs_inflight", Help: "Jobs currently being processed"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fileforge_queue_depth", Help: "Jobs waiting in queued state"})
	PagesProcessed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fileforge_ocr_pages_total", Help: "Pages run through OCR (cache hits included)"})
	CacheHits        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fileforge_cache_hits_total", Help: "Result cache hits"}, []string{"kind"})
	CacheMisses      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fileforge_cache_misses_total", Help: "Result cache misses"}, []string{"kind"})
	SweptJobs        = prometheus.NewCounter(prometheus.CounterOpts{Name: "fileforge_swept_jobs_total", Help: "Expired jobs reclaimed by the retention sweeper"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "fileforge_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsInFlight,
			QueueDepthGauge,
			PagesProcessed,
			CacheHits,
			CacheMisses,
			SweptJobs,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
