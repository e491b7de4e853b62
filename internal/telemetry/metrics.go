package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_submitted_total", Help: "Render jobs accepted by the submission endpoint"})
	EnqueueFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_enqueue_failures_total", Help: "Best-effort enqueue attempts that failed or timed out"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_completed_total", Help: "Render jobs finished with status done"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_failed_total", Help: "Render jobs finished with status error"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	DownloadTimeouts = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_download_wait_timeouts_total", Help: "Download waits that exhausted their budget and returned 202"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "renders_queue_depth", Help: "Ready-queue depth (or pending row count under polling fallback)"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "renders_inflight", Help: "Jobs currently being processed by this worker"})
)

// Handler exposes the /metrics HTTP handler backed by a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			EnqueueFailures,
			JobsCompleted,
			JobsFailed,
			RateLimitRejects,
			DownloadTimeouts,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
