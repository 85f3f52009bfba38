package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_created_total", Help: "Generations accepted by the API"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_rate_limit_rejects_total", Help: "Uploads rejected by rate limiter"})
	UploadRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_upload_rejects_total", Help: "Uploads rejected as undecodable or oversized"})
	JobsDone         = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_done_total", Help: "Generations that finished every stage"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_failed_total", Help: "Generations that ended in error"})
	BreedFallbacks   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_breed_fallback_total", Help: "Detections replaced by the default breed"})
	MirrorFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_mirror_failures_total", Help: "Asset mirror uploads that failed"})
	CleanupFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_cleanup_failures_total", Help: "Scratch directories that could not be removed"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generations_queue_depth", Help: "Tasks waiting in the dispatch queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generations_inflight", Help: "Pipelines currently running"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "generation_stage_duration_seconds",
		Help:    "Wall time of each pipeline stage",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
	}, []string{"stage", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			RateLimitRejects,
			UploadRejects,
			JobsDone,
			JobsFailed,
			BreedFallbacks,
			MirrorFailures,
			CleanupFailures,
			QueueDepthGauge,
			InFlightGauge,
			StageDuration,
		)
	})
	return promhttp.Handler()
}
