package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docforge_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "docforge_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "docforge_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docforge_jobs_failed_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "docforge_jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "docforge_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "docforge_jobs_inflight", Help: "Jobs currently leased"})

	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "docforge_circuit_transitions_total", Help: "Circuit breaker state transitions"},
		[]string{"key", "to"},
	)
	CircuitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "docforge_circuit_rejects_total", Help: "Calls rejected by an open circuit"})
	PoolTimeouts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docforge_pool_item_timeouts_total", Help: "Task pool items that exceeded their per-item timeout"})
	EventsDropped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "docforge_progress_events_dropped_total", Help: "Progress events dropped on slow subscribers"})
	CacheHits      = prometheus.NewCounter(prometheus.CounterOpts{Name: "docforge_fallback_cache_hits_total", Help: "Fallback chain results served from cache"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			CircuitTransitions,
			CircuitRejects,
			PoolTimeouts,
			EventsDropped,
			CacheHits,
		)
	})
	return promhttp.Handler()
}
