package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_submitted_total", Help: "Tasks accepted by the submission gateway"})
	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_enqueued_total", Help: "Work items published to the queue"})
	EnqueueFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_enqueue_failures_total", Help: "Publish failures leaving tasks PENDING and unqueued"})
	SweepRequeued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_sweep_requeued_total", Help: "Unqueued PENDING tasks re-published by the sweeper"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	ValidationErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_validation_errors_total", Help: "Submissions rejected by validation"})

	WorkerSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Tasks completed successfully"})
	WorkerFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks terminally failed"})
	WorkerRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_retries_total", Help: "Provider calls retried after a retryable error"})
	WorkerReclaimed = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_reclaimed_total", Help: "Stale PROCESSING tasks taken over after redelivery"})
	DuplicateNoops  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_duplicate_deliveries_total", Help: "Deliveries acked without work because the task had progressed"})
	LeaseRequeued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_lease_expired_total", Help: "Deliveries returned to the ready lanes after visibility timeout"})
	WorkerPanics    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_worker_panics_total", Help: "Task executions that panicked"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Deliveries currently leased"})
	StatusGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "tasks_by_status", Help: "Tasks in the store per status"}, []string{"status"})

	ProviderCalls   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provider_calls_total", Help: "Provider calls by outcome"}, []string{"provider", "outcome"})
	ProviderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "provider_call_seconds", Help: "Provider call latency", Buckets: prometheus.ExponentialBuckets(0.1, 2, 10)}, []string{"provider"})
	FallbackCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provider_fallbacks_total", Help: "Results produced by failover or placeholder"}, []string{"kind"})
	ArchiveFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "result_archive_failures_total", Help: "Best-effort result archive uploads that failed"})
	MCPToolCalls    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mcp_tool_calls_total", Help: "MCP tool invocations by tool and success"}, []string{"tool", "success"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TasksSubmitted,
			EnqueueCounter,
			EnqueueFailures,
			SweepRequeued,
			RateLimitRejects,
			ValidationErrors,
			WorkerSuccess,
			WorkerFailures,
			WorkerRetries,
			WorkerReclaimed,
			DuplicateNoops,
			LeaseRequeued,
			WorkerPanics,
			QueueDepthGauge,
			InFlightGauge,
			StatusGauge,
			ProviderCalls,
			ProviderLatency,
			FallbackCounter,
			ArchiveFailures,
			MCPToolCalls,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
