package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState tracks circuit breaker state (0=closed, 1=half_open, 2=open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "insight_breaker_state",
		Help: "Circuit breaker state per worker name (0=closed, 1=half_open, 2=open)",
	}, []string{"worker"})

	// BreakerTransitions counts breaker state transitions.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_breaker_transitions_total",
		Help: "Total circuit breaker state transitions",
	}, []string{"worker", "to_state"})

	// ExecutorBatchDuration tracks wall time of one parallel batch.
	ExecutorBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_executor_batch_duration_seconds",
		Help:    "Wall-clock duration of one parallel worker batch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// ExecutorOutcomes counts per-worker outcomes by status.
	ExecutorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_executor_outcomes_total",
		Help: "Parallel worker outcomes by status",
	}, []string{"worker", "status"})

	// QueueDepth tracks the number of queued requests per tenant.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "insight_queue_depth",
		Help: "Current number of queued analytics requests",
	}, []string{"tenant"})

	// QueueOldestAge tracks the age of the oldest queued request.
	QueueOldestAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "insight_queue_oldest_age_seconds",
		Help: "Age of the oldest queued request in seconds",
	}, []string{"tenant"})

	// QueueWorkers tracks live queue workers per tenant.
	QueueWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "insight_queue_workers",
		Help: "Live queue drain workers per tenant",
	}, []string{"tenant"})

	// QueueRetries counts queued request retry attempts.
	QueueRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insight_queue_retries_total",
		Help: "Total queued request retry attempts after upstream rate limits",
	})

	// QueueRequestDuration tracks end-to-end processing time of queued requests.
	QueueRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_queue_request_duration_seconds",
		Help:    "Processing time of dequeued analytics requests",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
	})

	// WorkflowTransitions counts FSM transitions by trigger.
	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_workflow_transitions_total",
		Help: "Workflow state machine transitions",
	}, []string{"trigger", "to_state"})

	// PipelineDuration tracks end-to-end pipeline duration by terminal state.
	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insight_pipeline_duration_seconds",
		Help:    "End-to-end pipeline duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
	}, []string{"terminal_state"})

	// CacheFastPathDuration instruments the cache-first fast path so the
	// 500ms contract is observable.
	CacheFastPathDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_cache_fastpath_seconds",
		Help:    "Latency of the cache-first report lookup",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// CacheFastPathHits counts fast-path results by disposition.
	CacheFastPathHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_cache_fastpath_total",
		Help: "Cache-first fast path dispositions",
	}, []string{"disposition"}) // hit, miss, overrun

	// StreamEvents counts events emitted to client streams by type.
	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_stream_events_total",
		Help: "Events emitted on client event streams",
	}, []string{"type"})

	// ActiveConnections tracks live event-stream connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "insight_active_connections",
		Help: "Current number of registered event-stream connections",
	})

	// ShutdownDrainDuration tracks how long graceful drains take.
	ShutdownDrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_shutdown_drain_seconds",
		Help:    "Time to drain all event streams on shutdown",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
	})

	// APIRateLimited counts requests rejected by the submission rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// RetrievalConfidence tracks mean similarity of retrieval results.
	RetrievalConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_retrieval_confidence",
		Help:    "Mean similarity score of top-k retrieval",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	// DegradationDecisions counts degradation-matrix outcomes.
	DegradationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_degradation_decisions_total",
		Help: "Graceful-degradation matrix decisions",
	}, []string{"decision"}) // proceed, cached_fallback, abort

	// EmbeddingPersistFailures counts background embedding persist failures.
	// Best-effort: these never affect the user-facing outcome.
	EmbeddingPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insight_embedding_persist_failures_total",
		Help: "Background embedding persistence failures",
	})

	// StoreLatency tracks queue-store roundtrip latency.
	StoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_store_roundtrip_latency_seconds",
		Help:    "Queue store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})
)
