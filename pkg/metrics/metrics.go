package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	WorkflowExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_executions_total",
			Help: "Workflow executions by terminal or paused status",
		},
		[]string{"workflow_id", "status"},
	)

	WorkflowExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_execution_duration_seconds",
			Help:    "Active running time of a workflow execution in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
		[]string{"workflow_id"},
	)

	ExecutionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_executions_in_flight",
			Help: "Execution segments currently being driven by the orchestrator",
		},
	)

	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "node_execution_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"node_type"},
	)

	CheckpointsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_checkpoints_created_total",
			Help: "Checkpoints written by type",
		},
		[]string{"type"},
	)

	CheckpointBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workflow_checkpoint_size_bytes",
			Help:    "Serialized checkpoint size",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
	)

	CheckpointsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_checkpoints_purged_total",
			Help: "Expired checkpoints removed by the cleanup job",
		},
	)

	RecoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_recovery_attempts_total",
			Help: "Recovery decisions by action",
		},
		[]string{"node_type", "action"},
	)

	ReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_replays_total",
			Help: "Replay sessions by type and outcome",
		},
		[]string{"type", "status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_dispatch_queue_depth",
			Help: "Tasks waiting for a worker",
		},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collaborator_circuit_state",
			Help: "Breaker state per collaborator: 0 closed, 1 half-open, 2 open",
		},
		[]string{"collaborator"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published",
		},
		[]string{"event_type"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)
)

func RecordHTTPRequest(service, method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(service, method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(service, method, path).Observe(duration)
}

// RecordWorkflowExecution records an execution reaching a settled status.
func RecordWorkflowExecution(workflowID, status string, activeSeconds float64) {
	WorkflowExecutionsTotal.WithLabelValues(workflowID, status).Inc()
	WorkflowExecutionDuration.WithLabelValues(workflowID).Observe(activeSeconds)
}

func RecordNodeExecution(nodeType, status string, duration float64) {
	NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	NodeExecutionDuration.WithLabelValues(nodeType).Observe(duration)
}

func RecordCheckpoint(checkpointType string, size int64) {
	CheckpointsCreated.WithLabelValues(checkpointType).Inc()
	CheckpointBytes.Observe(float64(size))
}

func RecordRecovery(nodeType, action string) {
	RecoveryAttemptsTotal.WithLabelValues(nodeType, action).Inc()
}

func RecordReplay(replayType, status string) {
	ReplaysTotal.WithLabelValues(replayType, status).Inc()
}
