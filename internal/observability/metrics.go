package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine-level Prometheus metrics.
//
// Tracked surfaces:
//   - Turn lifecycle (counts by outcome, wall-clock duration)
//   - Model backend requests and latency
//   - Tool execution counts and latency by tier
//   - Approval decisions
//   - Stream fan-out (subscriber gauge, published and dropped events)
//   - Message queue depth and rejections
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: outcome (completed|cancelled|max_iterations|failed)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full-turn duration in seconds.
	// Labels: outcome
	TurnDuration *prometheus.HistogramVec

	// BackendRequestCounter counts model backend calls.
	// Labels: provider, model, status (success|error)
	BackendRequestCounter *prometheus.CounterVec

	// BackendRequestDuration measures backend streaming-call latency in seconds.
	// Labels: provider, model
	BackendRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, tier, status (success|error|denied|cancelled)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval-gate resolutions.
	// Labels: decision (approved|denied|expired)
	ApprovalCounter *prometheus.CounterVec

	// StreamSubscribers is the current number of attached subscribers.
	StreamSubscribers prometheus.Gauge

	// EventsPublished counts events fanned out to subscribers.
	// Labels: kind
	EventsPublished *prometheus.CounterVec

	// EventsDropped counts events lost to the drop-oldest overflow policy.
	EventsDropped prometheus.Counter

	// QueueDepth is the current number of pending queued messages.
	QueueDepth prometheus.Gauge

	// QueueRejections counts submissions rejected at capacity.
	QueueRejections prometheus.Counter
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry. Call once at startup; the /metrics endpoint serves them.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_turns_total",
				Help: "Total number of turns by terminal outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_turn_duration_seconds",
				Help:    "Duration of full turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		BackendRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_backend_requests_total",
				Help: "Total number of model backend requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		BackendRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_backend_request_duration_seconds",
				Help:    "Duration of model backend streaming calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Total number of tool executions by tool, tier, and status",
			},
			[]string{"tool", "tier", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ApprovalCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_approvals_total",
				Help: "Total number of approval-gate resolutions by decision",
			},
			[]string{"decision"},
		),

		StreamSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_stream_subscribers",
				Help: "Current number of attached stream subscribers",
			},
		),

		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_stream_events_total",
				Help: "Total number of events delivered to subscribers by kind",
			},
			[]string{"kind"},
		),

		EventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_stream_events_dropped_total",
				Help: "Total number of events dropped by the overflow policy",
			},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_queue_depth",
				Help: "Current number of pending queued messages across conversations",
			},
		),

		QueueRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_queue_rejections_total",
				Help: "Total number of submissions rejected because a queue was full",
			},
		),
	}
}
