package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application
// metrics, registered against a caller-supplied Prometheus registerer.
type Metrics struct {
	// ActiveConnections is a gauge of currently open WebSocket connections.
	ActiveConnections prometheus.Gauge

	// MessageCounter tracks protocol messages by type and direction.
	// Labels: type (data.message.send, ...), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// RateLimitRejections counts messages refused by the limiter.
	// Labels: type
	RateLimitRejections *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// AgentIterations measures ReAct loop depth per run.
	AgentIterations prometheus.Histogram

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BreakerState exposes circuit breaker state as 0 closed, 1 open,
	// 2 half-open. Labels: name
	BreakerState *prometheus.GaugeVec

	// ErrorCounter tracks errors by component and stable error code.
	// Labels: component, code
	ErrorCounter *prometheus.CounterVec

	// ItemPresentations counts template items presented to clients.
	// Labels: status (presented|completed|forced|failed)
	ItemPresentations *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics. Call once per registry;
// pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "palaver_active_connections",
			Help: "Current number of open WebSocket connections",
		}),

		MessageCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "palaver_messages_total",
			Help: "Total number of protocol messages by type and direction",
		}, []string{"type", "direction"}),

		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "palaver_rate_limit_rejections_total",
			Help: "Total number of messages refused by the rate limiter",
		}, []string{"type"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "palaver_llm_request_duration_seconds",
			Help:    "Duration of LLM API requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "palaver_llm_requests_total",
			Help: "Total number of LLM requests by provider, model, and status",
		}, []string{"provider", "model", "status"}),

		AgentIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "palaver_agent_iterations",
			Help:    "ReAct loop iterations per agent run",
			Buckets: []float64{1, 2, 3, 5, 8, 10},
		}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "palaver_tool_executions_total",
			Help: "Total number of tool executions by tool name and status",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "palaver_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "palaver_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"name"}),

		ErrorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "palaver_errors_total",
			Help: "Total number of errors by component and code",
		}, []string{"component", "code"}),

		ItemPresentations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "palaver_item_presentations_total",
			Help: "Template items presented, completed, force-advanced, or failed",
		}, []string{"status"}),
	}
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() { m.ActiveConnections.Inc() }

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed() { m.ActiveConnections.Dec() }

// MessageReceived counts one inbound protocol message.
func (m *Metrics) MessageReceived(msgType string) {
	m.MessageCounter.WithLabelValues(msgType, "inbound").Inc()
}

// MessageSent counts one outbound protocol message.
func (m *Metrics) MessageSent(msgType string) {
	m.MessageCounter.WithLabelValues(msgType, "outbound").Inc()
}

// RateLimited counts one refusal for the given message type.
func (m *Metrics) RateLimited(msgType string) {
	m.RateLimitRejections.WithLabelValues(msgType).Inc()
}

// RecordLLMRequest records one LLM API call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, code string) {
	m.ErrorCounter.WithLabelValues(component, code).Inc()
}

// SetBreakerState publishes a breaker state change.
func (m *Metrics) SetBreakerState(name string, state float64) {
	m.BreakerState.WithLabelValues(name).Set(state)
}

// RecordItemPresentation counts one template item lifecycle event.
func (m *Metrics) RecordItemPresentation(status string) {
	m.ItemPresentations.WithLabelValues(status).Inc()
}
