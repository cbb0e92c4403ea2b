package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics: HTTP surface traffic,
// upstream LLM calls, tool executions, live sessions, SSE event flow, and
// throttler pressure. Everything registers on construction and is served
// from /metrics.
type Metrics struct {
	// HTTPRequestCounter counts surface requests.
	// Labels: method, route, status_code.
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures surface latency in seconds.
	HTTPRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts upstream rounds by provider, model, status
	// (success|error).
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures upstream round latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens counts tokens by provider, model, type (input|output).
	LLMTokens *prometheus.CounterVec

	// ToolExecutionCounter counts tool runs by tool and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool run latency in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveSessions gauges currently open SSE sessions.
	ActiveSessions prometheus.Gauge

	// SSEEvents counts emitted events by kind.
	SSEEvents *prometheus.CounterVec

	// ThrottleWaiting gauges callers queued per upstream.
	ThrottleWaiting *prometheus.GaugeVec

	// ThrottleInFlight gauges permits held per upstream.
	ThrottleInFlight *prometheus.GaugeVec

	// ErrorCounter counts classified errors by component and code.
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics registers all metrics on the default registry. Call once at
// startup.
func NewMetrics() *Metrics {
	return NewMetricsOn(prometheus.DefaultRegisterer)
}

// NewMetricsOn registers all metrics on the given registerer. Tests pass a
// fresh registry to stay isolated.
func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_http_requests_total",
				Help: "Total HTTP requests by method, route, and status code",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_requests_total",
				Help: "Total upstream LLM rounds by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_llm_request_duration_seconds",
				Help:    "Upstream LLM round latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_tokens_total",
				Help: "Total tokens by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Total tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Tool execution latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_sessions",
				Help: "Currently open SSE sessions",
			},
		),
		SSEEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_sse_events_total",
				Help: "Total SSE events emitted by kind",
			},
			[]string{"kind"},
		),
		ThrottleWaiting: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_throttle_waiting",
				Help: "Callers waiting for an upstream permit",
			},
			[]string{"upstream"},
		),
		ThrottleInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "parley_throttle_in_flight",
				Help: "Permits currently held per upstream",
			},
			[]string{"upstream"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_errors_total",
				Help: "Classified errors by component and code",
			},
			[]string{"component", "code"},
		),
	}
}

// RecordHTTPRequest records one surface request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, seconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// RecordLLMRequest records one upstream round with its token counts.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64, inputTokens, outputTokens int64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordError counts one classified error.
func (m *Metrics) RecordError(component, code string) {
	m.ErrorCounter.WithLabelValues(component, code).Inc()
}

// RecordSSEEvent counts one emitted event.
func (m *Metrics) RecordSSEEvent(kind string) {
	m.SSEEvents.WithLabelValues(kind).Inc()
}

// SessionOpened increments the live-session gauge.
func (m *Metrics) SessionOpened() { m.ActiveSessions.Inc() }

// SessionClosed decrements the live-session gauge.
func (m *Metrics) SessionClosed() { m.ActiveSessions.Dec() }
