package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Agent loop steps and run outcomes
//   - LLM request performance, token usage, and context-window pressure
//   - Tool execution patterns and latencies
//   - Compaction passes and approval prompt decisions
//   - Event-bus subscriber drops
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordStep()
//	defer metrics.ToolExecutionDuration.WithLabelValues("read").Observe(time.Since(start).Seconds())
type Metrics struct {
	// StepCounter counts agent loop steps started.
	StepCounter prometheus.Counter

	// RunCounter counts completed runs by done cause.
	// Labels: cause (natural|max_steps|cancelled|fatal_error)
	RunCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ContextTokens tracks the context store's token count sampled at each
	// step, for context-window pressure analysis.
	// Buckets: 1k, 4k, 8k, 16k, 32k, 64k, 128k
	ContextTokens prometheus.Histogram

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|rejected|timeout|invalid)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// CompactionCounter counts compaction passes.
	// Labels: status (success|error)
	CompactionCounter *prometheus.CounterVec

	// ApprovalCounter counts approval prompt outcomes.
	// Labels: decision (approve|approve_session|reject)
	ApprovalCounter *prometheus.CounterVec

	// BusDroppedCounter counts events dropped from subscriber queues
	// (surfaced to subscribers as SubscriberLagged).
	BusDroppedCounter prometheus.Counter

	// SubagentCounter counts Task tool sub-agent runs.
	// Labels: status (success|error)
	SubagentCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (loop|dispatcher|compactor|store), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at application startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric set with an explicit registerer, which
// tests use to avoid duplicate-registration panics across cases.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StepCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jimi_steps_total",
				Help: "Total number of agent loop steps started",
			},
		),

		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jimi_runs_total",
				Help: "Total number of completed runs by done cause",
			},
			[]string{"cause"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jimi_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jimi_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jimi_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ContextTokens: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jimi_context_tokens",
				Help:    "Context store token count sampled at each step",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jimi_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jimi_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jimi_compactions_total",
				Help: "Total number of compaction passes by status",
			},
			[]string{"status"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jimi_approval_prompts_total",
				Help: "Total number of approval prompt outcomes by decision",
			},
			[]string{"decision"},
		),

		BusDroppedCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jimi_bus_events_dropped_total",
				Help: "Total number of events dropped from slow subscriber queues",
			},
		),

		SubagentCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jimi_subagent_runs_total",
				Help: "Total number of Task tool sub-agent runs by status",
			},
			[]string{"status"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jimi_errors_total",
				Help: "Total number of errors by component and type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordStep increments the step counter.
func (m *Metrics) RecordStep() {
	if m == nil {
		return
	}
	m.StepCounter.Inc()
}

// RecordRunDone records a completed run's cause.
func (m *Metrics) RecordRunDone(cause string) {
	if m == nil {
		return
	}
	m.RunCounter.WithLabelValues(cause).Inc()
}

// RecordLLMRequest records one LLM request's latency, outcome, and usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordContextTokens samples the context store's token count.
func (m *Metrics) RecordContextTokens(tokens int) {
	if m == nil {
		return
	}
	m.ContextTokens.Observe(float64(tokens))
}

// RecordToolExecution records one tool call's outcome and latency.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordCompaction records one compaction pass.
func (m *Metrics) RecordCompaction(status string) {
	if m == nil {
		return
	}
	m.CompactionCounter.WithLabelValues(status).Inc()
}

// RecordApproval records one approval prompt's decision.
func (m *Metrics) RecordApproval(decision string) {
	if m == nil {
		return
	}
	m.ApprovalCounter.WithLabelValues(decision).Inc()
}

// RecordBusDropped records n events dropped from a subscriber queue.
func (m *Metrics) RecordBusDropped(n int) {
	if m == nil {
		return
	}
	m.BusDroppedCounter.Add(float64(n))
}

// RecordSubagentRun records one Task tool sub-agent run.
func (m *Metrics) RecordSubagentRun(status string) {
	if m == nil {
		return
	}
	m.SubagentCounter.WithLabelValues(status).Inc()
}

// RecordError records an error by component and type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
