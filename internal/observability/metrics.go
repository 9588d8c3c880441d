package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting orchestration-core metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request performance, fallback behavior, and estimated cost
//   - Tool execution patterns and latencies
//   - Error rates categorized by component
//   - Improvement Queue depth and worker activity
//   - Repair/restart rate-limiting outcomes
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	defer metrics.LLMRequestDuration("anthropic", "claude-sonnet-4-20250514").Observe(time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and status.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMFallbackCounter counts fallback traversals, i.e. calls that did not
	// succeed on the caller's preferred provider.
	// Labels: from_provider, to_provider
	LLMFallbackCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec

	// ContextWindowUsed tracks context window utilization per request.
	// Labels: provider, model
	ContextWindowUsed *prometheus.HistogramVec

	// QueueDepth tracks Improvement Queue item counts by status.
	// Labels: status
	QueueDepth *prometheus.GaugeVec

	// QueueWorkersActive tracks the number of worker goroutines currently
	// processing an item (as opposed to sleeping between picks).
	QueueWorkersActive prometheus.Gauge

	// EvolutionRunCounter counts evolution pipeline outcomes.
	// Labels: outcome (applied|rejected|rolled_back|error)
	EvolutionRunCounter *prometheus.CounterVec

	// RepairAttemptCounter counts repair-attempt rate-limiting decisions.
	// Labels: status (attempted|blocked)
	RepairAttemptCounter *prometheus.CounterVec

	// RestartCounter counts restart rate-limiting decisions.
	// Labels: status (allowed|blocked)
	RestartCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "koda_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koda_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMFallbackCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koda_llm_fallback_total",
				Help: "Total number of requests served by a non-preferred provider",
			},
			[]string{"from_provider", "to_provider"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koda_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koda_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koda_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "koda_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koda_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ContextWindowUsed: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "koda_context_window_tokens",
				Help:    "Estimated context window tokens used per request",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 100000},
			},
			[]string{"provider", "model"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "koda_improvement_queue_depth",
				Help: "Current Improvement Queue item count by status",
			},
			[]string{"status"},
		),

		QueueWorkersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "koda_improvement_queue_workers_active",
				Help: "Number of Improvement Queue workers currently processing an item",
			},
		),

		EvolutionRunCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koda_evolution_runs_total",
				Help: "Total number of evolution pipeline runs by outcome",
			},
			[]string{"outcome"},
		),

		RepairAttemptCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koda_repair_attempts_total",
				Help: "Total number of repair-attempt rate-limiting decisions",
			},
			[]string{"status"},
		),

		RestartCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koda_restarts_total",
				Help: "Total number of restart rate-limiting decisions",
			},
			[]string{"status"},
		),
	}
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMFallback records that a request was served by a non-preferred provider.
func (m *Metrics) RecordLLMFallback(fromProvider, toProvider string) {
	m.LLMFallbackCounter.WithLabelValues(fromProvider, toProvider).Inc()
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordLLMCost records estimated API cost.
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordContextWindow records context window utilization.
func (m *Metrics) RecordContextWindow(provider, model string, tokensUsed int) {
	m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(tokensUsed))
}

// SetQueueDepth sets the current Improvement Queue depth for a status.
func (m *Metrics) SetQueueDepth(status string, depth int) {
	m.QueueDepth.WithLabelValues(status).Set(float64(depth))
}

// RecordEvolutionRun records the outcome of one evolution pipeline run.
func (m *Metrics) RecordEvolutionRun(outcome string) {
	m.EvolutionRunCounter.WithLabelValues(outcome).Inc()
}

// RecordRepairAttempt records a repair-attempt rate-limiting decision.
func (m *Metrics) RecordRepairAttempt(status string) {
	m.RepairAttemptCounter.WithLabelValues(status).Inc()
}

// RecordRestart records a restart rate-limiting decision.
func (m *Metrics) RecordRestart(status string) {
	m.RestartCounter.WithLabelValues(status).Inc()
}
