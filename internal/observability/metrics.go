package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects execution and approval metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ToolExecutions.WithLabelValues("bash", "success").Inc()
type Metrics struct {
	// ToolExecutions counts tool invocation attempts.
	// Labels: tool, status (success|error|timeout).
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool.
	ToolDuration *prometheus.HistogramVec

	// ToolRetries counts retry attempts per tool.
	// Labels: tool.
	ToolRetries *prometheus.CounterVec

	// CircuitTransitions counts circuit breaker state changes.
	// Labels: tool, to_state (closed|open|half_open).
	CircuitTransitions *prometheus.CounterVec

	// CircuitShortCircuits counts calls rejected by an open circuit.
	// Labels: tool.
	CircuitShortCircuits *prometheus.CounterVec

	// ApprovalDecisions counts approval gate outcomes.
	// Labels: tool, decision (allowed|denied|pending).
	ApprovalDecisions *prometheus.CounterVec

	// BatchOutcomes counts executed batches.
	// Labels: status (ok|degraded|canceled).
	BatchOutcomes *prometheus.CounterVec
}

// NewMetrics registers and returns the metric set. Pass nil to use the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tool_executions_total",
			Help: "Tool invocation attempts by tool and status.",
		}, []string{"tool", "status"}),

		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_tool_duration_seconds",
			Help:    "Tool execution duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		ToolRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tool_retries_total",
			Help: "Retry attempts by tool.",
		}, []string{"tool"}),

		CircuitTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_circuit_transitions_total",
			Help: "Circuit breaker state transitions by tool and target state.",
		}, []string{"tool", "to_state"}),

		CircuitShortCircuits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_circuit_short_circuits_total",
			Help: "Calls rejected without dispatch because the circuit was open.",
		}, []string{"tool"}),

		ApprovalDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_approval_decisions_total",
			Help: "Approval gate outcomes by tool and decision.",
		}, []string{"tool", "decision"}),

		BatchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_batch_outcomes_total",
			Help: "Executed batches by final status.",
		}, []string{"status"}),
	}
}
