package engine

import (
	"time"
)

// Attempt records a single invocation attempt. A retry appends a new
// record; attempts are never edited in place.
type Attempt struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// InvocationOutcome is the per-call result of a resilient execution.
type InvocationOutcome struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`

	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Err     error  `json:"-"`

	// RetryAttempts is the number of retries performed (attempts - 1).
	RetryAttempts int `json:"retry_attempts"`

	// TotalRetryDelay is the cumulative backoff slept between attempts.
	TotalRetryDelay time.Duration `json:"total_retry_delay"`

	// Attempts holds one record per invocation attempt, oldest first.
	Attempts []Attempt `json:"attempts,omitempty"`

	// NonRetriable marks a failure that terminated without retries.
	NonRetriable bool `json:"non_retriable,omitempty"`

	// FinalFailure marks a failure that exhausted its retry budget.
	FinalFailure bool `json:"final_failure,omitempty"`

	// CircuitBroken marks a call short-circuited by an open breaker;
	// the tool was never invoked.
	CircuitBroken bool `json:"circuit_broken,omitempty"`

	// CircuitRecovered marks the half-open probe that closed the breaker.
	CircuitRecovered bool `json:"circuit_recovered,omitempty"`

	// SequentialFallback marks a call that recovered during the batch's
	// sequential re-run of failed calls.
	SequentialFallback bool `json:"sequential_fallback,omitempty"`

	// DegradedExecution marks a call to a tool that is failing
	// persistently across batches.
	DegradedExecution bool `json:"degraded_execution,omitempty"`

	// ActionableError describes the failure for user-facing surfaces.
	ActionableError *ActionableError `json:"actionable_error,omitempty"`
}

// BatchSummary describes an executed batch as a whole.
type BatchSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// GracefulDegradation is set when the batch contains both failed and
	// successful calls: healthy tools reported results despite unhealthy
	// co-batched tools.
	GracefulDegradation bool `json:"graceful_degradation,omitempty"`

	// SequentialFallback is set when the batch re-ran a failed subset
	// sequentially.
	SequentialFallback bool `json:"sequential_fallback,omitempty"`

	// Canceled is set when the batch stopped early due to caller
	// cancellation; partial outcomes are still reported.
	Canceled bool `json:"canceled,omitempty"`
}
