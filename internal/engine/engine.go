// Package engine executes approved tool calls concurrently with retry,
// per-tool circuit breaking, and batch-level degradation handling.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/approval"
	"github.com/haasonsaas/dispatch/internal/circuit"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/retry"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Invoker is the engine's view of the tool layer: invoke-by-name plus the
// idempotency declaration that decides whether timeouts are retried.
type Invoker interface {
	Invoke(ctx context.Context, name string, input json.RawMessage) (string, error)
	Idempotent(name string) bool
}

// Gate is the engine's view of the approval gate. A nil Gate means every
// call is allowed.
type Gate interface {
	Evaluate(ctx context.Context, call models.ToolCall) (approval.Resolution, error)
	Wait(ctx context.Context, handle *approval.Handle) (models.Decision, error)
}

// Config configures the engine.
type Config struct {
	// Concurrency is the default maximum number of in-flight
	// invocations per batch. Default: 10.
	Concurrency int

	// PerToolTimeout bounds each invocation attempt. Default: 60s.
	PerToolTimeout time.Duration

	// Retry is the default retry configuration; overridable per tool via
	// SetToolRetryConfig. The zero value uses retry.DefaultConfig (3
	// retries); set MaxRetries negative to disable retries.
	Retry retry.Config

	// Circuit configures the per-tool breakers.
	Circuit circuit.Config

	// DisableSequentialFallback turns off the same-batch sequential
	// re-run of overload-shaped failures.
	DisableSequentialFallback bool
}

// ToolRetryConfig is a per-tool resilience override.
type ToolRetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay" json:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`

	// Disabled bypasses retry and circuit breaking for the tool entirely.
	Disabled bool `yaml:"disabled" json:"disabled"`
}

// sequentialFallbackMin is how many overload-shaped failures a batch
// needs before the failed subset is re-run sequentially.
const sequentialFallbackMin = 2

// Engine runs batches of tool calls. One Engine owns its circuit and
// error-pattern state; both live as long as the engine and are shared by
// all concurrent batches.
type Engine struct {
	invoker  Invoker
	gate     Gate
	config   Config
	breakers *circuit.Registry
	patterns *PatternTracker
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu        sync.RWMutex
	toolRetry map[string]ToolRetryConfig
}

// New creates an engine. gate may be nil, in which case the approval gate
// is skipped; logger and metrics may be nil.
func New(invoker Invoker, gate Gate, config Config, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if config.Concurrency <= 0 {
		config.Concurrency = 10
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 60 * time.Second
	}
	if config.Retry == (retry.Config{}) {
		config.Retry = retry.DefaultConfig()
	}
	config.Retry = config.Retry.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		invoker:   invoker,
		gate:      gate,
		config:    config,
		patterns:  NewPatternTracker(),
		logger:    logger,
		metrics:   metrics,
		toolRetry: make(map[string]ToolRetryConfig),
	}

	circuitCfg := config.Circuit
	userHook := circuitCfg.OnStateChange
	circuitCfg.OnStateChange = func(tool string, from, to circuit.State) {
		e.logger.Warn("circuit state changed", "tool", tool, "from", string(from), "to", string(to))
		if e.metrics != nil {
			e.metrics.CircuitTransitions.WithLabelValues(tool, string(to)).Inc()
		}
		if userHook != nil {
			userHook(tool, from, to)
		}
	}
	e.breakers = circuit.NewRegistry(circuitCfg)
	return e
}

// SetToolRetryConfig overrides retry behavior for one tool.
func (e *Engine) SetToolRetryConfig(tool string, cfg ToolRetryConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolRetry[tool] = cfg
}

// GetCircuitBreakerStats returns per-tool circuit state and failure counts.
func (e *Engine) GetCircuitBreakerStats() map[string]circuit.Stats {
	return e.breakers.Stats()
}

// GetErrorPatterns returns the rolling error-pattern classification per
// tool. It is observational: patterns never block execution.
func (e *Engine) GetErrorPatterns() map[string]PatternStats {
	return e.patterns.Stats()
}

// retryConfig resolves the effective retry config for a tool. enabled is
// false when resilience is bypassed for the tool.
func (e *Engine) retryConfig(tool string) (cfg retry.Config, enabled bool) {
	e.mu.RLock()
	override, ok := e.toolRetry[tool]
	e.mu.RUnlock()
	if !ok {
		return e.config.Retry, true
	}
	if override.Disabled {
		return retry.Config{}, false
	}
	cfg = retry.Config{
		MaxRetries:        override.MaxRetries,
		BaseDelay:         override.BaseDelay,
		BackoffMultiplier: override.BackoffMultiplier,
		MaxDelay:          override.MaxDelay,
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = e.config.Retry.BaseDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = e.config.Retry.BackoffMultiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = e.config.Retry.MaxDelay
	}
	return cfg, true
}

// ExecuteBatch runs the calls with at most concurrency in flight
// (0 uses the engine default). Results are returned in input order
// regardless of completion order. Canceling ctx stops new dispatches;
// in-flight calls run to their own completion boundary and partial
// outcomes are still reported.
func (e *Engine) ExecuteBatch(ctx context.Context, calls []models.ToolCall, concurrency int) ([]InvocationOutcome, BatchSummary) {
	if concurrency <= 0 {
		concurrency = e.config.Concurrency
	}

	outcomes := make([]InvocationOutcome, len(calls))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			outcomes[idx] = e.executeCall(ctx, call, sem)
		}(i, call)
	}
	wg.Wait()

	summary := BatchSummary{Total: len(calls)}

	if !e.config.DisableSequentialFallback && ctx.Err() == nil {
		summary.SequentialFallback = e.sequentialFallback(ctx, calls, outcomes)
	}

	for i := range outcomes {
		o := &outcomes[i]
		if !o.Success && e.patterns.IsDegraded(o.ToolName) {
			o.DegradedExecution = true
		}
		if o.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	summary.GracefulDegradation = summary.Succeeded > 0 && summary.Failed > 0
	summary.Canceled = ctx.Err() != nil

	if e.metrics != nil {
		status := "ok"
		switch {
		case summary.Canceled:
			status = "canceled"
		case summary.GracefulDegradation:
			status = "degraded"
		}
		e.metrics.BatchOutcomes.WithLabelValues(status).Inc()
	}
	e.logger.Debug("batch finished",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"sequential_fallback", summary.SequentialFallback,
	)
	return outcomes, summary
}

// sequentialFallback re-runs failed calls whose errors look like systemic
// overload, one at a time. It reports whether a fallback pass ran.
func (e *Engine) sequentialFallback(ctx context.Context, calls []models.ToolCall, outcomes []InvocationOutcome) bool {
	var failed []int
	for i := range outcomes {
		o := &outcomes[i]
		if o.Success || o.CircuitBroken || o.ActionableError == nil {
			continue
		}
		// Only calls that cleared the gate and were actually dispatched
		// are candidates; a call that never ran has no attempt record and
		// must not be executed here.
		if len(o.Attempts) == 0 {
			continue
		}
		if o.ActionableError.Category.Systemic() {
			failed = append(failed, i)
		}
	}
	if len(failed) < sequentialFallbackMin {
		return false
	}

	e.logger.Info("re-running failed calls sequentially", "count", len(failed))
	for _, idx := range failed {
		if ctx.Err() != nil {
			break
		}
		redo := e.executeResilient(ctx, calls[idx])
		if redo.Success {
			redo.SequentialFallback = true
			outcomes[idx] = redo
		}
	}
	return true
}

// executeCall gates one call, then runs it under a concurrency slot. A
// call waiting for approval holds no slot and consumes no retry budget:
// the suspension point is strictly before dispatch.
func (e *Engine) executeCall(ctx context.Context, call models.ToolCall, sem chan struct{}) InvocationOutcome {
	if e.gate != nil {
		res, err := e.gate.Evaluate(ctx, call)
		if err != nil {
			return e.failedOutcome(call, err)
		}
		switch res.Status {
		case approval.StatusDenied:
			return e.deniedOutcome(call)
		case approval.StatusPending:
			decision, err := e.gate.Wait(ctx, res.Handle)
			if err != nil {
				return e.failedOutcome(call, err)
			}
			if !decision.Allowed() {
				return e.deniedOutcome(call)
			}
		}
	}

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return e.failedOutcome(call, ctx.Err())
	}

	return e.executeResilient(ctx, call)
}

// executeResilient runs one approved call through the circuit breaker and
// retry policy. The breaker is consulted before dispatch and fed after
// each attempt; it is never held locked across the invocation itself.
func (e *Engine) executeResilient(ctx context.Context, call models.ToolCall) InvocationOutcome {
	outcome := InvocationOutcome{ToolCallID: call.ID, ToolName: call.Name}

	cfg, enabled := e.retryConfig(call.Name)
	if !enabled {
		return e.executeBypass(ctx, call)
	}

	breaker := e.breakers.Get(call.Name)
	ok, probe := breaker.Allow(time.Now())
	if !ok {
		snap := breaker.Snapshot()
		err := fmt.Errorf("%w: %s", ErrCircuitOpen, call.Name)
		outcome.Err = err
		outcome.CircuitBroken = true
		ae := Actionable(err, CategoryCircuitOpen)
		if until := time.Until(snap.NextAttemptAt); until > 0 {
			ae.RetryAfter = until
		}
		outcome.ActionableError = ae
		if e.metrics != nil {
			e.metrics.CircuitShortCircuits.WithLabelValues(call.Name).Inc()
		}
		e.logger.Debug("short-circuited", "tool", call.Name, "tool_call_id", call.ID)
		return outcome
	}
	if probe {
		// The probe's single attempt decides the breaker's next state.
		cfg.MaxRetries = 0
	}

	var result string
	var recovered bool
	probeResolved := false

	res := retry.Do(ctx, cfg, func(attempt int) error {
		start := time.Now()
		out, err := e.invokeOnce(ctx, call)
		duration := time.Since(start)
		outcome.Attempts = append(outcome.Attempts, Attempt{
			Start:    start,
			Duration: duration,
			Err:      errString(err),
		})
		e.observeAttempt(call.Name, duration, err)

		if err == nil {
			result = out
			e.patterns.Record(call.Name, false, "")
			if breaker.RecordSuccess() {
				recovered = true
			}
			probeResolved = true
			return nil
		}

		// Caller cancellation carries no signal about tool health: no
		// breaker failure, no pattern sample.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return retry.Permanent(err)
		}

		category := Classify(err)
		e.patterns.Record(call.Name, true, category)
		if category.CountsTowardCircuit() {
			breaker.RecordFailure(time.Now())
			probeResolved = true
		}
		if !e.retriable(call.Name, category) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, delay time.Duration) {
		if e.metrics != nil {
			e.metrics.ToolRetries.WithLabelValues(call.Name).Inc()
		}
		e.logger.Debug("retrying tool call",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
	})

	if probe && !probeResolved {
		// The probe produced no verdict (canceled, or a failure that says
		// nothing about the tool); free the slot so the next call probes.
		breaker.ReleaseProbe()
	}

	outcome.RetryAttempts = res.Attempts - 1
	outcome.TotalRetryDelay = res.TotalDelay
	outcome.CircuitRecovered = recovered

	if res.Err == nil {
		outcome.Success = true
		outcome.Result = result
		return outcome
	}

	outcome.Err = res.Err
	category := Classify(res.Err)
	switch {
	case ctx.Err() != nil && errors.Is(res.Err, ctx.Err()):
		// Caller cancellation, not a tool verdict.
	case retry.IsPermanent(res.Err) || !e.retriable(call.Name, category):
		outcome.NonRetriable = true
	default:
		outcome.FinalFailure = true
	}
	outcome.ActionableError = Actionable(res.Err, category)
	return outcome
}

// executeBypass runs a call with resilience disabled: one attempt, no
// breaker, no retries.
func (e *Engine) executeBypass(ctx context.Context, call models.ToolCall) InvocationOutcome {
	outcome := InvocationOutcome{ToolCallID: call.ID, ToolName: call.Name}

	start := time.Now()
	result, err := e.invokeOnce(ctx, call)
	duration := time.Since(start)
	outcome.Attempts = []Attempt{{Start: start, Duration: duration, Err: errString(err)}}
	e.observeAttempt(call.Name, duration, err)

	if err != nil {
		category := Classify(err)
		outcome.Err = err
		outcome.NonRetriable = !e.retriable(call.Name, category)
		outcome.ActionableError = Actionable(err, category)
		return outcome
	}
	outcome.Success = true
	outcome.Result = result
	return outcome
}

// retriable decides whether a failure category is retried for the tool.
// Timeouts are retriable only when the tool declares itself idempotent.
func (e *Engine) retriable(tool string, category ErrorCategory) bool {
	if !category.Retryable() {
		return false
	}
	if category == CategoryTimeout && !e.invoker.Idempotent(tool) {
		return false
	}
	return true
}

// invokeOnce runs a single invocation attempt with the per-call timeout
// and panic recovery. A stuck tool cannot block the worker: the attempt
// resolves at the timeout and a late result is discarded.
func (e *Engine) invokeOnce(ctx context.Context, call models.ToolCall) (string, error) {
	toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()
	toolCtx = observability.WithToolCallID(toolCtx, call.ID)

	type invokeResult struct {
		out string
		err error
	}
	resultChan := make(chan invokeResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- invokeResult{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
		}()
		out, err := e.invoker.Invoke(toolCtx, call.Name, call.Input)
		select {
		case resultChan <- invokeResult{out: out, err: err}:
		default:
			e.logger.Warn("tool completed after timeout, result discarded",
				"tool", call.Name,
				"tool_call_id", call.ID,
			)
		}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w after %v", ErrToolTimeout, e.config.PerToolTimeout)
		}
		return "", ctx.Err()
	case res := <-resultChan:
		return res.out, res.err
	}
}

func (e *Engine) observeAttempt(tool string, duration time.Duration, err error) {
	if e.metrics == nil {
		return
	}
	status := "success"
	switch {
	case errors.Is(err, ErrToolTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	e.metrics.ToolExecutions.WithLabelValues(tool, status).Inc()
	e.metrics.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (e *Engine) deniedOutcome(call models.ToolCall) InvocationOutcome {
	err := fmt.Errorf("%w: %s", approval.ErrPolicyDenied, call.Name)
	return InvocationOutcome{
		ToolCallID:      call.ID,
		ToolName:        call.Name,
		Err:             err,
		NonRetriable:    true,
		ActionableError: Actionable(err, CategoryPolicyDenied),
	}
}

func (e *Engine) failedOutcome(call models.ToolCall, err error) InvocationOutcome {
	category := Classify(err)
	outcome := InvocationOutcome{
		ToolCallID:      call.ID,
		ToolName:        call.Name,
		Err:             err,
		ActionableError: Actionable(err, category),
	}
	if category == CategoryStoreUnavailable {
		outcome.NonRetriable = true
	}
	return outcome
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
