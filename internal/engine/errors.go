package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/dispatch/internal/approval"
	"github.com/haasonsaas/dispatch/internal/store"
	"github.com/haasonsaas/dispatch/internal/tools"
)

// Sentinel errors for engine operations.
var (
	// ErrCircuitOpen indicates the call was short-circuited without
	// invoking the tool.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrToolTimeout indicates a tool execution exceeded its per-call
	// timeout.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")
)

// ErrorCategory classifies a failed invocation for retry logic and for
// the actionable error surfaced to callers.
type ErrorCategory string

const (
	// CategoryPolicyDenied is a terminal policy denial. Never retried.
	CategoryPolicyDenied ErrorCategory = "policy_denied"

	// CategoryPermission is an authentication/authorization failure.
	// Terminal, and carries no signal about tool health.
	CategoryPermission ErrorCategory = "permission"

	// CategoryInvalidInput is a validation failure. Terminal, no health
	// signal.
	CategoryInvalidInput ErrorCategory = "invalid_input"

	// CategoryNotFound means the tool is not registered. Terminal.
	CategoryNotFound ErrorCategory = "not_found"

	// CategoryStoreUnavailable means the approval store could not be
	// reached, so policy could not be resolved. Terminal for the call and
	// no signal about tool health: the tool was never invoked.
	CategoryStoreUnavailable ErrorCategory = "store_unavailable"

	// CategoryTimeout is a per-call timeout. Retried for idempotent tools.
	CategoryTimeout ErrorCategory = "timeout"

	// CategoryNetwork is a connectivity failure. Retried.
	CategoryNetwork ErrorCategory = "network"

	// CategoryRateLimit is a rate-limit rejection. Retried.
	CategoryRateLimit ErrorCategory = "rate_limit"

	// CategoryUnavailable is a transient service-unavailable failure.
	// Retried.
	CategoryUnavailable ErrorCategory = "unavailable"

	// CategoryCircuitOpen is a short-circuited call; the tool was never
	// invoked.
	CategoryCircuitOpen ErrorCategory = "circuit_open"

	// CategoryExecution is a runtime failure inside the tool. Not
	// retried, but it does count toward the tool's health.
	CategoryExecution ErrorCategory = "execution"
)

// Retryable reports whether the category suggests a retry may succeed.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryTimeout, CategoryNetwork, CategoryRateLimit, CategoryUnavailable:
		return true
	}
	return false
}

// CountsTowardCircuit reports whether a failure in this category should
// advance the tool's consecutive-failure counter. Input and authorization
// problems say nothing about tool health and are excluded.
func (c ErrorCategory) CountsTowardCircuit() bool {
	switch c {
	case CategoryPolicyDenied, CategoryPermission, CategoryInvalidInput, CategoryNotFound,
		CategoryCircuitOpen, CategoryStoreUnavailable:
		return false
	}
	return true
}

// Classify determines the error category from sentinels and message
// content.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryExecution
	}

	switch {
	case errors.Is(err, approval.ErrPolicyDenied):
		return CategoryPolicyDenied
	case errors.Is(err, store.ErrUnavailable):
		return CategoryStoreUnavailable
	case errors.Is(err, ErrCircuitOpen):
		return CategoryCircuitOpen
	case errors.Is(err, tools.ErrToolNotFound):
		return CategoryNotFound
	case errors.Is(err, tools.ErrInvalidInput):
		return CategoryInvalidInput
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, ErrToolPanic):
		return CategoryExecution
	}

	errStr := strings.ToLower(err.Error())

	// Timeout patterns
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return CategoryTimeout
	}

	// Rate limit patterns
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return CategoryRateLimit
	}

	// Network patterns
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "unreachable") {
		return CategoryNetwork
	}

	// Transient availability patterns
	if strings.Contains(errStr, "unavailable") ||
		strings.Contains(errStr, "temporar") ||
		strings.Contains(errStr, "overload") ||
		strings.Contains(errStr, "try again") ||
		strings.Contains(errStr, "503") {
		return CategoryUnavailable
	}

	// Permission patterns
	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "unauthenticated") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "access denied") {
		return CategoryPermission
	}

	// Invalid input patterns
	if strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "required field") {
		return CategoryInvalidInput
	}

	return CategoryExecution
}

// Systemic reports whether the category is consistent with systemic
// overload rather than a tool-specific problem. Failures in these
// categories are candidates for the batch's sequential fallback.
func (c ErrorCategory) Systemic() bool {
	switch c {
	case CategoryTimeout, CategoryRateLimit, CategoryUnavailable, CategoryNetwork:
		return true
	}
	return false
}

// ActionableError is the caller-facing description of a failure:
// a category, a human suggestion, and an optional retry-after hint.
// Surfacing it to an end user is the calling layer's responsibility.
type ActionableError struct {
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message"`
	Suggestion string        `json:"suggestion"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *ActionableError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

// Actionable builds the ActionableError for a failure.
func Actionable(err error, category ErrorCategory) *ActionableError {
	ae := &ActionableError{
		Category: category,
		Message:  err.Error(),
	}
	switch category {
	case CategoryPolicyDenied:
		ae.Suggestion = "this tool is denied by policy; ask the session owner to change the policy"
	case CategoryPermission:
		ae.Suggestion = "check the tool's credentials and permissions"
	case CategoryInvalidInput:
		ae.Suggestion = "fix the tool input to match its declared schema"
	case CategoryNotFound:
		ae.Suggestion = "the tool is not registered; check the tool name"
	case CategoryStoreUnavailable:
		ae.Suggestion = "the approval store is unreachable; check the store backend and re-run the batch"
	case CategoryTimeout:
		ae.Suggestion = "the tool timed out; retry or raise its timeout"
	case CategoryNetwork:
		ae.Suggestion = "check network connectivity and retry"
	case CategoryRateLimit:
		ae.Suggestion = "rate limited; wait before retrying"
		ae.RetryAfter = 30 * time.Second
	case CategoryUnavailable:
		ae.Suggestion = "the service is temporarily unavailable; retry shortly"
		ae.RetryAfter = 10 * time.Second
	case CategoryCircuitOpen:
		ae.Suggestion = "the tool is unhealthy and calls are suspended; wait for the cooldown"
	default:
		ae.Suggestion = "the tool failed; inspect the error message"
	}
	return ae
}
