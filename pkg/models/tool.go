// Package models defines the shared data types exchanged between the
// approval gate, the execution engine, and their callers.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToolCall is a request to invoke a named tool with structured input.
// A ToolCall is immutable once created; retries and approvals reference
// it by ID and never modify it.
type ToolCall struct {
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Input is the opaque, schema-described tool input.
	Input json.RawMessage `json:"input"`

	// ThreadID references the originating agent turn's thread.
	ThreadID string `json:"thread_id,omitempty"`
}

// NewToolCall creates a ToolCall with a generated ID.
func NewToolCall(name string, input json.RawMessage, threadID string) ToolCall {
	return ToolCall{
		ID:       uuid.NewString(),
		Name:     name,
		Input:    input,
		ThreadID: threadID,
	}
}

// ToolResult is the output of a single tool invocation.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Decision is an approval decision for a tool call.
type Decision string

const (
	// DecisionAllowOnce allows this call only; the session policy is unchanged.
	DecisionAllowOnce Decision = "allow_once"

	// DecisionAllowSession allows this call and upgrades the session policy
	// for the tool to allow, so later calls skip the gate entirely.
	DecisionAllowSession Decision = "allow_session"

	// DecisionDeny fails the call with a terminal policy-denial error.
	DecisionDeny Decision = "deny"
)

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool {
	return d == DecisionAllowOnce || d == DecisionAllowSession
}

// Valid reports whether d is one of the recognized decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowSession, DecisionDeny:
		return true
	}
	return false
}

// PendingApproval is a recorded approval request that has no response yet.
// It is a durable fact: any process observing the store sees it the instant
// it is recorded, which is what makes cross-process decisions and
// post-restart recovery possible.
type PendingApproval struct {
	ToolCallID  string    `json:"tool_call_id"`
	ToolName    string    `json:"tool_name"`
	Input       []byte    `json:"input,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// ApprovalResponse is the recorded decision for a tool call. At most one
// response ever exists per tool call ID; a second attempt is rejected,
// never overwritten.
type ApprovalResponse struct {
	ToolCallID string    `json:"tool_call_id"`
	Decision   Decision  `json:"decision"`
	DecidedBy  string    `json:"decided_by,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}
