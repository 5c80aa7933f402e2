// Package store persists approval requests, approval responses, and
// session tool policies.
//
// Requests and responses are modeled as two append-only facts keyed by
// tool call ID. "Pending" is never a stored status: it is derived by
// querying for requests that lack a response. A request with no response
// may persist indefinitely across restarts; that is a legal steady state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/dispatch/pkg/models"
)

var (
	// ErrAlreadyDecided indicates a response already exists for the tool
	// call. Responses are written at most once and never overwritten.
	ErrAlreadyDecided = errors.New("approval already decided")

	// ErrUnavailable indicates the store could not be reached. Callers
	// must surface this immediately and never treat it as an implicit
	// allow or deny.
	ErrUnavailable = errors.New("approval store unavailable")
)

// ApprovalStore records approval requests and responses.
type ApprovalStore interface {
	// RecordApprovalRequest records that approval was requested for the
	// call. It is idempotent: recording the same tool call ID again is a
	// no-op and never creates a second request.
	RecordApprovalRequest(ctx context.Context, call models.ToolCall, requestedAt time.Time) error

	// RecordApprovalResponse records a decision for the tool call. It
	// fails with ErrAlreadyDecided if a response already exists.
	RecordApprovalResponse(ctx context.Context, resp models.ApprovalResponse) error

	// GetApprovalDecision returns the recorded response for the tool
	// call, or nil if none exists.
	GetApprovalDecision(ctx context.Context, toolCallID string) (*models.ApprovalResponse, error)

	// ListPendingApprovals returns every request lacking a response,
	// ascending by request time. An empty threadID matches all threads.
	ListPendingApprovals(ctx context.Context, threadID string) ([]models.PendingApproval, error)
}

// PolicyStore persists per-tool session policies. An allow_session
// decision durably upgrades the tool's policy so later calls skip the
// approval gate entirely.
type PolicyStore interface {
	// GetToolPolicy returns the stored policy for the tool, or "" if none.
	GetToolPolicy(ctx context.Context, toolName string) (string, error)

	// SetToolPolicy stores the policy for the tool.
	SetToolPolicy(ctx context.Context, toolName, policy string) error
}

// Store groups the approval and policy stores behind one backend.
type Store interface {
	ApprovalStore
	PolicyStore
}
