package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/store"
	"github.com/haasonsaas/dispatch/pkg/models"
)

var (
	// ErrPolicyDenied is the terminal error for a call denied by policy
	// or by an explicit deny decision. It is never retried.
	ErrPolicyDenied = errors.New("tool call denied by policy")

	// ErrInvalidDecision indicates an unrecognized decision value.
	ErrInvalidDecision = errors.New("invalid approval decision")
)

// Status is the result category of an Evaluate call.
type Status int

const (
	// StatusAllowed means the call may execute now.
	StatusAllowed Status = iota

	// StatusDenied means the call fails with ErrPolicyDenied.
	StatusDenied

	// StatusPending means a durable approval request exists and the
	// caller must Wait for a decision before executing.
	StatusPending
)

// Resolution is the outcome of evaluating one tool call against policy.
type Resolution struct {
	Status Status

	// Reason describes which rule produced the status.
	Reason string

	// Handle is set when Status is StatusPending.
	Handle *Handle
}

// Handle identifies a suspended call awaiting an approval decision.
// Waiting on a handle occupies no execution slot: the suspension point is
// strictly before dispatch.
type Handle struct {
	ToolCallID string
	ToolName   string
}

// Config configures the gate.
type Config struct {
	// Rules are the explicit allow/deny lists.
	Rules Rules

	// DefaultPolicy applies when no list or session policy matches.
	// Defaults to require-approval.
	DefaultPolicy string

	// PollInterval is how often Wait re-queries the store for decisions
	// recorded by other processes. Defaults to 250ms.
	PollInterval time.Duration
}

// Gate evaluates tool calls against policy and manages the durable
// approval workflow. Pending approvals are durable facts, not in-memory
// callbacks: any process can record the decision, and waiters recover it
// by query.
type Gate struct {
	config  Config
	store   store.Store
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	waiters map[string][]chan models.Decision
}

// NewGate creates a gate over the given durable store.
func NewGate(st store.Store, config Config, logger *slog.Logger, metrics *observability.Metrics) *Gate {
	if config.DefaultPolicy == "" {
		config.DefaultPolicy = PolicyRequireApproval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		config:  config,
		store:   st,
		logger:  logger,
		metrics: metrics,
		waiters: make(map[string][]chan models.Decision),
	}
}

// Evaluate resolves policy for the call. Lookup order: explicit deny-list,
// explicit allow-list, session-configured policy, then the default.
// When the effective policy is require-approval, Evaluate records a
// durable request (idempotently) and returns StatusPending, unless a
// decision is already recorded, in which case it resolves immediately
// (the recovery path). A store error fails the call; it is never treated
// as an implicit allow or deny.
func (g *Gate) Evaluate(ctx context.Context, call models.ToolCall) (Resolution, error) {
	policy := g.config.Rules.Resolve(call.Name)
	reason := "explicit list"

	if policy == "" {
		sessionPolicy, err := g.store.GetToolPolicy(ctx, call.Name)
		if err != nil {
			return Resolution{}, fmt.Errorf("policy lookup for %s: %w", call.Name, err)
		}
		if sessionPolicy != "" {
			policy = sessionPolicy
			reason = "session policy"
		}
	}
	if policy == "" {
		policy = g.config.DefaultPolicy
		reason = "default policy"
	}

	switch policy {
	case PolicyAllow:
		g.countDecision(call.Name, "allowed")
		return Resolution{Status: StatusAllowed, Reason: reason}, nil
	case PolicyDeny:
		g.countDecision(call.Name, "denied")
		return Resolution{Status: StatusDenied, Reason: reason}, nil
	}

	// require-approval: a decision recorded earlier (possibly by another
	// process, possibly before a restart) resolves without a new request.
	existing, err := g.store.GetApprovalDecision(ctx, call.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("decision lookup for %s: %w", call.ID, err)
	}
	if existing != nil {
		return g.resolveDecision(ctx, call.Name, existing.Decision, "recorded decision")
	}

	if err := g.store.RecordApprovalRequest(ctx, call, time.Now()); err != nil {
		return Resolution{}, fmt.Errorf("record approval request for %s: %w", call.ID, err)
	}
	g.logger.Info("approval requested",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"thread_id", call.ThreadID,
	)
	g.countDecision(call.Name, "pending")
	return Resolution{
		Status: StatusPending,
		Reason: "approval required",
		Handle: &Handle{ToolCallID: call.ID, ToolName: call.Name},
	}, nil
}

// Wait suspends until a decision exists for the handle, then returns it.
// The wait is cancellable and wakeable: an in-process Decide call wakes it
// immediately, and a poll of the store picks up decisions recorded
// elsewhere. Wait never blocks an execution slot.
func (g *Gate) Wait(ctx context.Context, handle *Handle) (models.Decision, error) {
	wake := make(chan models.Decision, 1)
	g.addWaiter(handle.ToolCallID, wake)
	defer g.removeWaiter(handle.ToolCallID, wake)

	// The decision may already exist (recorded between Evaluate and Wait,
	// or before this process started).
	if resp, err := g.store.GetApprovalDecision(ctx, handle.ToolCallID); err != nil {
		return "", err
	} else if resp != nil {
		return g.applyDecision(ctx, handle.ToolName, resp.Decision)
	}

	ticker := time.NewTicker(g.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case decision := <-wake:
			return g.applyDecision(ctx, handle.ToolName, decision)
		case <-ticker.C:
			resp, err := g.store.GetApprovalDecision(ctx, handle.ToolCallID)
			if err != nil {
				return "", err
			}
			if resp != nil {
				return g.applyDecision(ctx, handle.ToolName, resp.Decision)
			}
		}
	}
}

// Decide records a decision for the tool call and wakes any in-process
// waiters. A second decision for the same call is rejected with
// store.ErrAlreadyDecided, never applied.
func (g *Gate) Decide(ctx context.Context, toolCallID string, decision models.Decision, decidedBy string) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	err := g.store.RecordApprovalResponse(ctx, models.ApprovalResponse{
		ToolCallID: toolCallID,
		Decision:   decision,
		DecidedBy:  decidedBy,
		DecidedAt:  time.Now(),
	})
	if err != nil {
		return err
	}

	g.logger.Info("approval decided",
		"tool_call_id", toolCallID,
		"decision", string(decision),
		"decided_by", decidedBy,
	)

	g.mu.Lock()
	waiters := g.waiters[toolCallID]
	g.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- decision:
		default:
		}
	}
	return nil
}

// PendingApprovals returns every recorded request lacking a response,
// oldest first. This is the recovery query and the feed for UI surfaces.
func (g *Gate) PendingApprovals(ctx context.Context, threadID string) ([]models.PendingApproval, error) {
	return g.store.ListPendingApprovals(ctx, threadID)
}

// resolveDecision maps a recorded decision to a Resolution, applying any
// session policy upgrade.
func (g *Gate) resolveDecision(ctx context.Context, toolName string, decision models.Decision, reason string) (Resolution, error) {
	applied, err := g.applyDecision(ctx, toolName, decision)
	if err != nil {
		return Resolution{}, err
	}
	if applied.Allowed() {
		g.countDecision(toolName, "allowed")
		return Resolution{Status: StatusAllowed, Reason: reason}, nil
	}
	g.countDecision(toolName, "denied")
	return Resolution{Status: StatusDenied, Reason: reason}, nil
}

// applyDecision performs the decision's side effects. allow_session
// durably upgrades the tool's session policy so later calls skip the gate.
func (g *Gate) applyDecision(ctx context.Context, toolName string, decision models.Decision) (models.Decision, error) {
	if decision == models.DecisionAllowSession {
		if err := g.store.SetToolPolicy(ctx, toolName, PolicyAllow); err != nil {
			return "", fmt.Errorf("upgrade session policy for %s: %w", toolName, err)
		}
		g.logger.Info("session policy upgraded", "tool", toolName, "policy", PolicyAllow)
	}
	return decision, nil
}

func (g *Gate) addWaiter(toolCallID string, ch chan models.Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiters[toolCallID] = append(g.waiters[toolCallID], ch)
}

func (g *Gate) removeWaiter(toolCallID string, ch chan models.Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	waiters := g.waiters[toolCallID]
	for i, w := range waiters {
		if w == ch {
			g.waiters[toolCallID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(g.waiters[toolCallID]) == 0 {
		delete(g.waiters, toolCallID)
	}
}

func (g *Gate) countDecision(tool, decision string) {
	if g.metrics != nil {
		g.metrics.ApprovalDecisions.WithLabelValues(tool, decision).Inc()
	}
}
