package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/dispatch/internal/store"
	"github.com/haasonsaas/dispatch/pkg/models"
)

func newTestGate(t *testing.T, config Config) (*Gate, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewGate(st, config, nil, nil), st
}

func bashCall(id string) models.ToolCall {
	return models.ToolCall{
		ID:       id,
		Name:     "bash",
		Input:    json.RawMessage(`{"command":"ls"}`),
		ThreadID: "thread-1",
	}
}

func TestEvaluate_DefaultRequiresApproval(t *testing.T) {
	gate, st := newTestGate(t, Config{})
	ctx := context.Background()
	call := bashCall("tc-1")

	// Repeated evaluation never creates a second request.
	for i := 0; i < 3; i++ {
		res, err := gate.Evaluate(ctx, call)
		if err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
		if res.Status != StatusPending {
			t.Fatalf("expected pending, got %v", res.Status)
		}
		if res.Handle == nil || res.Handle.ToolCallID != "tc-1" {
			t.Fatalf("bad handle: %+v", res.Handle)
		}
	}

	pending, err := st.ListPendingApprovals(ctx, "")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected exactly one request, got %d", len(pending))
	}
}

func TestEvaluate_ExplicitLists(t *testing.T) {
	gate, _ := newTestGate(t, Config{
		Rules: Rules{
			Denylist:  []string{"rm_*"},
			Allowlist: []string{"read_file"},
		},
	})
	ctx := context.Background()

	res, err := gate.Evaluate(ctx, models.ToolCall{ID: "tc-d", Name: "rm_rf"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != StatusDenied {
		t.Errorf("expected denied, got %v", res.Status)
	}

	res, err = gate.Evaluate(ctx, models.ToolCall{ID: "tc-a", Name: "read_file"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != StatusAllowed {
		t.Errorf("expected allowed, got %v", res.Status)
	}
}

func TestWait_ResolvedByDecide(t *testing.T) {
	gate, _ := newTestGate(t, Config{PollInterval: time.Hour}) // notify path only
	ctx := context.Background()
	call := bashCall("tc-2")

	res, err := gate.Evaluate(ctx, call)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected pending, got %v", res.Status)
	}

	type waitResult struct {
		decision models.Decision
		err      error
	}
	done := make(chan waitResult, 1)
	go func() {
		d, err := gate.Wait(ctx, res.Handle)
		done <- waitResult{d, err}
	}()

	// Give the waiter time to register.
	time.Sleep(20 * time.Millisecond)
	if err := gate.Decide(ctx, "tc-2", models.DecisionAllowOnce, "user"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("wait: %v", got.err)
		}
		if got.decision != models.DecisionAllowOnce {
			t.Errorf("expected allow_once, got %s", got.decision)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not resolve")
	}
}

func TestWait_PollsStoreForExternalDecision(t *testing.T) {
	gate, st := newTestGate(t, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()
	call := bashCall("tc-3")

	res, err := gate.Evaluate(ctx, call)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	done := make(chan models.Decision, 1)
	go func() {
		d, _ := gate.Wait(ctx, res.Handle)
		done <- d
	}()

	// Another process writes the response directly to the store; no
	// in-process notification happens.
	time.Sleep(30 * time.Millisecond)
	err = st.RecordApprovalResponse(ctx, models.ApprovalResponse{
		ToolCallID: "tc-3",
		Decision:   models.DecisionDeny,
		DecidedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("record response: %v", err)
	}

	select {
	case d := <-done:
		if d != models.DecisionDeny {
			t.Errorf("expected deny, got %s", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not pick up external decision")
	}
}

func TestWait_Cancellable(t *testing.T) {
	gate, _ := newTestGate(t, Config{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	res, err := gate.Evaluate(ctx, bashCall("tc-4"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := gate.Wait(ctx, res.Handle)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not honor cancellation")
	}
}

func TestDecide_SecondDecisionRejected(t *testing.T) {
	gate, _ := newTestGate(t, Config{})
	ctx := context.Background()

	if _, err := gate.Evaluate(ctx, bashCall("tc-5")); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if err := gate.Decide(ctx, "tc-5", models.DecisionAllowOnce, "user-a"); err != nil {
		t.Fatalf("first decide: %v", err)
	}

	err := gate.Decide(ctx, "tc-5", models.DecisionDeny, "user-b")
	if !errors.Is(err, store.ErrAlreadyDecided) {
		t.Errorf("expected ErrAlreadyDecided, got %v", err)
	}
}

func TestDecide_InvalidDecision(t *testing.T) {
	gate, _ := newTestGate(t, Config{})
	err := gate.Decide(context.Background(), "tc-x", models.Decision("maybe"), "user")
	if !errors.Is(err, ErrInvalidDecision) {
		t.Errorf("expected ErrInvalidDecision, got %v", err)
	}
}

func TestEvaluate_RecoveryFromRecordedDecision(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	call := bashCall("tc-6")

	// First process records the request and dies.
	gate1 := NewGate(st, Config{}, nil, nil)
	if _, err := gate1.Evaluate(ctx, call); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	// A decision arrives while no gate is waiting.
	err := st.RecordApprovalResponse(ctx, models.ApprovalResponse{
		ToolCallID: "tc-6",
		Decision:   models.DecisionAllowOnce,
		DecidedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("record response: %v", err)
	}

	// A fresh gate over the same store resolves immediately and creates
	// no duplicate request.
	gate2 := NewGate(st, Config{}, nil, nil)
	res, err := gate2.Evaluate(ctx, call)
	if err != nil {
		t.Fatalf("evaluate after restart: %v", err)
	}
	if res.Status != StatusAllowed {
		t.Errorf("expected allowed, got %v", res.Status)
	}

	pending, err := st.ListPendingApprovals(ctx, "")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending requests, got %d", len(pending))
	}
}

func TestAllowSession_UpgradesPolicy(t *testing.T) {
	gate, st := newTestGate(t, Config{PollInterval: time.Hour})
	ctx := context.Background()

	res, err := gate.Evaluate(ctx, bashCall("tc-7"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	done := make(chan models.Decision, 1)
	go func() {
		d, _ := gate.Wait(ctx, res.Handle)
		done <- d
	}()
	time.Sleep(20 * time.Millisecond)
	if err := gate.Decide(ctx, "tc-7", models.DecisionAllowSession, "user"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d := <-done; d != models.DecisionAllowSession {
		t.Fatalf("expected allow_session, got %s", d)
	}

	policy, err := st.GetToolPolicy(ctx, "bash")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if policy != PolicyAllow {
		t.Fatalf("expected durable allow policy, got %q", policy)
	}

	// Later calls for the same tool skip the gate entirely.
	res, err = gate.Evaluate(ctx, bashCall("tc-8"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != StatusAllowed {
		t.Errorf("expected allowed via session policy, got %v", res.Status)
	}
	if res.Reason != "session policy" {
		t.Errorf("expected session policy reason, got %q", res.Reason)
	}
}

// failingStore simulates an unreachable backend.
type failingStore struct {
	store.Store
}

func (f failingStore) GetToolPolicy(ctx context.Context, toolName string) (string, error) {
	return "", store.ErrUnavailable
}

func TestEvaluate_StoreUnavailableFailsFast(t *testing.T) {
	gate := NewGate(failingStore{store.NewMemoryStore()}, Config{}, nil, nil)

	_, err := gate.Evaluate(context.Background(), bashCall("tc-9"))
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestPendingApprovals_VisibleImmediately(t *testing.T) {
	gate, _ := newTestGate(t, Config{})
	ctx := context.Background()

	if _, err := gate.Evaluate(ctx, bashCall("tc-10")); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	pending, err := gate.PendingApprovals(ctx, "thread-1")
	if err != nil {
		t.Fatalf("pending approvals: %v", err)
	}
	if len(pending) != 1 || pending[0].ToolCallID != "tc-10" {
		t.Errorf("expected tc-10 pending, got %+v", pending)
	}
}
