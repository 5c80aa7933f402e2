package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/dispatch/pkg/models"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testCall(id, name string) models.ToolCall {
	return models.ToolCall{
		ID:       id,
		Name:     name,
		Input:    json.RawMessage(`{"command":"ls"}`),
		ThreadID: "thread-1",
	}
}

func TestRecordApprovalRequest_Idempotent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			call := testCall("tc-1", "bash")

			for i := 0; i < 3; i++ {
				if err := s.RecordApprovalRequest(ctx, call, time.Now()); err != nil {
					t.Fatalf("record request attempt %d: %v", i, err)
				}
			}

			pending, err := s.ListPendingApprovals(ctx, "")
			if err != nil {
				t.Fatalf("list pending: %v", err)
			}
			if len(pending) != 1 {
				t.Fatalf("expected exactly one request, got %d", len(pending))
			}
			if pending[0].ToolCallID != "tc-1" || pending[0].ToolName != "bash" {
				t.Errorf("unexpected pending record: %+v", pending[0])
			}
		})
	}
}

func TestRecordApprovalResponse_AtMostOnce(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.RecordApprovalRequest(ctx, testCall("tc-2", "bash"), time.Now()); err != nil {
				t.Fatalf("record request: %v", err)
			}

			first := models.ApprovalResponse{
				ToolCallID: "tc-2",
				Decision:   models.DecisionAllowOnce,
				DecidedBy:  "user-a",
				DecidedAt:  time.Now(),
			}
			if err := s.RecordApprovalResponse(ctx, first); err != nil {
				t.Fatalf("first response: %v", err)
			}

			second := first
			second.Decision = models.DecisionDeny
			second.DecidedBy = "user-b"
			if err := s.RecordApprovalResponse(ctx, second); !errors.Is(err, ErrAlreadyDecided) {
				t.Fatalf("expected ErrAlreadyDecided, got %v", err)
			}

			// The original decision must survive untouched.
			got, err := s.GetApprovalDecision(ctx, "tc-2")
			if err != nil {
				t.Fatalf("get decision: %v", err)
			}
			if got == nil || got.Decision != models.DecisionAllowOnce || got.DecidedBy != "user-a" {
				t.Errorf("decision was overwritten: %+v", got)
			}
		})
	}
}

func TestGetApprovalDecision_NoneRecorded(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.GetApprovalDecision(context.Background(), "missing")
			if err != nil {
				t.Fatalf("get decision: %v", err)
			}
			if got != nil {
				t.Errorf("expected nil decision, got %+v", got)
			}
		})
	}
}

func TestListPendingApprovals_ExcludesDecided(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()
			for i, id := range []string{"tc-a", "tc-b", "tc-c"} {
				if err := s.RecordApprovalRequest(ctx, testCall(id, "bash"), base.Add(time.Duration(i)*time.Second)); err != nil {
					t.Fatalf("record request %s: %v", id, err)
				}
			}
			err := s.RecordApprovalResponse(ctx, models.ApprovalResponse{
				ToolCallID: "tc-b",
				Decision:   models.DecisionDeny,
				DecidedAt:  time.Now(),
			})
			if err != nil {
				t.Fatalf("record response: %v", err)
			}

			pending, err := s.ListPendingApprovals(ctx, "")
			if err != nil {
				t.Fatalf("list pending: %v", err)
			}
			if len(pending) != 2 {
				t.Fatalf("expected 2 pending, got %d", len(pending))
			}
			// Ascending by request time.
			if pending[0].ToolCallID != "tc-a" || pending[1].ToolCallID != "tc-c" {
				t.Errorf("unexpected order: %s, %s", pending[0].ToolCallID, pending[1].ToolCallID)
			}
		})
	}
}

func TestListPendingApprovals_ThreadFilter(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			other := testCall("tc-other", "bash")
			other.ThreadID = "thread-2"
			if err := s.RecordApprovalRequest(ctx, testCall("tc-mine", "bash"), time.Now()); err != nil {
				t.Fatalf("record request: %v", err)
			}
			if err := s.RecordApprovalRequest(ctx, other, time.Now()); err != nil {
				t.Fatalf("record request: %v", err)
			}

			pending, err := s.ListPendingApprovals(ctx, "thread-1")
			if err != nil {
				t.Fatalf("list pending: %v", err)
			}
			if len(pending) != 1 || pending[0].ToolCallID != "tc-mine" {
				t.Errorf("thread filter failed: %+v", pending)
			}
		})
	}
}

func TestToolPolicy_RoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			policy, err := s.GetToolPolicy(ctx, "bash")
			if err != nil {
				t.Fatalf("get policy: %v", err)
			}
			if policy != "" {
				t.Errorf("expected empty policy, got %q", policy)
			}

			if err := s.SetToolPolicy(ctx, "bash", "allow"); err != nil {
				t.Fatalf("set policy: %v", err)
			}
			// Upgrades replace, they do not append.
			if err := s.SetToolPolicy(ctx, "bash", "allow"); err != nil {
				t.Fatalf("set policy again: %v", err)
			}

			policy, err = s.GetToolPolicy(ctx, "bash")
			if err != nil {
				t.Fatalf("get policy: %v", err)
			}
			if policy != "allow" {
				t.Errorf("expected allow, got %q", policy)
			}
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/approvals.db"

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.RecordApprovalRequest(ctx, testCall("tc-restart", "bash"), time.Now()); err != nil {
		t.Fatalf("record request: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// A second process (or the same one after a restart) sees the pending
	// request and can decide it.
	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()

	pending, err := s2.ListPendingApprovals(ctx, "")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ToolCallID != "tc-restart" {
		t.Fatalf("pending request lost across reopen: %+v", pending)
	}

	err = s2.RecordApprovalResponse(ctx, models.ApprovalResponse{
		ToolCallID: "tc-restart",
		Decision:   models.DecisionAllowOnce,
		DecidedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("record response: %v", err)
	}

	got, err := s2.GetApprovalDecision(ctx, "tc-restart")
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got == nil || got.Decision != models.DecisionAllowOnce {
		t.Errorf("unexpected decision after reopen: %+v", got)
	}
}
