package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store for tests and
// single-process deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]models.PendingApproval
	responses map[string]models.ApprovalResponse
	policies  map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]models.PendingApproval),
		responses: make(map[string]models.ApprovalResponse),
		policies:  make(map[string]string),
	}
}

// RecordApprovalRequest records a request once per tool call ID.
func (s *MemoryStore) RecordApprovalRequest(ctx context.Context, call models.ToolCall, requestedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[call.ID]; exists {
		return nil
	}
	s.requests[call.ID] = models.PendingApproval{
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		Input:       append([]byte(nil), call.Input...),
		ThreadID:    call.ThreadID,
		RequestedAt: requestedAt,
	}
	return nil
}

// RecordApprovalResponse records a decision at most once per tool call ID.
func (s *MemoryStore) RecordApprovalResponse(ctx context.Context, resp models.ApprovalResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.responses[resp.ToolCallID]; exists {
		return ErrAlreadyDecided
	}
	s.responses[resp.ToolCallID] = resp
	return nil
}

// GetApprovalDecision returns the response for the tool call, or nil.
func (s *MemoryStore) GetApprovalDecision(ctx context.Context, toolCallID string) (*models.ApprovalResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.responses[toolCallID]
	if !ok {
		return nil, nil
	}
	clone := resp
	return &clone, nil
}

// ListPendingApprovals returns requests with no response, oldest first.
func (s *MemoryStore) ListPendingApprovals(ctx context.Context, threadID string) ([]models.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []models.PendingApproval
	for id, req := range s.requests {
		if _, decided := s.responses[id]; decided {
			continue
		}
		if threadID != "" && req.ThreadID != threadID {
			continue
		}
		pending = append(pending, req)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].RequestedAt.Before(pending[j].RequestedAt)
	})
	return pending, nil
}

// GetToolPolicy returns the stored policy for the tool, or "".
func (s *MemoryStore) GetToolPolicy(ctx context.Context, toolName string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[toolName], nil
}

// SetToolPolicy stores the policy for the tool.
func (s *MemoryStore) SetToolPolicy(ctx context.Context, toolName, policy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[toolName] = policy
	return nil
}
