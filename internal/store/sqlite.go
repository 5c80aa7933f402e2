package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/dispatch/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists approvals and session policies in SQLite.
//
// Requests and responses live in separate append-only tables. The primary
// key on tool_call_id in each table is what enforces the two write
// invariants: INSERT OR IGNORE makes request recording idempotent, and a
// key conflict on the responses table rejects a second decision instead of
// overwriting the first.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	tool_call_id TEXT PRIMARY KEY,
	tool_name    TEXT NOT NULL,
	input        BLOB,
	thread_id    TEXT NOT NULL DEFAULT '',
	requested_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_thread
	ON approval_requests(thread_id, requested_at);

CREATE TABLE IF NOT EXISTS approval_responses (
	tool_call_id TEXT PRIMARY KEY,
	decision     TEXT NOT NULL,
	decided_by   TEXT NOT NULL DEFAULT '',
	decided_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_policies (
	tool_name  TEXT PRIMARY KEY,
	policy     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) the database at path and initializes
// the schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc/sqlite serializes access through a single connection;
	// keeping one open connection avoids table-lock churn.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordApprovalRequest records a request once per tool call ID.
func (s *SQLiteStore) RecordApprovalRequest(ctx context.Context, call models.ToolCall, requestedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO approval_requests (tool_call_id, tool_name, input, thread_id, requested_at)
		 VALUES (?, ?, ?, ?, ?)`,
		call.ID, call.Name, []byte(call.Input), call.ThreadID, requestedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RecordApprovalResponse records a decision at most once per tool call ID.
func (s *SQLiteStore) RecordApprovalResponse(ctx context.Context, resp models.ApprovalResponse) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO approval_responses (tool_call_id, decision, decided_by, decided_at)
		 VALUES (?, ?, ?, ?)`,
		resp.ToolCallID, string(resp.Decision), resp.DecidedBy, resp.DecidedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrAlreadyDecided
	}
	return nil
}

// GetApprovalDecision returns the response for the tool call, or nil.
func (s *SQLiteStore) GetApprovalDecision(ctx context.Context, toolCallID string) (*models.ApprovalResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT decision, decided_by, decided_at FROM approval_responses WHERE tool_call_id = ?`,
		toolCallID)

	var decision, decidedBy string
	var decidedAt int64
	if err := row.Scan(&decision, &decidedBy, &decidedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &models.ApprovalResponse{
		ToolCallID: toolCallID,
		Decision:   models.Decision(decision),
		DecidedBy:  decidedBy,
		DecidedAt:  time.Unix(0, decidedAt),
	}, nil
}

// ListPendingApprovals returns requests with no response, oldest first.
// Pending is derived with an anti-join, never read from a status column.
func (s *SQLiteStore) ListPendingApprovals(ctx context.Context, threadID string) ([]models.PendingApproval, error) {
	query := `SELECT r.tool_call_id, r.tool_name, r.input, r.thread_id, r.requested_at
		FROM approval_requests r
		LEFT JOIN approval_responses p ON p.tool_call_id = r.tool_call_id
		WHERE p.tool_call_id IS NULL`
	args := []any{}
	if threadID != "" {
		query += ` AND r.thread_id = ?`
		args = append(args, threadID)
	}
	query += ` ORDER BY r.requested_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var pending []models.PendingApproval
	for rows.Next() {
		var req models.PendingApproval
		var requestedAt int64
		if err := rows.Scan(&req.ToolCallID, &req.ToolName, &req.Input, &req.ThreadID, &requestedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		req.RequestedAt = time.Unix(0, requestedAt)
		pending = append(pending, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return pending, nil
}

// GetToolPolicy returns the stored policy for the tool, or "".
func (s *SQLiteStore) GetToolPolicy(ctx context.Context, toolName string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT policy FROM session_policies WHERE tool_name = ?`, toolName)
	var policy string
	if err := row.Scan(&policy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return policy, nil
}

// SetToolPolicy stores the policy for the tool, replacing any previous value.
func (s *SQLiteStore) SetToolPolicy(ctx context.Context, toolName, policy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_policies (tool_name, policy, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(tool_name) DO UPDATE SET policy = excluded.policy, updated_at = excluded.updated_at`,
		toolName, policy, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
