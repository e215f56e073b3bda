// Package store provides storage backends for OrderPilot.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BakeDesk/OrderPilot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts`)
	if err != nil {
		slog.Error("SQLiteStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			slog.Error("SQLiteStore GetReceipts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

func (s *SQLiteStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time) VALUES (?, ?, ?)`, r.From, r.Body, r.Time)
	if err != nil {
		slog.Error("SQLiteStore AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *SQLiteStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, time FROM responses`)
	if err != nil {
		slog.Error("SQLiteStore GetResponses query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.From, &r.Body, &r.Time); err != nil {
			slog.Error("SQLiteStore GetResponses scan failed", "error", err)
			return nil, err
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// SaveFlowState stores or replaces the flow state for a conversation.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	stateJSON, err := marshalFlowState(state)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState marshal failed", "error", err, "conversationID", state.ConversationID)
		return err
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO flow_states (conversation_id, flow_kind, step, state_json, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.ConversationID, state.FlowKind, state.Step, stateJSON,
		state.CreatedAt, state.UpdatedAt, state.ExpiresAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "conversationID", state.ConversationID, "flowKind", state.FlowKind)
		return fmt.Errorf("failed to save flow state for %s: %w", state.ConversationID, err)
	}
	slog.Debug("SQLiteStore SaveFlowState succeeded", "conversationID", state.ConversationID, "flowKind", state.FlowKind, "step", state.Step)
	return nil
}

// GetFlowState retrieves the flow state for a conversation. Returns nil, nil
// when no state exists.
func (s *SQLiteStore) GetFlowState(conversationID string) (*models.FlowState, error) {
	var stateJSON string
	err := s.db.QueryRow(`SELECT state_json FROM flow_states WHERE conversation_id = ?`, conversationID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to get flow state for %s: %w", conversationID, err)
	}
	return unmarshalFlowState(stateJSON)
}

// DeleteFlowState removes the flow state for a conversation.
func (s *SQLiteStore) DeleteFlowState(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE conversation_id = ?`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete flow state for %s: %w", conversationID, err)
	}
	return nil
}

// ListFlowStates returns all persisted flow states.
func (s *SQLiteStore) ListFlowStates() ([]models.FlowState, error) {
	rows, err := s.db.Query(`SELECT conversation_id, flow_kind, step, state_json FROM flow_states`)
	if err != nil {
		slog.Error("SQLiteStore ListFlowStates query failed", "error", err)
		return nil, fmt.Errorf("failed to query flow states: %w", err)
	}
	defer rows.Close()

	var states []models.FlowState
	for rows.Next() {
		state, err := scanFlowState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

// AddCheckpoint appends a checkpoint. Checkpoints are never updated.
func (s *SQLiteStore) AddCheckpoint(cp models.Checkpoint) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (id, conversation_id, flow_kind, step, snapshot, trigger_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ConversationID, cp.FlowKind, cp.Step, cp.Snapshot, cp.Trigger, cp.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddCheckpoint failed", "error", err, "conversationID", cp.ConversationID)
		return fmt.Errorf("failed to insert checkpoint for %s: %w", cp.ConversationID, err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint by ID. Returns nil, nil when absent.
func (s *SQLiteStore) GetCheckpoint(id string) (*models.Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, flow_kind, step, snapshot, trigger_kind, created_at
		FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	cp, err := scanCheckpoint(rows)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints returns the most recent checkpoints for a conversation,
// newest first, up to limit (0 means no limit).
func (s *SQLiteStore) ListCheckpoints(conversationID string, limit int) ([]models.Checkpoint, error) {
	query := `
		SELECT id, conversation_id, flow_kind, step, snapshot, trigger_kind, created_at
		FROM checkpoints WHERE conversation_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListCheckpoints query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query checkpoints for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var cps []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// TrimCheckpoints removes all but the newest keep checkpoints for a
// conversation and returns how many were deleted.
func (s *SQLiteStore) TrimCheckpoints(conversationID string, keep int) (int, error) {
	result, err := s.db.Exec(`
		DELETE FROM checkpoints WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`, conversationID, conversationID, keep)
	if err != nil {
		slog.Error("SQLiteStore TrimCheckpoints failed", "error", err, "conversationID", conversationID)
		return 0, fmt.Errorf("failed to trim checkpoints for %s: %w", conversationID, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// DeleteStaleCheckpointLogs removes every checkpoint of conversations whose
// newest checkpoint is older than cutoff, returning how many were deleted.
// A conversation with any fresh checkpoint keeps its full retained log.
func (s *SQLiteStore) DeleteStaleCheckpointLogs(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`
		DELETE FROM checkpoints WHERE conversation_id IN (
			SELECT conversation_id FROM checkpoints
			GROUP BY conversation_id HAVING MAX(created_at) < ?
		)`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore DeleteStaleCheckpointLogs failed", "error", err)
		return 0, fmt.Errorf("failed to delete stale checkpoint logs: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore DeleteStaleCheckpointLogs removed stale conversation logs", "count", n)
	}
	return int(n), nil
}

// SaveHitlCase inserts or updates an escalation case by case ID.
func (s *SQLiteStore) SaveHitlCase(c models.HitlCase) error {
	var resolvedAt, graceExpiresAt interface{}
	if c.ResolvedAt != nil {
		resolvedAt = *c.ResolvedAt
	}
	if c.GraceExpiresAt != nil {
		graceExpiresAt = *c.GraceExpiresAt
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO hitl_cases (case_id, conversation_id, branch_id, priority, status, reason, summary, instruction, created_at, resolved_at, resolved_by, timer_armed, grace_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CaseID, nilIfEmpty(c.ConversationID), nilIfEmpty(c.BranchID), c.Priority, c.Status, c.Reason,
		nilIfEmpty(c.Summary), nilIfEmpty(c.Instruction), c.CreatedAt, resolvedAt, nilIfEmpty(c.ResolvedBy), c.TimerArmed, graceExpiresAt)
	if err != nil {
		slog.Error("SQLiteStore SaveHitlCase failed", "error", err, "caseID", c.CaseID)
		return fmt.Errorf("failed to save hitl case %s: %w", c.CaseID, err)
	}
	slog.Debug("SQLiteStore SaveHitlCase succeeded", "caseID", c.CaseID, "status", c.Status)
	return nil
}

// GetHitlCase retrieves an escalation case by ID. Returns nil, nil when absent.
func (s *SQLiteStore) GetHitlCase(caseID string) (*models.HitlCase, error) {
	rows, err := s.db.Query(`
		SELECT case_id, conversation_id, branch_id, priority, status, reason, summary, instruction, created_at, resolved_at, resolved_by, timer_armed, grace_expires_at
		FROM hitl_cases WHERE case_id = ?`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query hitl case %s: %w", caseID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	c, err := scanHitlCase(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListHitlCases returns cases filtered by status; an empty status returns all.
func (s *SQLiteStore) ListHitlCases(status models.HitlStatus) ([]models.HitlCase, error) {
	query := `
		SELECT case_id, conversation_id, branch_id, priority, status, reason, summary, instruction, created_at, resolved_at, resolved_by, timer_armed, grace_expires_at
		FROM hitl_cases`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListHitlCases query failed", "error", err)
		return nil, fmt.Errorf("failed to query hitl cases: %w", err)
	}
	defer rows.Close()

	var cases []models.HitlCase
	for rows.Next() {
		c, err := scanHitlCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
