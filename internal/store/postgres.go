// Package store provides storage backends for OrderPilot.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BakeDesk/OrderPilot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(`INSERT INTO receipts (recipient, status, time) VALUES ($1, $2, $3)`, r.To, r.Status, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

func (s *PostgresStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts`)
	if err != nil {
		slog.Error("PostgresStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			slog.Error("PostgresStore GetReceipts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

func (s *PostgresStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(`INSERT INTO responses (sender, body, time) VALUES ($1, $2, $3)`, r.From, r.Body, r.Time)
	if err != nil {
		slog.Error("PostgresStore AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *PostgresStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, time FROM responses`)
	if err != nil {
		slog.Error("PostgresStore GetResponses query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.From, &r.Body, &r.Time); err != nil {
			slog.Error("PostgresStore GetResponses scan failed", "error", err)
			return nil, err
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// SaveFlowState stores or replaces the flow state for a conversation.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	stateJSON, err := marshalFlowState(state)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState marshal failed", "error", err, "conversationID", state.ConversationID)
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO flow_states (conversation_id, flow_kind, step, state_json, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id) DO UPDATE SET
			flow_kind = EXCLUDED.flow_kind,
			step = EXCLUDED.step,
			state_json = EXCLUDED.state_json,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`,
		state.ConversationID, state.FlowKind, state.Step, stateJSON,
		state.CreatedAt, state.UpdatedAt, state.ExpiresAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "conversationID", state.ConversationID, "flowKind", state.FlowKind)
		return fmt.Errorf("failed to save flow state for %s: %w", state.ConversationID, err)
	}
	slog.Debug("PostgresStore SaveFlowState succeeded", "conversationID", state.ConversationID, "flowKind", state.FlowKind, "step", state.Step)
	return nil
}

// GetFlowState retrieves the flow state for a conversation. Returns nil, nil
// when no state exists.
func (s *PostgresStore) GetFlowState(conversationID string) (*models.FlowState, error) {
	var stateJSON string
	err := s.db.QueryRow(`SELECT state_json FROM flow_states WHERE conversation_id = $1`, conversationID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to get flow state for %s: %w", conversationID, err)
	}
	return unmarshalFlowState(stateJSON)
}

// DeleteFlowState removes the flow state for a conversation.
func (s *PostgresStore) DeleteFlowState(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE conversation_id = $1`, conversationID)
	if err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete flow state for %s: %w", conversationID, err)
	}
	return nil
}

// ListFlowStates returns all persisted flow states.
func (s *PostgresStore) ListFlowStates() ([]models.FlowState, error) {
	rows, err := s.db.Query(`SELECT conversation_id, flow_kind, step, state_json FROM flow_states`)
	if err != nil {
		slog.Error("PostgresStore ListFlowStates query failed", "error", err)
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
func (s *PostgresStore) AddCheckpoint(cp models.Checkpoint) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (id, conversation_id, flow_kind, step, snapshot, trigger_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.ID, cp.ConversationID, cp.FlowKind, cp.Step, cp.Snapshot, cp.Trigger, cp.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddCheckpoint failed", "error", err, "conversationID", cp.ConversationID)
		return fmt.Errorf("failed to insert checkpoint for %s: %w", cp.ConversationID, err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint by ID. Returns nil, nil when absent.
func (s *PostgresStore) GetCheckpoint(id string) (*models.Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, flow_kind, step, snapshot, trigger_kind, created_at
		FROM checkpoints WHERE id = $1`, id)
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
func (s *PostgresStore) ListCheckpoints(conversationID string, limit int) ([]models.Checkpoint, error) {
	query := `
		SELECT id, conversation_id, flow_kind, step, snapshot, trigger_kind, created_at
		FROM checkpoints WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListCheckpoints query failed", "error", err, "conversationID", conversationID)
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
func (s *PostgresStore) TrimCheckpoints(conversationID string, keep int) (int, error) {
	result, err := s.db.Exec(`
		DELETE FROM checkpoints WHERE conversation_id = $1 AND id NOT IN (
			SELECT id FROM checkpoints WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		)`, conversationID, keep)
	if err != nil {
		slog.Error("PostgresStore TrimCheckpoints failed", "error", err, "conversationID", conversationID)
		return 0, fmt.Errorf("failed to trim checkpoints for %s: %w", conversationID, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// DeleteStaleCheckpointLogs removes every checkpoint of conversations whose
// newest checkpoint is older than cutoff, returning how many were deleted.
// A conversation with any fresh checkpoint keeps its full retained log.
func (s *PostgresStore) DeleteStaleCheckpointLogs(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`
		DELETE FROM checkpoints WHERE conversation_id IN (
			SELECT conversation_id FROM checkpoints
			GROUP BY conversation_id HAVING MAX(created_at) < $1
		)`, cutoff)
	if err != nil {
		slog.Error("PostgresStore DeleteStaleCheckpointLogs failed", "error", err)
		return 0, fmt.Errorf("failed to delete stale checkpoint logs: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore DeleteStaleCheckpointLogs removed stale conversation logs", "count", n)
	}
	return int(n), nil
}

// SaveHitlCase inserts or updates an escalation case by case ID.
func (s *PostgresStore) SaveHitlCase(c models.HitlCase) error {
	var resolvedAt, graceExpiresAt interface{}
	if c.ResolvedAt != nil {
		resolvedAt = *c.ResolvedAt
	}
	if c.GraceExpiresAt != nil {
		graceExpiresAt = *c.GraceExpiresAt
	}
	_, err := s.db.Exec(`
		INSERT INTO hitl_cases (case_id, conversation_id, branch_id, priority, status, reason, summary, instruction, created_at, resolved_at, resolved_by, timer_armed, grace_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (case_id) DO UPDATE SET
			status = EXCLUDED.status,
			summary = EXCLUDED.summary,
			instruction = EXCLUDED.instruction,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by,
			timer_armed = EXCLUDED.timer_armed,
			grace_expires_at = EXCLUDED.grace_expires_at`,
		c.CaseID, nilIfEmpty(c.ConversationID), nilIfEmpty(c.BranchID), c.Priority, c.Status, c.Reason,
		nilIfEmpty(c.Summary), nilIfEmpty(c.Instruction), c.CreatedAt, resolvedAt, nilIfEmpty(c.ResolvedBy), c.TimerArmed, graceExpiresAt)
	if err != nil {
		slog.Error("PostgresStore SaveHitlCase failed", "error", err, "caseID", c.CaseID)
		return fmt.Errorf("failed to save hitl case %s: %w", c.CaseID, err)
	}
	slog.Debug("PostgresStore SaveHitlCase succeeded", "caseID", c.CaseID, "status", c.Status)
	return nil
}

// GetHitlCase retrieves an escalation case by ID. Returns nil, nil when absent.
func (s *PostgresStore) GetHitlCase(caseID string) (*models.HitlCase, error) {
	rows, err := s.db.Query(`
		SELECT case_id, conversation_id, branch_id, priority, status, reason, summary, instruction, created_at, resolved_at, resolved_by, timer_armed, grace_expires_at
		FROM hitl_cases WHERE case_id = $1`, caseID)
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
func (s *PostgresStore) ListHitlCases(status models.HitlStatus) ([]models.HitlCase, error) {
	query := `
		SELECT case_id, conversation_id, branch_id, priority, status, reason, summary, instruction, created_at, resolved_at, resolved_by, timer_armed, grace_expires_at
		FROM hitl_cases`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListHitlCases query failed", "error", err)
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
