package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BakeDesk/OrderPilot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalFlowState serializes the complete flow state for the state_json
// column. The flow_kind and step columns are denormalized copies for
// inspection queries; state_json is the source of truth on read.
func marshalFlowState(state models.FlowState) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal flow state for %s: %w", state.ConversationID, err)
	}
	return string(data), nil
}

func unmarshalFlowState(stateJSON string) (*models.FlowState, error) {
	var state models.FlowState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("unmarshal flow state: %w", err)
	}
	return &state, nil
}

// scanFlowState scans a flow state row: the denormalized columns are skipped
// in favor of the serialized payload.
func scanFlowState(rows *sql.Rows) (*models.FlowState, error) {
	var conversationID, flowKind, step, stateJSON string
	if err := rows.Scan(&conversationID, &flowKind, &step, &stateJSON); err != nil {
		return nil, fmt.Errorf("scan flow state failed: %w", err)
	}
	return unmarshalFlowState(stateJSON)
}

// scanCheckpoint scans a Checkpoint from sql.Rows.
func scanCheckpoint(rows *sql.Rows) (models.Checkpoint, error) {
	var cp models.Checkpoint
	err := rows.Scan(&cp.ID, &cp.ConversationID, &cp.FlowKind, &cp.Step, &cp.Snapshot, &cp.Trigger, &cp.CreatedAt)
	if err != nil {
		return cp, fmt.Errorf("scan checkpoint failed: %w", err)
	}
	return cp, nil
}

// scanHitlCase scans a HitlCase from sql.Rows, handling nullable columns.
func scanHitlCase(rows *sql.Rows) (models.HitlCase, error) {
	var c models.HitlCase
	var conversationID, branchID, summary, instruction, resolvedBy sql.NullString
	var resolvedAt, graceExpiresAt sql.NullTime
	err := rows.Scan(
		&c.CaseID, &conversationID, &branchID, &c.Priority, &c.Status, &c.Reason,
		&summary, &instruction, &c.CreatedAt, &resolvedAt, &resolvedBy, &c.TimerArmed, &graceExpiresAt,
	)
	if err != nil {
		return c, fmt.Errorf("scan hitl case failed: %w", err)
	}
	c.ConversationID = conversationID.String
	c.BranchID = branchID.String
	c.Summary = summary.String
	c.Instruction = instruction.String
	c.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	if graceExpiresAt.Valid {
		t := graceExpiresAt.Time
		c.GraceExpiresAt = &t
	}
	return c, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.ConversationID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
