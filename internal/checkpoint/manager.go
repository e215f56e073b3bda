// Package checkpoint maintains the append-only log of flow state snapshots.
//
// Every FlowState mutation appends a checkpoint; checkpoints are never
// updated in place. The log serves two purposes: operators can inspect how a
// conversation reached its current state, and a snapshot can be restored when
// a conversation got stuck or was resolved incorrectly. Retention is bounded
// per conversation by a count cap applied at append time and by an age sweep
// that evicts the whole log of conversations gone quiet past the TTL.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/BakeDesk/OrderPilot/internal/store"
	"github.com/BakeDesk/OrderPilot/internal/util"
)

// ErrNotFound indicates the requested checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Retention defaults applied when no option overrides them.
const (
	DefaultRetentionCap = 50
	DefaultRetentionTTL = 24 * time.Hour
)

// Manager appends, lists, and restores flow state checkpoints.
type Manager struct {
	store        store.Store
	retentionCap int
	retentionTTL time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetentionCap overrides how many checkpoints are kept per conversation.
func WithRetentionCap(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retentionCap = n
		}
	}
}

// WithRetentionTTL overrides how long checkpoints are kept before Sweep
// removes them.
func WithRetentionTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retentionTTL = d
		}
	}
}

// NewManager creates a checkpoint manager backed by the given store.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:        st,
		retentionCap: DefaultRetentionCap,
		retentionTTL: DefaultRetentionTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append serializes the flow state and appends it to the conversation's
// checkpoint log, then trims the log back to the retention cap. Trim failures
// are logged but do not fail the append: the snapshot itself was recorded.
func (m *Manager) Append(state *models.FlowState, trigger models.CheckpointTrigger) (*models.Checkpoint, error) {
	if state == nil {
		return nil, errors.New("cannot checkpoint a nil flow state")
	}

	snapshot, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize flow state: %w", err)
	}

	cp := models.Checkpoint{
		ID:             util.GenerateCheckpointID(),
		ConversationID: state.ConversationID,
		FlowKind:       state.FlowKind,
		Step:           state.Step,
		Snapshot:       string(snapshot),
		Trigger:        trigger,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.AddCheckpoint(cp); err != nil {
		slog.Error("CheckpointManager.Append: failed to record snapshot",
			"error", err, "conversationID", state.ConversationID)
		return nil, fmt.Errorf("failed to record checkpoint: %w", err)
	}
	slog.Debug("CheckpointManager.Append: recorded snapshot",
		"checkpointID", cp.ID, "conversationID", cp.ConversationID,
		"step", cp.Step, "trigger", cp.Trigger)

	trimmed, err := m.store.TrimCheckpoints(state.ConversationID, m.retentionCap)
	if err != nil {
		slog.Error("CheckpointManager.Append: failed to trim checkpoint log",
			"error", err, "conversationID", state.ConversationID)
	} else if trimmed > 0 {
		slog.Debug("CheckpointManager.Append: trimmed checkpoint log",
			"conversationID", state.ConversationID, "trimmed", trimmed, "cap", m.retentionCap)
	}

	return &cp, nil
}

// List returns the newest checkpoints for a conversation, most recent first.
// A limit of zero or less returns the full retained log.
func (m *Manager) List(conversationID string, limit int) ([]models.Checkpoint, error) {
	return m.store.ListCheckpoints(conversationID, limit)
}

// Latest returns the most recent checkpoint for a conversation, or nil when
// the conversation has no checkpoints.
func (m *Manager) Latest(conversationID string) (*models.Checkpoint, error) {
	cps, err := m.store.ListCheckpoints(conversationID, 1)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return &cps[0], nil
}

// Restore decodes the flow state captured by a checkpoint. The caller decides
// whether to reinstall it as the conversation's live state.
func (m *Manager) Restore(checkpointID string) (*models.FlowState, error) {
	cp, err := m.store.GetCheckpoint(checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", checkpointID, err)
	}
	if cp == nil {
		return nil, ErrNotFound
	}

	var state models.FlowState
	if err := json.Unmarshal([]byte(cp.Snapshot), &state); err != nil {
		slog.Error("CheckpointManager.Restore: corrupt snapshot",
			"error", err, "checkpointID", checkpointID)
		return nil, fmt.Errorf("failed to decode checkpoint %s snapshot: %w", checkpointID, err)
	}

	slog.Info("CheckpointManager.Restore: decoded snapshot",
		"checkpointID", checkpointID, "conversationID", state.ConversationID, "step", state.Step)
	return &state, nil
}

// Sweep evicts the checkpoint logs of conversations whose newest checkpoint
// is older than the retention TTL and returns how many checkpoints were
// removed. Eviction is per conversation: one that checkpointed recently
// keeps its full retained history, including entries past the TTL.
func (m *Manager) Sweep(now time.Time) (int, error) {
	cutoff := now.Add(-m.retentionTTL)
	removed, err := m.store.DeleteStaleCheckpointLogs(cutoff)
	if err != nil {
		slog.Error("CheckpointManager.Sweep: failed to evict stale conversation logs", "error", err)
		return 0, fmt.Errorf("failed to sweep checkpoints: %w", err)
	}
	if removed > 0 {
		slog.Info("CheckpointManager.Sweep: evicted stale conversation logs",
			"removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
