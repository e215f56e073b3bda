// Package store provides storage backends for OrderPilot.
//
// This file implements the in-memory store used by tests and ephemeral runs.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/BakeDesk/OrderPilot/internal/util"
)

// InMemoryStore keeps everything in process memory behind one mutex. It
// implements the same Store, DedupRepo, and OutboxRepo interfaces as the SQL
// backends so callers never branch on backend type.
type InMemoryStore struct {
	mu          sync.RWMutex
	receipts    []models.Receipt
	responses   []models.Response
	flowStates  map[string]models.FlowState
	checkpoints []models.Checkpoint
	hitlCases   map[string]models.HitlCase
	dedup       map[string]DedupRecord
	outbox      map[string]*OutboxMessage
}

var (
	_ Store      = (*InMemoryStore)(nil)
	_ DedupRepo  = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flowStates: make(map[string]models.FlowState),
		hitlCases:  make(map[string]models.HitlCase),
		dedup:      make(map[string]DedupRecord),
		outbox:     make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Response, len(s.responses))
	copy(out, s.responses)
	return out, nil
}

// SaveFlowState stores or replaces the flow state for a conversation.
func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flowStates[state.ConversationID] = *state.Clone()
	return nil
}

// GetFlowState retrieves the flow state for a conversation. Returns nil, nil
// when no state exists.
func (s *InMemoryStore) GetFlowState(conversationID string) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.flowStates[conversationID]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

// DeleteFlowState removes the flow state for a conversation.
func (s *InMemoryStore) DeleteFlowState(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, conversationID)
	return nil
}

// ListFlowStates returns all persisted flow states.
func (s *InMemoryStore) ListFlowStates() ([]models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FlowState, 0, len(s.flowStates))
	for _, state := range s.flowStates {
		out = append(out, *state.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

// AddCheckpoint appends a checkpoint. Checkpoints are never updated.
func (s *InMemoryStore) AddCheckpoint(cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

// GetCheckpoint retrieves a checkpoint by ID. Returns nil, nil when absent.
func (s *InMemoryStore) GetCheckpoint(id string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.checkpoints {
		if s.checkpoints[i].ID == id {
			cp := s.checkpoints[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// ListCheckpoints returns the most recent checkpoints for a conversation,
// newest first, up to limit (0 means no limit).
func (s *InMemoryStore) ListCheckpoints(conversationID string, limit int) ([]models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cps []models.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.ConversationID == conversationID {
			cps = append(cps, cp)
		}
	}
	sort.SliceStable(cps, func(i, j int) bool { return cps[i].CreatedAt.After(cps[j].CreatedAt) })
	if limit > 0 && len(cps) > limit {
		cps = cps[:limit]
	}
	return cps, nil
}

// TrimCheckpoints removes all but the newest keep checkpoints for a
// conversation and returns how many were deleted.
func (s *InMemoryStore) TrimCheckpoints(conversationID string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mine []int
	for i, cp := range s.checkpoints {
		if cp.ConversationID == conversationID {
			mine = append(mine, i)
		}
	}
	if len(mine) <= keep {
		return 0, nil
	}

	// Indexes of the newest keep checkpoints for this conversation.
	sort.SliceStable(mine, func(a, b int) bool {
		return s.checkpoints[mine[a]].CreatedAt.After(s.checkpoints[mine[b]].CreatedAt)
	})
	drop := make(map[int]bool, len(mine)-keep)
	for _, idx := range mine[keep:] {
		drop[idx] = true
	}

	kept := s.checkpoints[:0]
	for i := range s.checkpoints {
		if !drop[i] {
			kept = append(kept, s.checkpoints[i])
		}
	}
	removed := len(s.checkpoints) - len(kept)
	s.checkpoints = kept
	return removed, nil
}

// DeleteStaleCheckpointLogs removes every checkpoint of conversations whose
// newest checkpoint is older than cutoff, returning how many were deleted.
// A conversation with any fresh checkpoint keeps its full retained log.
func (s *InMemoryStore) DeleteStaleCheckpointLogs(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newest := make(map[string]time.Time)
	for i := range s.checkpoints {
		cp := &s.checkpoints[i]
		if cp.CreatedAt.After(newest[cp.ConversationID]) {
			newest[cp.ConversationID] = cp.CreatedAt
		}
	}

	kept := s.checkpoints[:0]
	for i := range s.checkpoints {
		if !newest[s.checkpoints[i].ConversationID].Before(cutoff) {
			kept = append(kept, s.checkpoints[i])
		}
	}
	removed := len(s.checkpoints) - len(kept)
	s.checkpoints = kept
	return removed, nil
}

// SaveHitlCase inserts or updates an escalation case by case ID.
func (s *InMemoryStore) SaveHitlCase(c models.HitlCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hitlCases[c.CaseID] = c
	return nil
}

// GetHitlCase retrieves an escalation case by ID. Returns nil, nil when absent.
func (s *InMemoryStore) GetHitlCase(caseID string) (*models.HitlCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.hitlCases[caseID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// ListHitlCases returns cases filtered by status; an empty status returns all.
func (s *InMemoryStore) ListHitlCases(status models.HitlStatus) ([]models.HitlCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cases []models.HitlCase
	for _, c := range s.hitlCases {
		if status == "" || c.Status == status {
			cases = append(cases, c)
		}
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].CreatedAt.Before(cases[j].CreatedAt) })
	return cases, nil
}

// Close releases nothing; it exists to satisfy Store.
func (s *InMemoryStore) Close() error {
	return nil
}

// IsDuplicate checks if a message ID has already been recorded.
func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

// RecordInbound inserts a new inbound message record. Returns false if the
// message was already recorded.
func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{
		MessageID:      messageID,
		ConversationID: conversationID,
		ReceivedAt:     time.Now(),
	}
	return true, nil
}

// MarkProcessed sets the processed_at timestamp for a message.
func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

// EnqueueOutboxMessage inserts a new outbox message, honoring dedupe keys.
func (s *InMemoryStore) EnqueueOutboxMessage(conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}

	id := util.GenerateRandomID("outbox_", 32)
	now := time.Now()
	s.outbox[id] = &OutboxMessage{
		ID:             id,
		ConversationID: conversationID,
		Kind:           kind,
		PayloadJSON:    payloadJSON,
		Status:         OutboxStatusQueued,
		DedupeKey:      dedupeKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return id, nil
}

// ClaimDueOutboxMessages marks up to limit due queued messages as sending and
// returns them oldest first.
func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status != OutboxStatusQueued {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		m.Status = OutboxStatusSending
		lockTime := now
		m.LockedAt = &lockTime
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

// MarkOutboxMessageSent marks a message as successfully sent.
func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.UpdatedAt = time.Now()
	}
	return nil
}

// FailOutboxMessage records a send failure and schedules a retry.
func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &nextAttemptAt
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

// RequeueStaleSendingMessages resets messages stuck in sending back to queued.
func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}
