package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/BakeDesk/OrderPilot/internal/store"
)

// ErrNoActiveFlow indicates the conversation has no live flow state.
var ErrNoActiveFlow = errors.New("no active flow for conversation")

// DefaultFlowTTL bounds how long an inactive flow survives. Every Set
// refreshes the deadline, so the TTL measures inactivity, not flow age.
const DefaultFlowTTL = time.Hour

// StateStore is the authoritative registry of live flow states. Memory is
// the source of truth for a running process; every write is replicated
// best-effort to the durable store (and the optional Redis cache) so a
// restarted process can hydrate a conversation on first touch. Replication
// failures are logged and never fail the customer's turn.
type StateStore struct {
	mu     sync.Mutex
	states map[string]*models.FlowState

	durable  store.Store
	cache    *store.RedisFlowCache
	ttl      time.Duration
	clock    func() time.Time
	onExpire func(context.Context, *models.FlowState)
}

// StateStoreOption configures a StateStore.
type StateStoreOption func(*StateStore)

// WithFlowTTL overrides the inactivity TTL applied on every Set.
func WithFlowTTL(d time.Duration) StateStoreOption {
	return func(s *StateStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithFlowCache adds a Redis cache consulted before the durable store when
// hydrating a conversation.
func WithFlowCache(c *store.RedisFlowCache) StateStoreOption {
	return func(s *StateStore) { s.cache = c }
}

// WithStateClock injects the time source. Tests use it to force expiry.
func WithStateClock(clock func() time.Time) StateStoreOption {
	return func(s *StateStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithExpiryHandler registers a callback invoked with each state evicted for
// TTL expiry, before the eviction is reported to the caller. The engine uses
// it to checkpoint the final snapshot with the timeout trigger.
func WithExpiryHandler(fn func(context.Context, *models.FlowState)) StateStoreOption {
	return func(s *StateStore) { s.onExpire = fn }
}

// NewStateStore creates the flow state registry on top of a durable store.
func NewStateStore(durable store.Store, opts ...StateStoreOption) *StateStore {
	s := &StateStore{
		states:  make(map[string]*models.FlowState),
		durable: durable,
		ttl:     DefaultFlowTTL,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a clone of the conversation's live flow state, or nil when
// none exists. An expired state found on the way is evicted first; a memory
// miss falls through to the cache and then the durable store.
func (s *StateStore) Get(ctx context.Context, conversationID string) *models.FlowState {
	now := s.clock()

	s.mu.Lock()
	if st, ok := s.states[conversationID]; ok {
		if !st.Expired(now) {
			out := st.Clone()
			s.mu.Unlock()
			return out
		}
		delete(s.states, conversationID)
		expired := st
		s.mu.Unlock()
		s.dropReplicas(ctx, conversationID)
		s.fireExpiry(ctx, expired)
		return nil
	}
	s.mu.Unlock()

	st := s.hydrate(ctx, conversationID)
	if st == nil {
		return nil
	}
	if st.Expired(now) {
		s.dropReplicas(ctx, conversationID)
		s.fireExpiry(ctx, st)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.states[conversationID]; ok {
		// Another goroutine installed a state while we were hydrating.
		return existing.Clone()
	}
	s.states[conversationID] = st
	slog.Debug("StateStore.Get: hydrated flow state",
		"conversationID", conversationID, "flowKind", st.FlowKind, "step", st.Step)
	return st.Clone()
}

// Set installs the state as the conversation's live flow, refreshing its
// inactivity deadline, and replicates it best-effort. Returns the stamped
// state.
func (s *StateStore) Set(ctx context.Context, state *models.FlowState) *models.FlowState {
	now := s.clock()
	st := state.Clone()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	st.ExpiresAt = now.Add(s.ttl)

	s.mu.Lock()
	s.states[st.ConversationID] = st
	s.mu.Unlock()

	if err := s.durable.SaveFlowState(*st); err != nil {
		slog.Error("StateStore.Set: durable replication failed",
			"error", err, "conversationID", st.ConversationID)
	}
	if s.cache != nil {
		if err := s.cache.PutFlowState(ctx, *st); err != nil {
			slog.Warn("StateStore.Set: cache replication failed",
				"error", err, "conversationID", st.ConversationID)
		}
	}
	return st.Clone()
}

// Clear removes the conversation's flow state everywhere.
func (s *StateStore) Clear(ctx context.Context, conversationID string) {
	s.mu.Lock()
	delete(s.states, conversationID)
	s.mu.Unlock()
	s.dropReplicas(ctx, conversationID)
	slog.Debug("StateStore.Clear: flow state cleared", "conversationID", conversationID)
}

// UpdateDraft deep-merges the patch into the live state's draft, leaving
// every other field as Set stamps it. Non-zero patch fields win.
func (s *StateStore) UpdateDraft(ctx context.Context, conversationID string, patch models.Draft) (*models.FlowState, error) {
	st := s.Get(ctx, conversationID)
	if st == nil {
		return nil, ErrNoActiveFlow
	}
	st.Draft.Merge(patch)
	return s.Set(ctx, st), nil
}

// ListActive returns clones of all live, unexpired flow states.
func (s *StateStore) ListActive() []models.FlowState {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.FlowState, 0, len(s.states))
	for _, st := range s.states {
		if st.Expired(now) {
			continue
		}
		out = append(out, *st.Clone())
	}
	return out
}

// SweepExpired evicts every expired state, fires the expiry handler for
// each, and returns how many were removed. Run on a schedule so abandoned
// conversations do not linger until their next message.
func (s *StateStore) SweepExpired(ctx context.Context) int {
	now := s.clock()

	s.mu.Lock()
	var expired []*models.FlowState
	for id, st := range s.states {
		if st.Expired(now) {
			expired = append(expired, st)
			delete(s.states, id)
		}
	}
	s.mu.Unlock()

	for _, st := range expired {
		s.dropReplicas(ctx, st.ConversationID)
		s.fireExpiry(ctx, st)
	}
	if len(expired) > 0 {
		slog.Info("StateStore.SweepExpired: evicted expired flows", "count", len(expired))
	}
	return len(expired)
}

func (s *StateStore) hydrate(ctx context.Context, conversationID string) *models.FlowState {
	if s.cache != nil {
		st, err := s.cache.GetFlowState(ctx, conversationID)
		if err != nil {
			slog.Warn("StateStore.hydrate: cache lookup failed",
				"error", err, "conversationID", conversationID)
		} else if st != nil {
			return st
		}
	}
	st, err := s.durable.GetFlowState(conversationID)
	if err != nil {
		slog.Error("StateStore.hydrate: durable lookup failed",
			"error", err, "conversationID", conversationID)
		return nil
	}
	return st
}

func (s *StateStore) dropReplicas(ctx context.Context, conversationID string) {
	if err := s.durable.DeleteFlowState(conversationID); err != nil {
		slog.Warn("StateStore.dropReplicas: durable delete failed",
			"error", err, "conversationID", conversationID)
	}
	if s.cache != nil {
		if err := s.cache.DeleteFlowState(ctx, conversationID); err != nil {
			slog.Warn("StateStore.dropReplicas: cache delete failed",
				"error", err, "conversationID", conversationID)
		}
	}
}

func (s *StateStore) fireExpiry(ctx context.Context, st *models.FlowState) {
	slog.Info("StateStore: flow state expired",
		"conversationID", st.ConversationID, "flowKind", st.FlowKind, "step", st.Step)
	if s.onExpire != nil {
		s.onExpire(ctx, st)
	}
}
