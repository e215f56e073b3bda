package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/commerce"
	"github.com/BakeDesk/OrderPilot/internal/hitl"
	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/BakeDesk/OrderPilot/internal/store"
)

// fakeClock is a mutable time source shared by a test's engine and state
// store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type availReply struct {
	res commerce.AvailabilityResult
	err error
}

type commitReply struct {
	res commerce.CommitResult
	err error
}

// fakeCommerce scripts the retail backend. Queued replies are consumed in
// order; an empty queue answers available / committed.
type fakeCommerce struct {
	mu          sync.Mutex
	availQueue  []availReply
	commitQueue []commitReply
	orders      map[string]*models.Order
	findErr     error

	availCalls  []commerce.AvailabilityRequest
	commitCalls []commerce.CommitRequest
}

func newFakeCommerce() *fakeCommerce {
	return &fakeCommerce{orders: make(map[string]*models.Order)}
}

func (f *fakeCommerce) queueAvailability(res commerce.AvailabilityResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availQueue = append(f.availQueue, availReply{res: res, err: err})
}

func (f *fakeCommerce) queueCommit(res commerce.CommitResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitQueue = append(f.commitQueue, commitReply{res: res, err: err})
}

func (f *fakeCommerce) addOrder(o *models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.Ref] = o
}

func (f *fakeCommerce) CheckAvailability(ctx context.Context, req commerce.AvailabilityRequest) (commerce.AvailabilityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availCalls = append(f.availCalls, req)
	if len(f.availQueue) > 0 {
		r := f.availQueue[0]
		f.availQueue = f.availQueue[1:]
		return r.res, r.err
	}
	return commerce.AvailabilityResult{Available: true}, nil
}

func (f *fakeCommerce) CommitChange(ctx context.Context, req commerce.CommitRequest) (commerce.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls = append(f.commitCalls, req)
	if len(f.commitQueue) > 0 {
		r := f.commitQueue[0]
		f.commitQueue = f.commitQueue[1:]
		return r.res, r.err
	}
	return commerce.CommitResult{OrderRef: "ORD-9001", Status: models.OrderStatusConfirmed}, nil
}

func (f *fakeCommerce) FindOrder(ctx context.Context, orderRef, contactValue string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	o, ok := f.orders[orderRef]
	if !ok {
		return nil, nil
	}
	if o.ContactValue != contactValue {
		return nil, models.NewFlowError(models.ErrorClassAuthorization, "contact does not own order", nil)
	}
	clone := *o
	return &clone, nil
}

func (f *fakeCommerce) availCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.availCalls)
}

func (f *fakeCommerce) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commitCalls)
}

func (f *fakeCommerce) lastCommit(t *testing.T) commerce.CommitRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commitCalls) == 0 {
		t.Fatal("no commit calls recorded")
	}
	return f.commitCalls[len(f.commitCalls)-1]
}

// fakePolicySource serves a swappable policy, letting tests change the rules
// mid-conversation.
type fakePolicySource struct {
	mu     sync.Mutex
	policy models.Policy
}

func newFakePolicySource() *fakePolicySource {
	return &fakePolicySource{policy: commerce.DefaultPolicy()}
}

func (f *fakePolicySource) GetPolicy(ctx context.Context, branchID string) (models.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy, nil
}

func (f *fakePolicySource) disallow(kinds ...models.FlowKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy.DisallowedFlows = append(f.policy.DisallowedFlows, kinds...)
}

// fakeEscalator records HITL escalations and hands back sequential case IDs.
type fakeEscalator struct {
	mu   sync.Mutex
	reqs []hitl.EscalateRequest
	err  error
}

func (f *fakeEscalator) Escalate(req hitl.EscalateRequest) (*models.HitlCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &models.HitlCase{
		CaseID:         fmt.Sprintf("case_%d", len(f.reqs)),
		ConversationID: req.ConversationID,
		BranchID:       req.BranchID,
		Reason:         req.Reason,
		Priority:       req.Priority,
		Status:         models.HitlStatusPending,
	}, nil
}

func (f *fakeEscalator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeEscalator) last(t *testing.T) hitl.EscalateRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("no escalations recorded")
	}
	return f.reqs[len(f.reqs)-1]
}

const (
	testConversation = "conv_mx_1"
	testContact      = "+5215512345678"
)

func testSnapshot() models.ContextSnapshot {
	return models.ContextSnapshot{
		Products: []models.Product{
			{ID: "prod_rosca", Name: "Rosca de Reyes", UnitPrice: 450},
			{ID: "prod_pastel", Name: "Pastel Tres Leches", UnitPrice: 520},
		},
		Branches: []models.Branch{
			{ID: "br_centro", Name: "Centro"},
			{ID: "br_polanco", Name: "Polanco"},
		},
		DeliveryDates: []string{"2026-01-05", "2026-01-06"},
	}
}

func turn(text string) models.TurnInput {
	return models.TurnInput{
		ConversationID: testConversation,
		Contact:        testContact,
		Text:           text,
		Snapshot:       testSnapshot(),
	}
}

// testTurnContext builds a machine-level context outside the engine.
func testTurnContext(text string, fc *fakeCommerce) *TurnContext {
	trimmed := strings.TrimSpace(text)
	return &TurnContext{
		Input:    turn(text),
		Text:     trimmed,
		Folded:   Fold(trimmed),
		Now:      time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC),
		Commerce: fc,
		Policies: commerce.StaticPolicySource{Policy: commerce.DefaultPolicy()},
	}
}

// testEngine wires an engine on the in-memory store with scripted fakes.
func testEngine(t *testing.T, opts ...EngineOption) (*Engine, *fakeCommerce, *fakeEscalator, *fakeClock) {
	t.Helper()
	fc := newFakeCommerce()
	fe := &fakeEscalator{}
	clock := newFakeClock()
	all := append([]EngineOption{WithEscalator(fe), WithEngineClock(clock.Now)}, opts...)
	eng := NewEngine(store.NewInMemoryStore(), fc, nil, all...)
	return eng, fc, fe, clock
}

// sendTurn drives one engine turn and fails the test on error.
func sendTurn(t *testing.T, eng *Engine, text string) *models.TurnResult {
	t.Helper()
	res, err := eng.HandleTurn(context.Background(), turn(text))
	if err != nil {
		t.Fatalf("HandleTurn(%q) error: %v", text, err)
	}
	return res
}

// wantMessageContaining asserts some outbound message contains the substring.
func wantMessageContaining(t *testing.T, res *models.TurnResult, substr string) {
	t.Helper()
	for _, m := range res.Messages {
		if strings.Contains(m.Content, substr) {
			return
		}
	}
	t.Fatalf("no message contains %q; got %v", substr, messageContents(res))
}

func messageContents(res *models.TurnResult) []string {
	out := make([]string, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, m.Content)
	}
	return out
}
