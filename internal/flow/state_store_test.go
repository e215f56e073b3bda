package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/BakeDesk/OrderPilot/internal/store"
)

func flowStateFixture(conversationID string) *models.FlowState {
	draft := models.NewDraft(models.FlowKindOrderCreate)
	draft.Create.ProductID = "prod_rosca"
	draft.Create.ProductName = "Rosca de Reyes"
	return &models.FlowState{
		ConversationID: conversationID,
		FlowKind:       models.FlowKindOrderCreate,
		Step:           models.StepCreateBranch,
		Draft:          draft,
	}
}

func TestStateStoreSetStampsAndClones(t *testing.T) {
	clock := newFakeClock()
	durable := store.NewInMemoryStore()
	defer durable.Close()
	ss := NewStateStore(durable, WithStateClock(clock.Now))
	ctx := context.Background()

	saved := ss.Set(ctx, flowStateFixture("conv1"))
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Fatal("Set should stamp CreatedAt and UpdatedAt")
	}
	if want := clock.Now().Add(DefaultFlowTTL); !saved.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v; want %v", saved.ExpiresAt, want)
	}

	// Mutating the returned clone must not touch the stored state.
	saved.Draft.Create.ProductName = "changed"
	got := ss.Get(ctx, "conv1")
	if got.Draft.Create.ProductName != "Rosca de Reyes" {
		t.Errorf("stored state mutated through returned clone: %q", got.Draft.Create.ProductName)
	}
}

func TestStateStoreGetMissReturnsNil(t *testing.T) {
	durable := store.NewInMemoryStore()
	defer durable.Close()
	ss := NewStateStore(durable)

	if got := ss.Get(context.Background(), "missing"); got != nil {
		t.Errorf("Get(missing) = %v; want nil", got)
	}
}

func TestStateStoreWriteThroughToDurable(t *testing.T) {
	durable := store.NewInMemoryStore()
	defer durable.Close()
	ss := NewStateStore(durable)
	ctx := context.Background()

	ss.Set(ctx, flowStateFixture("conv1"))

	persisted, err := durable.GetFlowState("conv1")
	if err != nil {
		t.Fatalf("durable GetFlowState failed: %v", err)
	}
	if persisted == nil {
		t.Fatal("Set did not replicate to the durable store")
	}
	if persisted.Step != models.StepCreateBranch {
		t.Errorf("persisted step = %s; want %s", persisted.Step, models.StepCreateBranch)
	}
}

func TestStateStoreHydratesFromDurable(t *testing.T) {
	clock := newFakeClock()
	durable := store.NewInMemoryStore()
	defer durable.Close()

	seed := flowStateFixture("conv1")
	seed.ExpiresAt = clock.Now().Add(30 * time.Minute)
	if err := durable.SaveFlowState(*seed); err != nil {
		t.Fatalf("SaveFlowState failed: %v", err)
	}

	// A fresh store simulates a restarted process.
	ss := NewStateStore(durable, WithStateClock(clock.Now))
	got := ss.Get(context.Background(), "conv1")
	if got == nil {
		t.Fatal("Get after restart should hydrate from the durable store")
	}
	if got.Step != models.StepCreateBranch {
		t.Errorf("hydrated step = %s; want %s", got.Step, models.StepCreateBranch)
	}
}

func TestStateStoreHydratesFromCacheFirst(t *testing.T) {
	clock := newFakeClock()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	defer server.Close()

	ctx := context.Background()
	cache, err := store.NewRedisFlowCache(ctx, store.WithRedisAddr(server.Addr()))
	if err != nil {
		t.Fatalf("NewRedisFlowCache failed: %v", err)
	}
	defer cache.Close()

	seed := flowStateFixture("conv1")
	seed.Step = models.StepCreateDate
	seed.ExpiresAt = clock.Now().Add(30 * time.Minute)
	if err := cache.PutFlowState(ctx, *seed); err != nil {
		t.Fatalf("PutFlowState failed: %v", err)
	}

	durable := store.NewInMemoryStore()
	defer durable.Close()
	ss := NewStateStore(durable, WithStateClock(clock.Now), WithFlowCache(cache))

	got := ss.Get(ctx, "conv1")
	if got == nil {
		t.Fatal("Get should hydrate from the Redis cache")
	}
	if got.Step != models.StepCreateDate {
		t.Errorf("hydrated step = %s; want %s", got.Step, models.StepCreateDate)
	}
}

func TestStateStoreWriteThroughToCache(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	defer server.Close()

	ctx := context.Background()
	cache, err := store.NewRedisFlowCache(ctx, store.WithRedisAddr(server.Addr()))
	if err != nil {
		t.Fatalf("NewRedisFlowCache failed: %v", err)
	}
	defer cache.Close()

	durable := store.NewInMemoryStore()
	defer durable.Close()
	ss := NewStateStore(durable, WithFlowCache(cache))

	ss.Set(ctx, flowStateFixture("conv1"))

	cached, err := cache.GetFlowState(ctx, "conv1")
	if err != nil {
		t.Fatalf("cache GetFlowState failed: %v", err)
	}
	if cached == nil {
		t.Fatal("Set did not replicate to the cache")
	}
}

func TestStateStoreExpiryEvictsAndFiresHandler(t *testing.T) {
	clock := newFakeClock()
	durable := store.NewInMemoryStore()
	defer durable.Close()

	var mu sync.Mutex
	var expired []*models.FlowState
	ss := NewStateStore(durable,
		WithStateClock(clock.Now),
		WithFlowTTL(time.Hour),
		WithExpiryHandler(func(ctx context.Context, st *models.FlowState) {
			mu.Lock()
			defer mu.Unlock()
			expired = append(expired, st)
		}),
	)
	ctx := context.Background()

	ss.Set(ctx, flowStateFixture("conv1"))
	clock.Advance(2 * time.Hour)

	if got := ss.Get(ctx, "conv1"); got != nil {
		t.Fatalf("Get after TTL = %v; want nil", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 {
		t.Fatalf("expiry handler fired %d times; want 1", len(expired))
	}
	if expired[0].ConversationID != "conv1" {
		t.Errorf("expired conversation = %s; want conv1", expired[0].ConversationID)
	}

	// The durable replica must be gone too, or a restart would resurrect
	// the expired flow.
	persisted, err := durable.GetFlowState("conv1")
	if err != nil {
		t.Fatalf("durable GetFlowState failed: %v", err)
	}
	if persisted != nil {
		t.Error("expired flow still present in the durable store")
	}
}

func TestStateStoreSetRefreshesTTL(t *testing.T) {
	clock := newFakeClock()
	durable := store.NewInMemoryStore()
	defer durable.Close()
	ss := NewStateStore(durable, WithStateClock(clock.Now), WithFlowTTL(time.Hour))
	ctx := context.Background()

	ss.Set(ctx, flowStateFixture("conv1"))
	clock.Advance(50 * time.Minute)

	// Activity within the window pushes the deadline out.
	st := ss.Get(ctx, "conv1")
	if st == nil {
		t.Fatal("state expired too early")
	}
	ss.Set(ctx, st)
	clock.Advance(50 * time.Minute)

	if got := ss.Get(ctx, "conv1"); got == nil {
		t.Fatal("Set should have refreshed the inactivity deadline")
	}
}

func TestStateStoreUpdateDraft(t *testing.T) {
	durable := store.NewInMemoryStore()
	defer durable.Close()
	ss := NewStateStore(durable)
	ctx := context.Background()

	ss.Set(ctx, flowStateFixture("conv1"))

	patch := models.Draft{Create: &models.OrderCreateDraft{BranchID: "br_centro", BranchName: "Centro"}}
	got, err := ss.UpdateDraft(ctx, "conv1", patch)
	if err != nil {
		t.Fatalf("UpdateDraft failed: %v", err)
	}
	if got.Draft.Create.BranchID != "br_centro" {
		t.Errorf("BranchID = %q; want br_centro", got.Draft.Create.BranchID)
	}
	if got.Draft.Create.ProductName != "Rosca de Reyes" {
		t.Errorf("merge dropped ProductName: %q", got.Draft.Create.ProductName)
	}
}

func TestStateStoreUpdateDraftNoActiveFlow(t *testing.T) {
	durable := store.NewInMemoryStore()
	defer durable.Close()
	ss := NewStateStore(durable)

	_, err := ss.UpdateDraft(context.Background(), "missing", models.Draft{})
	if err != ErrNoActiveFlow {
		t.Errorf("UpdateDraft error = %v; want %v", err, ErrNoActiveFlow)
	}
}

func TestStateStoreSweepExpired(t *testing.T) {
	clock := newFakeClock()
	durable := store.NewInMemoryStore()
	defer durable.Close()

	var mu sync.Mutex
	fired := 0
	ss := NewStateStore(durable,
		WithStateClock(clock.Now),
		WithFlowTTL(time.Hour),
		WithExpiryHandler(func(ctx context.Context, st *models.FlowState) {
			mu.Lock()
			defer mu.Unlock()
			fired++
		}),
	)
	ctx := context.Background()

	ss.Set(ctx, flowStateFixture("conv_old"))
	clock.Advance(2 * time.Hour)
	ss.Set(ctx, flowStateFixture("conv_fresh"))

	if removed := ss.SweepExpired(ctx); removed != 1 {
		t.Errorf("SweepExpired removed %d; want 1", removed)
	}
	mu.Lock()
	if fired != 1 {
		t.Errorf("expiry handler fired %d times; want 1", fired)
	}
	mu.Unlock()

	if got := ss.Get(ctx, "conv_fresh"); got == nil {
		t.Error("sweep evicted a live flow")
	}
	if got := len(ss.ListActive()); got != 1 {
		t.Errorf("ListActive returned %d states; want 1", got)
	}
}
