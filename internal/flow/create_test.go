package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/commerce"
	"github.com/BakeDesk/OrderPilot/internal/hitl"
	"github.com/BakeDesk/OrderPilot/internal/models"
)

func advanceCreate(t *testing.T, tc *TurnContext, st *models.FlowState) *Transition {
	t.Helper()
	m := &CreateMachine{}
	tr, err := m.Advance(context.Background(), tc, st)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	return tr
}

func newCreateState(step models.Step) *models.FlowState {
	return &models.FlowState{
		ConversationID: testConversation,
		FlowKind:       models.FlowKindOrderCreate,
		Step:           step,
		Draft:          models.NewDraft(models.FlowKindOrderCreate),
	}
}

// readyCreateState is a draft with every answer collected, parked one hop
// before staging.
func readyCreateState() *models.FlowState {
	st := newCreateState(models.StepCreateConfirm)
	d := st.Draft.Create
	d.ProductID = "prod_rosca"
	d.ProductName = "Rosca de Reyes"
	d.BranchID = "br_polanco"
	d.BranchName = "Polanco"
	d.DeliveryDate = "2026-01-06"
	d.Quantity = 2
	d.Items = []models.OrderItem{{ProductID: "prod_rosca", Name: "Rosca de Reyes", Quantity: 2, UnitPrice: 450}}
	return st
}

// stageCreate drives the no-input confirm hop that stages the pending commit.
func stageCreate(t *testing.T, fc *fakeCommerce) *models.FlowState {
	t.Helper()
	tc := testTurnContext("", fc)
	tr := advanceCreate(t, tc, readyCreateState())
	if tr.State.PendingCommit == nil {
		t.Fatal("staging hop did not set a pending commit")
	}
	return tr.State
}

func TestCreateProductPickByNumber(t *testing.T) {
	tc := testTurnContext("1", newFakeCommerce())
	tr := advanceCreate(t, tc, newCreateState(models.StepCreateProduct))

	if !tr.Continue {
		t.Error("expected Continue after a product pick")
	}
	if got := tr.State.Draft.Create.ProductID; got != "prod_rosca" {
		t.Errorf("ProductID = %q; want prod_rosca", got)
	}
	if tr.State.Step != models.StepCreateBranch {
		t.Errorf("step = %s; want %s", tr.State.Step, models.StepCreateBranch)
	}
}

func TestCreateProductPickByName(t *testing.T) {
	tc := testTurnContext("Rosca", newFakeCommerce())
	tr := advanceCreate(t, tc, newCreateState(models.StepCreateProduct))

	if got := tr.State.Draft.Create.ProductName; got != "Rosca de Reyes" {
		t.Errorf("ProductName = %q; want Rosca de Reyes", got)
	}
}

func TestCreateProductEmptyCatalogTerminates(t *testing.T) {
	tc := testTurnContext("quiero pedir", newFakeCommerce())
	tc.Input.Snapshot.Products = nil
	tr := advanceCreate(t, tc, newCreateState(models.StepCreateProduct))

	if !tr.Terminal {
		t.Error("empty catalog should end the flow")
	}
}

func TestCreateProductNoMatchRePrompts(t *testing.T) {
	tc := testTurnContext("un croissant", newFakeCommerce())
	tr := advanceCreate(t, tc, newCreateState(models.StepCreateProduct))

	if len(tr.Messages) != 2 || tr.Messages[0] != msgNoMatch() {
		t.Fatalf("messages = %v; want no-match prefix plus prompt", tr.Messages)
	}
	if tr.State.Step != models.StepCreateProduct {
		t.Errorf("step moved to %s on a failed match", tr.State.Step)
	}
}

func TestCreateFreshFlowPromptsWithoutNoMatch(t *testing.T) {
	tc := testTurnContext("quiero hacer un pedido", newFakeCommerce())
	tc.FreshFlow = true
	tr := advanceCreate(t, tc, newCreateState(models.StepCreateProduct))

	if len(tr.Messages) != 1 {
		t.Fatalf("messages = %v; want just the product prompt", tr.Messages)
	}
	if strings.Contains(tr.Messages[0], msgNoMatch()) {
		t.Error("fresh flow prompt should not report a failed match")
	}
}

func TestCreateBranchAutoPicksSingle(t *testing.T) {
	tc := testTurnContext("", newFakeCommerce())
	tc.Input.Snapshot.Branches = []models.Branch{{ID: "br_unica", Name: "Única"}}
	st := newCreateState(models.StepCreateBranch)
	st.Draft.Create.ProductID = "prod_rosca"

	tr := advanceCreate(t, tc, st)
	if !tr.Continue {
		t.Error("single-branch pick should continue")
	}
	if got := tr.State.Draft.Create.BranchID; got != "br_unica" {
		t.Errorf("BranchID = %q; want br_unica", got)
	}
	if tr.State.Step != models.StepCreateDate {
		t.Errorf("step = %s; want %s", tr.State.Step, models.StepCreateDate)
	}
}

func TestCreateDateAutoPicksSingle(t *testing.T) {
	tc := testTurnContext("", newFakeCommerce())
	tc.Input.Snapshot.DeliveryDates = []string{"2026-01-06"}
	st := newCreateState(models.StepCreateDate)

	tr := advanceCreate(t, tc, st)
	if !tr.Continue {
		t.Error("single-date pick should continue")
	}
	if got := tr.State.Draft.Create.DeliveryDate; got != "2026-01-06" {
		t.Errorf("DeliveryDate = %q; want 2026-01-06", got)
	}
}

func TestCreateDateNoDatesAvailable(t *testing.T) {
	tc := testTurnContext("", newFakeCommerce())
	tc.Input.Snapshot.DeliveryDates = nil
	tr := advanceCreate(t, tc, newCreateState(models.StepCreateDate))

	if tr.Continue || tr.Terminal {
		t.Error("no available dates should hold the flow at the date step")
	}
	if len(tr.Messages) != 1 || tr.Messages[0] != msgNoDates() {
		t.Errorf("messages = %v; want the no-dates notice", tr.Messages)
	}
}

func TestCreateAutoSkipsAnsweredStep(t *testing.T) {
	tc := testTurnContext("", newFakeCommerce())
	st := newCreateState(models.StepCreateProduct)
	st.Draft.Create.ProductID = "prod_rosca"
	st.Draft.Create.ProductName = "Rosca de Reyes"

	tr := advanceCreate(t, tc, st)
	if !tr.Continue || tr.State.Step != models.StepCreateBranch {
		t.Errorf("answered product step should skip ahead; got step %s continue %v", tr.State.Step, tr.Continue)
	}
	if len(tr.Messages) != 0 {
		t.Errorf("skip hop produced messages: %v", tr.Messages)
	}
}

func TestCreateQuantityParsesSpanishWord(t *testing.T) {
	tc := testTurnContext("media docena", newFakeCommerce())
	st := newCreateState(models.StepCreateQuantity)
	d := st.Draft.Create
	d.ProductID = "prod_rosca"
	d.ProductName = "Rosca de Reyes"

	tr := advanceCreate(t, tc, st)
	if got := tr.State.Draft.Create.Quantity; got != 6 {
		t.Errorf("Quantity = %d; want 6", got)
	}
	items := tr.State.Draft.Create.Items
	if len(items) != 1 || items[0].Quantity != 6 {
		t.Fatalf("Items = %v; want one line of six", items)
	}
	if items[0].UnitPrice != 450 {
		t.Errorf("UnitPrice = %v; want the snapshot price 450", items[0].UnitPrice)
	}
	if tr.State.Step != models.StepCreateConfirm {
		t.Errorf("step = %s; want %s", tr.State.Step, models.StepCreateConfirm)
	}
}

func TestCreateConfirmStagesPendingCommit(t *testing.T) {
	fc := newFakeCommerce()
	tc := testTurnContext("", fc)
	tr := advanceCreate(t, tc, readyCreateState())

	pc := tr.State.PendingCommit
	if pc == nil {
		t.Fatal("no pending commit staged")
	}
	if pc.IdempotencyKey == "" {
		t.Error("staged commit has no idempotency key")
	}
	if tr.State.IdempotencyKey != pc.IdempotencyKey {
		t.Error("state idempotency key does not mirror the staged commit")
	}
	if want := tc.Now.Add(5 * time.Minute); !pc.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v; want %v", pc.ExpiresAt, want)
	}
	if fc.availCount() != 1 {
		t.Errorf("availability checks = %d; want 1", fc.availCount())
	}
	if fc.commitCount() != 0 {
		t.Errorf("commit calls = %d; want 0 before confirmation", fc.commitCount())
	}
	if len(tr.Messages) != 1 || !strings.Contains(tr.Messages[0], "2 x Rosca de Reyes") {
		t.Errorf("confirm prompt missing summary: %v", tr.Messages)
	}
	if !strings.Contains(tr.Messages[0], "confirmo") {
		t.Errorf("confirm prompt missing the confirmation phrase: %v", tr.Messages)
	}
}

func TestCreateConfirmBareYesRejected(t *testing.T) {
	fc := newFakeCommerce()
	st := stageCreate(t, fc)

	tc := testTurnContext("sí", fc)
	tr := advanceCreate(t, tc, st)

	if fc.commitCount() != 0 {
		t.Fatal("a bare yes must never commit")
	}
	if tr.State.PendingCommit == nil {
		t.Error("pending commit dropped on a bare yes")
	}
	if len(tr.Messages) != 1 || tr.Messages[0] != msgExplicitConfirmNeeded("confirmo") {
		t.Errorf("messages = %v; want the explicit-phrase reminder", tr.Messages)
	}
}

func TestCreateConfirmPhraseCommits(t *testing.T) {
	fc := newFakeCommerce()
	st := stageCreate(t, fc)
	key := st.PendingCommit.IdempotencyKey

	tc := testTurnContext("¡Confirmo!", fc)
	tr := advanceCreate(t, tc, st)

	if !tr.Terminal {
		t.Error("successful commit should end the flow")
	}
	if tr.State.PendingCommit != nil {
		t.Error("pending commit not cleared after commit")
	}
	if fc.commitCount() != 1 {
		t.Fatalf("commit calls = %d; want 1", fc.commitCount())
	}
	req := fc.lastCommit(t)
	if req.IdempotencyKey != key {
		t.Errorf("commit used key %q; want the staged key %q", req.IdempotencyKey, key)
	}
	if req.BranchID != "br_polanco" || req.DeliveryDate != "2026-01-06" {
		t.Errorf("commit payload = %+v; want staged branch and date", req)
	}
	wantMsg := msgCommitSuccessCreate("ORD-9001")
	if len(tr.Messages) != 1 || tr.Messages[0] != wantMsg {
		t.Errorf("messages = %v; want %q", tr.Messages, wantMsg)
	}
}

func TestCreateConfirmRaceLossReturnsToDate(t *testing.T) {
	fc := newFakeCommerce()
	st := stageCreate(t, fc)

	// The re-check at confirmation finds the date gone.
	fc.queueAvailability(commerce.AvailabilityResult{
		Available:    false,
		Reason:       "fecha agotada",
		Alternatives: []string{"2026-01-05"},
	}, nil)

	tc := testTurnContext("confirmo", fc)
	tr := advanceCreate(t, tc, st)

	if fc.commitCount() != 0 {
		t.Fatal("lost availability must not reach commit")
	}
	if tr.State.PendingCommit != nil {
		t.Error("pending commit survived a lost race")
	}
	if tr.State.Step != models.StepCreateDate {
		t.Errorf("step = %s; want %s", tr.State.Step, models.StepCreateDate)
	}
	if tr.State.Draft.Create.DeliveryDate != "" {
		t.Error("rejected date still set; the date step would skip itself")
	}
	joined := strings.Join(tr.Messages, "\n")
	if !strings.Contains(joined, "fecha agotada") {
		t.Errorf("messages should carry the backend reason: %v", tr.Messages)
	}
	if !strings.Contains(joined, "5 de enero") {
		t.Errorf("messages should offer the alternative date: %v", tr.Messages)
	}
}

func TestCreateConfirmAuthorizationEscalates(t *testing.T) {
	fc := newFakeCommerce()
	st := stageCreate(t, fc)
	key := st.PendingCommit.IdempotencyKey

	fc.queueAvailability(commerce.AvailabilityResult{}, models.NewFlowError(
		models.ErrorClassAuthorization, "credentials rejected", nil))

	tc := testTurnContext("confirmo", fc)
	tr := advanceCreate(t, tc, st)

	if tr.Escalate == nil {
		t.Fatal("authorization failure must escalate")
	}
	if tr.Escalate.Reason != hitl.ReasonAuthorizationFailed {
		t.Errorf("escalation reason = %q; want %q", tr.Escalate.Reason, hitl.ReasonAuthorizationFailed)
	}
	if tr.Escalate.Priority != models.HitlPriorityHigh {
		t.Errorf("escalation priority = %q; want high", tr.Escalate.Priority)
	}
	// The staged commit stays parked for staff.
	if tr.State.PendingCommit == nil || tr.State.PendingCommit.IdempotencyKey != key {
		t.Error("pending commit should stay intact while escalated")
	}
}

func TestCreateConfirmPreCheckTransportError(t *testing.T) {
	fc := newFakeCommerce()
	st := stageCreate(t, fc)

	fc.queueAvailability(commerce.AvailabilityResult{}, errors.New("connection refused"))

	tc := testTurnContext("confirmo", fc)
	tr := advanceCreate(t, tc, st)

	if fc.commitCount() != 0 {
		t.Fatal("transport failure on pre-check must not commit")
	}
	if tr.State.PendingCommit == nil {
		t.Error("pending commit dropped on a transport failure")
	}
	if tr.Escalate != nil {
		t.Error("nothing was attempted; a pre-check outage should not escalate")
	}
	if len(tr.Messages) != 1 || tr.Messages[0] != msgBackendDown() {
		t.Errorf("messages = %v; want the backend-down notice", tr.Messages)
	}
}

func TestCreateConfirmUncertainCommitKeepsKey(t *testing.T) {
	fc := newFakeCommerce()
	st := stageCreate(t, fc)
	key := st.PendingCommit.IdempotencyKey

	fc.queueCommit(commerce.CommitResult{}, errors.New("timeout awaiting response"))

	tc := testTurnContext("confirmo", fc)
	tr := advanceCreate(t, tc, st)

	if tr.Terminal {
		t.Error("uncertain outcome must not end the flow")
	}
	pc := tr.State.PendingCommit
	if pc == nil || pc.IdempotencyKey != key {
		t.Fatal("pending commit (and its key) must survive an uncertain outcome")
	}
	if tr.StaffNote == "" || !strings.Contains(tr.StaffNote, key) {
		t.Errorf("staff note should reference the idempotency key: %q", tr.StaffNote)
	}
	if tr.Escalate == nil || tr.Escalate.Reason != hitl.ReasonCommitUncertain {
		t.Errorf("escalation = %+v; want reason %q", tr.Escalate, hitl.ReasonCommitUncertain)
	}
	if len(tr.Messages) != 1 || tr.Messages[0] != msgUncertainOutcome() {
		t.Errorf("messages = %v; want the uncertain-outcome warning", tr.Messages)
	}

	// A retried confirmation reuses the staged key so the backend can
	// deduplicate.
	tc2 := testTurnContext("confirmo", fc)
	tr2 := advanceCreate(t, tc2, tr.State)
	if !tr2.Terminal {
		t.Error("retried confirmation should commit")
	}
	if got := fc.lastCommit(t).IdempotencyKey; got != key {
		t.Errorf("retry used key %q; want the original %q", got, key)
	}
}

func TestCreateConfirmExpiredWindowRestages(t *testing.T) {
	fc := newFakeCommerce()
	st := stageCreate(t, fc)
	oldKey := st.PendingCommit.IdempotencyKey

	tc := testTurnContext("confirmo", fc)
	tc.Now = tc.Now.Add(10 * time.Minute) // past the 5 minute window

	tr := advanceCreate(t, tc, st)
	if fc.commitCount() != 0 {
		t.Fatal("expired confirmation must not commit")
	}
	pc := tr.State.PendingCommit
	if pc == nil {
		t.Fatal("expired confirmation should restage")
	}
	if pc.IdempotencyKey == oldKey {
		t.Error("restaged commit reused the expired key")
	}
	if len(tr.Messages) < 2 || tr.Messages[0] != msgConfirmExpiredRestaged() {
		t.Errorf("messages = %v; want the expiry notice first", tr.Messages)
	}
}

func TestCreateAdvanceNeverMutatesInput(t *testing.T) {
	tc := testTurnContext("1", newFakeCommerce())
	st := newCreateState(models.StepCreateProduct)

	advanceCreate(t, tc, st)
	if st.Draft.Create.ProductID != "" || st.Step != models.StepCreateProduct {
		t.Error("Advance mutated the caller's state")
	}
}

func TestCreateDraftKindMismatch(t *testing.T) {
	m := &CreateMachine{}
	st := &models.FlowState{
		ConversationID: testConversation,
		FlowKind:       models.FlowKindOrderCreate,
		Step:           models.StepCreateProduct,
		Draft:          models.NewDraft(models.FlowKindOrderModify),
	}

	_, err := m.Advance(context.Background(), testTurnContext("1", newFakeCommerce()), st)
	if err == nil {
		t.Fatal("expected an error for a mismatched draft")
	}
	if !models.IsClass(err, models.ErrorClassInvariant) {
		t.Errorf("error class = %s; want %s", models.ClassOf(err), models.ErrorClassInvariant)
	}
}
