package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/commerce"
	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/BakeDesk/OrderPilot/internal/store"
)

const (
	testFrom = "+5215512345678"
	testConv = "conv_5215512345678"
	testOps  = "+5215599990000"
)

// fakeService implements Service for router tests.
type fakeService struct {
	mu        sync.Mutex
	sent      []OutboundPayload
	sendErr   error
	responses chan models.Response
	receipts  chan models.Receipt
}

func newFakeService() *fakeService {
	return &fakeService{
		responses: make(chan models.Response, DefaultChannelBufferSize),
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
	}
}

func (f *fakeService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (f *fakeService) SendMessage(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, OutboundPayload{To: to, Body: body})
	return nil
}

func (f *fakeService) Start(ctx context.Context) error { return nil }

func (f *fakeService) Stop() error {
	close(f.responses)
	close(f.receipts)
	return nil
}

func (f *fakeService) Receipts() <-chan models.Receipt   { return f.receipts }
func (f *fakeService) Responses() <-chan models.Response { return f.responses }

// fakeEngine implements TurnEngine and records inputs.
type fakeEngine struct {
	mu          sync.Mutex
	inputs      []models.TurnInput
	queued      []*models.TurnResult
	err         error
	called      chan struct{}
	resolutions []models.HitlCase
}

func (f *fakeEngine) HandleTurn(ctx context.Context, input models.TurnInput) (*models.TurnResult, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	var res *models.TurnResult
	if len(f.queued) > 0 {
		res = f.queued[0]
		f.queued = f.queued[1:]
	}
	err := f.err
	f.mu.Unlock()

	if f.called != nil {
		select {
		case f.called <- struct{}{}:
		default:
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &models.TurnResult{Messages: []models.OutboundMessage{
			{ConversationID: input.ConversationID, Content: "ok: " + input.Text},
		}}
	}
	return res, nil
}

func (f *fakeEngine) HandleResolution(ctx context.Context, c models.HitlCase) (*models.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.resolutions = append(f.resolutions, c)
	return &models.TurnResult{
		Messages: []models.OutboundMessage{
			{ConversationID: c.ConversationID, Content: "Un compañero del equipo revisó tu caso: " + c.Instruction},
		},
		Terminal: true,
		CaseID:   c.CaseID,
	}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func (f *fakeEngine) lastInput(t *testing.T) models.TurnInput {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		t.Fatal("engine was never called")
	}
	return f.inputs[len(f.inputs)-1]
}

func testCatalog() commerce.StaticCatalogSource {
	return commerce.StaticCatalogSource{Catalog: models.ContextSnapshot{
		Products:      []models.Product{{ID: "prod_rosca", Name: "Rosca de Reyes", UnitPrice: 450}},
		Branches:      []models.Branch{{ID: "br_centro", Name: "Centro"}},
		DeliveryDates: []string{"2026-01-05"},
	}}
}

func testRouter(t *testing.T, opts ...RouterOption) (*Router, *fakeService, *fakeEngine, *store.InMemoryStore) {
	t.Helper()
	svc := newFakeService()
	eng := &fakeEngine{}
	st := store.NewInMemoryStore()
	r := NewRouter(svc, eng, st, st, testCatalog(), opts...)
	return r, svc, eng, st
}

func queuedOutbox(t *testing.T, st *store.InMemoryStore) []store.OutboxMessage {
	t.Helper()
	msgs, err := st.ClaimDueOutboxMessages(time.Now(), 100)
	if err != nil {
		t.Fatalf("claiming outbox messages: %v", err)
	}
	return msgs
}

func decodePayload(t *testing.T, msg store.OutboxMessage) OutboundPayload {
	t.Helper()
	var p OutboundPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		t.Fatalf("decoding outbox payload %q: %v", msg.PayloadJSON, err)
	}
	return p
}

func TestRouterDispatchesInboundTurn(t *testing.T) {
	r, _, eng, st := testRouter(t)

	r.ProcessResponse(context.Background(), models.Response{
		From:      "whatsapp:+52 155 1234 5678",
		Body:      "quiero una rosca",
		MessageID: "SM001",
		Time:      time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC).Unix(),
	})

	if eng.callCount() != 1 {
		t.Fatalf("engine called %d times; want 1", eng.callCount())
	}
	input := eng.lastInput(t)
	if input.ConversationID != testConv {
		t.Errorf("ConversationID = %q; want %q", input.ConversationID, testConv)
	}
	if input.Contact != testFrom {
		t.Errorf("Contact = %q; want canonical %q", input.Contact, testFrom)
	}
	if input.Text != "quiero una rosca" {
		t.Errorf("Text = %q; want original body", input.Text)
	}
	if input.MessageID != "SM001" {
		t.Errorf("MessageID = %q; want SM001", input.MessageID)
	}
	if len(input.Snapshot.Products) != 1 || input.Snapshot.Products[0].ID != "prod_rosca" {
		t.Errorf("Snapshot not populated from catalog: %+v", input.Snapshot)
	}

	msgs := queuedOutbox(t, st)
	if len(msgs) != 1 {
		t.Fatalf("outbox has %d messages; want 1", len(msgs))
	}
	if msgs[0].Kind != store.OutboxKindCustomerReply {
		t.Errorf("outbox kind = %q; want %q", msgs[0].Kind, store.OutboxKindCustomerReply)
	}
	payload := decodePayload(t, msgs[0])
	if payload.To != testFrom {
		t.Errorf("payload To = %q; want %q", payload.To, testFrom)
	}
	if !strings.Contains(payload.Body, "quiero una rosca") {
		t.Errorf("payload Body = %q; want echo of turn text", payload.Body)
	}

	dup, err := st.IsDuplicate("SM001")
	if err != nil || !dup {
		t.Errorf("IsDuplicate(SM001) = %v, %v; want true after processing", dup, err)
	}
}

func TestRouterSkipsDuplicateDeliveries(t *testing.T) {
	r, _, eng, st := testRouter(t)

	resp := models.Response{From: testFrom, Body: "hola", MessageID: "SM002", Time: time.Now().Unix()}
	r.ProcessResponse(context.Background(), resp)
	r.ProcessResponse(context.Background(), resp)

	if eng.callCount() != 1 {
		t.Fatalf("engine called %d times for duplicate delivery; want 1", eng.callCount())
	}
	if msgs := queuedOutbox(t, st); len(msgs) != 1 {
		t.Errorf("outbox has %d messages; want 1", len(msgs))
	}
}

func TestRouterWithoutMessageIDSkipsDedup(t *testing.T) {
	r, _, eng, _ := testRouter(t)

	resp := models.Response{From: testFrom, Body: "hola", Time: time.Now().Unix()}
	r.ProcessResponse(context.Background(), resp)
	r.ProcessResponse(context.Background(), resp)

	if eng.callCount() != 2 {
		t.Errorf("engine called %d times; want 2 when no message ID is present", eng.callCount())
	}
}

func TestRouterForwardsStaffNoteToOpsContact(t *testing.T) {
	r, _, eng, st := testRouter(t, WithOpsContact(testOps))
	eng.queued = []*models.TurnResult{{
		Messages:  []models.OutboundMessage{{ConversationID: testConv, Content: "Dame un momento."}},
		StaffNote: &models.StaffNote{ConversationID: testConv, Content: "Commit outcome uncertain, key k-1."},
		CaseID:    "case_1",
	}}

	r.ProcessResponse(context.Background(), models.Response{
		From: testFrom, Body: "confirmo", MessageID: "SM003", Time: time.Now().Unix(),
	})

	msgs := queuedOutbox(t, st)
	if len(msgs) != 2 {
		t.Fatalf("outbox has %d messages; want reply plus staff note", len(msgs))
	}
	var note *store.OutboxMessage
	for i := range msgs {
		if msgs[i].Kind == store.OutboxKindStaffNote {
			note = &msgs[i]
		}
	}
	if note == nil {
		t.Fatal("no staff note message enqueued")
	}
	payload := decodePayload(t, *note)
	if payload.To != testOps {
		t.Errorf("staff note To = %q; want ops contact %q", payload.To, testOps)
	}
	if !strings.Contains(payload.Body, "uncertain") {
		t.Errorf("staff note Body = %q; want note content", payload.Body)
	}
}

func TestRouterDropsStaffNoteWithoutOpsContact(t *testing.T) {
	r, _, eng, st := testRouter(t)
	eng.queued = []*models.TurnResult{{
		StaffNote: &models.StaffNote{ConversationID: testConv, Content: "internal"},
	}}

	r.ProcessResponse(context.Background(), models.Response{
		From: testFrom, Body: "confirmo", MessageID: "SM004", Time: time.Now().Unix(),
	})

	for _, msg := range queuedOutbox(t, st) {
		if msg.Kind == store.OutboxKindStaffNote {
			t.Errorf("staff note enqueued without ops contact: %+v", msg)
		}
	}
}

func TestRouterRejectsInvalidSender(t *testing.T) {
	r, _, eng, _ := testRouter(t)

	r.ProcessResponse(context.Background(), models.Response{
		From: "not-a-number", Body: "hola", MessageID: "SM005", Time: time.Now().Unix(),
	})

	if eng.callCount() != 0 {
		t.Errorf("engine called %d times for invalid sender; want 0", eng.callCount())
	}
}

func TestRouterEngineErrorEnqueuesNothing(t *testing.T) {
	r, _, eng, st := testRouter(t)
	eng.err = errors.New("store down")

	r.ProcessResponse(context.Background(), models.Response{
		From: testFrom, Body: "hola", MessageID: "SM006", Time: time.Now().Unix(),
	})

	if msgs := queuedOutbox(t, st); len(msgs) != 0 {
		t.Errorf("outbox has %d messages after engine error; want 0", len(msgs))
	}
}

func TestRouterStartConsumesChannel(t *testing.T) {
	svc := newFakeService()
	eng := &fakeEngine{called: make(chan struct{}, 1)}
	st := store.NewInMemoryStore()
	r := NewRouter(svc, eng, st, st, testCatalog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	svc.responses <- models.Response{From: testFrom, Body: "hola", MessageID: "SM007", Time: time.Now().Unix()}

	select {
	case <-eng.called:
	case <-time.After(2 * time.Second):
		t.Fatal("engine was not called within 2s of channel delivery")
	}

	cancel()
	r.Stop()

	if eng.callCount() != 1 {
		t.Errorf("engine called %d times; want 1", eng.callCount())
	}
}

func TestRouterDispatchResolution(t *testing.T) {
	r, _, eng, st := testRouter(t)

	err := r.DispatchResolution(context.Background(), models.HitlCase{
		CaseID:         "case_9",
		ConversationID: testConv,
		Instruction:    "Entregamos el 7 de enero sin costo extra.",
	})
	if err != nil {
		t.Fatalf("DispatchResolution returned error: %v", err)
	}

	if len(eng.resolutions) != 1 || eng.resolutions[0].CaseID != "case_9" {
		t.Fatalf("engine resolutions = %+v; want one call for case_9", eng.resolutions)
	}

	msgs := queuedOutbox(t, st)
	if len(msgs) != 1 {
		t.Fatalf("outbox has %d messages; want 1 customer notification", len(msgs))
	}
	payload := decodePayload(t, msgs[0])
	if payload.To != testFrom {
		t.Errorf("notification To = %q; want contact derived from conversation ID", payload.To)
	}
	if !strings.Contains(payload.Body, "7 de enero") {
		t.Errorf("notification Body = %q; want resolution instruction", payload.Body)
	}
}

func TestConversationIDForContact(t *testing.T) {
	if got := ConversationIDForContact("+5215512345678"); got != testConv {
		t.Errorf("ConversationIDForContact = %q; want %q", got, testConv)
	}
	if got := ContactForConversationID(testConv); got != testFrom {
		t.Errorf("ContactForConversationID = %q; want %q", got, testFrom)
	}
}

func TestDeliveryFuncDecodesPayload(t *testing.T) {
	svc := newFakeService()
	send := DeliveryFunc(svc)

	payload, err := EncodeOutboundPayload(testFrom, "Tu pedido está confirmado.")
	if err != nil {
		t.Fatalf("EncodeOutboundPayload returned error: %v", err)
	}

	err = send(context.Background(), store.OutboxMessage{ID: "ob-1", PayloadJSON: payload})
	if err != nil {
		t.Fatalf("DeliveryFunc returned error: %v", err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.sent) != 1 {
		t.Fatalf("service sent %d messages; want 1", len(svc.sent))
	}
	if svc.sent[0].To != testFrom || !strings.Contains(svc.sent[0].Body, "confirmado") {
		t.Errorf("sent = %+v; want decoded payload", svc.sent[0])
	}
}

func TestDeliveryFuncRejectsMalformedPayload(t *testing.T) {
	svc := newFakeService()
	send := DeliveryFunc(svc)

	if err := send(context.Background(), store.OutboxMessage{ID: "ob-2", PayloadJSON: "{not json"}); err == nil {
		t.Fatal("DeliveryFunc with malformed payload should fail")
	}
}

func TestRouterPersistsTelemetry(t *testing.T) {
	svc := newFakeService()
	eng := &fakeEngine{}
	st := store.NewInMemoryStore()
	r := NewRouter(svc, eng, st, st, testCatalog(), WithTelemetryLog(st))

	r.ProcessResponse(context.Background(), models.Response{
		From: testFrom, Body: "quiero una rosca", MessageID: "SM100", Time: time.Now().Unix(),
	})

	responses, err := st.GetResponses()
	if err != nil {
		t.Fatalf("GetResponses returned error: %v", err)
	}
	if len(responses) != 1 || responses[0].MessageID != "SM100" {
		t.Fatalf("responses = %+v; want the processed inbound message", responses)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	svc.receipts <- models.Receipt{To: testFrom, Status: models.MessageStatusDelivered, Time: time.Now().Unix()}

	deadline := time.Now().Add(2 * time.Second)
	for {
		receipts, err := st.GetReceipts()
		if err != nil {
			t.Fatalf("GetReceipts returned error: %v", err)
		}
		if len(receipts) == 1 {
			if receipts[0].Status != models.MessageStatusDelivered {
				t.Errorf("receipt status = %q; want %q", receipts[0].Status, models.MessageStatusDelivered)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("receipt was not persisted within 2s")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	r.Stop()
}
