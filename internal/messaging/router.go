package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/commerce"
	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/BakeDesk/OrderPilot/internal/store"
)

// TurnEngine is the conversation engine the router dispatches inbound
// messages and case resolutions to. Satisfied by *flow.Engine.
type TurnEngine interface {
	HandleTurn(ctx context.Context, input models.TurnInput) (*models.TurnResult, error)
	HandleResolution(ctx context.Context, c models.HitlCase) (*models.TurnResult, error)
}

// TelemetryLog persists transport telemetry: delivery receipts and raw
// inbound responses. Satisfied by store.Store.
type TelemetryLog interface {
	AddReceipt(r models.Receipt) error
	AddResponse(r models.Response) error
}

// RouterOpts holds configuration for the Router.
type RouterOpts struct {
	OpsContact string
	Telemetry  TelemetryLog
}

// RouterOption configures the Router.
type RouterOption func(*RouterOpts)

// WithOpsContact sets the recipient for staff notes produced by turns.
// Without it staff notes are logged and dropped.
func WithOpsContact(contact string) RouterOption {
	return func(o *RouterOpts) {
		o.OpsContact = contact
	}
}

// WithTelemetryLog enables best-effort persistence of receipts and inbound
// responses for the inspection endpoints.
func WithTelemetryLog(log TelemetryLog) RouterOption {
	return func(o *RouterOpts) {
		o.Telemetry = log
	}
}

// Router consumes inbound responses from a messaging service, deduplicates
// them by transport message ID, dispatches each as a turn to the engine and
// enqueues the resulting replies on the durable outbox. Replies are never
// sent inline; the outbox sender owns delivery so a crash between the turn
// and the send does not lose the reply.
type Router struct {
	service    Service
	engine     TurnEngine
	dedup      store.DedupRepo
	outbox     store.OutboxRepo
	catalog    commerce.CatalogSource
	opsContact string
	telemetry  TelemetryLog
	wg         sync.WaitGroup
}

// NewRouter creates a Router over the given service and engine.
func NewRouter(service Service, engine TurnEngine, dedup store.DedupRepo, outbox store.OutboxRepo, catalog commerce.CatalogSource, opts ...RouterOption) *Router {
	var cfg RouterOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.OpsContact == "" {
		slog.Warn("Router.NewRouter: no ops contact configured, staff notes will be dropped")
	}
	return &Router{
		service:    service,
		engine:     engine,
		dedup:      dedup,
		outbox:     outbox,
		catalog:    catalog,
		opsContact: cfg.OpsContact,
		telemetry:  cfg.Telemetry,
	}
}

// Start begins consuming the service's response and receipt channels. It
// returns immediately; processing runs until the context is cancelled or the
// service closes its channels.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.consumeResponses(ctx)
	go r.drainReceipts(ctx)
	slog.Info("Router.Start: consuming inbound messages")
}

// Stop waits for in-flight processing to finish.
func (r *Router) Stop() {
	r.wg.Wait()
	slog.Info("Router.Stop: stopped")
}

func (r *Router) consumeResponses(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-r.service.Responses():
			if !ok {
				slog.Debug("Router.consumeResponses: responses channel closed")
				return
			}
			r.ProcessResponse(ctx, resp)
		}
	}
}

// drainReceipts keeps the receipt channel from backing up. Delivery status is
// only logged; OrderPilot does not act on read receipts.
func (r *Router) drainReceipts(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-r.service.Receipts():
			if !ok {
				return
			}
			slog.Debug("Router.drainReceipts: receipt", "to", receipt.To, "status", receipt.Status)
			if r.telemetry != nil {
				if err := r.telemetry.AddReceipt(receipt); err != nil {
					slog.Warn("Router.drainReceipts: failed to persist receipt", "to", receipt.To, "error", err)
				}
			}
		}
	}
}

// ProcessResponse runs a single inbound message through dedup, the engine and
// the outbox. Exported so the HTTP inbound endpoint can share the exact same
// path as channel-delivered messages.
func (r *Router) ProcessResponse(ctx context.Context, resp models.Response) {
	canonical, err := r.service.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Warn("Router.ProcessResponse: dropping message with invalid sender", "from", resp.From, "error", err)
		return
	}
	conversationID := ConversationIDForContact(canonical)

	if resp.MessageID != "" {
		fresh, err := r.dedup.RecordInbound(resp.MessageID, conversationID)
		if err != nil {
			// Better a rare double turn than a dropped customer message.
			slog.Error("Router.ProcessResponse: dedup check failed, processing anyway", "messageID", resp.MessageID, "error", err)
		} else if !fresh {
			slog.Info("Router.ProcessResponse: duplicate delivery skipped", "messageID", resp.MessageID, "conversationID", conversationID)
			return
		}
	}

	if r.telemetry != nil {
		if err := r.telemetry.AddResponse(resp); err != nil {
			slog.Warn("Router.ProcessResponse: failed to persist response", "messageID", resp.MessageID, "error", err)
		}
	}

	snapshot, err := r.catalog.Snapshot(ctx)
	if err != nil {
		slog.Warn("Router.ProcessResponse: catalog unavailable, proceeding with empty context", "error", err)
	}

	input := models.TurnInput{
		ConversationID: conversationID,
		Contact:        canonical,
		Text:           resp.Body,
		MessageID:      resp.MessageID,
		Snapshot:       snapshot,
		ReceivedAt:     time.Unix(resp.Time, 0),
	}

	result, err := r.engine.HandleTurn(ctx, input)
	if err != nil {
		slog.Error("Router.ProcessResponse: turn failed", "conversationID", conversationID, "error", err)
		return
	}

	r.enqueueResult(conversationID, canonical, resp.MessageID, result)

	if resp.MessageID != "" {
		if err := r.dedup.MarkProcessed(resp.MessageID); err != nil {
			slog.Error("Router.ProcessResponse: mark processed failed", "messageID", resp.MessageID, "error", err)
		}
	}
}

// DispatchResolution delivers a resolved escalation case back into its
// conversation and enqueues the customer notification. The resolution plays
// the role of an inbound turn that staff, not the customer, originated.
func (r *Router) DispatchResolution(ctx context.Context, c models.HitlCase) error {
	result, err := r.engine.HandleResolution(ctx, c)
	if err != nil {
		return fmt.Errorf("resolution turn for case %s: %w", c.CaseID, err)
	}
	r.enqueueResult(c.ConversationID, ContactForConversationID(c.ConversationID), "case:"+c.CaseID, result)
	return nil
}

// enqueueResult persists the turn's outbound messages and staff note on the
// outbox. Dedupe keys derive from the inbound message ID so a reprocessed
// delivery cannot double-send.
func (r *Router) enqueueResult(conversationID, contact, messageID string, result *models.TurnResult) {
	for i, msg := range result.Messages {
		payload, err := EncodeOutboundPayload(contact, msg.Content)
		if err != nil {
			slog.Error("Router.enqueueResult: encode payload failed", "conversationID", conversationID, "error", err)
			continue
		}
		dedupeKey := ""
		if messageID != "" {
			dedupeKey = fmt.Sprintf("reply:%s:%d", messageID, i)
		}
		if _, err := r.outbox.EnqueueOutboxMessage(conversationID, store.OutboxKindCustomerReply, payload, dedupeKey); err != nil {
			slog.Error("Router.enqueueResult: enqueue reply failed", "conversationID", conversationID, "error", err)
		}
	}

	if result.StaffNote != nil {
		if r.opsContact == "" {
			slog.Warn("Router.enqueueResult: staff note dropped, no ops contact configured", "conversationID", conversationID)
			return
		}
		payload, err := EncodeOutboundPayload(r.opsContact, result.StaffNote.Content)
		if err != nil {
			slog.Error("Router.enqueueResult: encode staff note failed", "conversationID", conversationID, "error", err)
			return
		}
		dedupeKey := ""
		if messageID != "" {
			dedupeKey = "note:" + messageID
		}
		if _, err := r.outbox.EnqueueOutboxMessage(conversationID, store.OutboxKindStaffNote, payload, dedupeKey); err != nil {
			slog.Error("Router.enqueueResult: enqueue staff note failed", "conversationID", conversationID, "error", err)
		}
	}
}

// ConversationIDForContact derives the stable conversation key for a
// canonical contact. One contact maps to exactly one live conversation.
func ConversationIDForContact(contact string) string {
	return "conv_" + strings.TrimPrefix(contact, "+")
}

// ContactForConversationID inverts ConversationIDForContact. It is only
// meaningful for conversation IDs the router minted.
func ContactForConversationID(conversationID string) string {
	return "+" + strings.TrimPrefix(conversationID, "conv_")
}

// OutboundPayload is the outbox payload for customer replies, staff notes and
// ops alerts. The outbox stores it as JSON; DeliveryFunc decodes it back.
type OutboundPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// EncodeOutboundPayload marshals an outbound payload for outbox storage.
func EncodeOutboundPayload(to, body string) (string, error) {
	data, err := json.Marshal(OutboundPayload{To: to, Body: body})
	if err != nil {
		return "", fmt.Errorf("marshal outbound payload: %w", err)
	}
	return string(data), nil
}

// DeliveryFunc adapts a messaging service into the outbox sender's send
// callback.
func DeliveryFunc(service Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var payload OutboundPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("decode outbound payload %s: %w", msg.ID, err)
		}
		return service.SendMessage(ctx, payload.To, payload.Body)
	}
}
