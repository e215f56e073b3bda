package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/checkpoint"
	"github.com/BakeDesk/OrderPilot/internal/commerce"
	"github.com/BakeDesk/OrderPilot/internal/hitl"
	"github.com/BakeDesk/OrderPilot/internal/models"
	"github.com/BakeDesk/OrderPilot/internal/store"
)

// maxHops bounds how many machine transitions a single inbound message may
// drive. Auto-skips and availability staging legitimately chain a few hops;
// anything past this is a machine looping on itself.
const maxHops = 8

// Escalator opens HITL cases for turns the machines cannot resolve.
// *hitl.Service satisfies it.
type Escalator interface {
	Escalate(req hitl.EscalateRequest) (*models.HitlCase, error)
}

// EngineOpts holds configuration for the turn engine.
type EngineOpts struct {
	clock          func() time.Time
	escalator      Escalator
	stateOpts      []StateStoreOption
	checkpointOpts []checkpoint.Option
}

// EngineOption configures the engine.
type EngineOption func(*EngineOpts)

// WithEscalator wires the HITL service escalations are sent to. Without one,
// escalations are logged and dropped.
func WithEscalator(e Escalator) EngineOption {
	return func(o *EngineOpts) { o.escalator = e }
}

// WithEngineClock overrides the time source for the engine and its state
// store. Used by tests.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(o *EngineOpts) {
		o.clock = clock
		o.stateOpts = append(o.stateOpts, WithStateClock(clock))
	}
}

// WithStateStoreOptions forwards options to the engine's state store.
func WithStateStoreOptions(opts ...StateStoreOption) EngineOption {
	return func(o *EngineOpts) { o.stateOpts = append(o.stateOpts, opts...) }
}

// WithCheckpointOptions forwards options to the engine's checkpoint manager.
func WithCheckpointOptions(opts ...checkpoint.Option) EngineOption {
	return func(o *EngineOpts) { o.checkpointOpts = append(o.checkpointOpts, opts...) }
}

// Engine turns inbound messages into flow transitions. It owns the state
// store and checkpoint log, serializes turns per conversation, and routes
// escalations to the HITL service.
type Engine struct {
	states      *StateStore
	checkpoints *checkpoint.Manager
	commerce    commerce.Client
	policies    commerce.PolicySource
	escalator   Escalator
	clock       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine builds the engine on the given durable store and retail backend.
func NewEngine(durable store.Store, commerceClient commerce.Client, policies commerce.PolicySource, opts ...EngineOption) *Engine {
	cfg := EngineOpts{clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if policies == nil {
		policies = commerce.StaticPolicySource{Policy: commerce.DefaultPolicy()}
	}

	e := &Engine{
		checkpoints: checkpoint.NewManager(durable, cfg.checkpointOpts...),
		commerce:    commerceClient,
		policies:    policies,
		escalator:   cfg.escalator,
		clock:       cfg.clock,
		locks:       make(map[string]*sync.Mutex),
	}
	stateOpts := append([]StateStoreOption{WithExpiryHandler(e.onFlowExpired)}, cfg.stateOpts...)
	e.states = NewStateStore(durable, stateOpts...)
	return e
}

// States exposes the state store for the API layer and sweeps.
func (e *Engine) States() *StateStore { return e.states }

// Checkpoints exposes the checkpoint manager for the API layer and sweeps.
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.checkpoints }

// conversationLock returns the mutex serializing turns for one conversation.
func (e *Engine) conversationLock(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[conversationID] = l
	}
	return l
}

// onFlowExpired records a timeout checkpoint when the state store evicts an
// idle flow. Runs with the eviction already done.
func (e *Engine) onFlowExpired(ctx context.Context, state *models.FlowState) {
	if _, err := e.checkpoints.Append(state, models.CheckpointTriggerTimeout); err != nil {
		slog.Error("Engine.onFlowExpired: failed to checkpoint expired flow",
			"conversationID", state.ConversationID, "error", err)
		return
	}
	slog.Info("Engine.onFlowExpired: idle flow evicted and checkpointed",
		"conversationID", state.ConversationID, "flowKind", state.FlowKind, "step", state.Step)
}

// HandleTurn processes one inbound customer message and returns everything
// the turn produced. Turns for the same conversation are serialized; turns
// for different conversations run concurrently.
func (e *Engine) HandleTurn(ctx context.Context, input models.TurnInput) (*models.TurnResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	lock := e.conversationLock(input.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	text := strings.TrimSpace(input.Text)
	tc := &TurnContext{
		Input:    input,
		Text:     text,
		Folded:   Fold(text),
		Now:      e.clock(),
		Commerce: e.commerce,
		Policies: e.policies,
	}

	state := e.states.Get(ctx, input.ConversationID)

	// Interrupts run before any machine sees the text.
	if CancelRequested(text) {
		return e.handleCancel(ctx, tc, state), nil
	}
	if AgentRequested(text) {
		return e.handleAgentRequest(ctx, tc, state), nil
	}
	if state != nil {
		branchID := ""
		if state.Draft.Create != nil {
			branchID = state.Draft.Create.BranchID
		}
		if policy := tc.PolicyFor(ctx, branchID); !policy.FlowAllowed(state.FlowKind) {
			return e.handlePolicyDenied(ctx, tc, state), nil
		}
	}

	if state == nil {
		var result *models.TurnResult
		state, result = e.startFlow(ctx, tc)
		if result != nil {
			return result, nil
		}
	} else if kind, ok := ClassifyIntent(text); ok && kind != state.FlowKind {
		// Mid-flow change of subject. The active flow wins; remind the
		// customer how to leave it and re-prompt the pending question.
		tc.consume()
		return e.runMachine(ctx, tc, state, []string{msgFlowBusy(state.FlowKind)})
	}

	return e.runMachine(ctx, tc, state, nil)
}

// startFlow classifies the first message of a conversation. Returns a
// non-nil result when no flow starts (unknown intent, disallowed flow).
func (e *Engine) startFlow(ctx context.Context, tc *TurnContext) (*models.FlowState, *models.TurnResult) {
	kind, ok := ClassifyIntent(tc.Text)
	if !ok {
		slog.Debug("Engine.startFlow: no intent matched",
			"conversationID", tc.Input.ConversationID)
		return nil, e.reply(tc, msgUnknownIntent())
	}

	policy := tc.PolicyFor(ctx, "")
	if !policy.FlowAllowed(kind) {
		slog.Info("Engine.startFlow: flow disallowed by policy",
			"conversationID", tc.Input.ConversationID, "flowKind", kind)
		return nil, e.reply(tc, msgFlowNotAvailable())
	}

	machine, ok := Get(kind)
	if !ok {
		slog.Error("Engine.startFlow: no machine registered",
			"conversationID", tc.Input.ConversationID, "flowKind", kind)
		return nil, e.reply(tc, msgGenericTrouble())
	}

	tc.FreshFlow = true
	slog.Info("Engine.startFlow: flow started",
		"conversationID", tc.Input.ConversationID, "flowKind", kind)
	return &models.FlowState{
		ConversationID: tc.Input.ConversationID,
		FlowKind:       kind,
		Step:           machine.FirstStep(),
		Draft:          models.NewDraft(kind),
	}, nil
}

// runMachine drives the flow's machine until it needs more input, ends the
// flow, or exhausts the hop bound, then persists and checkpoints the result.
func (e *Engine) runMachine(ctx context.Context, tc *TurnContext, state *models.FlowState, messages []string) (*models.TurnResult, error) {
	machine, ok := Get(state.FlowKind)
	if !ok {
		slog.Error("Engine.runMachine: no machine registered",
			"conversationID", state.ConversationID, "flowKind", state.FlowKind)
		return e.abortFlow(ctx, tc, state, messages, "no machine registered for "+string(state.FlowKind)), nil
	}

	result := &models.TurnResult{}
	terminal := false

	for hop := 0; ; hop++ {
		if hop >= maxHops {
			slog.Error("Engine.runMachine: hop bound exceeded",
				"conversationID", state.ConversationID, "flowKind", state.FlowKind, "step", state.Step)
			return e.abortFlow(ctx, tc, state, messages,
				fmt.Sprintf("machine for %s exceeded %d transitions on one message at step %s",
					state.FlowKind, maxHops, state.Step)), nil
		}

		tr, err := machine.Advance(ctx, tc, state)
		if err != nil {
			slog.Error("Engine.runMachine: machine failed",
				"conversationID", state.ConversationID, "flowKind", state.FlowKind,
				"step", state.Step, "error", err)
			if tr != nil {
				messages = append(messages, tr.Messages...)
				aborted := e.abortFlowWith(ctx, tc, tr.State, messages, tr.Escalate)
				return aborted, nil
			}
			return e.abortFlow(ctx, tc, state, messages, err.Error()), nil
		}

		state = tr.State
		messages = append(messages, tr.Messages...)
		if tr.StaffNote != "" {
			result.StaffNote = &models.StaffNote{
				ConversationID: state.ConversationID,
				Content:        tr.StaffNote,
			}
		}
		if tr.Escalate != nil {
			result.CaseID = e.escalate(ctx, tc, state, tr.Escalate)
		}

		tc.consume()

		if tr.Terminal {
			terminal = true
			break
		}
		if !tr.Continue {
			break
		}
	}

	if terminal {
		e.checkpoint(state, models.CheckpointTriggerMessage)
		e.states.Clear(ctx, state.ConversationID)
	} else {
		saved := e.states.Set(ctx, state)
		e.checkpoint(saved, models.CheckpointTriggerMessage)
	}

	result.Messages = e.outbound(state.ConversationID, messages)
	result.Terminal = terminal
	return result, nil
}

// handleCancel ends the active flow, if any, with exactly one acknowledgment.
func (e *Engine) handleCancel(ctx context.Context, tc *TurnContext, state *models.FlowState) *models.TurnResult {
	if state == nil {
		return &models.TurnResult{
			Messages: e.outbound(tc.Input.ConversationID, []string{msgNothingToCancel()}),
		}
	}

	e.checkpoint(state, models.CheckpointTriggerMessage)
	e.states.Clear(ctx, state.ConversationID)
	slog.Info("Engine.handleCancel: flow cancelled",
		"conversationID", state.ConversationID, "flowKind", state.FlowKind, "step", state.Step)
	return &models.TurnResult{
		Messages: e.outbound(state.ConversationID, []string{msgCancelAck()}),
		Terminal: true,
	}
}

// handlePolicyDenied ends a flow whose kind the policy stopped allowing
// mid-conversation. The gate runs on every turn, so a staged confirmation is
// terminated here before its commit can go through. The final checkpoint
// keeps the draft for staff.
func (e *Engine) handlePolicyDenied(ctx context.Context, tc *TurnContext, state *models.FlowState) *models.TurnResult {
	e.checkpoint(state, models.CheckpointTriggerMessage)
	e.states.Clear(ctx, state.ConversationID)
	slog.Info("Engine.handlePolicyDenied: flow terminated by policy",
		"conversationID", state.ConversationID, "flowKind", state.FlowKind, "step", state.Step)
	return &models.TurnResult{
		Messages: e.outbound(state.ConversationID, []string{msgFlowNotAvailable()}),
		Terminal: true,
	}
}

// handleAgentRequest opens a HITL case and parks the flow. The flow state is
// left untouched so staff can see exactly where the customer stopped.
func (e *Engine) handleAgentRequest(ctx context.Context, tc *TurnContext, state *models.FlowState) *models.TurnResult {
	req := &EscalationRequest{
		Reason:   hitl.ReasonCustomerRequest,
		Priority: models.HitlPriorityNormal,
		Context:  "customer asked for a human: " + tc.Text,
	}
	caseID := e.escalate(ctx, tc, state, req)
	return &models.TurnResult{
		Messages: e.outbound(tc.Input.ConversationID, []string{msgAgentComing()}),
		CaseID:   caseID,
	}
}

// HandleResolution applies a staff resolution to the conversation: the flow
// is closed out (staff took over the order) and the customer is told what
// was decided. Callers invoke it once per newly resolved case.
func (e *Engine) HandleResolution(ctx context.Context, c models.HitlCase) (*models.TurnResult, error) {
	if c.ConversationID == "" {
		return nil, models.ErrEmptyConversationID
	}

	lock := e.conversationLock(c.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if state := e.states.Get(ctx, c.ConversationID); state != nil {
		e.checkpoint(state, models.CheckpointTriggerResolution)
		e.states.Clear(ctx, c.ConversationID)
		slog.Info("Engine.HandleResolution: parked flow closed by resolution",
			"conversationID", c.ConversationID, "caseID", c.CaseID, "flowKind", state.FlowKind)
	}

	return &models.TurnResult{
		Messages: e.outbound(c.ConversationID, []string{msgCaseResolved(c.Instruction)}),
		Terminal: true,
		CaseID:   c.CaseID,
	}, nil
}

// RestoreCheckpoint reinstates a checkpointed flow state as the active flow
// for its conversation.
func (e *Engine) RestoreCheckpoint(ctx context.Context, checkpointID string) (*models.FlowState, error) {
	state, err := e.checkpoints.Restore(checkpointID)
	if err != nil {
		return nil, err
	}

	lock := e.conversationLock(state.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	saved := e.states.Set(ctx, state)
	e.checkpoint(saved, models.CheckpointTriggerRestore)
	slog.Info("Engine.RestoreCheckpoint: flow restored",
		"conversationID", state.ConversationID, "checkpointID", checkpointID,
		"flowKind", saved.FlowKind, "step", saved.Step)
	return saved, nil
}

// abortFlow clears a broken flow, checkpoints it for the audit trail, and
// escalates so a human picks the conversation up.
func (e *Engine) abortFlow(ctx context.Context, tc *TurnContext, state *models.FlowState, messages []string, detail string) *models.TurnResult {
	return e.abortFlowWith(ctx, tc, state, append(messages, msgGenericTrouble()), &EscalationRequest{
		Reason:   hitl.ReasonStuckConversation,
		Priority: models.HitlPriorityHigh,
		Context:  detail,
	})
}

func (e *Engine) abortFlowWith(ctx context.Context, tc *TurnContext, state *models.FlowState, messages []string, esc *EscalationRequest) *models.TurnResult {
	result := &models.TurnResult{Terminal: true}
	if esc != nil {
		result.CaseID = e.escalate(ctx, tc, state, esc)
	}
	if state != nil {
		e.checkpoint(state, models.CheckpointTriggerMessage)
		e.states.Clear(ctx, state.ConversationID)
	}
	result.Messages = e.outbound(tc.Input.ConversationID, messages)
	return result
}

// escalate forwards an escalation to the HITL service, attaching the branch
// and the policy's grace window. Returns the case ID, or empty on failure.
func (e *Engine) escalate(ctx context.Context, tc *TurnContext, state *models.FlowState, req *EscalationRequest) string {
	if e.escalator == nil {
		slog.Warn("Engine.escalate: no escalator configured, dropping escalation",
			"conversationID", tc.Input.ConversationID, "reason", req.Reason)
		return ""
	}

	branchID := ""
	if state != nil && state.Draft.Create != nil {
		branchID = state.Draft.Create.BranchID
	}
	policy := tc.PolicyFor(ctx, branchID)

	c, err := e.escalator.Escalate(hitl.EscalateRequest{
		ConversationID: tc.Input.ConversationID,
		BranchID:       branchID,
		Reason:         req.Reason,
		Priority:       req.Priority,
		Context:        req.Context,
		GraceDelay:     policy.EscalationDelay(),
	})
	if err != nil {
		slog.Error("Engine.escalate: escalation failed",
			"conversationID", tc.Input.ConversationID, "reason", req.Reason, "error", err)
		return ""
	}
	slog.Info("Engine.escalate: case opened",
		"conversationID", tc.Input.ConversationID, "caseID", c.CaseID,
		"reason", req.Reason, "priority", c.Priority)
	return c.CaseID
}

// checkpoint appends a snapshot, logging failures instead of failing the
// turn: a missed checkpoint costs audit detail, not correctness.
func (e *Engine) checkpoint(state *models.FlowState, trigger models.CheckpointTrigger) {
	if state == nil {
		return
	}
	if _, err := e.checkpoints.Append(state, trigger); err != nil {
		slog.Error("Engine.checkpoint: append failed",
			"conversationID", state.ConversationID, "trigger", trigger, "error", err)
	}
}

func (e *Engine) reply(tc *TurnContext, content string) *models.TurnResult {
	return &models.TurnResult{Messages: e.outbound(tc.Input.ConversationID, []string{content})}
}

func (e *Engine) outbound(conversationID string, contents []string) []models.OutboundMessage {
	out := make([]models.OutboundMessage, 0, len(contents))
	for _, content := range contents {
		out = append(out, models.OutboundMessage{ConversationID: conversationID, Content: content})
	}
	return out
}
