// Package flow implements the transactional conversation engine: per-flow
// step machines, the two-phase availability/commit protocol, the in-memory
// flow state store, and the engine that ties them to checkpoints and HITL
// escalation.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BakeDesk/OrderPilot/internal/commerce"
	"github.com/BakeDesk/OrderPilot/internal/models"
)

// TurnContext carries one turn's parsed input and collaborators into the
// step machines. The engine clears Text and Folded after the hop that
// consumes them, so later hops in the same turn see an input-free context.
type TurnContext struct {
	Input  models.TurnInput
	Text   string // trimmed original input
	Folded string // accent-folded lowercase form of Text, used for matching
	Now    time.Time
	// FreshFlow is true when the engine created the flow state this turn,
	// so machines prompt plainly instead of reporting a failed match.
	FreshFlow bool

	Commerce commerce.Client
	Policies commerce.PolicySource
}

// HasInput reports whether this hop still has unconsumed customer input.
func (tc *TurnContext) HasInput() bool {
	return tc.Text != ""
}

// consume clears the input so subsequent hops of the same turn cannot
// re-interpret it.
func (tc *TurnContext) consume() {
	tc.Text = ""
	tc.Folded = ""
}

// PolicyFor reads the current policy for a branch. Policies are re-read at
// every gate; a fetch failure falls back to the permissive defaults and is
// logged, while the commit path stays protected by the backend's own checks.
func (tc *TurnContext) PolicyFor(ctx context.Context, branchID string) models.Policy {
	p, err := tc.Policies.GetPolicy(ctx, branchID)
	if err != nil {
		slog.Warn("Flow.TurnContext: policy fetch failed, using defaults",
			"error", err, "branchID", branchID)
		return commerce.DefaultPolicy()
	}
	return p
}

// EscalationRequest asks the engine to open a HITL case for this turn.
type EscalationRequest struct {
	Reason   string
	Priority models.HitlPriority
	Context  string // short description for the incident summary
}

// Transition is the outcome of one Advance hop.
type Transition struct {
	// State is the successor flow state. Machines never mutate their input;
	// they return a modified clone.
	State *models.FlowState
	// Messages are customer-facing replies, in delivery order.
	Messages []string
	// StaffNote is an internal note for the ops contact, never sent to the
	// customer.
	StaffNote string
	// Terminal marks the flow finished; the engine clears its state.
	Terminal bool
	// Escalate, when set, opens a HITL case. The flow state is kept so the
	// case resolution can pick the conversation back up.
	Escalate *EscalationRequest
	// Continue asks the engine for another hop within the same turn, used
	// when a step resolves without needing more input. The engine bounds
	// the hop count.
	Continue bool
}

// StepMachine advances one flow kind through its steps.
type StepMachine interface {
	// Kind identifies the flow kind this machine drives.
	Kind() models.FlowKind
	// FirstStep is the step a freshly created flow state starts in.
	FirstStep() models.Step
	// Advance applies one hop for the current step. It must not mutate
	// state; it returns a deep-copied successor inside the Transition.
	Advance(ctx context.Context, tc *TurnContext, state *models.FlowState) (*Transition, error)
}

var registry = make(map[models.FlowKind]StepMachine)

// Register associates a FlowKind with its StepMachine implementation.
func Register(kind models.FlowKind, m StepMachine) {
	registry[kind] = m
}

// Get retrieves the StepMachine for a flow kind.
func Get(kind models.FlowKind) (StepMachine, bool) {
	m, ok := registry[kind]
	return m, ok
}

// Register default machines
func init() {
	Register(models.FlowKindOrderCreate, &CreateMachine{})
	Register(models.FlowKindOrderModify, &ModifyMachine{})
	Register(models.FlowKindOrderStatus, &StatusMachine{})
}
