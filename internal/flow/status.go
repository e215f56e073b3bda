package flow

import (
	"context"
	"fmt"

	"github.com/BakeDesk/OrderPilot/internal/models"
)

// StatusMachine answers "where is my order": one lookup step, terminal on
// success. Ownership still gates the lookup so order details never leak to
// a contact that does not own the reference.
type StatusMachine struct{}

func (m *StatusMachine) Kind() models.FlowKind { return models.FlowKindOrderStatus }

func (m *StatusMachine) FirstStep() models.Step { return models.StepStatusOrderRef }

func (m *StatusMachine) Advance(ctx context.Context, tc *TurnContext, state *models.FlowState) (*Transition, error) {
	st := state.Clone()
	if st.Draft.Status == nil {
		return nil, models.NewFlowError(models.ErrorClassInvariant,
			"status flow carries no status draft", models.ErrFlowKindMismatch)
	}
	if st.Step != models.StepStatusOrderRef {
		return nil, models.NewFlowError(models.ErrorClassInvariant,
			fmt.Sprintf("unknown status step %s", st.Step), nil)
	}

	if !tc.HasInput() {
		return &Transition{State: st, Messages: []string{msgStatusRefPrompt()}}, nil
	}

	ref, ok := extractOrderRef(tc.Text)
	if !ok {
		if tc.FreshFlow {
			return &Transition{State: st, Messages: []string{msgStatusRefPrompt()}}, nil
		}
		return &Transition{State: st, Messages: []string{msgNoMatch(), msgStatusRefPrompt()}}, nil
	}

	order, err := tc.Commerce.FindOrder(ctx, ref, tc.Input.Contact)
	if err != nil {
		if models.ClassOf(err) == models.ErrorClassAuthorization {
			return &Transition{State: st, Messages: []string{msgOwnershipFailed()}}, nil
		}
		return &Transition{State: st, Messages: []string{msgBackendDown()}}, nil
	}
	if order == nil {
		return &Transition{State: st, Messages: []string{msgOrderNotFound(), msgStatusRefPrompt()}}, nil
	}

	st.Draft.Status.OrderRef = order.Ref
	st.Draft.Status.ContactValue = tc.Input.Contact
	return &Transition{State: st, Messages: []string{msgOrderStatus(order)}, Terminal: true}, nil
}
