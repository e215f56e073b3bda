package flow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/BakeDesk/OrderPilot/internal/commerce"
	"github.com/BakeDesk/OrderPilot/internal/models"
)

// ModifyMachine changes an existing order: locate it, verify ownership with
// the customer, pick what to change and the new value, then confirm/commit.
type ModifyMachine struct{}

func (m *ModifyMachine) Kind() models.FlowKind { return models.FlowKindOrderModify }

func (m *ModifyMachine) FirstStep() models.Step { return models.StepModifyOrderRef }

func (m *ModifyMachine) Advance(ctx context.Context, tc *TurnContext, state *models.FlowState) (*Transition, error) {
	st := state.Clone()
	if st.Draft.Modify == nil {
		return nil, models.NewFlowError(models.ErrorClassInvariant,
			"modify flow carries no modify draft", models.ErrFlowKindMismatch)
	}

	switch st.Step {
	case models.StepModifyOrderRef:
		return m.advanceOrderRef(ctx, tc, st), nil
	case models.StepModifyVerify:
		return m.advanceVerify(ctx, tc, st), nil
	case models.StepModifyChangeType:
		return m.advanceChangeType(ctx, tc, st), nil
	case models.StepModifyNewValue:
		return m.advanceNewValue(tc, st), nil
	case models.StepModifyConfirm:
		return m.advanceConfirm(ctx, tc, st)
	default:
		return nil, models.NewFlowError(models.ErrorClassInvariant,
			fmt.Sprintf("unknown modify step %s", st.Step), nil)
	}
}

func (m *ModifyMachine) advanceOrderRef(ctx context.Context, tc *TurnContext, st *models.FlowState) *Transition {
	d := st.Draft.Modify

	if d.OrderRef != "" && !tc.HasInput() {
		st.Step = models.StepModifyVerify
		return &Transition{State: st, Continue: true}
	}
	if !tc.HasInput() {
		return &Transition{State: st, Messages: []string{msgOrderRefPrompt()}}
	}

	ref, ok := extractOrderRef(tc.Text)
	if !ok {
		if tc.FreshFlow {
			return &Transition{State: st, Messages: []string{msgOrderRefPrompt()}}
		}
		return &Transition{State: st, Messages: []string{msgNoMatch(), msgOrderRefPrompt()}}
	}

	order, err := tc.Commerce.FindOrder(ctx, ref, tc.Input.Contact)
	if err != nil {
		return m.lookupFailure(st, err)
	}
	if order == nil {
		return &Transition{State: st, Messages: []string{msgOrderNotFound(), msgOrderRefPrompt()}}
	}

	d.OrderRef = order.Ref
	d.ContactValue = tc.Input.Contact
	d.OwnerProof = order.OwnerProof
	st.Step = models.StepModifyVerify
	return &Transition{State: st, Messages: []string{msgVerifyOrder(order)}}
}

func (m *ModifyMachine) advanceVerify(ctx context.Context, tc *TurnContext, st *models.FlowState) *Transition {
	d := st.Draft.Modify

	if d.Verified && !tc.HasInput() {
		st.Step = models.StepModifyChangeType
		return &Transition{State: st, Continue: true}
	}
	if !tc.HasInput() {
		// Resumed mid-verify; re-fetch so the question shows the order again.
		order, err := tc.Commerce.FindOrder(ctx, d.OrderRef, d.ContactValue)
		if err != nil {
			return m.lookupFailure(st, err)
		}
		if order == nil {
			m.resetLookup(d)
			st.Step = models.StepModifyOrderRef
			return &Transition{State: st, Messages: []string{msgOrderNotFound(), msgOrderRefPrompt()}}
		}
		return &Transition{State: st, Messages: []string{msgVerifyOrder(order)}}
	}

	switch {
	case isAffirmative(tc.Text):
		d.Verified = true
		st.Step = models.StepModifyChangeType
		return &Transition{State: st, Continue: true}
	case isNegative(tc.Text):
		m.resetLookup(d)
		st.Step = models.StepModifyOrderRef
		return &Transition{State: st, Messages: []string{msgVerifyRejected()}}
	default:
		return &Transition{State: st, Messages: []string{msgNoMatch(), "¿Es el pedido correcto? Responde sí o no."}}
	}
}

// resetLookup drops everything tied to the located order so the customer can
// send another reference.
func (m *ModifyMachine) resetLookup(d *models.OrderModifyDraft) {
	d.OrderRef = ""
	d.OwnerProof = ""
	d.Verified = false
}

func (m *ModifyMachine) lookupFailure(st *models.FlowState, err error) *Transition {
	if models.ClassOf(err) == models.ErrorClassAuthorization {
		return &Transition{State: st, Messages: []string{msgOwnershipFailed()}}
	}
	return &Transition{State: st, Messages: []string{msgBackendDown()}}
}

func (m *ModifyMachine) advanceChangeType(ctx context.Context, tc *TurnContext, st *models.FlowState) *Transition {
	d := st.Draft.Modify

	if d.ChangeType != "" && !tc.HasInput() {
		st.Step = models.StepModifyNewValue
		return &Transition{State: st, Continue: true}
	}
	if !tc.HasInput() {
		return &Transition{State: st, Messages: []string{msgChangeTypePrompt()}}
	}

	ct, ok := matchChangeType(tc.Text)
	if !ok {
		return &Transition{State: st, Messages: []string{msgNoMatch(), msgChangeTypePrompt()}}
	}

	// Policies shift while conversations idle; gate on the current one.
	policy := tc.PolicyFor(ctx, "")
	if !policy.ChangeAllowed(ct) {
		return &Transition{State: st, Messages: []string{msgChangeDenied(ct), msgChangeTypePrompt()}}
	}

	d.ChangeType = ct
	st.Step = models.StepModifyNewValue
	return &Transition{State: st, Continue: true}
}

// matchChangeType resolves a change-type pick by list position or keyword.
func matchChangeType(text string) (models.ChangeType, bool) {
	byPosition := []models.ChangeType{models.ChangeTypeDate, models.ChangeTypeBranch, models.ChangeTypeQuantity}
	if idx, ok := matchOption(text, []string{"Fecha de entrega", "Sucursal", "Cantidad"}); ok {
		return byPosition[idx], true
	}
	norm := normalizeAnswer(text)
	switch {
	case containsAnyPhrase(norm, "fecha", "dia", "reagendar", "mover"):
		return models.ChangeTypeDate, true
	case containsAnyPhrase(norm, "sucursal", "tienda", "local"):
		return models.ChangeTypeBranch, true
	case containsAnyPhrase(norm, "cantidad", "piezas", "numero"):
		return models.ChangeTypeQuantity, true
	}
	return "", false
}

func (m *ModifyMachine) advanceNewValue(tc *TurnContext, st *models.FlowState) *Transition {
	d := st.Draft.Modify

	if d.NewValue != "" && !tc.HasInput() {
		st.Step = models.StepModifyConfirm
		return &Transition{State: st, Continue: true}
	}

	switch d.ChangeType {
	case models.ChangeTypeDate:
		dates := tc.Input.Snapshot.DeliveryDates
		if !tc.HasInput() {
			return &Transition{State: st, Messages: []string{msgNewDatePrompt(dates)}}
		}
		if date, ok := matchDate(tc.Text, dates); ok {
			d.NewValue = date
			st.Step = models.StepModifyConfirm
			return &Transition{State: st, Continue: true}
		}
		return &Transition{State: st, Messages: []string{msgNoMatch(), msgNewDatePrompt(dates)}}

	case models.ChangeTypeBranch:
		branches := tc.Input.Snapshot.Branches
		if !tc.HasInput() {
			return &Transition{State: st, Messages: []string{msgNewBranchPrompt(branches)}}
		}
		names := make([]string, len(branches))
		for i, b := range branches {
			names[i] = b.Name
		}
		if idx, ok := matchOption(tc.Text, names); ok {
			d.NewValue = branches[idx].ID
			st.Step = models.StepModifyConfirm
			return &Transition{State: st, Continue: true}
		}
		return &Transition{State: st, Messages: []string{msgNoMatch(), msgNewBranchPrompt(branches)}}

	case models.ChangeTypeQuantity:
		if !tc.HasInput() {
			return &Transition{State: st, Messages: []string{msgNewQuantityPrompt()}}
		}
		if qty, ok := parseQuantity(tc.Text); ok {
			d.NewValue = strconv.Itoa(qty)
			st.Step = models.StepModifyConfirm
			return &Transition{State: st, Continue: true}
		}
		return &Transition{State: st, Messages: []string{msgNoMatch(), msgNewQuantityPrompt()}}

	default:
		// Change type lost or corrupted; ask again.
		st.Step = models.StepModifyChangeType
		return &Transition{State: st, Messages: []string{msgChangeTypePrompt()}}
	}
}

func (m *ModifyMachine) advanceConfirm(ctx context.Context, tc *TurnContext, st *models.FlowState) (*Transition, error) {
	plan := m.plan(tc, st)

	if !tc.HasInput() {
		if st.PendingCommit == nil {
			return stagePendingCommit(ctx, tc, st, plan)
		}
		if st.PendingCommit.Expired(tc.Now) {
			st.PendingCommit = nil
			tr, err := stagePendingCommit(ctx, tc, st, plan)
			if err != nil {
				return tr, err
			}
			tr.Messages = append([]string{msgConfirmExpiredRestaged()}, tr.Messages...)
			return tr, nil
		}
		policy := tc.PolicyFor(ctx, "")
		remaining := st.PendingCommit.ExpiresAt.Sub(tc.Now)
		return &Transition{
			State:    st,
			Messages: []string{msgConfirmPrompt(st.PendingCommit.Summary, policy.Phrase(), remaining)},
		}, nil
	}

	policy := tc.PolicyFor(ctx, "")
	switch {
	case MatchesPhrase(tc.Text, policy.Phrase()):
		return resolveConfirmation(ctx, tc, st, plan, m.commitRequest(st))
	case isAffirmative(tc.Text):
		return &Transition{State: st, Messages: []string{msgExplicitConfirmNeeded(policy.Phrase())}}, nil
	default:
		return &Transition{State: st, Messages: []string{msgConfirmOrCancel(policy.Phrase())}}, nil
	}
}

func (m *ModifyMachine) plan(tc *TurnContext, st *models.FlowState) stagePlan {
	d := st.Draft.Modify
	display := m.displayValue(tc, d)
	return stagePlan{
		avail: commerce.AvailabilityRequest{
			FlowKind:   models.FlowKindOrderModify,
			OrderRef:   d.OrderRef,
			ChangeType: d.ChangeType,
			NewValue:   d.NewValue,
		},
		summary:           summaryModify(d, display),
		changeDescription: describeChange(d.ChangeType, display),
		confirmStep:       models.StepModifyConfirm,
		retryStep:         models.StepModifyNewValue,
		retryPrompt: func(tc *TurnContext) string {
			switch d.ChangeType {
			case models.ChangeTypeDate:
				if dates := tc.Input.Snapshot.DeliveryDates; len(dates) > 0 {
					return msgNewDatePrompt(dates)
				}
				return msgPickAnotherDate()
			case models.ChangeTypeBranch:
				return msgNewBranchPrompt(tc.Input.Snapshot.Branches)
			default:
				return msgNewQuantityPrompt()
			}
		},
		clearRetryField: func(st *models.FlowState) {
			if st.Draft.Modify != nil {
				st.Draft.Modify.NewValue = ""
			}
		},
		successMsg: msgCommitSuccessModify,
	}
}

// displayValue prettifies the staged new value for the confirmation summary.
func (m *ModifyMachine) displayValue(tc *TurnContext, d *models.OrderModifyDraft) string {
	switch d.ChangeType {
	case models.ChangeTypeDate:
		return formatDateSpanish(d.NewValue)
	case models.ChangeTypeBranch:
		for _, b := range tc.Input.Snapshot.Branches {
			if b.ID == d.NewValue {
				return b.Name
			}
		}
	}
	return d.NewValue
}

func (m *ModifyMachine) commitRequest(st *models.FlowState) commerce.CommitRequest {
	d := st.Draft.Modify
	return commerce.CommitRequest{
		ConversationID: st.ConversationID,
		FlowKind:       models.FlowKindOrderModify,
		ContactValue:   d.ContactValue,
		OrderRef:       d.OrderRef,
		ChangeType:     d.ChangeType,
		NewValue:       d.NewValue,
		OwnerProof:     d.OwnerProof,
	}
}
