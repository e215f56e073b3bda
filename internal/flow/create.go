package flow

import (
	"context"
	"fmt"

	"github.com/BakeDesk/OrderPilot/internal/commerce"
	"github.com/BakeDesk/OrderPilot/internal/models"
)

// CreateMachine drives a new order: product, branch, date, quantity, then
// the two-phase confirm/commit.
type CreateMachine struct{}

func (m *CreateMachine) Kind() models.FlowKind { return models.FlowKindOrderCreate }

func (m *CreateMachine) FirstStep() models.Step { return models.StepCreateProduct }

func (m *CreateMachine) Advance(ctx context.Context, tc *TurnContext, state *models.FlowState) (*Transition, error) {
	st := state.Clone()
	if st.Draft.Create == nil {
		return nil, models.NewFlowError(models.ErrorClassInvariant,
			"create flow carries no create draft", models.ErrFlowKindMismatch)
	}

	switch st.Step {
	case models.StepCreateProduct:
		return m.advanceProduct(tc, st), nil
	case models.StepCreateBranch:
		return m.advanceBranch(tc, st), nil
	case models.StepCreateDate:
		return m.advanceDate(tc, st), nil
	case models.StepCreateQuantity:
		return m.advanceQuantity(tc, st), nil
	case models.StepCreateConfirm:
		return m.advanceConfirm(ctx, tc, st)
	default:
		return nil, models.NewFlowError(models.ErrorClassInvariant,
			fmt.Sprintf("unknown create step %s", st.Step), nil)
	}
}

func (m *CreateMachine) advanceProduct(tc *TurnContext, st *models.FlowState) *Transition {
	d := st.Draft.Create
	products := tc.Input.Snapshot.Products

	if d.ProductID != "" && !tc.HasInput() {
		st.Step = models.StepCreateBranch
		return &Transition{State: st, Continue: true}
	}
	if len(products) == 0 {
		return &Transition{State: st, Messages: []string{msgNoCatalog()}, Terminal: true}
	}

	if tc.HasInput() {
		names := make([]string, len(products))
		for i, p := range products {
			names[i] = p.Name
		}
		if idx, ok := matchOption(tc.Text, names); ok {
			d.ProductID = products[idx].ID
			d.ProductName = products[idx].Name
			st.Step = models.StepCreateBranch
			return &Transition{State: st, Continue: true}
		}
		if !tc.FreshFlow {
			return &Transition{State: st, Messages: []string{msgNoMatch(), msgProductPrompt(products)}}
		}
	}
	return &Transition{State: st, Messages: []string{msgProductPrompt(products)}}
}

func (m *CreateMachine) advanceBranch(tc *TurnContext, st *models.FlowState) *Transition {
	d := st.Draft.Create
	branches := tc.Input.Snapshot.Branches

	if d.BranchID != "" && !tc.HasInput() {
		st.Step = models.StepCreateDate
		return &Transition{State: st, Continue: true}
	}
	// No branch list means a single-location deployment; skip the question.
	if len(branches) == 0 {
		st.Step = models.StepCreateDate
		return &Transition{State: st, Continue: true}
	}
	if len(branches) == 1 {
		d.BranchID = branches[0].ID
		d.BranchName = branches[0].Name
		st.Step = models.StepCreateDate
		return &Transition{
			State:    st,
			Messages: []string{msgBranchAutoPicked(branches[0].Name)},
			Continue: true,
		}
	}

	if tc.HasInput() {
		names := make([]string, len(branches))
		for i, b := range branches {
			names[i] = b.Name
		}
		if idx, ok := matchOption(tc.Text, names); ok {
			d.BranchID = branches[idx].ID
			d.BranchName = branches[idx].Name
			st.Step = models.StepCreateDate
			return &Transition{State: st, Continue: true}
		}
		return &Transition{State: st, Messages: []string{msgNoMatch(), msgBranchPrompt(branches)}}
	}
	return &Transition{State: st, Messages: []string{msgBranchPrompt(branches)}}
}

func (m *CreateMachine) advanceDate(tc *TurnContext, st *models.FlowState) *Transition {
	d := st.Draft.Create
	dates := tc.Input.Snapshot.DeliveryDates

	if d.DeliveryDate != "" && !tc.HasInput() {
		st.Step = models.StepCreateQuantity
		return &Transition{State: st, Continue: true}
	}
	if len(dates) == 0 {
		return &Transition{State: st, Messages: []string{msgNoDates()}}
	}
	if len(dates) == 1 && !tc.HasInput() {
		d.DeliveryDate = dates[0]
		st.Step = models.StepCreateQuantity
		return &Transition{
			State:    st,
			Messages: []string{msgDateAutoPicked(dates[0])},
			Continue: true,
		}
	}

	if tc.HasInput() {
		if date, ok := matchDate(tc.Text, dates); ok {
			d.DeliveryDate = date
			st.Step = models.StepCreateQuantity
			return &Transition{State: st, Continue: true}
		}
		return &Transition{State: st, Messages: []string{msgNoMatch(), msgDatePrompt(dates)}}
	}
	return &Transition{State: st, Messages: []string{msgDatePrompt(dates)}}
}

func (m *CreateMachine) advanceQuantity(tc *TurnContext, st *models.FlowState) *Transition {
	d := st.Draft.Create

	if d.Quantity > 0 && !tc.HasInput() {
		m.finalizeItems(tc, st)
		st.Step = models.StepCreateConfirm
		return &Transition{State: st, Continue: true}
	}

	if tc.HasInput() {
		if qty, ok := parseQuantity(tc.Text); ok {
			d.Quantity = qty
			m.finalizeItems(tc, st)
			st.Step = models.StepCreateConfirm
			return &Transition{State: st, Continue: true}
		}
		return &Transition{State: st, Messages: []string{msgNoMatch(), msgQuantityPrompt(d.ProductName)}}
	}
	return &Transition{State: st, Messages: []string{msgQuantityPrompt(d.ProductName)}}
}

// finalizeItems builds the order lines the pre-check and commit will carry.
func (m *CreateMachine) finalizeItems(tc *TurnContext, st *models.FlowState) {
	d := st.Draft.Create
	item := models.OrderItem{
		ProductID: d.ProductID,
		Name:      d.ProductName,
		Quantity:  d.Quantity,
	}
	for _, p := range tc.Input.Snapshot.Products {
		if p.ID == d.ProductID {
			item.UnitPrice = p.UnitPrice
			break
		}
	}
	d.Items = []models.OrderItem{item}
}

func (m *CreateMachine) advanceConfirm(ctx context.Context, tc *TurnContext, st *models.FlowState) (*Transition, error) {
	plan := m.plan(st)

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
		policy := tc.PolicyFor(ctx, plan.branchID)
		remaining := st.PendingCommit.ExpiresAt.Sub(tc.Now)
		return &Transition{
			State:    st,
			Messages: []string{msgConfirmPrompt(st.PendingCommit.Summary, policy.Phrase(), remaining)},
		}, nil
	}

	policy := tc.PolicyFor(ctx, plan.branchID)
	switch {
	case MatchesPhrase(tc.Text, policy.Phrase()):
		return resolveConfirmation(ctx, tc, st, plan, m.commitRequest(tc, st))
	case isAffirmative(tc.Text):
		// A bare "sí" is not a confirmation.
		return &Transition{State: st, Messages: []string{msgExplicitConfirmNeeded(policy.Phrase())}}, nil
	default:
		return &Transition{State: st, Messages: []string{msgConfirmOrCancel(policy.Phrase())}}, nil
	}
}

func (m *CreateMachine) plan(st *models.FlowState) stagePlan {
	d := st.Draft.Create
	return stagePlan{
		avail: commerce.AvailabilityRequest{
			FlowKind:     models.FlowKindOrderCreate,
			BranchID:     d.BranchID,
			DeliveryDate: d.DeliveryDate,
			Items:        d.Items,
		},
		summary:     summaryCreate(d),
		branchID:    d.BranchID,
		confirmStep: models.StepCreateConfirm,
		retryStep:   models.StepCreateDate,
		retryPrompt: func(tc *TurnContext) string {
			if dates := tc.Input.Snapshot.DeliveryDates; len(dates) > 0 {
				return msgDatePrompt(dates)
			}
			return msgPickAnotherDate()
		},
		clearRetryField: func(st *models.FlowState) {
			if st.Draft.Create != nil {
				st.Draft.Create.DeliveryDate = ""
			}
		},
		successMsg: msgCommitSuccessCreate,
	}
}

func (m *CreateMachine) commitRequest(tc *TurnContext, st *models.FlowState) commerce.CommitRequest {
	d := st.Draft.Create
	return commerce.CommitRequest{
		ConversationID: st.ConversationID,
		FlowKind:       models.FlowKindOrderCreate,
		ContactValue:   tc.Input.Contact,
		BranchID:       d.BranchID,
		DeliveryDate:   d.DeliveryDate,
		Items:          d.Items,
	}
}
