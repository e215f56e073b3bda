package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/BakeDesk/OrderPilot/internal/commerce"
	"github.com/BakeDesk/OrderPilot/internal/hitl"
	"github.com/BakeDesk/OrderPilot/internal/models"
)

// stagePlan describes one two-phase attempt: the availability pre-check, the
// confirmation summary shown to the customer, and where a failed attempt
// sends the conversation. Machines build a fresh plan per hop.
type stagePlan struct {
	avail             commerce.AvailabilityRequest
	summary           string
	changeDescription string
	branchID          string
	confirmStep       models.Step
	// retryStep and retryPrompt define where race losses and policy
	// denials send the customer to pick again. clearRetryField unsets the
	// rejected draft value so the retry step asks instead of auto-skipping.
	retryStep       models.Step
	retryPrompt     func(tc *TurnContext) string
	clearRetryField func(st *models.FlowState)
	successMsg      func(orderRef string) string
}

// flowErrorReason extracts the backend-provided reason for display.
func flowErrorReason(err error) string {
	var fe *models.FlowError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// stagePendingCommit is phase one: re-verify availability against live
// backend state and, if it holds, stage a PendingCommit with a fresh
// idempotency key and the policy's confirmation window.
func stagePendingCommit(ctx context.Context, tc *TurnContext, state *models.FlowState, plan stagePlan) (*Transition, error) {
	res, err := tc.Commerce.CheckAvailability(ctx, plan.avail)
	if err != nil {
		return availabilityFailure(tc, state, plan, err), nil
	}
	if !res.Available {
		return toRetry(tc, state, plan, res.Reason, res.Alternatives), nil
	}

	policy := tc.PolicyFor(ctx, plan.branchID)
	key := uuid.NewString()
	pc := models.PendingCommit{
		Items:             plan.avail.Items,
		ChangeDescription: plan.changeDescription,
		Summary:           plan.summary,
		IdempotencyKey:    key,
		CreatedAt:         tc.Now,
		ExpiresAt:         tc.Now.Add(policy.ConfirmTTL()),
	}
	state.PendingCommit = &pc
	state.IdempotencyKey = key
	state.Step = plan.confirmStep

	slog.Debug("Flow.stagePendingCommit: commit staged",
		"conversationID", state.ConversationID, "flowKind", state.FlowKind,
		"idempotencyKey", key, "expiresAt", pc.ExpiresAt)
	return &Transition{
		State:    state,
		Messages: []string{msgConfirmPrompt(plan.summary, policy.Phrase(), policy.ConfirmTTL())},
	}, nil
}

// resolveConfirmation is phase two, entered when the customer typed the
// confirmation phrase: verify the window, re-run the pre-check, and commit
// with the staged idempotency key.
func resolveConfirmation(ctx context.Context, tc *TurnContext, state *models.FlowState, plan stagePlan, commit commerce.CommitRequest) (*Transition, error) {
	pc := state.PendingCommit
	if pc == nil {
		// Confirm step without a staged commit should be unreachable.
		slog.Error("Flow.resolveConfirmation: no pending commit at confirm step",
			"conversationID", state.ConversationID, "flowKind", state.FlowKind)
		return &Transition{
			State:    state,
			Messages: []string{msgGenericTrouble()},
			Escalate: &EscalationRequest{
				Reason:   hitl.ReasonStuckConversation,
				Priority: models.HitlPriorityHigh,
				Context:  fmt.Sprintf("confirm step reached with no pending commit (%s)", state.FlowKind),
			},
		}, models.ErrNoPendingCommit
	}

	if pc.Expired(tc.Now) {
		slog.Info("Flow.resolveConfirmation: confirmation window expired, restaging",
			"conversationID", state.ConversationID, "expiredAt", pc.ExpiresAt)
		state.PendingCommit = nil
		tr, err := stagePendingCommit(ctx, tc, state, plan)
		if err != nil {
			return tr, err
		}
		tr.Messages = append([]string{msgConfirmExpiredRestaged()}, tr.Messages...)
		return tr, nil
	}

	// The world may have moved while the customer decided. Re-check before
	// committing so a lost race surfaces here, not as a failed commit.
	res, err := tc.Commerce.CheckAvailability(ctx, plan.avail)
	if err != nil {
		return availabilityFailure(tc, state, plan, err), nil
	}
	if !res.Available {
		return toRetry(tc, state, plan, res.Reason, res.Alternatives), nil
	}

	commit.IdempotencyKey = pc.IdempotencyKey
	cres, err := tc.Commerce.CommitChange(ctx, commit)
	if err != nil {
		return commitFailure(ctx, tc, state, plan, err), nil
	}

	if cres.Replayed {
		slog.Info("Flow.resolveConfirmation: backend replayed idempotent commit",
			"conversationID", state.ConversationID, "idempotencyKey", pc.IdempotencyKey,
			"orderRef", cres.OrderRef)
	}
	state.PendingCommit = nil
	slog.Info("Flow.resolveConfirmation: commit succeeded",
		"conversationID", state.ConversationID, "flowKind", state.FlowKind,
		"orderRef", cres.OrderRef)
	return &Transition{
		State:    state,
		Messages: []string{plan.successMsg(cres.OrderRef)},
		Terminal: true,
	}, nil
}

// availabilityFailure maps a failed pre-check call. The pending commit, when
// staged, stays in place: nothing was attempted against the backend.
func availabilityFailure(tc *TurnContext, state *models.FlowState, plan stagePlan, err error) *Transition {
	class := models.ClassOf(err)
	slog.Warn("Flow: availability pre-check failed",
		"conversationID", state.ConversationID, "class", class, "error", err)

	switch class {
	case models.ErrorClassAuthorization:
		return &Transition{
			State:    state,
			Messages: []string{msgAuthorizationEscalated()},
			Escalate: &EscalationRequest{
				Reason:   hitl.ReasonAuthorizationFailed,
				Priority: models.HitlPriorityHigh,
				Context:  fmt.Sprintf("availability check rejected for %s: %s", state.FlowKind, plan.summary),
			},
		}
	case models.ErrorClassPolicyDenied:
		state.PendingCommit = nil
		state.Step = plan.retryStep
		if plan.clearRetryField != nil {
			plan.clearRetryField(state)
		}
		return &Transition{
			State:    state,
			Messages: []string{msgPolicyDenied(flowErrorReason(err)), plan.retryPrompt(tc)},
		}
	default:
		// Transport and anything unclassified: the customer can simply try
		// again; no state moved.
		return &Transition{
			State:    state,
			Messages: []string{msgBackendDown()},
		}
	}
}

// commitFailure maps a failed commit call per the error taxonomy.
func commitFailure(ctx context.Context, tc *TurnContext, state *models.FlowState, plan stagePlan, err error) *Transition {
	class := models.ClassOf(err)
	slog.Warn("Flow: commit failed",
		"conversationID", state.ConversationID, "class", class, "error", err)

	switch class {
	case models.ErrorClassRaceLost:
		// Rejected, nothing committed. Refetch alternatives for the retry
		// prompt; a failure here just means a plainer message.
		var alternatives []string
		if res, aerr := tc.Commerce.CheckAvailability(ctx, plan.avail); aerr == nil {
			alternatives = res.Alternatives
		}
		return toRetry(tc, state, plan, flowErrorReason(err), alternatives)

	case models.ErrorClassAuthorization:
		return &Transition{
			State:    state,
			Messages: []string{msgAuthorizationEscalated()},
			Escalate: &EscalationRequest{
				Reason:   hitl.ReasonAuthorizationFailed,
				Priority: models.HitlPriorityHigh,
				Context:  fmt.Sprintf("commit rejected as unauthorized for %s: %s", state.FlowKind, plan.summary),
			},
		}

	case models.ErrorClassPolicyDenied:
		state.PendingCommit = nil
		state.Step = plan.retryStep
		if plan.clearRetryField != nil {
			plan.clearRetryField(state)
		}
		return &Transition{
			State:    state,
			Messages: []string{msgPolicyDenied(flowErrorReason(err)), plan.retryPrompt(tc)},
		}

	default:
		// Uncertain outcome: the commit may or may not have landed. Keep
		// the PendingCommit exactly as staged so a retried confirmation
		// reuses the same idempotency key, and bring a human in.
		return &Transition{
			State:    state,
			Messages: []string{msgUncertainOutcome()},
			StaffNote: fmt.Sprintf("Commit outcome uncertain for conversation %s (%s). Idempotency key %s. Pending: %s",
				state.ConversationID, state.FlowKind, state.IdempotencyKey, plan.summary),
			Escalate: &EscalationRequest{
				Reason:   hitl.ReasonCommitUncertain,
				Priority: models.HitlPriorityHigh,
				Context:  fmt.Sprintf("commit outcome uncertain, idempotency key %s: %s", state.IdempotencyKey, plan.summary),
			},
		}
	}
}

// toRetry clears the pending commit and walks the customer back to the
// retry step with whatever alternatives the backend offered.
func toRetry(tc *TurnContext, state *models.FlowState, plan stagePlan, reason string, alternatives []string) *Transition {
	state.PendingCommit = nil
	state.Step = plan.retryStep
	if plan.clearRetryField != nil {
		plan.clearRetryField(state)
	}

	messages := []string{msgUnavailable(reason)}
	if alt := msgAlternatives(alternatives); alt != "" {
		messages = append(messages, alt)
	}
	messages = append(messages, plan.retryPrompt(tc))

	slog.Info("Flow: availability lost, returning to retry step",
		"conversationID", state.ConversationID, "retryStep", plan.retryStep, "reason", reason)
	return &Transition{State: state, Messages: messages}
}
