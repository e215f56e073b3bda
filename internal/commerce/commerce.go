// Package commerce defines the interfaces to the retail backend: the
// availability/commit API that owns orders and the policy source that gates
// what conversations may do.
//
// Both availability checks and commits run against live external state that
// can change between any two turns of a conversation. The commit API is
// idempotent by key: replaying a commit with the same key returns the
// original outcome instead of creating a second order.
package commerce

import (
	"context"

	"github.com/BakeDesk/OrderPilot/internal/models"
)

// AvailabilityRequest asks the backend whether a proposed order or change is
// currently satisfiable.
type AvailabilityRequest struct {
	FlowKind     models.FlowKind   `json:"flow_kind"`
	BranchID     string            `json:"branch_id,omitempty"`
	DeliveryDate string            `json:"delivery_date,omitempty"`
	Items        []models.OrderItem `json:"items,omitempty"`

	// Modify-flow fields.
	OrderRef   string            `json:"order_ref,omitempty"`
	ChangeType models.ChangeType `json:"change_type,omitempty"`
	NewValue   string            `json:"new_value,omitempty"`
}

// AvailabilityResult is the backend's answer. Unavailable is not an error;
// Alternatives carries backend-suggested substitutes (dates, branches) to
// offer the customer.
type AvailabilityResult struct {
	Available    bool     `json:"available"`
	Reason       string   `json:"reason,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// CommitRequest finalizes a previously confirmed order or change. The
// idempotency key must be the one minted when the pending commit was staged;
// retries after uncertain outcomes reuse it unchanged.
type CommitRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	ConversationID string            `json:"conversation_id"`
	FlowKind       models.FlowKind   `json:"flow_kind"`
	ContactValue   string            `json:"contact_value,omitempty"`
	BranchID       string            `json:"branch_id,omitempty"`
	DeliveryDate   string            `json:"delivery_date,omitempty"`
	Items          []models.OrderItem `json:"items,omitempty"`

	// Modify-flow fields.
	OrderRef   string            `json:"order_ref,omitempty"`
	ChangeType models.ChangeType `json:"change_type,omitempty"`
	NewValue   string            `json:"new_value,omitempty"`
	OwnerProof string            `json:"owner_proof,omitempty"`
}

// CommitResult reports the committed order. Replayed is true when the
// backend recognized the idempotency key and returned the original outcome.
type CommitResult struct {
	OrderRef string             `json:"order_ref"`
	Status   models.OrderStatus `json:"status"`
	Replayed bool               `json:"replayed,omitempty"`
}

// Client is the retail backend as the flow machines see it. Implementations
// classify failures with models.FlowError so callers can branch on
// models.ClassOf without inspecting transport details.
type Client interface {
	// CheckAvailability verifies a proposed order or change against live
	// backend state. A sold-out product or closed date is a normal result,
	// not an error.
	CheckAvailability(ctx context.Context, req AvailabilityRequest) (AvailabilityResult, error)

	// CommitChange finalizes a confirmed order or change, keyed for
	// idempotent replay.
	CommitChange(ctx context.Context, req CommitRequest) (CommitResult, error)

	// FindOrder looks up an order by reference and verifies the contact
	// value matches the order's owner. Returns nil, nil when no such order
	// exists; an ownership mismatch is an authorization-classed error.
	FindOrder(ctx context.Context, orderRef, contactValue string) (*models.Order, error)
}

// PolicySource supplies the current policy for a branch. Policies may change
// while a conversation is in flight; callers re-read at every gate instead of
// caching per flow.
type PolicySource interface {
	GetPolicy(ctx context.Context, branchID string) (models.Policy, error)
}

// StaticPolicySource returns a fixed policy, used when no policy API is
// configured and by tests.
type StaticPolicySource struct {
	Policy models.Policy
}

// GetPolicy returns the configured policy for every branch.
func (s StaticPolicySource) GetPolicy(ctx context.Context, branchID string) (models.Policy, error) {
	return s.Policy, nil
}

// DefaultPolicy is the permissive baseline applied when no policy API is set.
func DefaultPolicy() models.Policy {
	return models.Policy{
		AllowReschedule:   true,
		AllowBranchChange: true,
		CutoffHours:       24,
	}
}
