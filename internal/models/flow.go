// Package models defines flow state structures for OrderPilot conversations.
package models

import (
	"errors"
	"time"
)

// FlowKind identifies which transactional flow owns a conversation.
type FlowKind string

const (
	// FlowKindOrderCreate drives a new order from product to commit.
	FlowKindOrderCreate FlowKind = "order_create"
	// FlowKindOrderModify drives a change to an existing order.
	FlowKindOrderModify FlowKind = "order_modify"
	// FlowKindOrderStatus answers a status question about an existing order.
	FlowKindOrderStatus FlowKind = "order_status"
)

// IsValidFlowKind checks if the given flow kind is supported.
func IsValidFlowKind(k FlowKind) bool {
	switch k {
	case FlowKindOrderCreate, FlowKindOrderModify, FlowKindOrderStatus:
		return true
	default:
		return false
	}
}

// Step identifies the current node of a flow's state machine.
type Step string

// Step constants for the order-create flow.
const (
	StepCreateProduct  Step = "CREATE_PRODUCT"
	StepCreateBranch   Step = "CREATE_BRANCH"
	StepCreateDate     Step = "CREATE_DATE"
	StepCreateQuantity Step = "CREATE_QUANTITY"
	StepCreateConfirm  Step = "CREATE_CONFIRM"
)

// Step constants for the order-modify flow.
const (
	StepModifyOrderRef   Step = "MODIFY_ORDER_REF"
	StepModifyVerify     Step = "MODIFY_VERIFY"
	StepModifyChangeType Step = "MODIFY_CHANGE_TYPE"
	StepModifyNewValue   Step = "MODIFY_NEW_VALUE"
	StepModifyConfirm    Step = "MODIFY_CONFIRM"
)

// Step constants for the order-status flow.
const (
	StepStatusOrderRef Step = "STATUS_ORDER_REF"
)

// Error variables shared by flow state consumers.
var (
	ErrMissingIdempotencyKey = errors.New("flow state has no idempotency key at commit time")
	ErrPendingCommitExpired  = errors.New("pending commit confirmation window expired")
	ErrNoPendingCommit       = errors.New("no pending commit stored for this flow")
	ErrFlowKindMismatch      = errors.New("draft variant does not match flow kind")
)

// FlowState is the unit of conversational memory: the state machine position
// and accumulated answers for one conversation. At most one FlowState exists
// per conversation at a time.
type FlowState struct {
	ConversationID string         `json:"conversation_id"`
	FlowKind       FlowKind       `json:"flow_kind"`
	Step           Step           `json:"step"`
	Draft          Draft          `json:"draft"`
	PendingCommit  *PendingCommit `json:"pending_commit,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"` // mirrors the active PendingCommit's key; minted at staging, reused unchanged across retries of that staging
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// Expired reports whether the flow state's TTL elapsed as of now.
func (s *FlowState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy of the flow state. Step machines operate on
// clones so that advancing never mutates the caller's copy.
func (s *FlowState) Clone() *FlowState {
	if s == nil {
		return nil
	}
	out := *s
	out.Draft = s.Draft.Clone()
	if s.PendingCommit != nil {
		pc := s.PendingCommit.Clone()
		out.PendingCommit = &pc
	}
	return &out
}

// PendingCommit guards the two-phase commit: the exact payload awaiting the
// customer's confirmation, its confirmation window, and the idempotency key
// that will accompany the commit call.
type PendingCommit struct {
	Items             []OrderItem `json:"items,omitempty"`
	ChangeDescription string      `json:"change_description,omitempty"`
	Summary           string      `json:"summary"` // exact text shown to the customer
	IdempotencyKey    string      `json:"idempotency_key"`
	CreatedAt         time.Time   `json:"created_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

// Expired reports whether the confirmation window elapsed as of now.
func (pc *PendingCommit) Expired(now time.Time) bool {
	return !pc.ExpiresAt.IsZero() && !now.Before(pc.ExpiresAt)
}

// Clone returns a deep copy of the pending commit.
func (pc PendingCommit) Clone() PendingCommit {
	out := pc
	if pc.Items != nil {
		out.Items = make([]OrderItem, len(pc.Items))
		copy(out.Items, pc.Items)
	}
	return out
}

// CheckpointTrigger tags why a checkpoint was recorded.
type CheckpointTrigger string

const (
	// CheckpointTriggerMessage marks a snapshot taken after a message-driven transition.
	CheckpointTriggerMessage CheckpointTrigger = "message"
	// CheckpointTriggerRestore marks a snapshot recorded by a restore operation.
	CheckpointTriggerRestore CheckpointTrigger = "restore"
	// CheckpointTriggerTimeout marks a snapshot taken when a timeout mutated state.
	CheckpointTriggerTimeout CheckpointTrigger = "timeout"
	// CheckpointTriggerResolution marks a snapshot taken when a staff resolution mutated state.
	CheckpointTriggerResolution CheckpointTrigger = "resolution"
)

// Checkpoint is an immutable snapshot of flow state at a point in time,
// appended on every FlowState mutation and never updated.
type Checkpoint struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	FlowKind       FlowKind          `json:"flow_kind"`
	Step           Step              `json:"step"`
	Snapshot       string            `json:"snapshot"` // serialized FlowState
	Trigger        CheckpointTrigger `json:"trigger"`
	CreatedAt      time.Time         `json:"created_at"`
}
