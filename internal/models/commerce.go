// Package models defines the commerce-facing data structures shared with
// the external availability/commit API.
package models

import "time"

// Product is a catalog entry from the context snapshot.
type Product struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price,omitempty"`
}

// Branch is a pickup location from the context snapshot.
type Branch struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ContextSnapshot carries externally-resolved data supplied with each turn.
// Flow machines read it; they never mutate it.
type ContextSnapshot struct {
	Products      []Product `json:"products,omitempty"`
	Branches      []Branch  `json:"branches,omitempty"`
	DeliveryDates []string  `json:"delivery_dates,omitempty"` // YYYY-MM-DD, already season-filtered upstream
}

// OrderItem is one line of an order payload.
type OrderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price,omitempty"`
}

// OrderStatus represents the lifecycle state of an order in the retail backend.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusReady     OrderStatus = "READY"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order is an existing order as returned by the identity/ownership lookup.
type Order struct {
	Ref          string      `json:"ref"`
	ContactValue string      `json:"contact_value,omitempty"`
	BranchID     string      `json:"branch_id"`
	DeliveryDate string      `json:"delivery_date"` // YYYY-MM-DD
	Items        []OrderItem `json:"items"`
	Status       OrderStatus `json:"status"`
	Paid         bool        `json:"paid"`
	OwnerProof   string      `json:"owner_proof,omitempty"` // opaque token proving the lookup matched
}

// Policy defaults applied when the policy source omits a value.
const (
	DefaultConfirmTTLSeconds      = 300
	DefaultEscalationDelaySeconds = 180
	DefaultConfirmPhrase          = "confirmo"
)

// Policy is the read-only gate configuration from the policy source. It may
// change between calls within the same flow; callers re-read it at each gate
// instead of caching it for the flow's lifetime.
type Policy struct {
	AllowReschedule        bool       `json:"allow_reschedule"`
	AllowBranchChange      bool       `json:"allow_branch_change"`
	RequirePaid            bool       `json:"require_paid"`
	CutoffHours            int        `json:"cutoff_hours"`
	ConfirmTTLSeconds      int        `json:"confirm_ttl_seconds"`
	EscalationDelaySeconds int        `json:"escalation_delay_seconds"`
	ConfirmPhrase          string     `json:"confirm_phrase,omitempty"`
	DisallowedFlows        []FlowKind `json:"disallowed_flows,omitempty"`
}

// FlowAllowed reports whether the policy currently permits the flow kind.
func (p Policy) FlowAllowed(kind FlowKind) bool {
	for _, k := range p.DisallowedFlows {
		if k == kind {
			return false
		}
	}
	return true
}

// ChangeAllowed reports whether the policy permits the given change type.
func (p Policy) ChangeAllowed(c ChangeType) bool {
	switch c {
	case ChangeTypeDate:
		return p.AllowReschedule
	case ChangeTypeBranch:
		return p.AllowBranchChange
	default:
		return true
	}
}

// ConfirmTTL returns the confirmation window, falling back to the default.
func (p Policy) ConfirmTTL() time.Duration {
	secs := p.ConfirmTTLSeconds
	if secs <= 0 {
		secs = DefaultConfirmTTLSeconds
	}
	return time.Duration(secs) * time.Second
}

// EscalationDelay returns the HITL escalation delay, falling back to the
// default. Independent of ConfirmTTL; neither implies the other.
func (p Policy) EscalationDelay() time.Duration {
	secs := p.EscalationDelaySeconds
	if secs <= 0 {
		secs = DefaultEscalationDelaySeconds
	}
	return time.Duration(secs) * time.Second
}

// Phrase returns the explicit confirmation phrase required for commits.
func (p Policy) Phrase() string {
	if p.ConfirmPhrase == "" {
		return DefaultConfirmPhrase
	}
	return p.ConfirmPhrase
}
