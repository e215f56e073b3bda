// Package models defines the typed draft union accumulated by flow machines.
package models

// ChangeType identifies which aspect of an order a modify flow changes.
type ChangeType string

const (
	// ChangeTypeDate reschedules the delivery date.
	ChangeTypeDate ChangeType = "date"
	// ChangeTypeBranch moves the pickup to another branch.
	ChangeTypeBranch ChangeType = "branch"
	// ChangeTypeQuantity adjusts the quantity of the ordered item.
	ChangeTypeQuantity ChangeType = "quantity"
)

// IsValidChangeType checks if the given change type is supported.
func IsValidChangeType(c ChangeType) bool {
	switch c {
	case ChangeTypeDate, ChangeTypeBranch, ChangeTypeQuantity:
		return true
	default:
		return false
	}
}

// Draft is a tagged union of per-flow-kind drafts. Exactly one variant is
// non-nil for an active flow; Kind reports which.
type Draft struct {
	Create *OrderCreateDraft `json:"create,omitempty"`
	Modify *OrderModifyDraft `json:"modify,omitempty"`
	Status *OrderStatusDraft `json:"status,omitempty"`
}

// NewDraft returns an empty draft of the requested kind.
func NewDraft(kind FlowKind) Draft {
	switch kind {
	case FlowKindOrderCreate:
		return Draft{Create: &OrderCreateDraft{}}
	case FlowKindOrderModify:
		return Draft{Modify: &OrderModifyDraft{}}
	case FlowKindOrderStatus:
		return Draft{Status: &OrderStatusDraft{}}
	default:
		return Draft{}
	}
}

// Kind reports which variant is populated, or empty string for none.
func (d Draft) Kind() FlowKind {
	switch {
	case d.Create != nil:
		return FlowKindOrderCreate
	case d.Modify != nil:
		return FlowKindOrderModify
	case d.Status != nil:
		return FlowKindOrderStatus
	default:
		return ""
	}
}

// Clone returns a deep copy of the draft.
func (d Draft) Clone() Draft {
	var out Draft
	if d.Create != nil {
		c := *d.Create
		if d.Create.Items != nil {
			c.Items = make([]OrderItem, len(d.Create.Items))
			copy(c.Items, d.Create.Items)
		}
		out.Create = &c
	}
	if d.Modify != nil {
		m := *d.Modify
		out.Modify = &m
	}
	if d.Status != nil {
		s := *d.Status
		out.Status = &s
	}
	return out
}

// Merge deep-merges the matching variant of patch into d: non-zero patch
// fields win, zero-valued patch fields leave the existing value untouched.
// Variants of a different kind are ignored, never mixed in.
func (d *Draft) Merge(patch Draft) {
	if d.Create != nil && patch.Create != nil {
		d.Create.merge(patch.Create)
	}
	if d.Modify != nil && patch.Modify != nil {
		d.Modify.merge(patch.Modify)
	}
	if d.Status != nil && patch.Status != nil {
		d.Status.merge(patch.Status)
	}
}

// OrderCreateDraft accumulates the answers of an order-create flow in the
// order the machine asks for them: product, branch, date, quantity.
type OrderCreateDraft struct {
	ProductID    string      `json:"product_id,omitempty"`
	ProductName  string      `json:"product_name,omitempty"`
	BranchID     string      `json:"branch_id,omitempty"`
	BranchName   string      `json:"branch_name,omitempty"`
	DeliveryDate string      `json:"delivery_date,omitempty"` // YYYY-MM-DD
	Quantity     int         `json:"quantity,omitempty"`
	Items        []OrderItem `json:"items,omitempty"` // finalized lines awaiting commit
}

func (c *OrderCreateDraft) merge(patch *OrderCreateDraft) {
	if patch.ProductID != "" {
		c.ProductID = patch.ProductID
	}
	if patch.ProductName != "" {
		c.ProductName = patch.ProductName
	}
	if patch.BranchID != "" {
		c.BranchID = patch.BranchID
	}
	if patch.BranchName != "" {
		c.BranchName = patch.BranchName
	}
	if patch.DeliveryDate != "" {
		c.DeliveryDate = patch.DeliveryDate
	}
	if patch.Quantity != 0 {
		c.Quantity = patch.Quantity
	}
	if patch.Items != nil {
		c.Items = make([]OrderItem, len(patch.Items))
		copy(c.Items, patch.Items)
	}
}

// OrderModifyDraft accumulates the answers of an order-modify flow:
// order reference, identity verification, change type, new value.
type OrderModifyDraft struct {
	OrderRef     string     `json:"order_ref,omitempty"`
	ContactValue string     `json:"contact_value,omitempty"` // phone or email used for the ownership lookup
	Verified     bool       `json:"verified,omitempty"`
	OwnerProof   string     `json:"owner_proof,omitempty"` // opaque token from the identity lookup, forwarded to commit
	ChangeType   ChangeType `json:"change_type,omitempty"`
	NewValue     string     `json:"new_value,omitempty"`
}

func (m *OrderModifyDraft) merge(patch *OrderModifyDraft) {
	if patch.OrderRef != "" {
		m.OrderRef = patch.OrderRef
	}
	if patch.ContactValue != "" {
		m.ContactValue = patch.ContactValue
	}
	if patch.Verified {
		m.Verified = true
	}
	if patch.OwnerProof != "" {
		m.OwnerProof = patch.OwnerProof
	}
	if patch.ChangeType != "" {
		m.ChangeType = patch.ChangeType
	}
	if patch.NewValue != "" {
		m.NewValue = patch.NewValue
	}
}

// OrderStatusDraft holds the single answer a status flow needs.
type OrderStatusDraft struct {
	OrderRef     string `json:"order_ref,omitempty"`
	ContactValue string `json:"contact_value,omitempty"`
}

func (s *OrderStatusDraft) merge(patch *OrderStatusDraft) {
	if patch.OrderRef != "" {
		s.OrderRef = patch.OrderRef
	}
	if patch.ContactValue != "" {
		s.ContactValue = patch.ContactValue
	}
}
