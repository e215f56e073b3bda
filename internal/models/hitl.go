// Package models defines human-in-the-loop escalation structures.
package models

import (
	"errors"
	"time"
)

// HitlStatus represents the lifecycle state of an escalation case.
type HitlStatus string

const (
	// HitlStatusPending indicates the case awaits a human.
	HitlStatusPending HitlStatus = "PENDING"
	// HitlStatusResolved indicates a human acknowledged the case. Terminal.
	HitlStatusResolved HitlStatus = "RESOLVED"
)

// HitlPriority ranks escalation cases for the operations channel.
type HitlPriority string

const (
	HitlPriorityLow    HitlPriority = "low"
	HitlPriorityNormal HitlPriority = "normal"
	HitlPriorityHigh   HitlPriority = "high"
)

// Error variables for HITL case handling.
var (
	ErrCaseNotFound = errors.New("hitl case not found")
)

// HitlCase is the auditable escalation record: created on escalation,
// mutated exactly once on resolution, immutable otherwise.
type HitlCase struct {
	CaseID         string       `json:"case_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	BranchID       string       `json:"branch_id,omitempty"`
	Priority       HitlPriority `json:"priority"`
	Status         HitlStatus   `json:"status"`
	Reason         string       `json:"reason"`
	Summary        string       `json:"summary,omitempty"`     // best-effort incident summary, filled when the timer fires
	Instruction    string       `json:"instruction,omitempty"` // staff instruction recorded at resolution
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
	ResolvedBy     string       `json:"resolved_by,omitempty"`
	TimerArmed     bool         `json:"timer_armed"`
	GraceExpiresAt *time.Time   `json:"grace_expires_at,omitempty"` // deadline of the armed grace timer, kept for restart recovery
}

// Resolution is the event published on the HITL bus when a case resolves.
type Resolution struct {
	CaseID      string    `json:"case_id"`
	ResolvedBy  string    `json:"resolved_by"`
	Instruction string    `json:"instruction,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
}
