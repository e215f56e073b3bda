// Package models defines the failure taxonomy for flow turns.
//
// Step machines classify every external-call failure into one of these
// classes before deciding the next prompt; nothing crosses a turn boundary
// unclassified.
package models

import (
	"errors"
	"fmt"
)

// ErrorClass partitions turn failures by how the flow recovers from them.
type ErrorClass string

const (
	// ErrorClassUserRecoverable marks bad input or no match: re-prompt.
	ErrorClassUserRecoverable ErrorClass = "user_recoverable"
	// ErrorClassPolicyDenied marks an action class the policy disallows:
	// terminate the flow with an explanation, no retry.
	ErrorClassPolicyDenied ErrorClass = "policy_denied"
	// ErrorClassRaceLost marks a pre-check or commit that found external
	// state changed: clear the pending commit and offer alternatives.
	ErrorClassRaceLost ErrorClass = "race_lost"
	// ErrorClassAuthorization marks an ownership or identity mismatch:
	// escalate to a human, never auto-retry.
	ErrorClassAuthorization ErrorClass = "authorization_failed"
	// ErrorClassTransport marks a network or external-service failure.
	// One inline retry is acceptable only for read-only pre-checks.
	ErrorClassTransport ErrorClass = "transport_error"
	// ErrorClassInvariant marks an internal invariant violation, fatal to
	// the flow: clear state and escalate rather than loop.
	ErrorClassInvariant ErrorClass = "invariant_violation"
)

// FlowError carries an ErrorClass alongside the underlying cause.
type FlowError struct {
	Class  ErrorClass
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// NewFlowError builds a classified flow error.
func NewFlowError(class ErrorClass, reason string, err error) *FlowError {
	return &FlowError{Class: class, Reason: reason, Err: err}
}

// ClassOf extracts the ErrorClass from err. Unclassified errors report as
// transport failures: the safe interpretation for an unknown external fault
// is an uncertain outcome, never a silent retry.
func ClassOf(err error) ErrorClass {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ErrorClassTransport
}

// IsClass reports whether err carries the given class.
func IsClass(err error, class ErrorClass) bool {
	return err != nil && ClassOf(err) == class
}
