// Package models defines the core data structures for OrderPilot.
//
// It includes the turn-level input/output contract, transport events, and the
// JSON response envelope shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for inbound turn payloads.
const (
	// MaxTurnTextLength defines the maximum accepted length for inbound message text
	MaxTurnTextLength = 4096
	// MaxConversationIDLength defines the maximum accepted length for conversation identifiers
	MaxConversationIDLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyConversationID  = errors.New("conversation id cannot be empty")
	ErrConversationIDTooLong = errors.New("conversation id exceeds maximum length")
	ErrEmptyTurnText        = errors.New("message text cannot be empty")
	ErrTurnTextTooLong      = errors.New("message text exceeds maximum length")
	ErrEmptyContact         = errors.New("contact identity cannot be empty")
)

// TurnInput is the single message-intake payload for one conversation turn.
// The context snapshot carries externally-resolved data (catalog, branches,
// valid delivery dates) that the flow machines treat as read-only input.
type TurnInput struct {
	ConversationID string          `json:"conversation_id"`
	Contact        string          `json:"contact"`
	Text           string          `json:"text"`
	MessageID      string          `json:"message_id,omitempty"` // transport delivery id, used for dedup
	Snapshot       ContextSnapshot `json:"context,omitempty"`
	ReceivedAt     time.Time       `json:"received_at,omitempty"`
}

// Validate performs validation on a TurnInput structure.
func (in *TurnInput) Validate() error {
	if in.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if len(in.ConversationID) > MaxConversationIDLength {
		return ErrConversationIDTooLong
	}
	if in.Contact == "" {
		return ErrEmptyContact
	}
	if in.Text == "" {
		return ErrEmptyTurnText
	}
	if len(in.Text) > MaxTurnTextLength {
		return ErrTurnTextTooLong
	}
	return nil
}

// OutboundMessage is one chat message to deliver back to the customer.
type OutboundMessage struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// StaffNote is an internal, staff-only note produced by a turn. It is never
// delivered to the customer; the router forwards it to the ops contact.
type StaffNote struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// TurnResult is everything one turn produced: zero or more outbound messages,
// at most one staff note, and flow lifecycle markers.
type TurnResult struct {
	Messages  []OutboundMessage `json:"messages"`
	StaffNote *StaffNote        `json:"staff_note,omitempty"`
	Terminal  bool              `json:"terminal"`          // the flow ended this turn
	CaseID    string            `json:"case_id,omitempty"` // set when the turn escalated to HITL
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a transport delivery event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a customer.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
