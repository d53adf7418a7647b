// Package models defines the core data structures for PersonaPipe.
//
// It includes sessions, durable profiles, inbound messages, delivery receipts and the
// JSON envelope used by the HTTP API. These types are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for inbound messages
const (
	// MaxInboundTextLength is the maximum accepted length for an inbound message body.
	MaxInboundTextLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptySender      = errors.New("sender cannot be empty")
	ErrEmptyText        = errors.New("message text cannot be empty")
	ErrInboundTooLong   = errors.New("message text exceeds maximum length")
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrUnknownEventType = errors.New("unknown conversation event type")
)

// InboundMessage is a single text message delivered by the messaging platform.
// The platform envelope has already been parsed by the transport.
type InboundMessage struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	Time      int64  `json:"time"`
}

// Validate reports whether the inbound message carries the fields the orchestrator needs.
func (m InboundMessage) Validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return ErrEmptySender
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyText
	}
	if len(m.Text) > MaxInboundTextLength {
		return ErrInboundTooLong
	}
	return nil
}

// MessageStatus represents the delivery status of a message.
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

// Receipt records the delivery status of one outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// EventType names a conversation lifecycle event published to the event bus.
type EventType string

const (
	EventSessionEscalated EventType = "session.escalated"
	EventSessionCooldown  EventType = "session.cooldown"
	EventSessionFollowup  EventType = "session.followup"
	EventSessionReset     EventType = "session.reset"
)

// ConversationEvent is the payload published for a lifecycle event.
type ConversationEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	UserID       string    `json:"user_id"`
	MessageCount int       `json:"message_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// Validate checks the event type is one we publish.
func (e ConversationEvent) Validate() error {
	switch e.Type {
	case EventSessionEscalated, EventSessionCooldown, EventSessionFollowup, EventSessionReset:
	default:
		return ErrUnknownEventType
	}
	if e.UserID == "" {
		return ErrEmptyRecipient
	}
	return nil
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

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
