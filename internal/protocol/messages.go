// Package protocol defines the live channel message protocol.
package protocol

import "github.com/xiaot623/codementor/internal/domain"

// Message types from client to server
const (
	TypeSubscribeSession   = "subscribe-session"
	TypeUnsubscribeSession = "unsubscribe-session"
)

// Message types from server to client
const (
	TypeSubscribed     = "subscribed"
	TypeUnsubscribed   = "unsubscribed"
	TypeFeedbackUpdate = domain.EventTypeFeedbackUpdate
	TypeAnalysisStatus = domain.EventTypeAnalysisStatus
	TypeError          = "error"
)

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeForbidden      = "forbidden"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeInternal       = "internal_error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// SubscribeMessage is sent by a client to join or leave a session's event stream.
type SubscribeMessage struct {
	BaseMessage
}

// AckMessage confirms a subscribe or unsubscribe request.
type AckMessage struct {
	BaseMessage
}

// FeedbackUpdateMessage carries one persisted feedback item.
type FeedbackUpdateMessage struct {
	BaseMessage
	Feedback domain.Feedback `json:"feedback"`
}

// AnalysisStatusMessage carries a session status transition.
type AnalysisStatusMessage struct {
	BaseMessage
	Status    domain.SessionStatus `json:"status"`
	Message   string               `json:"message"`
	Timestamp string               `json:"timestamp"` // RFC 3339, UTC
}

// ErrorMessage is sent when a client request cannot be served.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}
