// Package protocol defines the WebSocket wire messages between the relay,
// observers, and the worker.
package protocol

import "encoding/json"

// Error codes surfaced on the wire.
const (
	ErrorCodeProtocol = "WS_PROTOCOL_ERROR"
	ErrorCodeInternal = "WS_INTERNAL_ERROR"
)

// Close reason used when a new ingest connection supersedes an old one.
const CloseReasonReplaced = "replaced by new connection"

// EventEnvelope is the wire form of a stored event sent to observers.
type EventEnvelope struct {
	EventID     int64           `json:"eventId"`
	ExecutionID string          `json:"executionId"`
	SessionID   string          `json:"sessionId"`
	EventType   string          `json:"streamEventType"`
	Timestamp   string          `json:"timestamp"` // ISO-8601
	Data        json.RawMessage `json:"data"`
}

// ErrorEnvelope is the wire form of an error sent on an open connection.
type ErrorEnvelope struct {
	Type    string `json:"type"` // always "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error envelope.
func NewError(code, message string) *ErrorEnvelope {
	return &ErrorEnvelope{Type: "error", Code: code, Message: message}
}

// IngestMessage is one inbound message from the worker.
type IngestMessage struct {
	EventType string          `json:"streamEventType"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"` // ISO-8601, optional
}
