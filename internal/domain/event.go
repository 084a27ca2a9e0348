// Package domain defines the core domain models for the relay.
package domain

import (
	"encoding/json"
	"slices"
)

// StoredEvent is one persisted entry in a session's event log. The id is
// store-assigned and strictly increasing within a session; the record is
// immutable once written.
type StoredEvent struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	SessionID   string          `json:"session_id"`
	EventType   string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Ts          int64           `json:"ts"` // unix millis
}

// StreamFilters is the observer-supplied subscription filter, fixed for the
// lifetime of the observer connection.
type StreamFilters struct {
	SessionID    string   `json:"session_id"`
	FromID       int64    `json:"from_id,omitempty"` // deliver events with id > FromID
	ExecutionIDs []string `json:"execution_ids,omitempty"`
	EventTypes   []string `json:"event_types,omitempty"`
	StartTime    int64    `json:"start_time,omitempty"` // unix millis, 0 = unbounded
	EndTime      int64    `json:"end_time,omitempty"`   // unix millis, 0 = unbounded
}

// Matches reports whether an event satisfies every constraint present in the
// filters. Absent constraints match anything; the time range is inclusive on
// both ends.
func (f *StreamFilters) Matches(evt *StoredEvent) bool {
	if len(f.ExecutionIDs) > 0 && !slices.Contains(f.ExecutionIDs, evt.ExecutionID) {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, evt.EventType) {
		return false
	}
	if f.StartTime > 0 && evt.Ts < f.StartTime {
		return false
	}
	if f.EndTime > 0 && evt.Ts > f.EndTime {
		return false
	}
	return true
}

// ObserverAttachment is the durable metadata for one observer connection.
// It is written once at accept time and only read afterwards.
type ObserverAttachment struct {
	Filters     StreamFilters `json:"filters"`
	ConnectedAt int64         `json:"connected_at"` // unix millis
}

// KiloSessionCapture tracks whether the external kilo session id has been
// captured from the worker's event stream yet.
type KiloSessionCapture struct {
	Captured bool   `json:"captured"`
	Value    string `json:"value,omitempty"`
}

// IngestAttachment is the durable metadata for the single worker connection
// of an execution. It is mutated as side effects occur and must be
// re-persisted after each mutation; the in-memory copy does not survive
// actor eviction.
type IngestAttachment struct {
	ExecutionID     string             `json:"execution_id"`
	SessionID       string             `json:"session_id"`
	ConnectedAt     int64              `json:"connected_at"` // unix millis
	KiloSession     KiloSessionCapture `json:"kilo_session"`
	LastHeartbeatAt int64              `json:"last_heartbeat_at"` // unix millis
}
