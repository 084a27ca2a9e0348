// Package store defines the storage interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/dennismeister93/kilorelay/internal/domain"
)

// EventQuery selects events from a session's log. FromID is exclusive:
// only events with id > FromID are returned. Empty sets and zero times
// match anything; the time range is inclusive on both ends.
type EventQuery struct {
	SessionID    string
	FromID       int64
	ExecutionIDs []string
	EventTypes   []string
	StartTime    int64 // unix millis
	EndTime      int64 // unix millis
}

// NewEvent is the insert form of a stored event; the store assigns the id.
type NewEvent struct {
	ExecutionID string
	SessionID   string
	EventType   string
	Payload     []byte
	Ts          int64 // unix millis
}

// EventCursor is a lazy forward iterator over matching events in ascending
// id order. Close must be called when iteration stops early.
type EventCursor interface {
	Next() bool
	Event() *domain.StoredEvent
	Err() error
	Close() error
}

// EventStore is the ordered, append-only per-session event log.
type EventStore interface {
	InsertEvent(ctx context.Context, evt *NewEvent) (int64, error)
	OpenEventCursor(ctx context.Context, q EventQuery) (EventCursor, error)
	GetEvents(ctx context.Context, q EventQuery, limit int) ([]domain.StoredEvent, error)
}

// ExecutionStore holds the authoritative lifecycle state of executions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus) error
	FinishExecution(ctx context.Context, executionID string, status domain.ExecutionStatus, reason string, exitCode *int) error
	SetExecutionBranch(ctx context.Context, executionID, branch string) error
	SetExecutionKiloSession(ctx context.Context, executionID, kiloSessionID string) error
	TouchExecutionHeartbeat(ctx context.Context, executionID string, at time.Time) error
}

// AttachmentStore is the durable per-connection side-store. Anything the
// relay needs across actor evictions lives here, keyed by connection id.
type AttachmentStore interface {
	PutObserverAttachment(ctx context.Context, connectionID string, att *domain.ObserverAttachment) error
	GetObserverAttachment(ctx context.Context, connectionID string) (*domain.ObserverAttachment, error)
	PutIngestAttachment(ctx context.Context, connectionID string, att *domain.IngestAttachment) error
	GetIngestAttachment(ctx context.Context, connectionID string) (*domain.IngestAttachment, error)
	DeleteAttachment(ctx context.Context, connectionID string) error
}

// Store is the full persistence interface of the relay.
type Store interface {
	EventStore
	ExecutionStore
	AttachmentStore

	Close() error
}
