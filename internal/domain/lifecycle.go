package domain

import (
	"encoding/json"
	"fmt"
)

// Event types carrying a lifecycle side effect. All other types are
// persisted and broadcast with no further handling.
const (
	EventTypeKilocode    = "kilocode"
	EventTypeComplete    = "complete"
	EventTypeInterrupted = "interrupted"
	EventTypeError       = "error"
)

// PayloadError is a validation failure on a lifecycle event's payload. It is
// consumed for logging only; the event itself has already been persisted and
// broadcast by the time validation runs.
type PayloadError struct {
	EventType string
	Reason    string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.EventType, e.Reason)
}

// LifecycleEvent is the closed union of event kinds that mutate execution
// state. Adding a new lifecycle-affecting event type means adding a variant
// here and handling it wherever the union is switched on.
type LifecycleEvent interface {
	lifecycleEvent()
}

// CompleteEvent reports the worker finished its run.
type CompleteEvent struct {
	ExitCode      int
	CurrentBranch string
}

// InterruptedEvent reports the worker was stopped before finishing.
type InterruptedEvent struct {
	Reason   string
	ExitCode *int
}

// FatalErrorEvent reports an unrecoverable worker failure. Non-fatal error
// events never produce this variant.
type FatalErrorEvent struct {
	Message string
}

// KiloSessionEvent carries the external kilo session id emitted by the
// worker's inner agent.
type KiloSessionEvent struct {
	SessionID string
}

func (CompleteEvent) lifecycleEvent()    {}
func (InterruptedEvent) lifecycleEvent() {}
func (FatalErrorEvent) lifecycleEvent()  {}
func (KiloSessionEvent) lifecycleEvent() {}

// ParseLifecycleEvent maps an event type and payload to its lifecycle
// variant. It returns (nil, nil) for event types with no lifecycle effect
// and for non-fatal error events; it returns a *PayloadError when the
// payload fails validation for a recognized type.
func ParseLifecycleEvent(eventType string, payload json.RawMessage) (LifecycleEvent, error) {
	switch eventType {
	case EventTypeComplete:
		var p struct {
			ExitCode      *int   `json:"exitCode"`
			CurrentBranch string `json:"currentBranch"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &PayloadError{EventType: eventType, Reason: err.Error()}
		}
		if p.ExitCode == nil {
			return nil, &PayloadError{EventType: eventType, Reason: "exitCode is required"}
		}
		return CompleteEvent{ExitCode: *p.ExitCode, CurrentBranch: p.CurrentBranch}, nil

	case EventTypeInterrupted:
		var p struct {
			Reason   string `json:"reason"`
			ExitCode *int   `json:"exitCode"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &PayloadError{EventType: eventType, Reason: err.Error()}
		}
		if p.Reason == "" {
			p.Reason = "User interrupted"
		}
		return InterruptedEvent{Reason: p.Reason, ExitCode: p.ExitCode}, nil

	case EventTypeError:
		var p struct {
			Fatal   *bool  `json:"fatal"`
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &PayloadError{EventType: eventType, Reason: err.Error()}
		}
		if p.Fatal == nil {
			return nil, &PayloadError{EventType: eventType, Reason: "fatal is required"}
		}
		if !*p.Fatal {
			return nil, nil
		}
		msg := p.Error
		if msg == "" {
			msg = p.Message
		}
		if msg == "" {
			msg = "Fatal error"
		}
		return FatalErrorEvent{Message: msg}, nil

	case EventTypeKilocode:
		var p struct {
			Event     string `json:"event"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, &PayloadError{EventType: eventType, Reason: err.Error()}
		}
		return KiloSessionEvent{SessionID: p.SessionID}, nil
	}

	return nil, nil
}
