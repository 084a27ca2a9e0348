package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dennismeister93/kilorelay/internal/domain"
	"github.com/dennismeister93/kilorelay/internal/protocol"
)

// FormatEvent maps a stored event to its wire envelope. An unparseable
// payload means the log itself is corrupt; the error propagates and the
// caller surfaces it as an internal error, never as user error.
func FormatEvent(evt *domain.StoredEvent, sessionID string) (*protocol.EventEnvelope, error) {
	if !json.Valid(evt.Payload) {
		return nil, fmt.Errorf("event %d has corrupt payload", evt.ID)
	}
	return &protocol.EventEnvelope{
		EventID:     evt.ID,
		ExecutionID: evt.ExecutionID,
		SessionID:   sessionID,
		EventType:   evt.EventType,
		Timestamp:   isoTimestamp(evt.Ts),
		Data:        evt.Payload,
	}, nil
}

// isoTimestamp converts unix millis to an ISO-8601 UTC string with
// millisecond precision.
func isoTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}
