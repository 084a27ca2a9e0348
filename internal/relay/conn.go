// Package relay implements the per-session event relay core: history
// replay, live broadcast, the single ingest connection, and execution
// lifecycle transitions.
package relay

import (
	"encoding/json"
	"log"

	"github.com/dennismeister93/kilorelay/internal/protocol"
)

// Conn is the transport surface the relay needs from a WebSocket
// connection. The ws package provides the production implementation.
type Conn interface {
	// ID is a stable unique identifier, used as the attachment key.
	ID() string
	// SendText writes one text frame.
	SendText(data []byte) error
	// Open reports whether the connection is still usable.
	Open() bool
	// Close closes the connection with the given close code and reason.
	// Errors on an already-closed socket are swallowed by implementations.
	Close(code int, reason string) error
}

// sendJSON marshals v and writes it as a text frame, logging any failure.
// Send failures are never fatal to the caller; dead-connection detection
// belongs to the transport layer.
func sendJSON(conn Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.SendText(data)
}

func sendError(conn Conn, code, message string) {
	if err := sendJSON(conn, protocol.NewError(code, message)); err != nil {
		log.Printf("Failed to send %s to connection %s: %v", code, conn.ID(), err)
	}
}
