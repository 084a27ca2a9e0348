package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dennismeister93/kilorelay/internal/domain"
	"github.com/dennismeister93/kilorelay/internal/protocol"
	"github.com/dennismeister93/kilorelay/internal/store"
)

// fakeConn records everything sent and closed on it.
type fakeConn struct {
	id       string
	open     bool
	failSend bool
	sent     [][]byte
	closes   []closeCall
}

type closeCall struct {
	code   int
	reason string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) SendText(data []byte) error {
	if c.failSend {
		return errors.New("send failed")
	}
	if !c.open {
		return errors.New("connection closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *fakeConn) Open() bool { return c.open }

func (c *fakeConn) Close(code int, reason string) error {
	c.open = false
	c.closes = append(c.closes, closeCall{code: code, reason: reason})
	return nil
}

func (c *fakeConn) envelopes(t *testing.T) []protocol.EventEnvelope {
	t.Helper()
	out := make([]protocol.EventEnvelope, 0, len(c.sent))
	for _, frame := range c.sent {
		var env protocol.EventEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) errorEnvelopes(t *testing.T) []protocol.ErrorEnvelope {
	t.Helper()
	var out []protocol.ErrorEnvelope
	for _, frame := range c.sent {
		var env protocol.ErrorEnvelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode error envelope: %v", err)
		}
		if env.Type == "error" {
			out = append(out, env)
		}
	}
	return out
}

// countingEventStore counts cursor opens and records each round's FromID.
type countingEventStore struct {
	store.EventStore
	queries int
	froms   []int64
}

func (c *countingEventStore) OpenEventCursor(ctx context.Context, q store.EventQuery) (store.EventCursor, error) {
	c.queries++
	c.froms = append(c.froms, q.FromID)
	return c.EventStore.OpenEventCursor(ctx, q)
}

// failingStore is a Store whose event reads always fail.
type failingStore struct {
	store.Store
}

func (f *failingStore) OpenEventCursor(ctx context.Context, q store.EventQuery) (store.EventCursor, error) {
	return nil, errors.New("query failed")
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func newTestSession(st store.Store) *Session {
	return newSession("s1", st, 1048576, 30*time.Second)
}

func createTestExecution(t *testing.T, st store.Store, executionID string) {
	t.Helper()
	err := st.CreateExecution(context.Background(), &domain.Execution{
		ExecutionID: executionID,
		SessionID:   "s1",
		Status:      domain.ExecutionStatusPending,
		IngestToken: "tok",
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
}

func insertEvent(t *testing.T, st store.EventStore, executionID, eventType string, payload string, ts int64) int64 {
	t.Helper()
	id, err := st.InsertEvent(context.Background(), &store.NewEvent{
		ExecutionID: executionID,
		SessionID:   "s1",
		EventType:   eventType,
		Payload:     []byte(payload),
		Ts:          ts,
	})
	if err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}
	return id
}

func ingestJSON(t *testing.T, s *Session, conn Conn, msg string) {
	t.Helper()
	s.HandleIngestMessage(context.Background(), conn, false, []byte(msg))
}
