package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dennismeister93/kilorelay/internal/domain"
	"github.com/dennismeister93/kilorelay/internal/protocol"
	"github.com/dennismeister93/kilorelay/internal/store"
)

// wireError is an error that should be reported on the connection with a
// specific wire code instead of the generic internal code.
type wireError struct {
	code    string
	message string
}

func (e *wireError) Error() string { return e.message }

func protocolErr(message string) error {
	return &wireError{code: protocol.ErrorCodeProtocol, message: message}
}

// Session is the per-session actor. All handlers run under one mutex, so at
// most one handler executes at a time for a given session and handlers run
// to completion without preemption; different sessions share nothing and
// run fully concurrently.
//
// The observer and ingest maps are the only state kept solely in memory:
// they exist to answer "is this the same socket we think is active" for
// replacement and close races. Everything the relay needs across messages
// (filters, capture flags, heartbeat clock) lives in the attachment store
// and is re-read before use.
type Session struct {
	id     string
	store  store.Store
	replay *ReplayEngine
	router *BroadcastRouter

	heartbeatDebounce time.Duration
	now               func() time.Time

	mu        sync.Mutex
	observers map[string]Conn // connection id -> observer connection
	ingest    map[string]Conn // execution id -> tracked worker connection
}

func newSession(id string, st store.Store, replayBudget int64, heartbeatDebounce time.Duration) *Session {
	return &Session{
		id:                id,
		store:             st,
		replay:            NewReplayEngine(st, replayBudget),
		router:            NewBroadcastRouter(st),
		heartbeatDebounce: heartbeatDebounce,
		now:               time.Now,
		observers:         make(map[string]Conn),
		ingest:            make(map[string]Conn),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// HandleStreamConnect accepts a new observer: persists its attachment,
// registers it for live broadcast, then replays full matching history
// before the handler returns. Live events persisted while replay is in
// flight queue behind this handler and are broadcast afterwards, so the
// observer sees no gap between history and live delivery.
func (s *Session) HandleStreamConnect(ctx context.Context, conn Conn, filters *domain.StreamFilters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	att := &domain.ObserverAttachment{
		Filters:     *filters,
		ConnectedAt: s.now().UnixMilli(),
	}
	if err := s.store.PutObserverAttachment(ctx, conn.ID(), att); err != nil {
		sendError(conn, protocol.ErrorCodeInternal, "failed to accept connection")
		return fmt.Errorf("persist observer attachment: %w", err)
	}
	s.observers[conn.ID()] = conn

	if err := s.replay.Replay(ctx, conn, filters); err != nil {
		log.Printf("Replay for connection %s in session %s failed: %v", conn.ID(), s.id, err)
		sendError(conn, protocol.ErrorCodeInternal, "event replay failed")
	}
	return nil
}

// HandleStreamClose removes an observer and its attachment.
func (s *Session) HandleStreamClose(ctx context.Context, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.observers, conn.ID())
	if err := s.store.DeleteAttachment(ctx, conn.ID()); err != nil {
		log.Printf("Failed to delete attachment for connection %s: %v", conn.ID(), err)
	}
}

// ObserverCount returns the number of attached observer connections.
func (s *Session) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// connectionCount returns the total number of tracked connections.
func (s *Session) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers) + len(s.ingest)
}

// HandleIngestConnect accepts the worker connection for an execution. If a
// connection is already tracked for the execution it is closed and
// discarded first: at most one active ingest connection per execution. A
// pending execution transitions to running.
//
// The endpoint has already validated token and status at upgrade time;
// status is re-checked here because it may have changed in between.
func (s *Session) HandleIngestConnect(ctx context.Context, conn Conn, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if exec == nil {
		return fmt.Errorf("execution %s not found", executionID)
	}
	if exec.Status != domain.ExecutionStatusPending && exec.Status != domain.ExecutionStatusRunning {
		return fmt.Errorf("execution %s is %s, not accepting events", executionID, exec.Status)
	}

	if old, ok := s.ingest[executionID]; ok {
		if err := old.Close(websocket.CloseNormalClosure, protocol.CloseReasonReplaced); err != nil {
			log.Printf("Failed to close replaced connection %s: %v", old.ID(), err)
		}
		delete(s.ingest, executionID)
		if err := s.store.DeleteAttachment(ctx, old.ID()); err != nil {
			log.Printf("Failed to delete attachment for replaced connection %s: %v", old.ID(), err)
		}
	}

	if exec.Status == domain.ExecutionStatusPending {
		if err := s.store.UpdateExecutionStatus(ctx, executionID, domain.ExecutionStatusRunning); err != nil {
			return fmt.Errorf("transition execution %s to running: %w", executionID, err)
		}
	}

	now := s.now()
	att := &domain.IngestAttachment{
		ExecutionID:     executionID,
		SessionID:       s.id,
		ConnectedAt:     now.UnixMilli(),
		KiloSession:     domain.KiloSessionCapture{Captured: false},
		LastHeartbeatAt: now.UnixMilli(),
	}
	if err := s.store.PutIngestAttachment(ctx, conn.ID(), att); err != nil {
		return fmt.Errorf("persist ingest attachment: %w", err)
	}
	s.ingest[executionID] = conn

	if err := s.store.TouchExecutionHeartbeat(ctx, executionID, now); err != nil {
		log.Printf("Failed to record initial heartbeat for execution %s: %v", executionID, err)
	}
	return nil
}

// HandleIngestMessage processes one inbound worker message. Any error is
// converted into a wire error envelope on the connection, which stays
// open; a single bad message must not kill a long-lived connection.
func (s *Session) HandleIngestMessage(ctx context.Context, conn Conn, binary bool, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.processIngestMessage(ctx, conn, binary, data); err != nil {
		var werr *wireError
		if errors.As(err, &werr) {
			sendError(conn, werr.code, werr.message)
			return
		}
		log.Printf("Ingest message on connection %s failed: %v", conn.ID(), err)
		sendError(conn, protocol.ErrorCodeInternal, err.Error())
	}
}

func (s *Session) processIngestMessage(ctx context.Context, conn Conn, binary bool, data []byte) error {
	if binary {
		return protocolErr("binary frames are not supported")
	}

	att, err := s.store.GetIngestAttachment(ctx, conn.ID())
	if err != nil {
		return fmt.Errorf("load ingest attachment: %w", err)
	}
	if att == nil {
		return &wireError{code: protocol.ErrorCodeInternal, message: "connection was not accepted for ingest"}
	}

	var msg protocol.IngestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return protocolErr("invalid JSON message")
	}
	if msg.EventType == "" {
		return protocolErr("streamEventType is required")
	}

	ts := s.now().UnixMilli()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
			ts = t.UnixMilli()
		} else {
			log.Printf("Ignoring unparseable timestamp %q on connection %s", msg.Timestamp, conn.ID())
		}
	}

	payload := msg.Data
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	// Persist before broadcast, broadcast before lifecycle dispatch:
	// observers must never see an event that failed to persist, and side
	// effects should reflect an event that is already durable.
	id, err := s.store.InsertEvent(ctx, &store.NewEvent{
		ExecutionID: att.ExecutionID,
		SessionID:   s.id,
		EventType:   msg.EventType,
		Payload:     payload,
		Ts:          ts,
	})
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	evt := &domain.StoredEvent{
		ID:          id,
		ExecutionID: att.ExecutionID,
		SessionID:   s.id,
		EventType:   msg.EventType,
		Payload:     payload,
		Ts:          ts,
	}
	s.router.Broadcast(ctx, evt, s.observerList())

	if err := s.refreshHeartbeat(ctx, conn, att); err != nil {
		return err
	}

	return s.applyLifecycle(ctx, conn, att, msg.EventType, payload)
}

// refreshHeartbeat updates the heartbeat clock at most once per debounce
// interval regardless of message rate.
func (s *Session) refreshHeartbeat(ctx context.Context, conn Conn, att *domain.IngestAttachment) error {
	now := s.now()
	if now.UnixMilli()-att.LastHeartbeatAt < s.heartbeatDebounce.Milliseconds() {
		return nil
	}
	att.LastHeartbeatAt = now.UnixMilli()
	if err := s.store.PutIngestAttachment(ctx, conn.ID(), att); err != nil {
		return fmt.Errorf("persist heartbeat attachment: %w", err)
	}
	if err := s.store.TouchExecutionHeartbeat(ctx, att.ExecutionID, now); err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// applyLifecycle dispatches the event to its lifecycle effect, if any.
// Payload validation failures are logged and skipped; the event itself was
// already persisted and broadcast, only the derived side effect is lost.
func (s *Session) applyLifecycle(ctx context.Context, conn Conn, att *domain.IngestAttachment, eventType string, payload json.RawMessage) error {
	// A superseded connection may still be mid-message; it no longer
	// speaks for the execution and must not mutate lifecycle state.
	if s.ingest[att.ExecutionID] != conn {
		log.Printf("Connection %s superseded for execution %s, skipping lifecycle dispatch", conn.ID(), att.ExecutionID)
		return nil
	}

	ev, err := domain.ParseLifecycleEvent(eventType, payload)
	if err != nil {
		log.Printf("Skipping lifecycle dispatch for execution %s: %v", att.ExecutionID, err)
		return nil
	}

	switch ev := ev.(type) {
	case domain.KiloSessionEvent:
		return s.captureKiloSession(ctx, conn, att, ev)
	case domain.CompleteEvent:
		return s.finishExecution(ctx, att.ExecutionID, domain.ExecutionStatusCompleted, "", &ev.ExitCode, ev.CurrentBranch)
	case domain.InterruptedEvent:
		return s.finishExecution(ctx, att.ExecutionID, domain.ExecutionStatusInterrupted, ev.Reason, ev.ExitCode, "")
	case domain.FatalErrorEvent:
		return s.finishExecution(ctx, att.ExecutionID, domain.ExecutionStatusFailed, ev.Message, nil, "")
	case nil:
		return nil
	}
	return nil
}

// captureKiloSession links the worker's inner agent session id on first
// sight only.
func (s *Session) captureKiloSession(ctx context.Context, conn Conn, att *domain.IngestAttachment, ev domain.KiloSessionEvent) error {
	if att.KiloSession.Captured || ev.SessionID == "" {
		return nil
	}
	if err := s.store.SetExecutionKiloSession(ctx, att.ExecutionID, ev.SessionID); err != nil {
		return fmt.Errorf("link kilo session: %w", err)
	}
	att.KiloSession = domain.KiloSessionCapture{Captured: true, Value: ev.SessionID}
	if err := s.store.PutIngestAttachment(ctx, conn.ID(), att); err != nil {
		return fmt.Errorf("persist kilo session capture: %w", err)
	}
	return nil
}

// finishExecution applies a terminal transition. The current status is
// re-checked immediately beforehand: events may be retried or arrive out
// of order, and a late transition must not clobber one already recorded.
func (s *Session) finishExecution(ctx context.Context, executionID string, status domain.ExecutionStatus, reason string, exitCode *int, branch string) error {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if exec == nil {
		log.Printf("Execution %s not found, skipping %s transition", executionID, status)
		return nil
	}
	if exec.Status.Terminal() {
		log.Printf("Execution %s already %s, skipping %s transition", executionID, exec.Status, status)
		return nil
	}

	if branch != "" {
		if err := s.store.SetExecutionBranch(ctx, executionID, branch); err != nil {
			return fmt.Errorf("record branch: %w", err)
		}
	}
	if err := s.store.FinishExecution(ctx, executionID, status, reason, exitCode); err != nil {
		return fmt.Errorf("transition execution %s to %s: %w", executionID, status, err)
	}
	return nil
}

// HandleIngestClose drops tracking for a closing worker connection, but
// only if it is still the tracked one: a stale close from a superseded
// connection must not evict the replacement.
func (s *Session) HandleIngestClose(ctx context.Context, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	att, err := s.store.GetIngestAttachment(ctx, conn.ID())
	if err != nil {
		log.Printf("Failed to load ingest attachment for closing connection %s: %v", conn.ID(), err)
		return
	}
	if att == nil {
		return
	}
	if s.ingest[att.ExecutionID] != conn {
		return
	}
	delete(s.ingest, att.ExecutionID)
	if err := s.store.DeleteAttachment(ctx, conn.ID()); err != nil {
		log.Printf("Failed to delete attachment for connection %s: %v", conn.ID(), err)
	}
}

func (s *Session) observerList() []Conn {
	conns := make([]Conn, 0, len(s.observers))
	for _, conn := range s.observers {
		conns = append(conns, conn)
	}
	return conns
}
