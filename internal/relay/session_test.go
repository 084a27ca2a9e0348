package relay

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dennismeister93/kilorelay/internal/domain"
	"github.com/dennismeister93/kilorelay/internal/protocol"
	"github.com/dennismeister93/kilorelay/internal/store"
)

func connectIngest(t *testing.T, s *Session, executionID string, connID string) *fakeConn {
	t.Helper()
	conn := newFakeConn(connID)
	if err := s.HandleIngestConnect(context.Background(), conn, executionID); err != nil {
		t.Fatalf("HandleIngestConnect failed: %v", err)
	}
	return conn
}

func TestIngestConnectTransitionsPendingToRunning(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")

	conn := connectIngest(t, s, "e1", "w1")

	exec, err := st.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.Status != domain.ExecutionStatusRunning {
		t.Fatalf("expected running, got %s", exec.Status)
	}
	if exec.LastHeartbeat == nil {
		t.Fatal("expected initial heartbeat")
	}

	att, err := st.GetIngestAttachment(context.Background(), "w1")
	if err != nil {
		t.Fatalf("GetIngestAttachment failed: %v", err)
	}
	if att == nil || att.ExecutionID != "e1" || att.KiloSession.Captured {
		t.Fatalf("unexpected attachment: %+v", att)
	}
	if !conn.Open() {
		t.Fatal("connection should stay open")
	}
}

func TestIngestConnectRejectsTerminalExecution(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	if err := st.FinishExecution(context.Background(), "e1", domain.ExecutionStatusCompleted, "", nil); err != nil {
		t.Fatalf("FinishExecution failed: %v", err)
	}

	conn := newFakeConn("w1")
	if err := s.HandleIngestConnect(context.Background(), conn, "e1"); err == nil {
		t.Fatal("expected error for terminal execution")
	}
}

func TestIngestConnectReplacesExisting(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")

	first := connectIngest(t, s, "e1", "w1")
	second := connectIngest(t, s, "e1", "w2")

	if first.Open() {
		t.Fatal("first connection should be closed")
	}
	if len(first.closes) != 1 {
		t.Fatalf("expected one close, got %d", len(first.closes))
	}
	if first.closes[0].code != websocket.CloseNormalClosure {
		t.Fatalf("expected close code 1000, got %d", first.closes[0].code)
	}
	if first.closes[0].reason != protocol.CloseReasonReplaced {
		t.Fatalf("unexpected close reason: %s", first.closes[0].reason)
	}
	if !second.Open() {
		t.Fatal("second connection should be open")
	}

	// The replaced connection's attachment is gone
	att, err := st.GetIngestAttachment(context.Background(), "w1")
	if err != nil {
		t.Fatalf("GetIngestAttachment failed: %v", err)
	}
	if att != nil {
		t.Fatalf("expected attachment of replaced connection to be deleted, got %+v", att)
	}
}

func TestIngestStaleCloseIsNoOp(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")

	first := connectIngest(t, s, "e1", "w1")
	second := connectIngest(t, s, "e1", "w2")

	// The superseded connection's close handler fires late; it must not
	// evict tracking for the replacement.
	s.HandleIngestClose(context.Background(), first)

	ingestJSON(t, s, second, `{"streamEventType":"complete","data":{"exitCode":0}}`)
	exec, err := st.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.Status != domain.ExecutionStatusCompleted {
		t.Fatalf("replacement connection should still drive lifecycle, got %s", exec.Status)
	}
}

func TestIngestCloseRemovesTracking(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")

	conn := connectIngest(t, s, "e1", "w1")
	s.HandleIngestClose(context.Background(), conn)

	att, err := st.GetIngestAttachment(context.Background(), "w1")
	if err != nil {
		t.Fatalf("GetIngestAttachment failed: %v", err)
	}
	if att != nil {
		t.Fatalf("expected attachment deleted on close, got %+v", att)
	}
}

func TestIngestMessagePersistsAndBroadcasts(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")

	obs := newFakeConn("obs1")
	if err := s.HandleStreamConnect(context.Background(), obs, &domain.StreamFilters{SessionID: "s1"}); err != nil {
		t.Fatalf("HandleStreamConnect failed: %v", err)
	}

	worker := connectIngest(t, s, "e1", "w1")
	ingestJSON(t, s, worker, `{"streamEventType":"log","data":{"line":"hi"},"timestamp":"2023-11-14T22:13:20.123Z"}`)

	events, err := st.GetEvents(context.Background(), store.EventQuery{SessionID: "s1"}, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}
	if events[0].EventType != "log" || events[0].Ts != 1700000000123 {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	envs := obs.envelopes(t)
	if len(envs) != 1 {
		t.Fatalf("expected 1 broadcast envelope, got %d", len(envs))
	}
	if envs[0].EventType != "log" || envs[0].ExecutionID != "e1" || envs[0].SessionID != "s1" {
		t.Fatalf("unexpected envelope: %+v", envs[0])
	}

	// No error should have reached the worker
	if len(worker.sent) != 0 {
		t.Fatalf("worker should receive nothing on success, got %d frames", len(worker.sent))
	}
}

func TestIngestBinaryFrameRejected(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")

	worker := connectIngest(t, s, "e1", "w1")
	s.HandleIngestMessage(context.Background(), worker, true, []byte{0x01})

	errs := worker.errorEnvelopes(t)
	if len(errs) != 1 || errs[0].Code != protocol.ErrorCodeProtocol {
		t.Fatalf("expected one protocol error, got %+v", errs)
	}
	if !worker.Open() {
		t.Fatal("connection must stay open after a bad message")
	}

	events, _ := st.GetEvents(context.Background(), store.EventQuery{SessionID: "s1"}, 0)
	if len(events) != 0 {
		t.Fatalf("rejected message must not be persisted, got %d", len(events))
	}
}

func TestIngestMalformedMessagesRejected(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	worker := connectIngest(t, s, "e1", "w1")

	ingestJSON(t, s, worker, `not json`)
	ingestJSON(t, s, worker, `{"data":{}}`)

	errs := worker.errorEnvelopes(t)
	if len(errs) != 2 {
		t.Fatalf("expected 2 protocol errors, got %d", len(errs))
	}
	for _, e := range errs {
		if e.Code != protocol.ErrorCodeProtocol {
			t.Fatalf("unexpected code: %s", e.Code)
		}
	}
}

func TestIngestMessageWithoutAttachment(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)

	// Never accepted for ingest
	conn := newFakeConn("w1")
	ingestJSON(t, s, conn, `{"streamEventType":"log"}`)

	errs := conn.errorEnvelopes(t)
	if len(errs) != 1 || errs[0].Code != protocol.ErrorCodeInternal {
		t.Fatalf("expected one internal error, got %+v", errs)
	}
}

func TestCompleteTransition(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	worker := connectIngest(t, s, "e1", "w1")

	ingestJSON(t, s, worker, `{"streamEventType":"complete","data":{"exitCode":0,"currentBranch":"feature/x"}}`)

	exec, err := st.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.Status != domain.ExecutionStatusCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if exec.Branch != "feature/x" {
		t.Fatalf("expected branch capture, got %q", exec.Branch)
	}
	if exec.ExitCode == nil || *exec.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %+v", exec.ExitCode)
	}
}

func TestTerminalStatusIsMonotonic(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	worker := connectIngest(t, s, "e1", "w1")

	ingestJSON(t, s, worker, `{"streamEventType":"error","data":{"fatal":true,"error":"boom"}}`)
	// A retried complete must not clobber the recorded failure
	ingestJSON(t, s, worker, `{"streamEventType":"complete","data":{"exitCode":0}}`)

	exec, err := st.GetExecution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if exec.Status != domain.ExecutionStatusFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	if exec.StatusReason != "boom" {
		t.Fatalf("expected reason preserved, got %q", exec.StatusReason)
	}

	// Both events are still persisted and broadcastable
	events, _ := st.GetEvents(context.Background(), store.EventQuery{SessionID: "s1"}, 0)
	if len(events) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(events))
	}
}

func TestInterruptedDefaultReason(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	worker := connectIngest(t, s, "e1", "w1")

	ingestJSON(t, s, worker, `{"streamEventType":"interrupted","data":{}}`)

	exec, _ := st.GetExecution(context.Background(), "e1")
	if exec.Status != domain.ExecutionStatusInterrupted {
		t.Fatalf("expected interrupted, got %s", exec.Status)
	}
	if exec.StatusReason != "User interrupted" {
		t.Fatalf("expected default reason, got %q", exec.StatusReason)
	}
}

func TestNonFatalErrorHasNoLifecycleEffect(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	worker := connectIngest(t, s, "e1", "w1")

	ingestJSON(t, s, worker, `{"streamEventType":"error","data":{"fatal":false,"error":"transient"}}`)

	exec, _ := st.GetExecution(context.Background(), "e1")
	if exec.Status != domain.ExecutionStatusRunning {
		t.Fatalf("expected running, got %s", exec.Status)
	}
}

func TestInvalidLifecyclePayloadLoggedNotSurfaced(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	worker := connectIngest(t, s, "e1", "w1")

	// Missing required exitCode: event persists, side effect is skipped,
	// nothing reaches the wire.
	ingestJSON(t, s, worker, `{"streamEventType":"complete","data":{}}`)

	if len(worker.sent) != 0 {
		t.Fatalf("validation failure must not surface to the worker, got %d frames", len(worker.sent))
	}
	exec, _ := st.GetExecution(context.Background(), "e1")
	if exec.Status != domain.ExecutionStatusRunning {
		t.Fatalf("expected running, got %s", exec.Status)
	}
	events, _ := st.GetEvents(context.Background(), store.EventQuery{SessionID: "s1"}, 0)
	if len(events) != 1 {
		t.Fatalf("event should still be persisted, got %d", len(events))
	}
}

func TestKiloSessionCapturedOnce(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	worker := connectIngest(t, s, "e1", "w1")

	ingestJSON(t, s, worker, `{"streamEventType":"kilocode","data":{"sessionId":"kilo-1"}}`)
	ingestJSON(t, s, worker, `{"streamEventType":"kilocode","data":{"sessionId":"kilo-2"}}`)

	exec, _ := st.GetExecution(context.Background(), "e1")
	if exec.KiloSessionID != "kilo-1" {
		t.Fatalf("expected first capture to win, got %q", exec.KiloSessionID)
	}

	att, _ := st.GetIngestAttachment(context.Background(), "w1")
	if att == nil || !att.KiloSession.Captured || att.KiloSession.Value != "kilo-1" {
		t.Fatalf("unexpected capture state: %+v", att)
	}
}

func TestKiloSessionWithoutIDNotCaptured(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	worker := connectIngest(t, s, "e1", "w1")

	ingestJSON(t, s, worker, `{"streamEventType":"kilocode","data":{"event":"other"}}`)

	att, _ := st.GetIngestAttachment(context.Background(), "w1")
	if att.KiloSession.Captured {
		t.Fatalf("capture should wait for a session id: %+v", att)
	}
}

func TestHeartbeatDebounce(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")

	base := time.Now()
	clock := base
	s.now = func() time.Time { return clock }

	worker := connectIngest(t, s, "e1", "w1")

	// Within the debounce window the heartbeat clock is untouched
	clock = base.Add(10 * time.Second)
	ingestJSON(t, s, worker, `{"streamEventType":"log"}`)

	att, _ := st.GetIngestAttachment(context.Background(), "w1")
	if att.LastHeartbeatAt != base.UnixMilli() {
		t.Fatalf("heartbeat updated inside debounce window: %d", att.LastHeartbeatAt)
	}

	// Past the window it is refreshed and re-persisted
	clock = base.Add(31 * time.Second)
	ingestJSON(t, s, worker, `{"streamEventType":"log"}`)

	att, _ = st.GetIngestAttachment(context.Background(), "w1")
	if att.LastHeartbeatAt != clock.UnixMilli() {
		t.Fatalf("heartbeat not refreshed after debounce: %d", att.LastHeartbeatAt)
	}

	exec, _ := st.GetExecution(context.Background(), "e1")
	if exec.LastHeartbeat == nil || exec.LastHeartbeat.UnixMilli() != clock.UnixMilli() {
		t.Fatalf("execution heartbeat not recorded: %+v", exec.LastHeartbeat)
	}
}

func TestSupersededConnectionCannotMutateLifecycle(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	ctx := context.Background()

	// An attachment exists for this connection but another connection is
	// tracked for the execution: its events persist but drive no
	// lifecycle transition.
	connectIngest(t, s, "e1", "w-active")
	stale := newFakeConn("w-stale")
	err := st.PutIngestAttachment(ctx, "w-stale", &domain.IngestAttachment{
		ExecutionID: "e1",
		SessionID:   "s1",
	})
	if err != nil {
		t.Fatalf("PutIngestAttachment failed: %v", err)
	}

	ingestJSON(t, s, stale, `{"streamEventType":"complete","data":{"exitCode":0}}`)

	exec, _ := st.GetExecution(ctx, "e1")
	if exec.Status != domain.ExecutionStatusRunning {
		t.Fatalf("superseded connection mutated lifecycle: %s", exec.Status)
	}
	events, _ := st.GetEvents(ctx, store.EventQuery{SessionID: "s1"}, 0)
	if len(events) != 1 {
		t.Fatalf("event should still be persisted, got %d", len(events))
	}
}

func TestStreamConnectReplaysHistory(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)

	insertEvent(t, st, "e1", "log", `{"n":1}`, 1000)
	insertEvent(t, st, "e1", "log", `{"n":2}`, 2000)

	obs := newFakeConn("obs1")
	if err := s.HandleStreamConnect(context.Background(), obs, &domain.StreamFilters{SessionID: "s1"}); err != nil {
		t.Fatalf("HandleStreamConnect failed: %v", err)
	}

	envs := obs.envelopes(t)
	if len(envs) != 2 || envs[0].EventID != 1 || envs[1].EventID != 2 {
		t.Fatalf("unexpected replay: %+v", envs)
	}
	if s.ObserverCount() != 1 {
		t.Fatalf("expected 1 observer, got %d", s.ObserverCount())
	}
}

func TestStreamReplayFailureSurfacesOnce(t *testing.T) {
	st := newTestStore(t)
	s := newSession("s1", &failingStore{Store: st}, 1048576, 30*time.Second)

	obs := newFakeConn("obs1")
	if err := s.HandleStreamConnect(context.Background(), obs, &domain.StreamFilters{SessionID: "s1"}); err != nil {
		t.Fatalf("HandleStreamConnect failed: %v", err)
	}

	if len(obs.sent) != 1 {
		t.Fatalf("expected exactly one frame, got %d", len(obs.sent))
	}
	errs := obs.errorEnvelopes(t)
	if len(errs) != 1 || errs[0].Code != protocol.ErrorCodeInternal {
		t.Fatalf("expected one WS_INTERNAL_ERROR, got %+v", errs)
	}
}

func TestStreamCloseStopsDelivery(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")

	obs := newFakeConn("obs1")
	if err := s.HandleStreamConnect(context.Background(), obs, &domain.StreamFilters{SessionID: "s1"}); err != nil {
		t.Fatalf("HandleStreamConnect failed: %v", err)
	}
	s.HandleStreamClose(context.Background(), obs)
	if s.ObserverCount() != 0 {
		t.Fatalf("expected 0 observers, got %d", s.ObserverCount())
	}

	worker := connectIngest(t, s, "e1", "w1")
	ingestJSON(t, s, worker, `{"streamEventType":"log"}`)

	if len(obs.sent) != 0 {
		t.Fatalf("closed observer should receive nothing, got %d", len(obs.sent))
	}
}

func TestBroadcastFiltersLiveEvents(t *testing.T) {
	st := newTestStore(t)
	s := newTestSession(st)
	createTestExecution(t, st, "e1")
	createTestExecution(t, st, "e2")

	obs := newFakeConn("obs1")
	filters := &domain.StreamFilters{SessionID: "s1", ExecutionIDs: []string{"e2"}}
	if err := s.HandleStreamConnect(context.Background(), obs, filters); err != nil {
		t.Fatalf("HandleStreamConnect failed: %v", err)
	}

	w1 := connectIngest(t, s, "e1", "w1")
	w2 := connectIngest(t, s, "e2", "w2")
	ingestJSON(t, s, w1, `{"streamEventType":"log","data":{"from":"e1"}}`)
	ingestJSON(t, s, w2, `{"streamEventType":"log","data":{"from":"e2"}}`)

	envs := obs.envelopes(t)
	if len(envs) != 1 || envs[0].ExecutionID != "e2" {
		t.Fatalf("expected only e2 events, got %+v", envs)
	}
}

func TestRegistryCounts(t *testing.T) {
	st := newTestStore(t)
	r := NewRegistry(st, 1048576, 30*time.Second)
	createTestExecution(t, st, "e1")

	s := r.Session("s1")
	if r.Session("s1") != s {
		t.Fatal("expected same session instance")
	}

	obs := newFakeConn("obs1")
	if err := s.HandleStreamConnect(context.Background(), obs, &domain.StreamFilters{SessionID: "s1"}); err != nil {
		t.Fatalf("HandleStreamConnect failed: %v", err)
	}
	connectIngest(t, s, "e1", "w1")

	if r.ConnectionCount() != 2 {
		t.Fatalf("expected 2 connections, got %d", r.ConnectionCount())
	}
	if r.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", r.SessionCount())
	}

	// An idle session does not count
	r.Session("s2")
	if r.SessionCount() != 1 {
		t.Fatalf("idle session should not count, got %d", r.SessionCount())
	}
}
