package ws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/dennismeister93/kilorelay/internal/config"
	"github.com/dennismeister93/kilorelay/internal/domain"
	"github.com/dennismeister93/kilorelay/internal/relay"
	"github.com/dennismeister93/kilorelay/internal/store"
)

// Server handles WebSocket connections for both endpoints.
type Server struct {
	cfg      *config.Config
	registry *relay.Registry
	store    store.Store
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, registry *relay.Registry, st store.Store) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		store:    st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Observers connect cross-origin from dashboards
				return true
			},
		},
	}
}

// HandleStream handles an observer connection: upgrade, filter parsing,
// history replay, then live broadcast.
func (s *Server) HandleStream(c echo.Context) error {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}
	if !websocket.IsWebSocketUpgrade(c.Request()) {
		return c.JSON(http.StatusUpgradeRequired, map[string]string{"error": "websocket upgrade required"})
	}

	filters, err := parseStreamFilters(sessionID, c.QueryParams())
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade stream connection: %v", err)
		return err
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conn := newConn(ws, s.cfg.WriteTimeout)
	session := s.registry.Session(sessionID)

	// Replay runs before the handler returns: connection setup is complete
	// only once history has been delivered.
	if err := session.HandleStreamConnect(context.Background(), conn, filters); err != nil {
		log.Printf("Failed to accept observer connection %s: %v", conn.ID(), err)
		conn.Close(websocket.CloseInternalServerErr, "failed to accept connection")
		return nil
	}

	go s.pingLoop(conn)
	go s.observerReadPump(session, conn)
	return nil
}

// HandleIngest handles the worker connection: establishment validation at
// HTTP level, then the ingest message pipeline.
func (s *Server) HandleIngest(c echo.Context) error {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}
	if !websocket.IsWebSocketUpgrade(c.Request()) {
		return c.JSON(http.StatusUpgradeRequired, map[string]string{"error": "websocket upgrade required"})
	}

	executionID := c.QueryParam("executionId")
	if executionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "executionId is required"})
	}

	exec, err := s.store.GetExecution(c.Request().Context(), executionID)
	if err != nil {
		log.Printf("Failed to load execution %s: %v", executionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if exec == nil || exec.SessionID != sessionID {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
	}
	if c.QueryParam("token") != exec.IngestToken {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid ingest token"})
	}
	if exec.Status != domain.ExecutionStatusPending && exec.Status != domain.ExecutionStatusRunning {
		return c.JSON(http.StatusConflict, map[string]string{"error": fmt.Sprintf("execution is %s", exec.Status)})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade ingest connection: %v", err)
		return err
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conn := newConn(ws, s.cfg.WriteTimeout)
	session := s.registry.Session(sessionID)

	if err := session.HandleIngestConnect(context.Background(), conn, executionID); err != nil {
		log.Printf("Failed to accept ingest connection %s: %v", conn.ID(), err)
		conn.Close(websocket.ClosePolicyViolation, "connection rejected")
		return nil
	}

	go s.pingLoop(conn)
	go s.ingestReadPump(session, conn)
	return nil
}

// observerReadPump drains inbound frames from an observer. Observers are
// not expected to send anything after the handshake; the pump exists to
// detect close and keep the read deadline fresh.
func (s *Server) observerReadPump(session *relay.Session, conn *Conn) {
	defer func() {
		session.HandleStreamClose(context.Background(), conn)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Observer connection %s error: %v", conn.ID(), err)
			}
			return
		}
	}
}

// ingestReadPump reads worker messages and feeds them to the session actor.
func (s *Server) ingestReadPump(session *relay.Session, conn *Conn) {
	defer func() {
		session.HandleIngestClose(context.Background(), conn)
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		mt, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("Ingest connection %s error: %v", conn.ID(), err)
			}
			return
		}
		session.HandleIngestMessage(context.Background(), conn, mt == websocket.BinaryMessage, data)
	}
}

// pingLoop keeps the connection alive with periodic pings.
func (s *Server) pingLoop(conn *Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.Ping(); err != nil {
			return
		}
	}
}

// parseStreamFilters builds StreamFilters from query parameters. The
// session id is fixed by the endpoint, never client-supplied.
func parseStreamFilters(sessionID string, params url.Values) (*domain.StreamFilters, error) {
	filters := &domain.StreamFilters{SessionID: sessionID}

	if raw := params.Get("fromId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fromId %q", raw)
		}
		filters.FromID = id
	}

	filters.ExecutionIDs = splitParam(params["executionIds"])
	filters.EventTypes = splitParam(params["eventTypes"])

	if raw := params.Get("startTime"); raw != "" {
		ms, err := parseTimeParam(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid startTime %q", raw)
		}
		filters.StartTime = ms
	}
	if raw := params.Get("endTime"); raw != "" {
		ms, err := parseTimeParam(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid endTime %q", raw)
		}
		filters.EndTime = ms
	}

	return filters, nil
}

// splitParam flattens repeatable and comma-separated query values.
func splitParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseTimeParam accepts unix millis or an RFC3339 timestamp.
func parseTimeParam(raw string) (int64, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
