// Package api provides the internal HTTP server for the relay: health and
// execution management. It is reachable only from the trusted network, not
// exposed externally.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dennismeister93/kilorelay/internal/domain"
	"github.com/dennismeister93/kilorelay/internal/relay"
	"github.com/dennismeister93/kilorelay/internal/store"
)

// Server is the internal HTTP server.
type Server struct {
	echo     *echo.Echo
	registry *relay.Registry
	store    store.Store
}

// NewServer creates a new internal HTTP server.
func NewServer(registry *relay.Registry, st store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		registry: registry,
		store:    st,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.POST("/internal/sessions/:session_id/executions", s.handleCreateExecution)
	e.GET("/internal/sessions/:session_id/executions/:execution_id", s.handleGetExecution)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.registry.ConnectionCount(),
		"sessions":    s.registry.SessionCount(),
	})
}

// CreateExecutionRequest is the request body for creating an execution.
type CreateExecutionRequest struct {
	ExecutionID string `json:"execution_id,omitempty"`
}

// CreateExecutionResponse returns the new execution and its one-time
// ingest token, handed to the worker bootstrap.
type CreateExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	IngestToken string `json:"ingest_token"`
}

// handleCreateExecution creates a pending execution with a fresh ingest
// token.
func (s *Server) handleCreateExecution(c echo.Context) error {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}

	var req CreateExecutionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = "exec_" + uuid.New().String()[:8]
	}

	exec := &domain.Execution{
		ExecutionID: executionID,
		SessionID:   sessionID,
		Status:      domain.ExecutionStatusPending,
		IngestToken: uuid.New().String(),
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateExecution(c.Request().Context(), exec); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create execution"})
	}

	return c.JSON(http.StatusCreated, CreateExecutionResponse{
		ExecutionID: exec.ExecutionID,
		SessionID:   exec.SessionID,
		Status:      string(exec.Status),
		IngestToken: exec.IngestToken,
	})
}

// handleGetExecution returns an execution's current state.
func (s *Server) handleGetExecution(c echo.Context) error {
	executionID := c.Param("execution_id")
	exec, err := s.store.GetExecution(c.Request().Context(), executionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if exec == nil || exec.SessionID != c.Param("session_id") {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "execution not found"})
	}
	return c.JSON(http.StatusOK, exec)
}
