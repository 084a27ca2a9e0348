package domain

import "time"

// ExecutionStatus represents the lifecycle status of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending     ExecutionStatus = "pending"
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusCompleted   ExecutionStatus = "completed"
	ExecutionStatusFailed      ExecutionStatus = "failed"
	ExecutionStatusInterrupted ExecutionStatus = "interrupted"
)

// Terminal reports whether the status admits no further lifecycle
// transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusInterrupted:
		return true
	}
	return false
}

// Execution is one run of the worker, with its own status lifecycle and
// one-time ingest token.
type Execution struct {
	ExecutionID   string          `json:"execution_id"`
	SessionID     string          `json:"session_id"`
	Status        ExecutionStatus `json:"status"`
	IngestToken   string          `json:"-"`
	KiloSessionID string          `json:"kilo_session_id,omitempty"`
	Branch        string          `json:"branch,omitempty"`
	ExitCode      *int            `json:"exit_code,omitempty"`
	StatusReason  string          `json:"status_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}
