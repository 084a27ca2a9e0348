package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dennismeister93/kilorelay/internal/domain"
)

const (
	attachmentKindObserver = "observer"
	attachmentKindIngest   = "ingest"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			ingest_token TEXT NOT NULL,
			kilo_session_id TEXT,
			branch TEXT,
			exit_code INTEGER,
			status_reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_heartbeat DATETIME,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			connection_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_session ON attachments(session_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertEvent appends one event to the session log and returns the
// store-assigned id.
func (s *SQLiteStore) InsertEvent(ctx context.Context, evt *NewEvent) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, execution_id, type, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		evt.SessionID, evt.ExecutionID, evt.EventType, string(evt.Payload), evt.Ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func buildEventQuery(q EventQuery) (string, []interface{}) {
	query := `SELECT id, session_id, execution_id, type, payload, ts FROM events WHERE session_id = ?`
	args := []interface{}{q.SessionID}

	if q.FromID > 0 {
		query += ` AND id > ?`
		args = append(args, q.FromID)
	}
	if len(q.ExecutionIDs) > 0 {
		placeholders := make([]string, len(q.ExecutionIDs))
		for i, id := range q.ExecutionIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += fmt.Sprintf(" AND execution_id IN (%s)", strings.Join(placeholders, ","))
	}
	if len(q.EventTypes) > 0 {
		placeholders := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}
	if q.StartTime > 0 {
		query += ` AND ts >= ?`
		args = append(args, q.StartTime)
	}
	if q.EndTime > 0 {
		query += ` AND ts <= ?`
		args = append(args, q.EndTime)
	}

	query += ` ORDER BY id ASC`
	return query, args
}

// sqliteEventCursor wraps *sql.Rows as an EventCursor.
type sqliteEventCursor struct {
	rows *sql.Rows
	cur  domain.StoredEvent
	err  error
}

func (c *sqliteEventCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var payload string
	if err := c.rows.Scan(&c.cur.ID, &c.cur.SessionID, &c.cur.ExecutionID, &c.cur.EventType, &payload, &c.cur.Ts); err != nil {
		c.err = err
		return false
	}
	c.cur.Payload = json.RawMessage(payload)
	return true
}

func (c *sqliteEventCursor) Event() *domain.StoredEvent {
	return &c.cur
}

func (c *sqliteEventCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *sqliteEventCursor) Close() error {
	return c.rows.Close()
}

// OpenEventCursor opens a lazy forward cursor over matching events in
// ascending id order.
func (s *SQLiteStore) OpenEventCursor(ctx context.Context, q EventQuery) (EventCursor, error) {
	query, args := buildEventQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqliteEventCursor{rows: rows}, nil
}

// GetEvents retrieves up to limit matching events in ascending id order.
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery, limit int) ([]domain.StoredEvent, error) {
	query, args := buildEventQuery(q)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.StoredEvent
	for rows.Next() {
		var evt domain.StoredEvent
		var payload string
		if err := rows.Scan(&evt.ID, &evt.SessionID, &evt.ExecutionID, &evt.EventType, &payload, &evt.Ts); err != nil {
			return nil, err
		}
		evt.Payload = json.RawMessage(payload)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// CreateExecution creates a new execution.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, session_id, status, ingest_token, created_at) VALUES (?, ?, ?, ?, ?)`,
		exec.ExecutionID, exec.SessionID, exec.Status, exec.IngestToken, exec.CreatedAt)
	return err
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	var exec domain.Execution
	var kiloSessionID, branch, statusReason sql.NullString
	var exitCode sql.NullInt64
	var lastHeartbeat, finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, session_id, status, ingest_token, kilo_session_id, branch, exit_code, status_reason, created_at, last_heartbeat, finished_at
		 FROM executions WHERE execution_id = ?`,
		executionID).Scan(&exec.ExecutionID, &exec.SessionID, &exec.Status, &exec.IngestToken,
		&kiloSessionID, &branch, &exitCode, &statusReason, &exec.CreatedAt, &lastHeartbeat, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if kiloSessionID.Valid {
		exec.KiloSessionID = kiloSessionID.String
	}
	if branch.Valid {
		exec.Branch = branch.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		exec.ExitCode = &code
	}
	if statusReason.Valid {
		exec.StatusReason = statusReason.String
	}
	if lastHeartbeat.Valid {
		exec.LastHeartbeat = &lastHeartbeat.Time
	}
	if finishedAt.Valid {
		exec.FinishedAt = &finishedAt.Time
	}
	return &exec, nil
}

// UpdateExecutionStatus updates the status of an execution.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE execution_id = ?`,
		status, executionID)
	return err
}

// FinishExecution records a terminal status with its reason and exit code.
func (s *SQLiteStore) FinishExecution(ctx context.Context, executionID string, status domain.ExecutionStatus, reason string, exitCode *int) error {
	var reasonStr sql.NullString
	if reason != "" {
		reasonStr = sql.NullString{String: reason, Valid: true}
	}
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, status_reason = ?, exit_code = ?, finished_at = ? WHERE execution_id = ?`,
		status, reasonStr, code, time.Now(), executionID)
	return err
}

// SetExecutionBranch records the worker's current git branch.
func (s *SQLiteStore) SetExecutionBranch(ctx context.Context, executionID, branch string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET branch = ? WHERE execution_id = ?`,
		branch, executionID)
	return err
}

// SetExecutionKiloSession links the captured external kilo session id.
func (s *SQLiteStore) SetExecutionKiloSession(ctx context.Context, executionID, kiloSessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET kilo_session_id = ? WHERE execution_id = ?`,
		kiloSessionID, executionID)
	return err
}

// TouchExecutionHeartbeat refreshes the execution's heartbeat timestamp.
func (s *SQLiteStore) TouchExecutionHeartbeat(ctx context.Context, executionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET last_heartbeat = ? WHERE execution_id = ?`,
		at, executionID)
	return err
}

func (s *SQLiteStore) putAttachment(ctx context.Context, connectionID, sessionID, kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attachments (connection_id, session_id, kind, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(connection_id) DO UPDATE SET data = excluded.data`,
		connectionID, sessionID, kind, string(data))
	return err
}

func (s *SQLiteStore) getAttachment(ctx context.Context, connectionID, kind string, v interface{}) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM attachments WHERE connection_id = ? AND kind = ?`,
		connectionID, kind).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, err
	}
	return true, nil
}

// PutObserverAttachment persists an observer connection's attachment.
func (s *SQLiteStore) PutObserverAttachment(ctx context.Context, connectionID string, att *domain.ObserverAttachment) error {
	return s.putAttachment(ctx, connectionID, att.Filters.SessionID, attachmentKindObserver, att)
}

// GetObserverAttachment retrieves an observer connection's attachment, or
// nil when none is stored.
func (s *SQLiteStore) GetObserverAttachment(ctx context.Context, connectionID string) (*domain.ObserverAttachment, error) {
	var att domain.ObserverAttachment
	ok, err := s.getAttachment(ctx, connectionID, attachmentKindObserver, &att)
	if err != nil || !ok {
		return nil, err
	}
	return &att, nil
}

// PutIngestAttachment persists the worker connection's attachment.
func (s *SQLiteStore) PutIngestAttachment(ctx context.Context, connectionID string, att *domain.IngestAttachment) error {
	return s.putAttachment(ctx, connectionID, att.SessionID, attachmentKindIngest, att)
}

// GetIngestAttachment retrieves the worker connection's attachment, or nil
// when none is stored.
func (s *SQLiteStore) GetIngestAttachment(ctx context.Context, connectionID string) (*domain.IngestAttachment, error) {
	var att domain.IngestAttachment
	ok, err := s.getAttachment(ctx, connectionID, attachmentKindIngest, &att)
	if err != nil || !ok {
		return nil, err
	}
	return &att, nil
}

// DeleteAttachment removes a connection's attachment.
func (s *SQLiteStore) DeleteAttachment(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE connection_id = ?`,
		connectionID)
	return err
}
