package relay

import (
	"sync"
	"time"

	"github.com/dennismeister93/kilorelay/internal/store"
)

// Registry hands out the actor for each session. Sessions are created on
// first use and are fully independent of each other.
type Registry struct {
	store             store.Store
	replayBudget      int64
	heartbeatDebounce time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a session registry.
func NewRegistry(st store.Store, replayBudget int64, heartbeatDebounce time.Duration) *Registry {
	return &Registry{
		store:             st,
		replayBudget:      replayBudget,
		heartbeatDebounce: heartbeatDebounce,
		sessions:          make(map[string]*Session),
	}
}

// Session returns the actor for a session id, creating it if needed.
func (r *Registry) Session(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s
	}
	s := newSession(sessionID, r.store, r.replayBudget, r.heartbeatDebounce)
	r.sessions[sessionID] = s
	return s
}

// ConnectionCount returns the total number of tracked connections across
// all sessions.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	total := 0
	for _, s := range sessions {
		total += s.connectionCount()
	}
	return total
}

// SessionCount returns the number of sessions with at least one tracked
// connection.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	count := 0
	for _, s := range sessions {
		if s.connectionCount() > 0 {
			count++
		}
	}
	return count
}
