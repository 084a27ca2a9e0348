package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/dennismeister93/kilorelay/internal/domain"
	"github.com/dennismeister93/kilorelay/internal/store"
)

// ReplayEngine drains a session's event history to a newly attached
// observer in bounded-size rounds. Each round opens a fresh store cursor
// from the last delivered id and abandons it once the byte budget is spent,
// so memory stays bounded by one round regardless of history size.
type ReplayEngine struct {
	events store.EventStore
	budget int64 // serialized bytes per round
}

// NewReplayEngine creates a replay engine with the given per-round byte
// budget.
func NewReplayEngine(events store.EventStore, budget int64) *ReplayEngine {
	return &ReplayEngine{events: events, budget: budget}
}

// Replay delivers all history matching the filters to conn in ascending
// event id order. It returns a store or formatting error; a send failure
// or closed connection ends replay silently, since the observer is gone.
func (r *ReplayEngine) Replay(ctx context.Context, conn Conn, filters *domain.StreamFilters) error {
	cursor := filters.FromID
	for {
		if !conn.Open() {
			return nil
		}

		sent, lastID, err := r.replayRound(ctx, conn, filters, cursor)
		if err != nil {
			return err
		}
		if sent == 0 {
			return nil
		}
		cursor = lastID
	}
}

// replayRound streams one budget-bounded batch starting after fromID. The
// budget is checked only after at least one event has been sent, so a
// single oversized event still makes progress.
func (r *ReplayEngine) replayRound(ctx context.Context, conn Conn, filters *domain.StreamFilters, fromID int64) (sent int, lastID int64, err error) {
	cur, err := r.events.OpenEventCursor(ctx, store.EventQuery{
		SessionID:    filters.SessionID,
		FromID:       fromID,
		ExecutionIDs: filters.ExecutionIDs,
		EventTypes:   filters.EventTypes,
		StartTime:    filters.StartTime,
		EndTime:      filters.EndTime,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("open replay cursor: %w", err)
	}
	defer cur.Close()

	var bytes int64
	for cur.Next() {
		evt := cur.Event()
		envelope, err := FormatEvent(evt, filters.SessionID)
		if err != nil {
			return sent, lastID, err
		}
		data, err := json.Marshal(envelope)
		if err != nil {
			return sent, lastID, err
		}
		if err := conn.SendText(data); err != nil {
			// Observer went away mid-replay; nothing left to deliver to.
			log.Printf("Replay send to connection %s failed: %v", conn.ID(), err)
			return 0, 0, nil
		}
		bytes += int64(len(data))
		lastID = evt.ID
		sent++
		if bytes >= r.budget {
			break
		}
	}
	if err := cur.Err(); err != nil {
		return sent, lastID, fmt.Errorf("iterate replay cursor: %w", err)
	}
	return sent, lastID, nil
}
