package relay

import (
	"context"
	"encoding/json"
	"log"

	"github.com/dennismeister93/kilorelay/internal/domain"
	"github.com/dennismeister93/kilorelay/internal/store"
)

// BroadcastRouter fans one newly persisted event out to every attached
// observer connection whose filters match. Filters are re-read from the
// attachment store on every event rather than cached: the actor may have
// been evicted and rehydrated since the observer attached.
type BroadcastRouter struct {
	attachments store.AttachmentStore
}

// NewBroadcastRouter creates a broadcast router.
func NewBroadcastRouter(attachments store.AttachmentStore) *BroadcastRouter {
	return &BroadcastRouter{attachments: attachments}
}

// Broadcast delivers evt to every matching observer. A failure on one
// connection is logged and never aborts delivery to the others, and the
// router never closes a socket; detecting dead connections is the
// transport layer's job.
func (b *BroadcastRouter) Broadcast(ctx context.Context, evt *domain.StoredEvent, observers []Conn) {
	if len(observers) == 0 {
		return
	}

	envelope, err := FormatEvent(evt, evt.SessionID)
	if err != nil {
		log.Printf("Failed to format event %d for broadcast: %v", evt.ID, err)
		return
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("Failed to marshal event %d for broadcast: %v", evt.ID, err)
		return
	}

	for _, conn := range observers {
		att, err := b.attachments.GetObserverAttachment(ctx, conn.ID())
		if err != nil {
			log.Printf("Failed to load attachment for connection %s: %v", conn.ID(), err)
			continue
		}
		if att == nil {
			log.Printf("No attachment for connection %s, skipping broadcast", conn.ID())
			continue
		}
		if !att.Filters.Matches(evt) {
			continue
		}
		if err := conn.SendText(data); err != nil {
			log.Printf("Broadcast send to connection %s failed: %v", conn.ID(), err)
		}
	}
}
