package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-run/meridian/bus"
)

// NewHandler adapts a Store into a bus.Handler registered under the
// "journal" component id, dispatching on the message type the way §4.6
// names the two journal operations.
func NewHandler(store *Store) bus.Handler {
	return func(ctx context.Context, msg bus.Message) (bus.Message, error) {
		switch msg.Type {
		case bus.TypeJournalStore:
			req, ok := msg.Payload.(StoreRequest)
			if !ok {
				return bus.Message{}, fmt.Errorf("journal: unexpected payload type %T for journal.store", msg.Payload)
			}
			result, err := store.StoreEntry(ctx, req)
			if err != nil {
				return bus.Message{}, err
			}
			return response(msg, result), nil
		case bus.TypeJournalQuery:
			req, ok := msg.Payload.(QueryRequest)
			if !ok {
				return bus.Message{}, fmt.Errorf("journal: unexpected payload type %T for journal.query", msg.Payload)
			}
			result, err := store.Query(ctx, req)
			if err != nil {
				return bus.Message{}, err
			}
			return response(msg, result), nil
		default:
			return bus.Message{}, fmt.Errorf("journal: unsupported message type %q", msg.Type)
		}
	}
}

func response(req bus.Message, payload any) bus.Message {
	return bus.Message{
		ID:            req.ID,
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UTC(),
		From:          "journal",
		To:            req.From,
		Type:          req.Type,
		Payload:       payload,
		JobID:         req.JobID,
	}
}
