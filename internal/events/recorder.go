package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/branchbox/branchbox/pkg/types"
	"github.com/google/uuid"
)

// Appender is the narrow slice of the event store the recorder needs.
type Appender interface {
	AppendEvent(ctx context.Context, ev types.Event) error
}

// Recorder stamps, persists, and broadcasts events. Store failures are
// logged and swallowed so event recording never blocks the caller's
// operation.
type Recorder struct {
	store  Appender
	broker *Broker
}

func NewRecorder(store Appender, broker *Broker) *Recorder {
	return &Recorder{store: store, broker: broker}
}

// Emit assigns the event an id and timestamp if missing, writes it to the
// store, and publishes it to live subscribers. The stamped event is
// returned.
func (r *Recorder) Emit(ctx context.Context, ev types.Event) types.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if r.store != nil {
		if err := r.store.AppendEvent(ctx, ev); err != nil {
			slog.Warn("event append failed", "type", ev.Type, "session_id", ev.SessionID, "error", err)
		}
	}
	if r.broker != nil {
		r.broker.Publish(ev)
	}
	return ev
}
