package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/branchbox/branchbox/pkg/types"
)

func TestBrokerPublishAndSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sess1", 10)
	defer b.Unsubscribe("sess1", ch)

	ev := types.Event{SessionID: "sess1", Type: types.EventSessionCreated}
	b.Publish(ev)

	select {
	case got := <-ch:
		if got.SessionID != ev.SessionID || got.Type != ev.Type {
			t.Fatalf("event mismatch: got %+v want %+v", got, ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerFirehoseSeesAllSessions(t *testing.T) {
	b := NewBroker()
	all := b.Subscribe("", 10)
	defer b.Unsubscribe("", all)

	b.Publish(types.Event{SessionID: "a", Type: types.EventSessionCreated})
	b.Publish(types.Event{SessionID: "b", Type: types.EventSessionStopped})

	if n := len(all); n != 2 {
		t.Fatalf("firehose buffered %d events, want 2", n)
	}
}

func TestBrokerDropsWhenSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sess1", 1)
	defer b.Unsubscribe("sess1", ch)

	ev := types.Event{SessionID: "sess1", Type: types.EventSessionHeartbeat}
	b.Publish(ev) // fills buffer
	b.Publish(ev) // should drop

	if n := len(ch); n != 1 {
		t.Fatalf("expected buffer length 1 after drop, got %d", n)
	}
	if b.DroppedCount() != 1 {
		t.Fatalf("dropped = %d, want 1", b.DroppedCount())
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("sess1", 1)
	b.Unsubscribe("sess1", ch)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	default:
		t.Fatal("expected channel to be closed and readable")
	}
}

type captureAppender struct {
	events []types.Event
	err    error
}

func (c *captureAppender) AppendEvent(_ context.Context, ev types.Event) error {
	c.events = append(c.events, ev)
	return c.err
}

func TestRecorderStampsAndDelivers(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("s1", 4)
	defer b.Unsubscribe("s1", ch)
	app := &captureAppender{}
	rec := NewRecorder(app, b)

	out := rec.Emit(context.Background(), types.Event{Type: types.EventSessionCreated, SessionID: "s1"})
	if out.ID == "" || out.Timestamp.IsZero() {
		t.Fatalf("event not stamped: %+v", out)
	}
	if len(app.events) != 1 || app.events[0].ID != out.ID {
		t.Fatalf("store did not receive stamped event: %+v", app.events)
	}
	select {
	case got := <-ch:
		if got.ID != out.ID {
			t.Fatalf("subscriber got %q, want %q", got.ID, out.ID)
		}
	default:
		t.Fatal("subscriber did not receive event")
	}
}

func TestRecorderSwallowsStoreFailure(t *testing.T) {
	app := &captureAppender{err: errors.New("disk full")}
	rec := NewRecorder(app, NewBroker())

	out := rec.Emit(context.Background(), types.Event{Type: types.EventSessionError})
	if out.ID == "" {
		t.Fatal("event not stamped despite store failure")
	}
}
