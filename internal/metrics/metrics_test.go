package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/branchbox/branchbox/pkg/types"
)

func TestHandlerExportsCountersAndEscapes(t *testing.T) {
	c := New()
	c.IncEvent(types.EventSessionCreated)
	c.IncEvent(types.EventSessionCreated)
	c.IncEvent("bar\n\"x\"")
	c.IncSessionStarted()
	c.IncSessionReused()
	c.IncSessionReaped()
	c.IncClone()
	c.IncCloneFailure()
	c.IncProbe()
	c.IncProbeFailure()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	c.Handler(HandlerOptions{
		ActiveSessions: func() int { return 7 },
		ReadyMirrors:   func() int { return 3 },
	}).ServeHTTP(rec, req)

	body := rec.Body.String()
	assertContains := func(substr string) {
		t.Helper()
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics output missing %q. Got:\n%s", substr, body)
		}
	}

	assertContains("branchbox_up 1")
	assertContains("branchbox_events_total 3")
	assertContains("branchbox_sessions_started_total 1")
	assertContains("branchbox_sessions_reused_total 1")
	assertContains("branchbox_sessions_reaped_total 1")
	assertContains("branchbox_mirror_clones_total 1")
	assertContains("branchbox_mirror_clone_failures_total 1")
	assertContains("branchbox_probes_total 1")
	assertContains("branchbox_probe_failures_total 1")
	assertContains(`branchbox_events_by_type_total{type="bar\\n\\\"x\\\""} 1`)
	assertContains(`branchbox_events_by_type_total{type="session_created"} 2`)
	assertContains("branchbox_sessions_active 7")
	assertContains("branchbox_mirrors_ready 3")
}

type fakeEventStore struct {
	mu    sync.Mutex
	count int
}

func (f *fakeEventStore) AppendEvent(ctx context.Context, ev types.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func (f *fakeEventStore) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return nil, nil
}

func (f *fakeEventStore) Close() error { return nil }

func TestWrapEventStoreIncrementsCollector(t *testing.T) {
	c := New()
	inner := &fakeEventStore{}
	store := WrapEventStore(inner, c)

	ev := types.Event{Type: types.EventSessionCreated}
	if err := store.AppendEvent(context.Background(), ev); err != nil {
		t.Fatalf("AppendEvent error: %v", err)
	}

	if got := c.eventsTotal.Load(); got != 1 {
		t.Fatalf("eventsTotal = %d, want 1", got)
	}
	if got := inner.count; got != 1 {
		t.Fatalf("inner count = %d, want 1", got)
	}
}

func TestSnapshotKeysReturnsSorted(t *testing.T) {
	var m sync.Map
	m.Store("b", 1)
	m.Store("a", 1)
	m.Store("c", 1)

	keys := snapshotKeys(&m)
	if strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("snapshotKeys = %v", keys)
	}
}
