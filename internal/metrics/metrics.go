package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	eventsTotal atomic.Uint64
	byType      sync.Map // string -> *atomic.Uint64

	sessionsStarted atomic.Uint64
	sessionsReused  atomic.Uint64
	sessionsStopped atomic.Uint64
	sessionsReaped  atomic.Uint64
	sessionErrors   atomic.Uint64

	clones        atomic.Uint64
	cloneFailures atomic.Uint64
	fetches       atomic.Uint64

	probes        atomic.Uint64
	probeFailures atomic.Uint64

	rateLimited atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	if eventType == "" {
		eventType = "unknown"
	}
	ptr, _ := c.byType.LoadOrStore(eventType, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncSessionStarted() {
	if c == nil {
		return
	}
	c.sessionsStarted.Add(1)
}

func (c *Collector) IncSessionReused() {
	if c == nil {
		return
	}
	c.sessionsReused.Add(1)
}

func (c *Collector) IncSessionStopped() {
	if c == nil {
		return
	}
	c.sessionsStopped.Add(1)
}

func (c *Collector) IncSessionReaped() {
	if c == nil {
		return
	}
	c.sessionsReaped.Add(1)
}

func (c *Collector) IncSessionError() {
	if c == nil {
		return
	}
	c.sessionErrors.Add(1)
}

func (c *Collector) IncClone() {
	if c == nil {
		return
	}
	c.clones.Add(1)
}

func (c *Collector) IncCloneFailure() {
	if c == nil {
		return
	}
	c.cloneFailures.Add(1)
}

func (c *Collector) IncFetch() {
	if c == nil {
		return
	}
	c.fetches.Add(1)
}

func (c *Collector) IncProbe() {
	if c == nil {
		return
	}
	c.probes.Add(1)
}

func (c *Collector) IncProbeFailure() {
	if c == nil {
		return
	}
	c.probeFailures.Add(1)
}

func (c *Collector) IncRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Add(1)
}

type HandlerOptions struct {
	ActiveSessions func() int
	ReadyMirrors   func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP branchbox_up Whether the branchbox server is running.\n")
		fmt.Fprint(w, "# TYPE branchbox_up gauge\n")
		fmt.Fprint(w, "branchbox_up 1\n")

		fmt.Fprint(w, "# HELP branchbox_events_total Total number of events recorded.\n")
		fmt.Fprint(w, "# TYPE branchbox_events_total counter\n")
		fmt.Fprintf(w, "branchbox_events_total %d\n", c.eventsTotal.Load())

		counters := []struct {
			name string
			help string
			val  uint64
		}{
			{"branchbox_sessions_started_total", "Sessions provisioned from scratch.", c.sessionsStarted.Load()},
			{"branchbox_sessions_reused_total", "Create requests satisfied by an existing session.", c.sessionsReused.Load()},
			{"branchbox_sessions_stopped_total", "Sessions stopped by request.", c.sessionsStopped.Load()},
			{"branchbox_sessions_reaped_total", "Sessions stopped by the inactivity sweep.", c.sessionsReaped.Load()},
			{"branchbox_session_errors_total", "Sessions that entered the error state.", c.sessionErrors.Load()},
			{"branchbox_mirror_clones_total", "Mirror clones completed.", c.clones.Load()},
			{"branchbox_mirror_clone_failures_total", "Mirror clones failed.", c.cloneFailures.Load()},
			{"branchbox_mirror_fetches_total", "Mirror fetch updates completed.", c.fetches.Load()},
			{"branchbox_probes_total", "Container health probes performed.", c.probes.Load()},
			{"branchbox_probe_failures_total", "Container health probes that failed or timed out.", c.probeFailures.Load()},
			{"branchbox_requests_rate_limited_total", "API requests rejected by the rate limiter.", c.rateLimited.Load()},
		}
		for _, m := range counters {
			fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
			fmt.Fprintf(w, "# TYPE %s counter\n", m.name)
			fmt.Fprintf(w, "%s %d\n", m.name, m.val)
		}

		types := snapshotKeys(&c.byType)
		if len(types) > 0 {
			fmt.Fprint(w, "# HELP branchbox_events_by_type_total Total events recorded by type.\n")
			fmt.Fprint(w, "# TYPE branchbox_events_by_type_total counter\n")
			for _, t := range types {
				ptr, _ := c.byType.Load(t)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "branchbox_events_by_type_total{type=%q} %d\n", escapeLabelValue(t), n)
			}
		}

		if opts.ActiveSessions != nil {
			fmt.Fprint(w, "# HELP branchbox_sessions_active Sessions in pending or running state.\n")
			fmt.Fprint(w, "# TYPE branchbox_sessions_active gauge\n")
			fmt.Fprintf(w, "branchbox_sessions_active %d\n", opts.ActiveSessions())
		}
		if opts.ReadyMirrors != nil {
			fmt.Fprint(w, "# HELP branchbox_mirrors_ready Repository mirrors in ready state.\n")
			fmt.Fprint(w, "# TYPE branchbox_mirrors_ready gauge\n")
			fmt.Fprintf(w, "branchbox_mirrors_ready %d\n", opts.ReadyMirrors())
		}
	})
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
