// Package session implements the lifecycle of container-backed development
// sessions. A session binds a (user, repository, branch) triple to one
// workspace container; the container id is the session id. The manager is
// the single writer for session state: transports call it, it drives the
// container runtime and the store, and it emits lifecycle events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/internal/events"
	"github.com/branchbox/branchbox/internal/metrics"
	"github.com/branchbox/branchbox/internal/runtime"
	"github.com/branchbox/branchbox/internal/store"
	"github.com/branchbox/branchbox/pkg/types"
)

const (
	defaultIdleTimeout  = time.Hour
	defaultStopTimeout  = 10 * time.Second
	defaultStartTimeout = 2 * time.Minute
	defaultProbeTimeout = 5 * time.Second
	defaultMaxProbes    = 16
)

// Mirrors resolves a repository id to the host path of its git mirror.
// Satisfied by gitmirror.Service.
type Mirrors interface {
	Path(repositoryID int64) string
}

type Options struct {
	Runtime  runtime.Runtime
	Sessions store.SessionStore
	Repos    store.RepositoryStore
	Mirrors  Mirrors
	Events   *events.Recorder
	Metrics  *metrics.Collector

	// Image is the workspace container image; Env is added to every
	// container's environment.
	Image string
	Env   map[string]string

	// MaxSessions caps active sessions across all users; zero means
	// unlimited.
	MaxSessions int

	IdleTimeout  time.Duration
	StopTimeout  time.Duration
	StartTimeout time.Duration
	ProbeTimeout time.Duration

	// MaxConcurrentProbes bounds parallelism of health-check sweeps.
	MaxConcurrentProbes int
}

type tripleKey struct {
	userID int64
	repoID int64
	branch string
}

// entry is the in-memory record for one tracked session. Its mutex orders
// state transitions for that session; it may be held across store writes
// but never across container operations, so a slow or hung runtime cannot
// wedge heartbeats and lookups.
type entry struct {
	mu   sync.Mutex
	sess types.Session
}

// reservation parks concurrent Create calls for the same triple while the
// first one provisions. Waiters read sess/err after done is closed.
type reservation struct {
	done chan struct{}
	sess *types.Session
	err  error
}

// Manager owns session state. All transitions go through it; the store is
// its durable backing, the in-memory maps its working set.
type Manager struct {
	rt       runtime.Runtime
	sessions store.SessionStore
	repos    store.RepositoryStore
	mirrors  Mirrors
	events   *events.Recorder
	metrics  *metrics.Collector

	image string
	env   map[string]string

	maxSessions  int
	idleTimeout  time.Duration
	stopTimeout  time.Duration
	startTimeout time.Duration
	probeTimeout time.Duration
	maxProbes    int

	mu       sync.Mutex
	tracked  map[string]*entry          // session id -> entry
	byTriple map[tripleKey]string       // active triple -> session id
	reserved map[tripleKey]*reservation // triples mid-provision
}

func New(opts Options) (*Manager, error) {
	if opts.Runtime == nil {
		return nil, errors.New("session: runtime is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session: session store is required")
	}
	if opts.Repos == nil {
		return nil, errors.New("session: repository store is required")
	}
	if opts.Mirrors == nil {
		return nil, errors.New("session: mirror resolver is required")
	}
	rec := opts.Events
	if rec == nil {
		rec = events.NewRecorder(nil, nil)
	}
	m := &Manager{
		rt:           opts.Runtime,
		sessions:     opts.Sessions,
		repos:        opts.Repos,
		mirrors:      opts.Mirrors,
		events:       rec,
		metrics:      opts.Metrics,
		image:        opts.Image,
		env:          opts.Env,
		maxSessions:  opts.MaxSessions,
		idleTimeout:  opts.IdleTimeout,
		stopTimeout:  opts.StopTimeout,
		startTimeout: opts.StartTimeout,
		probeTimeout: opts.ProbeTimeout,
		maxProbes:    opts.MaxConcurrentProbes,
		tracked:      make(map[string]*entry),
		byTriple:     make(map[tripleKey]string),
		reserved:     make(map[tripleKey]*reservation),
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = defaultIdleTimeout
	}
	if m.stopTimeout <= 0 {
		m.stopTimeout = defaultStopTimeout
	}
	if m.startTimeout <= 0 {
		m.startTimeout = defaultStartTimeout
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = defaultProbeTimeout
	}
	if m.maxProbes <= 0 {
		m.maxProbes = defaultMaxProbes
	}
	return m, nil
}

// Create returns the session for the request's (user, repository, branch)
// triple, reusing a live one when it exists and provisioning a container
// otherwise. Concurrent calls for the same triple coalesce onto a single
// provisioning attempt.
func (m *Manager) Create(ctx context.Context, req types.CreateSessionRequest) (*types.Session, error) {
	if req.UserID <= 0 {
		return nil, apperr.Validation("user_id is required")
	}
	if req.RepositoryID <= 0 {
		return nil, apperr.Validation("repository_id is required")
	}
	if req.Branch == "" {
		return nil, apperr.Validation("branch is required")
	}
	key := tripleKey{userID: req.UserID, repoID: req.RepositoryID, branch: req.Branch}

	for {
		m.mu.Lock()
		if id, ok := m.byTriple[key]; ok {
			e := m.tracked[id]
			m.mu.Unlock()
			if sess, ok := m.touchActive(ctx, e); ok {
				m.metrics.IncSessionReused()
				m.events.Emit(ctx, types.Event{
					Type:         types.EventSessionReused,
					SessionID:    sess.ID,
					UserID:       sess.UserID,
					RepositoryID: sess.RepositoryID,
					Branch:       sess.Branch,
				})
				return &sess, nil
			}
			// The mapped session went terminal between lookup and touch.
			// Unmap it and retry; this attempt becomes a fresh create.
			m.mu.Lock()
			if m.byTriple[key] == id {
				delete(m.byTriple, key)
			}
			m.mu.Unlock()
			continue
		}
		if res, ok := m.reserved[key]; ok {
			m.mu.Unlock()
			select {
			case <-res.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if res.err != nil {
				return nil, res.err
			}
			sess := *res.sess
			return &sess, nil
		}
		if m.maxSessions > 0 && len(m.byTriple)+len(m.reserved) >= m.maxSessions {
			m.mu.Unlock()
			return nil, &apperr.Error{
				Kind: apperr.KindPermissionDenied,
				Msg:  fmt.Sprintf("session limit %d reached", m.maxSessions),
				Err:  ErrQuotaExceeded,
			}
		}
		res := &reservation{done: make(chan struct{})}
		m.reserved[key] = res
		m.mu.Unlock()

		sess, err := m.provision(ctx, req)

		m.mu.Lock()
		delete(m.reserved, key)
		if err == nil {
			e := &entry{sess: *sess}
			m.tracked[sess.ID] = e
			m.byTriple[key] = sess.ID
		}
		m.mu.Unlock()

		res.sess, res.err = sess, err
		close(res.done)
		if err != nil {
			return nil, err
		}
		out := *sess
		return &out, nil
	}
}

// touchActive bumps the session's last-access time if it is still active.
// Returns a copy of the refreshed session, or ok=false when the session
// has gone terminal and the caller should treat the lookup as a miss.
func (m *Manager) touchActive(ctx context.Context, e *entry) (types.Session, bool) {
	if e == nil {
		return types.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sess.State.IsActive() {
		return types.Session{}, false
	}
	now := time.Now().UTC()
	if now.After(e.sess.LastAccessedAt) {
		e.sess.LastAccessedAt = now
	}
	e.sess.UpdatedAt = now
	if err := m.sessions.PutSession(ctx, e.sess); err != nil {
		slog.Warn("persist session touch failed", "session_id", e.sess.ID, "error", err)
	}
	return e.sess, true
}

// provision starts a container for the triple and carries the session
// through pending into running. Any failure after the container exists
// tears it down and deletes the record, so a failed create leaves nothing
// behind.
func (m *Manager) provision(ctx context.Context, req types.CreateSessionRequest) (*types.Session, error) {
	repo, err := m.repos.GetRepository(ctx, req.RepositoryID)
	if err != nil {
		return nil, err
	}

	spec := runtime.StartSpec{
		SessionKey:   fmt.Sprintf("u%d-r%d-%s", req.UserID, req.RepositoryID, req.Branch),
		UserID:       req.UserID,
		RepositoryID: req.RepositoryID,
		Branch:       req.Branch,
		RepoName:     repo.Name,
		MirrorPath:   m.mirrors.Path(req.RepositoryID),
		Image:        m.image,
		Env:          m.env,
	}
	startCtx, cancel := context.WithTimeout(ctx, m.startTimeout)
	res, err := m.rt.Start(startCtx, spec)
	cancel()
	if err != nil {
		m.metrics.IncSessionError()
		m.events.Emit(ctx, types.Event{
			Type:         types.EventSessionError,
			UserID:       req.UserID,
			RepositoryID: req.RepositoryID,
			Branch:       req.Branch,
			Fields:       map[string]any{"op": "create", "error": apperr.Scrub(err.Error())},
		})
		return nil, apperr.Provisioning("session.create", err)
	}

	now := time.Now().UTC()
	sess := types.Session{
		ID:             res.ContainerID,
		UserID:         req.UserID,
		RepositoryID:   req.RepositoryID,
		Branch:         req.Branch,
		ContainerURL:   res.URL,
		State:          types.SessionStatePending,
		CreatedAt:      now,
		LastAccessedAt: now,
		UpdatedAt:      now,
	}
	if err := m.sessions.PutSession(ctx, sess); err != nil {
		m.teardown(sess.ID)
		return nil, m.provisionFailed(ctx, sess, fmt.Errorf("persist session: %w", err))
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	probe, err := m.rt.Probe(probeCtx, sess.ID)
	cancel()
	if err != nil || !probe.Running {
		m.teardown(sess.ID)
		if derr := m.sessions.DeleteSession(ctx, sess.ID); derr != nil {
			slog.Warn("delete failed session record", "session_id", sess.ID, "error", derr)
		}
		if err == nil {
			err = fmt.Errorf("container %s did not become ready: %s", sess.ID, probe.Status)
		}
		return nil, m.provisionFailed(ctx, sess, err)
	}

	sess.State = types.SessionStateRunning
	sess.UpdatedAt = time.Now().UTC()
	if err := m.sessions.PutSession(ctx, sess); err != nil {
		m.teardown(sess.ID)
		if derr := m.sessions.DeleteSession(ctx, sess.ID); derr != nil {
			slog.Warn("delete failed session record", "session_id", sess.ID, "error", derr)
		}
		return nil, m.provisionFailed(ctx, sess, fmt.Errorf("persist session: %w", err))
	}

	m.metrics.IncSessionStarted()
	m.events.Emit(ctx, types.Event{
		Type:         types.EventSessionCreated,
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		RepositoryID: sess.RepositoryID,
		Branch:       sess.Branch,
		Fields:       map[string]any{"container_url": sess.ContainerURL},
	})
	slog.Info("session created",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"repository_id", sess.RepositoryID,
		"branch", sess.Branch)
	return &sess, nil
}

func (m *Manager) provisionFailed(ctx context.Context, sess types.Session, err error) error {
	m.metrics.IncSessionError()
	m.events.Emit(ctx, types.Event{
		Type:         types.EventSessionError,
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		RepositoryID: sess.RepositoryID,
		Branch:       sess.Branch,
		Fields:       map[string]any{"op": "create", "error": apperr.Scrub(err.Error())},
	})
	return apperr.Provisioning("session.create", err)
}

// teardown best-effort stops and removes a container outside the caller's
// context, so cancelling the request cannot leak a container.
func (m *Manager) teardown(containerID string) {
	timeout := m.stopTimeout
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.rt.Stop(ctx, containerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		slog.Warn("teardown stop failed", "container_id", containerID, "error", err)
	}
	if err := m.rt.Remove(ctx, containerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		slog.Warn("teardown remove failed", "container_id", containerID, "error", err)
	}
}

// Stop halts the session's container and marks the record stopped.
// Stopping a session that is already terminal is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	e := m.entry(id)
	if e == nil {
		sess, err := m.sessions.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.State.IsTerminal() {
			return nil
		}
		e = m.adopt(sess)
	}
	if err := m.stopEntry(ctx, e, types.EventSessionStopped, nil); err != nil {
		return err
	}
	m.metrics.IncSessionStopped()
	return nil
}

// stopEntry stops the container, transitions the entry to stopped, and
// emits evType. Terminal entries return nil without touching the runtime.
func (m *Manager) stopEntry(ctx context.Context, e *entry, evType string, fields map[string]any) error {
	e.mu.Lock()
	if e.sess.State.IsTerminal() {
		e.mu.Unlock()
		return nil
	}
	id := e.sess.ID
	e.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	err := m.rt.Stop(stopCtx, id)
	cancel()
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return apperr.Provisioning("session.stop", err)
	}
	if err := m.rt.Remove(ctx, id); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		slog.Warn("remove container failed", "container_id", id, "error", err)
	}

	e.mu.Lock()
	if e.sess.State.IsTerminal() {
		// Lost a race with another stop or a reconcile; their transition
		// stands.
		e.mu.Unlock()
		return nil
	}
	e.sess.State = types.SessionStateStopped
	e.sess.UpdatedAt = time.Now().UTC()
	sess := e.sess
	e.mu.Unlock()

	m.dropTriple(sess)
	if err := m.sessions.PutSession(ctx, sess); err != nil {
		return fmt.Errorf("persist stopped session: %w", err)
	}
	m.events.Emit(ctx, types.Event{
		Type:         evType,
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		RepositoryID: sess.RepositoryID,
		Branch:       sess.Branch,
		Fields:       fields,
	})
	return nil
}

// Status returns the session record, refreshed against the runtime for
// running sessions. A container that has vanished or exited reconciles the
// session into the error state before returning.
func (m *Manager) Status(ctx context.Context, id string) (*types.Session, error) {
	e := m.entry(id)
	if e == nil {
		sess, err := m.sessions.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if !sess.State.IsActive() {
			return &sess, nil
		}
		e = m.adopt(sess)
	}

	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess.State != types.SessionStateRunning {
		return &sess, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	probe, err := m.rt.Probe(probeCtx, sess.ID)
	cancel()
	m.metrics.IncProbe()
	switch {
	case err == nil && probe.Running:
		return &sess, nil
	case err == nil || errors.Is(err, runtime.ErrNotFound):
		reason := "container not found"
		if err == nil {
			reason = fmt.Sprintf("container not running: %s", probe.Status)
		}
		m.metrics.IncProbeFailure()
		m.reconcileDead(ctx, e, reason)
		e.mu.Lock()
		sess = e.sess
		e.mu.Unlock()
		return &sess, nil
	default:
		// Transport trouble or probe timeout: the container may be fine,
		// so report the failure without rewriting state.
		m.metrics.IncProbeFailure()
		return nil, apperr.Provisioning("session.status", err)
	}
}

// reconcileDead transitions a running entry to error after its container
// was observed gone or exited.
func (m *Manager) reconcileDead(ctx context.Context, e *entry, reason string) {
	e.mu.Lock()
	if e.sess.State != types.SessionStateRunning {
		e.mu.Unlock()
		return
	}
	e.sess.State = types.SessionStateError
	e.sess.UpdatedAt = time.Now().UTC()
	sess := e.sess
	e.mu.Unlock()

	m.dropTriple(sess)
	if err := m.sessions.PutSession(ctx, sess); err != nil {
		slog.Warn("persist reconciled session failed", "session_id", sess.ID, "error", err)
	}
	m.metrics.IncSessionError()
	m.events.Emit(ctx, types.Event{
		Type:         types.EventSessionError,
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		RepositoryID: sess.RepositoryID,
		Branch:       sess.Branch,
		Fields:       map[string]any{"reason": reason},
	})
	slog.Warn("session reconciled to error", "session_id", sess.ID, "reason", reason)
}

// Heartbeat marks the session as recently used, deferring the inactivity
// sweep. Heartbeats against terminal sessions are conflicts: the client
// should create a new session instead.
func (m *Manager) Heartbeat(ctx context.Context, id string) error {
	e := m.entry(id)
	if e == nil {
		sess, err := m.sessions.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.State.IsTerminal() {
			return apperr.Conflict("session "+id, "is "+string(sess.State))
		}
		e = m.adopt(sess)
	}

	e.mu.Lock()
	if e.sess.State.IsTerminal() {
		state := e.sess.State
		e.mu.Unlock()
		return apperr.Conflict("session "+id, "is "+string(state))
	}
	now := time.Now().UTC()
	if now.After(e.sess.LastAccessedAt) {
		e.sess.LastAccessedAt = now
	}
	e.sess.UpdatedAt = now
	sess := e.sess
	e.mu.Unlock()

	if err := m.sessions.PutSession(ctx, sess); err != nil {
		return fmt.Errorf("persist heartbeat: %w", err)
	}
	m.events.Emit(ctx, types.Event{
		Type:         types.EventSessionHeartbeat,
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		RepositoryID: sess.RepositoryID,
		Branch:       sess.Branch,
	})
	return nil
}

// HealthChecks probes every running session, bounded by the configured
// probe concurrency and timeout, and reconciles sessions whose containers
// are demonstrably gone. One hung probe delays only its own slot.
func (m *Manager) HealthChecks(ctx context.Context) []types.HealthResult {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.tracked))
	for _, e := range m.tracked {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	running := entries[:0]
	for _, e := range entries {
		e.mu.Lock()
		ok := e.sess.State == types.SessionStateRunning
		e.mu.Unlock()
		if ok {
			running = append(running, e)
		}
	}
	if len(running) == 0 {
		return nil
	}

	results := make([]types.HealthResult, len(running))
	sem := make(chan struct{}, m.maxProbes)
	var wg sync.WaitGroup
	for i, e := range running {
		wg.Add(1)
		go func(i int, e *entry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			e.mu.Lock()
			id := e.sess.ID
			e.mu.Unlock()

			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			probe, err := m.rt.Probe(probeCtx, id)
			cancel()
			m.metrics.IncProbe()

			switch {
			case err == nil && probe.Running && probe.Healthy:
				results[i] = types.HealthResult{SessionID: id, Healthy: true}
				return
			case errors.Is(err, runtime.ErrNotFound), err == nil && !probe.Running:
				reason := "container not found"
				if err == nil {
					reason = fmt.Sprintf("container not running: %s", probe.Status)
				}
				m.metrics.IncProbeFailure()
				m.reconcileDead(ctx, e, reason)
				results[i] = types.HealthResult{SessionID: id, Healthy: false, Error: reason}
			case err != nil:
				m.metrics.IncProbeFailure()
				results[i] = types.HealthResult{SessionID: id, Healthy: false, Error: apperr.Scrub(err.Error())}
			default:
				m.metrics.IncProbeFailure()
				results[i] = types.HealthResult{SessionID: id, Healthy: false, Error: "unhealthy: " + probe.Status}
			}
			m.events.Emit(ctx, types.Event{
				Type:      types.EventHealthCheck,
				SessionID: id,
				Fields:    map[string]any{"healthy": false, "error": results[i].Error},
			})
		}(i, e)
	}
	wg.Wait()
	return results
}

// CleanupInactive stops running sessions whose last access is older than
// the idle timeout. The cutoff is fixed at sweep start, but each session's
// last access is re-read at decision time so a heartbeat that lands during
// the sweep saves its session. Returns the number of sessions reaped.
func (m *Manager) CleanupInactive(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-m.idleTimeout)

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.tracked))
	for _, e := range m.tracked {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	reaped := 0
	for _, e := range entries {
		e.mu.Lock()
		idle := e.sess.State == types.SessionStateRunning && e.sess.LastAccessedAt.Before(cutoff)
		id := e.sess.ID
		e.mu.Unlock()
		if !idle {
			continue
		}
		err := m.stopEntry(ctx, e, types.EventSessionReaped, map[string]any{
			"reason":       "idle",
			"idle_timeout": m.idleTimeout.String(),
		})
		if err != nil {
			slog.Warn("reap session failed", "session_id", id, "error", err)
			continue
		}
		m.metrics.IncSessionReaped()
		reaped++
	}
	if reaped > 0 {
		slog.Info("inactive sessions reaped", "count", reaped, "idle_timeout", m.idleTimeout)
	}
	return reaped
}

// Recover rebuilds the in-memory working set from the store after a server
// restart. Sessions whose containers still run are adopted; sessions whose
// containers are gone are reconciled to error. Probe failures leave the
// record untouched for a later Status or sweep to settle.
func (m *Manager) Recover(ctx context.Context) error {
	sessions, err := m.sessions.ListSessions(ctx, true)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	adopted, reconciled := 0, 0
	for _, sess := range sessions {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		probe, err := m.rt.Probe(probeCtx, sess.ID)
		cancel()

		switch {
		case err == nil && probe.Running:
			if sess.State != types.SessionStateRunning {
				sess.State = types.SessionStateRunning
				sess.UpdatedAt = time.Now().UTC()
				if err := m.sessions.PutSession(ctx, sess); err != nil {
					slog.Warn("persist recovered session failed", "session_id", sess.ID, "error", err)
				}
			}
			m.adopt(sess)
			adopted++
		case errors.Is(err, runtime.ErrNotFound), err == nil && !probe.Running:
			sess.State = types.SessionStateError
			sess.UpdatedAt = time.Now().UTC()
			if err := m.sessions.PutSession(ctx, sess); err != nil {
				slog.Warn("persist recovered session failed", "session_id", sess.ID, "error", err)
			}
			m.metrics.IncSessionError()
			m.events.Emit(ctx, types.Event{
				Type:         types.EventSessionError,
				SessionID:    sess.ID,
				UserID:       sess.UserID,
				RepositoryID: sess.RepositoryID,
				Branch:       sess.Branch,
				Fields:       map[string]any{"reason": "not running at recovery"},
			})
			reconciled++
		default:
			slog.Warn("recovery probe failed", "session_id", sess.ID, "error", err)
		}
	}
	slog.Info("session recovery complete", "adopted", adopted, "reconciled", reconciled)
	return nil
}

// List returns session records from the store.
func (m *Manager) List(ctx context.Context, activeOnly bool) ([]types.Session, error) {
	return m.sessions.ListSessions(ctx, activeOnly)
}

// ActiveCount reports the number of active (pending or running) sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byTriple)
}

func (m *Manager) entry(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracked[id]
}

// adopt tracks a store-loaded session that predates this process. Safe to
// call twice for the same id; the first entry wins.
func (m *Manager) adopt(sess types.Session) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tracked[sess.ID]; ok {
		return e
	}
	e := &entry{sess: sess}
	m.tracked[sess.ID] = e
	if sess.State.IsActive() {
		m.byTriple[tripleKey{userID: sess.UserID, repoID: sess.RepositoryID, branch: sess.Branch}] = sess.ID
	}
	return e
}

// dropTriple unmaps the triple if it still points at this session, so a
// newer session for the same triple is never evicted by a stale one.
func (m *Manager) dropTriple(sess types.Session) {
	key := tripleKey{userID: sess.UserID, repoID: sess.RepositoryID, branch: sess.Branch}
	m.mu.Lock()
	if m.byTriple[key] == sess.ID {
		delete(m.byTriple, key)
	}
	m.mu.Unlock()
}
