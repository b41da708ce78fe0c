package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/internal/events"
	"github.com/branchbox/branchbox/internal/runtime"
	"github.com/branchbox/branchbox/internal/store/sqlite"
	"github.com/branchbox/branchbox/pkg/types"
)

type fakeMirrors struct{ root string }

func (f fakeMirrors) Path(repositoryID int64) string {
	return filepath.Join(f.root, fmt.Sprintf("%d.git", repositoryID))
}

type testEnv struct {
	rt   *runtime.FakeRuntime
	st   *sqlite.Store
	mgr  *Manager
	repo types.Repository
}

func newTestEnv(t *testing.T, opts ...func(*Options)) *testEnv {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "branchbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := st.CreateRepository(context.Background(), types.Repository{
		Name:   "app",
		GitURL: "https://git.example.com/org/app.git",
	})
	require.NoError(t, err)

	rt := runtime.NewFakeRuntime()
	o := Options{
		Runtime:             rt,
		Sessions:            st,
		Repos:               st,
		Mirrors:             fakeMirrors{root: t.TempDir()},
		Events:              events.NewRecorder(st, events.NewBroker()),
		Image:               "branchbox/workspace:test",
		IdleTimeout:         time.Hour,
		StopTimeout:         time.Second,
		StartTimeout:        5 * time.Second,
		ProbeTimeout:        250 * time.Millisecond,
		MaxConcurrentProbes: 8,
	}
	for _, fn := range opts {
		fn(&o)
	}
	mgr, err := New(o)
	require.NoError(t, err)
	return &testEnv{rt: rt, st: st, mgr: mgr, repo: repo}
}

func (e *testEnv) req(branch string) types.CreateSessionRequest {
	return types.CreateSessionRequest{UserID: 7, RepositoryID: e.repo.ID, Branch: branch}
}

func (e *testEnv) eventTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	evs, err := e.st.QueryEvents(context.Background(), types.EventQuery{SessionID: sessionID, Asc: true})
	require.NoError(t, err)
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestCreateStartsContainerAndPersists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRunning, sess.State)
	assert.NotEmpty(t, sess.ContainerURL)
	assert.False(t, sess.CreatedAt.IsZero())

	c, ok := env.rt.Get(sess.ID)
	require.True(t, ok, "container should exist")
	assert.True(t, c.Running)
	assert.Equal(t, "main", c.Spec.Branch)
	assert.Equal(t, "app", c.Spec.RepoName)
	assert.Equal(t, "branchbox/workspace:test", c.Spec.Image)
	assert.Contains(t, c.Spec.MirrorPath, fmt.Sprintf("%d.git", env.repo.ID))

	stored, err := env.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRunning, stored.State)
	assert.Equal(t, int64(7), stored.UserID)

	assert.Contains(t, env.eventTypes(t, sess.ID), types.EventSessionCreated)
	assert.Equal(t, 1, env.mgr.ActiveCount())
}

func TestCreateValidatesRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, req := range []types.CreateSessionRequest{
		{RepositoryID: env.repo.ID, Branch: "main"},
		{UserID: 7, Branch: "main"},
		{UserID: 7, RepositoryID: env.repo.ID},
	} {
		_, err := env.mgr.Create(ctx, req)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "request %+v", req)
	}
	assert.Equal(t, 0, env.rt.StartCalls)
}

func TestCreateUnknownRepositoryNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.Create(context.Background(), types.CreateSessionRequest{
		UserID: 7, RepositoryID: 999, Branch: "main",
	})
	assert.True(t, apperr.IsNotFound(err))
	assert.Equal(t, 0, env.rt.Count())
}

func TestCreateReusesRunningTripleSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	second, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.rt.StartCalls)
	assert.Equal(t, 1, env.rt.Count())
	assert.Contains(t, env.eventTypes(t, first.ID), types.EventSessionReused)
}

func TestCreateDistinctTriplesGetDistinctContainers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	b, err := env.mgr.Create(ctx, env.req("feature/login"))
	require.NoError(t, err)
	c, err := env.mgr.Create(ctx, types.CreateSessionRequest{
		UserID: 8, RepositoryID: env.repo.ID, Branch: "main",
	})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, 3, env.rt.Count())
	assert.Equal(t, 3, env.mgr.ActiveCount())
}

func TestConcurrentSameTripleCreateCoalesces(t *testing.T) {
	env := newTestEnv(t)
	env.rt.StartHook = func(runtime.StartSpec) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	ctx := context.Background()

	const n = 10
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := env.mgr.Create(ctx, env.req("main"))
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = sess.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, env.rt.StartCalls, "concurrent creates must share one container start")
	assert.Equal(t, 1, env.rt.Count())
}

func TestCreateRollsBackOnStartFailure(t *testing.T) {
	env := newTestEnv(t)
	env.rt.StartErr = errors.New("no capacity")
	ctx := context.Background()

	_, err := env.mgr.Create(ctx, env.req("main"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindProvisioning, apperr.KindOf(err))
	assert.Equal(t, 0, env.rt.Count())

	sessions, err := env.st.ListSessions(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, sessions, "a failed create must not leave a record")

	// The triple is released: clearing the fault lets the next create
	// succeed.
	env.rt.StartErr = nil
	sess, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRunning, sess.State)
}

func TestCreateRollsBackWhenContainerNeverBecomesReady(t *testing.T) {
	env := newTestEnv(t)
	// The fake assigns ids sequentially, so the verification probe for the
	// first container can be made to hang until its deadline.
	env.rt.ProbeHang["fake-1"] = true
	ctx := context.Background()

	_, err := env.mgr.Create(ctx, env.req("main"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindProvisioning, apperr.KindOf(err))

	assert.False(t, env.rt.Exists("fake-1"), "container must be torn down")
	sessions, err := env.st.ListSessions(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Equal(t, 0, env.mgr.ActiveCount())
}

func TestCreateSessionLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxSessions = 1 })
	ctx := context.Background()

	first, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)

	_, err = env.mgr.Create(ctx, env.req("feature/over-limit"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// Reuse of the existing triple is not a new session and stays allowed.
	again, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)

	require.NoError(t, env.mgr.Stop(ctx, sess.ID))
	stored, err := env.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateStopped, stored.State)
	assert.False(t, env.rt.Exists(sess.ID))
	assert.Equal(t, 0, env.mgr.ActiveCount())
	assert.Contains(t, env.eventTypes(t, sess.ID), types.EventSessionStopped)

	stops := env.rt.StopCalls
	require.NoError(t, env.mgr.Stop(ctx, sess.ID))
	assert.Equal(t, stops, env.rt.StopCalls, "second stop must not touch the runtime")
}

func TestStopUnknownSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	err := env.mgr.Stop(context.Background(), "no-such-session")
	assert.True(t, apperr.IsNotFound(err))
}

func TestCreateAfterStopStartsNewSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	require.NoError(t, env.mgr.Stop(ctx, first.ID))

	second, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "terminal sessions are never reactivated")

	stored, err := env.st.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateStopped, stored.State, "terminal record is retained as history")
}

func TestStatusProbesRunningSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)

	probes := env.rt.ProbeCalls
	got, err := env.mgr.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRunning, got.State)
	assert.Equal(t, probes+1, env.rt.ProbeCalls)
}

func TestStatusReconcilesVanishedContainer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	env.rt.Drop(sess.ID)

	got, err := env.mgr.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateError, got.State)

	stored, err := env.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateError, stored.State)
	assert.Contains(t, env.eventTypes(t, sess.ID), types.EventSessionError)

	// The triple is free again; a new create provisions a new container.
	second, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, second.ID)
}

func TestStatusTerminalSessionSkipsProbe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	require.NoError(t, env.mgr.Stop(ctx, sess.ID))

	probes := env.rt.ProbeCalls
	got, err := env.mgr.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateStopped, got.State)
	assert.Equal(t, probes, env.rt.ProbeCalls, "terminal sessions are returned as-is")
}

func TestHeartbeatBumpsLastAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, env.mgr.Heartbeat(ctx, sess.ID))

	stored, err := env.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastAccessedAt.After(sess.LastAccessedAt),
		"heartbeat must move last access forward")
	assert.Contains(t, env.eventTypes(t, sess.ID), types.EventSessionHeartbeat)
}

func TestHeartbeatTerminalSessionConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	require.NoError(t, env.mgr.Stop(ctx, sess.ID))

	err = env.mgr.Heartbeat(ctx, sess.ID)
	assert.True(t, apperr.IsConflict(err))
}

func TestHeartbeatUnknownSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	err := env.mgr.Heartbeat(context.Background(), "no-such-session")
	assert.True(t, apperr.IsNotFound(err))
}

func TestHealthChecksReportHealthySessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	b, err := env.mgr.Create(ctx, env.req("feature/x"))
	require.NoError(t, err)

	results := env.mgr.HealthChecks(ctx)
	require.Len(t, results, 2)
	byID := map[string]types.HealthResult{}
	for _, r := range results {
		byID[r.SessionID] = r
	}
	assert.True(t, byID[a.ID].Healthy)
	assert.True(t, byID[b.ID].Healthy)
}

func TestHealthChecksReconcileDeadContainer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	env.rt.SetRunning(sess.ID, false)

	results := env.mgr.HealthChecks(ctx)
	require.Len(t, results, 1)
	assert.False(t, results[0].Healthy)

	stored, err := env.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateError, stored.State)
	assert.Contains(t, env.eventTypes(t, sess.ID), types.EventSessionError)
	assert.Contains(t, env.eventTypes(t, sess.ID), types.EventHealthCheck)
}

func TestHealthChecksHungProbeIsBounded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	b, err := env.mgr.Create(ctx, env.req("feature/x"))
	require.NoError(t, err)
	c, err := env.mgr.Create(ctx, env.req("feature/y"))
	require.NoError(t, err)
	env.rt.ProbeHang[b.ID] = true

	start := time.Now()
	results := env.mgr.HealthChecks(ctx)
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	assert.Less(t, elapsed, 2*time.Second, "a hung probe must be cut off by its timeout")

	byID := map[string]types.HealthResult{}
	for _, r := range results {
		byID[r.SessionID] = r
	}
	assert.True(t, byID[a.ID].Healthy)
	assert.True(t, byID[c.ID].Healthy)
	assert.False(t, byID[b.ID].Healthy)

	// A timeout is not evidence of death: the session stays running.
	stored, err := env.st.GetSession(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRunning, stored.State)
}

func TestCleanupInactiveReapsIdleSessions(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.IdleTimeout = 50 * time.Millisecond })
	ctx := context.Background()

	idle, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	active, err := env.mgr.Create(ctx, env.req("feature/x"))
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, env.mgr.Heartbeat(ctx, active.ID))

	reaped := env.mgr.CleanupInactive(ctx)
	assert.Equal(t, 1, reaped)

	gotIdle, err := env.st.GetSession(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateStopped, gotIdle.State)
	assert.Contains(t, env.eventTypes(t, idle.ID), types.EventSessionReaped)
	assert.NotContains(t, env.eventTypes(t, idle.ID), types.EventSessionStopped)

	gotActive, err := env.st.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRunning, gotActive.State,
		"a heartbeat inside the window must save the session")
	assert.True(t, env.rt.Exists(active.ID))
}

func TestCleanupInactiveNoopWhenAllFresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	assert.Equal(t, 0, env.mgr.CleanupInactive(ctx))
	assert.Equal(t, 1, env.mgr.ActiveCount())
}

// gatedStopRuntime parks the first Stop until released so a test can act
// while a sweep is mid-flight.
type gatedStopRuntime struct {
	*runtime.FakeRuntime
	once     sync.Once
	stopping chan string
	release  chan struct{}
}

func (g *gatedStopRuntime) Stop(ctx context.Context, containerID string) error {
	g.once.Do(func() {
		g.stopping <- containerID
		<-g.release
	})
	return g.FakeRuntime.Stop(ctx, containerID)
}

// A heartbeat landing after the sweep fixes its cutoff but before the
// session is evaluated must still save it: last access is re-read at
// decision time, not snapshotted at sweep start.
func TestCleanupInactiveHeartbeatDuringSweepSavesSession(t *testing.T) {
	grt := &gatedStopRuntime{
		FakeRuntime: runtime.NewFakeRuntime(),
		stopping:    make(chan string, 1),
		release:     make(chan struct{}),
	}
	env := newTestEnv(t, func(o *Options) {
		o.Runtime = grt
		o.IdleTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	a, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	b, err := env.mgr.Create(ctx, env.req("feature/x"))
	require.NoError(t, err)

	// Both sessions idle past the cutoff before the sweep starts.
	time.Sleep(80 * time.Millisecond)

	done := make(chan int, 1)
	go func() { done <- env.mgr.CleanupInactive(ctx) }()

	// The sweep is stalled inside its first stop; the other session has not
	// been evaluated yet. Its heartbeat must protect it.
	first := <-grt.stopping
	saved := a
	if first == a.ID {
		saved = b
	}
	require.NoError(t, env.mgr.Heartbeat(ctx, saved.ID))
	close(grt.release)

	assert.Equal(t, 1, <-done)
	got, err := env.mgr.Status(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRunning, got.State)
	assert.True(t, grt.Exists(saved.ID))
}

func TestRecoverAdoptsLiveAndReconcilesDead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	live, err := env.mgr.Create(ctx, env.req("main"))
	require.NoError(t, err)
	dead, err := env.mgr.Create(ctx, env.req("feature/x"))
	require.NoError(t, err)
	env.rt.Drop(dead.ID)

	// A fresh manager over the same store and runtime, as after a restart.
	mgr2, err := New(Options{
		Runtime:      env.rt,
		Sessions:     env.st,
		Repos:        env.st,
		Mirrors:      fakeMirrors{root: t.TempDir()},
		Events:       events.NewRecorder(env.st, nil),
		Image:        "branchbox/workspace:test",
		ProbeTimeout: 250 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, mgr2.Recover(ctx))

	assert.Equal(t, 1, mgr2.ActiveCount())

	gotLive, err := env.st.GetSession(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRunning, gotLive.State)

	gotDead, err := env.st.GetSession(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateError, gotDead.State)

	// The adopted session is reused without a new container start.
	starts := env.rt.StartCalls
	again, err := mgr2.Create(ctx, env.req("main"))
	require.NoError(t, err)
	assert.Equal(t, live.ID, again.ID)
	assert.Equal(t, starts, env.rt.StartCalls)
}

func TestQuotaPolicyCountsBranchEvents(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "branchbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	rec := events.NewRecorder(st, nil)
	for i := 0; i < 2; i++ {
		rec.Emit(ctx, types.Event{
			Type:         types.EventBranchCreated,
			UserID:       1,
			RepositoryID: 1,
			Branch:       fmt.Sprintf("feature/b%d", i),
		})
	}
	// Other event types never count against the branch quota.
	rec.Emit(ctx, types.Event{Type: types.EventSessionCreated, UserID: 1, RepositoryID: 1})

	quota := &EventCountQuota{Counter: st}

	require.NoError(t, quota.Allow(ctx, 1, 1, 3))
	require.NoError(t, quota.Allow(ctx, 1, 1, 0), "zero limit means unlimited")
	require.NoError(t, quota.Allow(ctx, 2, 1, 2), "quota is per user")

	err = quota.Allow(ctx, 1, 1, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))
}
