package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/branchbox/branchbox/internal/auth"
	"github.com/branchbox/branchbox/internal/config"
	"github.com/branchbox/branchbox/internal/events"
	"github.com/branchbox/branchbox/internal/gitmirror"
	"github.com/branchbox/branchbox/internal/metrics"
	"github.com/branchbox/branchbox/internal/permissions"
	"github.com/branchbox/branchbox/internal/recording"
	"github.com/branchbox/branchbox/internal/runtime"
	"github.com/branchbox/branchbox/internal/session"
	"github.com/branchbox/branchbox/internal/store/sqlite"
	"github.com/branchbox/branchbox/pkg/types"
)

// fakeGit scripts the git invocations the mirror service performs. Branch
// state is a name -> commit map shared across mirrors, which is fine here:
// these tests drive one repository at a time.
type fakeGit struct {
	mu       sync.Mutex
	branches map[string]string
	head     string

	cloneCalls int
	fetchCalls int
	cloneErr   error
	onFetch    func() // runs on every fetch, before the caller sees success
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		branches: map[string]string{
			"main":    "a1b2c3d4e5f60718293a4b5c6d7e8f9012345678",
			"develop": "b2c3d4e5f60718293a4b5c6d7e8f9012345678a1",
		},
		head: "main",
	}
}

func (g *fakeGit) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	switch args[0] {
	case "clone":
		g.mu.Lock()
		g.cloneCalls++
		err := g.cloneErr
		g.mu.Unlock()
		if err != nil {
			return []byte("fatal: unable to access remote"), err
		}
		// The service clones into a staging dir and renames it into place.
		if err := os.MkdirAll(args[len(args)-1], 0o755); err != nil {
			return nil, err
		}
		return nil, nil

	case "remote":
		if args[1] == "set-url" {
			return nil, nil
		}
		fallthrough // "remote update --prune" is the uncredentialed fetch

	case "fetch":
		g.mu.Lock()
		g.fetchCalls++
		fn := g.onFetch
		g.mu.Unlock()
		if fn != nil {
			fn()
		}
		return nil, nil

	case "rev-parse":
		name := strings.TrimPrefix(args[len(args)-1], "refs/heads/")
		g.mu.Lock()
		sha, ok := g.branches[name]
		g.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("exit status 1")
		}
		return []byte(sha + "\n"), nil

	case "branch":
		name, base := args[2], args[3]
		g.mu.Lock()
		g.branches[name] = g.branches[base]
		g.mu.Unlock()
		return nil, nil

	case "for-each-ref":
		g.mu.Lock()
		names := make([]string, 0, len(g.branches))
		for n := range g.branches {
			names = append(names, n)
		}
		sort.Strings(names)
		var b strings.Builder
		for _, n := range names {
			fmt.Fprintf(&b, "%s %s\n", g.branches[n], n)
		}
		g.mu.Unlock()
		return []byte(b.String()), nil

	case "symbolic-ref":
		g.mu.Lock()
		head := g.head
		g.mu.Unlock()
		if head == "" {
			return nil, fmt.Errorf("exit status 1")
		}
		return []byte(head + "\n"), nil
	}
	return nil, fmt.Errorf("fakeGit: unexpected invocation %v", args)
}

func (g *fakeGit) setBranch(name, sha string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.branches[name] = sha
}

func (g *fakeGit) hasBranch(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.branches[name]
	return ok
}

func (g *fakeGit) setCloneErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cloneErr = err
}

func (g *fakeGit) setOnFetch(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onFetch = fn
}

func (g *fakeGit) clones() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cloneCalls
}

func (g *fakeGit) fetches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetchCalls
}

// defaultGrants covers the personas the tests exercise: user 7 has full
// access, user 8 is explicitly locked out of repository 1, user 9 may
// create exactly one branch anywhere.
const defaultGrants = `
defaults:
  can_create_branches: false
  allow_terminal_access: false
grants:
  - user_id: 7
    can_create_branches: true
    branch_limit: 10
    allowed_base_branches: ["main", "develop", "release/*"]
    allow_terminal_access: true
  - user_id: 8
    repository_id: 1
    can_create_branches: false
    allow_terminal_access: false
  - user_id: 9
    can_create_branches: true
    branch_limit: 1
`

type envOptions struct {
	cfg         *config.Config
	grants      string
	idleTimeout time.Duration
	apiKeys     *auth.APIKeyAuth
	recordings  *recording.Recorder
}

type testEnv struct {
	app    *App
	router http.Handler
	rt     *runtime.FakeRuntime
	st     *sqlite.Store
	git    *fakeGit
	repo   types.Repository
}

func defaultConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.Type = "none"
	cfg.Server.HTTP.MaxRequestSize = "1MB"
	cfg.Metrics.Enabled = true
	return cfg
}

func newTestEnv(t *testing.T, mods ...func(*envOptions)) *testEnv {
	t.Helper()

	o := envOptions{
		cfg:         defaultConfig(),
		grants:      defaultGrants,
		idleTimeout: time.Hour,
	}
	for _, fn := range mods {
		fn(&o)
	}

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "branchbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := st.CreateRepository(context.Background(), types.Repository{
		Name:   "app",
		GitURL: "https://git.example.com/org/app.git",
	})
	require.NoError(t, err)

	git := newFakeGit()
	mirrors, err := gitmirror.New(gitmirror.Options{Dir: t.TempDir(), Git: git})
	require.NoError(t, err)

	broker := events.NewBroker()
	recorder := events.NewRecorder(st, broker)
	collector := metrics.New()

	rt := runtime.NewFakeRuntime()
	mgr, err := session.New(session.Options{
		Runtime:      rt,
		Sessions:     st,
		Repos:        st,
		Mirrors:      mirrors,
		Events:       recorder,
		Metrics:      collector,
		Image:        "branchbox/workspace:test",
		IdleTimeout:  o.idleTimeout,
		StopTimeout:  time.Second,
		StartTimeout: 5 * time.Second,
		ProbeTimeout: 250 * time.Millisecond,
	})
	require.NoError(t, err)

	perms, err := permissions.LoadFromBytes([]byte(o.grants))
	require.NoError(t, err)

	app := New(Options{
		Config:       o.cfg,
		Sessions:     mgr,
		SessionStore: st,
		Repos:        st,
		EventStore:   st,
		Mirrors:      mirrors,
		Permissions:  perms,
		Quota:        &session.EventCountQuota{Counter: st},
		Recorder:     recorder,
		Broker:       broker,
		Metrics:      collector,
		APIKeys:      o.apiKeys,
		Terminal:     rt,
		Recordings:   o.recordings,
	})

	return &testEnv{
		app:    app,
		router: app.Router(),
		rt:     rt,
		st:     st,
		git:    git,
		repo:   repo,
	}
}

// do issues a request against the router from a loopback address, which
// is what the auth middleware admits when no API key is configured.
func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	return e.doFrom("127.0.0.1:51234", method, path, body, nil)
}

func (e *testEnv) doFrom(remoteAddr, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = remoteAddr
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

// createSession drives the full create flow and fails the test on anything
// but 201.
func (e *testEnv) createSession(t *testing.T, userID int64, branch, base string) types.Session {
	t.Helper()
	rr := e.do(http.MethodPost, "/v1/sessions", types.CreateSessionRequest{
		UserID:       userID,
		RepositoryID: e.repo.ID,
		Branch:       branch,
		BaseBranch:   base,
	})
	require.Equal(t, http.StatusCreated, rr.Code, "create session: %s", rr.Body.String())
	return decodeBody[types.Session](t, rr)
}

func (e *testEnv) events(t *testing.T, q types.EventQuery) []types.Event {
	t.Helper()
	evs, err := e.st.QueryEvents(context.Background(), q)
	require.NoError(t, err)
	return evs
}

func (e *testEnv) eventTypes(t *testing.T, q types.EventQuery) []string {
	t.Helper()
	evs := e.events(t, q)
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
