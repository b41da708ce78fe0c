package gitmirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/pkg/types"
)

// fakeGit emulates the handful of git invocations the service issues,
// keeping a ref table per mirror directory.
type fakeGit struct {
	mu   sync.Mutex
	refs map[string]map[string]string // dir -> branch -> commit
	head map[string]string            // dir -> HEAD branch

	cloneCalls   int
	cloneErr     error
	cloneBlock   chan struct{}
	lastCloneURL string

	fetchCalls   int
	lastFetchURL string
	setURLTarget string
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		refs: make(map[string]map[string]string),
		head: make(map[string]string),
	}
}

func (f *fakeGit) seed(dir string, branches map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := make(map[string]string, len(branches))
	for k, v := range branches {
		m[k] = v
	}
	f.refs[dir] = m
}

func (f *fakeGit) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	switch args[0] {
	case "clone": // clone --mirror <url> <tmp>
		f.mu.Lock()
		f.cloneCalls++
		f.lastCloneURL = args[2]
		block, cerr := f.cloneBlock, f.cloneErr
		f.mu.Unlock()
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if cerr != nil {
			return []byte("fatal: could not read from remote repository"), cerr
		}
		return nil, os.MkdirAll(args[len(args)-1], 0o755)

	case "remote":
		f.mu.Lock()
		defer f.mu.Unlock()
		switch args[1] {
		case "set-url":
			f.setURLTarget = args[3]
		case "update":
			f.fetchCalls++
		}
		return nil, nil

	case "fetch": // fetch --prune <url> +refs/*:refs/*
		f.mu.Lock()
		f.fetchCalls++
		f.lastFetchURL = args[2]
		f.mu.Unlock()
		return nil, nil

	case "rev-parse": // rev-parse --verify --quiet refs/heads/<name>
		name := strings.TrimPrefix(args[len(args)-1], "refs/heads/")
		f.mu.Lock()
		defer f.mu.Unlock()
		if sha, ok := f.refs[dir][name]; ok {
			return []byte(sha + "\n"), nil
		}
		return nil, errors.New("exit status 1")

	case "branch": // branch -- <name> <base>
		name, base := args[2], args[3]
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.refs[dir][name]; ok {
			return []byte(fmt.Sprintf("fatal: a branch named '%s' already exists", name)), errors.New("exit status 128")
		}
		sha, ok := f.refs[dir][base]
		if !ok {
			return []byte("fatal: not a valid object name: " + base), errors.New("exit status 128")
		}
		if f.refs[dir] == nil {
			f.refs[dir] = make(map[string]string)
		}
		f.refs[dir][name] = sha
		return nil, nil

	case "for-each-ref":
		f.mu.Lock()
		defer f.mu.Unlock()
		var b strings.Builder
		for name, sha := range f.refs[dir] {
			fmt.Fprintf(&b, "%s %s\n", sha, name)
		}
		return []byte(b.String()), nil

	case "symbolic-ref":
		f.mu.Lock()
		defer f.mu.Unlock()
		if h := f.head[dir]; h != "" {
			return []byte(h + "\n"), nil
		}
		return nil, errors.New("exit status 1")
	}
	return nil, fmt.Errorf("fakeGit: unhandled git %v", args)
}

type staticCreds string

func (c staticCreds) Resolve(ctx context.Context, ref string) (string, error) {
	return string(c), nil
}

func newTestService(t *testing.T, git *fakeGit) *Service {
	t.Helper()
	svc, err := New(Options{Dir: t.TempDir(), Git: git})
	require.NoError(t, err)
	return svc
}

func TestClone_IdempotentAndCoalesced(t *testing.T) {
	git := newFakeGit()
	git.cloneBlock = make(chan struct{})
	svc := newTestService(t, git)
	repo := types.Repository{ID: 42, GitURL: "https://git.example/org/app.git"}

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			errs <- svc.Clone(context.Background(), repo)
		}()
	}

	// Let the winner start and the rest pile onto the in-flight call.
	deadline := time.Now().Add(2 * time.Second)
	for {
		git.mu.Lock()
		started := git.cloneCalls
		git.mu.Unlock()
		if started == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(git.cloneBlock)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 1, git.cloneCalls, "concurrent clones must coalesce")
	assert.Equal(t, types.MirrorStateReady, svc.Info(42).State)

	// Ready mirror: no further network operation.
	require.NoError(t, svc.Clone(context.Background(), repo))
	assert.Equal(t, 1, git.cloneCalls)
}

func TestClone_FailureRevertsToAbsent(t *testing.T) {
	git := newFakeGit()
	git.cloneErr = errors.New("exit status 128")
	svc := newTestService(t, git)
	repo := types.Repository{ID: 7, GitURL: "https://git.example/org/app.git"}

	err := svc.Clone(context.Background(), repo)
	require.Error(t, err)
	assert.True(t, apperr.IsGitOperation(err))
	assert.Equal(t, types.MirrorStateAbsent, svc.Info(7).State)

	// The next attempt starts from scratch.
	git.mu.Lock()
	git.cloneErr = nil
	git.mu.Unlock()
	require.NoError(t, svc.Clone(context.Background(), repo))
	assert.Equal(t, 2, git.cloneCalls)
	assert.Equal(t, types.MirrorStateReady, svc.Info(7).State)
}

func TestClone_AdoptsExistingMirror(t *testing.T) {
	git := newFakeGit()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir+"/42.git", 0o755))
	svc, err := New(Options{Dir: dir, Git: git})
	require.NoError(t, err)

	require.NoError(t, svc.Clone(context.Background(), types.Repository{ID: 42, GitURL: "https://git.example/a.git"}))
	assert.Equal(t, 0, git.cloneCalls, "mirror from a previous run is adopted without network I/O")
	assert.Equal(t, types.MirrorStateReady, svc.Info(42).State)
}

func TestClone_InjectsAndStripsCredentials(t *testing.T) {
	git := newFakeGit()
	svc, err := New(Options{Dir: t.TempDir(), Git: git, Credentials: staticCreds("tok123")})
	require.NoError(t, err)
	repo := types.Repository{ID: 1, GitURL: "https://git.example/org/app.git", CredentialRef: "env://GIT_TOKEN"}

	require.NoError(t, svc.Clone(context.Background(), repo))
	assert.Contains(t, git.lastCloneURL, "x-access-token:tok123@")
	assert.Equal(t, repo.GitURL, git.setURLTarget, "stored origin URL must be credential-free")
}

func TestUpdate_RequiresMirror(t *testing.T) {
	svc := newTestService(t, newFakeGit())
	err := svc.Update(context.Background(), types.Repository{ID: 9, GitURL: "https://git.example/x.git"})
	assert.True(t, apperr.IsNotFound(err))
}

func TestUpdate_FetchPaths(t *testing.T) {
	git := newFakeGit()
	svc, err := New(Options{Dir: t.TempDir(), Git: git, Credentials: staticCreds("tok")})
	require.NoError(t, err)

	plain := types.Repository{ID: 1, GitURL: "https://git.example/a.git"}
	require.NoError(t, svc.Clone(context.Background(), plain))
	require.NoError(t, svc.Update(context.Background(), plain))
	assert.Equal(t, 1, git.fetchCalls)
	assert.Empty(t, git.lastFetchURL, "anonymous mirrors update through the stored remote")

	private := types.Repository{ID: 2, GitURL: "https://git.example/b.git", CredentialRef: "env://T"}
	require.NoError(t, svc.Clone(context.Background(), private))
	require.NoError(t, svc.Update(context.Background(), private))
	assert.Contains(t, git.lastFetchURL, "x-access-token:tok@")

	assert.False(t, svc.Info(1).LastFetched.IsZero())
}

func TestListBranches(t *testing.T) {
	git := newFakeGit()
	svc := newTestService(t, git)
	repo := types.Repository{ID: 42, GitURL: "https://git.example/a.git"}
	git.seed(svc.Path(42), map[string]string{"main": "aaa111", "dev": "bbb222"})

	_, err := svc.ListBranches(context.Background(), 42)
	assert.True(t, apperr.IsNotFound(err), "listing requires a ready mirror")

	require.NoError(t, svc.Clone(context.Background(), repo))
	branches, err := svc.ListBranches(context.Background(), 42)
	require.NoError(t, err)

	byName := map[string]string{}
	for _, b := range branches {
		byName[b.Name] = b.Commit
	}
	assert.Equal(t, map[string]string{"main": "aaa111", "dev": "bbb222"}, byName)
}

func TestCreateBranch_Semantics(t *testing.T) {
	git := newFakeGit()
	svc := newTestService(t, git)
	repo := types.Repository{ID: 42, GitURL: "https://git.example/a.git"}
	git.seed(svc.Path(42), map[string]string{"main": "aaa111"})
	require.NoError(t, svc.Clone(context.Background(), repo))

	ctx := context.Background()
	require.NoError(t, svc.CreateBranch(ctx, 42, "feat/x", "main"))

	err := svc.CreateBranch(ctx, 42, "feat/x", "main")
	assert.True(t, apperr.IsConflict(err), "repeat create must conflict, got %v", err)

	err = svc.CreateBranch(ctx, 42, "feat/y", "nope")
	assert.True(t, apperr.IsNotFound(err), "missing base must be not found, got %v", err)

	before := git.cloneCalls + git.fetchCalls
	err = svc.CreateBranch(ctx, 42, "bad name", "main")
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, before, git.cloneCalls+git.fetchCalls, "validation failures never touch the mirror")
}

func TestCreateBranch_ConcurrentSameName(t *testing.T) {
	git := newFakeGit()
	svc := newTestService(t, git)
	repo := types.Repository{ID: 42, GitURL: "https://git.example/a.git"}
	git.seed(svc.Path(42), map[string]string{"main": "aaa111"})
	require.NoError(t, svc.Clone(context.Background(), repo))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- svc.CreateBranch(context.Background(), 42, "feat/race", "main")
		}()
	}
	var ok, conflict int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case apperr.IsConflict(err):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one racer wins")
	assert.Equal(t, 1, conflict, "the loser observes a conflict")
}

func TestRemove_DeletesMirrorAndAllowsReclone(t *testing.T) {
	git := newFakeGit()
	svc := newTestService(t, git)
	repo := types.Repository{ID: 11, GitURL: "https://git.example/a.git"}
	require.NoError(t, svc.Clone(context.Background(), repo))
	require.DirExists(t, svc.Path(11))

	require.NoError(t, svc.Remove(11))
	assert.NoDirExists(t, svc.Path(11))
	assert.Equal(t, types.MirrorStateAbsent, svc.Info(11).State)

	require.NoError(t, svc.Clone(context.Background(), repo))
	assert.Equal(t, 2, git.cloneCalls)
	assert.Equal(t, types.MirrorStateReady, svc.Info(11).State)
}

func TestRemove_ConflictsWithInflightClone(t *testing.T) {
	git := newFakeGit()
	git.cloneBlock = make(chan struct{})
	svc := newTestService(t, git)
	repo := types.Repository{ID: 3, GitURL: "https://git.example/a.git"}

	cloneErr := make(chan error, 1)
	go func() { cloneErr <- svc.Clone(context.Background(), repo) }()

	deadline := time.Now().Add(2 * time.Second)
	for svc.Info(3).State != types.MirrorStateCloning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	assert.True(t, apperr.IsConflict(svc.Remove(3)))

	close(git.cloneBlock)
	require.NoError(t, <-cloneErr)
	assert.Equal(t, types.MirrorStateReady, svc.Info(3).State)
	assert.DirExists(t, svc.Path(3))
}

// A clone arriving while Remove is deleting the directory must not run:
// it could rename a fresh mirror into place mid-delete and leave the
// entry absent with the directory still present, wedging every re-clone
// at the rename.
func TestClone_RefusedWhileRemovalInFlight(t *testing.T) {
	git := newFakeGit()
	svc := newTestService(t, git)
	repo := types.Repository{ID: 8, GitURL: "https://git.example/a.git"}
	require.NoError(t, svc.Clone(context.Background(), repo))

	// Hold the entry in the removal window and drive racers against it.
	svc.mu.Lock()
	e := svc.entryLocked(8)
	e.removing = true
	svc.mu.Unlock()

	err := svc.Clone(context.Background(), repo)
	assert.True(t, apperr.IsConflict(err))
	assert.Equal(t, 1, git.cloneCalls, "no clone may start during a removal")
	_, err = svc.ListBranches(context.Background(), 8)
	assert.True(t, apperr.IsConflict(err))

	svc.mu.Lock()
	e.removing = false
	svc.mu.Unlock()
	require.NoError(t, svc.Clone(context.Background(), repo))
}

func TestDefaultBranch(t *testing.T) {
	git := newFakeGit()
	svc := newTestService(t, git)
	repo := types.Repository{ID: 5, GitURL: "https://git.example/a.git"}
	git.seed(svc.Path(5), map[string]string{"trunk": "ccc333", "main": "aaa111"})
	require.NoError(t, svc.Clone(context.Background(), repo))

	git.mu.Lock()
	git.head[svc.Path(5)] = "trunk"
	git.mu.Unlock()
	name, err := svc.DefaultBranch(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "trunk", name)

	git.mu.Lock()
	delete(git.head, svc.Path(5))
	git.mu.Unlock()
	name, err = svc.DefaultBranch(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "main", name)
}
