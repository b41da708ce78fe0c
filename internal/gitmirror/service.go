// Package gitmirror owns one local bare mirror per repository and provides
// branch introspection and mutation on it. Mirror state moves
// absent -> cloning -> ready, linearized per repository id; concurrent
// clones of the same repository coalesce into a single in-flight operation.
package gitmirror

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/pkg/types"
)

// CredentialResolver turns a repository credential reference (env://,
// vault://, aws-sm://, file://) into a bearer token for https remotes.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

type Options struct {
	// Dir is the mirrors root; one <id>.git directory per repository.
	Dir string

	Git         Runner
	Credentials CredentialResolver

	CloneTimeout time.Duration
	FetchTimeout time.Duration
}

type Service struct {
	dir          string
	git          Runner
	creds        CredentialResolver
	cloneTimeout time.Duration
	fetchTimeout time.Duration

	mu      sync.Mutex
	mirrors map[int64]*mirrorEntry
}

type mirrorEntry struct {
	// ops serializes fetch and branch mutations on a ready mirror.
	ops sync.Mutex

	state       types.MirrorState
	lastFetched time.Time
	inflight    *cloneCall

	// removing parks new clones while Remove deletes the mirror dir;
	// a clone renamed into place mid-delete would leave state absent
	// with the directory still present.
	removing bool
}

type cloneCall struct {
	done chan struct{}
	err  error
}

func New(opts Options) (*Service, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("gitmirror: mirrors dir is required")
	}
	if opts.Git == nil {
		opts.Git = NewRunner("git")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("gitmirror: create mirrors dir: %w", err)
	}
	return &Service{
		dir:          opts.Dir,
		git:          opts.Git,
		creds:        opts.Credentials,
		cloneTimeout: opts.CloneTimeout,
		fetchTimeout: opts.FetchTimeout,
		mirrors:      make(map[int64]*mirrorEntry),
	}, nil
}

// Path returns the mirror directory for a repository id.
func (s *Service) Path(repoID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.git", repoID))
}

// entryLocked returns the tracking entry for repoID, creating it on first
// touch. Mirrors left behind by a previous process are adopted as ready.
// Caller holds s.mu.
func (s *Service) entryLocked(repoID int64) *mirrorEntry {
	e, ok := s.mirrors[repoID]
	if !ok {
		e = &mirrorEntry{state: types.MirrorStateAbsent}
		if fi, err := os.Stat(s.Path(repoID)); err == nil && fi.IsDir() {
			e.state = types.MirrorStateReady
		}
		s.mirrors[repoID] = e
	}
	return e
}

// ReadyCount returns how many tracked mirrors are in the ready state.
func (s *Service) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.mirrors {
		if e.state == types.MirrorStateReady {
			n++
		}
	}
	return n
}

// Info reports the current mirror state for a repository.
func (s *Service) Info(repoID int64) types.MirrorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(repoID)
	info := types.MirrorInfo{
		RepositoryID: repoID,
		State:        e.state,
		LastFetched:  e.lastFetched,
	}
	if e.state == types.MirrorStateReady {
		info.Path = s.Path(repoID)
	}
	return info
}

// Clone ensures a ready mirror for repo. Idempotent: a ready mirror returns
// nil with no network I/O. Concurrent calls for the same repository share
// one clone; every caller observes the same outcome. On failure the mirror
// reverts to absent and the next call retries from scratch.
func (s *Service) Clone(ctx context.Context, repo types.Repository) error {
	s.mu.Lock()
	e := s.entryLocked(repo.ID)
	if e.removing {
		s.mu.Unlock()
		return apperr.Conflict(fmt.Sprintf("repository %d", repo.ID), "mirror removal in progress")
	}
	if e.state == types.MirrorStateReady {
		s.mu.Unlock()
		return nil
	}
	if call := e.inflight; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &cloneCall{done: make(chan struct{})}
	e.inflight = call
	e.state = types.MirrorStateCloning
	s.mu.Unlock()

	err := s.clone(ctx, repo)

	s.mu.Lock()
	if err != nil {
		e.state = types.MirrorStateAbsent
	} else {
		e.state = types.MirrorStateReady
		e.lastFetched = time.Now()
	}
	e.inflight = nil
	s.mu.Unlock()

	call.err = err
	close(call.done)
	return err
}

func (s *Service) clone(ctx context.Context, repo types.Repository) error {
	if s.cloneTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cloneTimeout)
		defer cancel()
	}
	cloneURL, err := s.authURL(ctx, repo)
	if err != nil {
		return err
	}

	// Clone into a staging dir and rename, so the final path only ever holds
	// a complete mirror: on disk the state is absent or ready, never partial.
	tmp := filepath.Join(s.dir, fmt.Sprintf(".clone-%d-%s", repo.ID, uuid.NewString()[:8]))
	defer os.RemoveAll(tmp)

	out, err := s.git.Run(ctx, s.dir, "clone", "--mirror", cloneURL, tmp)
	if err != nil {
		return apperr.GitOperation("gitmirror.clone", err).WithOutput(string(out))
	}
	if cloneURL != repo.GitURL {
		// Keep the credential-free URL on disk.
		if out, err := s.git.Run(ctx, tmp, "remote", "set-url", "origin", repo.GitURL); err != nil {
			return apperr.GitOperation("gitmirror.clone", err).WithOutput(string(out))
		}
	}
	if err := os.Rename(tmp, s.Path(repo.ID)); err != nil {
		return apperr.GitOperation("gitmirror.clone", fmt.Errorf("move mirror into place: %w", err))
	}
	slog.Info("mirror cloned", "repository_id", repo.ID, "path", s.Path(repo.ID))
	return nil
}

// Update fetches the latest refs into an existing ready mirror.
func (s *Service) Update(ctx context.Context, repo types.Repository) error {
	e, err := s.readyEntry(repo.ID)
	if err != nil {
		return err
	}
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	e.ops.Lock()
	defer e.ops.Unlock()

	dir := s.Path(repo.ID)
	var out []byte
	if repo.CredentialRef != "" && s.creds != nil {
		fetchURL, aerr := s.authURL(ctx, repo)
		if aerr != nil {
			return aerr
		}
		out, err = s.git.Run(ctx, dir, "fetch", "--prune", fetchURL, "+refs/*:refs/*")
	} else {
		out, err = s.git.Run(ctx, dir, "remote", "update", "--prune")
	}
	if err != nil {
		return apperr.GitOperation("gitmirror.update", err).WithOutput(string(out))
	}

	s.mu.Lock()
	e.lastFetched = time.Now()
	s.mu.Unlock()
	return nil
}

// ListBranches reads refs/heads from the mirror as it currently stands.
// Every call re-reads the mirror; there is no cache beyond the mirror itself.
func (s *Service) ListBranches(ctx context.Context, repoID int64) ([]types.Branch, error) {
	if _, err := s.readyEntry(repoID); err != nil {
		return nil, err
	}
	out, err := s.git.Run(ctx, s.Path(repoID),
		"for-each-ref", "--format=%(objectname) %(refname:short)", "refs/heads")
	if err != nil {
		return nil, apperr.GitOperation("gitmirror.list_branches", err).WithOutput(string(out))
	}

	var branches []types.Branch
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		commit, name, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || name == "" {
			continue
		}
		branches = append(branches, types.Branch{Name: name, Commit: commit})
	}
	return branches, nil
}

// HasBranch reports whether a branch exists in the mirror.
func (s *Service) HasBranch(ctx context.Context, repoID int64, name string) (bool, error) {
	if _, err := s.readyEntry(repoID); err != nil {
		return false, err
	}
	_, err := s.git.Run(ctx, s.Path(repoID), "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil, nil
}

// DefaultBranch resolves the mirror's HEAD branch, probing main and master
// when HEAD is unset or detached.
func (s *Service) DefaultBranch(ctx context.Context, repoID int64) (string, error) {
	if _, err := s.readyEntry(repoID); err != nil {
		return "", err
	}
	dir := s.Path(repoID)
	if out, err := s.git.Run(ctx, dir, "symbolic-ref", "--short", "HEAD"); err == nil {
		if name := strings.TrimSpace(string(out)); name != "" {
			return name, nil
		}
	}
	for _, name := range []string{"main", "master"} {
		if _, err := s.git.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+name); err == nil {
			return name, nil
		}
	}
	return "", apperr.NotFound("default branch in repository %d", repoID)
}

// CreateBranch creates name at base. The mutation is serialized per mirror,
// so two racing requests for the same new name yield exactly one success and
// one Conflict.
func (s *Service) CreateBranch(ctx context.Context, repoID int64, name, base string) error {
	if err := ValidateBranchName(name); err != nil {
		return err
	}
	e, err := s.readyEntry(repoID)
	if err != nil {
		return err
	}

	e.ops.Lock()
	defer e.ops.Unlock()

	dir := s.Path(repoID)
	if _, err := s.git.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+base); err != nil {
		return apperr.NotFound("base branch %q in repository %d", base, repoID)
	}
	if _, err := s.git.Run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+name); err == nil {
		return apperr.Conflict(fmt.Sprintf("branch %q", name), "already exists")
	}
	out, err := s.git.Run(ctx, dir, "branch", "--", name, base)
	if err != nil {
		if strings.Contains(string(out), "already exists") {
			return apperr.Conflict(fmt.Sprintf("branch %q", name), "already exists")
		}
		return apperr.GitOperation("gitmirror.create_branch", err).WithOutput(string(out))
	}
	slog.Info("branch created", "repository_id", repoID, "branch", name, "base", base)
	return nil
}

// Remove deletes a mirror from disk. The next Clone starts from absent.
// Conflicts with an in-flight clone; the removing flag is set under the
// same lock Clone starts under, so no clone can slip in between the
// inflight check and the delete.
func (s *Service) Remove(repoID int64) error {
	s.mu.Lock()
	e := s.entryLocked(repoID)
	if e.inflight != nil {
		s.mu.Unlock()
		return apperr.Conflict(fmt.Sprintf("repository %d", repoID), "mirror clone in progress")
	}
	e.removing = true
	s.mu.Unlock()

	e.ops.Lock()
	err := os.RemoveAll(s.Path(repoID))

	s.mu.Lock()
	if err == nil {
		e.state = types.MirrorStateAbsent
		e.lastFetched = time.Time{}
	}
	e.removing = false
	s.mu.Unlock()
	e.ops.Unlock()

	if err != nil {
		return apperr.GitOperation("gitmirror.remove", err)
	}
	return nil
}

func (s *Service) readyEntry(repoID int64) (*mirrorEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(repoID)
	if e.removing {
		return nil, apperr.Conflict(fmt.Sprintf("repository %d", repoID), "mirror removal in progress")
	}
	switch e.state {
	case types.MirrorStateReady:
		return e, nil
	case types.MirrorStateCloning:
		return nil, apperr.Conflict(fmt.Sprintf("repository %d", repoID), "mirror clone in progress")
	default:
		return nil, apperr.NotFound("mirror for repository %d", repoID)
	}
}

func (s *Service) authURL(ctx context.Context, repo types.Repository) (string, error) {
	if repo.CredentialRef == "" || s.creds == nil {
		return repo.GitURL, nil
	}
	token, err := s.creds.Resolve(ctx, repo.CredentialRef)
	if err != nil {
		return "", apperr.GitOperation("gitmirror.credentials", err)
	}
	u, err := url.Parse(repo.GitURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		// ssh remotes authenticate out of band (agent, deploy key).
		return repo.GitURL, nil
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}
