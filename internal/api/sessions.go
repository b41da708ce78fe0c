package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/internal/permissions"
	"github.com/branchbox/branchbox/pkg/types"
)

func (a *App) createSession(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSessionRequest
	if !decodeJSON(w, r, &req, "invalid json") {
		return
	}
	sess, err := a.createSessionCore(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// createSessionCore is the full create chain, shared by the HTTP and
// grpc surfaces: repository lookup, mirror ensure, branch ensure (with
// permission and quota gates when auto-creating), then the manager.
func (a *App) createSessionCore(ctx context.Context, req types.CreateSessionRequest) (types.Session, error) {
	if req.UserID <= 0 || req.RepositoryID <= 0 || strings.TrimSpace(req.Branch) == "" {
		return types.Session{}, apperr.Validation("user_id, repository_id, and branch are required")
	}
	repo, err := a.repos.GetRepository(ctx, req.RepositoryID)
	if err != nil {
		return types.Session{}, err
	}
	if err := a.ensureBranch(ctx, repo, req); err != nil {
		return types.Session{}, err
	}
	sess, err := a.sessions.Create(ctx, req)
	if err != nil {
		return types.Session{}, err
	}
	return *sess, nil
}

// ensureBranch makes sure req.Branch exists in the repository mirror:
// clone on first touch, one fetch in case the branch appeared upstream,
// and finally branch auto-create when the caller supplied base_branch.
func (a *App) ensureBranch(ctx context.Context, repo types.Repository, req types.CreateSessionRequest) error {
	if err := a.ensureMirror(ctx, repo, req.UserID); err != nil {
		return err
	}

	has, err := a.mirrors.HasBranch(ctx, repo.ID, req.Branch)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	// Fetch once: the branch may exist upstream but postdate the last
	// update. A fetch failure is not fatal here — the branch may still
	// be creatable locally.
	if err := a.mirrors.Update(ctx, repo); err != nil {
		slog.Warn("mirror update before session create failed",
			"repository_id", repo.ID, "error", apperr.Scrub(err.Error()))
	} else {
		a.metrics.IncFetch()
		a.recorder.Emit(ctx, types.Event{
			Type:         types.EventMirrorUpdated,
			UserID:       req.UserID,
			RepositoryID: repo.ID,
		})
		if has, err = a.mirrors.HasBranch(ctx, repo.ID, req.Branch); err != nil {
			return err
		}
	}
	if has {
		return nil
	}

	if req.BaseBranch == "" {
		return apperr.NotFound("branch %q in repository %d", req.Branch, repo.ID)
	}
	return a.createBranchChecked(ctx, repo, req.UserID, req.Branch, req.BaseBranch)
}

// ensureMirror clones the mirror if it is not ready yet.
func (a *App) ensureMirror(ctx context.Context, repo types.Repository, userID int64) error {
	if a.mirrors.Info(repo.ID).State == types.MirrorStateReady {
		return nil
	}
	if err := a.mirrors.Clone(ctx, repo); err != nil {
		a.metrics.IncCloneFailure()
		return err
	}
	a.metrics.IncClone()
	a.recorder.Emit(ctx, types.Event{
		Type:         types.EventMirrorCloned,
		UserID:       userID,
		RepositoryID: repo.ID,
	})
	return nil
}

// createBranchChecked runs the permission and quota gates, creates the
// branch, and records the event that quota accounting counts.
func (a *App) createBranchChecked(ctx context.Context, repo types.Repository, userID int64, name, base string) error {
	grant, _ := a.lookupGrant(userID, repo.ID)
	if !grant.CanCreateBranch {
		return apperr.PermissionDenied("user %d may not create branches in repository %d", userID, repo.ID)
	}
	if !grant.BaseBranchAllowed(base) {
		return apperr.PermissionDenied("base branch %q is not allowed for user %d", base, userID)
	}
	if a.quota != nil {
		if err := a.quota.Allow(ctx, userID, repo.ID, grant.BranchLimit); err != nil {
			return err
		}
	}
	if err := a.mirrors.CreateBranch(ctx, repo.ID, name, base); err != nil {
		return err
	}
	a.recorder.Emit(ctx, types.Event{
		Type:         types.EventBranchCreated,
		UserID:       userID,
		RepositoryID: repo.ID,
		Branch:       name,
		Fields:       map[string]any{"base": base},
	})
	return nil
}

func (a *App) lookupGrant(userID, repoID int64) (permissions.Grant, bool) {
	if a.perms == nil {
		return permissions.Grant{}, false
	}
	return a.perms.Lookup(userID, repoID)
}

func (a *App) listSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	sessions, err := a.sessions.List(r.Context(), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// getSession returns the reconciled session state: running sessions are
// probed on the way out.
func (a *App) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *App) stopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.sessions.Stop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": types.SessionStateStopped})
}

func (a *App) heartbeatSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) runHealthChecks(w http.ResponseWriter, r *http.Request) {
	results := a.sessions.HealthChecks(r.Context())
	if results == nil {
		results = []types.HealthResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checked": len(results), "results": results})
}

func (a *App) runCleanup(w http.ResponseWriter, r *http.Request) {
	reaped := a.sessions.CleanupInactive(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"reaped": reaped})
}
