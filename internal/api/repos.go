package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/internal/gitcreds"
	"github.com/branchbox/branchbox/pkg/types"
)

// repositoryInfo is a repository record with its mirror state attached.
type repositoryInfo struct {
	types.Repository
	Mirror types.MirrorInfo `json:"mirror"`
}

func (a *App) createRepository(w http.ResponseWriter, r *http.Request) {
	var req types.CreateRepositoryRequest
	if !decodeJSON(w, r, &req, "invalid json") {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.GitURL = strings.TrimSpace(req.GitURL)
	if req.Name == "" || req.GitURL == "" {
		writeError(w, apperr.Validation("name and git_url are required"))
		return
	}
	if req.CredentialRef != "" {
		if err := gitcreds.ValidateRef(req.CredentialRef); err != nil {
			writeError(w, apperr.Validation("%s", err))
			return
		}
	}

	repo, err := a.repos.CreateRepository(r.Context(), types.Repository{
		Name:          req.Name,
		GitURL:        req.GitURL,
		CredentialRef: req.CredentialRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (a *App) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := a.repos.ListRepositories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]repositoryInfo, 0, len(repos))
	for _, repo := range repos {
		out = append(out, repositoryInfo{Repository: repo, Mirror: a.mirrors.Info(repo.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) getRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := repoIDParam(w, r)
	if !ok {
		return
	}
	repo, err := a.repos.GetRepository(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repositoryInfo{Repository: repo, Mirror: a.mirrors.Info(id)})
}

// deleteRepository removes the record and the mirror. Refused while any
// session still runs against the repository: containers bind-mount the
// mirror path.
func (a *App) deleteRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := repoIDParam(w, r)
	if !ok {
		return
	}
	if _, err := a.repos.GetRepository(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	active, err := a.sessions.List(r.Context(), true)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, s := range active {
		if s.RepositoryID == id {
			writeError(w, apperr.Conflict(
				fmt.Sprintf("repository %d", id),
				fmt.Sprintf("session %s is still active", s.ID)))
			return
		}
	}
	if err := a.mirrors.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	if err := a.repos.DeleteRepository(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *App) cloneRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := repoIDParam(w, r)
	if !ok {
		return
	}
	repo, err := a.repos.GetRepository(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.ensureMirror(r.Context(), repo, 0); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.mirrors.Info(id))
}

func (a *App) updateRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := repoIDParam(w, r)
	if !ok {
		return
	}
	repo, err := a.repos.GetRepository(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.mirrors.Update(r.Context(), repo); err != nil {
		writeError(w, err)
		return
	}
	a.metrics.IncFetch()
	a.recorder.Emit(r.Context(), types.Event{Type: types.EventMirrorUpdated, RepositoryID: id})
	writeJSON(w, http.StatusOK, a.mirrors.Info(id))
}

func (a *App) listBranches(w http.ResponseWriter, r *http.Request) {
	id, ok := repoIDParam(w, r)
	if !ok {
		return
	}
	branches, err := a.mirrors.ListBranches(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if branches == nil {
		branches = []types.Branch{}
	}
	writeJSON(w, http.StatusOK, branches)
}

func (a *App) createBranch(w http.ResponseWriter, r *http.Request) {
	id, ok := repoIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID int64  `json:"user_id"`
		Name   string `json:"name"`
		Base   string `json:"base"`
	}
	if !decodeJSON(w, r, &req, "invalid json") {
		return
	}
	if req.UserID <= 0 {
		writeError(w, apperr.Validation("user_id is required"))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, apperr.Validation("name is required"))
		return
	}

	repo, err := a.repos.GetRepository(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.ensureMirror(r.Context(), repo, req.UserID); err != nil {
		writeError(w, err)
		return
	}

	base := req.Base
	if base == "" {
		if base, err = a.mirrors.DefaultBranch(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := a.createBranchChecked(r.Context(), repo, req.UserID, req.Name, base); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name, "base": base})
}

func repoIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, apperr.Validation("invalid repository id %q", raw))
		return 0, false
	}
	return id, true
}
