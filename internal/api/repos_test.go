package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchbox/branchbox/pkg/types"
)

func TestCreateRepositoryValidation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/v1/repos", types.CreateRepositoryRequest{Name: "api"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeBody[map[string]any](t, rr)["error"], "git_url")

	rr = env.do(http.MethodPost, "/v1/repos", types.CreateRepositoryRequest{
		Name:          "api",
		GitURL:        "https://git.example.com/org/api.git",
		CredentialRef: "ftp://nope",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	assert.Equal(t, "validation", decodeBody[map[string]any](t, rr)["kind"])
}

func TestCreateRepository(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/v1/repos", types.CreateRepositoryRequest{
		Name:          "api",
		GitURL:        "https://git.example.com/org/api.git",
		CredentialRef: "env://GIT_TOKEN",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	repo := decodeBody[types.Repository](t, rr)
	assert.NotZero(t, repo.ID)
	assert.Equal(t, "api", repo.Name)
	assert.Equal(t, "env://GIT_TOKEN", repo.CredentialRef)
	assert.False(t, repo.CreatedAt.IsZero())
}

func TestRepositoryMirrorState(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/v1/repos/%d", env.repo.ID)

	rr := env.do(http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	info := decodeBody[repositoryInfo](t, rr)
	assert.Equal(t, types.MirrorStateAbsent, info.Mirror.State)
	assert.Empty(t, info.Mirror.Path)

	rr = env.do(http.MethodPost, path+"/clone", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	mirror := decodeBody[types.MirrorInfo](t, rr)
	assert.Equal(t, types.MirrorStateReady, mirror.State)
	assert.NotEmpty(t, mirror.Path)

	rr = env.do(http.MethodGet, "/v1/repos", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[[]repositoryInfo](t, rr)
	require.Len(t, list, 1)
	assert.Equal(t, types.MirrorStateReady, list[0].Mirror.State)

	rr = env.do(http.MethodGet, "/v1/repos/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCloneRepositoryIdempotent(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/v1/repos/%d/clone", env.repo.ID)

	rr := env.do(http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, 1, env.git.clones())
	assert.Len(t, env.events(t, types.EventQuery{
		RepositoryID: env.repo.ID,
		Types:        []string{types.EventMirrorCloned},
	}), 1)
}

func TestCloneRepositoryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.git.setCloneErr(errors.New("exit status 128"))

	rr := env.do(http.MethodPost, fmt.Sprintf("/v1/repos/%d/clone", env.repo.ID), nil)
	require.Equal(t, http.StatusBadGateway, rr.Code, rr.Body.String())
	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "git_operation", body["kind"])
	assert.Contains(t, body["detail"], "fatal")

	rr = env.do(http.MethodGet, fmt.Sprintf("/v1/repos/%d", env.repo.ID), nil)
	assert.Equal(t, types.MirrorStateAbsent, decodeBody[repositoryInfo](t, rr).Mirror.State)
}

func TestUpdateRepository(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/v1/repos/%d", env.repo.ID)

	// No mirror yet: nothing to update.
	rr := env.do(http.MethodPost, path+"/update", nil)
	require.Equal(t, http.StatusNotFound, rr.Code, rr.Body.String())

	env.do(http.MethodPost, path+"/clone", nil)
	rr = env.do(http.MethodPost, path+"/update", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 1, env.git.fetches())
	assert.Len(t, env.events(t, types.EventQuery{
		RepositoryID: env.repo.ID,
		Types:        []string{types.EventMirrorUpdated},
	}), 1)
}

func TestDeleteRepositoryGuardedByActiveSession(t *testing.T) {
	env := newTestEnv(t)
	sess := env.createSession(t, 7, "main", "")
	path := fmt.Sprintf("/v1/repos/%d", env.repo.ID)

	rr := env.do(http.MethodDelete, path, nil)
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
	assert.Contains(t, decodeBody[map[string]any](t, rr)["error"], "still active")

	env.do(http.MethodDelete, "/v1/sessions/"+sess.ID, nil)
	rr = env.do(http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListBranches(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/v1/repos/%d/branches", env.repo.ID)

	rr := env.do(http.MethodGet, path, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	env.do(http.MethodPost, fmt.Sprintf("/v1/repos/%d/clone", env.repo.ID), nil)
	rr = env.do(http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	branches := decodeBody[[]types.Branch](t, rr)
	require.Len(t, branches, 2)
	assert.Equal(t, "develop", branches[0].Name)
	assert.Equal(t, "main", branches[1].Name)
	assert.NotEmpty(t, branches[0].Commit)
}

func TestCreateBranchDefaultsBase(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/v1/repos/%d/branches", env.repo.ID)

	rr := env.do(http.MethodPost, path, map[string]any{"user_id": 7, "name": "feature/z"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "feature/z", body["name"])
	assert.Equal(t, "main", body["base"])
	assert.True(t, env.git.hasBranch("feature/z"))
}

func TestCreateBranchErrors(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/v1/repos/%d/branches", env.repo.ID)

	for _, tc := range []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing user", map[string]any{"name": "feature/a"}, http.StatusBadRequest},
		{"missing name", map[string]any{"user_id": 7}, http.StatusBadRequest},
		{"invalid name", map[string]any{"user_id": 7, "name": "feat..x", "base": "main"}, http.StatusBadRequest},
		{"duplicate", map[string]any{"user_id": 7, "name": "develop", "base": "main"}, http.StatusConflict},
		{"base missing from mirror", map[string]any{"user_id": 7, "name": "feature/b", "base": "release/9.9"}, http.StatusNotFound},
		{"base not allowed", map[string]any{"user_id": 7, "name": "feature/c", "base": "ghost"}, http.StatusForbidden},
		{"no grant", map[string]any{"user_id": 8, "name": "feature/d", "base": "main"}, http.StatusForbidden},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(http.MethodPost, path, tc.body)
			assert.Equal(t, tc.want, rr.Code, rr.Body.String())
		})
	}
}
