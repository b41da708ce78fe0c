package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "branchbox.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	sess := types.Session{
		ID:             "abc123",
		UserID:         7,
		RepositoryID:   42,
		Branch:         "feature/login",
		ContainerURL:   "http://127.0.0.1:33001",
		State:          types.SessionStateRunning,
		CreatedAt:      now,
		LastAccessedAt: now,
		UpdatedAt:      now,
	}
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	got, err := s.GetSession(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != 7 || got.RepositoryID != 42 || got.Branch != "feature/login" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.State != types.SessionStateRunning {
		t.Fatalf("state = %q", got.State)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created at %v, want %v", got.CreatedAt, now)
	}

	// Replace updates in place.
	sess.State = types.SessionStateStopped
	sess.UpdatedAt = now.Add(time.Minute)
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession replace: %v", err)
	}
	got, err = s.GetSession(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetSession after replace: %v", err)
	}
	if got.State != types.SessionStateStopped {
		t.Fatalf("state after replace = %q", got.State)
	}

	_, err = s.GetSession(ctx, "missing")
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "session missing") || strings.Contains(msg, "%!") {
		t.Fatalf("bad not-found message: %q", msg)
	}
}

func TestListSessionsActiveOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	states := []types.SessionState{
		types.SessionStatePending,
		types.SessionStateRunning,
		types.SessionStateStopped,
		types.SessionStateError,
	}
	for i, st := range states {
		sess := types.Session{
			ID:             string(rune('a' + i)),
			UserID:         1,
			RepositoryID:   1,
			Branch:         "main",
			State:          st,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
			LastAccessedAt: now,
			UpdatedAt:      now,
		}
		if err := s.PutSession(ctx, sess); err != nil {
			t.Fatalf("PutSession[%d]: %v", i, err)
		}
	}

	all, err := s.ListSessions(ctx, false)
	if err != nil {
		t.Fatalf("ListSessions all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("all = %d sessions", len(all))
	}

	active, err := s.ListSessions(ctx, true)
	if err != nil {
		t.Fatalf("ListSessions active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d sessions, want 2", len(active))
	}
	for _, sess := range active {
		if sess.State.IsTerminal() {
			t.Fatalf("terminal session %q in active listing", sess.ID)
		}
	}

	if err := s.DeleteSession(ctx, "a"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	all, _ = s.ListSessions(ctx, false)
	if len(all) != 3 {
		t.Fatalf("after delete = %d sessions", len(all))
	}
}

func TestRepositoryCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateRepository(ctx, types.Repository{
		Name:          "webapp",
		GitURL:        "https://github.example.com/org/webapp.git",
		CredentialRef: "env://WEBAPP_TOKEN",
	})
	if err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected assigned id")
	}

	got, err := s.GetRepository(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	if got.Name != "webapp" || got.CredentialRef != "env://WEBAPP_TOKEN" {
		t.Fatalf("unexpected repository: %+v", got)
	}

	// Duplicate name maps to conflict.
	_, err = s.CreateRepository(ctx, types.Repository{Name: "webapp", GitURL: "https://elsewhere.example.com/x.git"})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	_, err = s.GetRepository(ctx, 9999)
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "repository 9999") || strings.Contains(msg, "%!") {
		t.Fatalf("bad not-found message: %q", msg)
	}

	list, err := s.ListRepositories(ctx)
	if err != nil {
		t.Fatalf("ListRepositories: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d repositories", len(list))
	}

	if err := s.DeleteRepository(ctx, created.ID); err != nil {
		t.Fatalf("DeleteRepository: %v", err)
	}
	list, _ = s.ListRepositories(ctx)
	if len(list) != 0 {
		t.Fatalf("after delete = %d repositories", len(list))
	}
}

func TestAppendAndQueryEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	events := []types.Event{
		{ID: "e1", Timestamp: base, Type: types.EventSessionCreated, SessionID: "s1", UserID: 7, RepositoryID: 42, Branch: "main"},
		{ID: "e2", Timestamp: base.Add(time.Second), Type: types.EventBranchCreated, UserID: 7, RepositoryID: 42, Branch: "feature/x"},
		{ID: "e3", Timestamp: base.Add(2 * time.Second), Type: types.EventSessionStopped, SessionID: "s1", UserID: 7, RepositoryID: 42},
		{ID: "e4", Timestamp: base.Add(3 * time.Second), Type: types.EventBranchCreated, UserID: 8, RepositoryID: 42, Branch: "feature/y"},
	}
	for _, ev := range events {
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent %s: %v", ev.ID, err)
		}
	}

	bySession, err := s.QueryEvents(ctx, types.EventQuery{SessionID: "s1", Asc: true})
	if err != nil {
		t.Fatalf("QueryEvents session: %v", err)
	}
	if len(bySession) != 2 || bySession[0].ID != "e1" || bySession[1].ID != "e3" {
		t.Fatalf("unexpected session events: %+v", bySession)
	}

	byType, err := s.QueryEvents(ctx, types.EventQuery{Types: []string{types.EventBranchCreated}})
	if err != nil {
		t.Fatalf("QueryEvents type: %v", err)
	}
	if len(byType) != 2 {
		t.Fatalf("branch events = %d", len(byType))
	}

	since := base.Add(1500 * time.Millisecond)
	recent, err := s.QueryEvents(ctx, types.EventQuery{Since: &since, Asc: true})
	if err != nil {
		t.Fatalf("QueryEvents since: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "e3" {
		t.Fatalf("unexpected recent events: %+v", recent)
	}

	limited, err := s.QueryEvents(ctx, types.EventQuery{Limit: 1})
	if err != nil {
		t.Fatalf("QueryEvents limit: %v", err)
	}
	// Default order is newest first.
	if len(limited) != 1 || limited[0].ID != "e4" {
		t.Fatalf("unexpected limited events: %+v", limited)
	}
}

func TestCountEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, ev := range []types.Event{
		{ID: "c1", Type: types.EventBranchCreated, UserID: 7, RepositoryID: 42},
		{ID: "c2", Type: types.EventBranchCreated, UserID: 7, RepositoryID: 42},
		{ID: "c3", Type: types.EventBranchCreated, UserID: 7, RepositoryID: 99},
		{ID: "c4", Type: types.EventSessionCreated, UserID: 7, RepositoryID: 42},
	} {
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	n, err := s.CountEvents(ctx, types.EventQuery{
		Types:        []string{types.EventBranchCreated},
		UserID:       7,
		RepositoryID: 42,
	})
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
