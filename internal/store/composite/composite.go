// Package composite fans events out to every configured sink while
// delegating sessions, repositories, and queries to the primary store.
package composite

import (
	"context"
	"fmt"

	"github.com/branchbox/branchbox/internal/store"
	"github.com/branchbox/branchbox/pkg/types"
)

type Store struct {
	primary store.Store
	sinks   []store.EventStore
}

func New(primary store.Store, sinks ...store.EventStore) *Store {
	return &Store{primary: primary, sinks: sinks}
}

// AppendEvent writes to the primary first, then every sink. All stores see
// the event even when an earlier one fails; the first error wins.
func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	var firstErr error
	if err := s.primary.AppendEvent(ctx, ev); err != nil {
		firstErr = err
	}
	for _, sink := range s.sinks {
		if err := sink.AppendEvent(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return s.primary.QueryEvents(ctx, q)
}

// CountEvents delegates to the primary when it supports counting.
func (s *Store) CountEvents(ctx context.Context, q types.EventQuery) (int64, error) {
	counter, ok := s.primary.(store.EventCounter)
	if !ok {
		return 0, fmt.Errorf("primary store does not support counting")
	}
	return counter.CountEvents(ctx, q)
}

func (s *Store) PutSession(ctx context.Context, sess types.Session) error {
	return s.primary.PutSession(ctx, sess)
}

func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	return s.primary.GetSession(ctx, id)
}

func (s *Store) ListSessions(ctx context.Context, activeOnly bool) ([]types.Session, error) {
	return s.primary.ListSessions(ctx, activeOnly)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.primary.DeleteSession(ctx, id)
}

func (s *Store) CreateRepository(ctx context.Context, r types.Repository) (types.Repository, error) {
	return s.primary.CreateRepository(ctx, r)
}

func (s *Store) GetRepository(ctx context.Context, id int64) (types.Repository, error) {
	return s.primary.GetRepository(ctx, id)
}

func (s *Store) ListRepositories(ctx context.Context) ([]types.Repository, error) {
	return s.primary.ListRepositories(ctx)
}

func (s *Store) DeleteRepository(ctx context.Context, id int64) error {
	return s.primary.DeleteRepository(ctx, id)
}

func (s *Store) Close() error {
	var firstErr error
	if err := s.primary.Close(); err != nil {
		firstErr = err
	}
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ store.Store = (*Store)(nil)
var _ store.EventCounter = (*Store)(nil)
