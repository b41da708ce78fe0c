// Package store defines the persistence interfaces for sessions,
// repositories, and the event log. The sqlite implementation is the
// primary durable store; webhook, otel, and jsonl are append-only event
// sinks fanned out through the composite store.
package store

import (
	"context"

	"github.com/branchbox/branchbox/pkg/types"
)

type SessionStore interface {
	// PutSession inserts or replaces the full session record.
	PutSession(ctx context.Context, s types.Session) error
	GetSession(ctx context.Context, id string) (types.Session, error)
	// ListSessions returns all records, or only those in a non-terminal
	// state when activeOnly is set.
	ListSessions(ctx context.Context, activeOnly bool) ([]types.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

type RepositoryStore interface {
	// CreateRepository assigns the id and returns the stored record.
	CreateRepository(ctx context.Context, r types.Repository) (types.Repository, error)
	GetRepository(ctx context.Context, id int64) (types.Repository, error)
	ListRepositories(ctx context.Context) ([]types.Repository, error)
	DeleteRepository(ctx context.Context, id int64) error
}

type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}

// EventCounter is implemented by stores that can count matching events
// without materializing them. Branch quota checks use it.
type EventCounter interface {
	CountEvents(ctx context.Context, q types.EventQuery) (int64, error)
}

// Store is the full persistence surface the server wires together.
type Store interface {
	SessionStore
	RepositoryStore
	EventStore
}
