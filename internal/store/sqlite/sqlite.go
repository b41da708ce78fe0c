package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/pkg/types"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			repository_id INTEGER NOT NULL,
			branch TEXT NOT NULL,
			container_url TEXT,
			state TEXT NOT NULL,
			created_ts_unix_ns INTEGER NOT NULL,
			last_accessed_ts_unix_ns INTEGER NOT NULL,
			updated_ts_unix_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_triple ON sessions(user_id, repository_id, branch);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);`,
		`CREATE TABLE IF NOT EXISTS repositories (
			repository_id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			git_url TEXT NOT NULL,
			credential_ref TEXT,
			created_ts_unix_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			type TEXT NOT NULL,
			session_id TEXT,
			user_id INTEGER,
			repository_id INTEGER,
			branch TEXT,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_events_repo_ts ON events(repository_id, ts_unix_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) PutSession(ctx context.Context, sess types.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session missing id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions(
			session_id, user_id, repository_id, branch, container_url,
			state, created_ts_unix_ns, last_accessed_ts_unix_ns, updated_ts_unix_ns
		) VALUES(?,?,?,?,?,?,?,?,?);`,
		sess.ID,
		sess.UserID,
		sess.RepositoryID,
		sess.Branch,
		nullable(sess.ContainerURL),
		string(sess.State),
		sess.CreatedAt.UTC().UnixNano(),
		sess.LastAccessedAt.UTC().UnixNano(),
		sess.UpdatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, repository_id, branch, container_url,
		       state, created_ts_unix_ns, last_accessed_ts_unix_ns, updated_ts_unix_ns
		FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.Session{}, apperr.NotFound("session %s", id)
		}
		return types.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, activeOnly bool) ([]types.Session, error) {
	query := `
		SELECT session_id, user_id, repository_id, branch, container_url,
		       state, created_ts_unix_ns, last_accessed_ts_unix_ns, updated_ts_unix_ns
		FROM sessions`
	var args []any
	if activeOnly {
		query += ` WHERE state IN (?, ?)`
		args = append(args, string(types.SessionStatePending), string(types.SessionStateRunning))
	}
	query += ` ORDER BY created_ts_unix_ns ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) CreateRepository(ctx context.Context, r types.Repository) (types.Repository, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories(name, git_url, credential_ref, created_ts_unix_ns)
		VALUES(?,?,?,?);`,
		r.Name,
		r.GitURL,
		nullable(r.CredentialRef),
		r.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return types.Repository{}, apperr.Conflict("repository", fmt.Sprintf("name %q already registered", r.Name))
		}
		return types.Repository{}, fmt.Errorf("create repository: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Repository{}, fmt.Errorf("repository id: %w", err)
	}
	r.ID = id
	return r, nil
}

func (s *Store) GetRepository(ctx context.Context, id int64) (types.Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repository_id, name, git_url, credential_ref, created_ts_unix_ns
		FROM repositories WHERE repository_id = ?`, id)
	repo, err := scanRepository(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.Repository{}, apperr.NotFound("repository %d", id)
		}
		return types.Repository{}, fmt.Errorf("get repository: %w", err)
	}
	return repo, nil
}

func (s *Store) ListRepositories(ctx context.Context) ([]types.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repository_id, name, git_url, credential_ref, created_ts_unix_ns
		FROM repositories ORDER BY repository_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []types.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		out = append(out, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list repositories rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteRepository(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE repository_id = ?`, id); err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events(
			event_id, ts_unix_ns, type, session_id,
			user_id, repository_id, branch, payload_json
		) VALUES(?,?,?,?,?,?,?,?);`,
		ev.ID,
		ev.Timestamp.UTC().UnixNano(),
		ev.Type,
		nullable(ev.SessionID),
		nullableInt64(ev.UserID),
		nullableInt64(ev.RepositoryID),
		nullable(ev.Branch),
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	where, args := eventWhere(q)

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM events WHERE `+where+` ORDER BY ts_unix_ns `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events rows: %w", err)
	}
	return out, nil
}

// CountEvents counts matching events without loading payloads. Limit and
// Offset in the query are ignored.
func (s *Store) CountEvents(ctx context.Context, q types.EventQuery) (int64, error) {
	where, args := eventWhere(q)
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE `+where, args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func eventWhere(q types.EventQuery) (string, []any) {
	where := []string{"1=1"}
	var args []any

	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.RepositoryID != 0 {
		where = append(where, "repository_id = ?")
		args = append(args, q.RepositoryID)
	}
	if len(q.Types) > 0 {
		place := make([]string, 0, len(q.Types))
		for _, t := range q.Types {
			place = append(place, "?")
			args = append(args, t)
		}
		where = append(where, "type IN ("+strings.Join(place, ",")+")")
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}
	return strings.Join(where, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (types.Session, error) {
	var (
		sess         types.Session
		containerURL sql.NullString
		state        string
		createdNS    int64
		accessedNS   int64
		updatedNS    int64
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.RepositoryID, &sess.Branch,
		&containerURL, &state, &createdNS, &accessedNS, &updatedNS)
	if err != nil {
		return types.Session{}, err
	}
	st, err := types.ParseSessionState(state)
	if err != nil {
		return types.Session{}, err
	}
	sess.State = st
	sess.ContainerURL = containerURL.String
	sess.CreatedAt = time.Unix(0, createdNS).UTC()
	sess.LastAccessedAt = time.Unix(0, accessedNS).UTC()
	sess.UpdatedAt = time.Unix(0, updatedNS).UTC()
	return sess, nil
}

func scanRepository(row rowScanner) (types.Repository, error) {
	var (
		repo      types.Repository
		credRef   sql.NullString
		createdNS int64
	)
	err := row.Scan(&repo.ID, &repo.Name, &repo.GitURL, &credRef, &createdNS)
	if err != nil {
		return types.Repository{}, err
	}
	repo.CredentialRef = credRef.String
	repo.CreatedAt = time.Unix(0, createdNS).UTC()
	return repo, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(i int64) any {
	if i == 0 {
		return nil
	}
	return i
}
