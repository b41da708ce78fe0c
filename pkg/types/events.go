package types

import "time"

// Event types emitted by the orchestrator.
const (
	EventSessionCreated   = "session_created"
	EventSessionReused    = "session_reused"
	EventSessionStopped   = "session_stopped"
	EventSessionError     = "session_error"
	EventSessionReaped    = "session_reaped"
	EventSessionHeartbeat = "session_heartbeat"
	EventMirrorCloned     = "mirror_cloned"
	EventMirrorUpdated    = "mirror_updated"
	EventBranchCreated    = "branch_created"
	EventHealthCheck      = "health_check"
	EventTerminalOpened   = "terminal_opened"
	EventTerminalClosed   = "terminal_closed"
)

type Event struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`

	// Common convenience fields for indexing/search.
	UserID       int64  `json:"user_id,omitempty"`
	RepositoryID int64  `json:"repository_id,omitempty"`
	Branch       string `json:"branch,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

type EventQuery struct {
	SessionID    string     `json:"session_id,omitempty"`
	UserID       int64      `json:"user_id,omitempty"`
	RepositoryID int64      `json:"repository_id,omitempty"`
	Types        []string   `json:"types,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Until        *time.Time `json:"until,omitempty"`

	Limit  int  `json:"limit,omitempty"`
	Offset int  `json:"offset,omitempty"`
	Asc    bool `json:"asc,omitempty"`
}
