package types

import (
	"fmt"
	"time"
)

type SessionState string

const (
	SessionStatePending SessionState = "pending" // Reserved, container not started yet
	SessionStateRunning SessionState = "running" // Container verified live
	SessionStateStopped SessionState = "stopped" // Stopped by request or inactivity sweep
	SessionStateError   SessionState = "error"   // Provisioning or reconciliation failure
)

// IsTerminal returns true if the session state is final. Terminal records
// are retained as history and never transition again.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateStopped, SessionStateError:
		return true
	default:
		return false
	}
}

// IsActive returns true if the session still maps to (or is acquiring) a
// live container.
func (s SessionState) IsActive() bool {
	switch s {
	case SessionStatePending, SessionStateRunning:
		return true
	default:
		return false
	}
}

// ParseSessionState rejects strings outside the closed state set. Used at
// API and storage boundaries so arbitrary status strings never propagate.
func ParseSessionState(s string) (SessionState, error) {
	switch st := SessionState(s); st {
	case SessionStatePending, SessionStateRunning, SessionStateStopped, SessionStateError:
		return st, nil
	default:
		return "", fmt.Errorf("unknown session state %q", s)
	}
}

// Session is the record of one container-backed development environment
// bound to a (user, repository, branch) triple. The container id doubles as
// the external session id.
type Session struct {
	ID             string       `json:"id"`
	UserID         int64        `json:"user_id"`
	RepositoryID   int64        `json:"repository_id"`
	Branch         string       `json:"branch"`
	ContainerURL   string       `json:"container_url,omitempty"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	LastAccessedAt time.Time    `json:"last_accessed_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

type CreateSessionRequest struct {
	UserID       int64  `json:"user_id"`
	RepositoryID int64  `json:"repository_id"`
	Branch       string `json:"branch"`
	BaseBranch   string `json:"base_branch,omitempty"` // Create Branch from this base if it does not exist yet
}

// HealthResult is one probe outcome from a health-check sweep.
type HealthResult struct {
	SessionID string `json:"session_id"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
}
