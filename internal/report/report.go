// Package report builds session activity reports from the recorded event
// stream: lifecycle counts, mirror activity, notable findings, and, at the
// detailed level, the full timeline.
package report

import (
	"fmt"
	"time"

	"github.com/branchbox/branchbox/pkg/types"
)

// Level specifies the detail level of a report.
type Level string

const (
	LevelSummary  Level = "summary"
	LevelDetailed Level = "detailed"
)

// ParseLevel rejects strings outside the closed level set.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case LevelSummary, LevelDetailed:
		return l, nil
	default:
		return "", fmt.Errorf("invalid level %q: must be %q or %q", s, LevelSummary, LevelDetailed)
	}
}

// Severity indicates the importance of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical" // Provisioning and runtime failures
	SeverityWarning  Severity = "warning"  // Failed probes
	SeverityInfo     Severity = "info"     // Reaping, missing heartbeats
)

// Finding represents a notable pattern detected in the session's events.
type Finding struct {
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Count       int      `json:"count"`
	Events      []string `json:"events,omitempty"` // Related event ids
}

// LifecycleCounts tallies the session's lifecycle events.
type LifecycleCounts struct {
	Created      int `json:"created"`
	Reused       int `json:"reused"`
	Heartbeats   int `json:"heartbeats"`
	FailedProbes int `json:"failed_probes"`
	Terminals    int `json:"terminals"`
	Stopped      int `json:"stopped"`
	Reaped       int `json:"reaped"`
	Errors       int `json:"errors"`
}

// MirrorActivity tallies the mirror work the session's owner triggered on
// the session's repository: clones, fetch updates, and created branches.
type MirrorActivity struct {
	Clones          int      `json:"clones"`
	Updates         int      `json:"updates"`
	BranchesCreated []string `json:"branches_created,omitempty"`
}

// ErrorDetail captures one session_error event.
type ErrorDetail struct {
	Timestamp time.Time `json:"timestamp"`
	Op        string    `json:"op,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// TerminalDetail captures one terminal open or close.
type TerminalDetail struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"` // "opened" or "closed"
	Recording string    `json:"recording,omitempty"`
}

// Report contains all data for a session report.
type Report struct {
	SessionID   string    `json:"session_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Level       Level     `json:"level"`

	// Overview
	Session  types.Session `json:"session"`
	Duration time.Duration `json:"duration"`

	Lifecycle LifecycleCounts `json:"lifecycle"`
	Mirror    MirrorActivity  `json:"mirror"`
	Findings  []Finding       `json:"findings,omitempty"`

	// Detailed sections (only populated for LevelDetailed)
	Timeline  []types.Event    `json:"timeline,omitempty"`
	Errors    []ErrorDetail    `json:"errors,omitempty"`
	Terminals []TerminalDetail `json:"terminals,omitempty"`
}
