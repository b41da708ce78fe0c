package report

import (
	"context"
	"fmt"
	"time"

	"github.com/branchbox/branchbox/internal/store"
	"github.com/branchbox/branchbox/pkg/types"
)

// Generator creates reports from recorded events.
type Generator struct {
	store store.EventStore
}

// NewGenerator creates a report generator over the given event store.
func NewGenerator(s store.EventStore) *Generator {
	return &Generator{store: s}
}

// Generate builds a report for the given session. Mirror activity is
// attributed through the owner's repository events, since clones, updates,
// and branch creates happen before a session id exists.
func (g *Generator) Generate(ctx context.Context, sess types.Session, level Level) (*Report, error) {
	events, err := g.store.QueryEvents(ctx, types.EventQuery{
		SessionID: sess.ID,
		Asc:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}

	mirrorEvents, err := g.store.QueryEvents(ctx, types.EventQuery{
		UserID:       sess.UserID,
		RepositoryID: sess.RepositoryID,
		Types:        []string{types.EventMirrorCloned, types.EventMirrorUpdated, types.EventBranchCreated},
		Asc:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("query mirror events: %w", err)
	}

	rpt := &Report{
		SessionID:   sess.ID,
		GeneratedAt: time.Now().UTC(),
		Level:       level,
		Session:     sess,
	}
	rpt.Duration = sessionDuration(sess, rpt.GeneratedAt)
	rpt.Lifecycle = countLifecycle(events)
	rpt.Mirror = mirrorActivity(mirrorEvents)
	rpt.Findings = detectFindings(sess, events)

	if level == LevelDetailed {
		rpt.Timeline = events
		rpt.Errors = extractErrors(events)
		rpt.Terminals = extractTerminals(events)
	}

	return rpt, nil
}

// sessionDuration spans creation to the final state change, or to now for
// sessions that are still active.
func sessionDuration(sess types.Session, now time.Time) time.Duration {
	end := now
	if sess.State.IsTerminal() && sess.UpdatedAt.After(sess.CreatedAt) {
		end = sess.UpdatedAt
	}
	d := end.Sub(sess.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}

func countLifecycle(events []types.Event) LifecycleCounts {
	var counts LifecycleCounts
	for _, ev := range events {
		switch ev.Type {
		case types.EventSessionCreated:
			counts.Created++
		case types.EventSessionReused:
			counts.Reused++
		case types.EventSessionHeartbeat:
			counts.Heartbeats++
		case types.EventHealthCheck:
			if healthy, ok := ev.Fields["healthy"].(bool); ok && !healthy {
				counts.FailedProbes++
			}
		case types.EventTerminalOpened:
			counts.Terminals++
		case types.EventSessionStopped:
			counts.Stopped++
		case types.EventSessionReaped:
			counts.Reaped++
		case types.EventSessionError:
			counts.Errors++
		}
	}
	return counts
}

func mirrorActivity(events []types.Event) MirrorActivity {
	var act MirrorActivity
	for _, ev := range events {
		switch ev.Type {
		case types.EventMirrorCloned:
			act.Clones++
		case types.EventMirrorUpdated:
			act.Updates++
		case types.EventBranchCreated:
			if ev.Branch != "" {
				act.BranchesCreated = append(act.BranchesCreated, ev.Branch)
			}
		}
	}
	return act
}

func detectFindings(sess types.Session, events []types.Event) []Finding {
	var findings []Finding

	var errIDs []string
	var lastErr string
	var probeIDs []string
	var reapIDs []string
	var idleWindow string
	heartbeats := 0

	for _, ev := range events {
		switch ev.Type {
		case types.EventSessionError:
			errIDs = append(errIDs, ev.ID)
			if msg := errorText(ev); msg != "" {
				lastErr = msg
			}
		case types.EventHealthCheck:
			if healthy, ok := ev.Fields["healthy"].(bool); ok && !healthy {
				probeIDs = append(probeIDs, ev.ID)
			}
		case types.EventSessionReaped:
			reapIDs = append(reapIDs, ev.ID)
			if w, ok := ev.Fields["idle_timeout"].(string); ok {
				idleWindow = w
			}
		case types.EventSessionHeartbeat:
			heartbeats++
		}
	}

	if len(errIDs) > 0 {
		desc := "the session hit provisioning or runtime failures"
		if lastErr != "" {
			desc = "last error: " + lastErr
		}
		findings = append(findings, Finding{
			Severity:    SeverityCritical,
			Category:    "errors",
			Title:       "Session errors",
			Description: desc,
			Count:       len(errIDs),
			Events:      errIDs,
		})
	}
	if len(probeIDs) > 0 {
		findings = append(findings, Finding{
			Severity:    SeverityWarning,
			Category:    "health",
			Title:       "Failed health probes",
			Description: "container probes failed or timed out",
			Count:       len(probeIDs),
			Events:      probeIDs,
		})
	}
	if len(reapIDs) > 0 {
		desc := "stopped by the inactivity sweep"
		if idleWindow != "" {
			desc += " after " + idleWindow + " without a heartbeat"
		}
		findings = append(findings, Finding{
			Severity:    SeverityInfo,
			Category:    "idle",
			Title:       "Reaped for inactivity",
			Description: desc,
			Count:       len(reapIDs),
			Events:      reapIDs,
		})
	}
	if sess.State == types.SessionStateRunning && heartbeats == 0 {
		findings = append(findings, Finding{
			Severity:    SeverityInfo,
			Category:    "idle",
			Title:       "No heartbeats recorded",
			Description: "the owner never reported activity; the inactivity sweep will stop this session once the idle window passes",
			Count:       1,
		})
	}

	return findings
}

func errorText(ev types.Event) string {
	if msg, ok := ev.Fields["error"].(string); ok && msg != "" {
		return msg
	}
	if msg, ok := ev.Fields["reason"].(string); ok && msg != "" {
		return msg
	}
	return ""
}

func extractErrors(events []types.Event) []ErrorDetail {
	var out []ErrorDetail
	for _, ev := range events {
		if ev.Type != types.EventSessionError {
			continue
		}
		d := ErrorDetail{Timestamp: ev.Timestamp}
		if op, ok := ev.Fields["op"].(string); ok {
			d.Op = op
		}
		if reason, ok := ev.Fields["reason"].(string); ok {
			d.Reason = reason
		}
		if msg, ok := ev.Fields["error"].(string); ok {
			d.Message = msg
		}
		out = append(out, d)
	}
	return out
}

func extractTerminals(events []types.Event) []TerminalDetail {
	var out []TerminalDetail
	for _, ev := range events {
		switch ev.Type {
		case types.EventTerminalOpened:
			out = append(out, TerminalDetail{Timestamp: ev.Timestamp, Action: "opened"})
		case types.EventTerminalClosed:
			d := TerminalDetail{Timestamp: ev.Timestamp, Action: "closed"}
			if rec, ok := ev.Fields["recording"].(string); ok {
				d.Recording = rec
			}
			out = append(out, d)
		}
	}
	return out
}
