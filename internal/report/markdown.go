package report

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FormatMarkdown renders a report as markdown.
func FormatMarkdown(r *Report) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Session Report: %s", r.SessionID))
	if r.Level == LevelDetailed {
		sb.WriteString(" (Detailed)")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("**Generated:** %s\n\n", r.GeneratedAt.Format("2006-01-02 15:04:05 UTC")))

	sb.WriteString("## Overview\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| User | %d |\n", r.Session.UserID))
	sb.WriteString(fmt.Sprintf("| Repository | %d |\n", r.Session.RepositoryID))
	sb.WriteString(fmt.Sprintf("| Branch | %s |\n", r.Session.Branch))
	sb.WriteString(fmt.Sprintf("| State | %s |\n", r.Session.State))
	sb.WriteString(fmt.Sprintf("| Duration | %s |\n", r.Duration.Round(time.Second)))
	if r.Session.ContainerURL != "" {
		sb.WriteString(fmt.Sprintf("| Container | %s |\n", r.Session.ContainerURL))
	}
	sb.WriteString("\n")

	sb.WriteString("## Lifecycle\n")
	sb.WriteString("| Event | Count |\n")
	sb.WriteString("|-------|-------|\n")
	for _, row := range []struct {
		name  string
		count int
	}{
		{"Created", r.Lifecycle.Created},
		{"Reused", r.Lifecycle.Reused},
		{"Heartbeats", r.Lifecycle.Heartbeats},
		{"Failed probes", r.Lifecycle.FailedProbes},
		{"Terminals", r.Lifecycle.Terminals},
		{"Stopped", r.Lifecycle.Stopped},
		{"Reaped", r.Lifecycle.Reaped},
		{"Errors", r.Lifecycle.Errors},
	} {
		if row.count > 0 {
			sb.WriteString(fmt.Sprintf("| %s | %d |\n", row.name, row.count))
		}
	}
	sb.WriteString("\n")

	if r.Mirror.Clones > 0 || r.Mirror.Updates > 0 || len(r.Mirror.BranchesCreated) > 0 {
		sb.WriteString("## Mirror Activity\n")
		sb.WriteString(fmt.Sprintf("**Clones:** %d, **Updates:** %d\n", r.Mirror.Clones, r.Mirror.Updates))
		if len(r.Mirror.BranchesCreated) > 0 {
			sb.WriteString(fmt.Sprintf("**Branches created:** %s\n", formatBranches(r.Mirror.BranchesCreated)))
		}
		sb.WriteString("\n")
	}

	if len(r.Findings) > 0 {
		sb.WriteString("## Findings\n")
		for _, f := range r.Findings {
			sb.WriteString(fmt.Sprintf("%s **%s** (%d) - %s\n", severityIcon(f.Severity), f.Title, f.Count, f.Description))
		}
		sb.WriteString("\n")
	}

	if r.Level == LevelDetailed {
		if len(r.Errors) > 0 {
			sb.WriteString("## Errors\n")
			sb.WriteString("| Time | Op | Reason | Message |\n")
			sb.WriteString("|------|----|--------|--------|\n")
			for _, e := range r.Errors {
				sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
					e.Timestamp.Format("15:04:05"), e.Op, e.Reason, truncate(e.Message, 80)))
			}
			sb.WriteString("\n")
		}

		if len(r.Terminals) > 0 {
			sb.WriteString("## Terminals\n")
			sb.WriteString("| Time | Action | Recording |\n")
			sb.WriteString("|------|--------|-----------|\n")
			for _, d := range r.Terminals {
				sb.WriteString(fmt.Sprintf("| %s | %s | %s |\n",
					d.Timestamp.Format("15:04:05"), d.Action, d.Recording))
			}
			sb.WriteString("\n")
		}

		if len(r.Timeline) > 0 {
			sb.WriteString("## Event Timeline\n")
			sb.WriteString("| Time | Type | Details |\n")
			sb.WriteString("|------|------|--------|\n")
			for _, ev := range r.Timeline {
				sb.WriteString(fmt.Sprintf("| %s | %s | %s |\n",
					ev.Timestamp.Format("15:04:05"), ev.Type, truncate(fieldsSummary(ev.Fields), 60)))
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func severityIcon(s Severity) string {
	switch s {
	case SeverityCritical:
		return "[CRITICAL]"
	case SeverityWarning:
		return "[WARNING]"
	case SeverityInfo:
		return "[INFO]"
	default:
		return ""
	}
}

func formatBranches(branches []string) string {
	parts := make([]string, 0, len(branches))
	for _, b := range branches {
		parts = append(parts, "`"+b+"`")
	}
	return strings.Join(parts, ", ")
}

// fieldsSummary renders event fields as "k=v" pairs in key order.
func fieldsSummary(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
