package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/branchbox/branchbox/internal/client"
	"github.com/branchbox/branchbox/internal/report"
	"github.com/branchbox/branchbox/internal/store/sqlite"
	"github.com/branchbox/branchbox/pkg/types"
)

func newReportCmd() *cobra.Command {
	var (
		level    string
		output   string
		directDB bool
		dbPath   string
	)

	cmd := &cobra.Command{
		Use:   "report <session-id|latest>",
		Short: "Generate a session activity report",
		Long: `Generate a markdown report summarizing a session's activity.

Examples:
  # Quick summary of the latest session
  branchbox report latest

  # Detailed report saved to a file
  branchbox report abc123 --level=detailed --output=report.md

  # Offline mode against the server database
  branchbox report latest --direct-db --db-path=/var/lib/branchbox/branchbox.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportLevel, err := report.ParseLevel(level)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var rpt *report.Report
			if directDB {
				if dbPath == "" {
					dbPath = getenvDefault("BRANCHBOX_DB_PATH", "/var/lib/branchbox/branchbox.db")
				}
				rpt, err = reportFromDB(ctx, dbPath, args[0], reportLevel)
			} else {
				rpt, err = reportFromAPI(ctx, apiClient(cmd), args[0], reportLevel)
			}
			if err != nil {
				return err
			}

			md := report.FormatMarkdown(rpt)
			if output != "" {
				if err := os.WriteFile(output, []byte(md), 0o644); err != nil {
					return fmt.Errorf("write output file: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", output)
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		},
	}

	cmd.Flags().StringVar(&level, "level", "summary", "Report level: summary or detailed")
	cmd.Flags().StringVar(&output, "output", "", "Output file path (default: stdout)")
	cmd.Flags().BoolVar(&directDB, "direct-db", false, "Read the server database directly instead of the API")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the server database (with --direct-db)")

	return cmd
}

func reportFromAPI(ctx context.Context, c *client.Client, sessionArg string, level report.Level) (*report.Report, error) {
	sess, err := resolveSession(ctx, c, sessionArg)
	if err != nil {
		return nil, err
	}

	// Pull the session's own events plus the owner's mirror work on the
	// repository, then let the generator query the combined set.
	q := url.Values{}
	q.Set("session_id", sess.ID)
	q.Set("order", "asc")
	sessionEvents, err := c.QueryEvents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}

	q = url.Values{}
	q.Set("user_id", strconv.FormatInt(sess.UserID, 10))
	q.Set("repository_id", strconv.FormatInt(sess.RepositoryID, 10))
	q.Set("type", types.EventMirrorCloned+","+types.EventMirrorUpdated+","+types.EventBranchCreated)
	q.Set("order", "asc")
	mirrorEvents, err := c.QueryEvents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query mirror events: %w", err)
	}

	st := &memoryEventStore{events: append(sessionEvents, mirrorEvents...)}
	return report.NewGenerator(st).Generate(ctx, sess, level)
}

func reportFromDB(ctx context.Context, dbPath, sessionArg string, level report.Level) (*report.Report, error) {
	st, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	var sess types.Session
	if sessionArg == "latest" {
		sessions, err := st.ListSessions(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		if len(sessions) == 0 {
			return nil, fmt.Errorf("no sessions in database")
		}
		sess = sessions[0]
		for _, s := range sessions[1:] {
			if s.CreatedAt.After(sess.CreatedAt) {
				sess = s
			}
		}
	} else {
		sess, err = st.GetSession(ctx, sessionArg)
		if err != nil {
			return nil, err
		}
	}

	return report.NewGenerator(st).Generate(ctx, sess, level)
}

func resolveSession(ctx context.Context, c *client.Client, sessionArg string) (types.Session, error) {
	if sessionArg != "latest" {
		sess, err := c.GetSession(ctx, sessionArg)
		if err != nil {
			return types.Session{}, fmt.Errorf("get session: %w (hint: run 'branchbox session list')", err)
		}
		return sess, nil
	}

	sessions, err := c.ListSessions(ctx, false)
	if err != nil {
		return types.Session{}, fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return types.Session{}, fmt.Errorf("no sessions found")
	}
	latest := sessions[0]
	for _, s := range sessions[1:] {
		if s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest, nil
}

// memoryEventStore serves pre-fetched events to the report generator,
// honoring the filters it queries with.
type memoryEventStore struct {
	events []types.Event
}

func (m *memoryEventStore) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	var out []types.Event
	for _, ev := range m.events {
		if q.SessionID != "" && ev.SessionID != q.SessionID {
			continue
		}
		if q.UserID != 0 && ev.UserID != q.UserID {
			continue
		}
		if q.RepositoryID != 0 && ev.RepositoryID != q.RepositoryID {
			continue
		}
		if len(q.Types) > 0 && !hasType(q.Types, ev.Type) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *memoryEventStore) AppendEvent(ctx context.Context, ev types.Event) error { return nil }
func (m *memoryEventStore) Close() error                                          { return nil }

func hasType(list []string, t string) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}
