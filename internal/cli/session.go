package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/branchbox/branchbox/pkg/types"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage workspace sessions",
	}

	cmd.AddCommand(newSessionCreateCmd())
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionStatusCmd())
	cmd.AddCommand(newSessionStopCmd())
	cmd.AddCommand(newSessionHeartbeatCmd())
	cmd.AddCommand(newSessionAttachCmd())

	return cmd
}

func newSessionCreateCmd() *cobra.Command {
	var userID int64
	var repoID int64
	var branch string
	var base string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create (or reconnect to) a session for a branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient(cmd)
			sess, err := c.CreateSession(cmd.Context(), types.CreateSessionRequest{
				UserID:       userID,
				RepositoryID: repoID,
				Branch:       branch,
				BaseBranch:   base,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, sess)
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "User id")
	cmd.Flags().Int64Var(&repoID, "repo", 0, "Repository id")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch to work on")
	cmd.Flags().StringVar(&base, "base", "", "Create the branch from this base if it does not exist")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := apiClient(cmd).ListSessions(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}
			return printJSON(cmd, sessions)
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only pending and running sessions")
	return cmd
}

func newSessionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status SESSION_ID",
		Short: "Show a session's live status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := apiClient(cmd).GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, sess)
		},
	}
	return cmd
}

func newSessionStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop SESSION_ID",
		Short: "Stop a session's container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).StopSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}
	return cmd
}

func newSessionHeartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat SESSION_ID",
		Short: "Mark a session as active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).Heartbeat(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
