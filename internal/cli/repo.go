package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/branchbox/branchbox/pkg/types"
)

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage mirrored repositories",
	}

	cmd.AddCommand(newRepoAddCmd())
	cmd.AddCommand(newRepoListCmd())
	cmd.AddCommand(newRepoShowCmd())
	cmd.AddCommand(newRepoRemoveCmd())
	cmd.AddCommand(newRepoCloneCmd())
	cmd.AddCommand(newRepoUpdateCmd())
	cmd.AddCommand(newRepoBranchesCmd())
	cmd.AddCommand(newRepoBranchCmd())

	return cmd
}

func newRepoAddCmd() *cobra.Command {
	var name string
	var gitURL string
	var credRef string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := apiClient(cmd).CreateRepository(cmd.Context(), types.CreateRepositoryRequest{
				Name:          name,
				GitURL:        gitURL,
				CredentialRef: credRef,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, repo)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Repository name")
	cmd.Flags().StringVar(&gitURL, "url", "", "Remote git URL")
	cmd.Flags().StringVar(&credRef, "credential-ref", "", "Credential reference (env://, file://, vault://path#field, aws-sm://name#key)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newRepoListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repositories and their mirror state",
		RunE: func(cmd *cobra.Command, args []string) error {
			repos, err := apiClient(cmd).ListRepositories(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, repos)
		},
	}
	return cmd
}

func newRepoShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show REPO_ID",
		Short: "Show one repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRepoID(args[0])
			if err != nil {
				return err
			}
			repo, err := apiClient(cmd).GetRepository(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, repo)
		},
	}
	return cmd
}

func newRepoRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove REPO_ID",
		Short: "Remove a repository and its mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRepoID(args[0])
			if err != nil {
				return err
			}
			if err := apiClient(cmd).DeleteRepository(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed")
			return nil
		},
	}
	return cmd
}

func newRepoCloneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone REPO_ID",
		Short: "Clone the repository's mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRepoID(args[0])
			if err != nil {
				return err
			}
			info, err := apiClient(cmd).CloneRepository(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}
	return cmd
}

func newRepoUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update REPO_ID",
		Short: "Fetch the latest refs into the mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRepoID(args[0])
			if err != nil {
				return err
			}
			info, err := apiClient(cmd).UpdateRepository(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}
	return cmd
}

func newRepoBranchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branches REPO_ID",
		Short: "List the mirror's branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRepoID(args[0])
			if err != nil {
				return err
			}
			branches, err := apiClient(cmd).ListBranches(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, branches)
		},
	}
	return cmd
}

func newRepoBranchCmd() *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "branch REPO_ID NAME",
		Short: "Create a branch in the mirror",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRepoID(args[0])
			if err != nil {
				return err
			}
			if err := apiClient(cmd).CreateBranch(cmd.Context(), id, types.CreateBranchRequest{
				Name: args[1],
				Base: base,
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "created")
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "Base branch (default: the mirror's default branch)")
	return cmd
}

func parseRepoID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid repository id %q", s)
	}
	return id, nil
}
