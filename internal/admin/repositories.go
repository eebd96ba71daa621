package admin

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/storagerelay/pkg/api"
)

const timeLayout = time.RFC3339

func newTokenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Exchange the admin secret for an admin token",
		Long: `Prints an admin token. Export it to avoid sending the secret with every call:

  export ` + TokenEnv + `=$(storagerelay-admin token --secret ...)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := opts.adminSecret()
			if secret == "" {
				return ErrNoCredentials
			}

			resp, err := opts.client().AdminToken(cmd.Context(), secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}
}

func newCreateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "new <name>",
		Short: "Create a repository",
		Long: `Creates a repository with a fresh key pair. Hand the printed id and public
key to the developer of the client application.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := opts.adminToken(cmd.Context())
			if err != nil {
				return err
			}

			repo, err := opts.client().CreateRepository(cmd.Context(), token, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, success("Repository created"))
			printRepository(cmd, repo)
			return nil
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := opts.adminToken(cmd.Context())
			if err != nil {
				return err
			}

			repos, err := opts.client().ListRepositories(cmd.Context(), token)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(repos) == 0 {
				fmt.Fprintln(out, muted("No repositories"))
				return nil
			}
			for _, repo := range repos {
				fmt.Fprintf(out, "%s  %s  %s\n",
					highlight(repo.ID), repo.Name, muted(repo.CreatedAt.Format(timeLayout)))
			}
			return nil
		},
	}
}

func newShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show repository id, name and public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := opts.adminToken(cmd.Context())
			if err != nil {
				return err
			}

			repo, err := opts.client().GetRepository(cmd.Context(), token, args[0])
			if err != nil {
				return err
			}
			printRepository(cmd, repo)
			return nil
		},
	}
}

func newRemoveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a repository with all its storages and things",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := opts.adminToken(cmd.Context())
			if err != nil {
				return err
			}

			if err := opts.client().RemoveRepository(cmd.Context(), token, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), success("Repository "+highlight(args[0])+" removed"))
			return nil
		},
	}
}

func newIDsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ids <id> [pattern]",
		Short: "Find storages and things of a repository",
		Long: `Lists storages and things inside a repository. The optional pattern is a
regular expression matched against storage and thing ids.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := opts.adminToken(cmd.Context())
			if err != nil {
				return err
			}

			pattern := ""
			if len(args) == 2 {
				pattern = args[1]
			}

			found, err := opts.client().FindRepositoryIDs(cmd.Context(), token, args[0], pattern)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, muted("Nothing found"))
				return nil
			}
			for _, item := range found {
				fmt.Fprintf(out, "%-8s %s/%s\n", item.Type, muted(item.Namespace), highlight(item.ID))
			}
			return nil
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show how many repositories, apps and storages the server keeps in memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := opts.adminToken(cmd.Context())
			if err != nil {
				return err
			}

			stats, err := opts.client().Stats(cmd.Context(), token)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %d\n", label("Repositories"), stats.Repositories)
			fmt.Fprintf(out, "%s %d\n", label("Apps"), stats.Apps)
			fmt.Fprintf(out, "%s %d\n", label("Storages"), stats.Storages)
			return nil
		},
	}
}

func printRepository(cmd *cobra.Command, repo *api.RepositoryResponse) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", label("ID"), highlight(repo.ID))
	fmt.Fprintf(out, "%s %s\n", label("Name"), muted(repo.Name))
	fmt.Fprintf(out, "%s %s\n", label("Public key"), repo.PublicKey)
	fmt.Fprintf(out, "%s %s\n", label("Created"), repo.CreatedAt.Format(timeLayout))
	if !repo.AccessedOn.IsZero() {
		fmt.Fprintf(out, "%s %s\n", label("Accessed"), repo.AccessedOn.Format(timeLayout))
	}
}
