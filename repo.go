package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/config"
)

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage the repositories in the config file",
		Long: `Add, enable, disable, remove and list the [[repo]] tables of the config
file. Changes take effect the next time the daemon starts.`,
	}

	cmd.AddCommand(newRepoListCmd())
	cmd.AddCommand(newRepoAddCmd())
	cmd.AddCommand(newRepoToggleCmd("enable", "Enable sync for a repository", true))
	cmd.AddCommand(newRepoToggleCmd("disable", "Disable sync for a repository", false))
	cmd.AddCommand(newRepoRemoveCmd())

	return cmd
}

func newRepoListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			repos := cc.Cfg.Config().Repos

			if cc.Flags.JSON {
				return printJSON(os.Stdout, repos)
			}

			if len(repos) == 0 {
				fmt.Println("No repos configured. Run 'tasksync repo add owner/name --sync-path DIR'.")
				return nil
			}

			headers := []string{"REPO", "ENABLED", "SYNC PATH", "BEADS DIR"}
			rows := make([][]string, len(repos))

			for i := range repos {
				r := &repos[i]
				rows[i] = []string{r.FullName, strconv.FormatBool(r.IsEnabled()), r.SyncPath, orDash(r.BeadsDir)}
			}

			printTable(os.Stdout, headers, rows)

			return nil
		},
	}
}

func newRepoAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add owner/name",
		Short: "Add a repository to the config file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRepoAdd,
	}

	cmd.Flags().String("sync-path", "", "directory of markdown task files (required)")
	cmd.Flags().String("beads-dir", "", "beads workspace directory (optional)")
	cmd.Flags().Bool("disabled", false, "add the repo with sync disabled")

	_ = cmd.MarkFlagRequired("sync-path")

	return cmd
}

func runRepoAdd(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	flags := cmd.Flags()

	syncPath, _ := flags.GetString("sync-path")
	beadsDir, _ := flags.GetString("beads-dir")
	disabled, _ := flags.GetBool("disabled")

	rc := &config.RepoConfig{FullName: args[0], SyncPath: absPath(syncPath), BeadsDir: absPath(beadsDir)}
	if disabled {
		enabled := false
		rc.Enabled = &enabled
	}

	candidate := *cc.Cfg.Config()
	candidate.Repos = append(append([]config.RepoConfig(nil), candidate.Repos...), *rc)

	if err := config.Validate(&candidate); err != nil {
		return err
	}

	if err := config.AppendRepoSection(cc.Cfg.Path(), rc); err != nil {
		return err
	}

	cc.Statusf("Added %s (tasks in %s) to %s\n", rc.FullName, rc.SyncPath, cc.Cfg.Path())

	return nil
}

func newRepoToggleCmd(verb, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " owner/name",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := config.SetRepoKey(cc.Cfg.Path(), args[0], "enabled", strconv.FormatBool(enabled)); err != nil {
				return err
			}

			cc.Statusf("%s: enabled = %t\n", args[0], enabled)

			return nil
		},
	}
}

func newRepoRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove owner/name",
		Short: "Remove a repository from the config file",
		Long: `Remove a repository's [[repo]] table. Task files, the beads workspace
and the repo's history in the state database are left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := config.DeleteRepoSection(cc.Cfg.Path(), args[0]); err != nil {
				return err
			}

			cc.Statusf("Removed %s from %s\n", args[0], cc.Cfg.Path())

			return nil
		},
	}
}

// absPath makes p absolute so the config does not depend on the working
// directory of the command that wrote it. Empty and ~ paths pass through.
func absPath(p string) string {
	if p == "" || p[0] == '~' || filepath.IsAbs(p) {
		return p
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}

	return abs
}
