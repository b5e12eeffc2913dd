package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/config"
	"github.com/tonimelisma/tasksync/internal/sync"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [event-id]",
		Short: "Resolve sync conflicts",
		Long: `Resolve conflict events with a chosen strategy.

Strategies:
  --local-wins   Re-read every store and push the local task file everywhere
  --github-wins  Re-read every store and push the GitHub issue everywhere
  --manual       Accept the stores as they are now (after fixing them by hand)

Use --all to resolve every unresolved conflict with the chosen strategy.
Without --all, a conflict event ID argument is required. The daemon must
be stopped while resolving.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runResolve,
	}

	cmd.Flags().Bool("local-wins", false, "apply the local task file to every store")
	cmd.Flags().Bool("github-wins", false, "apply the GitHub issue to every store")
	cmd.Flags().Bool("manual", false, "accept the stores as they are now")
	cmd.Flags().Bool("all", false, "resolve all unresolved conflicts")
	cmd.Flags().Bool("dry-run", false, "preview resolution without executing")
	cmd.Flags().String("pid-file", config.DefaultPIDPath(), "daemon PID lock file")

	cmd.MarkFlagsMutuallyExclusive("local-wins", "github-wins", "manual")

	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	resolution, err := resolveStrategy(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	resolveAll, _ := flags.GetBool("all")
	dryRun, _ := flags.GetBool("dry-run")

	pidPath, err := flags.GetString("pid-file")
	if err != nil {
		return err
	}

	if !resolveAll && len(args) == 0 {
		return fmt.Errorf("specify a conflict event ID, or use --all to resolve all conflicts")
	}

	if resolveAll && len(args) > 0 {
		return fmt.Errorf("--all and a specific conflict argument are mutually exclusive")
	}

	var ids []int64

	if len(args) == 1 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid event ID %q", args[0])
		}

		ids = append(ids, id)
	}

	// Per-issue locks live in the daemon's process; two writers could race.
	if _, pid, err := liveDaemon(pidPath); err == nil {
		return fmt.Errorf("daemon is running (PID %d); stop it before resolving conflicts", pid)
	} else if !errors.Is(err, errNoDaemon) {
		return err
	}

	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	engine, err := sync.NewEngine(ctx, &sync.EngineConfig{Config: cc.Cfg.Config(), Logger: cc.Logger})
	if err != nil {
		return err
	}
	defer engine.Close()

	if resolveAll {
		conflicts, err := engine.Ledger().ListConflicts(ctx, 0)
		if err != nil {
			return err
		}

		for i := range conflicts {
			ids = append(ids, conflicts[i].ID)
		}
	}

	return resolveEach(ctx, cc, engine, ids, resolution, dryRun)
}

// resolveStrategy returns the chosen resolution from flags.
func resolveStrategy(cmd *cobra.Command) (sync.Resolution, error) {
	switch {
	case cmd.Flags().Changed("local-wins"):
		return sync.ResolutionLocalWins, nil
	case cmd.Flags().Changed("github-wins"):
		return sync.ResolutionGitHubWins, nil
	case cmd.Flags().Changed("manual"):
		return sync.ResolutionManual, nil
	default:
		return "", fmt.Errorf("specify a resolution strategy: --local-wins, --github-wins, or --manual")
	}
}

// resolveEach settles ids in order and stops at the first failure.
func resolveEach(
	ctx context.Context, cc *CLIContext, engine *sync.Engine, ids []int64, resolution sync.Resolution, dryRun bool,
) error {
	if len(ids) == 0 {
		cc.Statusf("No unresolved conflicts.\n")
		return nil
	}

	for _, id := range ids {
		if dryRun {
			ev, err := engine.Ledger().Get(ctx, id)
			if err != nil {
				return fmt.Errorf("event %d: %w", id, err)
			}

			cc.Statusf("Would resolve event %d (%s) as %s\n", id, ev.Subject, resolution)

			continue
		}

		out, err := engine.Orchestrator().ResolveConflict(ctx, id, resolution)
		if err != nil {
			return fmt.Errorf("resolving event %d: %w", id, err)
		}

		cc.Statusf("Resolved event %d (issue %s) as %s\n", id, out.IssueID, resolution)
	}

	return nil
}
