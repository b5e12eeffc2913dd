package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/config"
	"github.com/tonimelisma/tasksync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync of every enabled repo",
		Long: `Run a one-shot full sync between task files, beads and GitHub Issues.

If the daemon is running, sync asks it for an immediate full sync (SIGHUP)
instead of opening the state database a second time. Use --local to refuse
that hand-off and fail when a daemon is up.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().String("pid-file", config.DefaultPIDPath(), "daemon PID lock file")
	cmd.Flags().Bool("local", false, "never signal a running daemon")

	return cmd
}

// syncResultJSON is the JSON form of one repo's full sync.
type syncResultJSON struct {
	Repo string `json:"repo"`
	sync.FullSyncResult
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	pidPath, err := cmd.Flags().GetString("pid-file")
	if err != nil {
		return err
	}

	localOnly, err := cmd.Flags().GetBool("local")
	if err != nil {
		return err
	}

	pid, err := sendSIGHUPUnless(localOnly, pidPath)
	switch {
	case err == nil:
		cc.Statusf("Requested full sync from running daemon (PID %d)\n", pid)
		return nil
	case !errors.Is(err, errNoDaemon):
		return err
	}

	ctx := cmd.Context()

	engine, err := sync.NewEngine(ctx, &sync.EngineConfig{Config: cc.Cfg.Config(), Logger: cc.Logger})
	if err != nil {
		return err
	}
	defer engine.Close()

	results, runErr := engine.RunOnce(ctx)

	names := make(map[int64]string, len(engine.Repos()))
	for _, r := range engine.Repos() {
		names[r.ID] = r.FullName
	}

	if cc.Flags.JSON {
		out := make([]syncResultJSON, len(results))
		for i := range results {
			out[i] = syncResultJSON{Repo: names[results[i].RepoID], FullSyncResult: results[i]}
		}

		if err := printJSON(os.Stdout, out); err != nil {
			return fmt.Errorf("encoding JSON output: %w", err)
		}
	} else {
		printSyncResults(os.Stdout, results, names)
	}

	return runErr
}

// sendSIGHUPUnless signals the daemon unless localOnly is set, in which case
// a live daemon is an error.
func sendSIGHUPUnless(localOnly bool, pidPath string) (int, error) {
	if !localOnly {
		return sendSIGHUP(pidPath)
	}

	_, pid, err := liveDaemon(pidPath)
	if err != nil {
		return pid, err
	}

	return pid, fmt.Errorf("daemon is running (PID %d); stop it or drop --local", pid)
}

func printSyncResults(w io.Writer, results []sync.FullSyncResult, names map[int64]string) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No enabled repos.")
		return
	}

	headers := []string{"REPO", "CHANGES", "PROCESSED", "DUPLICATES", "ECHOES", "CONFLICTS", "FAILED", "DURATION"}
	rows := make([][]string, len(results))

	for i := range results {
		r := &results[i]

		changes := strconv.Itoa(r.Changes)
		if r.Truncated {
			changes += " (truncated)"
		}

		rows[i] = []string{
			names[r.RepoID],
			changes,
			strconv.Itoa(r.Processed),
			strconv.Itoa(r.Duplicates),
			strconv.Itoa(r.Echoes),
			strconv.Itoa(r.Conflicts),
			strconv.Itoa(r.Failed),
			formatDuration(r.Duration),
		}
	}

	printTable(w, headers, rows)
}
