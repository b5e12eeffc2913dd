package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/config"
	"github.com/tonimelisma/tasksync/internal/sync"
)

// Daemon state constants for status reporting.
const (
	daemonStateRunning = "running"
	daemonStateStopped = "stopped"
)

// stateDB is the state database opened for a read-mostly command.
type stateDB struct {
	db     *sql.DB
	store  *sync.Store
	ledger *sync.Ledger
}

func (s *stateDB) Close() error { return s.db.Close() }

// openState opens the configured state database without starting an engine.
func openState(ctx context.Context, cc *CLIContext) (*stateDB, error) {
	db, err := sync.OpenDB(ctx, cc.Cfg.Config().StateDB, cc.Logger)
	if err != nil {
		return nil, err
	}

	return &stateDB{
		db:     db,
		store:  sync.NewStore(db, cc.Logger),
		ledger: sync.NewLedger(db, cc.Logger),
	}, nil
}

// lookupRepoID maps an owner/name to its row id. An empty name means all
// repos (0).
func (s *stateDB) lookupRepoID(ctx context.Context, fullName string) (int64, error) {
	if fullName == "" {
		return 0, nil
	}

	repo, err := s.store.GetRepoByName(ctx, fullName)
	if err != nil {
		return 0, fmt.Errorf("repo %q: %w", fullName, err)
	}

	return repo.ID, nil
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and per-repo sync status",
		Long: `Display whether the daemon is running and, for every known repo, its
full-sync state, last successful sync and ledger counts by status.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	cmd.Flags().String("pid-file", config.DefaultPIDPath(), "daemon PID lock file")

	return cmd
}

// statusOutput is the JSON form of `tasksync status`.
type statusOutput struct {
	Daemon    string       `json:"daemon"`
	DaemonPID int          `json:"daemon_pid,omitempty"`
	StateDB   string       `json:"state_db"`
	Repos     []statusRepo `json:"repos"`
}

// statusRepo holds status information for a single repo.
type statusRepo struct {
	FullName   string         `json:"full_name"`
	Enabled    bool           `json:"enabled"`
	SyncStatus string         `json:"sync_status"`
	SyncError  string         `json:"sync_error,omitempty"`
	LastSyncAt string         `json:"last_sync_at,omitempty"`
	Events     map[string]int `json:"events"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	pidPath, err := cmd.Flags().GetString("pid-file")
	if err != nil {
		return err
	}

	out := statusOutput{Daemon: daemonStateStopped, StateDB: cc.Cfg.Config().StateDB}

	_, pid, err := liveDaemon(pidPath)
	switch {
	case err == nil:
		out.Daemon = daemonStateRunning
		out.DaemonPID = pid
	case !errors.Is(err, errNoDaemon):
		cc.Logger.Warn("checking daemon", slog.String("error", err.Error()))
	}

	st, err := openState(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	repos, err := st.store.ListRepos(ctx)
	if err != nil {
		return err
	}

	for i := range repos {
		r := &repos[i]

		counts, err := st.ledger.CountByStatus(ctx, r.ID)
		if err != nil {
			return err
		}

		sr := statusRepo{
			FullName:   r.FullName,
			Enabled:    r.SyncEnabled,
			SyncStatus: string(r.SyncStatus),
			SyncError:  r.SyncError,
			Events:     make(map[string]int, len(counts)),
		}

		if r.LastSyncAt != nil {
			sr.LastSyncAt = r.LastSyncAt.UTC().Format(time.RFC3339)
		}

		for status, n := range counts {
			sr.Events[string(status)] = n
		}

		out.Repos = append(out.Repos, sr)
	}

	if cc.Flags.JSON {
		if err := printJSON(os.Stdout, out); err != nil {
			return fmt.Errorf("encoding JSON output: %w", err)
		}

		return nil
	}

	printStatus(os.Stdout, &out, repos)

	return nil
}

func printStatus(w io.Writer, out *statusOutput, repos []sync.Repo) {
	if out.Daemon == daemonStateRunning {
		fmt.Fprintf(w, "Daemon:   running (PID %d)\n", out.DaemonPID)
	} else {
		fmt.Fprintln(w, "Daemon:   stopped")
	}

	fmt.Fprintf(w, "State DB: %s\n\n", out.StateDB)

	if len(out.Repos) == 0 {
		fmt.Fprintln(w, "No repos recorded. Add a [[repo]] section to the config and run 'tasksync sync'.")
		return
	}

	headers := []string{"REPO", "ENABLED", "STATE", "LAST SYNC", "PENDING", "FAILED", "CONFLICTS", "ERROR"}
	rows := make([][]string, len(out.Repos))

	for i := range out.Repos {
		sr := &out.Repos[i]

		rows[i] = []string{
			sr.FullName,
			strconv.FormatBool(sr.Enabled),
			sr.SyncStatus,
			formatTimePtr(repos[i].LastSyncAt),
			strconv.Itoa(sr.Events[string(sync.StatusPending)] + sr.Events[string(sync.StatusProcessing)]),
			strconv.Itoa(sr.Events[string(sync.StatusFailed)]),
			strconv.Itoa(sr.Events[string(sync.StatusConflict)]),
			orDash(truncate(sr.SyncError, maxCellWidth)),
		}
	}

	printTable(w, headers, rows)
}
