package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/sync"
)

// defaultEventLimit bounds `tasksync events` when --limit is not given.
const defaultEventLimit = 50

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent ledger events",
		Long: `Display sync events from the ledger, newest first.

Filter by repo, status or event type, or show the full history of one
canonical issue with --issue.`,
		Args: cobra.NoArgs,
		RunE: runEvents,
	}

	cmd.Flags().String("repo", "", "only events of this repo (owner/name)")
	cmd.Flags().String("issue", "", "history of one canonical issue id")
	cmd.Flags().String("status", "", "only events with this status (pending, processing, completed, failed, conflict)")
	cmd.Flags().String("type", "", "only events of this type (e.g. issue.updated)")
	cmd.Flags().Int("limit", defaultEventLimit, "maximum number of events (0 = no limit)")

	cmd.MarkFlagsMutuallyExclusive("issue", "repo")
	cmd.MarkFlagsMutuallyExclusive("issue", "status")
	cmd.MarkFlagsMutuallyExclusive("issue", "type")

	return cmd
}

// eventJSON is the JSON-serializable representation of a ledger row.
type eventJSON struct {
	ID          int64  `json:"id"`
	Type        string `json:"event_type"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Source      string `json:"source"`
	Repo        string `json:"repo,omitempty"`
	IssueID     string `json:"issue_id,omitempty"`
	Subject     string `json:"subject"`
	RetryCount  int    `json:"retry_count"`
	RetryOf     int64  `json:"retry_of,omitempty"`
	DuplicateOf int64  `json:"duplicate_of,omitempty"`
	Resolution  string `json:"conflict_resolution,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	ProcessedAt string `json:"processed_at,omitempty"`
}

func runEvents(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)
	flags := cmd.Flags()

	repoName, _ := flags.GetString("repo")
	issueID, _ := flags.GetString("issue")
	status, _ := flags.GetString("status")
	evType, _ := flags.GetString("type")

	limit, err := flags.GetInt("limit")
	if err != nil {
		return err
	}

	if err := validateStatusFilter(status); err != nil {
		return err
	}

	st, err := openState(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	names, err := st.repoNames(ctx)
	if err != nil {
		return err
	}

	var events []sync.SyncEvent

	if issueID != "" {
		events, err = st.ledger.ListForIssue(ctx, issueID, limit)
	} else {
		repoID, lookupErr := st.lookupRepoID(ctx, repoName)
		if lookupErr != nil {
			return lookupErr
		}

		events, err = st.ledger.ListRecent(ctx, sync.ListFilter{
			RepoID: repoID,
			Status: sync.EventStatus(status),
			Type:   sync.EventType(evType),
			Limit:  limit,
		})
	}

	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if err := printJSON(os.Stdout, toEventsJSON(events, names)); err != nil {
			return fmt.Errorf("encoding JSON output: %w", err)
		}

		return nil
	}

	if len(events) == 0 {
		fmt.Println("No matching events.")
		return nil
	}

	printEventsTable(os.Stdout, events, names)

	return nil
}

func validateStatusFilter(status string) error {
	switch sync.EventStatus(status) {
	case "", sync.StatusPending, sync.StatusProcessing, sync.StatusCompleted, sync.StatusFailed, sync.StatusConflict:
		return nil
	default:
		return fmt.Errorf("unknown status %q (want pending, processing, completed, failed or conflict)", status)
	}
}

// repoNames maps repo row ids to owner/name for display.
func (s *stateDB) repoNames(ctx context.Context) (map[int64]string, error) {
	repos, err := s.store.ListRepos(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[int64]string, len(repos))
	for _, r := range repos {
		names[r.ID] = r.FullName
	}

	return names, nil
}

func toEventsJSON(events []sync.SyncEvent, names map[int64]string) []eventJSON {
	items := make([]eventJSON, len(events))

	for i := range events {
		ev := &events[i]
		items[i] = eventJSON{
			ID:          ev.ID,
			Type:        string(ev.Type),
			Status:      string(ev.Status),
			Direction:   string(ev.Direction),
			Source:      string(ev.Source),
			Repo:        names[ev.RepoID],
			IssueID:     ev.IssueID,
			Subject:     ev.Subject,
			RetryCount:  ev.RetryCount,
			RetryOf:     ev.RetryOf,
			DuplicateOf: ev.DuplicateOf,
			Resolution:  string(ev.ConflictResolution),
			Error:       ev.Error,
			CreatedAt:   ev.CreatedAt.UTC().Format(time.RFC3339),
		}

		if ev.ProcessedAt != nil {
			items[i].ProcessedAt = ev.ProcessedAt.UTC().Format(time.RFC3339)
		}
	}

	return items
}

func printEventsTable(w io.Writer, events []sync.SyncEvent, names map[int64]string) {
	headers := []string{"ID", "TYPE", "STATUS", "SOURCE", "REPO", "SUBJECT", "CREATED", "ERROR"}
	rows := make([][]string, len(events))

	for i := range events {
		ev := &events[i]

		status := string(ev.Status)
		if ev.DuplicateOf != 0 {
			status += " (dup of " + strconv.FormatInt(ev.DuplicateOf, 10) + ")"
		}

		rows[i] = []string{
			strconv.FormatInt(ev.ID, 10),
			string(ev.Type),
			status,
			orDash(string(ev.Source)),
			orDash(names[ev.RepoID]),
			truncate(ev.Subject, maxCellWidth),
			formatTime(ev.CreatedAt),
			orDash(truncate(ev.Error, maxCellWidth)),
		}
	}

	printTable(w, headers, rows)
}
