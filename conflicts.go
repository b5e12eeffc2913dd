package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/tasksync/internal/sync"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Long: `Display every ledger event held in conflict status.

A conflict is recorded when two stores changed the same issue since the last
sync and the conflict policy is manual. Use 'tasksync resolve' to settle one.`,
		Args: cobra.NoArgs,
		RunE: runConflicts,
	}

	cmd.Flags().String("repo", "", "only conflicts of this repo (owner/name)")

	return cmd
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	repoName, err := cmd.Flags().GetString("repo")
	if err != nil {
		return err
	}

	st, err := openState(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	repoID, err := st.lookupRepoID(ctx, repoName)
	if err != nil {
		return err
	}

	names, err := st.repoNames(ctx)
	if err != nil {
		return err
	}

	conflicts, err := st.ledger.ListConflicts(ctx, repoID)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if err := printJSON(os.Stdout, toEventsJSON(conflicts, names)); err != nil {
			return fmt.Errorf("encoding JSON output: %w", err)
		}

		return nil
	}

	if len(conflicts) == 0 {
		fmt.Println("No unresolved conflicts.")
		return nil
	}

	printConflictsTable(os.Stdout, conflicts, names)

	return nil
}

func printConflictsTable(w io.Writer, conflicts []sync.SyncEvent, names map[int64]string) {
	headers := []string{"ID", "REPO", "ISSUE", "SOURCE", "SUBJECT", "DETECTED"}
	rows := make([][]string, len(conflicts))

	for i := range conflicts {
		c := &conflicts[i]

		rows[i] = []string{
			strconv.FormatInt(c.ID, 10),
			orDash(names[c.RepoID]),
			orDash(c.IssueID),
			string(c.Source),
			truncate(c.Subject, maxCellWidth),
			formatTime(c.CreatedAt),
		}
	}

	printTable(w, headers, rows)
}
