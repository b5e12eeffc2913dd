package beads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tasksync/internal/issue"
)

// fakeBD is an in-memory stand-in for the bd command.
type fakeBD struct {
	mu     sync.Mutex
	issues map[string]*Issue
	next   int
	calls  [][]string
	arrays bool
}

func newFakeBD() *fakeBD {
	return &fakeBD{issues: make(map[string]*Issue), next: 1}
}

func (f *fakeBD) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, args)

	flags := map[string]string{}
	var pos []string

	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "--") {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				flags[args[i]] = args[i+1]
				i++
			} else {
				flags[args[i]] = ""
			}

			continue
		}

		pos = append(pos, args[i])
	}

	switch pos[0] {
	case "list":
		out := make([]*Issue, 0, len(f.issues))
		for _, is := range f.issues {
			out = append(out, is)
		}

		return json.Marshal(out)
	case "show":
		is, ok := f.issues[pos[1]]
		if !ok {
			return nil, &CommandError{Args: args, Stderr: "Error: issue " + pos[1] + " not found", Err: errors.New("exit status 1")}
		}

		if f.arrays {
			return json.Marshal([]*Issue{is})
		}

		return json.Marshal(is)
	case "create":
		id := "bd-" + strconv.Itoa(f.next)
		f.next++

		is := &Issue{ID: id, Title: pos[1], Status: "open", UpdatedAt: time.Now().UTC()}
		f.apply(is, flags)

		if l := flags["--labels"]; l != "" {
			is.Labels = strings.Split(l, ",")
		}

		f.issues[id] = is

		return json.Marshal(is)
	case "update":
		is := f.issues[pos[1]]
		f.apply(is, flags)

		if st, ok := flags["--status"]; ok {
			is.Status = st
		}

		return nil, nil
	case "close":
		f.issues[pos[1]].Status = "closed"
		return nil, nil
	case "reopen":
		f.issues[pos[1]].Status = "open"
		return nil, nil
	case "label":
		is := f.issues[pos[2]]
		if pos[1] == "add" {
			is.Labels = append(is.Labels, pos[3])
		} else {
			is.Labels = slices.DeleteFunc(is.Labels, func(l string) bool { return l == pos[3] })
		}

		return nil, nil
	}

	return nil, fmt.Errorf("unexpected bd call %v", args)
}

func (f *fakeBD) apply(is *Issue, flags map[string]string) {
	if v, ok := flags["--title"]; ok {
		is.Title = v
	}

	if v, ok := flags["--description"]; ok {
		is.Description = v
	}

	if v, ok := flags["--priority"]; ok {
		is.Priority, _ = strconv.Atoi(v)
	}

	if v, ok := flags["--assignee"]; ok {
		is.Assignee = v
	}

	if v, ok := flags["--external-ref"]; ok {
		is.ExternalRef = &v
	}

	is.UpdatedAt = time.Now().UTC()
}

func (f *fakeBD) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.calls {
		out = append(out, strings.Join(c[:min(2, len(c))], " "))
	}

	return out
}

func newTestStore(bd *fakeBD) *Store {
	return NewStore(bd, "/repo", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStore_CreateRoundTrip(t *testing.T) {
	t.Parallel()

	bd := newFakeBD()
	s := newTestStore(bd)

	snap := issue.Snapshot{
		Title:        "Write docs",
		Description:  "All of them",
		Status:       issue.StatusInProgress,
		Priority:     1,
		Labels:       []string{"docs"},
		Assignee:     "ada",
		MilestoneRef: "v1.0",
		Links:        issue.Links{GitHubNumber: 17},
	}

	got, err := s.Upsert(t.Context(), "", snap)
	require.NoError(t, err)

	assert.Equal(t, "bd-1", got.ExternalRef)
	assert.Equal(t, issue.SourceBeads, got.Source)
	assert.Equal(t, snap.Hash(), got.Hash())
	assert.Equal(t, 17, got.Links.GitHubNumber)
	assert.Equal(t, "bd-1", got.Links.BeadsID)
	assert.Equal(t, []string{"docs"}, got.Labels)
	assert.Equal(t, "v1.0", got.MilestoneRef)
	assert.ElementsMatch(t, []string{"docs", "milestone:v1.0"}, bd.issues["bd-1"].Labels)
}

func TestStore_UpdateStatusTransitions(t *testing.T) {
	t.Parallel()

	bd := newFakeBD()
	s := newTestStore(bd)

	created, err := s.Upsert(t.Context(), "", issue.Snapshot{Title: "t", Labels: []string{"a", "b"}})
	require.NoError(t, err)

	closed, err := s.Upsert(t.Context(), created.ExternalRef, issue.Snapshot{Title: "t", Status: issue.StatusClosed, Labels: []string{"b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, issue.StatusClosed, closed.Status)
	assert.Equal(t, []string{"b", "c"}, closed.Labels)

	blocked, err := s.Upsert(t.Context(), created.ExternalRef, issue.Snapshot{Title: "t", Status: issue.StatusBlocked, Labels: []string{"b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, issue.StatusBlocked, blocked.Status)

	cmds := bd.commands()
	assert.Contains(t, cmds, "close bd-1")
	assert.Contains(t, cmds, "reopen bd-1")
	assert.Contains(t, cmds, "label add")
	assert.Contains(t, cmds, "label remove")
}

func TestStore_SnapshotNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(newFakeBD())

	_, err := s.Snapshot(t.Context(), "bd-404")
	assert.ErrorIs(t, err, issue.ErrNotFound)

	_, err = s.Upsert(t.Context(), "bd-404", issue.Snapshot{Title: "x"})
	assert.ErrorIs(t, err, issue.ErrNotFound)
}

func TestStore_ShowArrayOutput(t *testing.T) {
	t.Parallel()

	bd := newFakeBD()
	bd.arrays = true
	s := newTestStore(bd)

	created, err := s.Upsert(t.Context(), "", issue.Snapshot{Title: "array form"})
	require.NoError(t, err)
	assert.Equal(t, "array form", created.Title)
}

func TestStore_ListChangedSince(t *testing.T) {
	t.Parallel()

	bd := newFakeBD()
	s := newTestStore(bd)

	bd.issues["bd-old"] = &Issue{ID: "bd-old", Title: "old", Status: "closed", UpdatedAt: time.Now().Add(-48 * time.Hour)}
	bd.issues["bd-new"] = &Issue{ID: "bd-new", Title: "new", Status: "deferred", UpdatedAt: time.Now()}

	all, err := s.ListChangedSince(t.Context(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	recent, err := s.ListChangedSince(t.Context(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "bd-new", recent[0].ExternalRef)
	assert.Equal(t, issue.StatusOpen, recent[0].Status)
}

func TestParseExternalRef(t *testing.T) {
	t.Parallel()

	n, ok := ParseExternalRef("gh-42")
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	for _, bad := range []string{"", "gh-", "gh-x", "jira-1", "gh--3"} {
		_, ok := ParseExternalRef(bad)
		assert.False(t, ok, bad)
	}

	assert.Equal(t, "gh-7", ExternalRef(7))
}

func TestCommandError(t *testing.T) {
	t.Parallel()

	err := &CommandError{Args: []string{"show", "x"}, Stderr: "boom\n", Err: errors.New("exit status 1")}
	assert.Equal(t, "beads: bd show x: boom", err.Error())
	assert.False(t, isNotFound(err))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", &CommandError{Stderr: "Issue not found"})))
}
