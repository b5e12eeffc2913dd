package sync

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tasksync/internal/issue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := OpenDB(context.Background(), filepath.Join(t.TempDir(), "state.db"), testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

// fakeClock is a settable clock for nowFunc fields.
type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// fakeAdapter is an in-memory store. The GitHub flavour is lossy about
// status the way the real API is, and keeps only its own number as a link.
type fakeAdapter struct {
	mu      stdsync.Mutex
	src     issue.Source
	items   map[string]issue.Snapshot
	next    int
	upserts int
	reads   int
	forgets int
	failErr error
	clock   func() time.Time
}

func newFakeAdapter(src issue.Source, clock func() time.Time) *fakeAdapter {
	return &fakeAdapter{src: src, items: make(map[string]issue.Snapshot), clock: clock}
}

func (f *fakeAdapter) Name() issue.Source { return f.src }

func (f *fakeAdapter) Snapshot(_ context.Context, ref string) (*issue.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++

	snap, ok := f.items[ref]
	if !ok {
		return nil, fmt.Errorf("fake %s %s: %w", f.src, ref, issue.ErrNotFound)
	}

	return &snap, nil
}

func (f *fakeAdapter) ListChangedSince(_ context.Context, since time.Time) ([]issue.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []issue.Snapshot

	for _, snap := range f.items {
		if since.IsZero() || snap.UpdatedAt.After(since) {
			out = append(out, snap)
		}
	}

	return out, nil
}

func (f *fakeAdapter) Upsert(_ context.Context, ref string, snap issue.Snapshot) (*issue.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failErr != nil {
		return nil, f.failErr
	}

	f.upserts++

	if ref == "" {
		f.next++
		ref = f.newRef(f.next)
	}

	stored := f.project(ref, snap)
	f.items[ref] = stored

	return &stored, nil
}

func (f *fakeAdapter) newRef(n int) string {
	switch f.src {
	case issue.SourceGitHub:
		return strconv.Itoa(n)
	case issue.SourceBeads:
		return "bd-" + strconv.Itoa(n)
	default:
		return "task-" + strconv.Itoa(n) + ".md"
	}
}

func (f *fakeAdapter) project(ref string, snap issue.Snapshot) issue.Snapshot {
	snap.Source = f.src
	snap.ExternalRef = ref
	snap.UpdatedAt = f.clock()

	switch f.src {
	case issue.SourceGitHub:
		n, _ := strconv.Atoi(ref)
		snap.Links = issue.Links{GitHubNumber: n}

		if snap.Status != issue.StatusClosed {
			snap.Status = issue.StatusOpen
		}
	case issue.SourceBeads:
		snap.Links = issue.Links{GitHubNumber: snap.Links.GitHubNumber}
	}

	return snap.Normalized()
}

// put writes directly into the store, as a user editing it would.
func (f *fakeAdapter) put(ref string, snap issue.Snapshot) issue.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := f.project(ref, snap)
	f.items[ref] = stored

	return stored
}

// edit applies fn to a stored item.
func (f *fakeAdapter) edit(ref string, fn func(*issue.Snapshot)) issue.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := f.items[ref]
	fn(&snap)
	snap.UpdatedAt = f.clock()
	snap = snap.Normalized()
	f.items[ref] = snap

	return snap
}

func (f *fakeAdapter) remove(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.items, ref)
}

func (f *fakeAdapter) get(ref string) (issue.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap, ok := f.items[ref]

	return snap, ok
}

func (f *fakeAdapter) only(t *testing.T) issue.Snapshot {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	require.Len(t, f.items, 1, "%s items", f.src)

	for _, snap := range f.items {
		return snap
	}

	return issue.Snapshot{}
}

// titles returns the stored titles, sorted.
func (f *fakeAdapter) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.items))
	for _, snap := range f.items {
		out = append(out, snap.Title)
	}

	sort.Strings(out)

	return out
}

func (f *fakeAdapter) ForgetMilestones() {
	f.mu.Lock()
	f.forgets++
	f.mu.Unlock()
}

func (f *fakeAdapter) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.upserts
}

func (f *fakeAdapter) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failErr = err
}

// testEnv is a repo with three fake stores behind a real ledger and store.
type testEnv struct {
	db     *sql.DB
	clock  *fakeClock
	ledger *Ledger
	store  *Store
	reg    *Registry
	orch   *Orchestrator
	repo   *Repo

	gh    *fakeAdapter
	beads *fakeAdapter
	local *fakeAdapter
}

func newTestEnv(t *testing.T, opts OrchestratorOptions) *testEnv {
	t.Helper()

	ctx := t.Context()
	env := &testEnv{db: openTestDB(t), clock: newFakeClock()}

	env.ledger = NewLedger(env.db, testLogger())
	env.ledger.nowFunc = env.clock.Now
	env.store = NewStore(env.db, testLogger())
	env.store.nowFunc = env.clock.Now

	repo, err := env.store.ConfigureRepo(ctx, "acme/widgets", t.TempDir(), "", true)
	require.NoError(t, err)
	env.repo = repo

	env.gh = newFakeAdapter(issue.SourceGitHub, env.clock.Now)
	env.beads = newFakeAdapter(issue.SourceBeads, env.clock.Now)
	env.local = newFakeAdapter(issue.SourceLocal, env.clock.Now)

	env.reg = NewRegistry()
	env.reg.Register(repo.ID, env.gh)
	env.reg.Register(repo.ID, env.beads)
	env.reg.Register(repo.ID, env.local)
	env.reg.Freeze()

	env.orch = NewOrchestrator(env.ledger, env.store, env.reg, opts, testLogger())
	env.orch.nowFunc = env.clock.Now

	var ids atomic.Int64
	env.orch.newID = func() string {
		return "issue-" + strconv.FormatInt(ids.Add(1), 10)
	}

	return env
}

func baseSnapshot(title string) issue.Snapshot {
	return issue.Snapshot{
		Title:       title,
		Description: "details for " + strings.ToLower(title),
		Status:      issue.StatusOpen,
		Priority:    2,
		Labels:      []string{"bug"},
	}
}

// change builds the ChangeEvent an observer would report for a stored item.
func (env *testEnv) change(a *fakeAdapter, ref string, kind ChangeKind, action string) ChangeEvent {
	ev := ChangeEvent{
		RepoID:      env.repo.ID,
		Source:      a.src,
		Kind:        kind,
		ExternalRef: ref,
		Action:      action,
	}

	if snap, ok := a.get(ref); ok {
		ev.Snapshot = &snap
	}

	return ev
}

func (env *testEnv) handle(t *testing.T, ev ChangeEvent) *Outcome {
	t.Helper()

	out, err := env.orch.Handle(t.Context(), ev)
	require.NoError(t, err)

	return out
}

func (env *testEnv) countEvents(t *testing.T) int {
	t.Helper()

	var n int
	require.NoError(t, env.db.QueryRowContext(t.Context(), `SELECT COUNT(*) FROM sync_events`).Scan(&n))

	return n
}
