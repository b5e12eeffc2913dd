package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tasksync/internal/github"
	"github.com/tonimelisma/tasksync/internal/issue"
)

// listingAdapter wraps a fake and returns err alongside every listing.
type listingAdapter struct {
	*fakeAdapter
	err error
}

func (l *listingAdapter) ListChangedSince(ctx context.Context, since time.Time) ([]issue.Snapshot, error) {
	snaps, _ := l.fakeAdapter.ListChangedSince(ctx, since)

	return snaps, l.err
}

func newTestFullSyncer(env *testEnv, reg *Registry, orch *Orchestrator) *FullSyncer {
	fs := NewFullSyncer(env.store, env.ledger, reg, orch, 2, time.Minute, testLogger())
	fs.nowFunc = env.clock.Now

	return fs
}

// pagedAdapter lists like the GitHub API: inclusive of since, oldest first,
// and cut off after limit items.
type pagedAdapter struct {
	*fakeAdapter
	limit int
}

func (p *pagedAdapter) ListChangedSince(_ context.Context, since time.Time) ([]issue.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []issue.Snapshot

	for _, snap := range p.items {
		if !snap.UpdatedAt.Before(since) {
			out = append(out, snap)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })

	if len(out) > p.limit {
		return out[:p.limit], fmt.Errorf("github: listing issues: %w", github.ErrTruncated)
	}

	return out, nil
}

// withListingError rebuilds the registry of env with github wrapped.
func withListingError(t *testing.T, env *testEnv, err error) (*Registry, *Orchestrator) {
	t.Helper()

	return withGitHubAdapter(t, env, &listingAdapter{fakeAdapter: env.gh, err: err})
}

// withGitHubAdapter rebuilds the registry of env with gh in place of the
// github fake.
func withGitHubAdapter(t *testing.T, env *testEnv, gh Adapter) (*Registry, *Orchestrator) {
	t.Helper()

	reg := NewRegistry()
	reg.Register(env.repo.ID, gh)
	reg.Register(env.repo.ID, env.beads)
	reg.Register(env.repo.ID, env.local)
	reg.Freeze()

	orch := NewOrchestrator(env.ledger, env.store, reg, OrchestratorOptions{}, testLogger())
	orch.nowFunc = env.clock.Now

	return reg, orch
}

func TestFullSync_PropagatesAndAdvancesCursor(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, OrchestratorOptions{})
	ctx := t.Context()

	for i, title := range []string{"One", "Two", "Three"} {
		env.gh.put(fmt.Sprint(i+1), baseSnapshot(title))
	}

	fs := newTestFullSyncer(env, env.reg, env.orch)

	res, err := fs.Run(ctx, env.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Changes)
	assert.Equal(t, 3, res.Processed)
	assert.Zero(t, res.Failed)
	assert.False(t, res.Truncated)
	assert.NotEmpty(t, res.RunID)

	issues, err := env.store.ListIssues(ctx, env.repo.ID)
	require.NoError(t, err)
	assert.Len(t, issues, 3)

	repo, err := env.store.GetRepo(ctx, env.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, RepoIdle, repo.SyncStatus)
	require.NotNil(t, repo.LastSyncAt)
	assert.True(t, repo.LastSyncAt.Equal(env.clock.Now()))

	row, err := env.ledger.Get(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, EventSyncFull, row.Type)
	assert.Equal(t, StatusCompleted, row.Status)

	// Nothing changed since the cursor.
	env.clock.Advance(time.Minute)

	res, err = fs.Run(ctx, env.repo.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Changes)

	// A later edit is the only change picked up.
	env.clock.Advance(time.Minute)
	env.gh.edit("2", func(s *issue.Snapshot) { s.Title = "Two (edited)" })

	res, err = fs.Run(ctx, env.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changes)
	assert.Equal(t, 1, res.Processed)
}

func TestFullSync_RefusesConcurrentAndDisabled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, OrchestratorOptions{})
	ctx := t.Context()
	fs := newTestFullSyncer(env, env.reg, env.orch)

	require.NoError(t, env.store.BeginFullSync(ctx, env.repo.ID))

	_, err := fs.Run(ctx, env.repo.ID)
	require.ErrorIs(t, err, ErrAlreadySyncing)

	require.NoError(t, env.store.FinishFullSync(ctx, env.repo.ID, time.Time{}, nil))
	require.NoError(t, env.store.SetRepoEnabled(ctx, env.repo.ID, false))

	_, err = fs.Run(ctx, env.repo.ID)
	require.ErrorIs(t, err, ErrRepoDisabled)

	_, err = fs.Run(ctx, env.repo.ID+100)
	require.ErrorIs(t, err, ErrRepoNotFound)
}

func TestFullSync_TruncatedListingResumes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, OrchestratorOptions{})
	ctx := t.Context()

	for i, title := range []string{"One", "Two", "Three"} {
		env.clock.Advance(time.Minute)
		env.gh.put(strconv.Itoa(i+1), baseSnapshot(title))
	}

	second, _ := env.gh.get("2")

	reg, orch := withGitHubAdapter(t, env, &pagedAdapter{fakeAdapter: env.gh, limit: 2})
	fs := newTestFullSyncer(env, reg, orch)

	res, err := fs.Run(ctx, env.repo.ID)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, []string{"One", "Two"}, env.local.titles())

	repo, err := env.store.GetRepo(ctx, env.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, RepoIdle, repo.SyncStatus)
	require.NotNil(t, repo.LastSyncAt)
	assert.True(t, repo.LastSyncAt.Equal(second.UpdatedAt), "cursor stops at the newest listed issue")

	env.clock.Advance(time.Minute)

	_, err = fs.Run(ctx, env.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"One", "Three", "Two"}, env.local.titles())
	assert.Equal(t, []string{"One", "Three", "Two"}, env.beads.titles())

	repo, err = env.store.GetRepo(ctx, env.repo.ID)
	require.NoError(t, err)
	require.NotNil(t, repo.LastSyncAt)
	assert.True(t, repo.LastSyncAt.After(second.UpdatedAt), "cursor moves on across runs")
}

func TestResumeCursor(t *testing.T) {
	t.Parallel()

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &Repo{LastSyncAt: &since}

	tests := []struct {
		name     string
		repo     *Repo
		resumeAt time.Time
		want     time.Time
	}{
		{"progress", repo, since.Add(time.Hour), since.Add(time.Hour)},
		{"first run", &Repo{}, since, since},
		{"nothing listed keeps cursor", repo, time.Time{}, time.Time{}},
		{"stuck window is stepped past", repo, since, since.Add(time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := &FullSyncResult{Truncated: true, resumeAt: tt.resumeAt}
			assert.True(t, tt.want.Equal(resumeCursor(tt.repo, res, testLogger())))
		})
	}
}

func TestFullSync_ListingFailureMarksRepo(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, OrchestratorOptions{})
	ctx := t.Context()

	reg, orch := withListingError(t, env, errors.New("github: 502 bad gateway"))
	fs := newTestFullSyncer(env, reg, orch)

	res, err := fs.Run(ctx, env.repo.ID)
	require.Error(t, err)
	require.NotNil(t, res)

	repo, err := env.store.GetRepo(ctx, env.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, RepoError, repo.SyncStatus)
	assert.Contains(t, repo.SyncError, "502 bad gateway")

	row, err := env.ledger.Get(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, row.Status)

	// error is not sticky: the next run may start.
	require.NoError(t, env.store.BeginFullSync(ctx, env.repo.ID))
}
