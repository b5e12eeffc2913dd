package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tasksync/internal/config"
	"github.com/tonimelisma/tasksync/internal/issue"
	"github.com/tonimelisma/tasksync/internal/webhook"
)

const testSecret = "s3cret"

// engineFakes records the fake stores the factory handed out per repo.
type engineFakes struct {
	mu     stdsync.Mutex
	byRepo map[string][]*fakeAdapter
}

func (f *engineFakes) factory(repo *Repo, _ *config.RepoConfig) ([]Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fakes := []*fakeAdapter{
		newFakeAdapter(issue.SourceGitHub, time.Now),
		newFakeAdapter(issue.SourceBeads, time.Now),
		newFakeAdapter(issue.SourceLocal, time.Now),
	}
	f.byRepo[repo.FullName] = fakes

	out := make([]Adapter, 0, len(fakes))
	for _, a := range fakes {
		out = append(out, a)
	}

	return out, nil
}

func (f *engineFakes) get(repo string, src issue.Source) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.byRepo[repo] {
		if a.src == src {
			return a
		}
	}

	return nil
}

func hasTitle(a *fakeAdapter, title string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, snap := range a.items {
		if snap.Title == title {
			return true
		}
	}

	return false
}

func newTestEngine(t *testing.T) (*Engine, *engineFakes) {
	t.Helper()

	disabled := false

	cfg := config.DefaultConfig()
	cfg.StateDB = filepath.Join(t.TempDir(), "state.db")
	cfg.Server.WebhookSecret = testSecret
	cfg.Sync.PollInterval = "1h"
	cfg.Repos = []config.RepoConfig{
		{FullName: "acme/widgets", SyncPath: t.TempDir()},
		{FullName: "acme/archive", SyncPath: t.TempDir(), Enabled: &disabled},
	}

	fakes := &engineFakes{byRepo: make(map[string][]*fakeAdapter)}

	e, err := NewEngine(t.Context(), &EngineConfig{Config: cfg, Logger: testLogger(), Factory: fakes.factory})
	require.NoError(t, err)

	t.Cleanup(func() { _ = e.Close() })

	return e, fakes
}

func TestNewEngine_RegistersEnabledRepos(t *testing.T) {
	t.Parallel()

	e, fakes := newTestEngine(t)

	require.Len(t, e.Repos(), 1)
	assert.Equal(t, "acme/widgets", e.Repos()[0].FullName)
	assert.Nil(t, fakes.get("acme/archive", issue.SourceGitHub), "no adapters for a disabled repo")

	repos, err := e.Store().ListRepos(t.Context())
	require.NoError(t, err)
	assert.Len(t, repos, 2)
}

func TestNewEngine_DisablesReposDroppedFromConfig(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	_, err := NewStore(db, testLogger()).ConfigureRepo(t.Context(), "acme/retired", t.TempDir(), "", true)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Sync.PollInterval = "1h"
	cfg.Repos = []config.RepoConfig{{FullName: "acme/widgets", SyncPath: t.TempDir()}}

	fakes := &engineFakes{byRepo: make(map[string][]*fakeAdapter)}

	e, err := NewEngine(t.Context(), &EngineConfig{Config: cfg, Logger: testLogger(), Factory: fakes.factory, DB: db})
	require.NoError(t, err)

	t.Cleanup(func() { _ = e.Close() })

	require.Len(t, e.Repos(), 1)
	assert.Equal(t, "acme/widgets", e.Repos()[0].FullName)
	assert.Nil(t, fakes.get("acme/retired", issue.SourceGitHub))

	retired, err := e.Store().GetRepoByName(t.Context(), "acme/retired")
	require.NoError(t, err)
	assert.False(t, retired.SyncEnabled)
}

func TestNewEngine_RejectsUnknownPolicy(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Sync.ConflictPolicy = "newest_wins"

	_, err := NewEngine(t.Context(), &EngineConfig{Config: cfg, Logger: testLogger(), DB: openTestDB(t)})
	require.Error(t, err)
}

func TestEngine_RunOnce(t *testing.T) {
	t.Parallel()

	e, fakes := newTestEngine(t)
	ctx := t.Context()

	gh := fakes.get("acme/widgets", issue.SourceGitHub)
	gh.put("1", baseSnapshot("Crash on save"))
	gh.put("2", baseSnapshot("Slow startup"))

	results, err := e.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Processed)

	local := fakes.get("acme/widgets", issue.SourceLocal)
	_, ok := local.get("task-1.md")
	assert.True(t, ok)

	counts, err := e.Ledger().CountByStatus(ctx, e.Repos()[0].ID)
	require.NoError(t, err)
	assert.Zero(t, counts[StatusPending])
	assert.Zero(t, counts[StatusProcessing])
}

func TestEngine_RunOnceProcessesLeftoverEvents(t *testing.T) {
	t.Parallel()

	e, fakes := newTestEngine(t)
	ctx := t.Context()
	repo := e.Repos()[0]

	gh := fakes.get("acme/widgets", issue.SourceGitHub)
	snap := gh.put("9", baseSnapshot("Left behind"))

	// A daemon accepted this change and died mid processing.
	acc, err := e.Orchestrator().Accept(ctx, ChangeEvent{
		RepoID: repo.ID, Source: issue.SourceGitHub, Kind: ChangeCreated,
		ExternalRef: "9", Snapshot: &snap,
	})
	require.NoError(t, err)
	require.NoError(t, e.Ledger().Transition(ctx, acc.EventID, StatusProcessing, TransitionOpts{}))

	_, err = e.RunOnce(ctx)
	require.NoError(t, err)

	ev, err := e.Ledger().Get(ctx, acc.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ev.Status)
}

func TestEngine_Serve(t *testing.T) {
	t.Parallel()

	e, fakes := newTestEngine(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- e.Serve(ctx, ln, testSecret) }()

	base := "http://" + ln.Addr().String()

	var h health

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&h) == nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Repos)

	gh := fakes.get("acme/widgets", issue.SourceGitHub)
	gh.put("7", baseSnapshot("Crash on save"))

	body := []byte(`{"action":"opened",
		"issue":{"number":7,"title":"Crash on save","body":"details for crash on save","state":"open",
			"labels":[{"name":"bug"}],"updated_at":"2026-03-01T11:00:00Z"},
		"repository":{"id":1,"full_name":"acme/widgets"}}`)

	post := func(sig string) int {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/webhook", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-GitHub-Event", webhook.EventIssues)
		req.Header.Set("X-GitHub-Delivery", "delivery-1")
		req.Header.Set("X-Hub-Signature-256", sig)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post("sha256=00"))
	assert.Equal(t, http.StatusOK, post(webhook.Sign([]byte(testSecret), body)))

	local := fakes.get("acme/widgets", issue.SourceLocal)
	require.Eventually(t, func() bool {
		return hasTitle(local, "Crash on save")
	}, 5*time.Second, 20*time.Millisecond)

	// A change with no webhook is picked up by a requested full sync.
	gh.put("8", baseSnapshot("Slow startup"))
	e.TriggerSync()

	require.Eventually(t, func() bool {
		return hasTitle(local, "Slow startup")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
