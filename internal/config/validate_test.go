package config

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	cfg.Sync.ConflictPolicy = "newest_wins"
	cfg.Sync.Workers = 0
	cfg.Sync.Debounce = "soon"
	cfg.GitHub.PerPage = 500
	cfg.GitHub.MaxPages = 0
	cfg.Server.Listen = "nope"

	err := Validate(cfg)
	require.Error(t, err)

	for _, want := range []string{
		"log_level", "sync.conflict_policy", "sync.workers", "sync.debounce",
		"github.per_page", "github.max_pages", "server.listen",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_Repos(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		repos []RepoConfig
		want  string
	}{
		{"bad full name", []RepoConfig{{FullName: "widgets", SyncPath: "/x"}}, "must be owner/name"},
		{"empty owner", []RepoConfig{{FullName: "/widgets", SyncPath: "/x"}}, "must be owner/name"},
		{"missing sync path", []RepoConfig{{FullName: "acme/widgets"}}, "sync_path: must not be empty"},
		{"duplicate", []RepoConfig{
			{FullName: "acme/widgets", SyncPath: "/a"},
			{FullName: "ACME/widgets", SyncPath: "/b"},
		}, "declared more than once"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.Repos = tt.repos

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_TokenAndTokenFileExclusive(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.GitHub.Token = "x"
	cfg.GitHub.TokenFile = "/y"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestClosestMatch(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "workers", closestMatch("workrs", knownKeys["sync"]))
	assert.Empty(t, closestMatch("completely_unrelated", knownKeys["sync"]))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
	assert.Equal(t, 4, levenshtein("", "abcd"))
}

func TestRenderEffective_RedactsSecrets(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Server.WebhookSecret = "super-secret"
	cfg.GitHub.Token = "ghp_token"
	cfg.Repos = []RepoConfig{{FullName: "acme/widgets", SyncPath: "/srv/tasks"}}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, "/etc/tasksync.toml", &buf))

	out := buf.String()
	assert.NotContains(t, out, "super-secret")
	assert.NotContains(t, out, "ghp_token")
	assert.Contains(t, out, redacted)
	assert.Contains(t, out, `full_name = "acme/widgets"`)
	assert.Contains(t, out, `conflict_policy      = "github_wins"`)
}

func TestHolder(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	h := NewHolder(cfg, "/etc/tasksync.toml")

	assert.Same(t, cfg, h.Config())
	assert.Equal(t, "/etc/tasksync.toml", h.Path())
}
