package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
log_level = "debug"
log_file = "/tmp/tasksync.log"
log_format = "json"
state_db = "/tmp/tasksync.db"

[server]
listen = "0.0.0.0:9000"
webhook_secret = "s3cret"
max_body_bytes = 1048576
shutdown_timeout = "10s"

[github]
api_url = "https://ghe.example.com/api/v3"
token = "ghp_x"
per_page = 50
max_pages = 20
max_items = 500
page_timeout = "15s"
user_agent = "tasksync-test"

[sync]
conflict_policy = "manual"
debounce = "250ms"
poll_interval = "2m"
max_retries = 5
retry_backoff = "10s"
stale_grace = "1m"
sweep_interval = "30s"
sync_timeout = "5m"
adapter_timeout = "20s"
workers = 8
safety_scan_interval = "0s"

[beads]
command = "/usr/local/bin/bd"

[[repo]]
full_name = "acme/widgets"
sync_path = "/srv/tasks/widgets"
beads_dir = "/srv/widgets"

[[repo]]
full_name = "acme/gadgets"
sync_path = "/srv/tasks/gadgets"
enabled = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, int64(1048576), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 20, cfg.GitHub.MaxPages)
	assert.Equal(t, PolicyManual, cfg.Sync.ConflictPolicy)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, "/usr/local/bin/bd", cfg.Beads.Command)

	require.Len(t, cfg.Repos, 2)
	assert.True(t, cfg.Repos[0].IsEnabled())
	assert.False(t, cfg.Repos[1].IsEnabled())

	timing := cfg.Timing()
	assert.Equal(t, 250*time.Millisecond, timing.Debounce)
	assert.Equal(t, 2*time.Minute, timing.PollInterval)
	assert.Equal(t, 15*time.Second, timing.PageTimeout)
	assert.Zero(t, timing.SafetyScanInterval)
}

func TestLoad_DefaultsPreservedForUnsetKeys(t *testing.T) {
	path := writeTestConfig(t, `
[sync]
workers = 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Sync.Workers)
	assert.Equal(t, defaultConflictPolicy, cfg.Sync.ConflictPolicy)
	assert.Equal(t, defaultMaxPages, cfg.GitHub.MaxPages)
	assert.Equal(t, defaultMaxItems, cfg.GitHub.MaxItems)
	assert.Equal(t, 500*time.Millisecond, cfg.Timing().Debounce)
}

func TestLoad_UnknownKeySuggestion(t *testing.T) {
	path := writeTestConfig(t, `
[sync]
debounse = "1s"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "debounse" in [sync]`)
	assert.Contains(t, err.Error(), `did you mean "debounce"`)
}

func TestLoad_UnknownTopLevelKey(t *testing.T) {
	path := writeTestConfig(t, `log_levl = "debug"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "log_level"`)
}

func TestLoad_UnknownSection(t *testing.T) {
	path := writeTestConfig(t, `
[githb]
token = "x"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean [github]")
}

func TestLoad_UnknownRepoKey(t *testing.T) {
	path := writeTestConfig(t, `
[[repo]]
full_name = "acme/widgets"
sync_pth = "/srv/tasks"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "sync_path"`)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, `[sync`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Precedence(t *testing.T) {
	path := writeTestConfig(t, `
state_db = "/from/file.db"

[server]
webhook_secret = "file-secret"

[[repo]]
full_name = "acme/widgets"
sync_path = "~/tasks"
`)

	listen := "127.0.0.1:1234"
	db := "/from/cli.db"

	env := EnvOverrides{
		ConfigPath:    "/does/not/matter.toml",
		WebhookSecret: "env-secret",
		GitHubToken:   "env-token",
		StateDB:       "/from/env.db",
	}

	cfg, gotPath, err := Resolve(env, CLIOverrides{ConfigPath: path, StateDB: &db, Listen: &listen})
	require.NoError(t, err)

	assert.Equal(t, path, gotPath)
	assert.Equal(t, "/from/cli.db", cfg.StateDB)
	assert.Equal(t, "127.0.0.1:1234", cfg.Server.Listen)
	assert.Equal(t, "env-secret", cfg.Server.WebhookSecret)
	assert.Equal(t, "env-token", cfg.GitHub.Token)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "tasks"), cfg.Repos[0].SyncPath)
}

func TestResolve_RelativeSyncPathRejected(t *testing.T) {
	path := writeTestConfig(t, `
state_db = "/tmp/x.db"

[[repo]]
full_name = "acme/widgets"
sync_path = "tasks"
`)

	_, _, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be absolute")
}

func TestWebhookSecret_FromFile(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("from-file\n"), 0o600))

	cfg := DefaultConfig()
	cfg.Server.WebhookSecretFile = secretPath

	got, err := cfg.WebhookSecret()
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	cfg.Server.WebhookSecret = "inline"
	got, err = cfg.WebhookSecret()
	require.NoError(t, err)
	assert.Equal(t, "inline", got)
}

func TestFindRepo_CaseInsensitive(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Repos = []RepoConfig{{FullName: "Acme/Widgets", SyncPath: "/x"}}

	require.NotNil(t, cfg.FindRepo("acme/widgets"))
	assert.Nil(t, cfg.FindRepo("acme/gadgets"))
}
