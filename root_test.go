package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/tasksync/internal/config"
	"github.com/tonimelisma/tasksync/internal/tokenfile"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests must either:
//   - Set globals AFTER newRootCmd() returns (direct function tests), or
//   - Use cmd.SetArgs() + cmd.Execute() to let Cobra parse flags (integration tests).
//
// Setting a global before newRootCmd() and expecting it to survive is a bug.

// saveFlags restores the persistent flag globals when the test ends.
func saveFlags(t *testing.T) {
	t.Helper()

	oldConfigPath, oldDB, oldJSON := flagConfigPath, flagDB, flagJSON
	oldVerbose, oldQuiet := flagVerbose, flagQuiet

	t.Cleanup(func() {
		flagConfigPath, flagDB, flagJSON = oldConfigPath, oldDB, oldJSON
		flagVerbose, flagQuiet = oldVerbose, oldQuiet
	})
}

// testWorkspace is a config path, state database and PID path in a temp dir.
type testWorkspace struct {
	dir     string
	cfgPath string
	dbPath  string
	pidPath string
}

func newTestWorkspace(t *testing.T) *testWorkspace {
	t.Helper()

	dir := t.TempDir()

	return &testWorkspace{
		dir:     dir,
		cfgPath: filepath.Join(dir, "config.toml"),
		dbPath:  filepath.Join(dir, "state.db"),
		pidPath: filepath.Join(dir, "tasksync.pid"),
	}
}

// run executes the root command with the workspace's config and database.
func (w *testWorkspace) run(t *testing.T, args ...string) error {
	t.Helper()

	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--config", w.cfgPath, "--db", w.dbPath, "--quiet"}, args...))

	return cmd.Execute()
}

// --- buildLogger tests ---

func TestBuildLogger_ConfigLevel(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = false

	cfg := config.DefaultConfig()
	cfg.LogLevel = "warn"

	logger, closer, err := buildLogger(cfg)
	require.NoError(t, err)

	defer closer.Close()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLogger_VerboseOverrides(t *testing.T) {
	saveFlags(t)

	// Config says error, but --verbose should override to Debug.
	cfg := config.DefaultConfig()
	cfg.LogLevel = "error"
	flagVerbose = true
	flagQuiet = false

	logger, closer, err := buildLogger(cfg)
	require.NoError(t, err)

	defer closer.Close()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_QuietOverrides(t *testing.T) {
	saveFlags(t)

	cfg := config.DefaultConfig()
	cfg.LogLevel = "debug"
	flagVerbose = false
	flagQuiet = true

	logger, closer, err := buildLogger(cfg)
	require.NoError(t, err)

	defer closer.Close()

	// Error is enabled, but warn should not be.
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
}

func TestBuildLogger_LogFile(t *testing.T) {
	saveFlags(t)

	flagVerbose = false
	flagQuiet = false

	cfg := config.DefaultConfig()
	cfg.LogFile = filepath.Join(t.TempDir(), "logs", "tasksync.log")

	logger, closer, err := buildLogger(cfg)
	require.NoError(t, err)

	logger.Info("hello from test")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
}

// --- Cobra structure tests ---

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	expected := []string{"serve", "sync", "status", "events", "conflicts", "resolve", "config", "repo", "token"}
	for _, name := range expected {
		found := false

		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true

				break
			}
		}

		assert.True(t, found, "expected subcommand %q not found", name)
	}
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	cmd := newRootCmd()

	expectedFlags := []string{"config", "db", "json", "verbose", "quiet"}
	for _, name := range expectedFlags {
		flag := cmd.PersistentFlags().Lookup(name)
		assert.NotNil(t, flag, "expected persistent flag %q not found", name)
	}
}

func TestNewRootCmd_MutualExclusivity(t *testing.T) {
	saveFlags(t)

	// Cobra enforces mutual exclusivity after PersistentPreRunE. "config init"
	// skips config loading, so a missing or broken config cannot mask the
	// flag-group error.
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--verbose", "--quiet", "--config", filepath.Join(t.TempDir(), "c.toml"), "config", "init"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}

func TestNewRootCmd_SkipConfigAnnotation(t *testing.T) {
	saveFlags(t)

	cmd := newRootCmd()

	sub, _, err := cmd.Find([]string{"config", "init"})
	require.NoError(t, err)
	assert.Equal(t, "true", sub.Annotations[skipConfigAnnotation])

	// A broken config would fail loadCLIContext; the annotated command must
	// pass PersistentPreRunE regardless.
	flagConfigPath = writeBrokenConfig(t)

	require.NoError(t, cmd.PersistentPreRunE(sub, nil))

	show, _, err := cmd.Find([]string{"config", "show"})
	require.NoError(t, err)
	show.SetContext(context.Background())

	require.Error(t, cmd.PersistentPreRunE(show, nil))
}

func writeBrokenConfig(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_levle = \"debug\"\n"), 0o600))

	return path
}

func TestMustCLIContext_PanicsWithoutContext(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(context.Background()) })

	cc := &CLIContext{}
	assert.Same(t, cc, mustCLIContext(withCLIContext(context.Background(), cc)))
}

// --- loadCLIContext tests ---

func TestLoadCLIContext_FlagsOverrideConfig(t *testing.T) {
	saveFlags(t)

	ws := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(ws.cfgPath, []byte(`state_db = "/from/config.db"

[server]
listen = "127.0.0.1:1111"
`), 0o600))

	cmd := newRootCmd()

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--config", ws.cfgPath, "--db", ws.dbPath, "--listen", "127.0.0.1:2222"}))

	cc, err := loadCLIContext(serve)
	require.NoError(t, err)

	defer cc.logCloser.Close()

	assert.Equal(t, ws.cfgPath, cc.Cfg.Path())
	assert.Equal(t, ws.dbPath, cc.Cfg.Config().StateDB)
	assert.Equal(t, "127.0.0.1:2222", cc.Cfg.Config().Server.Listen)
}

// --- command integration tests ---

func TestConfigInitAndRepoCommands(t *testing.T) {
	saveFlags(t)

	ws := newTestWorkspace(t)
	tasks := filepath.Join(ws.dir, "tasks")

	require.NoError(t, ws.run(t, "config", "init"))
	require.Error(t, ws.run(t, "config", "init"), "init must not overwrite")

	require.NoError(t, ws.run(t, "repo", "add", "acme/widgets", "--sync-path", tasks))
	require.NoError(t, ws.run(t, "repo", "add", "acme/gadgets", "--sync-path", tasks+"2", "--disabled"))
	require.Error(t, ws.run(t, "repo", "add", "not-a-repo", "--sync-path", tasks))

	cfg, err := config.Load(ws.cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.Repos, 2)
	assert.True(t, cfg.Repos[0].IsEnabled())
	assert.False(t, cfg.Repos[1].IsEnabled())

	require.NoError(t, ws.run(t, "repo", "enable", "acme/gadgets"))
	require.NoError(t, ws.run(t, "repo", "remove", "acme/widgets"))

	cfg, err = config.Load(ws.cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.Repos, 1)
	assert.Equal(t, "acme/gadgets", cfg.Repos[0].FullName)
	assert.True(t, cfg.Repos[0].IsEnabled())
}

func TestStateCommands_EmptyDatabase(t *testing.T) {
	saveFlags(t)

	ws := newTestWorkspace(t)

	require.NoError(t, ws.run(t, "status", "--pid-file", ws.pidPath))
	require.NoError(t, ws.run(t, "events", "--limit", "5"))
	require.NoError(t, ws.run(t, "conflicts"))
	require.NoError(t, ws.run(t, "--json", "events", "--status", "failed"))

	err := ws.run(t, "events", "--status", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")

	err = ws.run(t, "conflicts", "--repo", "acme/missing")
	require.Error(t, err)
}

func TestSyncCommand_NoRepos(t *testing.T) {
	saveFlags(t)

	ws := newTestWorkspace(t)

	require.NoError(t, ws.run(t, "sync", "--local", "--pid-file", ws.pidPath))

	_, err := os.Stat(ws.dbPath)
	require.NoError(t, err, "one-shot sync creates the state database")
}

func TestSyncCommand_LocalRefusesRunningDaemon(t *testing.T) {
	saveFlags(t)

	ws := newTestWorkspace(t)

	cleanup, err := writePIDFile(ws.pidPath)
	require.NoError(t, err)

	defer cleanup()

	err = ws.run(t, "sync", "--local", "--pid-file", ws.pidPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon is running")
}

func TestResolveCommand(t *testing.T) {
	saveFlags(t)

	ws := newTestWorkspace(t)

	err := ws.run(t, "resolve", "7", "--pid-file", ws.pidPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "specify a resolution strategy")

	err = ws.run(t, "resolve", "--manual", "--pid-file", ws.pidPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--all")

	err = ws.run(t, "resolve", "abc", "--manual", "--pid-file", ws.pidPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid event ID")

	err = ws.run(t, "resolve", "--manual", "--local-wins", "--all", "--pid-file", ws.pidPath)
	require.Error(t, err)

	// Nothing to resolve in a fresh database.
	require.NoError(t, ws.run(t, "resolve", "--all", "--github-wins", "--pid-file", ws.pidPath))

	err = ws.run(t, "resolve", "42", "--manual", "--pid-file", ws.pidPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event 42")
}

func TestTokenCommands(t *testing.T) {
	saveFlags(t)

	ws := newTestWorkspace(t)
	tokenPath := filepath.Join(ws.dir, "token.json")

	require.NoError(t, os.WriteFile(ws.cfgPath, []byte("[github]\ntoken_file = \""+tokenPath+"\"\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetIn(strings.NewReader("\n  ghs_example  \n"))
	cmd.SetArgs([]string{
		"--config", ws.cfgPath, "--quiet",
		"token", "set", "--expires-in", "1h", "--installation-id", "99", "--account", "acme",
	})
	require.NoError(t, cmd.Execute())

	tok, meta, err := tokenfile.Load(tokenPath)
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "ghs_example", tok.AccessToken)
	assert.False(t, tok.Expiry.IsZero())
	assert.Equal(t, "99", meta[tokenfile.MetaInstallationID])
	assert.Equal(t, "acme", meta[tokenfile.MetaAccount])

	require.NoError(t, ws.run(t, "token", "status"))
}

func TestReadToken(t *testing.T) {
	tok, err := readToken(strings.NewReader("\n\nabc123\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)

	_, err = readToken(strings.NewReader("   \n"))
	require.Error(t, err)
}
