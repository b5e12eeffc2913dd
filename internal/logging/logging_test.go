package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_TextToBuffer(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger, closer, err := New(Options{Level: slog.LevelInfo, Format: "auto", Stderr: &buf})
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("visible", slog.String("repo", "acme/widgets"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "repo=acme/widgets")
	// Not a terminal: no ANSI escapes.
	assert.NotContains(t, out, "\x1b[")
}

func TestNew_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger, _, err := New(Options{Level: slog.LevelDebug, Format: "json", Stderr: &buf})
	require.NoError(t, err)

	logger.Debug("event appended", slog.Int64("id", 7))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "event appended", rec["msg"])
	assert.InDelta(t, 7, rec["id"], 0)
}

func TestNew_TeesToFile(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	path := filepath.Join(t.TempDir(), "logs", "tasksync.log")

	logger, closer, err := New(Options{Level: slog.LevelInfo, Format: "text", File: path, Stderr: &buf})
	require.NoError(t, err)

	logger.With(slog.String("component", "sweeper")).Warn("reclaimed stale rows", slog.Int("count", 2))
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "reclaimed stale rows")
	assert.Contains(t, string(data), "component=sweeper")
	assert.Contains(t, buf.String(), "reclaimed stale rows")
}
