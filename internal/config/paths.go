package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "tasksync"

// File names inside the config and data directories.
const (
	configFileName = "config.toml"
	stateFileName  = "state.db"
	pidFileName    = "tasksync.pid"
	tokenFileName  = "github-token.json"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/tasksync).
// On macOS, uses ~/Library/Application Support/tasksync.
// Other platforms fall back to ~/.config/tasksync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application data
// (state database, pid file, tokens).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/tasksync).
// On macOS, config and data share one directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(envVar, fallbackBase string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(fallbackBase, appName)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither TASKSYNC_CONFIG nor --config
// is specified.
func DefaultConfigPath() string {
	return joinIfSet(DefaultConfigDir(), configFileName)
}

// DefaultStatePath returns the default SQLite state database path.
func DefaultStatePath() string {
	return joinIfSet(DefaultDataDir(), stateFileName)
}

// DefaultPIDPath returns the path of the daemon's PID lock file.
func DefaultPIDPath() string {
	return joinIfSet(DefaultDataDir(), pidFileName)
}

// DefaultTokenPath returns the path where an installation token is cached
// when github.token_file is not set.
func DefaultTokenPath() string {
	return joinIfSet(DefaultDataDir(), tokenFileName)
}

func joinIfSet(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}
