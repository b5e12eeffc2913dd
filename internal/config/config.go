// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for tasksync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Logging and state keys live at the top level; everything else is grouped
// into sections. Repositories are declared as an array of [[repo]] tables.
type Config struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
	StateDB   string `toml:"state_db"`

	Server ServerConfig `toml:"server"`
	GitHub GitHubConfig `toml:"github"`
	Sync   SyncConfig   `toml:"sync"`
	Beads  BeadsConfig  `toml:"beads"`
	Repos  []RepoConfig `toml:"repo"`
}

// ServerConfig controls the HTTP listener that serves the webhook endpoint
// and the live event feed.
type ServerConfig struct {
	Listen            string `toml:"listen"`
	WebhookSecret     string `toml:"webhook_secret"`
	WebhookSecretFile string `toml:"webhook_secret_file"`
	MaxBodyBytes      int64  `toml:"max_body_bytes"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
}

// GitHubConfig controls the REST client: endpoint, credentials, and the
// bounds applied to paginated fetches.
type GitHubConfig struct {
	APIURL      string `toml:"api_url"`
	Token       string `toml:"token"`
	TokenFile   string `toml:"token_file"`
	PerPage     int    `toml:"per_page"`
	MaxPages    int    `toml:"max_pages"`
	MaxItems    int    `toml:"max_items"`
	PageTimeout string `toml:"page_timeout"`
	UserAgent   string `toml:"user_agent"`
}

// SyncConfig controls engine behavior: conflict policy, debounce and polling
// timing, retry limits, and worker counts.
type SyncConfig struct {
	ConflictPolicy     string `toml:"conflict_policy"`
	Debounce           string `toml:"debounce"`
	PollInterval       string `toml:"poll_interval"`
	MaxRetries         int    `toml:"max_retries"`
	RetryBackoff       string `toml:"retry_backoff"`
	StaleGrace         string `toml:"stale_grace"`
	SweepInterval      string `toml:"sweep_interval"`
	SyncTimeout        string `toml:"sync_timeout"`
	AdapterTimeout     string `toml:"adapter_timeout"`
	Workers            int    `toml:"workers"`
	SafetyScanInterval string `toml:"safety_scan_interval"`
}

// BeadsConfig locates the beads CLI.
type BeadsConfig struct {
	Command string `toml:"command"`
}

// RepoConfig binds one GitHub repository to a local task directory and,
// optionally, a beads workspace.
type RepoConfig struct {
	FullName string `toml:"full_name"`
	SyncPath string `toml:"sync_path"`
	BeadsDir string `toml:"beads_dir"`
	Enabled  *bool  `toml:"enabled"`
}

// IsEnabled reports whether the repo participates in sync. Repos are enabled
// unless explicitly disabled.
func (r *RepoConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	StateDB    *string // --db flag
	Listen     *string // --listen flag
}

// Timing is the parsed form of every duration setting. Durations are kept as
// strings in Config so they round-trip through TOML unchanged; Timing is
// derived once after validation.
type Timing struct {
	Debounce           time.Duration
	PollInterval       time.Duration
	RetryBackoff       time.Duration
	StaleGrace         time.Duration
	SweepInterval      time.Duration
	SyncTimeout        time.Duration
	AdapterTimeout     time.Duration
	SafetyScanInterval time.Duration
	PageTimeout        time.Duration
	ShutdownTimeout    time.Duration
}

// Timing parses the duration fields. Call only on a validated Config; invalid
// values fall back to their defaults.
func (c *Config) Timing() Timing {
	return Timing{
		Debounce:           durationOr(c.Sync.Debounce, defaultDebounce),
		PollInterval:       durationOr(c.Sync.PollInterval, defaultPollInterval),
		RetryBackoff:       durationOr(c.Sync.RetryBackoff, defaultRetryBackoff),
		StaleGrace:         durationOr(c.Sync.StaleGrace, defaultStaleGrace),
		SweepInterval:      durationOr(c.Sync.SweepInterval, defaultSweepInterval),
		SyncTimeout:        durationOr(c.Sync.SyncTimeout, defaultSyncTimeout),
		AdapterTimeout:     durationOr(c.Sync.AdapterTimeout, defaultAdapterTimeout),
		SafetyScanInterval: durationOr(c.Sync.SafetyScanInterval, defaultSafetyScanInterval),
		PageTimeout:        durationOr(c.GitHub.PageTimeout, defaultPageTimeout),
		ShutdownTimeout:    durationOr(c.Server.ShutdownTimeout, defaultShutdownTimeout),
	}
}

func durationOr(s, fallback string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}
