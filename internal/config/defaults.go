package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and work without any config file.
const (
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
	defaultListen             = "127.0.0.1:8765"
	defaultMaxBodyBytes       = 25 << 20 // GitHub caps webhook payloads at 25 MB
	defaultShutdownTimeout    = "30s"
	defaultAPIURL             = "https://api.github.com"
	defaultPerPage            = 100
	defaultMaxPages           = 100
	defaultMaxItems           = 10000
	defaultPageTimeout        = "30s"
	defaultUserAgent          = "tasksync"
	defaultConflictPolicy     = "github_wins"
	defaultDebounce           = "500ms"
	defaultPollInterval       = "5m"
	defaultMaxRetries         = 3
	defaultRetryBackoff       = "30s"
	defaultStaleGrace         = "5m"
	defaultSweepInterval      = "1m"
	defaultSyncTimeout        = "10m"
	defaultAdapterTimeout     = "30s"
	defaultWorkers            = 4
	defaultSafetyScanInterval = "5m"
	defaultBeadsCommand       = "bd"
)

// Conflict policy names accepted in [sync] conflict_policy.
const (
	PolicyGitHubWins = "github_wins"
	PolicyLocalWins  = "local_wins"
	PolicyManual     = "manual"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
		Server:    defaultServerConfig(),
		GitHub:    defaultGitHubConfig(),
		Sync:      defaultSyncConfig(),
		Beads:     BeadsConfig{Command: defaultBeadsCommand},
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:          defaultListen,
		MaxBodyBytes:    defaultMaxBodyBytes,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

func defaultGitHubConfig() GitHubConfig {
	return GitHubConfig{
		APIURL:      defaultAPIURL,
		PerPage:     defaultPerPage,
		MaxPages:    defaultMaxPages,
		MaxItems:    defaultMaxItems,
		PageTimeout: defaultPageTimeout,
		UserAgent:   defaultUserAgent,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		ConflictPolicy:     defaultConflictPolicy,
		Debounce:           defaultDebounce,
		PollInterval:       defaultPollInterval,
		MaxRetries:         defaultMaxRetries,
		RetryBackoff:       defaultRetryBackoff,
		StaleGrace:         defaultStaleGrace,
		SweepInterval:      defaultSweepInterval,
		SyncTimeout:        defaultSyncTimeout,
		AdapterTimeout:     defaultAdapterTimeout,
		Workers:            defaultWorkers,
		SafetyScanInterval: defaultSafetyScanInterval,
	}
}
