package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig        = "TASKSYNC_CONFIG"
	EnvWebhookSecret = "TASKSYNC_WEBHOOK_SECRET"
	EnvGitHubToken   = "TASKSYNC_GITHUB_TOKEN"
	EnvStateDB       = "TASKSYNC_DB"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath    string // TASKSYNC_CONFIG: override config file path
	WebhookSecret string // TASKSYNC_WEBHOOK_SECRET: webhook HMAC secret
	GitHubToken   string // TASKSYNC_GITHUB_TOKEN: static API token
	StateDB       string // TASKSYNC_DB: state database path
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:    os.Getenv(EnvConfig),
		WebhookSecret: os.Getenv(EnvWebhookSecret),
		GitHubToken:   os.Getenv(EnvGitHubToken),
		StateDB:       os.Getenv(EnvStateDB),
	}
}
