package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags. It returns
// the validated Config and the path it was loaded from.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// 3. Apply env overrides
	if env.WebhookSecret != "" {
		cfg.Server.WebhookSecret = env.WebhookSecret
	}

	if env.GitHubToken != "" {
		cfg.GitHub.Token = env.GitHubToken
	}

	if env.StateDB != "" {
		cfg.StateDB = env.StateDB
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.StateDB != nil {
		cfg.StateDB = *cli.StateDB
	}

	if cli.Listen != nil {
		cfg.Server.Listen = *cli.Listen
	}

	// 5. Fill derived paths and expand tildes
	expandPaths(cfg)

	// 6. Validate the final result
	if err := ValidateResolved(cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}

func expandPaths(cfg *Config) {
	if cfg.StateDB == "" {
		cfg.StateDB = DefaultStatePath()
	}

	cfg.StateDB = expandTilde(cfg.StateDB)
	cfg.LogFile = expandTilde(cfg.LogFile)
	cfg.GitHub.TokenFile = expandTilde(cfg.GitHub.TokenFile)
	cfg.Server.WebhookSecretFile = expandTilde(cfg.Server.WebhookSecretFile)

	for i := range cfg.Repos {
		cfg.Repos[i].SyncPath = expandTilde(cfg.Repos[i].SyncPath)
		cfg.Repos[i].BeadsDir = expandTilde(cfg.Repos[i].BeadsDir)
	}
}

// WebhookSecret returns the configured webhook secret. An inline secret wins
// over webhook_secret_file. An empty result means signature verification
// cannot succeed and every delivery will be rejected.
func (c *Config) WebhookSecret() (string, error) {
	if c.Server.WebhookSecret != "" {
		return c.Server.WebhookSecret, nil
	}

	if c.Server.WebhookSecretFile == "" {
		return "", nil
	}

	data, err := os.ReadFile(c.Server.WebhookSecretFile)
	if err != nil {
		return "", fmt.Errorf("config: reading webhook secret: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// FindRepo returns the repo entry with the given owner/name, or nil.
func (c *Config) FindRepo(fullName string) *RepoConfig {
	for i := range c.Repos {
		if strings.EqualFold(c.Repos[i].FullName, fullName) {
			return &c.Repos[i]
		}
	}

	return nil
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
