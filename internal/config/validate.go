package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Validation range constants.
const (
	minWorkers        = 1
	maxWorkers        = 64
	minPerPage        = 1
	maxPerPage        = 100 // GitHub REST maximum
	minMaxPages       = 1
	minMaxItems       = 1
	maxRetries        = 20
	minDebounce       = 50 * time.Millisecond
	minPollInterval   = 30 * time.Second
	minSweepInterval  = time.Second
	minStaleGrace     = 10 * time.Second
	minAdapterTimeout = time.Second
	minBodyBytes      = 1 << 10
	fullNameParts     = 2
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogging(cfg)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateGitHub(&cfg.GitHub)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateRepos(cfg.Repos)...)

	if strings.TrimSpace(cfg.Beads.Command) == "" {
		errs = append(errs, errors.New("beads.command: must not be empty"))
	}

	return errors.Join(errs...)
}

// ValidateResolved checks constraints on the fully resolved config. Unlike
// Validate(), which checks raw config file values, this runs after env and
// CLI overrides and tilde expansion.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.StateDB == "" {
		errs = append(errs, errors.New("state_db: could not determine a default location; set it explicitly"))
	}

	for i := range cfg.Repos {
		r := &cfg.Repos[i]

		// Relative paths would resolve differently depending on cwd.
		if r.SyncPath != "" && !filepath.IsAbs(r.SyncPath) {
			errs = append(errs, fmt.Errorf("repo[%s].sync_path: must be absolute after expansion, got %q",
				r.FullName, r.SyncPath))
		}

		if r.BeadsDir != "" && !filepath.IsAbs(r.BeadsDir) {
			errs = append(errs, fmt.Errorf("repo[%s].beads_dir: must be absolute after expansion, got %q",
				r.FullName, r.BeadsDir))
		}
	}

	return errors.Join(errs...)
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(cfg *Config) []error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", cfg.LogLevel))
	}

	if !validLogFormats[cfg.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", cfg.LogFormat))
	}

	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs = append(errs, fmt.Errorf("server.listen: invalid address %q: %w", s.Listen, err))
	}

	if s.MaxBodyBytes < minBodyBytes {
		errs = append(errs, fmt.Errorf("server.max_body_bytes: must be >= %d, got %d", minBodyBytes, s.MaxBodyBytes))
	}

	errs = append(errs, validateDurationMin("server.shutdown_timeout", s.ShutdownTimeout, time.Second)...)

	return errs
}

func validateGitHub(g *GitHubConfig) []error {
	var errs []error

	u, err := url.Parse(g.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("github.api_url: must be an absolute URL, got %q", g.APIURL))
	}

	if g.PerPage < minPerPage || g.PerPage > maxPerPage {
		errs = append(errs, fmt.Errorf("github.per_page: must be between %d and %d, got %d",
			minPerPage, maxPerPage, g.PerPage))
	}

	if g.MaxPages < minMaxPages {
		errs = append(errs, fmt.Errorf("github.max_pages: must be >= %d, got %d", minMaxPages, g.MaxPages))
	}

	if g.MaxItems < minMaxItems {
		errs = append(errs, fmt.Errorf("github.max_items: must be >= %d, got %d", minMaxItems, g.MaxItems))
	}

	if g.Token != "" && g.TokenFile != "" {
		errs = append(errs, errors.New("github: token and token_file are mutually exclusive"))
	}

	errs = append(errs, validateDurationMin("github.page_timeout", g.PageTimeout, time.Second)...)

	return errs
}

var validConflictPolicies = map[string]bool{
	PolicyGitHubWins: true,
	PolicyLocalWins:  true,
	PolicyManual:     true,
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if !validConflictPolicies[s.ConflictPolicy] {
		errs = append(errs, fmt.Errorf("sync.conflict_policy: must be one of github_wins, local_wins, manual; got %q",
			s.ConflictPolicy))
	}

	if s.MaxRetries < 0 || s.MaxRetries > maxRetries {
		errs = append(errs, fmt.Errorf("sync.max_retries: must be between 0 and %d, got %d", maxRetries, s.MaxRetries))
	}

	if s.Workers < minWorkers || s.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf("sync.workers: must be between %d and %d, got %d",
			minWorkers, maxWorkers, s.Workers))
	}

	errs = append(errs, validateDurationMin("sync.debounce", s.Debounce, minDebounce)...)
	errs = append(errs, validateDurationMin("sync.poll_interval", s.PollInterval, minPollInterval)...)
	errs = append(errs, validateDurationNonNeg("sync.retry_backoff", s.RetryBackoff)...)
	errs = append(errs, validateDurationMin("sync.stale_grace", s.StaleGrace, minStaleGrace)...)
	errs = append(errs, validateDurationMin("sync.sweep_interval", s.SweepInterval, minSweepInterval)...)
	errs = append(errs, validateDurationMin("sync.sync_timeout", s.SyncTimeout, time.Second)...)
	errs = append(errs, validateDurationMin("sync.adapter_timeout", s.AdapterTimeout, minAdapterTimeout)...)
	errs = append(errs, validateDurationNonNeg("sync.safety_scan_interval", s.SafetyScanInterval)...)

	return errs
}

func validateRepos(repos []RepoConfig) []error {
	var errs []error

	seen := make(map[string]bool, len(repos))

	for i := range repos {
		r := &repos[i]

		parts := strings.Split(r.FullName, "/")
		if len(parts) != fullNameParts || parts[0] == "" || parts[1] == "" {
			errs = append(errs, fmt.Errorf("repo[%d].full_name: must be owner/name, got %q", i, r.FullName))

			continue
		}

		key := strings.ToLower(r.FullName)
		if seen[key] {
			errs = append(errs, fmt.Errorf("repo[%d].full_name: %q declared more than once", i, r.FullName))
		}

		seen[key] = true

		if r.SyncPath == "" {
			errs = append(errs, fmt.Errorf("repo[%s].sync_path: must not be empty", r.FullName))
		}
	}

	return errs
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	return validateDurationMin(field, value, 0)
}
