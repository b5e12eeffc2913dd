package config

import (
	"fmt"
	"io"
)

// redacted replaces secret values in rendered output.
const redacted = "<redacted>"

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all four override layers
// (defaults -> file -> env -> CLI) have been applied. Secrets are redacted.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)
	ew.printf("log_level  = %q\n", cfg.LogLevel)
	ew.printf("log_format = %q\n", cfg.LogFormat)

	if cfg.LogFile != "" {
		ew.printf("log_file   = %q\n", cfg.LogFile)
	}

	ew.printf("state_db   = %q\n\n", cfg.StateDB)

	renderServerSection(ew, &cfg.Server)
	renderGitHubSection(ew, &cfg.GitHub)
	renderSyncSection(ew, &cfg.Sync)

	ew.printf("[beads]\n")
	ew.printf("  command = %q\n", cfg.Beads.Command)

	for i := range cfg.Repos {
		renderRepoSection(ew, &cfg.Repos[i])
	}

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func secret(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}

func renderServerSection(ew *errWriter, s *ServerConfig) {
	ew.printf("[server]\n")
	ew.printf("  listen              = %q\n", s.Listen)
	ew.printf("  webhook_secret      = %q\n", secret(s.WebhookSecret))

	if s.WebhookSecretFile != "" {
		ew.printf("  webhook_secret_file = %q\n", s.WebhookSecretFile)
	}

	ew.printf("  max_body_bytes      = %d\n", s.MaxBodyBytes)
	ew.printf("  shutdown_timeout    = %q\n", s.ShutdownTimeout)
	ew.printf("\n")
}

func renderGitHubSection(ew *errWriter, g *GitHubConfig) {
	ew.printf("[github]\n")
	ew.printf("  api_url      = %q\n", g.APIURL)
	ew.printf("  token        = %q\n", secret(g.Token))

	if g.TokenFile != "" {
		ew.printf("  token_file   = %q\n", g.TokenFile)
	}

	ew.printf("  per_page     = %d\n", g.PerPage)
	ew.printf("  max_pages    = %d\n", g.MaxPages)
	ew.printf("  max_items    = %d\n", g.MaxItems)
	ew.printf("  page_timeout = %q\n", g.PageTimeout)
	ew.printf("  user_agent   = %q\n", g.UserAgent)
	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  conflict_policy      = %q\n", s.ConflictPolicy)
	ew.printf("  debounce             = %q\n", s.Debounce)
	ew.printf("  poll_interval        = %q\n", s.PollInterval)
	ew.printf("  max_retries          = %d\n", s.MaxRetries)
	ew.printf("  retry_backoff        = %q\n", s.RetryBackoff)
	ew.printf("  stale_grace          = %q\n", s.StaleGrace)
	ew.printf("  sweep_interval       = %q\n", s.SweepInterval)
	ew.printf("  sync_timeout         = %q\n", s.SyncTimeout)
	ew.printf("  adapter_timeout      = %q\n", s.AdapterTimeout)
	ew.printf("  workers              = %d\n", s.Workers)
	ew.printf("  safety_scan_interval = %q\n", s.SafetyScanInterval)
	ew.printf("\n")
}

func renderRepoSection(ew *errWriter, r *RepoConfig) {
	ew.printf("\n[[repo]]\n")
	ew.printf("  full_name = %q\n", r.FullName)
	ew.printf("  sync_path = %q\n", r.SyncPath)

	if r.BeadsDir != "" {
		ew.printf("  beads_dir = %q\n", r.BeadsDir)
	}

	ew.printf("  enabled   = %t\n", r.IsEnabled())
}
