package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each section name to its valid keys. The empty section holds
// the flat top-level keys.
var knownKeys = map[string][]string{
	"": {"log_level", "log_file", "log_format", "state_db"},
	"server": {
		"listen", "webhook_secret", "webhook_secret_file", "max_body_bytes", "shutdown_timeout",
	},
	"github": {
		"api_url", "token", "token_file", "per_page", "max_pages", "max_items",
		"page_timeout", "user_agent",
	},
	"sync": {
		"conflict_policy", "debounce", "poll_interval", "max_retries", "retry_backoff",
		"stale_grace", "sweep_interval", "sync_timeout", "adapter_timeout", "workers",
		"safety_scan_interval",
	},
	"beads": {"command"},
	"repo":  {"full_name", "sync_path", "beads_dir", "enabled"},
}

// knownSections is the sorted list of section names for Levenshtein matching.
// Sorted for deterministic suggestions when two candidates have the same
// edit distance.
var knownSections = func() []string {
	out := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		if k != "" {
			out = append(out, k)
		}
	}

	sort.Strings(out)

	return out
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	seen := make(map[string]bool)

	for _, key := range undecoded {
		err := buildKeyError(key)
		if err == nil || seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an undecoded key, optionally
// suggesting the closest known key or section.
func buildKeyError(key toml.Key) error {
	if len(key) == 1 {
		name := key[0]

		// An unknown table header with no keys decodes as a single element.
		if _, isSection := knownKeys[name]; isSection {
			return nil
		}

		candidates := append(append([]string{}, knownKeys[""]...), knownSections...)

		return unknownKeyError(name, "", candidates)
	}

	section, field := key[0], key[1]

	fields, ok := knownKeys[section]
	if !ok {
		if s := closestMatch(section, knownSections); s != "" {
			return fmt.Errorf("unknown config section [%s], did you mean [%s]?", section, s)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	return unknownKeyError(field, section, fields)
}

func unknownKeyError(name, section string, candidates []string) error {
	where := ""
	if section != "" {
		where = fmt.Sprintf(" in [%s]", section)
	}

	if s := closestMatch(name, candidates); s != "" {
		return fmt.Errorf("unknown config key %q%s, did you mean %q?", name, where, s)
	}

	return fmt.Errorf("unknown config key %q%s", name, where)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
