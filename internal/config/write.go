package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// configFilePermissions is the standard permission mode for config files.
// Owner read/write, group and others read-only.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// repoHeader starts every repository table.
const repoHeader = "[[repo]]"

// ErrConfigExists is returned by CreateConfig when the file is already there.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is the config file written by `tasksync config init`. Every
// global setting is present as a commented-out default so users can discover
// the options without reading docs. Later edits are text-level, so user
// changes survive.
const configTemplate = `# tasksync configuration

# Log verbosity: debug, info, warn, error
# log_level = "info"
# Log format: auto, text, json
# log_format = "auto"
# log_file = ""
# state_db = ""

[server]
# listen = "127.0.0.1:8765"
# webhook_secret_file = ""

[github]
# token_file = ""
# per_page = 100
# max_pages = 100

[sync]
# Conflict policy: github_wins, local_wins, manual
# conflict_policy = "github_wins"
# debounce = "500ms"
# poll_interval = "5m"
# max_retries = 3
# workers = 4

[beads]
# command = "bd"

# Repositories are added by 'tasksync repo add'.
`

// repoSection generates the TOML text for a new repository table. The blank
// line before the header separates tables from each other.
func repoSection(r *RepoConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "\n%s\nfull_name = %q\nsync_path = %q\n", repoHeader, r.FullName, r.SyncPath)

	if r.BeadsDir != "" {
		fmt.Fprintf(&b, "beads_dir = %q\n", r.BeadsDir)
	}

	if r.Enabled != nil && !*r.Enabled {
		b.WriteString("enabled = false\n")
	}

	return b.String()
}

// CreateConfig writes the default template to path. It refuses to overwrite
// an existing file.
func CreateConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	slog.Info("creating config file", "path", path)

	return atomicWriteFile(path, []byte(configTemplate))
}

// AppendRepoSection appends a [[repo]] table to the config at path, creating
// the file from the template first when it does not exist.
func AppendRepoSection(path string, r *RepoConfig) error {
	slog.Info("appending repo section to config",
		"path", path,
		"repo", r.FullName,
		"sync_path", r.SyncPath,
	)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		data = []byte(configTemplate)
	} else if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	content := string(data)

	lines := strings.Split(content, "\n")
	if start, _ := findRepoSection(lines, r.FullName); start >= 0 {
		return fmt.Errorf("repo %q already in config", r.FullName)
	}

	// Ensure the file ends with a newline before appending, so the new
	// table header starts on its own line.
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	content += repoSection(r)

	return atomicWriteFile(path, []byte(content))
}

// SetRepoKey sets key = value inside the [[repo]] table of fullName. An
// existing key line is replaced; otherwise the key is inserted after the
// header. Used by `repo enable` and `repo disable`.
//
// Value formatting: booleans ("true"/"false") are written without quotes;
// all other values are written as quoted strings.
func SetRepoKey(path, fullName, key, value string) error {
	slog.Info("setting repo key in config",
		"path", path,
		"repo", fullName,
		"key", key,
		"value", value,
	)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	header, end := findRepoSection(lines, fullName)
	if header < 0 {
		return fmt.Errorf("repo %q not found in config", fullName)
	}

	newLine := fmt.Sprintf("%s = %s", key, formatTOMLValue(value))
	lines = setKeyInSection(lines, header, end, key, newLine)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// DeleteRepoSection removes the [[repo]] table of fullName, along with the
// blank lines immediately preceding it.
func DeleteRepoSection(path, fullName string) error {
	slog.Info("deleting repo section from config", "path", path, "repo", fullName)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	header, end := findRepoSection(lines, fullName)
	if header < 0 {
		return fmt.Errorf("repo %q not found in config", fullName)
	}

	blankStart := header
	for blankStart > 0 && strings.TrimSpace(lines[blankStart-1]) == "" {
		blankStart--
	}

	lines = append(lines[:blankStart], lines[end:]...)

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}

// findRepoSection locates the [[repo]] table whose full_name matches
// (case-insensitively). Returns the header index and the index of the first
// line after the table's own content, or -1, -1.
func findRepoSection(lines []string, fullName string) (int, int) {
	for i, line := range lines {
		if strings.TrimSpace(line) != repoHeader {
			continue
		}

		end := findSectionEnd(lines, i+1)

		for j := i + 1; j < end; j++ {
			k, v, ok := strings.Cut(strings.TrimSpace(lines[j]), "=")
			if !ok || strings.TrimSpace(k) != "full_name" {
				continue
			}

			if strings.EqualFold(strings.Trim(strings.TrimSpace(v), `"'`), fullName) {
				return i, end
			}
		}
	}

	return -1, -1
}

// findSectionEnd returns the index of the first line after the section's
// own content. Blank lines and comments that precede the next header belong
// to the next section's preamble, not this section.
func findSectionEnd(lines []string, sectionStart int) int {
	nextHeader := len(lines)

	for i := sectionStart; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "[") {
			nextHeader = i

			break
		}
	}

	end := nextHeader
	for end > sectionStart {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			end--

			continue
		}

		break
	}

	return end
}

// setKeyInSection either replaces an existing key line or inserts a new
// one after the section header.
func setKeyInSection(lines []string, headerLine, sectionEnd int, key, newLine string) []string {
	keyPrefix := key + " "
	keyPrefixEq := key + "="

	for i := headerLine + 1; i < sectionEnd; i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, keyPrefix) || strings.HasPrefix(trimmed, keyPrefixEq) {
			lines[i] = newLine

			return lines
		}
	}

	inserted := make([]string, 0, len(lines)+1)
	inserted = append(inserted, lines[:headerLine+1]...)
	inserted = append(inserted, newLine)
	inserted = append(inserted, lines[headerLine+1:]...)

	return inserted
}

// formatTOMLValue formats a value for TOML output. Booleans are written
// bare (true/false); all other values are quoted strings.
func formatTOMLValue(value string) string {
	if value == "true" || value == "false" {
		return value
	}

	return fmt.Sprintf("%q", value)
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. Parent directories are created
// as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
