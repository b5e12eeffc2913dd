package taskfile

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// ErrNoFrontmatter is returned for markdown files without a leading
// frontmatter block. Such files are not task files.
var ErrNoFrontmatter = errors.New("taskfile: no frontmatter")

// frontMatter is the YAML header of a task file. Keys the engine does not
// know are kept in Extra and written back unchanged.
type frontMatter struct {
	ID        string         `yaml:"id"`
	BeadsID   string         `yaml:"beadsId"`
	GitHub    int            `yaml:"github,omitempty"`
	Title     string         `yaml:"title"`
	State     string         `yaml:"state"`
	Priority  *int           `yaml:"priority"`
	Labels    []string       `yaml:"labels"`
	Assignees []string       `yaml:"assignees"`
	Milestone string         `yaml:"milestone,omitempty"`
	Extra     map[string]any `yaml:",inline"`
}

// parse splits content into frontmatter and body. The body has its single
// separating newline removed.
func parse(content []byte) (*frontMatter, string, error) {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")

	rest, ok := strings.CutPrefix(text, delimiter+"\n")
	if !ok {
		return nil, "", ErrNoFrontmatter
	}

	var header, body string

	switch {
	case strings.HasPrefix(rest, delimiter+"\n") || rest == delimiter:
		// Empty header.
		body = strings.TrimPrefix(strings.TrimPrefix(rest, delimiter), "\n")
	default:
		end := strings.Index(rest, "\n"+delimiter+"\n")
		if end < 0 {
			if !strings.HasSuffix(rest, "\n"+delimiter) {
				return nil, "", fmt.Errorf("taskfile: unterminated frontmatter")
			}

			end = len(rest) - len(delimiter) - 1
			header, body = rest[:end], ""
		} else {
			header, body = rest[:end], rest[end+len(delimiter)+2:]
		}
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, "", fmt.Errorf("taskfile: decoding frontmatter: %w", err)
	}

	return &fm, strings.TrimPrefix(body, "\n"), nil
}

// format renders frontmatter and body back into file content.
func format(fm *frontMatter, body string) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(delimiter + "\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(fm); err != nil {
		return nil, fmt.Errorf("taskfile: encoding frontmatter: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("taskfile: encoding frontmatter: %w", err)
	}

	buf.WriteString(delimiter + "\n")

	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(strings.TrimRight(body, "\n"))
		buf.WriteString("\n")
	}

	return buf.Bytes(), nil
}
