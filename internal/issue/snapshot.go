// Package issue defines the normalized issue model shared by every store
// adapter and the sync engine. A Snapshot is a read-only projection of one
// issue as seen from one store at one point in time; it is replaced, never
// mutated in place.
package issue

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ErrNotFound is returned by adapters when the referenced issue does not
// exist in the store.
var ErrNotFound = errors.New("issue: not found")

// Source identifies the store a snapshot or change event came from.
type Source string

// Known sources. Local files and beads are both "local side" stores for the
// purposes of conflict policy; GitHub is the remote side.
const (
	SourceLocal  Source = "local"
	SourceBeads  Source = "beads"
	SourceGitHub Source = "github"
)

// Sources lists every known source in a stable order.
var Sources = []Source{SourceLocal, SourceBeads, SourceGitHub}

func (s Source) String() string { return string(s) }

// IsLocalSide reports whether the source lives on the local side of the
// local/GitHub divide.
func (s Source) IsLocalSide() bool {
	return s == SourceLocal || s == SourceBeads
}

// ParseSource converts a stored string back to a Source.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceLocal, SourceBeads, SourceGitHub:
		return Source(s), nil
	default:
		return "", fmt.Errorf("issue: unknown source %q", s)
	}
}

// Links carries the cross-store references a store knows about for an issue.
// They are metadata: not part of the content hash.
type Links struct {
	IssueID      string `json:"issue_id,omitempty"`
	BeadsID      string `json:"beads_id,omitempty"`
	GitHubNumber int    `json:"github_number,omitempty"`
	LocalPath    string `json:"local_path,omitempty"`
}

// Snapshot is the normalized view of one issue from one source.
type Snapshot struct {
	Source       Source    `json:"source"`
	ExternalRef  string    `json:"external_ref"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	Priority     int       `json:"priority"`
	Labels       []string  `json:"labels,omitempty"`
	Assignee     string    `json:"assignee,omitempty"`
	MilestoneRef string    `json:"milestone_ref,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	Links        Links     `json:"links,omitzero"`
}

// Normalized returns a copy with NFC-normalized text, trimmed title, sorted
// de-duplicated labels and a clamped priority. Adapters call it before
// handing a snapshot to the engine so that hashes are comparable.
func (s Snapshot) Normalized() Snapshot {
	out := s
	out.Title = strings.TrimSpace(nfc(s.Title))
	out.Description = strings.TrimRight(nfc(strings.ReplaceAll(s.Description, "\r\n", "\n")), "\n")
	out.Assignee = strings.TrimSpace(nfc(s.Assignee))
	out.MilestoneRef = strings.TrimSpace(s.MilestoneRef)
	out.Labels = NormalizeLabels(s.Labels)
	out.Priority = ClampPriority(s.Priority)

	if out.Status == "" {
		out.Status = StatusOpen
	}

	return out
}

// WithSource returns a copy re-targeted at another store. Content fields are
// kept; the reference is replaced.
func (s Snapshot) WithSource(src Source, ref string) Snapshot {
	out := s
	out.Source = src
	out.ExternalRef = ref

	return out
}

// Validate checks field domains.
func (s *Snapshot) Validate() error {
	var errs []error

	if strings.TrimSpace(s.Title) == "" {
		errs = append(errs, errors.New("title must not be empty"))
	}

	if !s.Status.Valid() {
		errs = append(errs, fmt.Errorf("status %q is not one of open, in_progress, blocked, closed", s.Status))
	}

	if s.Priority < MinPriority || s.Priority > MaxPriority {
		errs = append(errs, fmt.Errorf("priority %d out of range [%d,%d]", s.Priority, MinPriority, MaxPriority))
	}

	if len(errs) > 0 {
		return fmt.Errorf("issue: invalid snapshot %s/%s: %w", s.Source, s.ExternalRef, errors.Join(errs...))
	}

	return nil
}

// NormalizeLabels trims, NFC-normalizes, drops empties, de-duplicates and
// sorts a label set.
func NormalizeLabels(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}

	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(nfc(l))
		if l != "" {
			out = append(out, l)
		}
	}

	slices.Sort(out)
	out = slices.Compact(out)

	if len(out) == 0 {
		return nil
	}

	return out
}

// nfc applies Unicode NFC normalization so that visually identical text typed
// on different platforms hashes the same.
func nfc(s string) string {
	return norm.NFC.String(s)
}
