package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/tasksync/internal/issue"
)

// Label prefixes for fields beads has no column for.
const (
	MilestoneLabelPrefix = "milestone:"
	externalRefPrefix    = "gh-"
)

// Issue is the subset of bd's JSON issue representation the store reads.
type Issue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	Priority    int       `json:"priority"`
	Assignee    string    `json:"assignee,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	ExternalRef *string   `json:"external_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store reads and writes issues in one beads database.
type Store struct {
	runner Runner
	dir    string
	logger *slog.Logger
}

// NewStore returns a store for the beads database rooted at dir.
func NewStore(runner Runner, dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{runner: runner, dir: dir, logger: logger}
}

// Name identifies the store.
func (s *Store) Name() issue.Source { return issue.SourceBeads }

// Snapshot runs bd show for ref.
func (s *Store) Snapshot(ctx context.Context, ref string) (*issue.Snapshot, error) {
	is, err := s.show(ctx, ref)
	if err != nil {
		return nil, err
	}

	snap := ToSnapshot(is)

	return &snap, nil
}

// ListChangedSince lists every issue, closed included, updated at or after
// since.
func (s *Store) ListChangedSince(ctx context.Context, since time.Time) ([]issue.Snapshot, error) {
	out, err := s.runner.Run(ctx, s.dir, "list", "--json", "--all", "--limit", "0")
	if err != nil {
		return nil, fmt.Errorf("beads: listing issues: %w", err)
	}

	var issues []Issue
	if err := decodeJSON(out, &issues); err != nil {
		return nil, fmt.Errorf("beads: decoding list: %w", err)
	}

	snaps := make([]issue.Snapshot, 0, len(issues))

	for i := range issues {
		if !since.IsZero() && issues[i].UpdatedAt.Before(since) {
			continue
		}

		snaps = append(snaps, ToSnapshot(&issues[i]))
	}

	return snaps, nil
}

// Upsert creates an issue when ref is empty, otherwise brings the existing
// issue in line with snap. The stored projection is returned.
func (s *Store) Upsert(ctx context.Context, ref string, snap issue.Snapshot) (*issue.Snapshot, error) {
	n := snap.Normalized()

	if ref == "" {
		id, err := s.create(ctx, &n)
		if err != nil {
			return nil, err
		}

		ref = id
	} else if err := s.update(ctx, ref, &n); err != nil {
		return nil, err
	}

	return s.Snapshot(ctx, ref)
}

func (s *Store) show(ctx context.Context, ref string) (*Issue, error) {
	out, err := s.runner.Run(ctx, s.dir, "show", ref, "--json")
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("beads: %s: %w", ref, issue.ErrNotFound)
		}

		return nil, fmt.Errorf("beads: showing %s: %w", ref, err)
	}

	// Depending on the bd version, show emits one object or a one-element array.
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var many []Issue
		if err := decodeJSON(trimmed, &many); err != nil {
			return nil, fmt.Errorf("beads: decoding %s: %w", ref, err)
		}

		if len(many) == 0 {
			return nil, fmt.Errorf("beads: %s: %w", ref, issue.ErrNotFound)
		}

		return &many[0], nil
	}

	var one Issue
	if err := decodeJSON(trimmed, &one); err != nil {
		return nil, fmt.Errorf("beads: decoding %s: %w", ref, err)
	}

	return &one, nil
}

func (s *Store) create(ctx context.Context, snap *issue.Snapshot) (string, error) {
	args := []string{
		"create", snap.Title,
		"--description", snap.Description,
		"--priority", strconv.Itoa(snap.Priority),
		"--json",
	}

	if labels := labelsFor(snap); len(labels) > 0 {
		args = append(args, "--labels", strings.Join(labels, ","))
	}

	if snap.Assignee != "" {
		args = append(args, "--assignee", snap.Assignee)
	}

	if snap.Links.GitHubNumber != 0 {
		args = append(args, "--external-ref", ExternalRef(snap.Links.GitHubNumber))
	}

	out, err := s.runner.Run(ctx, s.dir, args...)
	if err != nil {
		return "", fmt.Errorf("beads: creating issue: %w", err)
	}

	var created Issue
	if err := decodeJSON(out, &created); err != nil || created.ID == "" {
		return "", fmt.Errorf("beads: create returned no issue id: %s", bytes.TrimSpace(out))
	}

	s.logger.Debug("created beads issue", slog.String("id", created.ID))

	if err := s.setStatus(ctx, created.ID, issue.StatusOpen, snap.Status); err != nil {
		return "", err
	}

	return created.ID, nil
}

func (s *Store) update(ctx context.Context, ref string, snap *issue.Snapshot) error {
	current, err := s.show(ctx, ref)
	if err != nil {
		return err
	}

	args := []string{
		"update", ref,
		"--title", snap.Title,
		"--description", snap.Description,
		"--priority", strconv.Itoa(snap.Priority),
		"--assignee", snap.Assignee,
	}

	if snap.Links.GitHubNumber != 0 {
		args = append(args, "--external-ref", ExternalRef(snap.Links.GitHubNumber))
	}

	if _, err := s.runner.Run(ctx, s.dir, args...); err != nil {
		return fmt.Errorf("beads: updating %s: %w", ref, err)
	}

	if err := s.setStatus(ctx, ref, parseStatus(current.Status), snap.Status); err != nil {
		return err
	}

	return s.syncLabels(ctx, ref, issue.NormalizeLabels(current.Labels), labelsFor(snap))
}

// setStatus moves ref from one status to another using close and reopen for
// transitions across the closed boundary.
func (s *Store) setStatus(ctx context.Context, ref string, from, to issue.Status) error {
	if from == to {
		return nil
	}

	var steps [][]string

	switch {
	case to == issue.StatusClosed:
		steps = append(steps, []string{"close", ref})
	case from == issue.StatusClosed:
		steps = append(steps, []string{"reopen", ref})
		if to != issue.StatusOpen {
			steps = append(steps, []string{"update", ref, "--status", string(to)})
		}
	default:
		steps = append(steps, []string{"update", ref, "--status", string(to)})
	}

	for _, args := range steps {
		if _, err := s.runner.Run(ctx, s.dir, args...); err != nil {
			return fmt.Errorf("beads: setting %s to %s: %w", ref, to, err)
		}
	}

	return nil
}

func (s *Store) syncLabels(ctx context.Context, ref string, have, want []string) error {
	for _, l := range want {
		if !slices.Contains(have, l) {
			if _, err := s.runner.Run(ctx, s.dir, "label", "add", ref, l); err != nil {
				return fmt.Errorf("beads: adding label %q to %s: %w", l, ref, err)
			}
		}
	}

	for _, l := range have {
		if !slices.Contains(want, l) {
			if _, err := s.runner.Run(ctx, s.dir, "label", "remove", ref, l); err != nil {
				return fmt.Errorf("beads: removing label %q from %s: %w", l, ref, err)
			}
		}
	}

	return nil
}

// ToSnapshot converts a bd issue to a normalized snapshot. The milestone is
// carried in a milestone label; the GitHub link in the external ref.
func ToSnapshot(is *Issue) issue.Snapshot {
	var labels []string

	milestone := ""

	for _, l := range is.Labels {
		if m, ok := strings.CutPrefix(l, MilestoneLabelPrefix); ok {
			milestone = m
			continue
		}

		labels = append(labels, l)
	}

	snap := issue.Snapshot{
		Source:       issue.SourceBeads,
		ExternalRef:  is.ID,
		Title:        is.Title,
		Description:  is.Description,
		Status:       parseStatus(is.Status),
		Priority:     is.Priority,
		Labels:       labels,
		Assignee:     is.Assignee,
		MilestoneRef: milestone,
		UpdatedAt:    is.UpdatedAt.UTC(),
		Links:        issue.Links{BeadsID: is.ID},
	}

	if is.ExternalRef != nil {
		if n, ok := ParseExternalRef(*is.ExternalRef); ok {
			snap.Links.GitHubNumber = n
		}
	}

	return snap.Normalized()
}

// ExternalRef formats a GitHub issue number as a beads external ref.
func ExternalRef(number int) string {
	return externalRefPrefix + strconv.Itoa(number)
}

// ParseExternalRef extracts the GitHub issue number from a "gh-N" ref.
func ParseExternalRef(ref string) (int, bool) {
	s, ok := strings.CutPrefix(strings.TrimSpace(ref), externalRefPrefix)
	if !ok {
		return 0, false
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}

	return n, true
}

func labelsFor(snap *issue.Snapshot) []string {
	labels := slices.Clone(snap.Labels)
	if snap.MilestoneRef != "" {
		labels = append(labels, MilestoneLabelPrefix+snap.MilestoneRef)
	}

	return issue.NormalizeLabels(labels)
}

// parseStatus maps bd statuses onto the shared set. Statuses beads has
// beyond the four (deferred, pinned and the like) read as open.
func parseStatus(s string) issue.Status {
	st, err := issue.ParseStatus(s)
	if err != nil {
		return issue.StatusOpen
	}

	return st
}

func isNotFound(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}

	msg := strings.ToLower(cmdErr.Stderr)

	return strings.Contains(msg, "not found") || strings.Contains(msg, "no issue")
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	return dec.Decode(v)
}
