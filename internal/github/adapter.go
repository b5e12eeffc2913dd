package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/tasksync/internal/issue"
)

// PriorityLabelPrefix marks the label that carries an issue's priority,
// since GitHub issues have no native priority field.
const PriorityLabelPrefix = "priority:"

// Adapter exposes one repository's issues as an issue store.
// Refs are decimal issue numbers.
type Adapter struct {
	client *Client
	owner  string
	repo   string
	logger *slog.Logger

	mu         sync.Mutex
	milestones map[string]int // title -> number, loaded on first use
}

// NewAdapter returns an adapter for the "owner/name" repository.
func NewAdapter(client *Client, fullName string, logger *slog.Logger) (*Adapter, error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github: invalid repository name %q", fullName)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		client: client,
		owner:  owner,
		repo:   repo,
		logger: logger.With(slog.String("repo", fullName)),
	}, nil
}

// Name identifies the store.
func (a *Adapter) Name() issue.Source { return issue.SourceGitHub }

// Snapshot fetches the current state of one issue. Missing, deleted and
// transferred issues report issue.ErrNotFound.
func (a *Adapter) Snapshot(ctx context.Context, ref string) (*issue.Snapshot, error) {
	number, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	is, err := a.client.GetIssue(ctx, a.owner, a.repo, number)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrGone) {
			return nil, fmt.Errorf("github: issue #%d: %w", number, issue.ErrNotFound)
		}

		return nil, err
	}

	if is.PullRequest != nil {
		return nil, fmt.Errorf("github: #%d is a pull request: %w", number, issue.ErrNotFound)
	}

	snap := ToSnapshot(is)

	return &snap, nil
}

// ListChangedSince lists issues updated at or after since. When the fetch
// was truncated the partial list is returned together with an error wrapping
// ErrTruncated.
func (a *Adapter) ListChangedSince(ctx context.Context, since time.Time) ([]issue.Snapshot, error) {
	res, err := a.client.ListIssuesSince(ctx, a.owner, a.repo, since)
	if res == nil {
		return nil, err
	}

	snaps := make([]issue.Snapshot, 0, len(res.Items))
	for i := range res.Items {
		snaps = append(snaps, ToSnapshot(&res.Items[i]))
	}

	return snaps, err
}

// Upsert writes snap to GitHub. An empty ref creates a new issue. The stored
// projection is returned.
func (a *Adapter) Upsert(ctx context.Context, ref string, snap issue.Snapshot) (*issue.Snapshot, error) {
	req := RequestFor(snap)

	milestone, err := a.milestoneField(ctx, snap.MilestoneRef)
	if err != nil {
		return nil, err
	}

	req.Milestone = milestone

	var is *Issue

	if ref == "" {
		// New issues are always created open.
		req.State = ""

		is, err = a.client.CreateIssue(ctx, a.owner, a.repo, req)
		if err != nil {
			return nil, err
		}

		if snap.Status == issue.StatusClosed {
			is, err = a.client.UpdateIssue(ctx, a.owner, a.repo, is.Number, &IssueRequest{
				State:     StateClosed,
				Labels:    req.Labels,
				Assignees: req.Assignees,
			})
			if err != nil {
				return nil, err
			}
		}
	} else {
		number, err := ParseRef(ref)
		if err != nil {
			return nil, err
		}

		is, err = a.client.UpdateIssue(ctx, a.owner, a.repo, number, req)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrGone) {
				return nil, fmt.Errorf("github: issue #%d: %w", number, issue.ErrNotFound)
			}

			return nil, err
		}
	}

	out := ToSnapshot(is)

	return &out, nil
}

// milestoneField resolves a milestone title to the raw request value: empty
// (leave unchanged) when the title is unknown, null when it is cleared.
func (a *Adapter) milestoneField(ctx context.Context, title string) (json.RawMessage, error) {
	if title == "" {
		return json.RawMessage("null"), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.milestones == nil {
		list, err := a.client.ListMilestones(ctx, a.owner, a.repo)
		if err != nil {
			return nil, fmt.Errorf("github: listing milestones: %w", err)
		}

		a.milestones = make(map[string]int, len(list))
		for _, m := range list {
			a.milestones[m.Title] = m.Number
		}
	}

	number, ok := a.milestones[title]
	if !ok {
		a.logger.Debug("milestone not found on GitHub, leaving unchanged",
			slog.String("milestone", title))

		return nil, nil
	}

	return json.RawMessage(strconv.Itoa(number)), nil
}

// ForgetMilestones drops the cached milestone titles so the next write
// reloads them.
func (a *Adapter) ForgetMilestones() {
	a.mu.Lock()
	a.milestones = nil
	a.mu.Unlock()
}

// ParseRef converts a GitHub ref (issue number) to an int.
func ParseRef(ref string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(ref, "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("github: invalid issue ref %q", ref)
	}

	return n, nil
}

// ToSnapshot projects a REST issue onto the normalized model. GitHub knows
// only open and closed; priority is read from a "priority:N" label and
// defaults to issue.DefaultPriority.
func ToSnapshot(is *Issue) issue.Snapshot {
	status := issue.StatusOpen
	if is.State == StateClosed {
		status = issue.StatusClosed
	}

	priority := issue.DefaultPriority
	labels := make([]string, 0, len(is.Labels))

	for _, l := range is.Labels {
		if p, ok := parsePriorityLabel(l.Name); ok {
			priority = p

			continue
		}

		labels = append(labels, l.Name)
	}

	snap := issue.Snapshot{
		Source:      issue.SourceGitHub,
		ExternalRef: strconv.Itoa(is.Number),
		Title:       is.Title,
		Description: is.Body,
		Status:      status,
		Priority:    priority,
		Labels:      labels,
		UpdatedAt:   is.UpdatedAt,
		Links:       issue.Links{GitHubNumber: is.Number},
	}

	if is.Assignee != nil {
		snap.Assignee = is.Assignee.Login
	}

	if is.Milestone != nil {
		snap.MilestoneRef = is.Milestone.Title
	}

	return snap.Normalized()
}

// RequestFor builds the write body for snap. Local open, in_progress and
// blocked all push as open; priority travels as a label.
func RequestFor(snap issue.Snapshot) *IssueRequest {
	n := snap.Normalized()

	state := StateOpen
	if n.Status == issue.StatusClosed {
		state = StateClosed
	}

	labels := make([]string, 0, len(n.Labels)+1)
	for _, l := range n.Labels {
		if _, ok := parsePriorityLabel(l); !ok {
			labels = append(labels, l)
		}
	}

	labels = append(labels, PriorityLabelPrefix+strconv.Itoa(n.Priority))

	assignees := []string{}
	if n.Assignee != "" {
		assignees = append(assignees, n.Assignee)
	}

	body := n.Description

	return &IssueRequest{
		Title:     n.Title,
		Body:      &body,
		State:     state,
		Labels:    labels,
		Assignees: assignees,
	}
}

func parsePriorityLabel(name string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(name)), PriorityLabelPrefix)
	if !ok {
		return 0, false
	}

	p, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}

	return issue.ClampPriority(p), true
}
