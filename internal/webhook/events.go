package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tonimelisma/tasksync/internal/github"
)

// Event names carried in X-GitHub-Event.
const (
	EventPing                     = "ping"
	EventInstallation             = "installation"
	EventInstallationRepositories = "installation_repositories"
	EventIssues                   = "issues"
	EventIssueComment             = "issue_comment"
	EventMilestone                = "milestone"
)

// Issue actions the engine reacts to. Others are acknowledged and dropped.
var issueActions = map[string]bool{
	"opened":       true,
	"edited":       true,
	"closed":       true,
	"reopened":     true,
	"deleted":      true,
	"labeled":      true,
	"unlabeled":    true,
	"assigned":     true,
	"unassigned":   true,
	"milestoned":   true,
	"demilestoned": true,
}

// ErrMalformed marks payloads that do not decode into the expected shape.
var ErrMalformed = errors.New("webhook: malformed payload")

// Repository is the repository object embedded in webhook payloads.
type Repository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
}

// Account is the user or organization an installation belongs to.
type Account struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// InstallationRef identifies the installation a delivery came through.
type InstallationRef struct {
	ID      int64   `json:"id"`
	Account Account `json:"account"`
}

// IssueEvent is an issues or issue_comment delivery.
type IssueEvent struct {
	DeliveryID   string
	Event        string
	Action       string
	Repository   Repository
	Installation int64
	Issue        github.Issue
}

// InstallationEvent is an installation or installation_repositories delivery.
type InstallationEvent struct {
	DeliveryID   string
	Event        string
	Action       string
	Installation InstallationRef
	Added        []Repository
	Removed      []Repository
}

// MilestoneEvent is a milestone delivery.
type MilestoneEvent struct {
	DeliveryID string
	Action     string
	Repository Repository
	Milestone  github.Milestone
}

type milestonePayload struct {
	Action     string            `json:"action"`
	Milestone  *github.Milestone `json:"milestone"`
	Repository *Repository       `json:"repository"`
}

type issuesPayload struct {
	Action       string           `json:"action"`
	Issue        *github.Issue    `json:"issue"`
	Repository   *Repository      `json:"repository"`
	Installation *InstallationRef `json:"installation"`
}

type installationPayload struct {
	Action              string           `json:"action"`
	Installation        *InstallationRef `json:"installation"`
	Repositories        []Repository     `json:"repositories"`
	RepositoriesAdded   []Repository     `json:"repositories_added"`
	RepositoriesRemoved []Repository     `json:"repositories_removed"`
}

// parseIssues decodes an issues or issue_comment body. It returns nil without
// error for actions the engine ignores.
func parseIssues(event, delivery string, body []byte) (*IssueEvent, error) {
	var p issuesPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if p.Issue == nil || p.Issue.Number <= 0 || p.Repository == nil || p.Repository.FullName == "" {
		return nil, fmt.Errorf("%w: %s missing issue or repository", ErrMalformed, event)
	}

	if event == EventIssues && !issueActions[p.Action] {
		return nil, nil
	}

	// Comments on pull requests arrive as issue_comment too.
	if p.Issue.PullRequest != nil {
		return nil, nil
	}

	ev := &IssueEvent{
		DeliveryID: delivery,
		Event:      event,
		Action:     p.Action,
		Repository: *p.Repository,
		Issue:      *p.Issue,
	}

	if p.Installation != nil {
		ev.Installation = p.Installation.ID
	}

	return ev, nil
}

func parseInstallation(event, delivery string, body []byte) (*InstallationEvent, error) {
	var p installationPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if p.Installation == nil || p.Installation.ID == 0 || p.Action == "" {
		return nil, fmt.Errorf("%w: %s missing installation or action", ErrMalformed, event)
	}

	ev := &InstallationEvent{
		DeliveryID:   delivery,
		Event:        event,
		Action:       p.Action,
		Installation: *p.Installation,
	}

	if event == EventInstallation {
		ev.Added = p.Repositories
	} else {
		ev.Added = p.RepositoriesAdded
		ev.Removed = p.RepositoriesRemoved
	}

	return ev, nil
}

func parseMilestone(delivery string, body []byte) (*MilestoneEvent, error) {
	var p milestonePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if p.Milestone == nil || p.Milestone.Number <= 0 || p.Repository == nil || p.Repository.FullName == "" {
		return nil, fmt.Errorf("%w: milestone missing milestone or repository", ErrMalformed)
	}

	return &MilestoneEvent{
		DeliveryID: delivery,
		Action:     p.Action,
		Repository: *p.Repository,
		Milestone:  *p.Milestone,
	}, nil
}
