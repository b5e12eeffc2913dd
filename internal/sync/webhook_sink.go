package sync

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/tonimelisma/tasksync/internal/github"
	"github.com/tonimelisma/tasksync/internal/issue"
	"github.com/tonimelisma/tasksync/internal/webhook"
)

// WebhookSink turns verified webhook deliveries into ledger events and
// installation bookkeeping. It implements webhook.Sink.
type WebhookSink struct {
	store      *Store
	orch       *Orchestrator
	submit     func(id int64) bool
	configured func(fullName string) bool
	logger     *slog.Logger
}

// NewWebhookSink creates a sink. submit hands accepted event ids to the
// dispatcher; configured reports whether a repository is set up for sync
// locally, which decides whether newly installed repositories start enabled.
func NewWebhookSink(
	store *Store, orch *Orchestrator, submit func(int64) bool, configured func(string) bool, logger *slog.Logger,
) *WebhookSink {
	return &WebhookSink{store: store, orch: orch, submit: submit, configured: configured, logger: logger}
}

var _ webhook.Sink = (*WebhookSink)(nil)

// HandleIssue records an issues or issue_comment delivery. Deliveries for
// unknown or disabled repositories are acknowledged and dropped. Only a
// ledger failure is returned, so that GitHub redelivers.
func (s *WebhookSink) HandleIssue(ctx context.Context, ev *webhook.IssueEvent) error {
	logger := s.logger.With(slog.String("repo", ev.Repository.FullName), slog.String("delivery", ev.DeliveryID))

	repo, err := s.store.GetRepoByName(ctx, ev.Repository.FullName)
	if errors.Is(err, ErrRepoNotFound) {
		logger.Debug("ignoring delivery for unknown repo")
		return nil
	}

	if err != nil {
		return err
	}

	if !repo.SyncEnabled {
		logger.Debug("ignoring delivery for disabled repo")
		return nil
	}

	snap := github.ToSnapshot(&ev.Issue)

	acc, err := s.orch.Accept(ctx, ChangeEvent{
		RepoID:      repo.ID,
		Source:      issue.SourceGitHub,
		Kind:        kindForAction(ev.Event, ev.Action),
		ExternalRef: strconv.Itoa(ev.Issue.Number),
		Snapshot:    &snap,
		Action:      ev.Action,
		DeliveryID:  ev.DeliveryID,
	})
	if err != nil {
		return err
	}

	if !acc.Duplicate && s.submit != nil {
		s.submit(acc.EventID)
	}

	return nil
}

// HandleMilestone records a milestone delivery as an audit row and drops the
// GitHub adapter's cached milestone titles. Issues carry their milestone by
// title, so nothing is propagated to the other stores.
func (s *WebhookSink) HandleMilestone(ctx context.Context, ev *webhook.MilestoneEvent) error {
	logger := s.logger.With(slog.String("repo", ev.Repository.FullName), slog.String("delivery", ev.DeliveryID))

	repo, err := s.store.GetRepoByName(ctx, ev.Repository.FullName)
	if errors.Is(err, ErrRepoNotFound) {
		logger.Debug("ignoring milestone delivery for unknown repo")
		return nil
	}

	if err != nil {
		return err
	}

	if a, err := s.orch.registry.Lookup(repo.ID, issue.SourceGitHub); err == nil {
		if f, ok := a.(interface{ ForgetMilestones() }); ok {
			f.ForgetMilestones()
		}
	}

	number := strconv.Itoa(ev.Milestone.Number)
	subject := "milestone:" + strconv.FormatInt(repo.ID, 10) + ":" + number
	fingerprint := subject + ":" + ev.Action + ":" + ev.DeliveryID

	if ev.DeliveryID == "" {
		fingerprint += ev.Milestone.Title + ":" + ev.Milestone.State
	}

	if _, dup, err := s.orch.ledger.IsDuplicate(ctx, fingerprint); err != nil || dup {
		return err
	}

	now := s.orch.nowFunc()

	_, err = s.orch.ledger.Append(ctx, &SyncEvent{
		Type:        milestoneEventType(ev.Action),
		Direction:   DirectionGitHubToLocal,
		Status:      StatusCompleted,
		Source:      issue.SourceGitHub,
		Subject:     subject,
		Fingerprint: fingerprint,
		Payload: ChangeEvent{
			RepoID:      repo.ID,
			Source:      issue.SourceGitHub,
			ExternalRef: number,
			Action:      ev.Action,
			DeliveryID:  ev.DeliveryID,
			ObservedAt:  now,
		},
		RepoID:       repo.ID,
		MilestoneRef: ev.Milestone.Title,
		ProcessedAt:  &now,
	})
	if err != nil {
		return err
	}

	logger.Info("milestone changed", slog.String("action", ev.Action), slog.String("milestone", ev.Milestone.Title))

	return nil
}

func milestoneEventType(action string) EventType {
	switch action {
	case "created":
		return EventMilestoneCreated
	case "deleted":
		return EventMilestoneDeleted
	default:
		return EventMilestoneUpdated
	}
}

func kindForAction(event, action string) ChangeKind {
	if event == webhook.EventIssueComment {
		return ChangeUpdated
	}

	switch action {
	case "opened":
		return ChangeCreated
	case "closed":
		return ChangeClosed
	case "reopened":
		return ChangeReopened
	case "deleted":
		return ChangeDeleted
	default:
		return ChangeUpdated
	}
}

// HandleInstallation keeps installations and their repositories current.
// Removing or suspending an installation disables sync on its repositories
// but keeps their history.
func (s *WebhookSink) HandleInstallation(ctx context.Context, ev *webhook.InstallationEvent) error {
	inst := ev.Installation
	logger := s.logger.With(slog.Int64("installation", inst.ID), slog.String("action", ev.Action))

	switch ev.Action {
	case "created":
		if err := s.store.UpsertInstallation(ctx, &Installation{ID: inst.ID, Account: inst.Account.Login}); err != nil {
			return err
		}

		return s.addRepos(ctx, inst, ev.Added, logger)

	case "deleted":
		logger.Info("installation removed, disabling its repos")
		return s.store.DeleteInstallation(ctx, inst.ID)

	case "suspend":
		logger.Info("installation suspended, disabling its repos")
		return s.store.SetInstallationSuspended(ctx, inst.ID, true)

	case "unsuspend":
		if err := s.store.SetInstallationSuspended(ctx, inst.ID, false); err != nil {
			return err
		}

		return s.reenable(ctx, inst.ID, logger)

	case "added":
		if err := s.store.UpsertInstallation(ctx, &Installation{ID: inst.ID, Account: inst.Account.Login}); err != nil {
			return err
		}

		return s.addRepos(ctx, inst, ev.Added, logger)

	case "removed":
		for _, r := range ev.Removed {
			repo, err := s.store.GetRepoByName(ctx, r.FullName)
			if errors.Is(err, ErrRepoNotFound) {
				continue
			}

			if err != nil {
				return err
			}

			if err := s.store.SetRepoEnabled(ctx, repo.ID, false); err != nil {
				return err
			}

			logger.Info("repo removed from installation, sync disabled", slog.String("repo", r.FullName))
		}

		return nil

	default:
		logger.Debug("ignoring installation action")
		return nil
	}
}

func (s *WebhookSink) addRepos(
	ctx context.Context, inst webhook.InstallationRef, repos []webhook.Repository, logger *slog.Logger,
) error {
	for _, r := range repos {
		enabled := s.configured != nil && s.configured(r.FullName)

		if _, err := s.store.UpsertRepo(ctx, &Repo{
			ExternalID:     r.ID,
			FullName:       r.FullName,
			InstallationID: inst.ID,
			SyncEnabled:    enabled,
		}); err != nil {
			return err
		}

		logger.Info("repo installed", slog.String("repo", r.FullName), slog.Bool("sync_enabled", enabled))
	}

	return nil
}

func (s *WebhookSink) reenable(ctx context.Context, installationID int64, logger *slog.Logger) error {
	repos, err := s.store.ReposForInstallation(ctx, installationID)
	if err != nil {
		return err
	}

	for _, r := range repos {
		if s.configured == nil || !s.configured(r.FullName) {
			continue
		}

		if err := s.store.SetRepoEnabled(ctx, r.ID, true); err != nil {
			return err
		}

		logger.Info("repo re-enabled", slog.String("repo", r.FullName))
	}

	return nil
}
