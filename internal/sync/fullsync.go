package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/tasksync/internal/github"
	"github.com/tonimelisma/tasksync/internal/issue"
)

const defaultSyncTimeout = 10 * time.Minute

// FullSyncResult summarizes one full sync run.
type FullSyncResult struct {
	RunID      string        `json:"run_id"`
	RepoID     int64         `json:"repo_id"`
	EventID    int64         `json:"event_id"`
	Changes    int           `json:"changes"`
	Processed  int           `json:"processed"`
	Duplicates int           `json:"duplicates"`
	Echoes     int           `json:"echoes"`
	Conflicts  int           `json:"conflicts"`
	Failed     int           `json:"failed"`
	Truncated  bool          `json:"truncated"`
	Duration   time.Duration `json:"duration"`

	// resumeAt is the newest update time a truncated listing returned.
	resumeAt time.Time
}

// FullSyncer pulls every change since a repo's last full sync from all of
// its stores and feeds them through the orchestrator.
type FullSyncer struct {
	store    *Store
	ledger   *Ledger
	registry *Registry
	orch     *Orchestrator
	workers  int
	timeout  time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewFullSyncer creates a FullSyncer. workers bounds parallel event
// processing; timeout bounds one whole run.
func NewFullSyncer(
	store *Store, ledger *Ledger, registry *Registry, orch *Orchestrator,
	workers int, timeout time.Duration, logger *slog.Logger,
) *FullSyncer {
	if workers < minWorkers {
		workers = minWorkers
	}

	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}

	return &FullSyncer{
		store:    store,
		ledger:   ledger,
		registry: registry,
		orch:     orch,
		workers:  workers,
		timeout:  timeout,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Run performs one full sync of repoID. A repo already syncing yields
// ErrAlreadySyncing. A truncated listing is processed and moves the repo's
// cursor only up to the newest item it returned, so the next run resumes there.
func (f *FullSyncer) Run(ctx context.Context, repoID int64) (*FullSyncResult, error) {
	repo, err := f.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}

	if !repo.SyncEnabled {
		return nil, fmt.Errorf("sync: repo %s: %w", repo.FullName, ErrRepoDisabled)
	}

	if err := f.store.BeginFullSync(ctx, repoID); err != nil {
		return nil, err
	}

	started := f.nowFunc()
	res := &FullSyncResult{RunID: uuid.NewString(), RepoID: repoID}
	logger := f.logger.With(slog.String("repo", repo.FullName), slog.String("run", res.RunID))

	row := &SyncEvent{
		Type:      EventSyncFull,
		Direction: DirectionBidirectional,
		Subject:   "full:" + strconv.FormatInt(repoID, 10) + ":" + res.RunID,
		Payload:   ChangeEvent{RepoID: repoID, ObservedAt: started},
		RepoID:    repoID,
	}

	res.EventID, err = f.ledger.Append(ctx, row)
	if err == nil {
		err = f.ledger.Transition(ctx, res.EventID, StatusProcessing, TransitionOpts{})
	}

	if err != nil {
		_ = f.store.FinishFullSync(ctx, repoID, time.Time{}, err)
		return nil, err
	}

	logger.Info("full sync started", slog.Any("since", repo.LastSyncAt))

	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	runErr := f.run(runCtx, repo, res, logger)
	res.Duration = f.nowFunc().Sub(started)

	// Use the parent context: the run context may have expired.
	return res, f.finish(ctx, repo, res, started, runErr, logger)
}

func (f *FullSyncer) run(ctx context.Context, repo *Repo, res *FullSyncResult, logger *slog.Logger) error {
	var since time.Time
	if repo.LastSyncAt != nil {
		since = *repo.LastSyncAt
	}

	var changes []ChangeEvent

	for _, src := range f.registry.Sources(repo.ID) {
		a, err := f.registry.Lookup(repo.ID, src)
		if err != nil {
			return err
		}

		snaps, err := a.ListChangedSince(ctx, since)
		if errors.Is(err, github.ErrTruncated) {
			logger.Warn("listing truncated, processing partial result",
				slog.String("source", string(src)),
				slog.Int("items", len(snaps)),
			)

			var resume time.Time
			for i := range snaps {
				if snaps[i].UpdatedAt.After(resume) {
					resume = snaps[i].UpdatedAt
				}
			}

			if !res.Truncated || resume.Before(res.resumeAt) {
				res.resumeAt = resume
			}

			res.Truncated = true
		} else if err != nil {
			return fmt.Errorf("sync: listing %s changes: %w", src, err)
		}

		for _, snap := range snaps {
			changes = append(changes, changeFromSnapshot(repo.ID, snap, ChangeUpdated, f.nowFunc()))
		}
	}

	res.Changes = len(changes)

	var mu stdsync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers)

	for _, ev := range changes {
		g.Go(func() error {
			out, err := f.orch.Handle(gctx, ev)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				res.Failed++

				logger.Warn("change failed during full sync",
					slog.String("source", string(ev.Source)),
					slog.String("ref", ev.ExternalRef),
					slog.String("error", err.Error()),
				)
			case out.Status == StatusConflict:
				res.Conflicts++
			case out.Echo:
				res.Echoes++
			case out.Duplicate:
				res.Duplicates++
			default:
				res.Processed++
			}

			return nil
		})
	}

	return g.Wait()
}

func (f *FullSyncer) finish(
	ctx context.Context, repo *Repo, res *FullSyncResult, started time.Time, runErr error, logger *slog.Logger,
) error {
	cursor := started
	if res.Truncated {
		cursor = resumeCursor(repo, res, logger)
	}

	var errs []error

	if runErr != nil {
		errs = append(errs, runErr)

		if err := f.ledger.Transition(ctx, res.EventID, StatusFailed, TransitionOpts{Error: runErr.Error()}); err != nil {
			errs = append(errs, err)
		}

		logger.Error("full sync failed", slog.String("error", runErr.Error()))
	} else {
		if err := f.ledger.Transition(ctx, res.EventID, StatusCompleted, TransitionOpts{}); err != nil {
			errs = append(errs, err)
		}

		logger.Info("full sync complete",
			slog.Int("changes", res.Changes),
			slog.Int("processed", res.Processed),
			slog.Int("echoes", res.Echoes),
			slog.Int("conflicts", res.Conflicts),
			slog.Int("failed", res.Failed),
			slog.Bool("truncated", res.Truncated),
			slog.Duration("duration", res.Duration),
		)
	}

	if err := f.store.FinishFullSync(ctx, repo.ID, cursor, runErr); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// resumeCursor picks the cursor after a truncated run. Listings are inclusive
// of their since time and sorted oldest first, so the newest item returned is
// where the next run picks up. A window made only of items sharing the
// current cursor's timestamp would never advance, so it is stepped past.
func resumeCursor(repo *Repo, res *FullSyncResult, logger *slog.Logger) time.Time {
	var since time.Time
	if repo.LastSyncAt != nil {
		since = *repo.LastSyncAt
	}

	if res.resumeAt.IsZero() {
		return time.Time{}
	}

	if res.resumeAt.After(since) {
		return res.resumeAt
	}

	next := since.Add(time.Second)

	logger.Warn("truncated listing made no progress, stepping cursor",
		slog.Time("since", since),
		slog.Time("cursor", next),
	)

	return next
}

func changeFromSnapshot(repoID int64, snap issue.Snapshot, kind ChangeKind, observed time.Time) ChangeEvent {
	return ChangeEvent{
		RepoID:      repoID,
		Source:      snap.Source,
		Kind:        kind,
		ExternalRef: snap.ExternalRef,
		Snapshot:    &snap,
		ObservedAt:  observed,
	}
}
