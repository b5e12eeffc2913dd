package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/tasksync/internal/github"
	"github.com/tonimelisma/tasksync/internal/issue"
)

const (
	defaultRetryBackoff   = 30 * time.Second
	defaultAdapterTimeout = 30 * time.Second
	maxRetryBackoff       = time.Hour
)

// OrchestratorOptions tunes conflict policy, retries and adapter timeouts.
type OrchestratorOptions struct {
	Policy         Resolution
	MaxRetries     int
	RetryBackoff   time.Duration
	AdapterTimeout time.Duration
}

// Acceptance reports what Accept did with a change.
type Acceptance struct {
	EventID     int64
	Duplicate   bool
	DuplicateOf int64
}

// Outcome summarizes one processed event.
type Outcome struct {
	EventID    int64
	IssueID    string
	Status     EventStatus
	Resolution Resolution
	Echo       bool
	Duplicate  bool
	Written    []issue.Source
	RetryID    int64
}

// Orchestrator turns change events into ledger rows and reconciles the
// stores for each one. Work on one canonical issue is serialized by a
// KeyLock; different issues proceed in parallel.
type Orchestrator struct {
	ledger   *Ledger
	store    *Store
	registry *Registry
	locks    *KeyLock
	opts     OrchestratorOptions
	logger   *slog.Logger

	nowFunc  func() time.Time
	newID    func() string
	schedule func(SyncEvent)
}

// NewOrchestrator wires an orchestrator. Zero options take defaults; an
// empty policy means github_wins.
func NewOrchestrator(
	ledger *Ledger, store *Store, registry *Registry, opts OrchestratorOptions, logger *slog.Logger,
) *Orchestrator {
	if opts.Policy == "" {
		opts.Policy = ResolutionGitHubWins
	}

	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}

	if opts.AdapterTimeout <= 0 {
		opts.AdapterTimeout = defaultAdapterTimeout
	}

	return &Orchestrator{
		ledger:   ledger,
		store:    store,
		registry: registry,
		locks:    NewKeyLock(),
		opts:     opts,
		logger:   logger,
		nowFunc:  time.Now,
		newID:    uuid.NewString,
	}
}

// SetScheduler installs the callback that receives retry rows. The
// dispatcher installs itself here; without one, retries wait for the sweep.
func (o *Orchestrator) SetScheduler(fn func(SyncEvent)) {
	o.schedule = fn
}

// Accept fingerprints ev and appends it to the ledger as pending. A change
// already recorded is appended as a completed duplicate instead.
func (o *Orchestrator) Accept(ctx context.Context, ev ChangeEvent) (*Acceptance, error) {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = o.nowFunc()
	}

	ev.Hash = changeHash(&ev)

	row := &SyncEvent{
		Type:        eventTypeFor(ev.Kind),
		Direction:   directionFor(ev.Source),
		Source:      ev.Source,
		Subject:     subjectFor(ev.RepoID, ev.Source, ev.ExternalRef),
		Fingerprint: Fingerprint(ev.RepoID, ev.Source, ev.ExternalRef, ev.Hash),
		Payload:     ev,
		RepoID:      ev.RepoID,
	}

	if ev.Snapshot != nil {
		row.MilestoneRef = ev.Snapshot.MilestoneRef
	}

	if is, err := o.store.FindIssueByRef(ctx, ev.RepoID, ev.Source, ev.ExternalRef); err == nil {
		row.IssueID = is.ID
	}

	original, dup, err := o.ledger.IsDuplicate(ctx, row.Fingerprint)
	if err != nil {
		return nil, err
	}

	if dup {
		id, err := o.ledger.AppendDuplicate(ctx, row, original)
		if err != nil {
			return nil, err
		}

		o.logger.Debug("duplicate change",
			slog.Int64("event", id),
			slog.Int64("duplicate_of", original),
			slog.String("subject", row.Subject),
		)

		return &Acceptance{EventID: id, Duplicate: true, DuplicateOf: original}, nil
	}

	id, err := o.ledger.Append(ctx, row)
	if err != nil {
		return nil, err
	}

	o.logger.Debug("accepted change",
		slog.Int64("event", id),
		slog.String("subject", row.Subject),
		slog.String("kind", string(ev.Kind)),
	)

	return &Acceptance{EventID: id}, nil
}

// Handle accepts ev and processes it immediately unless it is a duplicate.
func (o *Orchestrator) Handle(ctx context.Context, ev ChangeEvent) (*Outcome, error) {
	acc, err := o.Accept(ctx, ev)
	if err != nil {
		return nil, err
	}

	if acc.Duplicate {
		return &Outcome{EventID: acc.EventID, Status: StatusCompleted, Duplicate: true}, nil
	}

	return o.Process(ctx, acc.EventID)
}

// Process reconciles the stores for one pending event. The returned error is
// the adapter failure when the event failed; the outcome is still populated.
func (o *Orchestrator) Process(ctx context.Context, id int64) (*Outcome, error) {
	ev, err := o.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !isIssueEvent(ev.Type) {
		return nil, fmt.Errorf("sync: event %d of type %s is not processable: %w", id, ev.Type, ErrInvalidTransition)
	}

	unlock, err := o.lockFor(ctx, ev)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := o.ledger.Transition(ctx, id, StatusProcessing, TransitionOpts{}); err != nil {
		return nil, err
	}

	ev.Status = StatusProcessing

	outcome, err := o.reconcile(ctx, ev)
	if err != nil {
		return o.fail(ctx, ev, err)
	}

	return outcome, nil
}

// lockFor takes the key lock of the canonical issue ev belongs to, or of its
// subject when no canonical issue exists yet. The key is re-resolved after
// acquiring, since another worker may have linked the subject meanwhile.
func (o *Orchestrator) lockFor(ctx context.Context, ev *SyncEvent) (func(), error) {
	for {
		key, err := o.lockKey(ctx, ev)
		if err != nil {
			return nil, err
		}

		unlock := o.locks.Lock(key)

		again, err := o.lockKey(ctx, ev)
		if err != nil {
			unlock()
			return nil, err
		}

		if again == key {
			return unlock, nil
		}

		unlock()
	}
}

func (o *Orchestrator) lockKey(ctx context.Context, ev *SyncEvent) (string, error) {
	is, err := o.findCanonical(ctx, ev.RepoID, ev.Payload.Source, ev.Payload.ExternalRef, ev.Payload.Snapshot)
	if err != nil {
		return "", err
	}

	if is != nil {
		return "issue:" + is.ID, nil
	}

	return "subject:" + ev.Subject, nil
}

// findCanonical returns the canonical issue for a store ref, falling back to
// the links carried by snap. It returns nil, nil when none exists.
func (o *Orchestrator) findCanonical(
	ctx context.Context, repoID int64, src issue.Source, ref string, snap *issue.Snapshot,
) (*Issue, error) {
	is, err := o.store.FindIssueByRef(ctx, repoID, src, ref)
	if err == nil {
		return is, nil
	}

	if !errors.Is(err, ErrIssueNotFound) {
		return nil, err
	}

	if snap == nil {
		return nil, nil
	}

	is, err = o.store.FindIssueByLinks(ctx, repoID, snap.Links)
	if err == nil {
		return is, nil
	}

	if errors.Is(err, ErrIssueNotFound) {
		return nil, nil
	}

	return nil, err
}

// plan is the working state of one reconciliation.
type plan struct {
	canon    *Issue
	isNew    bool
	current  map[issue.Source]*issue.Snapshot
	incoming *issue.Snapshot
	winner   *issue.Snapshot
	action   string
}

func (o *Orchestrator) reconcile(ctx context.Context, ev *SyncEvent) (*Outcome, error) {
	payload := ev.Payload
	src := payload.Source

	canon, err := o.findCanonical(ctx, ev.RepoID, src, payload.ExternalRef, payload.Snapshot)
	if err != nil {
		return nil, err
	}

	if payload.Kind == ChangeDeleted {
		return o.applyDeletion(ctx, ev, canon)
	}

	adapter, err := o.registry.Lookup(ev.RepoID, src)
	if err != nil {
		return nil, err
	}

	// The payload may be stale; the store's current content decides.
	incoming, err := o.snapshot(ctx, adapter, payload.ExternalRef)
	if errors.Is(err, issue.ErrNotFound) {
		return o.applyDeletion(ctx, ev, canon)
	}

	if err != nil {
		return nil, err
	}

	if canon == nil {
		canon, err = o.findCanonical(ctx, ev.RepoID, src, payload.ExternalRef, incoming)
		if err != nil {
			return nil, err
		}
	}

	p := &plan{
		canon:    canon,
		current:  map[issue.Source]*issue.Snapshot{src: incoming},
		incoming: incoming,
		action:   payload.Action,
	}

	if canon == nil {
		p.isNew = true
		p.canon = o.newCanonical(ev.RepoID, incoming)
	} else if ev.RetryOf == 0 && canon.RefFor(src) == payload.ExternalRef && canon.HashFor(src) == incoming.Hash() {
		// Retries skip this: a partial apply may already have recorded the
		// incoming store at the winner's content.
		if err := o.complete(ctx, ev, canon.ID, ""); err != nil {
			return nil, err
		}

		o.logger.Debug("echo suppressed",
			slog.Int64("event", ev.ID),
			slog.String("issue", canon.ID),
			slog.String("source", string(src)),
		)

		return &Outcome{EventID: ev.ID, IssueID: canon.ID, Status: StatusCompleted, Echo: true}, nil
	}

	changed, err := o.readOthers(ctx, ev.RepoID, p)
	if err != nil {
		return nil, err
	}

	if len(changed) == 0 {
		p.winner = incoming

		written, err := o.apply(ctx, p)
		if err != nil {
			return nil, err
		}

		if err := o.complete(ctx, ev, p.canon.ID, ""); err != nil {
			return nil, err
		}

		return &Outcome{EventID: ev.ID, IssueID: p.canon.ID, Status: StatusCompleted, Written: written}, nil
	}

	return o.resolveConflict(ctx, ev, p, changed)
}

func (o *Orchestrator) newCanonical(repoID int64, incoming *issue.Snapshot) *Issue {
	is := &Issue{ID: o.newID(), RepoID: repoID}
	is.SetContent(incoming)

	// Adopt links the store already carries so that the first sync of
	// pre-linked stores joins them instead of duplicating.
	if incoming.Links.GitHubNumber != 0 && incoming.Source != issue.SourceGitHub {
		is.GitHubNumber = incoming.Links.GitHubNumber
	}

	if incoming.Links.BeadsID != "" && incoming.Source != issue.SourceBeads {
		is.BeadsID = incoming.Links.BeadsID
	}

	if incoming.Links.IssueID != "" {
		is.ID = incoming.Links.IssueID
	}

	// The incoming store owns its ref but has never been synced.
	is.Record(incoming.Source, incoming)
	is.SetHash(incoming.Source, "")

	return is
}

// readOthers fetches every other registered store the canonical issue has a
// ref in. A store changed when its current content matches neither its
// last-synced hash nor the incoming content.
func (o *Orchestrator) readOthers(ctx context.Context, repoID int64, p *plan) ([]issue.Source, error) {
	var changed []issue.Source

	incomingHash := p.incoming.Hash()

	for _, other := range o.registry.Sources(repoID) {
		if other == p.incoming.Source {
			continue
		}

		ref := p.canon.RefFor(other)
		if ref == "" {
			continue
		}

		a, err := o.registry.Lookup(repoID, other)
		if err != nil {
			return nil, err
		}

		snap, err := o.snapshot(ctx, a, ref)
		if errors.Is(err, issue.ErrNotFound) {
			o.logger.Info("linked issue missing, will recreate",
				slog.String("issue", p.canon.ID),
				slog.String("source", string(other)),
				slog.String("ref", ref),
			)
			p.canon.Forget(other)

			continue
		}

		if err != nil {
			return nil, err
		}

		p.current[other] = snap

		h := snap.Hash()
		if h != p.canon.HashFor(other) && h != incomingHash {
			changed = append(changed, other)
		}
	}

	return changed, nil
}

func (o *Orchestrator) resolveConflict(
	ctx context.Context, ev *SyncEvent, p *plan, changed []issue.Source,
) (*Outcome, error) {
	involved := map[issue.Source]*issue.Snapshot{p.incoming.Source: p.incoming}

	names := []string{string(p.incoming.Source)}
	for _, src := range changed {
		involved[src] = p.current[src]
		names = append(names, string(src))
	}

	msg := fmt.Sprintf("conflict: %s changed since last sync", strings.Join(names, ", "))

	if err := o.ledger.Transition(ctx, ev.ID, StatusConflict, TransitionOpts{
		Error:   msg,
		IssueID: issueIDIfKnown(p),
	}); err != nil {
		return nil, err
	}

	o.logger.Warn("sync conflict",
		slog.Int64("event", ev.ID),
		slog.String("issue", p.canon.ID),
		slog.String("stores", strings.Join(names, ",")),
		slog.String("policy", string(o.opts.Policy)),
	)

	p.winner = pickWinner(o.opts.Policy, involved)
	if p.winner == nil {
		return &Outcome{EventID: ev.ID, IssueID: issueIDIfKnown(p), Status: StatusConflict}, nil
	}

	if p.winner.Source != ev.Payload.Source {
		p.action = ""
	}

	// A failed apply goes through fail like any adapter error: the conflict
	// row moves to failed and its retry detects the conflict again.
	written, err := o.apply(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("applying %s: %w", o.opts.Policy, err)
	}

	resolvedID, err := o.ledger.Resolve(ctx, ev.ID, o.opts.Policy, p.canon.ID)
	if err != nil {
		return nil, err
	}

	o.logger.Info("conflict resolved",
		slog.Int64("event", ev.ID),
		slog.Int64("resolution_event", resolvedID),
		slog.String("resolution", string(o.opts.Policy)),
		slog.String("issue", p.canon.ID),
	)

	return &Outcome{
		EventID:    ev.ID,
		IssueID:    p.canon.ID,
		Status:     StatusCompleted,
		Resolution: o.opts.Policy,
		Written:    written,
	}, nil
}

func issueIDIfKnown(p *plan) string {
	if p.isNew {
		return ""
	}

	return p.canon.ID
}

// apply writes the winner's content to every other store, backfills links
// into stores that lack them, and commits the canonical record. On a partial
// failure the refs of stores already written are saved, but the winner's
// hash is not, so a retry re-applies the remainder.
func (o *Orchestrator) apply(ctx context.Context, p *plan) ([]issue.Source, error) {
	canon := p.canon
	winner := p.winner
	repoID := canon.RepoID

	previous := canon.Status
	if p.isNew {
		previous = ""

		for _, src := range []issue.Source{issue.SourceLocal, issue.SourceBeads} {
			if s := p.current[src]; s != nil && (s.Status == issue.StatusInProgress || s.Status == issue.StatusBlocked) {
				previous = s.Status
				break
			}
		}
	}

	effective := *winner
	effective.Status = preserveStatus(winner, previous, p.action)

	canon.SetContent(&effective)

	winnerHash := canon.HashFor(winner.Source)
	canon.Record(winner.Source, winner)
	canon.SetHash(winner.Source, winnerHash)

	var written []issue.Source

	for _, target := range applyOrder {
		if target == winner.Source {
			continue
		}

		a, err := o.registry.Lookup(repoID, target)
		if errors.Is(err, ErrNoAdapter) {
			continue
		}

		if err != nil {
			return written, err
		}

		ref := canon.RefFor(target)
		want := effective.WithSource(target, ref)
		want.Links = canon.Links()

		if cur := p.current[target]; cur != nil && ref != "" && cur.Hash() == want.Hash() && !linksStale(target, cur, canon) {
			canon.Record(target, cur)
			continue
		}

		stored, err := o.upsert(ctx, a, ref, want)
		if err != nil {
			o.saveProgress(ctx, p)
			return written, fmt.Errorf("sync: writing %s: %w", target, err)
		}

		canon.Record(target, stored)
		p.current[target] = stored
		written = append(written, target)
	}

	// The winner store may be missing links created just now.
	if winner.Source.IsLocalSide() && linksStale(winner.Source, winner, canon) {
		a, err := o.registry.Lookup(repoID, winner.Source)
		if err != nil {
			return written, err
		}

		backfill := *winner
		backfill.Links = canon.Links()

		stored, err := o.upsert(ctx, a, winner.ExternalRef, backfill)
		if err != nil {
			o.saveProgress(ctx, p)
			return written, fmt.Errorf("sync: linking %s: %w", winner.Source, err)
		}

		winner = stored
	}

	canon.Record(winner.Source, winner)

	if err := o.commit(ctx, p); err != nil {
		return written, err
	}

	o.logger.Info("issue synced",
		slog.String("issue", canon.ID),
		slog.String("from", string(winner.Source)),
		slog.Int("stores_written", len(written)),
	)

	return written, nil
}

func (o *Orchestrator) commit(ctx context.Context, p *plan) error {
	if p.isNew {
		if err := o.store.CreateIssue(ctx, p.canon); err != nil {
			return err
		}

		p.isNew = false

		return nil
	}

	return o.store.UpdateIssue(ctx, p.canon)
}

func (o *Orchestrator) saveProgress(ctx context.Context, p *plan) {
	if err := o.commit(ctx, p); err != nil {
		o.logger.Warn("saving partial sync progress failed",
			slog.String("issue", p.canon.ID),
			slog.String("error", err.Error()),
		)
	}
}

// applyDeletion records that a store no longer has the issue. Deletion is
// detection only: the canonical record forgets the ref and the other stores
// are left alone.
func (o *Orchestrator) applyDeletion(ctx context.Context, ev *SyncEvent, canon *Issue) (*Outcome, error) {
	src := ev.Payload.Source
	issueID := ""

	if canon != nil && canon.RefFor(src) == ev.Payload.ExternalRef {
		canon.Forget(src)

		if err := o.store.UpdateIssue(ctx, canon); err != nil {
			return nil, err
		}

		issueID = canon.ID

		o.logger.Info("issue deleted from store",
			slog.String("issue", canon.ID),
			slog.String("source", string(src)),
			slog.String("ref", ev.Payload.ExternalRef),
		)
	}

	if err := o.complete(ctx, ev, issueID, ""); err != nil {
		return nil, err
	}

	return &Outcome{EventID: ev.ID, IssueID: issueID, Status: StatusCompleted}, nil
}

func (o *Orchestrator) complete(ctx context.Context, ev *SyncEvent, issueID string, res Resolution) error {
	return o.ledger.Transition(ctx, ev.ID, StatusCompleted, TransitionOpts{IssueID: issueID, Resolution: res})
}

// fail moves ev to failed and, when the cause is transient and retries are
// left, appends a delayed retry row. Once retries run out the repo is marked
// as errored. ev may be processing or, when an automatic resolution could
// not be applied, conflict.
func (o *Orchestrator) fail(ctx context.Context, ev *SyncEvent, cause error) (*Outcome, error) {
	if errors.Is(cause, github.ErrUnauthorized) && !errors.Is(cause, ErrUnauthorized) {
		cause = fmt.Errorf("%w: %w", ErrUnauthorized, cause)
	}

	out := &Outcome{EventID: ev.ID, Status: StatusFailed}

	if ctx.Err() != nil {
		// Shutting down: the row stays in processing and is reclaimed on
		// the next start.
		return out, cause
	}

	if err := o.ledger.Transition(ctx, ev.ID, StatusFailed, TransitionOpts{Error: cause.Error()}); err != nil {
		return out, errors.Join(cause, err)
	}

	logger := o.logger.With(slog.Int64("event", ev.ID), slog.String("subject", ev.Subject))

	if retryable(cause) && ev.RetryCount < o.opts.MaxRetries {
		retry := o.retryRow(ev)

		id, err := o.ledger.Append(ctx, &retry)
		if err != nil {
			return out, errors.Join(cause, err)
		}

		out.RetryID = id

		logger.Warn("sync event failed, will retry",
			slog.Int64("retry", id),
			slog.Int("attempt", retry.RetryCount),
			slog.Time("not_before", retry.NotBefore),
			slog.String("error", cause.Error()),
		)

		if o.schedule != nil {
			o.schedule(retry)
		}

		return out, cause
	}

	logger.Error("sync event failed permanently",
		slog.Int("attempts", ev.RetryCount+1),
		slog.String("error", cause.Error()),
	)

	if err := o.store.SetRepoError(ctx, ev.RepoID, cause.Error()); err != nil {
		return out, errors.Join(cause, err)
	}

	return out, cause
}

func (o *Orchestrator) retryRow(ev *SyncEvent) SyncEvent {
	backoff := o.opts.RetryBackoff << ev.RetryCount
	if backoff <= 0 || backoff > maxRetryBackoff {
		backoff = maxRetryBackoff
	}

	return SyncEvent{
		Type:         ev.Type,
		Direction:    ev.Direction,
		Status:       StatusPending,
		Source:       ev.Source,
		Subject:      ev.Subject,
		Fingerprint:  ev.Fingerprint,
		Payload:      ev.Payload,
		RepoID:       ev.RepoID,
		IssueID:      ev.IssueID,
		MilestoneRef: ev.MilestoneRef,
		RetryCount:   ev.RetryCount + 1,
		RetryOf:      ev.ID,
		NotBefore:    o.nowFunc().Add(backoff),
	}
}

func retryable(err error) bool {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoAdapter) ||
		errors.Is(err, context.Canceled) {
		return false
	}

	return github.IsTransient(err)
}

// ResolveConflict settles a conflict event by hand. local_wins and
// github_wins re-read every store and apply the chosen side; manual accepts
// the stores as they are now and records their hashes.
func (o *Orchestrator) ResolveConflict(ctx context.Context, id int64, resolution Resolution) (*Outcome, error) {
	ev, err := o.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if ev.Status != StatusConflict {
		return nil, fmt.Errorf("sync: event %d is %s, not conflict: %w", id, ev.Status, ErrInvalidTransition)
	}

	unlock, err := o.lockFor(ctx, ev)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := o.currentState(ctx, ev)
	if err != nil {
		return nil, err
	}

	var written []issue.Source

	if resolution == ResolutionManual {
		for src, snap := range p.current {
			p.canon.Record(src, snap)
		}

		if err := o.commit(ctx, p); err != nil {
			return nil, err
		}
	} else {
		p.winner = pickWinner(resolution, p.current)
		if p.winner == nil {
			return nil, fmt.Errorf("sync: event %d: no store to resolve from: %w", id, ErrIssueNotFound)
		}

		if p.winner.Source != ev.Payload.Source {
			p.action = ""
		}

		written, err = o.apply(ctx, p)
		if err != nil {
			return nil, err
		}
	}

	resolvedID, err := o.ledger.Resolve(ctx, id, resolution, p.canon.ID)
	if err != nil {
		return nil, err
	}

	o.logger.Info("conflict resolved",
		slog.Int64("event", id),
		slog.Int64("resolution_event", resolvedID),
		slog.String("resolution", string(resolution)),
		slog.String("issue", p.canon.ID),
	)

	return &Outcome{
		EventID:    id,
		IssueID:    p.canon.ID,
		Status:     StatusCompleted,
		Resolution: resolution,
		Written:    written,
	}, nil
}

// currentState loads the canonical issue of ev and the current snapshot of
// every store that has it.
func (o *Orchestrator) currentState(ctx context.Context, ev *SyncEvent) (*plan, error) {
	p := &plan{current: make(map[issue.Source]*issue.Snapshot), action: ev.Payload.Action}

	canon, err := o.findCanonical(ctx, ev.RepoID, ev.Payload.Source, ev.Payload.ExternalRef, ev.Payload.Snapshot)
	if err != nil {
		return nil, err
	}

	if canon == nil {
		a, err := o.registry.Lookup(ev.RepoID, ev.Payload.Source)
		if err != nil {
			return nil, err
		}

		incoming, err := o.snapshot(ctx, a, ev.Payload.ExternalRef)
		if err != nil {
			return nil, err
		}

		p.isNew = true
		p.canon = o.newCanonical(ev.RepoID, incoming)
	} else {
		p.canon = canon
	}

	for _, src := range o.registry.Sources(ev.RepoID) {
		ref := p.canon.RefFor(src)
		if src == ev.Payload.Source && ref == "" {
			ref = ev.Payload.ExternalRef
		}

		if ref == "" {
			continue
		}

		a, err := o.registry.Lookup(ev.RepoID, src)
		if err != nil {
			return nil, err
		}

		snap, err := o.snapshot(ctx, a, ref)
		if errors.Is(err, issue.ErrNotFound) {
			p.canon.Forget(src)
			continue
		}

		if err != nil {
			return nil, err
		}

		p.current[src] = snap
	}

	p.incoming = p.current[ev.Payload.Source]

	return p, nil
}

func (o *Orchestrator) snapshot(ctx context.Context, a Source, ref string) (*issue.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.AdapterTimeout)
	defer cancel()

	snap, err := a.Snapshot(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("sync: reading %s %s: %w", a.Name(), ref, err)
	}

	return snap, nil
}

func (o *Orchestrator) upsert(ctx context.Context, a Adapter, ref string, snap issue.Snapshot) (*issue.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.AdapterTimeout)
	defer cancel()

	return a.Upsert(ctx, ref, snap)
}
