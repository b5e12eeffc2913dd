package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/tasksync/internal/issue"
)

// The ledger records every sync attempt in the sync_events table and is the
// single source of truth for "has this change been applied". Rows move
// through
//
//	pending → processing → completed | failed | conflict
//	conflict → completed (with a resolution) | failed
//
// and every transition is a compare-and-swap on the current status. The only
// backwards edge, processing → pending, belongs to ReclaimStale.

const (
	staleReclaimedMsg = "stale processing reclaimed"
	interruptedRunMsg = "interrupted by shutdown"
)

const ledgerColumns = `id, repo_id, issue_id, event_type, direction, source, subject,
	fingerprint, status, payload, error, conflict_resolution, milestone_ref,
	retry_count, retry_of, duplicate_of, resolves_id, not_before, created_at,
	processed_at`

var allowedTransitions = map[EventStatus][]EventStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusConflict},
	StatusConflict:   {StatusCompleted, StatusFailed},
}

func transitionAllowed(from, to EventStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// TransitionOpts carries optional columns written with a status change.
type TransitionOpts struct {
	Error      string
	Resolution Resolution
	IssueID    string
}

// ListFilter narrows ListRecent. Zero values match everything.
type ListFilter struct {
	RepoID int64
	Status EventStatus
	Type   EventType
	Limit  int
}

// Ledger persists SyncEvents. It shares the *sql.DB with Store.
type Ledger struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time

	obsMu     stdsync.RWMutex
	observers []func(SyncEvent)
}

// NewLedger creates a Ledger on an open state database.
func NewLedger(db *sql.DB, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, logger: logger, nowFunc: time.Now}
}

// Subscribe registers fn to be called after every successful append or
// transition. Observers run synchronously and must not block.
func (l *Ledger) Subscribe(fn func(SyncEvent)) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()

	l.observers = append(l.observers, fn)
}

func (l *Ledger) notify(ctx context.Context, ids ...int64) {
	l.obsMu.RLock()
	observers := l.observers
	l.obsMu.RUnlock()

	if len(observers) == 0 {
		return
	}

	for _, id := range ids {
		ev, err := l.Get(ctx, id)
		if err != nil {
			l.logger.Debug("ledger: notify lookup failed", slog.Int64("id", id), slog.String("error", err.Error()))
			continue
		}

		for _, fn := range observers {
			fn(*ev)
		}
	}
}

// Append inserts ev and sets its ID. Status defaults to pending, CreatedAt
// and NotBefore to now.
func (l *Ledger) Append(ctx context.Context, ev *SyncEvent) (int64, error) {
	id, err := l.insert(ctx, l.db, ev)
	if err != nil {
		return 0, err
	}

	l.notify(ctx, id)

	return id, nil
}

// AppendDuplicate records ev as an already-completed duplicate of original.
// Duplicates never reach processing.
func (l *Ledger) AppendDuplicate(ctx context.Context, ev *SyncEvent, original int64) (int64, error) {
	now := l.nowFunc()
	ev.Status = StatusCompleted
	ev.DuplicateOf = original
	ev.ProcessedAt = &now

	return l.Append(ctx, ev)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *Ledger) insert(ctx context.Context, db execer, ev *SyncEvent) (int64, error) {
	now := l.nowFunc()

	if ev.Status == "" {
		ev.Status = StatusPending
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}

	if ev.NotBefore.IsZero() {
		ev.NotBefore = ev.CreatedAt
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("sync: ledger encoding payload: %w", err)
	}

	result, err := db.ExecContext(ctx,
		`INSERT INTO sync_events
			(repo_id, issue_id, event_type, direction, source, subject, fingerprint,
			 status, payload, error, conflict_resolution, milestone_ref, retry_count,
			 retry_of, duplicate_of, resolves_id, not_before, created_at, processed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RepoID, nullString(ev.IssueID), string(ev.Type), string(ev.Direction),
		string(ev.Source), ev.Subject, ev.Fingerprint, string(ev.Status), string(payload),
		nullString(ev.Error), nullString(string(ev.ConflictResolution)), nullString(ev.MilestoneRef),
		ev.RetryCount, nullInt64(ev.RetryOf), nullInt64(ev.DuplicateOf), nullInt64(ev.ResolvesID),
		toUnix(ev.NotBefore), toUnix(ev.CreatedAt), nullTime(ev.ProcessedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("sync: ledger append %s: %w", ev.Type, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sync: ledger append last insert id: %w", err)
	}

	ev.ID = id

	return id, nil
}

// Transition moves event id to status to. Edges outside the lifecycle, a
// conflict→completed without a resolution, and lost compare-and-swap races
// all return ErrInvalidTransition.
func (l *Ledger) Transition(ctx context.Context, id int64, to EventStatus, opts TransitionOpts) error {
	var from EventStatus

	err := l.db.QueryRowContext(ctx, `SELECT status FROM sync_events WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sync: ledger transition %d: %w", id, ErrEventNotFound)
	}

	if err != nil {
		return fmt.Errorf("sync: ledger transition %d: %w", id, err)
	}

	if !transitionAllowed(from, to) {
		return fmt.Errorf("sync: ledger transition %d %s→%s: %w", id, from, to, ErrInvalidTransition)
	}

	if from == StatusConflict && to == StatusCompleted && opts.Resolution == "" {
		return fmt.Errorf("sync: ledger transition %d: resolving a conflict requires a resolution: %w",
			id, ErrInvalidTransition)
	}

	result, err := l.db.ExecContext(ctx,
		`UPDATE sync_events SET status = ?, processed_at = ?,
			error = COALESCE(?, error),
			conflict_resolution = COALESCE(?, conflict_resolution),
			issue_id = COALESCE(?, issue_id)
		 WHERE id = ? AND status = ?`,
		string(to), toUnix(l.nowFunc()), nullString(opts.Error),
		nullString(string(opts.Resolution)), nullString(opts.IssueID), id, string(from))
	if err != nil {
		return fmt.Errorf("sync: ledger transition %d: %w", id, err)
	}

	ok, err := rowsAffectedOne(result, "ledger transition")
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("sync: ledger transition %d: no longer %s: %w", id, from, ErrInvalidTransition)
	}

	l.notify(ctx, id)

	return nil
}

// Resolve completes a conflict event with resolution and appends a
// conflict.resolved event pointing at it, in one transaction. It returns the
// id of the new event.
func (l *Ledger) Resolve(ctx context.Context, id int64, resolution Resolution, issueID string) (int64, error) {
	if resolution == "" {
		return 0, fmt.Errorf("sync: ledger resolve %d: empty resolution: %w", id, ErrInvalidTransition)
	}

	original, err := l.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sync: ledger begin resolve: %w", err)
	}
	defer tx.Rollback()

	now := l.nowFunc()

	result, err := tx.ExecContext(ctx,
		`UPDATE sync_events SET status = ?, conflict_resolution = ?, processed_at = ?,
			issue_id = COALESCE(?, issue_id)
		 WHERE id = ? AND status = ?`,
		string(StatusCompleted), string(resolution), toUnix(now), nullString(issueID),
		id, string(StatusConflict))
	if err != nil {
		return 0, fmt.Errorf("sync: ledger resolve %d: %w", id, err)
	}

	ok, err := rowsAffectedOne(result, "ledger resolve")
	if err != nil {
		return 0, err
	}

	if !ok {
		return 0, fmt.Errorf("sync: ledger resolve %d: not in conflict: %w", id, ErrInvalidTransition)
	}

	if issueID == "" {
		issueID = original.IssueID
	}

	resolved := &SyncEvent{
		Type:               EventConflictResolved,
		Direction:          DirectionBidirectional,
		Status:             StatusCompleted,
		Source:             original.Source,
		Subject:            original.Subject,
		Payload:            original.Payload,
		ConflictResolution: resolution,
		RepoID:             original.RepoID,
		IssueID:            issueID,
		MilestoneRef:       original.MilestoneRef,
		ResolvesID:         id,
		ProcessedAt:        &now,
	}

	newID, err := l.insert(ctx, tx, resolved)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sync: ledger commit resolve %d: %w", id, err)
	}

	l.notify(ctx, id, newID)

	return newID, nil
}

// ReclaimStale returns issue rows claimed more than grace ago to pending
// and reports their ids. A grace of zero reclaims every processing row,
// which is what startup recovery wants. Full sync rows are left alone; see
// FailInterruptedRuns.
func (l *Ledger) ReclaimStale(ctx context.Context, grace time.Duration) ([]int64, error) {
	now := l.nowFunc()
	cutoff := toUnix(now.Add(-grace))

	rows, err := l.db.QueryContext(ctx,
		`UPDATE sync_events SET status = ?, error = ?, not_before = ?
		 WHERE status = ? AND processed_at <= ? AND event_type NOT IN (?, ?, ?)
		 RETURNING id`,
		string(StatusPending), staleReclaimedMsg, toUnix(now), string(StatusProcessing), cutoff,
		string(EventSyncFull), string(EventSyncPush), string(EventSyncPull))
	if err != nil {
		return nil, fmt.Errorf("sync: ledger reclaim stale: %w", err)
	}
	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sync: ledger reclaim stale scan: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: ledger reclaim stale: %w", err)
	}

	rows.Close()

	l.notify(ctx, ids...)

	return ids, nil
}

// FailInterruptedRuns marks sync run rows still processing as failed. It is
// only safe at startup, before any run can be in flight.
func (l *Ledger) FailInterruptedRuns(ctx context.Context) (int, error) {
	result, err := l.db.ExecContext(ctx,
		`UPDATE sync_events SET status = ?, error = ?, processed_at = ?
		 WHERE status = ? AND event_type IN (?, ?, ?)`,
		string(StatusFailed), interruptedRunMsg, toUnix(l.nowFunc()), string(StatusProcessing),
		string(EventSyncFull), string(EventSyncPush), string(EventSyncPull))
	if err != nil {
		return 0, fmt.Errorf("sync: ledger fail interrupted runs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sync: ledger fail interrupted runs: %w", err)
	}

	return int(n), nil
}

// IsDuplicate reports whether a change with fingerprint has already been
// recorded and is still the latest change seen for its subject. A failed
// original does not count, so a redelivery after a terminal failure is
// processed again. A later different change to the same subject also voids
// the match: A→B→A must apply the second A.
func (l *Ledger) IsDuplicate(ctx context.Context, fingerprint string) (int64, bool, error) {
	if fingerprint == "" {
		return 0, false, nil
	}

	var id int64

	err := l.db.QueryRowContext(ctx,
		`SELECT e.id FROM sync_events e
		 WHERE e.fingerprint = ? AND e.duplicate_of IS NULL AND e.status != ?
		   AND NOT EXISTS (
			SELECT 1 FROM sync_events n
			WHERE n.subject = e.subject AND n.id > e.id AND n.duplicate_of IS NULL
			  AND n.fingerprint != '' AND n.fingerprint != e.fingerprint)
		 ORDER BY e.id DESC LIMIT 1`,
		fingerprint, string(StatusFailed)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("sync: ledger duplicate check: %w", err)
	}

	return id, true, nil
}

// Get returns one event.
func (l *Ledger) Get(ctx context.Context, id int64) (*SyncEvent, error) {
	rows, err := l.queryRows(ctx, `WHERE id = ?`, "get", id)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("sync: ledger event %d: %w", id, ErrEventNotFound)
	}

	return &rows[0], nil
}

// FindPending returns the pending rows of a repo in processing order.
func (l *Ledger) FindPending(ctx context.Context, repoID int64) ([]SyncEvent, error) {
	return l.queryRows(ctx, `WHERE repo_id = ? AND status = ? ORDER BY id`,
		"find pending", repoID, string(StatusPending))
}

// FindDue returns pending rows across all repos whose NotBefore has passed.
func (l *Ledger) FindDue(ctx context.Context, now time.Time, limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = -1
	}

	return l.queryRows(ctx, `WHERE status = ? AND not_before <= ? ORDER BY not_before, id LIMIT ?`,
		"find due", string(StatusPending), toUnix(now), limit)
}

// ListForIssue returns the history of one canonical issue, newest first.
func (l *Ledger) ListForIssue(ctx context.Context, issueID string, limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = -1
	}

	return l.queryRows(ctx, `WHERE issue_id = ? ORDER BY id DESC LIMIT ?`,
		"list for issue", issueID, limit)
}

// ListConflicts returns unresolved conflict rows, optionally for one repo.
func (l *Ledger) ListConflicts(ctx context.Context, repoID int64) ([]SyncEvent, error) {
	if repoID == 0 {
		return l.queryRows(ctx, `WHERE status = ? ORDER BY id`, "list conflicts", string(StatusConflict))
	}

	return l.queryRows(ctx, `WHERE status = ? AND repo_id = ? ORDER BY id`,
		"list conflicts", string(StatusConflict), repoID)
}

// ListRecent returns events matching f, newest first.
func (l *Ledger) ListRecent(ctx context.Context, f ListFilter) ([]SyncEvent, error) {
	where := `WHERE 1 = 1`

	var args []any

	if f.RepoID != 0 {
		where += ` AND repo_id = ?`

		args = append(args, f.RepoID)
	}

	if f.Status != "" {
		where += ` AND status = ?`

		args = append(args, string(f.Status))
	}

	if f.Type != "" {
		where += ` AND event_type = ?`

		args = append(args, string(f.Type))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}

	args = append(args, limit)

	return l.queryRows(ctx, where+` ORDER BY id DESC LIMIT ?`, "list recent", args...)
}

// CountByStatus returns row counts per status, optionally for one repo.
func (l *Ledger) CountByStatus(ctx context.Context, repoID int64) (map[EventStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM sync_events`

	var args []any

	if repoID != 0 {
		query += ` WHERE repo_id = ?`

		args = append(args, repoID)
	}

	rows, err := l.db.QueryContext(ctx, query+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: ledger count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[EventStatus]int)

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sync: ledger count by status scan: %w", err)
		}

		counts[EventStatus(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: ledger count by status: %w", err)
	}

	return counts, nil
}

func (l *Ledger) queryRows(ctx context.Context, where, desc string, args ...any) ([]SyncEvent, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM sync_events `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: ledger %s: %w", desc, err)
	}
	defer rows.Close()

	var result []SyncEvent

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		result = append(result, *ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: ledger iterating %s rows: %w", desc, err)
	}

	return result, nil
}

func scanEvent(rows *sql.Rows) (*SyncEvent, error) {
	var (
		ev          SyncEvent
		issueID     sql.NullString
		eventType   string
		direction   string
		source      string
		status      string
		payload     string
		errMsg      sql.NullString
		resolution  sql.NullString
		milestone   sql.NullString
		retryOf     sql.NullInt64
		duplicateOf sql.NullInt64
		resolvesID  sql.NullInt64
		notBefore   int64
		createdAt   int64
		processedAt sql.NullInt64
	)

	err := rows.Scan(
		&ev.ID, &ev.RepoID, &issueID, &eventType, &direction, &source, &ev.Subject,
		&ev.Fingerprint, &status, &payload, &errMsg, &resolution, &milestone,
		&ev.RetryCount, &retryOf, &duplicateOf, &resolvesID, &notBefore, &createdAt,
		&processedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("sync: scanning ledger row: %w", err)
	}

	ev.IssueID = issueID.String
	ev.Type = EventType(eventType)
	ev.Direction = Direction(direction)
	ev.Source = issue.Source(source)
	ev.Status = EventStatus(status)
	ev.Error = errMsg.String
	ev.ConflictResolution = Resolution(resolution.String)
	ev.MilestoneRef = milestone.String
	ev.RetryOf = retryOf.Int64
	ev.DuplicateOf = duplicateOf.Int64
	ev.ResolvesID = resolvesID.Int64
	ev.NotBefore = fromUnix(notBefore)
	ev.CreatedAt = fromUnix(createdAt)
	ev.ProcessedAt = timePtr(processedAt)

	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return nil, fmt.Errorf("sync: decoding payload of event %d: %w", ev.ID, err)
	}

	return &ev, nil
}
