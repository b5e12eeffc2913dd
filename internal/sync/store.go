package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/tasksync/internal/issue"
)

const repoColumns = `id, external_id, full_name, owner, installation_id, sync_enabled,
	sync_path, beads_dir, last_sync_at, sync_status, sync_error`

const issueColumns = `id, repo_id, title, description, status, priority, labels,
	assignee, milestone_ref, beads_id, github_number, local_path, local_hash,
	beads_hash, github_hash, version, created_at, updated_at`

// Store persists repositories, installations and canonical issues. It shares
// the *sql.DB with Ledger.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewStore creates a Store on an open state database.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger, nowFunc: time.Now}
}

// --- Repositories ---

// UpsertRepo records a repository reported by GitHub. Local settings
// (sync_enabled, sync_path, beads_dir) of an existing row are kept.
func (s *Store) UpsertRepo(ctx context.Context, r *Repo) (*Repo, error) {
	now := toUnix(s.nowFunc())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repos (external_id, full_name, owner, installation_id, sync_enabled,
			sync_path, beads_dir, sync_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'idle', ?, ?)
		 ON CONFLICT(full_name) DO UPDATE SET
			external_id = COALESCE(excluded.external_id, repos.external_id),
			owner = excluded.owner,
			installation_id = COALESCE(excluded.installation_id, repos.installation_id),
			updated_at = excluded.updated_at`,
		nullInt64(r.ExternalID), r.FullName, ownerOf(r), nullInt64(r.InstallationID),
		r.SyncEnabled, r.SyncPath, r.BeadsDir, now, now)
	if err != nil {
		return nil, fmt.Errorf("sync: upserting repo %s: %w", r.FullName, err)
	}

	return s.GetRepoByName(ctx, r.FullName)
}

// ConfigureRepo creates or updates a repository from configuration,
// overwriting its local settings.
func (s *Store) ConfigureRepo(ctx context.Context, fullName, syncPath, beadsDir string, enabled bool) (*Repo, error) {
	now := toUnix(s.nowFunc())
	r := &Repo{FullName: fullName}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repos (full_name, owner, sync_enabled, sync_path, beads_dir,
			sync_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'idle', ?, ?)
		 ON CONFLICT(full_name) DO UPDATE SET
			sync_enabled = excluded.sync_enabled,
			sync_path = excluded.sync_path,
			beads_dir = excluded.beads_dir,
			updated_at = excluded.updated_at`,
		fullName, ownerOf(r), enabled, syncPath, beadsDir, now, now)
	if err != nil {
		return nil, fmt.Errorf("sync: configuring repo %s: %w", fullName, err)
	}

	return s.GetRepoByName(ctx, fullName)
}

// SetRepoEnabled toggles sync for one repository.
func (s *Store) SetRepoEnabled(ctx context.Context, id int64, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE repos SET sync_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, toUnix(s.nowFunc()), id)
	if err != nil {
		return fmt.Errorf("sync: setting repo %d enabled: %w", id, err)
	}

	ok, err := rowsAffectedOne(result, "set repo enabled")
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("sync: repo %d: %w", id, ErrRepoNotFound)
	}

	return nil
}

// DisableReposExcept turns sync off for every enabled repository whose name
// is not in keep and returns the names it disabled. Names compare without
// case, like the full_name column.
func (s *Store) DisableReposExcept(ctx context.Context, keep []string) ([]string, error) {
	kept := make(map[string]bool, len(keep))
	for _, name := range keep {
		kept[strings.ToLower(name)] = true
	}

	repos, err := s.queryRepos(ctx, `WHERE sync_enabled = 1 ORDER BY full_name`)
	if err != nil {
		return nil, err
	}

	var disabled []string

	for i := range repos {
		if kept[strings.ToLower(repos[i].FullName)] {
			continue
		}

		if err := s.SetRepoEnabled(ctx, repos[i].ID, false); err != nil {
			return disabled, err
		}

		disabled = append(disabled, repos[i].FullName)
	}

	return disabled, nil
}

// GetRepo returns a repository by id.
func (s *Store) GetRepo(ctx context.Context, id int64) (*Repo, error) {
	repos, err := s.queryRepos(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}

	if len(repos) == 0 {
		return nil, fmt.Errorf("sync: repo %d: %w", id, ErrRepoNotFound)
	}

	return &repos[0], nil
}

// GetRepoByName returns a repository by owner/name, case-insensitively.
func (s *Store) GetRepoByName(ctx context.Context, fullName string) (*Repo, error) {
	repos, err := s.queryRepos(ctx, `WHERE full_name = ?`, fullName)
	if err != nil {
		return nil, err
	}

	if len(repos) == 0 {
		return nil, fmt.Errorf("sync: repo %s: %w", fullName, ErrRepoNotFound)
	}

	return &repos[0], nil
}

// ListRepos returns every known repository ordered by name.
func (s *Store) ListRepos(ctx context.Context) ([]Repo, error) {
	return s.queryRepos(ctx, `ORDER BY full_name`)
}

// ReposForInstallation returns the repositories of one installation.
func (s *Store) ReposForInstallation(ctx context.Context, installationID int64) ([]Repo, error) {
	return s.queryRepos(ctx, `WHERE installation_id = ? ORDER BY full_name`, installationID)
}

// BeginFullSync moves a repo from idle or error to syncing. A repo that is
// already syncing yields ErrAlreadySyncing.
func (s *Store) BeginFullSync(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE repos SET sync_status = ?, sync_error = NULL, updated_at = ?
		 WHERE id = ? AND sync_status IN (?, ?)`,
		string(RepoSyncing), toUnix(s.nowFunc()), id, string(RepoIdle), string(RepoError))
	if err != nil {
		return fmt.Errorf("sync: beginning full sync of repo %d: %w", id, err)
	}

	ok, err := rowsAffectedOne(result, "begin full sync")
	if err != nil {
		return err
	}

	if ok {
		return nil
	}

	if _, err := s.GetRepo(ctx, id); err != nil {
		return err
	}

	return fmt.Errorf("sync: repo %d: %w", id, ErrAlreadySyncing)
}

// FinishFullSync ends a full sync. On success the repo returns to idle and
// last_sync_at becomes cursor, so changes made during the run are picked up
// next time; a zero cursor leaves last_sync_at unchanged. On failure the
// repo moves to error.
func (s *Store) FinishFullSync(ctx context.Context, id int64, cursor time.Time, syncErr error) error {
	now := toUnix(s.nowFunc())

	var err error

	if syncErr == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE repos SET sync_status = ?, sync_error = NULL,
				last_sync_at = COALESCE(?, last_sync_at), updated_at = ?
			 WHERE id = ?`,
			string(RepoIdle), nullTime(&cursor), now, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE repos SET sync_status = ?, sync_error = ?, updated_at = ? WHERE id = ?`,
			string(RepoError), syncErr.Error(), now, id)
	}

	if err != nil {
		return fmt.Errorf("sync: finishing full sync of repo %d: %w", id, err)
	}

	return nil
}

// SetRepoError surfaces a terminal event failure on the repo. A running full
// sync keeps its status and reports on completion.
func (s *Store) SetRepoError(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE repos SET sync_error = ?, updated_at = ?,
			sync_status = CASE WHEN sync_status = ? THEN sync_status ELSE ? END
		 WHERE id = ?`,
		msg, toUnix(s.nowFunc()), string(RepoSyncing), string(RepoError), id)
	if err != nil {
		return fmt.Errorf("sync: setting error on repo %d: %w", id, err)
	}

	return nil
}

// RecoverSyncing resets repos left in syncing by a crash back to error so
// that the next full sync may start. It returns the number of repos reset.
func (s *Store) RecoverSyncing(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE repos SET sync_status = ?, sync_error = 'interrupted full sync', updated_at = ?
		 WHERE sync_status = ?`,
		string(RepoError), toUnix(s.nowFunc()), string(RepoSyncing))
	if err != nil {
		return 0, fmt.Errorf("sync: recovering syncing repos: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sync: recovering syncing repos rows affected: %w", err)
	}

	return int(n), nil
}

func (s *Store) queryRepos(ctx context.Context, where string, args ...any) ([]Repo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repoColumns+` FROM repos `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: querying repos: %w", err)
	}
	defer rows.Close()

	var result []Repo

	for rows.Next() {
		var (
			r              Repo
			externalID     sql.NullInt64
			installationID sql.NullInt64
			lastSync       sql.NullInt64
			status         string
			syncErr        sql.NullString
		)

		if err := rows.Scan(&r.ID, &externalID, &r.FullName, &r.Owner, &installationID,
			&r.SyncEnabled, &r.SyncPath, &r.BeadsDir, &lastSync, &status, &syncErr); err != nil {
			return nil, fmt.Errorf("sync: scanning repo row: %w", err)
		}

		r.ExternalID = externalID.Int64
		r.InstallationID = installationID.Int64
		r.LastSyncAt = timePtr(lastSync)
		r.SyncStatus = RepoSyncStatus(status)
		r.SyncError = syncErr.String

		result = append(result, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating repos: %w", err)
	}

	return result, nil
}

func ownerOf(r *Repo) string {
	if r.Owner != "" {
		return r.Owner
	}

	owner, _, _ := strings.Cut(r.FullName, "/")

	return owner
}

// --- Installations ---

// UpsertInstallation records or refreshes an installation.
func (s *Store) UpsertInstallation(ctx context.Context, inst *Installation) error {
	created := inst.CreatedAt
	if created.IsZero() {
		created = s.nowFunc()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO installations (id, account, suspended, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET account = excluded.account, suspended = excluded.suspended`,
		inst.ID, inst.Account, inst.Suspended, toUnix(created))
	if err != nil {
		return fmt.Errorf("sync: upserting installation %d: %w", inst.ID, err)
	}

	return nil
}

// GetInstallation returns one installation.
func (s *Store) GetInstallation(ctx context.Context, id int64) (*Installation, error) {
	var (
		inst    Installation
		created int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, account, suspended, created_at FROM installations WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.Account, &inst.Suspended, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync: installation %d: %w", id, ErrInstallationNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("sync: reading installation %d: %w", id, err)
	}

	inst.CreatedAt = fromUnix(created)

	return &inst, nil
}

// DeleteInstallation removes an installation and disables sync on its
// repositories. Repositories, issues and ledger history are kept.
func (s *Store) DeleteInstallation(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: begin delete installation %d: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE repos SET sync_enabled = 0, updated_at = ? WHERE installation_id = ?`,
		toUnix(s.nowFunc()), id); err != nil {
		return fmt.Errorf("sync: disabling repos of installation %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM installations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sync: deleting installation %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: commit delete installation %d: %w", id, err)
	}

	return nil
}

// SetInstallationSuspended records a suspend or unsuspend. Suspending also
// disables sync on every repository of the installation.
func (s *Store) SetInstallationSuspended(ctx context.Context, id int64, suspended bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: begin suspend installation %d: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE installations SET suspended = ? WHERE id = ?`, suspended, id); err != nil {
		return fmt.Errorf("sync: suspending installation %d: %w", id, err)
	}

	if suspended {
		if _, err := tx.ExecContext(ctx,
			`UPDATE repos SET sync_enabled = 0, updated_at = ? WHERE installation_id = ?`,
			toUnix(s.nowFunc()), id); err != nil {
			return fmt.Errorf("sync: disabling repos of installation %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: commit suspend installation %d: %w", id, err)
	}

	return nil
}

// --- Canonical issues ---

// GetIssue returns a canonical issue by id.
func (s *Store) GetIssue(ctx context.Context, id string) (*Issue, error) {
	issues, err := s.queryIssues(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}

	if len(issues) == 0 {
		return nil, fmt.Errorf("sync: issue %s: %w", id, ErrIssueNotFound)
	}

	return &issues[0], nil
}

// FindIssueByRef returns the canonical issue that src knows as ref.
func (s *Store) FindIssueByRef(ctx context.Context, repoID int64, src issue.Source, ref string) (*Issue, error) {
	var (
		where string
		arg   any
	)

	switch src {
	case issue.SourceLocal:
		where, arg = `WHERE repo_id = ? AND local_path = ?`, ref
	case issue.SourceBeads:
		where, arg = `WHERE repo_id = ? AND beads_id = ?`, ref
	case issue.SourceGitHub:
		n, err := strconv.Atoi(ref)
		if err != nil {
			return nil, fmt.Errorf("sync: github ref %q: %w", ref, ErrIssueNotFound)
		}

		where, arg = `WHERE repo_id = ? AND github_number = ?`, n
	default:
		return nil, fmt.Errorf("sync: source %q: %w", src, ErrNoAdapter)
	}

	issues, err := s.queryIssues(ctx, where, repoID, arg)
	if err != nil {
		return nil, err
	}

	if len(issues) == 0 {
		return nil, fmt.Errorf("sync: %s %s: %w", src, ref, ErrIssueNotFound)
	}

	return &issues[0], nil
}

// FindIssueByLinks returns the first canonical issue matching any of the
// cross-store links a snapshot carries: canonical id first, then the GitHub
// number, beads id and local path.
func (s *Store) FindIssueByLinks(ctx context.Context, repoID int64, links issue.Links) (*Issue, error) {
	if links.IssueID != "" {
		is, err := s.GetIssue(ctx, links.IssueID)
		if err == nil && is.RepoID == repoID {
			return is, nil
		}

		if err != nil && !errors.Is(err, ErrIssueNotFound) {
			return nil, err
		}
	}

	candidates := []struct {
		src issue.Source
		ref string
	}{
		{issue.SourceBeads, links.BeadsID},
		{issue.SourceLocal, links.LocalPath},
	}

	if links.GitHubNumber > 0 {
		candidates = append([]struct {
			src issue.Source
			ref string
		}{{issue.SourceGitHub, strconv.Itoa(links.GitHubNumber)}}, candidates...)
	}

	for _, c := range candidates {
		if c.ref == "" {
			continue
		}

		is, err := s.FindIssueByRef(ctx, repoID, c.src, c.ref)
		if err == nil {
			return is, nil
		}

		if !errors.Is(err, ErrIssueNotFound) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("sync: no issue linked to %+v: %w", links, ErrIssueNotFound)
}

// CreateIssue inserts a new canonical issue at version 1.
func (s *Store) CreateIssue(ctx context.Context, is *Issue) error {
	now := s.nowFunc()
	is.Version = 1
	is.CreatedAt = now
	is.UpdatedAt = now

	labels, err := encodeLabels(is.Labels)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issues (`+issueColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		is.ID, is.RepoID, is.Title, is.Description, string(is.Status), is.Priority, labels,
		is.Assignee, is.MilestoneRef, nullString(is.BeadsID), nullInt64(int64(is.GitHubNumber)),
		nullString(is.LocalPath), is.LocalHash, is.BeadsHash, is.GitHubHash, is.Version,
		toUnix(now), toUnix(now))
	if err != nil {
		return fmt.Errorf("sync: creating issue %s: %w", is.ID, err)
	}

	return nil
}

// UpdateIssue writes is if its Version still matches the stored row, then
// bumps Version. A concurrent writer yields ErrVersionConflict.
func (s *Store) UpdateIssue(ctx context.Context, is *Issue) error {
	now := s.nowFunc()

	labels, err := encodeLabels(is.Labels)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE issues SET title = ?, description = ?, status = ?, priority = ?, labels = ?,
			assignee = ?, milestone_ref = ?, beads_id = ?, github_number = ?, local_path = ?,
			local_hash = ?, beads_hash = ?, github_hash = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		is.Title, is.Description, string(is.Status), is.Priority, labels, is.Assignee,
		is.MilestoneRef, nullString(is.BeadsID), nullInt64(int64(is.GitHubNumber)),
		nullString(is.LocalPath), is.LocalHash, is.BeadsHash, is.GitHubHash, toUnix(now),
		is.ID, is.Version)
	if err != nil {
		return fmt.Errorf("sync: updating issue %s: %w", is.ID, err)
	}

	ok, err := rowsAffectedOne(result, "update issue")
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("sync: issue %s at version %d: %w", is.ID, is.Version, ErrVersionConflict)
	}

	is.Version++
	is.UpdatedAt = now

	return nil
}

// ListIssues returns the canonical issues of a repo ordered by creation.
func (s *Store) ListIssues(ctx context.Context, repoID int64) ([]Issue, error) {
	return s.queryIssues(ctx, `WHERE repo_id = ? ORDER BY created_at, id`, repoID)
}

func (s *Store) queryIssues(ctx context.Context, where string, args ...any) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: querying issues: %w", err)
	}
	defer rows.Close()

	var result []Issue

	for rows.Next() {
		var (
			is        Issue
			status    string
			labels    string
			beadsID   sql.NullString
			ghNumber  sql.NullInt64
			localPath sql.NullString
			created   int64
			updated   int64
		)

		if err := rows.Scan(&is.ID, &is.RepoID, &is.Title, &is.Description, &status, &is.Priority,
			&labels, &is.Assignee, &is.MilestoneRef, &beadsID, &ghNumber, &localPath,
			&is.LocalHash, &is.BeadsHash, &is.GitHubHash, &is.Version, &created, &updated); err != nil {
			return nil, fmt.Errorf("sync: scanning issue row: %w", err)
		}

		is.Status = issue.Status(status)
		is.BeadsID = beadsID.String
		is.GitHubNumber = int(ghNumber.Int64)
		is.LocalPath = localPath.String
		is.CreatedAt = fromUnix(created)
		is.UpdatedAt = fromUnix(updated)

		if err := json.Unmarshal([]byte(labels), &is.Labels); err != nil {
			return nil, fmt.Errorf("sync: decoding labels of issue %s: %w", is.ID, err)
		}

		result = append(result, is)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating issues: %w", err)
	}

	return result, nil
}

func encodeLabels(labels []string) (string, error) {
	if labels == nil {
		labels = []string{}
	}

	b, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("sync: encoding labels: %w", err)
	}

	return string(b), nil
}
