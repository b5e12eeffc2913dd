// Package sync implements the reconciliation engine that keeps local task
// files, beads and GitHub Issues consistent: the durable event ledger, the
// state store, change observers, the orchestrator and its conflict policy,
// periodic full sync and the stale-processing sweep.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tonimelisma/tasksync/internal/issue"
)

// Sentinel errors.
var (
	ErrAlreadySyncing       = errors.New("sync: full sync already running")
	ErrStaleProcessing      = errors.New("sync: event stuck in processing")
	ErrInvalidTransition    = errors.New("sync: invalid status transition")
	ErrUnauthorized         = errors.New("sync: unauthorized")
	ErrVersionConflict      = errors.New("sync: issue modified concurrently")
	ErrEventNotFound        = errors.New("sync: event not found")
	ErrRepoNotFound         = errors.New("sync: repo not found")
	ErrRepoDisabled         = errors.New("sync: repo sync disabled")
	ErrInstallationNotFound = errors.New("sync: installation not found")
	ErrIssueNotFound        = errors.New("sync: issue not found")
	ErrNoAdapter            = errors.New("sync: no adapter registered")
)

// EventType classifies a ledger row.
type EventType string

// Ledger event types.
const (
	EventIssueCreated     EventType = "issue.created"
	EventIssueUpdated     EventType = "issue.updated"
	EventIssueClosed      EventType = "issue.closed"
	EventIssueReopened    EventType = "issue.reopened"
	EventIssueDeleted     EventType = "issue.deleted"
	EventMilestoneCreated EventType = "milestone.created"
	EventMilestoneUpdated EventType = "milestone.updated"
	EventMilestoneDeleted EventType = "milestone.deleted"
	EventSyncFull         EventType = "sync.full"
	EventSyncPush         EventType = "sync.push"
	EventSyncPull         EventType = "sync.pull"
	EventConflictResolved EventType = "conflict.resolved"
)

// Direction says which way a change flows.
type Direction string

// Directions.
const (
	DirectionLocalToGitHub Direction = "local_to_github"
	DirectionGitHubToLocal Direction = "github_to_local"
	DirectionBidirectional Direction = "bidirectional"
)

// EventStatus is the lifecycle state of a ledger row.
type EventStatus string

// Event statuses. completed and failed are terminal.
const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
	StatusConflict   EventStatus = "conflict"
)

// IsTerminal reports whether no further transition is allowed.
func (s EventStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Resolution is both the configured conflict policy and the resolution
// recorded on a conflict event.
type Resolution string

// Conflict resolutions.
const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionGitHubWins Resolution = "github_wins"
	ResolutionManual     Resolution = "manual"
)

// ParseResolution validates a policy or resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolutionLocalWins, ResolutionGitHubWins, ResolutionManual:
		return r, nil
	default:
		return "", fmt.Errorf("sync: unknown resolution %q (want local_wins, github_wins or manual)", s)
	}
}

// ChangeKind is what an observer saw happen.
type ChangeKind string

// Change kinds.
const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeClosed   ChangeKind = "closed"
	ChangeReopened ChangeKind = "reopened"
	ChangeDeleted  ChangeKind = "deleted"
)

// ChangeEvent is the normalized output of every producer: the file watcher,
// webhook ingress and full sync. It is stored as the ledger payload.
type ChangeEvent struct {
	RepoID      int64           `json:"repo_id"`
	Source      issue.Source    `json:"source"`
	Kind        ChangeKind      `json:"kind"`
	ExternalRef string          `json:"external_ref"`
	Snapshot    *issue.Snapshot `json:"snapshot,omitempty"`
	Hash        string          `json:"hash,omitempty"`
	Action      string          `json:"action,omitempty"`
	DeliveryID  string          `json:"delivery_id,omitempty"`
	ObservedAt  time.Time       `json:"observed_at"`
}

// SyncEvent is one ledger row.
type SyncEvent struct {
	ID                 int64        `json:"id"`
	Type               EventType    `json:"event_type"`
	Direction          Direction    `json:"direction"`
	Status             EventStatus  `json:"status"`
	Source             issue.Source `json:"source"`
	Subject            string       `json:"subject"`
	Fingerprint        string       `json:"fingerprint"`
	Payload            ChangeEvent  `json:"payload"`
	Error              string       `json:"error,omitempty"`
	ConflictResolution Resolution   `json:"conflict_resolution,omitempty"`
	RepoID             int64        `json:"repo_id"`
	IssueID            string       `json:"issue_id,omitempty"`
	MilestoneRef       string       `json:"milestone_ref,omitempty"`
	RetryCount         int          `json:"retry_count"`
	RetryOf            int64        `json:"retry_of,omitempty"`
	DuplicateOf        int64        `json:"duplicate_of,omitempty"`
	ResolvesID         int64        `json:"resolves_id,omitempty"`
	NotBefore          time.Time    `json:"not_before"`
	CreatedAt          time.Time    `json:"created_at"`
	ProcessedAt        *time.Time   `json:"processed_at,omitempty"`
}

// RepoSyncStatus is the full-sync state of a repository.
type RepoSyncStatus string

// Repo sync statuses.
const (
	RepoIdle    RepoSyncStatus = "idle"
	RepoSyncing RepoSyncStatus = "syncing"
	RepoError   RepoSyncStatus = "error"
)

// Repo is a GitHub repository known to the engine.
type Repo struct {
	ID             int64          `json:"id"`
	ExternalID     int64          `json:"external_id,omitempty"`
	FullName       string         `json:"full_name"`
	Owner          string         `json:"owner"`
	InstallationID int64          `json:"installation_id,omitempty"`
	SyncEnabled    bool           `json:"sync_enabled"`
	SyncPath       string         `json:"sync_path,omitempty"`
	BeadsDir       string         `json:"beads_dir,omitempty"`
	LastSyncAt     *time.Time     `json:"last_sync_at,omitempty"`
	SyncStatus     RepoSyncStatus `json:"sync_status"`
	SyncError      string         `json:"sync_error,omitempty"`
}

// Installation is a GitHub App installation.
type Installation struct {
	ID        int64     `json:"id"`
	Account   string    `json:"account"`
	Suspended bool      `json:"suspended"`
	CreatedAt time.Time `json:"created_at"`
}

// Issue is the canonical record joining one issue across all stores. The
// per-source hashes are the content hashes last written to or read from each
// store, and decide whether a store changed since the last sync.
type Issue struct {
	ID           string
	RepoID       int64
	Title        string
	Description  string
	Status       issue.Status
	Priority     int
	Labels       []string
	Assignee     string
	MilestoneRef string
	BeadsID      string
	GitHubNumber int
	LocalPath    string
	LocalHash    string
	BeadsHash    string
	GitHubHash   string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefFor returns the store reference for src, or "" when the issue has none.
func (is *Issue) RefFor(src issue.Source) string {
	switch src {
	case issue.SourceLocal:
		return is.LocalPath
	case issue.SourceBeads:
		return is.BeadsID
	case issue.SourceGitHub:
		if is.GitHubNumber > 0 {
			return strconv.Itoa(is.GitHubNumber)
		}
	}

	return ""
}

// HashFor returns the last-synced content hash for src.
func (is *Issue) HashFor(src issue.Source) string {
	switch src {
	case issue.SourceLocal:
		return is.LocalHash
	case issue.SourceBeads:
		return is.BeadsHash
	case issue.SourceGitHub:
		return is.GitHubHash
	}

	return ""
}

// Record stores the ref and hash observed for src.
func (is *Issue) Record(src issue.Source, snap *issue.Snapshot) {
	switch src {
	case issue.SourceLocal:
		is.LocalPath = snap.ExternalRef
		is.LocalHash = snap.Hash()
	case issue.SourceBeads:
		is.BeadsID = snap.ExternalRef
		is.BeadsHash = snap.Hash()
	case issue.SourceGitHub:
		is.GitHubNumber = snap.Links.GitHubNumber
		is.GitHubHash = snap.Hash()
	}
}

// SetHash overwrites the recorded hash for src.
func (is *Issue) SetHash(src issue.Source, hash string) {
	switch src {
	case issue.SourceLocal:
		is.LocalHash = hash
	case issue.SourceBeads:
		is.BeadsHash = hash
	case issue.SourceGitHub:
		is.GitHubHash = hash
	}
}

// Forget drops the ref and hash for src.
func (is *Issue) Forget(src issue.Source) {
	switch src {
	case issue.SourceLocal:
		is.LocalPath, is.LocalHash = "", ""
	case issue.SourceBeads:
		is.BeadsID, is.BeadsHash = "", ""
	case issue.SourceGitHub:
		is.GitHubNumber, is.GitHubHash = 0, ""
	}
}

// SetContent copies content fields from snap.
func (is *Issue) SetContent(snap *issue.Snapshot) {
	is.Title = snap.Title
	is.Description = snap.Description
	is.Status = snap.Status
	is.Priority = snap.Priority
	is.Labels = snap.Labels
	is.Assignee = snap.Assignee
	is.MilestoneRef = snap.MilestoneRef
}

// Links returns the cross-store references of the issue.
func (is *Issue) Links() issue.Links {
	return issue.Links{
		IssueID:      is.ID,
		BeadsID:      is.BeadsID,
		GitHubNumber: is.GitHubNumber,
		LocalPath:    is.LocalPath,
	}
}

// Source reads issues from one store.
type Source interface {
	Name() issue.Source
	Snapshot(ctx context.Context, ref string) (*issue.Snapshot, error)
	ListChangedSince(ctx context.Context, since time.Time) ([]issue.Snapshot, error)
}

// Target writes issues to one store. Upsert creates when ref is empty and
// returns the stored projection.
type Target interface {
	Upsert(ctx context.Context, ref string, snap issue.Snapshot) (*issue.Snapshot, error)
}

// Adapter is a store the orchestrator can both read and write.
type Adapter interface {
	Source
	Target
}
