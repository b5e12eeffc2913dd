package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/tonimelisma/tasksync/internal/issue"
)

// deletedHash stands in for the content hash of a deletion so that repeated
// deletion reports of the same ref fingerprint identically.
const deletedHash = "deleted"

// applyOrder is the order in which stores are written. GitHub goes first so
// that a newly created issue number can be linked from beads and the task
// file; the task file goes last so it receives every link.
var applyOrder = []issue.Source{issue.SourceGitHub, issue.SourceBeads, issue.SourceLocal}

// Fingerprint identifies one observed state of one issue in one store.
func Fingerprint(repoID int64, src issue.Source, ref, hash string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(repoID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(src))
	h.Write([]byte{0})
	h.Write([]byte(ref))
	h.Write([]byte{0})
	h.Write([]byte(hash))

	return hex.EncodeToString(h.Sum(nil))
}

func subjectFor(repoID int64, src issue.Source, ref string) string {
	return strconv.FormatInt(repoID, 10) + ":" + string(src) + ":" + ref
}

func eventTypeFor(kind ChangeKind) EventType {
	switch kind {
	case ChangeCreated:
		return EventIssueCreated
	case ChangeClosed:
		return EventIssueClosed
	case ChangeReopened:
		return EventIssueReopened
	case ChangeDeleted:
		return EventIssueDeleted
	default:
		return EventIssueUpdated
	}
}

func isIssueEvent(t EventType) bool {
	switch t {
	case EventIssueCreated, EventIssueUpdated, EventIssueClosed, EventIssueReopened, EventIssueDeleted:
		return true
	default:
		return false
	}
}

func directionFor(src issue.Source) Direction {
	if src == issue.SourceGitHub {
		return DirectionGitHubToLocal
	}

	return DirectionLocalToGitHub
}

// changeHash is the hash a ChangeEvent is fingerprinted with.
func changeHash(ev *ChangeEvent) string {
	switch {
	case ev.Kind == ChangeDeleted:
		return deletedHash
	case ev.Snapshot != nil:
		return ev.Snapshot.Hash()
	default:
		return ev.Hash
	}
}

// preserveStatus applies the lossy GitHub status rule: GitHub only knows open
// and closed, so an open coming from GitHub must not erase a local
// in_progress or blocked. An explicit reopen does.
func preserveStatus(winner *issue.Snapshot, previous issue.Status, action string) issue.Status {
	if winner.Source != issue.SourceGitHub || winner.Status != issue.StatusOpen {
		return winner.Status
	}

	if action == "reopened" {
		return winner.Status
	}

	if previous == issue.StatusInProgress || previous == issue.StatusBlocked {
		return previous
	}

	return winner.Status
}

// linksStale reports whether a local-side store is missing cross-store links
// the canonical record knows.
func linksStale(src issue.Source, snap *issue.Snapshot, is *Issue) bool {
	switch src {
	case issue.SourceLocal:
		return snap.Links.IssueID != is.ID ||
			(is.BeadsID != "" && snap.Links.BeadsID != is.BeadsID) ||
			(is.GitHubNumber != 0 && snap.Links.GitHubNumber != is.GitHubNumber)
	case issue.SourceBeads:
		return is.GitHubNumber != 0 && snap.Links.GitHubNumber != is.GitHubNumber
	default:
		return false
	}
}

// latest returns the most recently updated snapshot among candidates,
// preferring earlier entries on ties.
func latest(candidates []*issue.Snapshot) *issue.Snapshot {
	var best *issue.Snapshot

	for _, c := range candidates {
		if c == nil {
			continue
		}

		if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}

	return best
}

// pickWinner applies a conflict policy to the current snapshots of every
// store involved in a conflict. manual yields nil.
func pickWinner(policy Resolution, involved map[issue.Source]*issue.Snapshot) *issue.Snapshot {
	var localSide []*issue.Snapshot

	for _, src := range applyOrder {
		if snap := involved[src]; snap != nil && src.IsLocalSide() {
			localSide = append(localSide, snap)
		}
	}

	switch policy {
	case ResolutionGitHubWins:
		if gh := involved[issue.SourceGitHub]; gh != nil {
			return gh
		}

		return latest(localSide)
	case ResolutionLocalWins:
		if w := latest(localSide); w != nil {
			return w
		}

		return involved[issue.SourceGitHub]
	default:
		return nil
	}
}
