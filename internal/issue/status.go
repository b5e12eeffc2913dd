package issue

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an issue.
type Status string

// Issue statuses. GitHub only knows open and closed; see the sync package
// for the lossy mapping rules.
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// Priority bounds. 0 is the most urgent.
const (
	MinPriority     = 0
	MaxPriority     = 4
	DefaultPriority = 2
)

func (s Status) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the status counts as open on GitHub.
func (s Status) IsOpen() bool {
	return s != StatusClosed
}

// ParseStatus accepts the canonical names plus the spellings commonly found in
// hand-edited frontmatter ("in-progress", "done", "todo").
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open", "todo":
		return StatusOpen, nil
	case "in_progress", "in-progress", "doing":
		return StatusInProgress, nil
	case "blocked":
		return StatusBlocked, nil
	case "closed", "done":
		return StatusClosed, nil
	default:
		return "", fmt.Errorf("issue: unknown status %q", s)
	}
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	switch {
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	default:
		return p
	}
}
