// Package taskfile is the issue store backed by a directory of markdown task
// files with YAML frontmatter. A file's ref is its slash-separated path
// relative to the sync root.
package taskfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/tasksync/internal/issue"
)

// File and directory permissions for written task files.
const (
	filePerms = 0o644
	dirPerms  = 0o755
	ext       = ".md"

	maxSlugLen      = 60
	maxNameAttempts = 1000
)

// Store reads and writes task files under a root directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore returns a store rooted at dir. The directory is created if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("taskfile: resolving %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, dirPerms); err != nil {
		return nil, fmt.Errorf("taskfile: creating %s: %w", abs, err)
	}

	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute sync root.
func (s *Store) Root() string { return s.root }

// Name identifies the store.
func (s *Store) Name() issue.Source { return issue.SourceLocal }

// Snapshot reads the task file at ref.
func (s *Store) Snapshot(_ context.Context, ref string) (*issue.Snapshot, error) {
	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}

	return s.read(path, ref)
}

// ListChangedSince returns every task file whose mtime is at or after since.
// Unparseable files are logged and skipped.
func (s *Store) ListChangedSince(ctx context.Context, since time.Time) ([]issue.Snapshot, error) {
	var out []issue.Snapshot

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			if path != s.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}

			return nil
		}

		if !IsTaskFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // file vanished mid-walk
		}

		if !since.IsZero() && info.ModTime().Before(since) {
			return nil
		}

		ref, err := s.RefFor(path)
		if err != nil {
			return err
		}

		snap, err := s.read(path, ref)
		if err != nil {
			s.logger.Warn("skipping unreadable task file",
				slog.String("path", ref),
				slog.String("error", err.Error()),
			)

			return nil
		}

		out = append(out, *snap)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("taskfile: scanning %s: %w", s.root, err)
	}

	return out, nil
}

// Upsert writes snap to the task file at ref, creating a new file named after
// the title when ref is empty. Unknown frontmatter keys already in the file
// are preserved. The stored projection is returned.
func (s *Store) Upsert(_ context.Context, ref string, snap issue.Snapshot) (*issue.Snapshot, error) {
	n := snap.Normalized()

	var err error

	if ref == "" {
		ref, err = s.newRef(n.Title)
		if err != nil {
			return nil, err
		}
	}

	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}

	fm := &frontMatter{}

	if existing, readErr := os.ReadFile(path); readErr == nil {
		if prev, _, parseErr := parse(existing); parseErr == nil {
			fm = prev
		}
	}

	applySnapshot(fm, &n)

	content, err := format(fm, n.Description)
	if err != nil {
		return nil, err
	}

	if err := writeAtomic(path, content); err != nil {
		return nil, err
	}

	s.logger.Debug("wrote task file", slog.String("path", ref))

	return s.read(path, ref)
}

// Path converts a ref to an absolute path, rejecting refs that escape the root.
func (s *Store) Path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("taskfile: invalid ref %q", ref)
	}

	return filepath.Join(s.root, clean), nil
}

// RefFor converts an absolute path under the root to a ref.
func (s *Store) RefFor(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("taskfile: %s is outside %s", path, s.root)
	}

	return norm.NFC.String(filepath.ToSlash(rel)), nil
}

// IsTaskFile reports whether path names a markdown file that is not hidden
// and not an editor or atomic-write temp file.
func IsTaskFile(path string) bool {
	name := filepath.Base(path)

	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasPrefix(name, "#") {
		return false
	}

	return strings.EqualFold(filepath.Ext(name), ext)
}

func (s *Store) read(path, ref string) (*issue.Snapshot, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("taskfile: %s: %w", ref, issue.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("taskfile: reading %s: %w", ref, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("taskfile: stat %s: %w", ref, err)
	}

	fm, body, err := parse(content)
	if err != nil {
		return nil, fmt.Errorf("taskfile: %s: %w", ref, err)
	}

	snap, err := toSnapshot(fm, body, ref, info.ModTime())
	if err != nil {
		return nil, fmt.Errorf("taskfile: %s: %w", ref, err)
	}

	return snap, nil
}

func toSnapshot(fm *frontMatter, body, ref string, mtime time.Time) (*issue.Snapshot, error) {
	status, err := issue.ParseStatus(fm.State)
	if err != nil {
		return nil, err
	}

	priority := issue.DefaultPriority
	if fm.Priority != nil {
		priority = *fm.Priority
	}

	snap := issue.Snapshot{
		Source:       issue.SourceLocal,
		ExternalRef:  ref,
		Title:        fm.Title,
		Description:  body,
		Status:       status,
		Priority:     priority,
		Labels:       fm.Labels,
		MilestoneRef: fm.Milestone,
		UpdatedAt:    mtime.UTC(),
		Links: issue.Links{
			IssueID:      fm.ID,
			BeadsID:      fm.BeadsID,
			GitHubNumber: fm.GitHub,
			LocalPath:    ref,
		},
	}

	if len(fm.Assignees) > 0 {
		snap.Assignee = fm.Assignees[0]
	}

	snap = snap.Normalized()

	return &snap, nil
}

// applySnapshot copies content and cross-store links into fm. Links already
// recorded in the file are kept when snap carries none.
func applySnapshot(fm *frontMatter, snap *issue.Snapshot) {
	fm.Title = snap.Title
	fm.State = string(snap.Status)
	p := snap.Priority
	fm.Priority = &p
	fm.Labels = snap.Labels
	fm.Milestone = snap.MilestoneRef

	if fm.Labels == nil {
		fm.Labels = []string{}
	}

	fm.Assignees = []string{}
	if snap.Assignee != "" {
		fm.Assignees = []string{snap.Assignee}
	}

	if snap.Links.IssueID != "" {
		fm.ID = snap.Links.IssueID
	}

	if snap.Links.BeadsID != "" {
		fm.BeadsID = snap.Links.BeadsID
	}

	if snap.Links.GitHubNumber != 0 {
		fm.GitHub = snap.Links.GitHubNumber
	}
}

// newRef picks an unused file name derived from title.
func (s *Store) newRef(title string) (string, error) {
	base := slugify(title)
	if base == "" {
		base = "task"
	}

	for i := 1; i <= maxNameAttempts; i++ {
		name := base
		if i > 1 {
			name = base + "-" + strconv.Itoa(i)
		}

		ref := name + ext

		_, err := os.Stat(filepath.Join(s.root, ref))
		if errors.Is(err, fs.ErrNotExist) {
			return ref, nil
		}
	}

	return "", fmt.Errorf("taskfile: no free file name for %q", title)
}

// slugify lowercases title, strips diacritics and replaces runs of other
// characters with single dashes.
func slugify(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

	plain, _, err := transform.String(t, title)
	if err != nil {
		plain = title
	}

	var b strings.Builder

	dash := false

	for _, r := range strings.ToLower(plain) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)

			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')

			dash = true
		}

		if b.Len() >= maxSlugLen {
			break
		}
	}

	return strings.Trim(b.String(), "-")
}

// writeAtomic writes content via a temp file in the same directory and a
// rename, so watchers never observe a partially written task file.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return fmt.Errorf("taskfile: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".task-*.tmp")
	if err != nil {
		return fmt.Errorf("taskfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("taskfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("taskfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("taskfile: closing: %w", err)
	}

	if err := os.Chmod(tmpPath, filePerms); err != nil {
		return fmt.Errorf("taskfile: setting permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("taskfile: renaming: %w", err)
	}

	success = true

	return nil
}
