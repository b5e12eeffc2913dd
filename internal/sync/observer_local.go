package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/tasksync/internal/issue"
	"github.com/tonimelisma/tasksync/internal/taskfile"
)

const (
	defaultDebounce           = 500 * time.Millisecond
	defaultSafetyScanInterval = 5 * time.Minute

	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// FsWatcher is the subset of fsnotify.Watcher the observer uses.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// TaskStore is the local task file store as seen by the observer.
type TaskStore interface {
	Source
	Root() string
	RefFor(path string) (string, error)
}

// LocalObserverOptions tunes debounce and the safety scan.
type LocalObserverOptions struct {
	Debounce           time.Duration
	SafetyScanInterval time.Duration
}

// LocalObserver watches a task directory and emits a ChangeEvent for each
// file whose content hash changed. Bursts of filesystem events for one path
// settle into a single event after the debounce window; a periodic safety
// scan catches anything fsnotify missed.
type LocalObserver struct {
	repoID     int64
	store      TaskStore
	opts       LocalObserverOptions
	logger     *slog.Logger
	newWatcher func() (FsWatcher, error)

	// hashes maps ref → last observed content hash. Owned by the watch loop.
	hashes  map[string]string
	pending map[string]time.Time
}

// NewLocalObserver creates an observer for one repo's task directory.
func NewLocalObserver(repoID int64, store TaskStore, opts LocalObserverOptions, logger *slog.Logger) *LocalObserver {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}

	if opts.SafetyScanInterval <= 0 {
		opts.SafetyScanInterval = defaultSafetyScanInterval
	}

	return &LocalObserver{
		repoID:     repoID,
		store:      store,
		opts:       opts,
		logger:     logger.With(slog.Int64("repo", repoID), slog.String("root", store.Root())),
		newWatcher: newFsnotifyWatcher,
		hashes:     make(map[string]string),
		pending:    make(map[string]time.Time),
	}
}

// Watch runs until ctx is canceled, sending changes to events. Files present
// at start are recorded silently; full sync is responsible for them.
func (o *LocalObserver) Watch(ctx context.Context, events chan<- ChangeEvent) error {
	watcher, err := o.newWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := o.addWatchesRecursive(watcher, o.store.Root()); err != nil {
		return err
	}

	o.prime(ctx)

	o.logger.Info("watching task files", slog.Int("files", len(o.hashes)))

	return o.watchLoop(ctx, watcher, events)
}

func (o *LocalObserver) prime(ctx context.Context) {
	snaps, err := o.store.ListChangedSince(ctx, time.Time{})
	if err != nil {
		o.logger.Warn("initial task scan failed", slog.String("error", err.Error()))
		return
	}

	for i := range snaps {
		o.hashes[snaps[i].ExternalRef] = snaps[i].Hash()
	}
}

func (o *LocalObserver) watchLoop(ctx context.Context, watcher FsWatcher, events chan<- ChangeEvent) error {
	safetyTicker := time.NewTicker(o.opts.SafetyScanInterval)
	defer safetyTicker.Stop()

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case fsEvent, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if o.handleFsEvent(fsEvent, watcher) {
				o.resetSettle(settle)
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			o.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if err := sleepCtx(ctx, errBackoff); err != nil {
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-settle.C:
			o.flushDue(ctx, events, time.Now())
			o.resetSettle(settle)

		case <-safetyTicker.C:
			o.safetyScan(ctx, events)
		}
	}
}

// handleFsEvent records a pending deadline for the affected task file and
// reports whether one was recorded. New directories are watched and their
// task files marked pending.
func (o *LocalObserver) handleFsEvent(ev fsnotify.Event, watcher FsWatcher) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}

	if ev.Has(fsnotify.Create) && isDir(ev.Name) {
		if err := o.addWatchesRecursive(watcher, ev.Name); err != nil {
			o.logger.Warn("failed to watch new directory",
				slog.String("path", ev.Name), slog.String("error", err.Error()))
		}

		return o.markTree(ev.Name)
	}

	if !taskfile.IsTaskFile(ev.Name) {
		return false
	}

	return o.mark(ev.Name)
}

func (o *LocalObserver) mark(path string) bool {
	ref, err := o.store.RefFor(path)
	if err != nil {
		o.logger.Debug("ignoring path outside task root", slog.String("path", path))
		return false
	}

	o.pending[ref] = time.Now().Add(o.opts.Debounce)

	return true
}

func (o *LocalObserver) markTree(dir string) bool {
	marked := false

	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		if d.IsDir() {
			if path != dir && isHiddenName(d.Name()) {
				return filepath.SkipDir
			}

			return nil
		}

		if taskfile.IsTaskFile(path) && o.mark(path) {
			marked = true
		}

		return nil
	})

	return marked
}

func (o *LocalObserver) resetSettle(t *time.Timer) {
	if len(o.pending) == 0 {
		t.Stop()
		return
	}

	var next time.Time
	for _, deadline := range o.pending {
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}

	t.Reset(max(time.Until(next), 0))
}

// flushDue settles every path whose debounce window has elapsed.
func (o *LocalObserver) flushDue(ctx context.Context, events chan<- ChangeEvent, now time.Time) {
	for ref, deadline := range o.pending {
		if deadline.After(now) {
			continue
		}

		delete(o.pending, ref)
		o.settle(ctx, ref, events)
	}
}

// settle re-reads one file and emits an event if its content changed.
func (o *LocalObserver) settle(ctx context.Context, ref string, events chan<- ChangeEvent) {
	_, known := o.hashes[ref]

	snap, err := o.store.Snapshot(ctx, ref)
	if errors.Is(err, issue.ErrNotFound) {
		if !known {
			return
		}

		delete(o.hashes, ref)
		o.send(ctx, events, ChangeEvent{
			RepoID:      o.repoID,
			Source:      issue.SourceLocal,
			Kind:        ChangeDeleted,
			ExternalRef: ref,
			ObservedAt:  time.Now(),
		})

		return
	}

	if err != nil {
		o.logger.Warn("skipping unreadable task file", slog.String("ref", ref), slog.String("error", err.Error()))
		return
	}

	hash := snap.Hash()
	if known && o.hashes[ref] == hash {
		return
	}

	o.hashes[ref] = hash

	kind := ChangeUpdated
	if !known {
		kind = ChangeCreated
	}

	o.send(ctx, events, ChangeEvent{
		RepoID:      o.repoID,
		Source:      issue.SourceLocal,
		Kind:        kind,
		ExternalRef: ref,
		Snapshot:    snap,
		Hash:        hash,
		ObservedAt:  time.Now(),
	})
}

// safetyScan compares every task file against the hash cache.
func (o *LocalObserver) safetyScan(ctx context.Context, events chan<- ChangeEvent) {
	snaps, err := o.store.ListChangedSince(ctx, time.Time{})
	if err != nil {
		o.logger.Warn("safety scan failed", slog.String("error", err.Error()))
		return
	}

	seen := make(map[string]struct{}, len(snaps))

	for i := range snaps {
		ref := snaps[i].ExternalRef
		seen[ref] = struct{}{}

		if _, busy := o.pending[ref]; busy {
			continue
		}

		if h, ok := o.hashes[ref]; !ok || h != snaps[i].Hash() {
			o.settle(ctx, ref, events)
		}
	}

	for ref := range o.hashes {
		if _, ok := seen[ref]; ok {
			continue
		}

		if _, busy := o.pending[ref]; !busy {
			o.settle(ctx, ref, events)
		}
	}
}

func (o *LocalObserver) send(ctx context.Context, events chan<- ChangeEvent, ev ChangeEvent) {
	o.logger.Debug("task file changed", slog.String("ref", ev.ExternalRef), slog.String("kind", string(ev.Kind)))

	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (o *LocalObserver) addWatchesRecursive(watcher FsWatcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("sync: walking %s: %w", root, err)
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if path != root && isHiddenName(d.Name()) {
			return filepath.SkipDir
		}

		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("sync: watching %s: %w", path, err)
		}

		return nil
	})
}

func isDir(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.IsDir()
}

func isHiddenName(name string) bool {
	return strings.HasPrefix(name, ".")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
