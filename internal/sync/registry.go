package sync

import (
	"fmt"
	"slices"
	stdsync "sync"
	"sync/atomic"

	"github.com/tonimelisma/tasksync/internal/issue"
)

// Registry maps each repo to its store adapters. It is filled once at
// startup and then frozen; lookups after Freeze take no lock.
type Registry struct {
	mu       stdsync.Mutex
	frozen   atomic.Bool
	adapters map[int64]map[issue.Source]Adapter
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[int64]map[issue.Source]Adapter)}
}

// Register adds the adapter for a repo under its Name. Registering after
// Freeze, or twice for the same repo and source, panics: both are
// programming errors in startup wiring.
func (r *Registry) Register(repoID int64, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		panic(fmt.Sprintf("sync: registry frozen, cannot register %s for repo %d", a.Name(), repoID))
	}

	byName, ok := r.adapters[repoID]
	if !ok {
		byName = make(map[issue.Source]Adapter)
		r.adapters[repoID] = byName
	}

	if _, dup := byName[a.Name()]; dup {
		panic(fmt.Sprintf("sync: %s already registered for repo %d", a.Name(), repoID))
	}

	byName[a.Name()] = a
}

// Freeze ends registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Lookup returns the adapter of src for a repo.
func (r *Registry) Lookup(repoID int64, src issue.Source) (Adapter, error) {
	if !r.Frozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	a, ok := r.adapters[repoID][src]
	if !ok {
		return nil, fmt.Errorf("sync: %s for repo %d: %w", src, repoID, ErrNoAdapter)
	}

	return a, nil
}

// Sources returns the sources registered for a repo in issue.Sources order.
func (r *Registry) Sources(repoID int64) []issue.Source {
	if !r.Frozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	var out []issue.Source

	for _, src := range issue.Sources {
		if _, ok := r.adapters[repoID][src]; ok {
			out = append(out, src)
		}
	}

	return out
}

// Repos returns the ids of every repo with at least one adapter.
func (r *Registry) Repos() []int64 {
	if !r.Frozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	out := make([]int64, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}

	slices.Sort(out)

	return out
}
