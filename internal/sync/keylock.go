package sync

import stdsync "sync"

// KeyLock serializes work per key without a global lock. Entries are
// reference counted and dropped when the last holder or waiter leaves, so the
// map only holds keys that are in use.
type KeyLock struct {
	mu    stdsync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   stdsync.Mutex
	refs int
}

// NewKeyLock returns an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyEntry)}
}

// Lock blocks until key is free and returns the function that releases it.
func (k *KeyLock) Lock(key string) func() {
	k.mu.Lock()

	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{}
		k.locks[key] = e
	}

	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once stdsync.Once

	return func() {
		once.Do(func() {
			e.mu.Unlock()

			k.mu.Lock()
			e.refs--

			if e.refs == 0 {
				delete(k.locks, key)
			}

			k.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.locks)
}
