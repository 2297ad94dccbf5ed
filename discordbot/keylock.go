package discordbot

import "sync"

// keyLock serializes work per key. Entries are dropped once no goroutine
// holds or waits on them, so the map only grows with in-flight keys.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: map[string]*keyLockEntry{}}
}

// Lock blocks until key is available, and returns the func to release it
func (k *keyLock) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyLockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(
			func() {
				entry.mu.Unlock()
				k.mu.Lock()
				entry.refs--
				if entry.refs == 0 {
					delete(k.locks, key)
				}
				k.mu.Unlock()
			},
		)
	}
}

// Len returns the number of keys currently held or waited on
func (k *keyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
