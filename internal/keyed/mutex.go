package keyed

import "sync"

// Mutex is a keyed mutex: work for the same key is serialized, work for
// different keys runs concurrently. Keys are never evicted, so the key space
// must be bounded (device ids are).
type Mutex struct {
	mu sync.Map // map[string]*keyLock
}

type keyLock struct{ mu sync.Mutex }

// Lock acquires the lock for key and returns the matching unlock function.
func (m *Mutex) Lock(key string) func() {
	lkAny, _ := m.mu.LoadOrStore(key, &keyLock{})

	lk, _ := lkAny.(*keyLock)
	lk.mu.Lock()

	return lk.mu.Unlock
}

// Do runs fn while holding the lock for key.
func (m *Mutex) Do(key string, fn func()) {
	unlock := m.Lock(key)
	defer unlock()

	fn()
}
