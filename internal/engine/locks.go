package engine

import "sync"

// lockTable hands out per-key mutexes so transitions on the same item, or
// start attempts by the same actor, serialize in-process. Entries are
// refcounted and dropped once the last holder releases.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]*lockEntry{}}
}

// acquire blocks until the key's mutex is held and returns its release func.
func (t *lockTable) acquire(key string) func() {
	t.mu.Lock()
	e, ok := t.locks[key]
	if !ok {
		e = &lockEntry{}
		t.locks[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

// lockItem serializes transitions on a single work item.
func (t *lockTable) lockItem(id string) func() {
	return t.acquire("item:" + id)
}

// lockActor serializes an actor's start attempts so the active-work count
// cannot be raced past its cap. Always taken before the item lock.
func (t *lockTable) lockActor(id string) func() {
	return t.acquire("actor:" + id)
}
