package engine

import (
	"context"
	"sync"
	"time"
)

// lockTable hands out one mutex per license key so that concurrent
// validations of the same key serialize while different keys proceed in
// parallel. Entries are reference counted and dropped when the last waiter
// leaves, keeping the table bounded by live contention rather than by the
// number of licenses ever seen.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the key's lock is held, the timeout lapses, or ctx is
// canceled. On success it returns a release func the caller must invoke.
func (t *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	t.mu.Lock()
	e := t.locks[key]
	if e == nil {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.locks[key] = e
	}
	e.refs++
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			t.drop(key, e)
		}, nil
	case <-timer.C:
		t.drop(key, e)
		return nil, ErrContention
	case <-ctx.Done():
		t.drop(key, e)
		return nil, ctx.Err()
	}
}

func (t *lockTable) drop(key string, e *lockEntry) {
	t.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(t.locks, key)
	}
	t.mu.Unlock()
}
