package repository

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// groupLocks serializes writers of the same key inside one process. Entries are
// reference counted and dropped when the last holder releases, so idle groups
// cost nothing.
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*groupLock
}

type groupLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newGroupLocks() *groupLocks {
	return &groupLocks{locks: make(map[string]*groupLock)}
}

// acquire blocks until key is free or ctx is done.
func (l *groupLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &groupLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	if err := lk.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, lk)
		return nil, err
	}
	return func() {
		lk.sem.Release(1)
		l.unref(key, lk)
	}, nil
}

func (l *groupLocks) unref(key string, lk *groupLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}
