package storage

import (
	"context"
	"sync"
)

type lockKey struct {
	userID     int64
	collection string
}

// LockManager provides in-process per-(user, collection) read/write
// locks for backends whose datastore does not supply its own locking.
type LockManager struct {
	mu    sync.Mutex
	locks map[lockKey]*lockEntry
}

type lockEntry struct {
	mu   sync.RWMutex
	refs int
}

// NewLockManager returns an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[lockKey]*lockEntry)}
}

func (m *LockManager) entry(userID int64, collection string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := lockKey{userID, collection}
	e, ok := m.locks[k]
	if !ok {
		e = &lockEntry{}
		m.locks[k] = e
	}
	e.refs++
	return e
}

func (m *LockManager) release(userID int64, collection string, e *lockEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, lockKey{userID, collection})
	}
}

// RLock takes a shared lock on the collection.
func (m *LockManager) RLock(userID int64, collection string) Unlock {
	e := m.entry(userID, collection)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		m.release(userID, collection, e)
	}
}

// Lock takes an exclusive lock on the collection.
func (m *LockManager) Lock(userID int64, collection string) Unlock {
	e := m.entry(userID, collection)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.release(userID, collection, e)
	}
}

type heldLocksKey struct{}

type heldLocks map[lockKey]bool

func heldSet(ctx context.Context) heldLocks {
	if s, ok := ctx.Value(heldLocksKey{}).(heldLocks); ok {
		return s
	}
	return nil
}

// MarkLocked records on the context that the caller holds a lock on the
// given collection. Lock methods use it to make nested acquisition of
// the same lock a no-op instead of a deadlock.
func MarkLocked(ctx context.Context, userID int64, collection string) context.Context {
	s := heldSet(ctx)
	next := make(heldLocks, len(s)+1)
	for k := range s {
		next[k] = true
	}
	next[lockKey{userID, collection}] = true
	return context.WithValue(ctx, heldLocksKey{}, next)
}

// IsLocked reports whether the context records a held lock for the
// given collection.
func IsLocked(ctx context.Context, userID int64, collection string) bool {
	return heldSet(ctx)[lockKey{userID, collection}]
}
