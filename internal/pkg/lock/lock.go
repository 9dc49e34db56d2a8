// Package lock provides keyed in-process locks used to serialize lifecycle
// actions on the same resource inside one process. It is not a substitute
// for database-level serialization.
package lock

import (
	"context"
	"sync"
	"time"
)

// entry is a one-slot semaphore with a reference count so that idle keys
// can be dropped from the map.
type entry struct {
	sem  chan struct{}
	refs int
}

// KeyedLock provides one lock per key.
type KeyedLock[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// New creates a new KeyedLock instance.
func New[K comparable]() *KeyedLock[K] {
	return &KeyedLock[K]{entries: make(map[K]*entry)}
}

// acquire returns the entry for key with its reference count incremented.
func (l *KeyedLock[K]) acquire(key K) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

// release drops a reference and forgets the key once nobody holds or waits on it.
func (l *KeyedLock[K]) release(key K, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock acquires the lock for key.
func (l *KeyedLock[K]) Lock(key K) {
	e := l.acquire(key)
	e.sem <- struct{}{}
}

// Unlock releases the lock for key. Unlocking a key that is not held is a no-op.
func (l *KeyedLock[K]) Unlock(key K) {
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-e.sem:
		l.release(key, e)
	default:
	}
}

// TryLock attempts to acquire the lock without blocking.
func (l *KeyedLock[K]) TryLock(key K) bool {
	e := l.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return true
	default:
		l.release(key, e)
		return false
	}
}

// LockWithTimeout attempts to acquire the lock until the timeout or ctx expires.
func (l *KeyedLock[K]) LockWithTimeout(ctx context.Context, key K, timeout time.Duration) bool {
	e := l.acquire(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	l.release(key, e)
	return false
}

// WithLock executes fn while holding the lock for key.
func (l *KeyedLock[K]) WithLock(key K, fn func() error) error {
	l.Lock(key)
	defer l.Unlock(key)
	return fn()
}

// WithLockContext executes fn while holding the lock for key, giving up with
// ErrLockTimeout if the lock is not acquired in time.
func (l *KeyedLock[K]) WithLockContext(ctx context.Context, key K, timeout time.Duration, fn func() error) error {
	if !l.LockWithTimeout(ctx, key, timeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrLockTimeout
	}
	defer l.Unlock(key)
	return fn()
}

// IsLocked checks if key is currently held.
// Note: This is a point-in-time check and may change immediately after.
func (l *KeyedLock[K]) IsLocked(key K) bool {
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()
	return ok && len(e.sem) == 1
}

// Len returns the number of keys currently tracked.
func (l *KeyedLock[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
