// Package syncutil provides keyed mutual exclusion primitives.
package syncutil

import (
	"context"
	"sync"
	"time"
)

// KeyedMutex provides one channel-based mutex per key. Locks for
// different keys never contend with each other, and acquisition
// supports a bounded wait so callers can fail fast instead of
// queueing behind a slow holder.
type KeyedMutex struct {
	locks sync.Map // key -> chan struct{} (buffered, 1 = unlocked)
}

// NewKeyedMutex creates a new keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{}
}

func (m *KeyedMutex) slot(key string) chan struct{} {
	if v, ok := m.locks.Load(key); ok {
		return v.(chan struct{})
	}
	ch := make(chan struct{}, 1)
	ch <- struct{}{} // Start unlocked.
	actual, _ := m.locks.LoadOrStore(key, ch)
	return actual.(chan struct{})
}

// Acquire locks the mutex for key, waiting at most maxWait. On success
// it returns an unlock function the caller MUST invoke when done. It
// returns false if the wait bound elapsed or ctx was cancelled first.
func (m *KeyedMutex) Acquire(ctx context.Context, key string, maxWait time.Duration) (func(), bool) {
	ch := m.slot(key)

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// TryAcquire locks the mutex for key only if it is immediately free.
func (m *KeyedMutex) TryAcquire(key string) (func(), bool) {
	ch := m.slot(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}
