// Package lock provides keyed mutual exclusion for sync work.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the wait
// bound. Callers treat it as retryable.
var ErrTimeout = errors.New("timed out waiting for lock")

// Release frees a held lock.
type Release func(ctx context.Context) error

// Locker serializes work per key. Different keys never block each other.
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (Release, error)
}

// Memory is a process-local Locker.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*memoryEntry
}

type memoryEntry struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates a process-local Locker.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*memoryEntry)}
}

func (m *Memory) entry(key string) *memoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		e = &memoryEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Memory) unref(key string, e *memoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Acquire blocks until the key is free, wait elapses, or ctx is done.
func (m *Memory) Acquire(ctx context.Context, key string, wait time.Duration) (Release, error) {
	e := m.entry(key)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
	case <-timer.C:
		m.unref(key, e)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-e.ch
			m.unref(key, e)
		})
		return nil
	}, nil
}
