// Package mutex provides a FIFO mutual-exclusion lock whose waiters can give up via context.
package mutex

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Mutex is a lock that hands itself to waiters strictly in arrival order.
type Mutex struct {
	sem *semaphore.Weighted
}

// New creates an unlocked Mutex.
func New() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx is done.
// The returned release func may be called more than once; only the first call unlocks.
func (m *Mutex) Acquire(ctx context.Context) (func(), error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { m.sem.Release(1) })
	}, nil
}

// IsLocked reports whether the lock is currently held.
func (m *Mutex) IsLocked() bool {
	if m.sem.TryAcquire(1) {
		m.sem.Release(1)
		return false
	}
	return true
}

// RunExclusive runs fn while holding m. The lock is released when fn returns an error or panics.
func RunExclusive[T any](ctx context.Context, m *Mutex, fn func() (T, error)) (T, error) {
	release, err := m.Acquire(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()

	return fn()
}

// Do is RunExclusive for bodies without a result.
func (m *Mutex) Do(ctx context.Context, fn func() error) error {
	_, err := RunExclusive(ctx, m, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
