package telemetry

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when a SerialLock could not be acquired in time.
var ErrLockTimeout = errors.New("serialization lock timeout")

// SerialLock is a mutual-exclusion lock whose acquisition can be bounded by
// a timeout and abandoned on context cancellation.
type SerialLock struct {
	ch chan struct{}
}

// NewSerialLock creates an unlocked lock.
func NewSerialLock() *SerialLock {
	return &SerialLock{ch: make(chan struct{}, 1)}
}

// Acquire waits at most timeout for the lock. It returns ErrLockTimeout when
// the wait expires and ctx.Err() when ctx is cancelled first.
func (l *SerialLock) Acquire(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case l.ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release unlocks the lock. Releasing an unlocked lock is a no-op.
func (l *SerialLock) Release() {
	select {
	case <-l.ch:
	default:
	}
}
