// Package distlock provides Redis-backed distributed locks for jobs that
// must not overlap across processes, such as the polling cycle.
package distlock

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout is returned when a blocking acquisition gives up.
var ErrLockTimeout = errors.New("distlock: timed out waiting for lock")

// DistLock is the interface for distributed locking.
// A lock instance carries its own owner token; concurrent use across
// goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock once. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// AcquireWait blocks until the lock is acquired or the timeout elapses,
	// in which case it returns ErrLockTimeout.
	AcquireWait(ctx context.Context, timeout time.Duration) error
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}
