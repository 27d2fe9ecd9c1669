package transport

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxReaders bounds the number of concurrent read holders of a TimedRWLock.
const maxReaders = 1 << 20

// DefaultLockTimeout is the bounded wait of router lock acquisition. It must
// exceed the stream client's connect and read timeouts.
const DefaultLockTimeout = 6 * time.Second

// TimedRWLock is a fair read/write lock whose acquisition is bounded by a
// timeout. Readers hold one unit of a weighted semaphore and a writer holds
// all of them. The semaphore serves waiters in FIFO order, so a waiting
// writer blocks readers that arrive after it.
type TimedRWLock struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewTimedRWLock returns a lock with the given acquisition timeout. A
// non-positive timeout selects DefaultLockTimeout.
func NewTimedRWLock(timeout time.Duration) *TimedRWLock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &TimedRWLock{sem: semaphore.NewWeighted(maxReaders), timeout: timeout}
}

// Timeout returns the acquisition timeout.
func (l *TimedRWLock) Timeout() time.Duration { return l.timeout }

// RLock acquires the lock for reading. It returns ErrLockTimeout when the
// timeout elapses first, or the context error when ctx is done.
func (l *TimedRWLock) RLock(ctx context.Context) error {
	return l.acquire(ctx, 1)
}

// TryRLock acquires the lock for reading without waiting.
func (l *TimedRWLock) TryRLock() bool {
	return l.sem.TryAcquire(1)
}

// RUnlock releases a read hold.
func (l *TimedRWLock) RUnlock() {
	l.sem.Release(1)
}

// Lock acquires the lock for writing, with the same failure modes as RLock.
func (l *TimedRWLock) Lock(ctx context.Context) error {
	return l.acquire(ctx, maxReaders)
}

// Unlock releases the write hold.
func (l *TimedRWLock) Unlock() {
	l.sem.Release(maxReaders)
}

func (l *TimedRWLock) acquire(ctx context.Context, n int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	err := l.sem.Acquire(waitCtx, n)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	return err
}
