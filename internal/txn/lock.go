package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// LockPolicy decides what a writer does when the lock is held.
type LockPolicy string

const (
	// PolicyWait blocks up to the lock timeout.
	PolicyWait LockPolicy = "wait"

	// PolicyFailFast returns ErrBusy immediately.
	PolicyFailFast LockPolicy = "fail-fast"
)

// ParseLockPolicy validates a policy name.
func ParseLockPolicy(s string) (LockPolicy, error) {
	switch LockPolicy(s) {
	case PolicyWait, "":
		return PolicyWait, nil
	case PolicyFailFast:
		return PolicyFailFast, nil
	}
	return "", fmt.Errorf("unknown lock policy %q", s)
}

const lockRetryDelay = 25 * time.Millisecond

// WriteLock serialises writers within the process (a one-slot semaphore)
// and across processes (an flock on a file under the state directory).
type WriteLock struct {
	sem     chan struct{}
	file    *flock.Flock
	policy  LockPolicy
	timeout time.Duration
}

// NewWriteLock creates a lock backed by the file at path.
func NewWriteLock(path string, policy LockPolicy, timeout time.Duration) *WriteLock {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WriteLock{
		sem:     make(chan struct{}, 1),
		file:    flock.New(path),
		policy:  policy,
		timeout: timeout,
	}
}

// Acquire takes both locks and returns the release function.
func (l *WriteLock) Acquire(ctx context.Context) (func(), error) {
	if l.policy == PolicyFailFast {
		select {
		case l.sem <- struct{}{}:
		default:
			return nil, ErrBusy
		}
		ok, err := l.file.TryLock()
		if err != nil {
			<-l.sem
			return nil, fmt.Errorf("failed to lock %s: %w", l.file.Path(), err)
		}
		if !ok {
			<-l.sem
			return nil, ErrBusy
		}
		return l.release, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: timed out waiting for writer", ErrBusy)
	}

	ok, err := l.file.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		<-l.sem
		if ctx.Err() != nil || err == nil {
			return nil, fmt.Errorf("%w: timed out waiting for %s", ErrBusy, l.file.Path())
		}
		return nil, fmt.Errorf("failed to lock %s: %w", l.file.Path(), err)
	}
	return l.release, nil
}

func (l *WriteLock) release() {
	_ = l.file.Unlock()
	<-l.sem
}
