package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a turn lock times out.
var ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

// lockerSweepThreshold triggers a sweep of idle lock entries once the keyed
// map grows past it.
const lockerSweepThreshold = 1024

// turnLock serializes turns for one key. A full channel means held; refs
// counts holders plus waiters and is guarded by the Locker's mutex, so an
// entry is only dropped when nobody can still touch it.
type turnLock struct {
	ch       chan struct{}
	refs     int
	lastUsed time.Time
}

// Locker hands out per-key turn locks with a release function. A turn holds
// its lock from session resolution until the reply rows are persisted, so
// concurrent messages for the same user serialize while different users
// proceed independently.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

// NewLocker creates an empty keyed locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*turnLock)}
}

// Acquire blocks until the key's lock is free, the context is done, or
// timeout elapses (timeout <= 0 waits on ctx alone). The returned release
// function must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &turnLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	if len(l.locks) > lockerSweepThreshold {
		l.sweepLocked()
	}
	l.mu.Unlock()

	unref := func() {
		l.mu.Lock()
		lock.refs--
		lock.lastUsed = time.Now()
		l.mu.Unlock()
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case lock.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lock.ch
				unref()
			})
		}, nil
	case <-ctx.Done():
		unref()
		return nil, ctx.Err()
	case <-timeoutC:
		unref()
		return nil, ErrLockTimeout
	}
}

// sweepLocked drops unreferenced lock entries idle past ten minutes. Caller
// holds l.mu.
func (l *Locker) sweepLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for key, lock := range l.locks {
		if lock.refs == 0 && lock.lastUsed.Before(cutoff) {
			delete(l.locks, key)
		}
	}
}
