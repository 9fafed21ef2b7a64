// Package concurrency implements the single process-wide deferred
// read-write lock that serializes every mutating operation against the
// device/config/plugin state (spec §5): readers run concurrently, writers
// run exclusively, and writers are never starved by a steady stream of
// readers.
//
// The shape — acquire with a context deadline, release explicitly,
// fairness via a queue rather than raw sync.RWMutex starvation-prone
// semantics — is grounded on the teacher's Redis SETNX distributed lock
// (internal/infrastructure/lock/distributed.go: context-bounded acquire,
// explicit release, a manager tracking outstanding holders). That lock
// coordinates multiple processes over Redis; this one coordinates
// goroutines in a single process, so it is reimplemented on a mutex-
// guarded FIFO waiter queue instead of SETNX, with no Redis dependency.
package concurrency

import (
	"context"
	"fmt"
	"sync"
)

type waiter struct {
	write   bool
	ready   chan struct{}
	granted bool
}

// RWLock is a writer-preference, FIFO-fair read-write lock. Waiters are
// granted in the order they arrive: once a writer is queued, no reader
// that arrived after it is granted ahead of it, even though readers
// already holding the lock are allowed to finish.
type RWLock struct {
	mu            sync.Mutex
	activeReaders int
	writerActive  bool
	queue         []*waiter
}

// New returns an unlocked RWLock.
func New() *RWLock {
	return &RWLock{}
}

// Release is returned by RLock/Lock and must be called exactly once to
// give the lock back up.
type Release func()

// RLock blocks until a read slot is granted or ctx is done, returning a
// Release to call when the caller is finished reading.
func (l *RWLock) RLock(ctx context.Context) (Release, error) {
	return l.acquire(ctx, false)
}

// Lock blocks until exclusive access is granted or ctx is done, returning
// a Release to call when the caller is finished writing.
func (l *RWLock) Lock(ctx context.Context) (Release, error) {
	return l.acquire(ctx, true)
}

func (l *RWLock) acquire(ctx context.Context, write bool) (Release, error) {
	l.mu.Lock()
	w := &waiter{write: write, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.schedule()
	l.mu.Unlock()

	select {
	case <-w.ready:
		return func() { l.release(write) }, nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			l.mu.Unlock()
			l.release(write)
			return nil, ctx.Err()
		}
		l.removeFromQueue(w)
		l.mu.Unlock()
		return nil, fmt.Errorf("concurrency: acquire lock: %w", ctx.Err())
	}
}

func (l *RWLock) removeFromQueue(target *waiter) {
	for i, w := range l.queue {
		if w == target {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

func (l *RWLock) release(write bool) {
	l.mu.Lock()
	if write {
		l.writerActive = false
	} else {
		l.activeReaders--
	}
	l.schedule()
	l.mu.Unlock()
}

// schedule grants every waiter at the front of the queue that current
// state allows, stopping at the first waiter it cannot grant so that no
// later waiter is admitted out of order. Callers must hold l.mu.
func (l *RWLock) schedule() {
	for len(l.queue) > 0 {
		w := l.queue[0]
		if w.write {
			if l.activeReaders != 0 || l.writerActive {
				return
			}
			l.writerActive = true
			w.granted = true
			l.queue = l.queue[1:]
			close(w.ready)
			return
		}

		if l.writerActive {
			return
		}
		l.activeReaders++
		w.granted = true
		l.queue = l.queue[1:]
		close(w.ready)
	}
}
