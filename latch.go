package qsync

import (
	"context"
	"fmt"
	"time"
)

// Latch is a count-down latch: waiters block until the count reaches zero.
//
// Once open (count zero) it stays open, and all current and future Wait
// calls return immediately. Reaching zero wakes the first waiter, which
// wakes the next, so the whole queue drains through shared propagation.
//
// The zero value is already open. NewLatch(1) gives a one-way door that
// Open or a single CountDown opens.
type Latch struct {
	_    noCopy
	sync Synchronizer
}

// NewLatch returns a Latch that opens after count calls to CountDown.
func NewLatch(count int64) *Latch {
	if count < 0 {
		panic(fmt.Sprintf("qsync: negative latch count %d", count))
	}
	l := &Latch{}
	l.sync.SetState(count)
	return l
}

type latchSync struct{ SharedOnly }

func (latchSync) TryAcquireShared(s *Synchronizer, _ int64) int64 {
	if s.State() == 0 {
		return 1
	}
	return -1
}

// TryReleaseShared subtracts n, clamped at zero, and reports whether this
// call opened the latch.
func (latchSync) TryReleaseShared(s *Synchronizer, n int64) bool {
	for {
		c := s.State()
		if c == 0 {
			return false
		}
		next := max(c-n, 0)
		if s.CompareAndSetState(c, next) {
			return next == 0
		}
	}
}

// CountDown decrements the count, opening the latch when it reaches zero.
// It does nothing once the latch is open.
func (l *Latch) CountDown() {
	l.sync.ReleaseShared(latchSync{}, 1)
}

// Open opens the door.
// It wakes up all currently blocked waiters.
// Open() is idempotent (can be called multiple times).
func (l *Latch) Open() {
	l.sync.ReleaseShared(latchSync{}, l.sync.State())
}

// Wait blocks until the latch is open.
func (l *Latch) Wait() {
	l.sync.AcquireShared(latchSync{}, 1)
}

// WaitContext waits until the latch is open or ctx is done.
func (l *Latch) WaitContext(ctx context.Context) error {
	return l.sync.AcquireSharedContext(ctx, latchSync{}, 1)
}

// WaitTimeout waits at most d. It returns true if the latch opened.
func (l *Latch) WaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return l.sync.TryAcquireSharedTimeout(ctx, latchSync{}, 1, d)
}

// Count returns the remaining count.
func (l *Latch) Count() int64 {
	return l.sync.State()
}

func (l *Latch) String() string {
	return fmt.Sprintf("Latch[count = %d]", l.sync.State())
}
