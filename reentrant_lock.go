package qsync

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// maxHoldCount is the largest reentrant hold count of a ReentrantLock.
const maxHoldCount = math.MaxInt32

// ReentrantLock is a reentrant mutual exclusion lock with an owner.
//
// The goroutine that last locked it, and has not yet unlocked it, owns it.
// The owner may lock it again without blocking; it must unlock it as many
// times as it locked it. Unlock by a goroutine that does not own the lock
// panics.
//
// Fairness:
//   - Unfair (the zero value): Lock barges, so a newly arriving goroutine
//     may win over queued ones. Once queued, goroutines keep their order.
//   - Fair: Lock refuses to barge while others are queued, so goroutines
//     acquire in arrival order.
//
// TryLock always barges, even on a fair lock.
//
// It is zero-value usable (unfair). It must not be copied after first use.
type ReentrantLock struct {
	_    noCopy
	sync Synchronizer
	fair bool
}

var _ sync.Locker = (*ReentrantLock)(nil)

// NewReentrantLock returns a lock with the given fairness policy.
func NewReentrantLock(fair bool) *ReentrantLock {
	return &ReentrantLock{fair: fair}
}

// lockSync holds the parts shared by both policies.
type lockSync struct{ ExclusiveOnly }

func (lockSync) TryRelease(s *Synchronizer, releases int64) bool {
	if s.Owner() != curGoroutine() {
		panic(ErrIllegalMonitorState)
	}
	c := s.State() - releases
	free := c == 0
	if free {
		s.SetOwner(0)
	}
	s.SetState(c)
	return free
}

func (lockSync) IsHeldExclusively(s *Synchronizer) bool {
	return s.Owner() == curGoroutine()
}

// nonfairTryAcquire grabs the lock if it is free, regardless of waiters.
func nonfairTryAcquire(s *Synchronizer, acquires int64) bool {
	g := curGoroutine()
	c := s.State()
	if c == 0 {
		if s.CompareAndSetState(0, acquires) {
			s.SetOwner(g)
			return true
		}
		return false
	}
	if g == s.Owner() {
		reenter(s, c, acquires)
		return true
	}
	return false
}

// reenter adds acquires to the owner's hold count c.
func reenter(s *Synchronizer, c, acquires int64) {
	next := c + acquires
	if next > maxHoldCount {
		panic(ErrHoldOverflow)
	}
	s.SetState(next)
}

type nonfairSync struct{ lockSync }

func (nonfairSync) TryAcquire(s *Synchronizer, acquires int64) bool {
	return nonfairTryAcquire(s, acquires)
}

type fairSync struct{ lockSync }

func (fairSync) TryAcquire(s *Synchronizer, acquires int64) bool {
	g := curGoroutine()
	c := s.State()
	if c == 0 {
		if !s.hasQueuedPredecessorsOf(g) && s.CompareAndSetState(0, acquires) {
			s.SetOwner(g)
			return true
		}
		return false
	}
	if g == s.Owner() {
		reenter(s, c, acquires)
		return true
	}
	return false
}

func (l *ReentrantLock) acquirer() Acquirer {
	if l.fair {
		return fairSync{}
	}
	return nonfairSync{}
}

// Lock acquires the lock, blocking until it is available.
func (l *ReentrantLock) Lock() {
	if !l.fair && l.sync.CompareAndSetState(0, 1) {
		l.sync.SetOwner(curGoroutine())
		return
	}
	l.sync.Acquire(l.acquirer(), 1)
}

// LockContext is Lock that gives up when ctx is done. The returned error
// wraps ErrInterrupted.
func (l *ReentrantLock) LockContext(ctx context.Context) error {
	return l.sync.AcquireContext(ctx, l.acquirer(), 1)
}

// TryLock acquires the lock only if it is free or already held by the
// caller. It barges even on a fair lock.
func (l *ReentrantLock) TryLock() bool {
	return nonfairTryAcquire(&l.sync, 1)
}

// TryLockTimeout waits at most d for the lock. Unlike TryLock it honours
// the fairness policy.
func (l *ReentrantLock) TryLockTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return l.sync.TryAcquireTimeout(ctx, l.acquirer(), 1, d)
}

// Unlock decrements the hold count and releases the lock when it reaches
// zero. It panics with ErrIllegalMonitorState if the caller is not the owner.
func (l *ReentrantLock) Unlock() {
	l.sync.Release(l.acquirer(), 1)
}

// NewCondition returns a Condition bound to l.
func (l *ReentrantLock) NewCondition() *Condition {
	return l.sync.NewCondition(l.acquirer())
}

// IsFair reports whether l uses the fair policy.
func (l *ReentrantLock) IsFair() bool {
	return l.fair
}

// IsLocked reports whether any goroutine holds l.
func (l *ReentrantLock) IsLocked() bool {
	return l.sync.State() != 0
}

// IsHeldByCurrent reports whether the calling goroutine holds l.
func (l *ReentrantLock) IsHeldByCurrent() bool {
	return l.sync.Owner() == curGoroutine()
}

// HoldCount returns the caller's hold count, 0 if it does not hold l.
func (l *ReentrantLock) HoldCount() int {
	if l.sync.Owner() == curGoroutine() {
		return int(l.sync.State())
	}
	return 0
}

// Owner returns the owning goroutine id, or 0 if l is not held.
func (l *ReentrantLock) Owner() int64 {
	if l.sync.State() == 0 {
		return 0
	}
	return l.sync.Owner()
}

// HasQueuedThreads reports whether any goroutine may be waiting for l.
func (l *ReentrantLock) HasQueuedThreads() bool {
	return l.sync.HasQueuedThreads()
}

// HasQueuedThread reports whether goroutine gid is waiting for l.
func (l *ReentrantLock) HasQueuedThread(gid int64) bool {
	return l.sync.IsQueued(gid)
}

// QueueLength returns an estimate of the number of goroutines waiting for l.
func (l *ReentrantLock) QueueLength() int {
	return l.sync.QueueLength()
}

// QueuedThreads returns the goroutines that may be waiting for l.
func (l *ReentrantLock) QueuedThreads() []int64 {
	return l.sync.QueuedThreads()
}

// HasWaiters reports whether any goroutine waits on c, which must
// belong to l.
func (l *ReentrantLock) HasWaiters(c *Condition) bool {
	l.owns(c)
	return c.HasWaiters()
}

// WaitQueueLength returns an estimate of the number of waiters on c.
func (l *ReentrantLock) WaitQueueLength(c *Condition) int {
	l.owns(c)
	return c.WaitQueueLength()
}

func (l *ReentrantLock) owns(c *Condition) {
	if c == nil || c.s != &l.sync {
		panic("qsync: condition not owned by this lock")
	}
}

// String identifies the lock state.
func (l *ReentrantLock) String() string {
	if o := l.Owner(); o != 0 {
		return fmt.Sprintf("ReentrantLock[locked by goroutine %d]", o)
	}
	return "ReentrantLock[unlocked]"
}
