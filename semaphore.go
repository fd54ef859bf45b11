package qsync

import (
	"context"
	"fmt"
	"time"
)

// Semaphore is a counting semaphore built on the shared mode of a
// Synchronizer.
//
// A released permit wakes the first queued acquirer, and the wake-up
// propagates down the queue while permits remain, so one Release(n) can
// admit several waiters.
//
// Fairness:
//   - Unfair (the zero value): Acquire may barge past queued goroutines.
//   - Fair: Acquire queues behind earlier arrivals. A waiter asking for
//     many permits holds up smaller requests behind it.
//
// TryAcquire always barges.
//
// It is zero-value usable (starts with 0 permits). Unlike a lock it has no
// owner: any goroutine may release.
type Semaphore struct {
	_    noCopy
	sync Synchronizer
	fair bool
}

// NewSemaphore creates a new Semaphore with a given number of initial permits.
// permits may be negative, in which case releases must happen before any
// acquire succeeds.
func NewSemaphore(permits int64, fair bool) *Semaphore {
	s := &Semaphore{fair: fair}
	s.sync.SetState(permits)
	return s
}

type semSync struct{ SharedOnly }

func nonfairTryAcquireShared(s *Synchronizer, acquires int64) int64 {
	for {
		avail := s.State()
		rem := avail - acquires
		if rem < 0 || s.CompareAndSetState(avail, rem) {
			return rem
		}
	}
}

func (semSync) TryReleaseShared(s *Synchronizer, releases int64) bool {
	for {
		cur := s.State()
		next := cur + releases
		if next < cur {
			panic(ErrPermitOverflow)
		}
		if s.CompareAndSetState(cur, next) {
			return true
		}
	}
}

type semNonfair struct{ semSync }

func (semNonfair) TryAcquireShared(s *Synchronizer, acquires int64) int64 {
	return nonfairTryAcquireShared(s, acquires)
}

type semFair struct{ semSync }

func (semFair) TryAcquireShared(s *Synchronizer, acquires int64) int64 {
	if s.HasQueuedPredecessors() {
		return -1
	}
	return nonfairTryAcquireShared(s, acquires)
}

func (m *Semaphore) acquirer() Acquirer {
	if m.fair {
		return semFair{}
	}
	return semNonfair{}
}

// Acquire acquires n permits.
// It blocks until n permits are available.
func (m *Semaphore) Acquire(n int64) {
	if n <= 0 {
		return
	}
	m.sync.AcquireShared(m.acquirer(), n)
}

// AcquireContext acquires n permits unless ctx is done first.
func (m *Semaphore) AcquireContext(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	return m.sync.AcquireSharedContext(ctx, m.acquirer(), n)
}

// TryAcquire attempts to acquire n permits without blocking.
// Returns true on success.
func (m *Semaphore) TryAcquire(n int64) bool {
	if n <= 0 {
		return true
	}
	return nonfairTryAcquireShared(&m.sync, n) >= 0
}

// TryAcquireTimeout waits at most d for n permits.
func (m *Semaphore) TryAcquireTimeout(ctx context.Context, n int64, d time.Duration) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	return m.sync.TryAcquireSharedTimeout(ctx, m.acquirer(), n, d)
}

// Release releases n permits.
// It panics with ErrPermitOverflow if the count would overflow.
func (m *Semaphore) Release(n int64) {
	if n <= 0 {
		return
	}
	m.sync.ReleaseShared(m.acquirer(), n)
}

// AvailablePermits returns the current number of permits.
func (m *Semaphore) AvailablePermits() int64 {
	return m.sync.State()
}

// DrainPermits acquires and returns every available permit, or sets a
// negative count to zero and returns the (negative) amount removed.
func (m *Semaphore) DrainPermits() int64 {
	for {
		cur := m.sync.State()
		if cur == 0 || m.sync.CompareAndSetState(cur, 0) {
			return cur
		}
	}
}

// IsFair reports whether m uses the fair policy.
func (m *Semaphore) IsFair() bool {
	return m.fair
}

// QueueLength returns an estimate of the number of waiting goroutines.
func (m *Semaphore) QueueLength() int {
	return m.sync.QueueLength()
}

func (m *Semaphore) String() string {
	return fmt.Sprintf("Semaphore[permits = %d]", m.sync.State())
}
