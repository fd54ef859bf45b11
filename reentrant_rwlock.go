package qsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/pb"
)

// The state is split in two: the low half counts write holds (reentrant),
// the high half counts read holds across all readers.
const (
	sharedShift   = 32
	sharedUnit    = int64(1) << sharedShift
	maxRWCount    = 1<<31 - 1
	exclusiveMask = int64(1)<<sharedShift - 1
)

func sharedCount(c int64) int64    { return c >> sharedShift }
func exclusiveCount(c int64) int64 { return c & exclusiveMask }

// readHold is one goroutine's read hold count. count is only touched by
// the goroutine gid.
type readHold struct {
	gid   int64
	count int64
}

// ReentrantRWLock is a reentrant reader/writer lock.
//
// Any number of readers, or one writer, may hold it. Both sides are
// reentrant, and the writer may also take read holds. A reader cannot
// upgrade to the write lock; RUnlock without a matching RLock panics.
//
// Fairness:
//   - Unfair (the zero value): arrivals may barge. A goroutine reading for
//     the first time defers to a writer that is first in the queue, so a
//     queued writer is not starved by a stream of new readers.
//   - Fair: arrivals queue behind anyone already waiting, except reentrant
//     acquires, which never block.
//
// TryLock and TryRLock always barge.
//
// It is zero-value usable (unfair). It must not be copied after first use.
type ReentrantRWLock struct {
	_    noCopy
	sync Synchronizer
	fair bool

	// holds maps goroutine id to its read holds, for readers other than
	// firstReader. Entries exist only while count > 0.
	holds pb.MapOf[int64, *readHold]
	// cachedHold is the hold of the last goroutine to take a read lock.
	cachedHold atomic.Pointer[readHold]
	// firstReader is the goroutine that took the read count from 0 to 1,
	// cleared when it fully releases. firstReaderHoldCount is only touched
	// by that goroutine.
	firstReader          atomic.Int64
	firstReaderHoldCount int64
}

// NewReentrantRWLock returns a lock with the given fairness policy.
func NewReentrantRWLock(fair bool) *ReentrantRWLock {
	return &ReentrantRWLock{fair: fair}
}

// rwSync is the Acquirer for both sides. It is pointer-shaped, so
// converting it to Acquirer does not allocate.
type rwSync struct{ l *ReentrantRWLock }

func (l *ReentrantRWLock) acquirer() Acquirer {
	return rwSync{l}
}

func (a rwSync) readerShouldBlock(s *Synchronizer, g int64) bool {
	if a.l.fair {
		return s.hasQueuedPredecessorsOf(g)
	}
	return s.apparentlyFirstQueuedIsExclusive()
}

func (a rwSync) writerShouldBlock(s *Synchronizer, g int64) bool {
	if a.l.fair {
		return s.hasQueuedPredecessorsOf(g)
	}
	return false
}

func (a rwSync) IsHeldExclusively(s *Synchronizer) bool {
	return s.Owner() == curGoroutine()
}

func (a rwSync) TryRelease(s *Synchronizer, releases int64) bool {
	if s.Owner() != curGoroutine() {
		panic(ErrIllegalMonitorState)
	}
	next := s.State() - releases
	free := exclusiveCount(next) == 0
	if free {
		s.SetOwner(0)
	}
	s.SetState(next)
	return free
}

func (a rwSync) TryAcquire(s *Synchronizer, acquires int64) bool {
	g := curGoroutine()
	c := s.State()
	if c != 0 {
		// Held by readers, or by another writer.
		if w := exclusiveCount(c); w == 0 || g != s.Owner() {
			return false
		} else if w+exclusiveCount(acquires) > maxRWCount {
			panic(ErrHoldOverflow)
		}
		s.SetState(c + acquires)
		return true
	}
	if a.writerShouldBlock(s, g) || !s.CompareAndSetState(c, c+acquires) {
		return false
	}
	s.SetOwner(g)
	return true
}

func (a rwSync) TryReleaseShared(s *Synchronizer, _ int64) bool {
	l := a.l
	g := curGoroutine()
	if l.firstReader.Load() == g {
		if l.firstReaderHoldCount == 1 {
			l.firstReader.Store(0)
		} else {
			l.firstReaderHoldCount--
		}
	} else {
		rh := l.cachedHold.Load()
		if rh == nil || rh.gid != g {
			var ok bool
			if rh, ok = l.holds.Load(g); !ok {
				panic(fmt.Errorf("%w: read lock", ErrIllegalMonitorState))
			}
		}
		if rh.count <= 1 {
			l.holds.Delete(g)
			if rh.count <= 0 {
				panic(fmt.Errorf("%w: read lock", ErrIllegalMonitorState))
			}
		}
		rh.count--
	}
	for {
		c := s.State()
		next := c - sharedUnit
		if s.CompareAndSetState(c, next) {
			// Releasing the read lock has no effect on readers, but lets
			// waiting writers proceed once both halves are free.
			return next == 0
		}
	}
}

// currentHold returns g's hold record, or a fresh unstored one.
func (l *ReentrantRWLock) currentHold(g int64) *readHold {
	if rh := l.cachedHold.Load(); rh != nil && rh.gid == g {
		return rh
	}
	if rh, ok := l.holds.Load(g); ok {
		return rh
	}
	return &readHold{gid: g}
}

// recordRead books one more read hold for g after a successful CAS from c.
func (l *ReentrantRWLock) recordRead(g, c int64) {
	switch {
	case sharedCount(c) == 0:
		l.firstReader.Store(g)
		l.firstReaderHoldCount = 1
	case l.firstReader.Load() == g:
		l.firstReaderHoldCount++
	default:
		rh := l.currentHold(g)
		if rh.count == 0 {
			l.holds.Store(g, rh)
		}
		rh.count++
		l.cachedHold.Store(rh)
	}
}

func (a rwSync) TryAcquireShared(s *Synchronizer, _ int64) int64 {
	g := curGoroutine()
	c := s.State()
	if exclusiveCount(c) != 0 && s.Owner() != g {
		return -1
	}
	if !a.readerShouldBlock(s, g) && sharedCount(c) < maxRWCount &&
		s.CompareAndSetState(c, c+sharedUnit) {
		a.l.recordRead(g, c)
		return 1
	}
	return a.fullTryAcquireShared(s, g)
}

// fullTryAcquireShared handles CAS misses and reentrant reads that the
// fast path in TryAcquireShared defers.
func (a rwSync) fullTryAcquireShared(s *Synchronizer, g int64) int64 {
	l := a.l
	for {
		c := s.State()
		if exclusiveCount(c) != 0 {
			if s.Owner() != g {
				return -1
			}
			// Holding the write lock: blocking here would deadlock.
		} else if a.readerShouldBlock(s, g) {
			// Only a reentrant read may proceed.
			if l.firstReader.Load() != g && l.currentHold(g).count == 0 {
				return -1
			}
		}
		if sharedCount(c) == maxRWCount {
			panic(ErrHoldOverflow)
		}
		if s.CompareAndSetState(c, c+sharedUnit) {
			l.recordRead(g, c)
			return 1
		}
	}
}

// tryWriteLock is TryAcquire without the fairness check.
func (l *ReentrantRWLock) tryWriteLock() bool {
	s := &l.sync
	g := curGoroutine()
	c := s.State()
	if c != 0 {
		w := exclusiveCount(c)
		if w == 0 || g != s.Owner() {
			return false
		}
		if w == maxRWCount {
			panic(ErrHoldOverflow)
		}
	}
	if !s.CompareAndSetState(c, c+1) {
		return false
	}
	s.SetOwner(g)
	return true
}

// tryReadLock is TryAcquireShared without the fairness check.
func (l *ReentrantRWLock) tryReadLock() bool {
	s := &l.sync
	g := curGoroutine()
	for {
		c := s.State()
		if exclusiveCount(c) != 0 && s.Owner() != g {
			return false
		}
		if sharedCount(c) == maxRWCount {
			panic(ErrHoldOverflow)
		}
		if s.CompareAndSetState(c, c+sharedUnit) {
			l.recordRead(g, c)
			return true
		}
	}
}

// Lock acquires the write lock.
func (l *ReentrantRWLock) Lock() {
	l.sync.Acquire(l.acquirer(), 1)
}

// LockContext acquires the write lock unless ctx is done first.
func (l *ReentrantRWLock) LockContext(ctx context.Context) error {
	return l.sync.AcquireContext(ctx, l.acquirer(), 1)
}

// TryLock acquires the write lock if neither side is held by another
// goroutine. It barges even on a fair lock.
func (l *ReentrantRWLock) TryLock() bool {
	return l.tryWriteLock()
}

// TryLockTimeout waits at most d for the write lock.
func (l *ReentrantRWLock) TryLockTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return l.sync.TryAcquireTimeout(ctx, l.acquirer(), 1, d)
}

// Unlock releases one write hold. It panics with ErrIllegalMonitorState
// if the caller does not hold the write lock.
func (l *ReentrantRWLock) Unlock() {
	l.sync.Release(l.acquirer(), 1)
}

// NewCondition returns a Condition bound to the write lock.
func (l *ReentrantRWLock) NewCondition() *Condition {
	return l.sync.NewCondition(l.acquirer())
}

// RLock acquires a read hold.
func (l *ReentrantRWLock) RLock() {
	l.sync.AcquireShared(l.acquirer(), 1)
}

// RLockContext acquires a read hold unless ctx is done first.
func (l *ReentrantRWLock) RLockContext(ctx context.Context) error {
	return l.sync.AcquireSharedContext(ctx, l.acquirer(), 1)
}

// TryRLock acquires a read hold if no other goroutine holds the write lock.
func (l *ReentrantRWLock) TryRLock() bool {
	return l.tryReadLock()
}

// TryRLockTimeout waits at most d for a read hold.
func (l *ReentrantRWLock) TryRLockTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return l.sync.TryAcquireSharedTimeout(ctx, l.acquirer(), 1, d)
}

// RUnlock releases one read hold of the calling goroutine.
func (l *ReentrantRWLock) RUnlock() {
	l.sync.ReleaseShared(l.acquirer(), 1)
}

// RLocker returns a sync.Locker that calls RLock and RUnlock.
func (l *ReentrantRWLock) RLocker() sync.Locker {
	return (*rlocker)(l)
}

type rlocker ReentrantRWLock

func (r *rlocker) Lock()   { (*ReentrantRWLock)(r).RLock() }
func (r *rlocker) Unlock() { (*ReentrantRWLock)(r).RUnlock() }

// IsFair reports whether l uses the fair policy.
func (l *ReentrantRWLock) IsFair() bool {
	return l.fair
}

// ReadLockCount returns the number of read holds across all goroutines.
func (l *ReentrantRWLock) ReadLockCount() int {
	return int(sharedCount(l.sync.State()))
}

// ReadHoldCount returns the caller's read holds.
func (l *ReentrantRWLock) ReadHoldCount() int {
	if sharedCount(l.sync.State()) == 0 {
		return 0
	}
	g := curGoroutine()
	if l.firstReader.Load() == g {
		return int(l.firstReaderHoldCount)
	}
	return int(l.currentHold(g).count)
}

// IsWriteLocked reports whether any goroutine holds the write lock.
func (l *ReentrantRWLock) IsWriteLocked() bool {
	return exclusiveCount(l.sync.State()) != 0
}

// IsWriteLockedByCurrent reports whether the caller holds the write lock.
func (l *ReentrantRWLock) IsWriteLockedByCurrent() bool {
	return l.sync.Owner() == curGoroutine()
}

// WriteHoldCount returns the caller's write holds.
func (l *ReentrantRWLock) WriteHoldCount() int {
	if l.sync.Owner() == curGoroutine() {
		return int(exclusiveCount(l.sync.State()))
	}
	return 0
}

// Owner returns the writer, or 0 if the write lock is free.
func (l *ReentrantRWLock) Owner() int64 {
	if exclusiveCount(l.sync.State()) == 0 {
		return 0
	}
	return l.sync.Owner()
}

// HasQueuedThreads reports whether any goroutine may be waiting.
func (l *ReentrantRWLock) HasQueuedThreads() bool {
	return l.sync.HasQueuedThreads()
}

// HasQueuedThread reports whether goroutine gid is waiting.
func (l *ReentrantRWLock) HasQueuedThread(gid int64) bool {
	return l.sync.IsQueued(gid)
}

// QueueLength returns an estimate of the number of waiting goroutines.
func (l *ReentrantRWLock) QueueLength() int {
	return l.sync.QueueLength()
}

// QueuedWriterThreads returns the goroutines that may be waiting to write.
func (l *ReentrantRWLock) QueuedWriterThreads() []int64 {
	return l.sync.ExclusiveQueuedThreads()
}

// QueuedReaderThreads returns the goroutines that may be waiting to read.
func (l *ReentrantRWLock) QueuedReaderThreads() []int64 {
	return l.sync.SharedQueuedThreads()
}

// String reports the hold counts.
func (l *ReentrantRWLock) String() string {
	c := l.sync.State()
	return fmt.Sprintf("ReentrantRWLock[write locks = %d, read locks = %d]",
		exclusiveCount(c), sharedCount(c))
}
