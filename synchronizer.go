package qsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Acquirer defines what the state of a Synchronizer means. Locks built on
// a Synchronizer pass their Acquirer to every operation, so a zero-value
// lock embedding a Synchronizer is ready to use.
//
// TryAcquireShared returns a negative value on failure, zero on success
// when no further shared acquire can succeed, and a positive value when
// later shared acquires may also succeed.
//
// TryRelease reports whether the state is now fully released;
// TryReleaseShared whether a waiting acquire may now succeed.
//
// Implementations must not block. They read and write the state with
// State, SetState and CompareAndSetState.
type Acquirer interface {
	TryAcquire(s *Synchronizer, arg int64) bool
	TryRelease(s *Synchronizer, arg int64) bool
	TryAcquireShared(s *Synchronizer, arg int64) int64
	TryReleaseShared(s *Synchronizer, arg int64) bool
	IsHeldExclusively(s *Synchronizer) bool
}

var (
	errNoSharedMode    = fmt.Errorf("qsync: shared mode %w", errors.ErrUnsupported)
	errNoExclusiveMode = fmt.Errorf("qsync: exclusive mode %w", errors.ErrUnsupported)
)

// ExclusiveOnly can be embedded by an Acquirer that has no shared mode.
type ExclusiveOnly struct{}

func (ExclusiveOnly) TryAcquireShared(*Synchronizer, int64) int64 { panic(errNoSharedMode) }
func (ExclusiveOnly) TryReleaseShared(*Synchronizer, int64) bool { panic(errNoSharedMode) }

// SharedOnly can be embedded by an Acquirer that has no exclusive mode.
type SharedOnly struct{}

func (SharedOnly) TryAcquire(*Synchronizer, int64) bool { panic(errNoExclusiveMode) }
func (SharedOnly) TryRelease(*Synchronizer, int64) bool { panic(errNoExclusiveMode) }
func (SharedOnly) IsHeldExclusively(*Synchronizer) bool { panic(errNoExclusiveMode) }

// node wait status values.
const (
	// nodeCancelled: the waiter gave up (timeout or cancelled context).
	// Cancelled nodes never change status again.
	nodeCancelled int32 = 1
	// nodeSignal: the successor is, or will soon be, parked, so the node
	// must unpark it when it releases or cancels.
	nodeSignal int32 = -1
	// nodeCondition: the node is on a condition list, not the sync queue.
	nodeCondition int32 = -2
	// nodePropagate: the next shared release must propagate.
	// Only ever set on the head.
	nodePropagate int32 = -3
)

// node is one waiter in the sync queue or on a condition list.
//
// prev is only ever written before the node is published as tail, or by the
// node's own goroutine while skipping cancelled predecessors, so a walk
// from tail through prev always reaches head. next is an optimisation
// that may lag behind; a nil next does not mean the node is last.
type node struct {
	waitStatus atomic.Int32
	prev       atomic.Pointer[node]
	next       atomic.Pointer[node]
	// gid is the waiting goroutine, 0 once the node is head or cancelled.
	gid    atomic.Int64
	shared bool
	// nextWaiter links condition list nodes; guarded by the lock holder.
	nextWaiter *node
	parker     parker
}

func newNode(shared bool, gid int64) *node {
	n := &node{shared: shared, parker: newParker()}
	n.gid.Store(gid)
	return n
}

// Synchronizer is a framework for blocking locks and related synchronizers
// that rely on a FIFO wait queue and a single atomic int64 of state.
//
// The queue is a CLH variant: waiters are appended with a CAS on tail, each
// waiter parks on its own semaphore after asking its predecessor to signal
// it, and a release wakes the first live successor of head. No lock guards
// the queue itself.
//
// The zero value is ready to use. A Synchronizer must not be copied after
// first use.
type Synchronizer struct {
	_     noCopy
	state atomic.Int64
	owner atomic.Int64
	head  atomic.Pointer[node]
	tail  atomic.Pointer[node]
}

// State returns the current synchronization state.
func (s *Synchronizer) State() int64 {
	return s.state.Load()
}

// SetState sets the synchronization state.
func (s *Synchronizer) SetState(v int64) {
	s.state.Store(v)
}

// CompareAndSetState atomically sets the state to update if it equals expect.
func (s *Synchronizer) CompareAndSetState(expect, update int64) bool {
	return s.state.CompareAndSwap(expect, update)
}

// Owner returns the goroutine recorded as exclusive owner, or 0.
func (s *Synchronizer) Owner() int64 {
	return s.owner.Load()
}

// SetOwner records the exclusive owner. Only the goroutine taking or
// giving up exclusive state should call it.
func (s *Synchronizer) SetOwner(gid int64) {
	s.owner.Store(gid)
}

// enq inserts n at the tail, initializing the queue if needed,
// and returns n's predecessor.
func (s *Synchronizer) enq(n *node) *node {
	for {
		t := s.tail.Load()
		if t == nil {
			if s.head.CompareAndSwap(nil, &node{}) {
				s.tail.Store(s.head.Load())
			}
			continue
		}
		n.prev.Store(t)
		if s.tail.CompareAndSwap(t, n) {
			t.next.Store(n)
			return t
		}
	}
}

func (s *Synchronizer) addWaiter(shared bool, gid int64) *node {
	n := newNode(shared, gid)
	s.enq(n)
	return n
}

// setHead makes n the head. Called only by the goroutine that acquired.
func (s *Synchronizer) setHead(n *node) {
	s.head.Store(n)
	n.gid.Store(0)
	n.prev.Store(nil)
}

// unparkSuccessor wakes n's first live successor, if any.
func (s *Synchronizer) unparkSuccessor(n *node) {
	if ws := n.waitStatus.Load(); ws < 0 {
		n.waitStatus.CompareAndSwap(ws, 0)
	}
	succ := n.next.Load()
	if succ == nil || succ.waitStatus.Load() > 0 {
		// next lags or points at a cancelled node; walk back from tail.
		succ = nil
		for t := s.tail.Load(); t != nil && t != n; t = t.prev.Load() {
			if t.waitStatus.Load() <= 0 {
				succ = t
			}
		}
	}
	if succ != nil {
		succ.parker.unpark()
	}
}

// doReleaseShared signals the successor and makes sure the release
// propagates, even if other acquires and releases race with it.
func (s *Synchronizer) doReleaseShared() {
	for {
		h := s.head.Load()
		if h != nil && h != s.tail.Load() {
			ws := h.waitStatus.Load()
			if ws == nodeSignal {
				if !h.waitStatus.CompareAndSwap(nodeSignal, 0) {
					continue
				}
				s.unparkSuccessor(h)
			} else if ws == 0 && !h.waitStatus.CompareAndSwap(0, nodePropagate) {
				continue
			}
		}
		if h == s.head.Load() {
			return
		}
	}
}

// setHeadAndPropagate makes n the head and, if the acquire left room for
// more shared holders or a release asked for propagation, wakes the next
// shared waiter.
func (s *Synchronizer) setHeadAndPropagate(n *node, propagate int64) {
	old := s.head.Load()
	s.setHead(n)
	if propagate > 0 || old == nil || old.waitStatus.Load() < 0 {
		s.propagateFrom(n)
		return
	}
	if h := s.head.Load(); h == nil || h.waitStatus.Load() < 0 {
		s.propagateFrom(n)
	}
}

func (s *Synchronizer) propagateFrom(n *node) {
	if next := n.next.Load(); next == nil || next.shared {
		s.doReleaseShared()
	}
}

// cancelAcquire marks n cancelled and unlinks it as far as it safely can.
func (s *Synchronizer) cancelAcquire(n *node) {
	if n == nil {
		return
	}
	n.gid.Store(0)

	pred := n.prev.Load()
	for pred.waitStatus.Load() > 0 {
		pred = pred.prev.Load()
		n.prev.Store(pred)
	}
	predNext := pred.next.Load()

	// After this, other nodes skip past n.
	n.waitStatus.Store(nodeCancelled)

	if s.tail.CompareAndSwap(n, pred) {
		pred.next.CompareAndSwap(predNext, nil)
		return
	}
	ws := pred.waitStatus.Load()
	if pred != s.head.Load() &&
		(ws == nodeSignal || (ws <= 0 && pred.waitStatus.CompareAndSwap(ws, nodeSignal))) &&
		pred.gid.Load() != 0 {
		// pred will signal whoever follows; splice n out.
		if next := n.next.Load(); next != nil && next.waitStatus.Load() <= 0 {
			pred.next.CompareAndSwap(predNext, next)
		}
	} else {
		// n may have been the one due to wake the successor.
		s.unparkSuccessor(n)
	}
	n.next.Store(n)
}

// shouldParkAfterFailedAcquire makes sure pred will signal n, skipping
// cancelled predecessors on the way. It returns true only when n can park.
func (s *Synchronizer) shouldParkAfterFailedAcquire(pred, n *node) bool {
	ws := pred.waitStatus.Load()
	if ws == nodeSignal {
		return true
	}
	if ws > 0 {
		for {
			pred = pred.prev.Load()
			n.prev.Store(pred)
			if pred.waitStatus.Load() <= 0 {
				break
			}
		}
		pred.next.Store(n)
	} else {
		// 0 or propagate: ask for a signal, but retry before parking.
		pred.waitStatus.CompareAndSwap(ws, nodeSignal)
	}
	return false
}

// acquireQueued runs the acquire loop for a node already in the queue.
// A nil done makes the wait uncancellable; timed bounds it by deadline.
// On failure, or on a panic from the Acquirer, the node is cancelled.
func (s *Synchronizer) acquireQueued(
	a Acquirer,
	n *node,
	arg int64,
	done <-chan struct{},
	timed bool,
	deadline time.Time,
) bool {
	var (
		timer  waitTimer
		spins  int
		failed = true
	)
	defer func() {
		timer.stop()
		if failed {
			s.cancelAcquire(n)
		}
	}()

	for {
		p := n.prev.Load()
		if p == s.head.Load() {
			if n.shared {
				if r := a.TryAcquireShared(s, arg); r >= 0 {
					s.setHeadAndPropagate(n, r)
					p.next.Store(nil)
					failed = false
					return true
				}
			} else if a.TryAcquire(s, arg) {
				s.setHead(n)
				p.next.Store(nil)
				failed = false
				return true
			}
		}

		var remaining time.Duration
		if timed {
			if remaining = time.Until(deadline); remaining <= 0 {
				return false
			}
		}
		if isDone(done) {
			return false
		}
		if !s.shouldParkAfterFailedAcquire(p, n) {
			continue
		}
		if timed && remaining <= spinForTimeoutThreshold {
			spinOnce(&spins)
			continue
		}
		var tc <-chan time.Time
		if timed {
			tc = timer.channel(remaining)
		}
		n.parker.park(done, tc)
	}
}

// Acquire acquires in exclusive mode, blocking until it succeeds.
func (s *Synchronizer) Acquire(a Acquirer, arg int64) {
	if !a.TryAcquire(s, arg) {
		s.acquireQueued(a, s.addWaiter(false, curGoroutine()), arg, nil, false, time.Time{})
	}
}

// AcquireContext acquires in exclusive mode, giving up when ctx is done.
// The returned error wraps ErrInterrupted and the context's cause.
func (s *Synchronizer) AcquireContext(ctx context.Context, a Acquirer, arg int64) error {
	if ctx.Err() != nil {
		return interruptedError(ctx)
	}
	if a.TryAcquire(s, arg) {
		return nil
	}
	if !s.acquireQueued(a, s.addWaiter(false, curGoroutine()), arg, ctx.Done(), false, time.Time{}) {
		return interruptedError(ctx)
	}
	return nil
}

// TryAcquireTimeout acquires in exclusive mode, waiting at most d.
// It returns (false, nil) when d elapses first and an ErrInterrupted error
// when ctx is done first.
func (s *Synchronizer) TryAcquireTimeout(ctx context.Context, a Acquirer, arg int64, d time.Duration) (bool, error) {
	if ctx.Err() != nil {
		return false, interruptedError(ctx)
	}
	if a.TryAcquire(s, arg) {
		return true, nil
	}
	if d <= 0 {
		return false, nil
	}
	ok := s.acquireQueued(a, s.addWaiter(false, curGoroutine()), arg, ctx.Done(), true, time.Now().Add(d))
	return timedResult(ctx, ok)
}

// Release releases in exclusive mode and wakes the next waiter if the
// Acquirer reports the state fully released.
func (s *Synchronizer) Release(a Acquirer, arg int64) bool {
	if !a.TryRelease(s, arg) {
		return false
	}
	if h := s.head.Load(); h != nil && h.waitStatus.Load() != 0 {
		s.unparkSuccessor(h)
	}
	return true
}

// AcquireShared acquires in shared mode, blocking until it succeeds.
func (s *Synchronizer) AcquireShared(a Acquirer, arg int64) {
	if a.TryAcquireShared(s, arg) < 0 {
		s.acquireQueued(a, s.addWaiter(true, curGoroutine()), arg, nil, false, time.Time{})
	}
}

// AcquireSharedContext acquires in shared mode, giving up when ctx is done.
func (s *Synchronizer) AcquireSharedContext(ctx context.Context, a Acquirer, arg int64) error {
	if ctx.Err() != nil {
		return interruptedError(ctx)
	}
	if a.TryAcquireShared(s, arg) >= 0 {
		return nil
	}
	if !s.acquireQueued(a, s.addWaiter(true, curGoroutine()), arg, ctx.Done(), false, time.Time{}) {
		return interruptedError(ctx)
	}
	return nil
}

// TryAcquireSharedTimeout acquires in shared mode, waiting at most d.
func (s *Synchronizer) TryAcquireSharedTimeout(ctx context.Context, a Acquirer, arg int64, d time.Duration) (bool, error) {
	if ctx.Err() != nil {
		return false, interruptedError(ctx)
	}
	if a.TryAcquireShared(s, arg) >= 0 {
		return true, nil
	}
	if d <= 0 {
		return false, nil
	}
	ok := s.acquireQueued(a, s.addWaiter(true, curGoroutine()), arg, ctx.Done(), true, time.Now().Add(d))
	return timedResult(ctx, ok)
}

// ReleaseShared releases in shared mode and propagates wake-ups if the
// Acquirer reports that a waiter may now succeed.
func (s *Synchronizer) ReleaseShared(a Acquirer, arg int64) bool {
	if !a.TryReleaseShared(s, arg) {
		return false
	}
	s.doReleaseShared()
	return true
}

// timedResult maps a failed timed wait to a timeout or an interruption.
func timedResult(ctx context.Context, ok bool) (bool, error) {
	if ok {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, interruptedError(ctx)
	}
	return false, nil
}

// HasQueuedThreads reports whether any goroutine may be waiting to acquire.
// Cancellations can happen at any time, so a true result is only a hint.
func (s *Synchronizer) HasQueuedThreads() bool {
	return s.head.Load() != s.tail.Load()
}

// HasContended reports whether any goroutine has ever had to queue.
func (s *Synchronizer) HasContended() bool {
	return s.head.Load() != nil
}

// FirstQueuedThread returns the longest-waiting goroutine, or 0 if none.
func (s *Synchronizer) FirstQueuedThread() int64 {
	h := s.head.Load()
	if h == nil || h == s.tail.Load() {
		return 0
	}
	if n := h.next.Load(); n != nil && n.prev.Load() == h {
		if g := n.gid.Load(); g != 0 {
			return g
		}
	}
	// head.next was stale or just cleared; walk back from tail.
	var first int64
	for t := s.tail.Load(); t != nil && t != s.head.Load(); t = t.prev.Load() {
		if g := t.gid.Load(); g != 0 {
			first = g
		}
	}
	return first
}

// IsQueued reports whether goroutine gid is waiting in the queue.
func (s *Synchronizer) IsQueued(gid int64) bool {
	if gid == 0 {
		return false
	}
	for t := s.tail.Load(); t != nil; t = t.prev.Load() {
		if t.gid.Load() == gid {
			return true
		}
	}
	return false
}

// HasQueuedPredecessors reports whether some goroutine has been waiting
// longer than the caller. Fair Acquirers use it to refuse barging.
func (s *Synchronizer) HasQueuedPredecessors() bool {
	return s.hasQueuedPredecessorsOf(curGoroutine())
}

func (s *Synchronizer) hasQueuedPredecessorsOf(gid int64) bool {
	// Read tail before head: head is set before tail, so a non-nil tail
	// implies a non-nil head.
	t := s.tail.Load()
	h := s.head.Load()
	if h == t {
		return false
	}
	n := h.next.Load()
	return n == nil || n.gid.Load() != gid
}

// apparentlyFirstQueuedIsExclusive reports whether the first queued waiter,
// if there is one, wants exclusive mode.
func (s *Synchronizer) apparentlyFirstQueuedIsExclusive() bool {
	h := s.head.Load()
	if h == nil {
		return false
	}
	n := h.next.Load()
	return n != nil && !n.shared && n.gid.Load() != 0
}

// QueueLength returns an estimate of the number of waiting goroutines.
func (s *Synchronizer) QueueLength() int {
	var n int
	for t := s.tail.Load(); t != nil; t = t.prev.Load() {
		if t.gid.Load() != 0 {
			n++
		}
	}
	return n
}

// QueuedThreads returns the goroutines that may be waiting, newest first.
func (s *Synchronizer) QueuedThreads() []int64 {
	return s.queued(func(*node) bool { return true })
}

// ExclusiveQueuedThreads is like QueuedThreads, limited to exclusive waiters.
func (s *Synchronizer) ExclusiveQueuedThreads() []int64 {
	return s.queued(func(n *node) bool { return !n.shared })
}

// SharedQueuedThreads is like QueuedThreads, limited to shared waiters.
func (s *Synchronizer) SharedQueuedThreads() []int64 {
	return s.queued(func(n *node) bool { return n.shared })
}

func (s *Synchronizer) queued(keep func(*node) bool) []int64 {
	var ids []int64
	for t := s.tail.Load(); t != nil; t = t.prev.Load() {
		if g := t.gid.Load(); g != 0 && keep(t) {
			ids = append(ids, g)
		}
	}
	return ids
}

// String returns the state and whether the queue is empty.
func (s *Synchronizer) String() string {
	q := "empty"
	if s.HasQueuedThreads() {
		q = "nonempty"
	}
	return fmt.Sprintf("Synchronizer{state=%d, %s queue}", s.State(), q)
}
