package qsync

import (
	"context"
	"runtime"
	"time"
)

// Condition is a condition variable bound to one Synchronizer. All methods
// must be called by the goroutine that holds the Synchronizer exclusively;
// otherwise they panic with ErrIllegalMonitorState.
//
// Waiters sit on a private list until signalled, then move to the
// Synchronizer's queue and reacquire with the hold count they released.
type Condition struct {
	_ noCopy
	s *Synchronizer
	a Acquirer

	// Guarded by the exclusive holder.
	firstWaiter *node
	lastWaiter  *node
}

// NewCondition returns a Condition for s using a to release and reacquire.
func (s *Synchronizer) NewCondition(a Acquirer) *Condition {
	return &Condition{s: s, a: a}
}

// interruptMode records how a cancelled wait resolved.
type interruptMode uint8

const (
	// waitNoInterrupt: not cancelled while waiting.
	waitNoInterrupt interruptMode = iota
	// waitReassert: signalled before the cancellation was seen, so the wait
	// succeeds and the caller observes the cancelled context later.
	waitReassert
	// waitThrow: cancelled before any signal, so the wait fails.
	waitThrow
)

func (c *Condition) checkHeld() {
	if !c.a.IsHeldExclusively(c.s) {
		panic(ErrIllegalMonitorState)
	}
}

func (c *Condition) addConditionWaiter() *node {
	t := c.lastWaiter
	if t != nil && t.waitStatus.Load() != nodeCondition {
		c.unlinkCancelledWaiters()
		t = c.lastWaiter
	}
	n := newNode(false, curGoroutine())
	n.waitStatus.Store(nodeCondition)
	if t == nil {
		c.firstWaiter = n
	} else {
		t.nextWaiter = n
	}
	c.lastWaiter = n
	return n
}

// unlinkCancelledWaiters drops every node that has left the condition state.
func (c *Condition) unlinkCancelledWaiters() {
	var trail *node
	for t := c.firstWaiter; t != nil; {
		next := t.nextWaiter
		if t.waitStatus.Load() != nodeCondition {
			t.nextWaiter = nil
			if trail == nil {
				c.firstWaiter = next
			} else {
				trail.nextWaiter = next
			}
			if next == nil {
				c.lastWaiter = trail
			}
		} else {
			trail = t
		}
		t = next
	}
}

// fullyRelease releases the whole hold and returns it for reacquisition.
func (c *Condition) fullyRelease(n *node) int64 {
	saved := c.s.State()
	released := false
	defer func() {
		if !released {
			n.waitStatus.Store(nodeCancelled)
		}
	}()
	if !c.s.Release(c.a, saved) {
		panic(ErrIllegalMonitorState)
	}
	released = true
	return saved
}

// isOnSyncQueue reports whether n, which started on a condition list,
// has been moved to the sync queue.
func (s *Synchronizer) isOnSyncQueue(n *node) bool {
	if n.waitStatus.Load() == nodeCondition || n.prev.Load() == nil {
		return false
	}
	if n.next.Load() != nil {
		return true
	}
	// prev is set before the tail CAS, so n may still be on its way in.
	return s.findNodeFromTail(n)
}

func (s *Synchronizer) findNodeFromTail(n *node) bool {
	for t := s.tail.Load(); t != nil; t = t.prev.Load() {
		if t == n {
			return true
		}
	}
	return false
}

// transferForSignal moves n to the sync queue. It returns false if the
// waiter was cancelled first.
func (s *Synchronizer) transferForSignal(n *node) bool {
	if !n.waitStatus.CompareAndSwap(nodeCondition, 0) {
		return false
	}
	p := s.enq(n)
	ws := p.waitStatus.Load()
	if ws > 0 || !p.waitStatus.CompareAndSwap(ws, nodeSignal) {
		// Predecessor cannot be relied on to wake n; let n sort it out.
		n.parker.unpark()
	}
	return true
}

// transferAfterCancelledWait moves n to the sync queue after its wait was
// cancelled or timed out. It returns true if the cancellation won the race
// against a signal. The status CAS is the single decision point.
func (s *Synchronizer) transferAfterCancelledWait(n *node) bool {
	if n.waitStatus.CompareAndSwap(nodeCondition, 0) {
		s.enq(n)
		return true
	}
	// A signaller owns the transfer; wait for it to finish the enq.
	for !s.isOnSyncQueue(n) {
		runtime.Gosched()
	}
	return false
}

// await is the common wait. done nil means uncancellable.
func (c *Condition) await(done <-chan struct{}, timed bool, deadline time.Time) (mode interruptMode, timedOut bool) {
	n := c.addConditionWaiter()
	saved := c.fullyRelease(n)

	var (
		timer waitTimer
		spins int
	)
	for !c.s.isOnSyncQueue(n) {
		if isDone(done) {
			if c.s.transferAfterCancelledWait(n) {
				mode = waitThrow
			} else {
				mode = waitReassert
			}
			break
		}
		var tc <-chan time.Time
		if timed {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				timedOut = c.s.transferAfterCancelledWait(n)
				break
			}
			if remaining <= spinForTimeoutThreshold {
				spinOnce(&spins)
				continue
			}
			tc = timer.channel(remaining)
		}
		n.parker.park(done, tc)
	}
	timer.stop()

	c.s.acquireQueued(c.a, n, saved, nil, false, time.Time{})
	if n.nextWaiter != nil {
		c.unlinkCancelledWaiters()
	}
	return mode, timedOut
}

// Await releases the lock, waits for a signal and reacquires the lock
// with the same hold count before returning. Spurious wake-ups are
// possible, so callers should wait in a loop that re-checks their predicate.
func (c *Condition) Await() {
	c.checkHeld()
	c.await(nil, false, time.Time{})
}

// AwaitContext is Await that also returns when ctx is done. The lock is
// held again on return either way. If the wait was signalled before the
// cancellation was noticed it returns nil.
func (c *Condition) AwaitContext(ctx context.Context) error {
	c.checkHeld()
	if ctx.Err() != nil {
		return interruptedError(ctx)
	}
	if mode, _ := c.await(ctx.Done(), false, time.Time{}); mode == waitThrow {
		return interruptedError(ctx)
	}
	return nil
}

// AwaitTimeout waits at most d. It returns false if d elapsed before a signal.
func (c *Condition) AwaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return c.AwaitUntil(ctx, time.Now().Add(d))
}

// AwaitUntil waits until deadline. It returns false if the deadline passed
// before a signal.
func (c *Condition) AwaitUntil(ctx context.Context, deadline time.Time) (bool, error) {
	c.checkHeld()
	if ctx.Err() != nil {
		return false, interruptedError(ctx)
	}
	mode, timedOut := c.await(ctx.Done(), true, deadline)
	if mode == waitThrow {
		return false, interruptedError(ctx)
	}
	return !timedOut, nil
}

// Signal moves the longest waiting goroutine, if any, to the lock's queue.
func (c *Condition) Signal() {
	c.checkHeld()
	for first := c.firstWaiter; first != nil; first = c.firstWaiter {
		c.firstWaiter = first.nextWaiter
		if c.firstWaiter == nil {
			c.lastWaiter = nil
		}
		first.nextWaiter = nil
		if c.s.transferForSignal(first) {
			return
		}
	}
}

// SignalAll moves every waiting goroutine to the lock's queue.
func (c *Condition) SignalAll() {
	c.checkHeld()
	first := c.firstWaiter
	c.firstWaiter, c.lastWaiter = nil, nil
	for first != nil {
		next := first.nextWaiter
		first.nextWaiter = nil
		c.s.transferForSignal(first)
		first = next
	}
}

// HasWaiters reports whether any goroutine is waiting on c.
func (c *Condition) HasWaiters() bool {
	c.checkHeld()
	for w := c.firstWaiter; w != nil; w = w.nextWaiter {
		if w.waitStatus.Load() == nodeCondition {
			return true
		}
	}
	return false
}

// WaitQueueLength returns an estimate of the number of waiters on c.
func (c *Condition) WaitQueueLength() int {
	return len(c.WaitingThreads())
}

// WaitingThreads returns the goroutines waiting on c, oldest first.
func (c *Condition) WaitingThreads() []int64 {
	c.checkHeld()
	var ids []int64
	for w := c.firstWaiter; w != nil; w = w.nextWaiter {
		if w.waitStatus.Load() != nodeCondition {
			continue
		}
		if g := w.gid.Load(); g != 0 {
			ids = append(ids, g)
		}
	}
	return ids
}
