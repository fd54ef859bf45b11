package qsync

import (
	"context"
	"fmt"
	"iter"
	"math"
	"time"
)

// ArrayBlockingQueue is a bounded FIFO queue backed by a ring buffer.
//
// One ReentrantLock guards the buffer; producers wait on notFull and
// consumers on notEmpty. With a fair lock, blocked producers and
// consumers are served in arrival order.
//
// A queue of capacity 0 holds nothing and hands elements off directly:
// Offer succeeds only while a consumer is waiting in Take or PollTimeout,
// and Put waits for such a consumer. Len is always 0 on it.
type ArrayBlockingQueue[T any] struct {
	_        noCopy
	lock     ReentrantLock
	notEmpty *Condition
	notFull  *Condition

	items     []T
	takeIndex int
	putIndex  int
	count     int
	// taken is the logical sequence number of items[takeIndex]: the number
	// of elements ever removed from the head.
	taken uint64
	// iters are the live iterators, kept consistent across interior removal.
	iters map[*queueIter]struct{}

	// Capacity 0 only. takers counts consumers waiting on notEmpty;
	// handoff holds elements given to them but not yet picked up.
	// len(handoff) <= takers whenever the lock is released.
	takers  int
	handoff []T
}

// queueIter tracks the logical sequence number of the next element to yield.
type queueIter struct {
	cursor uint64
}

// NewArrayBlockingQueue returns an empty queue holding at most capacity
// elements. It panics if capacity is negative.
func NewArrayBlockingQueue[T any](capacity int, fair bool) *ArrayBlockingQueue[T] {
	if capacity < 0 {
		panic(fmt.Sprintf("qsync: negative queue capacity %d", capacity))
	}
	q := &ArrayBlockingQueue[T]{items: make([]T, capacity)}
	q.lock.fair = fair
	q.notEmpty = q.lock.NewCondition()
	q.notFull = q.lock.NewCondition()
	return q
}

func (q *ArrayBlockingQueue[T]) inc(i int) int {
	if i++; i == len(q.items) {
		i = 0
	}
	return i
}

// enqueue inserts v at the put position. Caller holds the lock and has
// checked there is room.
func (q *ArrayBlockingQueue[T]) enqueue(v T) {
	q.items[q.putIndex] = v
	q.putIndex = q.inc(q.putIndex)
	q.count++
	q.notEmpty.Signal()
}

// hasRoom reports whether an element can be added now.
func (q *ArrayBlockingQueue[T]) hasRoom() bool {
	if len(q.items) == 0 {
		return q.takers > len(q.handoff)
	}
	return q.count < len(q.items)
}

// hasNext reports whether an element can be removed now.
func (q *ArrayBlockingQueue[T]) hasNext() bool {
	return q.count > 0 || len(q.handoff) > 0
}

// insert adds v. Caller holds the lock and has checked hasRoom.
func (q *ArrayBlockingQueue[T]) insert(v T) {
	if len(q.items) == 0 {
		q.handoff = append(q.handoff, v)
		q.notEmpty.Signal()
		return
	}
	q.enqueue(v)
}

// next removes the next element. Caller holds the lock and has checked
// hasNext.
func (q *ArrayBlockingQueue[T]) next() T {
	if len(q.handoff) > 0 {
		var zero T
		v := q.handoff[0]
		q.handoff[0] = zero
		q.handoff = q.handoff[1:]
		return v
	}
	return q.dequeue()
}

// awaitNext runs a consumer wait on notEmpty. On a zero-capacity queue the
// consumer is counted as a taker for the duration, and a waiting producer
// is woken to hand it an element.
func (q *ArrayBlockingQueue[T]) awaitNext(wait func() error) error {
	if len(q.items) > 0 {
		return wait()
	}
	q.takers++
	q.notFull.Signal()
	err := wait()
	q.takers--
	return err
}

// dequeue removes the head. Caller holds the lock and has checked count > 0.
func (q *ArrayBlockingQueue[T]) dequeue() T {
	var zero T
	v := q.items[q.takeIndex]
	q.items[q.takeIndex] = zero
	q.takeIndex = q.inc(q.takeIndex)
	q.count--
	q.taken++
	q.notFull.Signal()
	return v
}

// removeAt removes the element at buffer index i, shifting later elements
// one slot toward the head.
func (q *ArrayBlockingQueue[T]) removeAt(i int) {
	if i == q.takeIndex {
		q.dequeue()
		return
	}
	var zero T
	removed := q.taken + uint64(q.offset(i))
	for {
		next := q.inc(i)
		if next == q.putIndex {
			q.items[i] = zero
			q.putIndex = i
			break
		}
		q.items[i] = q.items[next]
		i = next
	}
	q.count--
	// Everything after removed moved back one position.
	for it := range q.iters {
		if it.cursor > removed {
			it.cursor--
		}
	}
	q.notFull.Signal()
}

// offset returns how far buffer index i is from the head.
func (q *ArrayBlockingQueue[T]) offset(i int) int {
	if d := i - q.takeIndex; d >= 0 {
		return d
	} else {
		return d + len(q.items)
	}
}

// index returns the buffer index of the element k positions from the head.
func (q *ArrayBlockingQueue[T]) index(k int) int {
	if i := q.takeIndex + k; i < len(q.items) {
		return i
	} else {
		return i - len(q.items)
	}
}

// Put inserts v, waiting for space if the queue is full. It fails with an
// ErrInterrupted error if ctx ends first.
func (q *ArrayBlockingQueue[T]) Put(ctx context.Context, v T) error {
	if err := q.lock.LockContext(ctx); err != nil {
		return err
	}
	defer q.lock.Unlock()
	for !q.hasRoom() {
		if err := q.notFull.AwaitContext(ctx); err != nil {
			return err
		}
	}
	q.insert(v)
	return nil
}

// Offer inserts v if there is room, without waiting.
func (q *ArrayBlockingQueue[T]) Offer(v T) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.hasRoom() {
		return false
	}
	q.insert(v)
	return true
}

// OfferTimeout inserts v, waiting at most d for space.
func (q *ArrayBlockingQueue[T]) OfferTimeout(ctx context.Context, v T, d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	if err := q.lock.LockContext(ctx); err != nil {
		return false, err
	}
	defer q.lock.Unlock()
	for !q.hasRoom() {
		if time.Until(deadline) <= 0 {
			return false, nil
		}
		if _, err := q.notFull.AwaitUntil(ctx, deadline); err != nil {
			return false, err
		}
	}
	q.insert(v)
	return true, nil
}

// Take removes the head, waiting for an element if the queue is empty.
// An element handed off before ctx ended is returned even if ctx has
// ended since.
func (q *ArrayBlockingQueue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	if err := q.lock.LockContext(ctx); err != nil {
		return zero, err
	}
	defer q.lock.Unlock()
	for !q.hasNext() {
		err := q.awaitNext(func() error { return q.notEmpty.AwaitContext(ctx) })
		if err != nil && !q.hasNext() {
			return zero, err
		}
	}
	return q.next(), nil
}

// Poll removes the head if there is one, without waiting.
func (q *ArrayBlockingQueue[T]) Poll() (T, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.hasNext() {
		var zero T
		return zero, false
	}
	return q.next(), true
}

// PollTimeout removes the head, waiting at most d for one. It returns
// ok == false with a nil error on timeout.
func (q *ArrayBlockingQueue[T]) PollTimeout(ctx context.Context, d time.Duration) (v T, ok bool, err error) {
	deadline := time.Now().Add(d)
	if err = q.lock.LockContext(ctx); err != nil {
		return v, false, err
	}
	defer q.lock.Unlock()
	for !q.hasNext() {
		if time.Until(deadline) <= 0 {
			return v, false, nil
		}
		err = q.awaitNext(func() error {
			_, err := q.notEmpty.AwaitUntil(ctx, deadline)
			return err
		})
		if err != nil && !q.hasNext() {
			return v, false, err
		}
	}
	return q.next(), true, nil
}

// Peek returns the head without removing it.
func (q *ArrayBlockingQueue[T]) Peek() (T, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.takeIndex], true
}

// Len returns the number of queued elements.
func (q *ArrayBlockingQueue[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *ArrayBlockingQueue[T]) Cap() int {
	return len(q.items)
}

// RemainingCapacity returns how many elements can be added without waiting.
func (q *ArrayBlockingQueue[T]) RemainingCapacity() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items) - q.count
}

// DrainTo moves every queued element to *dst in FIFO order and returns
// how many were moved.
func (q *ArrayBlockingQueue[T]) DrainTo(dst *[]T) int {
	return q.DrainToN(dst, math.MaxInt)
}

// DrainToN is DrainTo limited to at most limit elements.
func (q *ArrayBlockingQueue[T]) DrainToN(dst *[]T, limit int) int {
	if limit <= 0 {
		return 0
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	n := min(limit, q.count)
	if n == 0 {
		return 0
	}
	var zero T
	for range n {
		*dst = append(*dst, q.items[q.takeIndex])
		q.items[q.takeIndex] = zero
		q.takeIndex = q.inc(q.takeIndex)
	}
	q.count -= n
	q.taken += uint64(n)
	for i := n; i > 0 && q.notFull.HasWaiters(); i-- {
		q.notFull.Signal()
	}
	return n
}

// RemoveFunc removes the first element, head to tail, for which match
// returns true.
func (q *ArrayBlockingQueue[T]) RemoveFunc(match func(T) bool) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	for k := range q.count {
		if i := q.index(k); match(q.items[i]) {
			q.removeAt(i)
			return true
		}
	}
	return false
}

// ContainsFunc reports whether match returns true for any element.
func (q *ArrayBlockingQueue[T]) ContainsFunc(match func(T) bool) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	for k := range q.count {
		if match(q.items[q.index(k)]) {
			return true
		}
	}
	return false
}

// Clear removes every element.
func (q *ArrayBlockingQueue[T]) Clear() {
	q.lock.Lock()
	defer q.lock.Unlock()
	n := q.count
	if n == 0 {
		return
	}
	clear(q.items)
	q.taken += uint64(n)
	q.count = 0
	q.putIndex = q.takeIndex
	for i := n; i > 0 && q.notFull.HasWaiters(); i-- {
		q.notFull.Signal()
	}
}

// Slice returns a copy of the queued elements in FIFO order.
func (q *ArrayBlockingQueue[T]) Slice() []T {
	q.lock.Lock()
	defer q.lock.Unlock()
	out := make([]T, q.count)
	for k := range q.count {
		out[k] = q.items[q.index(k)]
	}
	return out
}

// All returns an iterator over the queue, head to tail.
//
// The iterator is weakly consistent: it never yields an element twice,
// never skips an element that stays queued for the whole iteration, and
// may or may not see elements added after it started. The lock is not
// held while yield runs, so the loop body may use the queue.
func (q *ArrayBlockingQueue[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		it := &queueIter{}
		q.lock.Lock()
		it.cursor = q.taken
		if q.iters == nil {
			q.iters = make(map[*queueIter]struct{})
		}
		q.iters[it] = struct{}{}
		q.lock.Unlock()
		defer func() {
			q.lock.Lock()
			delete(q.iters, it)
			q.lock.Unlock()
		}()

		for {
			v, ok := q.advance(it)
			if !ok || !yield(v) {
				return
			}
		}
	}
}

func (q *ArrayBlockingQueue[T]) advance(it *queueIter) (T, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	// Elements before taken have been consumed from the head.
	it.cursor = max(it.cursor, q.taken)
	k := it.cursor - q.taken
	if k >= uint64(q.count) {
		var zero T
		return zero, false
	}
	it.cursor++
	return q.items[q.index(int(k))], true
}

// String formats the queued elements.
func (q *ArrayBlockingQueue[T]) String() string {
	return fmt.Sprint(q.Slice())
}
