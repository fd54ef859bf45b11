package qsync

import (
	"bytes"
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Task is a unit of work run by an Executor. ctx is cancelled, with
// ErrExecutorStopped as its cause, when ShutdownNow interrupts the worker.
type Task interface {
	Run(ctx context.Context)
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context)

func (f TaskFunc) Run(ctx context.Context) { f(ctx) }

// job is a queued task. The pointer gives each submission its own identity
// for removal, and queuedAt feeds the queue-wait timer.
type job struct {
	task     Task
	queuedAt time.Time
}

// workerSync makes the worker's Synchronizer a non-reentrant lock held
// while a task runs. The state starts at -1 so the worker cannot be
// interrupted as idle before it has started.
type workerSync struct{ ExclusiveOnly }

func (workerSync) TryAcquire(s *Synchronizer, _ int64) bool {
	if s.CompareAndSetState(0, 1) {
		s.SetOwner(curGoroutine())
		return true
	}
	return false
}

func (workerSync) TryRelease(s *Synchronizer, _ int64) bool {
	s.SetOwner(0)
	s.SetState(0)
	return true
}

func (workerSync) IsHeldExclusively(s *Synchronizer) bool {
	return s.State() != 0
}

// worker is one pool goroutine.
type worker struct {
	sync      Synchronizer
	firstTask *job
	completed atomic.Int64

	// ctx is the context tasks run with; stop cancels it on ShutdownNow
	// and when the worker exits.
	ctx  context.Context
	stop context.CancelCauseFunc
	intr interruptFlag
}

func newWorker(first *job) *worker {
	w := &worker{firstTask: first}
	w.sync.SetState(-1)
	w.ctx, w.stop = context.WithCancelCause(context.Background())
	return w
}

func (w *worker) lock() { w.sync.Acquire(workerSync{}, 1) }
func (w *worker) tryLock() bool { return workerSync{}.TryAcquire(&w.sync, 1) }
func (w *worker) unlock() { w.sync.Release(workerSync{}, 1) }
func (w *worker) isLocked() bool { return w.sync.State() != 0 }

// interruptIfStarted cancels the task context of a started worker.
func (w *worker) interruptIfStarted() {
	if w.sync.State() >= 0 {
		w.stop(ErrExecutorStopped)
	}
}

// interruptFlag wakes an idle worker out of its queue wait without touching
// the context of a running task. A set flag stays pending until consumed,
// so an interrupt that lands between the worker's state check and its next
// wait still ends that wait.
type interruptFlag struct {
	mu      TicketLock
	pending bool
	// cancel ends the wait in progress, if any.
	cancel context.CancelFunc
}

func (f *interruptFlag) interrupt() {
	f.mu.Lock()
	f.pending = true
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()
}

// context returns a context for one queue wait, already cancelled if an
// interrupt is pending. release must be called when the wait ends.
func (f *interruptFlag) context(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	f.mu.Lock()
	if f.pending {
		cancel()
	}
	f.cancel = cancel
	f.mu.Unlock()
	return ctx, func() {
		f.mu.Lock()
		f.cancel = nil
		f.mu.Unlock()
		cancel()
	}
}

func (f *interruptFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// clear consumes a pending interrupt and reports whether there was one.
func (f *interruptFlag) clear() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.pending
	f.pending = false
	return p
}

// runWorker is the worker loop: run the first task, then whatever getTask
// hands out, until getTask returns nil.
func (e *Executor) runWorker(w *worker) {
	j := w.firstTask
	w.firstTask = nil
	w.unlock() // allow interrupts
	abrupt := true
	defer func() {
		if r := recover(); r != nil {
			// A hook panicked; the worker is replaced.
			e.logger.Error("executor hook panicked", "panic", r, "stack", string(trimStack(debug.Stack())))
		}
		w.stop(nil)
		e.processWorkerExit(w, abrupt)
	}()

	for {
		if j == nil {
			if j = e.getTask(w); j == nil {
				break
			}
		}
		e.runLocked(w, j)
		j = nil
	}
	abrupt = false
}

// runLocked runs j with the worker lock held, so the worker counts as busy.
func (e *Executor) runLocked(w *worker, j *job) {
	w.lock()
	defer func() {
		w.completed.Add(1)
		w.unlock()
	}()
	// If the pool is stopping, make sure the task sees it; otherwise drop
	// any stale idle interrupt.
	if runStateAtLeast(e.ctl.Load(), int32(Stop)) {
		w.stop(ErrExecutorStopped)
	} else {
		w.intr.clear()
	}
	e.runTask(w, j)
}

// runTask runs one task between the hooks. A panic in the task itself is
// recovered and handed to AfterExecute; the worker carries on.
func (e *Executor) runTask(w *worker, j *job) {
	start := time.Now()
	e.metrics.queueWait.Update(start.Sub(j.queuedAt))
	if e.before != nil {
		e.before(w.ctx, j.task)
	}
	err := e.callTask(w.ctx, j.task)
	e.metrics.duration.UpdateSince(start)
	if err != nil {
		e.metrics.failed.Inc(1)
	} else {
		e.metrics.completed.Inc(1)
	}
	e.after(j.task, err)
}

func (e *Executor) callTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskPanicError{Value: r, Stack: trimStack(debug.Stack())}
		}
	}()
	t.Run(ctx)
	return nil
}

// trimStack drops the first line "goroutine N [status]:".
func trimStack(stack []byte) []byte {
	if line := bytes.IndexByte(stack, '\n'); line >= 0 {
		return stack[line+1:]
	}
	return stack
}

// getTask blocks for the next task, or returns nil if this worker must
// exit: the pool is stopping, or shut down with an empty queue, or there
// are more workers than allowed, or the worker timed out while surplus.
// On nil the worker count has already been decremented.
func (e *Executor) getTask(w *worker) *job {
	timedOut := false
	for {
		c := e.ctl.Load()
		if rs := runStateOf(c); rs >= int32(Shutdown) && (rs >= int32(Stop) || e.queue.Len() == 0) {
			e.decrementWorkerCount()
			return nil
		}

		wc := workerCountOf(c)
		timed := e.allowCoreTimeout.Load() || wc > e.corePoolSize.Load()
		if (wc > e.maxPoolSize.Load() || (timed && timedOut)) && (wc > 1 || e.queue.Len() == 0) {
			if e.compareAndDecrementWorkerCount(c) {
				return nil
			}
			continue
		}

		ctx, release := w.intr.context(w.ctx)
		var (
			j   *job
			ok  bool
			err error
		)
		if timed {
			j, ok, err = e.queue.PollTimeout(ctx, time.Duration(e.keepAlive.Load()))
		} else {
			j, err = e.queue.Take(ctx)
			ok = err == nil
		}
		release()
		if err != nil {
			// Interrupted: consume it and re-check the pool state.
			w.intr.clear()
			timedOut = false
			continue
		}
		if ok {
			return j
		}
		timedOut = true
	}
}

// processWorkerExit removes w and, unless the pool is stopping, starts a
// replacement if w died abruptly or the pool fell below its minimum.
func (e *Executor) processWorkerExit(w *worker, abrupt bool) {
	if abrupt {
		e.decrementWorkerCount()
	}

	e.mainLock.Lock()
	e.completedTaskCount += w.completed.Load()
	delete(e.workers, w)
	e.mainLock.Unlock()
	e.logger.Debug("executor worker exited", "abrupt", abrupt, "completed", w.completed.Load())

	e.tryTerminate()

	c := e.ctl.Load()
	if !runStateLessThan(c, int32(Stop)) {
		return
	}
	if !abrupt {
		minimum := int32(0)
		if !e.allowCoreTimeout.Load() {
			minimum = e.corePoolSize.Load()
		}
		if minimum == 0 && e.queue.Len() > 0 {
			minimum = 1
		}
		if workerCountOf(e.ctl.Load()) >= minimum {
			return
		}
	}
	e.addWorker(nil, false)
}
