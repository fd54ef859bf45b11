package qsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/rcrowley/go-metrics"

	"github.com/llxisdsh/qsync/internal/opt"
)

// RunState is the lifecycle phase of an Executor. States only move forward:
//
//	Running -> Shutdown -> Stop -> Tidying -> Terminated
//
// Shutdown and Stop may each be skipped.
type RunState int32

// The run state lives in the high 3 bits of the control word, the worker
// count in the low 29.
const (
	countBits  = 29
	countMask  = 1<<countBits - 1
	maxWorkers = countMask

	// Running accepts new tasks and processes queued ones.
	Running RunState = -1 << countBits
	// Shutdown rejects new tasks but processes queued ones.
	Shutdown RunState = 0 << countBits
	// Stop rejects new tasks, abandons queued ones and interrupts running ones.
	Stop RunState = 1 << countBits
	// Tidying: all workers are gone; the Terminated hook is about to run.
	Tidying RunState = 2 << countBits
	// Terminated: the Terminated hook has completed.
	Terminated RunState = 3 << countBits
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "Running"
	case Shutdown:
		return "Shutdown"
	case Stop:
		return "Stop"
	case Tidying:
		return "Tidying"
	case Terminated:
		return "Terminated"
	}
	return fmt.Sprintf("RunState(%d)", int32(s))
}

func runStateOf(c int32) int32 { return c &^ countMask }
func workerCountOf(c int32) int32 { return c & countMask }
func ctlOf(rs, wc int32) int32 { return rs | wc }
func runStateLessThan(c, s int32) bool { return c < s }
func runStateAtLeast(c, s int32) bool { return c >= s }
func isRunning(c int32) bool { return c < int32(Shutdown) }

// Executor runs submitted tasks on a pool of worker goroutines fed by an
// ArrayBlockingQueue.
//
// Submit starts a new worker while fewer than CorePoolSize run, otherwise
// queues the task, and only when the queue is full starts extra workers up
// to MaxPoolSize. Beyond that the SaturationPolicy decides. Workers above
// the core exit after KeepAlive of idleness.
//
// Shutdown stops intake and lets queued tasks drain; ShutdownNow also
// abandons the queue and cancels the context of running tasks.
type Executor struct {
	_ noCopy
	// ctl packs the run state and the worker count.
	ctl atomic.Int32
	_   [(opt.CacheLineSize_ - unsafe.Sizeof(struct {
		ctl atomic.Int32
	}{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte

	queue *ArrayBlockingQueue[*job]

	// mainLock guards workers, largestPoolSize and completedTaskCount, and
	// serializes shutdown with worker bookkeeping.
	mainLock           ReentrantLock
	termination        *Condition
	workers            map[*worker]struct{}
	largestPoolSize    int
	completedTaskCount int64

	corePoolSize     atomic.Int32
	maxPoolSize      atomic.Int32
	keepAlive        atomic.Int64
	allowCoreTimeout atomic.Bool
	policy           atomic.Pointer[policyBox]

	before     func(ctx context.Context, t Task)
	after      func(t Task, err error)
	terminated func()

	logger   *slog.Logger
	registry metrics.Registry
	metrics  *executorMetrics
}

type policyBox struct{ SaturationPolicy }

// NewExecutor creates a running Executor with no workers started.
func NewExecutor(opts ...func(*ExecutorConfig)) (*Executor, error) {
	cfg := DefaultExecutorConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Executor{
		queue:      NewArrayBlockingQueue[*job](cfg.QueueCapacity, cfg.FairQueue),
		workers:    make(map[*worker]struct{}),
		before:     cfg.BeforeExecute,
		after:      cfg.AfterExecute,
		terminated: cfg.Terminated,
		logger:     cfg.Logger,
		registry:   cfg.Registry,
	}
	e.ctl.Store(ctlOf(int32(Running), 0))
	e.termination = e.mainLock.NewCondition()
	e.corePoolSize.Store(int32(cfg.CorePoolSize))
	e.maxPoolSize.Store(int32(cfg.MaxPoolSize))
	e.keepAlive.Store(int64(cfg.KeepAlive))
	e.allowCoreTimeout.Store(cfg.AllowCoreTimeout)
	e.policy.Store(&policyBox{cfg.Policy})
	if e.after == nil {
		e.after = e.logFailure
	}
	m, err := newExecutorMetrics(cfg.Registry, cfg.MetricsPrefix, e)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e.metrics = m
	return e, nil
}

func (e *Executor) logFailure(_ Task, err error) {
	if err == nil {
		return
	}
	attrs := []any{"error", err}
	var pe *TaskPanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "stack", string(pe.Stack))
	}
	e.logger.Error("executor task failed", attrs...)
}

func (e *Executor) compareAndIncrementWorkerCount(expect int32) bool {
	return e.ctl.CompareAndSwap(expect, expect+1)
}

func (e *Executor) compareAndDecrementWorkerCount(expect int32) bool {
	return e.ctl.CompareAndSwap(expect, expect-1)
}

// decrementWorkerCount is used only on abrupt exits and in getTask.
func (e *Executor) decrementWorkerCount() {
	e.ctl.Add(-1)
}

// advanceRunState moves the run state to at least target.
func (e *Executor) advanceRunState(target RunState) {
	for {
		c := e.ctl.Load()
		if runStateAtLeast(c, int32(target)) ||
			e.ctl.CompareAndSwap(c, ctlOf(int32(target), workerCountOf(c))) {
			break
		}
	}
	e.logger.Debug("executor state advanced", "state", target)
}

// tryTerminate moves to Terminated if the pool is Shutdown with an empty
// queue, or Stop, and no workers remain. If workers remain it interrupts
// one idle worker so the shutdown signal keeps spreading. Every action that
// might make termination possible must call it.
func (e *Executor) tryTerminate() {
	for {
		c := e.ctl.Load()
		if isRunning(c) ||
			runStateAtLeast(c, int32(Tidying)) ||
			(runStateOf(c) == int32(Shutdown) && e.queue.Len() > 0) {
			return
		}
		if workerCountOf(c) != 0 {
			e.interruptIdleWorkers(true)
			return
		}
		if e.terminate(c) {
			return
		}
	}
}

func (e *Executor) terminate(c int32) bool {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()
	if !e.ctl.CompareAndSwap(c, ctlOf(int32(Tidying), 0)) {
		return false
	}
	defer func() {
		e.ctl.Store(ctlOf(int32(Terminated), 0))
		e.termination.SignalAll()
		e.logger.Debug("executor terminated", "completed", e.completedTaskCount)
	}()
	if e.terminated != nil {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("executor terminated hook panicked", "panic", r,
					"stack", string(trimStack(debug.Stack())))
			}
		}()
		e.terminated()
	}
	return true
}

// interruptWorkers cancels the task context of every started worker.
func (e *Executor) interruptWorkers() {
	for w := range e.workers {
		w.interruptIfStarted()
	}
}

// interruptIdleWorkers wakes workers waiting for a task so they re-check
// the pool state. Busy workers are left alone. With onlyOne, at most one
// worker is interrupted.
func (e *Executor) interruptIdleWorkers(onlyOne bool) {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()
	for w := range e.workers {
		if !w.intr.isSet() && w.tryLock() {
			w.intr.interrupt()
			w.unlock()
		}
		if onlyOne {
			break
		}
	}
}

// addWorker starts a worker if the pool state and bounds allow it. core
// selects CorePoolSize or MaxPoolSize as the bound. A nil first means the
// worker starts by polling the queue.
func (e *Executor) addWorker(first *job, core bool) bool {
retry:
	for {
		c := e.ctl.Load()
		rs := runStateOf(c)
		// Past Running, only a task-less worker for a non-empty queue
		// during Shutdown is allowed.
		if rs >= int32(Shutdown) && !(rs == int32(Shutdown) && first == nil && e.queue.Len() > 0) {
			return false
		}
		for {
			bound := e.maxPoolSize.Load()
			if core {
				bound = e.corePoolSize.Load()
			}
			if wc := workerCountOf(c); wc >= maxWorkers || wc >= bound {
				return false
			}
			if e.compareAndIncrementWorkerCount(c) {
				break retry
			}
			c = e.ctl.Load()
			if runStateOf(c) != rs {
				continue retry
			}
		}
	}

	w := newWorker(first)
	if !e.registerWorker(w, first) {
		e.addWorkerFailed(w)
		return false
	}
	e.logger.Debug("executor worker started", "core", core, "with_task", first != nil)
	go e.runWorker(w)
	return true
}

func (e *Executor) registerWorker(w *worker, first *job) bool {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()
	// Re-check under the lock: a shutdown may have slipped in.
	rs := runStateOf(e.ctl.Load())
	if rs >= int32(Shutdown) && !(rs == int32(Shutdown) && first == nil) {
		return false
	}
	e.workers[w] = struct{}{}
	e.largestPoolSize = max(e.largestPoolSize, len(e.workers))
	return true
}

// addWorkerFailed rolls back a worker that was counted but never started.
func (e *Executor) addWorkerFailed(w *worker) {
	e.mainLock.Lock()
	delete(e.workers, w)
	e.decrementWorkerCount()
	e.mainLock.Unlock()
	w.stop(nil)
	e.tryTerminate()
}

// Submit runs t at some point in the future, on a new or pooled worker.
// If the executor is shut down or saturated, the SaturationPolicy handles
// t and its error is returned.
func (e *Executor) Submit(t Task) error {
	if t == nil {
		return ErrNilTask
	}
	e.metrics.submitted.Inc(1)
	j := &job{task: t, queuedAt: time.Now()}

	c := e.ctl.Load()
	if workerCountOf(c) < e.corePoolSize.Load() {
		if e.addWorker(j, true) {
			return nil
		}
		c = e.ctl.Load()
	}
	if isRunning(c) && e.queue.Offer(j) {
		recheck := e.ctl.Load()
		if !isRunning(recheck) && e.remove(j) {
			return e.reject(t)
		} else if workerCountOf(recheck) == 0 {
			e.addWorker(nil, false)
		}
		return nil
	}
	if !e.addWorker(j, false) {
		return e.reject(t)
	}
	return nil
}

// SubmitFunc is Submit for a plain function.
func (e *Executor) SubmitFunc(fn func(ctx context.Context)) error {
	if fn == nil {
		return ErrNilTask
	}
	return e.Submit(TaskFunc(fn))
}

func (e *Executor) reject(t Task) error {
	e.metrics.rejected.Inc(1)
	return e.policy.Load().Reject(t, e)
}

// remove takes j back out of the queue.
func (e *Executor) remove(j *job) bool {
	removed := e.queue.RemoveFunc(func(q *job) bool { return q == j })
	e.tryTerminate()
	return removed
}

// Shutdown stops accepting tasks. Queued and running tasks still complete.
// It does not wait; use AwaitTermination for that.
func (e *Executor) Shutdown() {
	e.mainLock.Lock()
	e.advanceRunState(Shutdown)
	e.interruptIdleWorkers(false)
	e.mainLock.Unlock()
	e.tryTerminate()
}

// ShutdownNow stops accepting tasks, cancels the context of running tasks,
// and returns the tasks that were still queued, in queue order.
func (e *Executor) ShutdownNow() []Task {
	e.mainLock.Lock()
	e.advanceRunState(Stop)
	e.interruptWorkers()
	tasks := e.drainQueue()
	e.mainLock.Unlock()
	e.tryTerminate()
	return tasks
}

func (e *Executor) drainQueue() []Task {
	var jobs []*job
	e.queue.DrainTo(&jobs)
	tasks := make([]Task, 0, len(jobs))
	for _, j := range jobs {
		tasks = append(tasks, j.task)
	}
	return tasks
}

// AwaitTermination blocks until the executor terminates, returning true,
// or until ctx is done, returning false.
func (e *Executor) AwaitTermination(ctx context.Context) bool {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()
	for !runStateAtLeast(e.ctl.Load(), int32(Terminated)) {
		if err := e.termination.AwaitContext(ctx); err != nil {
			return false
		}
	}
	return true
}

// IsShutdown reports whether Shutdown or ShutdownNow has been called.
func (e *Executor) IsShutdown() bool {
	return !isRunning(e.ctl.Load())
}

// IsTerminating reports whether the executor is shutting down but has
// not terminated yet.
func (e *Executor) IsTerminating() bool {
	c := e.ctl.Load()
	return !isRunning(c) && runStateLessThan(c, int32(Terminated))
}

// IsTerminated reports whether the executor has terminated.
func (e *Executor) IsTerminated() bool {
	return runStateAtLeast(e.ctl.Load(), int32(Terminated))
}

// State returns the current run state.
func (e *Executor) State() RunState {
	return RunState(runStateOf(e.ctl.Load()))
}

// PoolSize returns the number of live workers.
func (e *Executor) PoolSize() int {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()
	// Workers may linger in the set briefly after Tidying.
	if runStateAtLeast(e.ctl.Load(), int32(Tidying)) {
		return 0
	}
	return len(e.workers)
}

// ActiveCount returns the number of workers running a task.
func (e *Executor) ActiveCount() int {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()
	n := 0
	for w := range e.workers {
		if w.isLocked() {
			n++
		}
	}
	return n
}

// LargestPoolSize returns the largest number of workers seen at once.
func (e *Executor) LargestPoolSize() int {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()
	return e.largestPoolSize
}

// TaskCount returns an estimate of the tasks ever accepted: completed,
// running and queued.
func (e *Executor) TaskCount() int64 {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()
	n := e.completedTaskCount
	for w := range e.workers {
		n += w.completed.Load()
		if w.isLocked() {
			n++
		}
	}
	return n + int64(e.queue.Len())
}

// CompletedTaskCount returns an estimate of the tasks that have finished.
func (e *Executor) CompletedTaskCount() int64 {
	e.mainLock.Lock()
	defer e.mainLock.Unlock()
	n := e.completedTaskCount
	for w := range e.workers {
		n += w.completed.Load()
	}
	return n
}

// QueueLen returns the number of queued tasks.
func (e *Executor) QueueLen() int {
	return e.queue.Len()
}

// QueueRemainingCapacity returns how many more tasks the queue can take.
func (e *Executor) QueueRemainingCapacity() int {
	return e.queue.RemainingCapacity()
}

// Metrics returns the registry the executor reports into.
func (e *Executor) Metrics() metrics.Registry {
	return e.registry
}

// CorePoolSize returns the core number of workers.
func (e *Executor) CorePoolSize() int {
	return int(e.corePoolSize.Load())
}

// SetCorePoolSize changes the core size. Surplus idle workers exit when
// next idle; if the core grew, new workers start for queued tasks.
func (e *Executor) SetCorePoolSize(n int) error {
	if n < 0 || n > e.MaxPoolSize() {
		return fmt.Errorf("%w: core pool size %d outside [0, %d]", ErrInvalidConfig, n, e.MaxPoolSize())
	}
	delta := int32(n) - e.corePoolSize.Swap(int32(n))
	if workerCountOf(e.ctl.Load()) > int32(n) {
		e.interruptIdleWorkers(false)
	} else if delta > 0 {
		// Start as many workers as there are queued tasks, up to delta,
		// stopping early if the queue drains meanwhile.
		for k := min(int(delta), e.queue.Len()); k > 0 && e.addWorker(nil, true); k-- {
			if e.queue.Len() == 0 {
				break
			}
		}
	}
	return nil
}

// MaxPoolSize returns the maximum number of workers.
func (e *Executor) MaxPoolSize() int {
	return int(e.maxPoolSize.Load())
}

// SetMaxPoolSize changes the maximum size. Surplus workers exit when next
// idle.
func (e *Executor) SetMaxPoolSize(n int) error {
	if n <= 0 || n < e.CorePoolSize() || n > maxWorkers {
		return fmt.Errorf("%w: max pool size %d outside [max(1, %d), %d]",
			ErrInvalidConfig, n, e.CorePoolSize(), maxWorkers)
	}
	e.maxPoolSize.Store(int32(n))
	if workerCountOf(e.ctl.Load()) > int32(n) {
		e.interruptIdleWorkers(false)
	}
	return nil
}

// KeepAlive returns the idle timeout of surplus workers.
func (e *Executor) KeepAlive() time.Duration {
	return time.Duration(e.keepAlive.Load())
}

// SetKeepAlive changes the idle timeout. Waiting workers pick up a shorter
// timeout at once.
func (e *Executor) SetKeepAlive(d time.Duration) error {
	if d < 0 || (d == 0 && e.allowCoreTimeout.Load()) {
		return fmt.Errorf("%w: keep-alive %s", ErrInvalidConfig, d)
	}
	if old := time.Duration(e.keepAlive.Swap(int64(d))); d < old {
		e.interruptIdleWorkers(false)
	}
	return nil
}

// AllowsCoreThreadTimeOut reports whether core workers may time out.
func (e *Executor) AllowsCoreThreadTimeOut() bool {
	return e.allowCoreTimeout.Load()
}

// AllowCoreThreadTimeOut sets whether core workers time out after
// KeepAlive. It requires a positive keep-alive.
func (e *Executor) AllowCoreThreadTimeOut(allow bool) error {
	if allow && e.KeepAlive() <= 0 {
		return fmt.Errorf("%w: core timeout needs a positive keep-alive", ErrInvalidConfig)
	}
	if e.allowCoreTimeout.Swap(allow) != allow && allow {
		e.interruptIdleWorkers(false)
	}
	return nil
}

// PrestartCoreThread starts one idle core worker, reporting whether it did.
func (e *Executor) PrestartCoreThread() bool {
	return workerCountOf(e.ctl.Load()) < e.corePoolSize.Load() && e.addWorker(nil, true)
}

// PrestartAllCoreThreads starts idle workers up to the core size and
// returns how many it started.
func (e *Executor) PrestartAllCoreThreads() int {
	n := 0
	for e.addWorker(nil, true) {
		n++
	}
	return n
}

// SaturationPolicy returns the current policy.
func (e *Executor) SaturationPolicy() SaturationPolicy {
	return e.policy.Load().SaturationPolicy
}

// SetSaturationPolicy replaces the policy. A nil policy selects AbortPolicy.
func (e *Executor) SetSaturationPolicy(p SaturationPolicy) {
	if p == nil {
		p = AbortPolicy{}
	}
	e.policy.Store(&policyBox{p})
}

// String summarizes the state and statistics.
func (e *Executor) String() string {
	state := e.State()
	e.mainLock.Lock()
	completed := e.completedTaskCount
	active := 0
	for w := range e.workers {
		completed += w.completed.Load()
		if w.isLocked() {
			active++
		}
	}
	size := len(e.workers)
	e.mainLock.Unlock()
	return fmt.Sprintf("Executor[%s, pool size = %d, active = %d, queued = %d, completed = %d]",
		state, size, active, e.queue.Len(), completed)
}
