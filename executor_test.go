package qsync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rcrowley/go-metrics"
)

type testTask struct {
	id  int
	run func(ctx context.Context)
}

func (t *testTask) Run(ctx context.Context) {
	if t.run != nil {
		t.run(ctx)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, opts ...func(*ExecutorConfig)) *Executor {
	t.Helper()
	e, err := NewExecutor(append([]func(*ExecutorConfig){WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	t.Cleanup(func() {
		e.ShutdownNow()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if !e.AwaitTermination(ctx) {
			t.Errorf("executor did not terminate: %s", e)
		}
	})
	return e
}

func awaitTermination(t *testing.T, e *Executor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !e.AwaitTermination(ctx) {
		t.Fatalf("executor did not terminate: %s", e)
	}
}

// blocker returns a task that signals started and then waits for release.
func blocker(started *Latch, release *Latch) Task {
	return TaskFunc(func(context.Context) {
		started.CountDown()
		release.Wait()
	})
}

func TestExecutorRunsTasks(t *testing.T) {
	e := newTestExecutor(t,
		WithCorePoolSize(2),
		WithMaxPoolSize(4),
		WithQueueCapacity(16),
		WithSaturationPolicy(CallerRunsPolicy{}),
	)
	const n = 200
	var ran atomic.Int32
	for range n {
		if err := e.SubmitFunc(func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	e.Shutdown()
	awaitTermination(t, e)
	if ran.Load() != n {
		t.Fatalf("ran %d tasks, want %d", ran.Load(), n)
	}
	if e.LargestPoolSize() > 4 {
		t.Errorf("LargestPoolSize = %d, above max", e.LargestPoolSize())
	}
	if e.PoolSize() != 0 || e.ActiveCount() != 0 {
		t.Errorf("workers left: %s", e)
	}
	if got := e.CompletedTaskCount(); got > n || got < 1 {
		t.Errorf("CompletedTaskCount = %d", got)
	}
}

func TestExecutorSubmitNil(t *testing.T) {
	e := newTestExecutor(t)
	if err := e.Submit(nil); !errors.Is(err, ErrNilTask) {
		t.Fatalf("Submit(nil) = %v", err)
	}
	if err := e.SubmitFunc(nil); !errors.Is(err, ErrNilTask) {
		t.Fatalf("SubmitFunc(nil) = %v", err)
	}
}

// With a hand-off queue, each task beyond the core starts a worker until
// the maximum, and the next one is rejected.
func TestExecutorGrowsToMaxThenRejects(t *testing.T) {
	const core, maxSize = 1, 3
	e := newTestExecutor(t,
		WithCorePoolSize(core),
		WithMaxPoolSize(maxSize),
		WithQueueCapacity(0),
	)
	started, release := NewLatch(maxSize), NewLatch(1)
	for i := range maxSize {
		if err := e.Submit(blocker(started, release)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if got := e.PoolSize(); got != i+1 {
			t.Fatalf("PoolSize = %d after %d submits", got, i+1)
		}
	}
	started.Wait()
	if e.ActiveCount() != maxSize {
		t.Errorf("ActiveCount = %d, want %d", e.ActiveCount(), maxSize)
	}

	err := e.Submit(&testTask{})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("saturated Submit = %v, want ErrRejected", err)
	}
	if !strings.Contains(err.Error(), "pool size = 3") {
		t.Errorf("rejection does not describe the executor: %v", err)
	}
	release.Open()
}

// With a zero-capacity queue, tasks are handed straight to idle workers.
func TestExecutorHandOffToIdleWorker(t *testing.T) {
	e := newTestExecutor(t,
		WithCorePoolSize(1),
		WithMaxPoolSize(1),
		WithQueueCapacity(0),
	)
	var workers sync.Map
	for i := range 5 {
		done := make(chan struct{})
		if err := e.SubmitFunc(func(context.Context) {
			workers.Store(CurrentGoroutine(), true)
			close(done)
		}); err != nil {
			t.Fatalf("Submit %d with an idle worker: %v", i, err)
		}
		<-done
		waitFor(t, "worker to go idle", func() bool { return e.queue.waitingConsumers() == 1 })
	}
	if e.PoolSize() != 1 || e.LargestPoolSize() != 1 {
		t.Fatalf("pool grew: %s", e)
	}
	n := 0
	workers.Range(func(any, any) bool { n++; return true })
	if n != 1 {
		t.Fatalf("tasks ran on %d goroutines, want 1", n)
	}
}

// Tasks beyond the core are queued first; extra workers only start once
// the queue is full.
func TestExecutorQueuesBeforeGrowing(t *testing.T) {
	e := newTestExecutor(t,
		WithCorePoolSize(1),
		WithMaxPoolSize(2),
		WithQueueCapacity(1),
	)
	started, release := NewLatch(1), NewLatch(1)
	if err := e.Submit(blocker(started, release)); err != nil {
		t.Fatal(err)
	}
	started.Wait()
	if err := e.Submit(&testTask{}); err != nil {
		t.Fatal(err)
	}
	if e.PoolSize() != 1 || e.QueueLen() != 1 || e.QueueRemainingCapacity() != 0 {
		t.Fatalf("second task not queued: %s", e)
	}
	if err := e.Submit(blocker(NewLatch(1), release)); err != nil {
		t.Fatal(err)
	}
	if e.PoolSize() != 2 {
		t.Fatalf("PoolSize = %d after the queue filled", e.PoolSize())
	}
	if err := e.Submit(&testTask{}); !errors.Is(err, ErrRejected) {
		t.Fatalf("Submit = %v, want ErrRejected", err)
	}
	if e.TaskCount() < 2 {
		t.Errorf("TaskCount = %d", e.TaskCount())
	}
	release.Open()
}

func TestExecutorCallerRuns(t *testing.T) {
	e := newTestExecutor(t,
		WithCorePoolSize(1),
		WithMaxPoolSize(1),
		WithQueueCapacity(0),
		WithSaturationPolicy(CallerRunsPolicy{}),
	)
	started, release := NewLatch(1), NewLatch(1)
	defer release.Open()
	if err := e.Submit(blocker(started, release)); err != nil {
		t.Fatal(err)
	}
	started.Wait()

	var ranOn int64
	if err := e.SubmitFunc(func(context.Context) { ranOn = CurrentGoroutine() }); err != nil {
		t.Fatal(err)
	}
	if ranOn != CurrentGoroutine() {
		t.Fatalf("task ran on goroutine %d, want the caller %d", ranOn, CurrentGoroutine())
	}
}

func TestExecutorDiscardPolicies(t *testing.T) {
	for _, policy := range []SaturationPolicy{DiscardPolicy{}, DiscardOldestPolicy{}} {
		e := newTestExecutor(t,
			WithCorePoolSize(1),
			WithMaxPoolSize(1),
			WithQueueCapacity(1),
			WithSaturationPolicy(policy),
		)
		started, release := NewLatch(1), NewLatch(1)
		if err := e.Submit(blocker(started, release)); err != nil {
			t.Fatal(err)
		}
		started.Wait()

		var queued, late atomic.Bool
		if err := e.SubmitFunc(func(context.Context) { queued.Store(true) }); err != nil {
			t.Fatal(err)
		}
		if err := e.SubmitFunc(func(context.Context) { late.Store(true) }); err != nil {
			t.Fatalf("%v: Submit = %v", policy, err)
		}
		release.Open()
		e.Shutdown()
		awaitTermination(t, e)

		switch policy.(type) {
		case DiscardPolicy:
			if !queued.Load() || late.Load() {
				t.Errorf("discard: queued ran %v, late ran %v", queued.Load(), late.Load())
			}
		case DiscardOldestPolicy:
			if queued.Load() || !late.Load() {
				t.Errorf("discard-oldest: queued ran %v, late ran %v", queued.Load(), late.Load())
			}
		}
	}
}

func TestExecutorShutdownDrainsQueue(t *testing.T) {
	var terminated atomic.Int32
	e := newTestExecutor(t,
		WithCorePoolSize(1),
		WithMaxPoolSize(1),
		WithQueueCapacity(10),
		WithTerminated(func() { terminated.Add(1) }),
	)
	started, release := NewLatch(1), NewLatch(1)
	if err := e.Submit(blocker(started, release)); err != nil {
		t.Fatal(err)
	}
	var ran atomic.Int32
	for range 5 {
		if err := e.SubmitFunc(func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}
	started.Wait()

	e.Shutdown()
	if !e.IsShutdown() || !e.IsTerminating() || e.IsTerminated() {
		t.Fatalf("state after Shutdown: %s", e.State())
	}
	if err := e.Submit(&testTask{}); !errors.Is(err, ErrRejected) {
		t.Fatalf("Submit after Shutdown = %v", err)
	}
	if e.PrestartCoreThread() {
		t.Errorf("worker started after Shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if e.AwaitTermination(ctx) {
		t.Fatalf("terminated while a task is blocked")
	}

	release.Open()
	awaitTermination(t, e)
	if ran.Load() != 5 {
		t.Fatalf("queued tasks ran %d times, want 5", ran.Load())
	}
	if e.State() != Terminated || e.IsTerminating() {
		t.Fatalf("state = %s", e.State())
	}
	e.Shutdown()
	if terminated.Load() != 1 {
		t.Fatalf("terminated hook ran %d times", terminated.Load())
	}
}

func TestExecutorShutdownNow(t *testing.T) {
	e := newTestExecutor(t,
		WithCorePoolSize(1),
		WithMaxPoolSize(1),
		WithQueueCapacity(10),
	)
	started := NewLatch(1)
	cause := make(chan error, 1)
	if err := e.SubmitFunc(func(ctx context.Context) {
		started.CountDown()
		<-ctx.Done()
		cause <- context.Cause(ctx)
	}); err != nil {
		t.Fatal(err)
	}
	queued := []*testTask{{id: 1}, {id: 2}, {id: 3}}
	for _, q := range queued {
		if err := e.Submit(q); err != nil {
			t.Fatal(err)
		}
	}
	started.Wait()

	pending := e.ShutdownNow()
	if len(pending) != len(queued) {
		t.Fatalf("ShutdownNow returned %d tasks, want %d", len(pending), len(queued))
	}
	for i, p := range pending {
		if p != Task(queued[i]) {
			t.Fatalf("pending[%d] = %v, want task %d", i, p, queued[i].id)
		}
	}
	if err := <-cause; !errors.Is(err, ErrExecutorStopped) {
		t.Fatalf("running task saw cause %v", err)
	}
	awaitTermination(t, e)
	if e.QueueLen() != 0 {
		t.Fatalf("queue not empty after ShutdownNow")
	}
}

func TestExecutorHooksAndPanics(t *testing.T) {
	errBoom := errors.New("boom")
	var (
		mu     sync.Mutex
		before []Task
		after  []error
	)
	reg := metrics.NewRegistry()
	e := newTestExecutor(t,
		WithCorePoolSize(1),
		WithMaxPoolSize(1),
		WithMetrics(reg, "pool."),
		WithBeforeExecute(func(ctx context.Context, task Task) {
			if ctx == nil {
				t.Error("BeforeExecute got a nil context")
			}
			mu.Lock()
			before = append(before, task)
			mu.Unlock()
		}),
		WithAfterExecute(func(_ Task, err error) {
			mu.Lock()
			after = append(after, err)
			mu.Unlock()
		}),
	)
	bad := &testTask{id: 1, run: func(context.Context) { panic(errBoom) }}
	good := &testTask{id: 2}
	if err := e.Submit(bad); err != nil {
		t.Fatal(err)
	}
	if err := e.Submit(good); err != nil {
		t.Fatal(err)
	}
	e.Shutdown()
	awaitTermination(t, e)

	mu.Lock()
	defer mu.Unlock()
	if len(before) != 2 || before[0] != Task(bad) || before[1] != Task(good) {
		t.Fatalf("BeforeExecute saw %v", before)
	}
	if len(after) != 2 || after[1] != nil {
		t.Fatalf("AfterExecute saw %v", after)
	}
	var pe *TaskPanicError
	if !errors.As(after[0], &pe) || !errors.Is(after[0], errBoom) || len(pe.Stack) == 0 {
		t.Fatalf("panic not reported as TaskPanicError: %v", after[0])
	}
	if e.LargestPoolSize() != 1 {
		t.Errorf("a task panic replaced the worker: largest pool %d", e.LargestPoolSize())
	}

	count := func(name string) int64 {
		return reg.Get("pool." + name).(metrics.Counter).Count()
	}
	if count(MetricSubmitted) != 2 || count(MetricCompleted) != 1 || count(MetricFailed) != 1 {
		t.Errorf("counters: submitted %d completed %d failed %d",
			count(MetricSubmitted), count(MetricCompleted), count(MetricFailed))
	}
	if n := reg.Get("pool." + MetricTaskDuration).(metrics.Timer).Count(); n != 2 {
		t.Errorf("duration timer count = %d", n)
	}
	if v := reg.Get("pool." + MetricPoolSize).(metrics.Gauge).Value(); v != 0 {
		t.Errorf("pool size gauge = %d after termination", v)
	}
}

func TestExecutorDefaultAfterLogsPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := newTestExecutor(t, WithLogger(logger), WithCorePoolSize(1))
	if err := e.SubmitFunc(func(context.Context) { panic("kaboom") }); err != nil {
		t.Fatal(err)
	}
	e.Shutdown()
	awaitTermination(t, e)
	if out := buf.String(); !strings.Contains(out, "executor task failed") || !strings.Contains(out, "kaboom") {
		t.Fatalf("panic not logged: %q", out)
	}
}

// A panicking hook kills its worker, which is replaced.
func TestExecutorHookPanicReplacesWorker(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(t,
		WithCorePoolSize(1),
		WithMaxPoolSize(2),
		WithBeforeExecute(func(context.Context, Task) {
			if calls.Add(1) == 1 {
				panic("hook failed")
			}
		}),
	)
	var ran atomic.Int32
	for range 3 {
		if err := e.SubmitFunc(func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "tasks after the hook panic", func() bool { return ran.Load() == 2 })
	e.Shutdown()
	awaitTermination(t, e)
	if ran.Load() != 2 {
		t.Fatalf("ran %d tasks, want 2", ran.Load())
	}
}

func TestExecutorKeepAlive(t *testing.T) {
	e := newTestExecutor(t,
		WithCorePoolSize(1),
		WithMaxPoolSize(3),
		WithQueueCapacity(0),
		WithKeepAlive(20*time.Millisecond),
	)
	started, release := NewLatch(3), NewLatch(1)
	for range 3 {
		if err := e.Submit(blocker(started, release)); err != nil {
			t.Fatal(err)
		}
	}
	started.Wait()
	release.Open()
	waitFor(t, "surplus workers to time out", func() bool { return e.PoolSize() == 1 })
	if e.LargestPoolSize() != 3 {
		t.Errorf("LargestPoolSize = %d", e.LargestPoolSize())
	}

	if err := e.AllowCoreThreadTimeOut(true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "core worker to time out", func() bool { return e.PoolSize() == 0 })

	// The pool grows again on demand.
	done := make(chan struct{})
	if err := e.SubmitFunc(func(context.Context) { close(done) }); err != nil {
		t.Fatal(err)
	}
	<-done
}

func TestExecutorResize(t *testing.T) {
	e := newTestExecutor(t,
		WithCorePoolSize(2),
		WithMaxPoolSize(4),
		WithKeepAlive(10*time.Millisecond),
	)
	if n := e.PrestartAllCoreThreads(); n != 2 {
		t.Fatalf("PrestartAllCoreThreads = %d", n)
	}
	if e.PrestartCoreThread() {
		t.Fatalf("PrestartCoreThread beyond the core")
	}
	if err := e.SetCorePoolSize(1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "surplus core worker to exit", func() bool { return e.PoolSize() == 1 })

	if err := e.SetCorePoolSize(5); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("core above max = %v", err)
	}
	if err := e.SetMaxPoolSize(0); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("max 0 = %v", err)
	}
	if err := e.SetMaxPoolSize(6); err != nil || e.MaxPoolSize() != 6 {
		t.Errorf("SetMaxPoolSize = %v, max %d", err, e.MaxPoolSize())
	}
	if err := e.SetCorePoolSize(3); err != nil || e.CorePoolSize() != 3 {
		t.Errorf("SetCorePoolSize = %v, core %d", err, e.CorePoolSize())
	}
	if err := e.SetKeepAlive(-time.Second); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("negative keep-alive = %v", err)
	}
	if err := e.SetKeepAlive(0); err != nil {
		t.Fatal(err)
	}
	if err := e.AllowCoreThreadTimeOut(true); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("core timeout with zero keep-alive = %v", err)
	}
	if e.AllowsCoreThreadTimeOut() || e.KeepAlive() != 0 {
		t.Errorf("settings changed by a failed call")
	}

	e.SetSaturationPolicy(nil)
	if _, ok := e.SaturationPolicy().(AbortPolicy); !ok {
		t.Errorf("nil policy gave %v", e.SaturationPolicy())
	}
}

func TestExecutorConfigValidate(t *testing.T) {
	tcs := map[string]struct {
		opts   []func(*ExecutorConfig)
		errors int
	}{
		"defaults": {},
		"negative core": {
			opts:   []func(*ExecutorConfig){WithCorePoolSize(-1)},
			errors: 1,
		},
		"max below core": {
			opts:   []func(*ExecutorConfig){WithCorePoolSize(3), WithMaxPoolSize(2)},
			errors: 1,
		},
		"max too large": {
			opts:   []func(*ExecutorConfig){WithCorePoolSize(1), WithMaxPoolSize(maxWorkers + 1)},
			errors: 1,
		},
		"negative keep-alive and queue": {
			opts:   []func(*ExecutorConfig){WithKeepAlive(-1), WithQueueCapacity(-1)},
			errors: 2,
		},
		"core timeout without keep-alive": {
			opts:   []func(*ExecutorConfig){WithKeepAlive(0), WithAllowCoreTimeout(true)},
			errors: 1,
		},
		"nil policy": {
			opts:   []func(*ExecutorConfig){WithSaturationPolicy(nil)},
			errors: 1,
		},
	}
	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			e, err := NewExecutor(append(tc.opts, WithLogger(quietLogger()))...)
			if tc.errors == 0 {
				if err != nil {
					t.Fatalf("NewExecutor: %v", err)
				}
				e.Shutdown()
				return
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
			var merr *multierror.Error
			if !errors.As(err, &merr) || len(merr.Errors) != tc.errors {
				t.Fatalf("err = %v, want %d problems", err, tc.errors)
			}
		})
	}
}

func TestExecutorDuplicateMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	newTestExecutor(t, WithMetrics(reg, "shared."))
	_, err := NewExecutor(WithMetrics(reg, "shared."), WithLogger(quietLogger()))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("duplicate registration = %v", err)
	}
}

func TestParseSaturationPolicy(t *testing.T) {
	tcs := map[string]SaturationPolicy{
		"":               AbortPolicy{},
		"abort":          AbortPolicy{},
		"Caller-Runs":    CallerRunsPolicy{},
		"caller_runs":    CallerRunsPolicy{},
		"discard":        DiscardPolicy{},
		"DISCARD_OLDEST": DiscardOldestPolicy{},
	}
	for name, want := range tcs {
		got, err := ParseSaturationPolicy(name)
		if err != nil || got != want {
			t.Errorf("ParseSaturationPolicy(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseSaturationPolicy("maybe"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown policy err = %v", err)
	}
}

func TestRunStateString(t *testing.T) {
	var got []string
	for _, s := range []RunState{Running, Shutdown, Stop, Tidying, Terminated, 7} {
		got = append(got, s.String())
	}
	want := []string{"Running", "Shutdown", "Stop", "Tidying", "Terminated", "RunState(7)"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v", got)
	}
	if !(Running < Shutdown && Shutdown < Stop && Stop < Tidying && Tidying < Terminated) {
		t.Fatalf("run states out of order")
	}
}

func TestExecutorString(t *testing.T) {
	e := newTestExecutor(t, WithCorePoolSize(1))
	want := "Executor[Running, pool size = 0, active = 0, queued = 0, completed = 0]"
	if got := e.String(); got != want {
		t.Fatalf("String = %q, want %q", got, want)
	}
}
