package stress

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/qsync"
)

// Executor submits Goroutines×Iterations small tasks from Goroutines
// submitters, shuts the executor down and waits for it to terminate.
// With the abort or caller-runs policies every task is accounted for;
// with the discard policies only an upper bound is checked.
func Executor(ctx context.Context, o Options, opts ...func(*qsync.ExecutorConfig)) (Report, error) {
	o = o.normalize()
	var (
		col      collector
		ran      atomic.Int64
		rejected atomic.Int64
		total    = int64(o.Goroutines) * int64(o.Iterations)
	)
	base := []func(*qsync.ExecutorConfig){
		qsync.WithCorePoolSize(max(o.Goroutines/2, 1)),
		qsync.WithMaxPoolSize(o.Goroutines),
		qsync.WithQueueCapacity(o.Goroutines),
		qsync.WithFairQueue(o.Fair),
		qsync.WithSaturationPolicy(qsync.CallerRunsPolicy{}),
		qsync.WithKeepAlive(10 * time.Millisecond),
		qsync.WithLogger(slog.Default()),
	}
	e, err := qsync.NewExecutor(append(base, opts...)...)
	if err != nil {
		return Report{}, err
	}
	policy := e.SaturationPolicy()

	task := qsync.TaskFunc(func(context.Context) { ran.Add(1) })
	ready, wait := startGate(o.Goroutines)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for range o.Goroutines {
		g.Go(func() error {
			ready()
			if err := wait(gctx); err != nil {
				return err
			}
			for range o.Iterations {
				if err := gctx.Err(); err != nil {
					return err
				}
				err := e.Submit(task)
				switch {
				case err == nil:
				case errors.Is(err, qsync.ErrRejected):
					rejected.Add(1)
				default:
					col.addf("Submit: %v", err)
				}
			}
			return nil
		})
	}
	gerr := g.Wait()
	e.Shutdown()
	if !e.AwaitTermination(ctx) {
		e.ShutdownNow()
		if gerr == nil {
			gerr = ctx.Err()
		}
	}
	if gerr != nil {
		return Report{}, gerr
	}

	r := Report{Name: "executor", Ops: ran.Load(), Elapsed: time.Since(start)}
	switch policy.(type) {
	case qsync.AbortPolicy, qsync.CallerRunsPolicy:
		if got := ran.Load() + rejected.Load(); got != total {
			col.addf("%d tasks ran and %d were rejected, want %d in all", ran.Load(), rejected.Load(), total)
		}
	default:
		if ran.Load() > total {
			col.addf("%d tasks ran, only %d submitted", ran.Load(), total)
		}
	}
	if !e.IsTerminated() || e.PoolSize() != 0 {
		col.addf("executor not drained: %s", e)
	}
	if done := e.CompletedTaskCount(); done > ran.Load() {
		col.addf("completed count %d exceeds %d runs", done, ran.Load())
	}
	r.Violations = col.result()
	return r, nil
}
