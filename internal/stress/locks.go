package stress

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/qsync"
)

// cancelEvery makes one acquisition in this many use a context that
// expires almost at once, so queue cancellation runs alongside the
// ordinary lock traffic.
const cancelEvery = 16

// Lock hammers one ReentrantLock. Every acquisition increments a plain
// counter and checks that it is the only holder; a fraction of the
// acquisitions are abandoned through context expiry. At the end the
// counter must equal the number of successful acquisitions and the lock
// must be free with nobody queued.
func Lock(ctx context.Context, o Options) (Report, error) {
	o = o.normalize()
	var (
		l        = qsync.NewReentrantLock(o.Fair)
		col      collector
		holders  atomic.Int32
		acquired atomic.Int64
		counter  int64
	)
	ready, wait := startGate(o.Goroutines)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for range o.Goroutines {
		g.Go(func() error {
			ready()
			if err := wait(gctx); err != nil {
				return err
			}
			for i := range o.Iterations {
				if err := gctx.Err(); err != nil {
					return err
				}
				if i%cancelEvery == cancelEvery-1 {
					tctx, cancel := context.WithTimeout(gctx, 20*time.Microsecond)
					err := l.LockContext(tctx)
					cancel()
					if err != nil {
						if !errors.Is(err, qsync.ErrInterrupted) {
							col.addf("LockContext returned %v, want ErrInterrupted", err)
						}
						continue
					}
				} else {
					l.Lock()
				}
				if n := holders.Add(1); n != 1 {
					col.addf("%d goroutines inside the lock", n)
				}
				if l.HoldCount() != 1 {
					col.addf("hold count %d inside a single acquisition", l.HoldCount())
				}
				counter++
				acquired.Add(1)
				holders.Add(-1)
				l.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	r := Report{Name: "lock", Ops: acquired.Load(), Elapsed: time.Since(start)}
	if counter != acquired.Load() {
		col.addf("counter %d, want %d", counter, acquired.Load())
	}
	if l.IsLocked() || l.HasQueuedThreads() {
		col.addf("lock left busy: %s", l)
	}
	r.Violations = col.result()
	return r, nil
}

// RWLock mixes readers and writers on one ReentrantRWLock: one operation
// in eight takes the write lock. Writers must be alone; readers must never
// see a writer. Some readers re-enter the read lock, and some writers take
// the read lock while writing.
func RWLock(ctx context.Context, o Options) (Report, error) {
	o = o.normalize()
	var (
		l       = qsync.NewReentrantRWLock(o.Fair)
		col     collector
		readers atomic.Int32
		writers atomic.Int32
		ops     atomic.Int64
		value   int64
	)
	ready, wait := startGate(o.Goroutines)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for id := range o.Goroutines {
		g.Go(func() error {
			ready()
			if err := wait(gctx); err != nil {
				return err
			}
			for i := range o.Iterations {
				if err := gctx.Err(); err != nil {
					return err
				}
				if (i+id)%8 == 0 {
					l.Lock()
					if n := writers.Add(1); n != 1 {
						col.addf("%d writers at once", n)
					}
					if n := readers.Load(); n != 0 {
						col.addf("writer sees %d readers", n)
					}
					value++
					if i%3 == 0 {
						// downgrade-style read while holding the write lock
						l.RLock()
						if l.ReadHoldCount() != 1 {
							col.addf("writer read hold %d", l.ReadHoldCount())
						}
						l.RUnlock()
					}
					writers.Add(-1)
					l.Unlock()
				} else {
					l.RLock()
					readers.Add(1)
					if n := writers.Load(); n != 0 {
						col.addf("reader sees %d writers", n)
					}
					_ = value
					if i%5 == 0 {
						l.RLock()
						if l.ReadHoldCount() != 2 {
							col.addf("reentrant read hold %d", l.ReadHoldCount())
						}
						l.RUnlock()
					}
					readers.Add(-1)
					l.RUnlock()
				}
				ops.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	r := Report{Name: "rwlock", Ops: ops.Load(), Elapsed: time.Since(start)}
	if l.IsWriteLocked() || l.ReadLockCount() != 0 || l.HasQueuedThreads() {
		col.addf("rwlock left busy: %s", l)
	}
	r.Violations = col.result()
	return r, nil
}

// Semaphore lets the goroutines share half as many permits as there are
// goroutines, each taking one or two at a time, and checks that the
// permits in use never exceed the total.
func Semaphore(ctx context.Context, o Options) (Report, error) {
	o = o.normalize()
	permits := int64(max(o.Goroutines/2, 2))
	var (
		s     = qsync.NewSemaphore(permits, o.Fair)
		col   collector
		inUse atomic.Int64
		ops   atomic.Int64
	)
	ready, wait := startGate(o.Goroutines)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for id := range o.Goroutines {
		g.Go(func() error {
			ready()
			if err := wait(gctx); err != nil {
				return err
			}
			n := int64(1 + id%2)
			for range o.Iterations {
				if err := s.AcquireContext(gctx, n); err != nil {
					return err
				}
				if v := inUse.Add(n); v > permits {
					col.addf("%d permits in use, only %d exist", v, permits)
				}
				inUse.Add(-n)
				s.Release(n)
				ops.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	r := Report{Name: "semaphore", Ops: ops.Load(), Elapsed: time.Since(start)}
	if got := s.AvailablePermits(); got != permits {
		col.addf("%d permits available after the run, want %d", got, permits)
	}
	r.Violations = col.result()
	return r, nil
}
