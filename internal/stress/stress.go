// Package stress drives the qsync primitives under contention and checks
// their invariants as it goes. Each scenario returns a Report whose
// Violations list every broken invariant it observed.
package stress

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/llxisdsh/qsync"
)

// Options shape a run.
type Options struct {
	Goroutines int
	Iterations int
	Fair       bool
}

// DefaultOptions returns a short run suitable for tests.
func DefaultOptions() Options {
	return Options{Goroutines: 8, Iterations: 1000}
}

func (o Options) normalize() Options {
	o.Goroutines = max(o.Goroutines, 1)
	o.Iterations = max(o.Iterations, 1)
	return o
}

// Report is the outcome of one scenario.
type Report struct {
	Name       string
	Ops        int64
	Elapsed    time.Duration
	Violations *multierror.Error
}

// Failed reports whether any invariant was broken.
func (r Report) Failed() bool {
	return r.Violations.ErrorOrNil() != nil
}

func (r Report) String() string {
	rate := 0.0
	if r.Elapsed > 0 {
		rate = float64(r.Ops) / r.Elapsed.Seconds()
	}
	n := 0
	if r.Violations != nil {
		n = len(r.Violations.Errors)
	}
	return fmt.Sprintf("%-9s ops=%-9d elapsed=%-12s ops/s=%-10.0f violations=%d",
		r.Name, r.Ops, r.Elapsed.Round(time.Microsecond), rate, n)
}

// collector gathers violations from many goroutines.
type collector struct {
	mu   qsync.TicketLock
	errs *multierror.Error
}

func (c *collector) addf(format string, args ...any) {
	c.mu.Lock()
	c.errs = multierror.Append(c.errs, fmt.Errorf(format, args...))
	c.mu.Unlock()
}

func (c *collector) result() *multierror.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs
}

// startGate holds every worker goroutine until all have been launched.
func startGate(n int) (ready func(), wait func(context.Context) error) {
	l := qsync.NewLatch(int64(n))
	return l.CountDown, l.WaitContext
}

// Scenario is a named stress run.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, o Options) (Report, error)
}

// Scenarios lists every built-in scenario in the order "all" runs them.
func Scenarios() []Scenario {
	return []Scenario{
		{"lock", Lock},
		{"rwlock", RWLock},
		{"queue", Queue},
		{"semaphore", Semaphore},
		{"executor", func(ctx context.Context, o Options) (Report, error) {
			return Executor(ctx, o)
		}},
	}
}
