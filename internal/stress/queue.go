package stress

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/qsync"
)

type item struct {
	producer int
	seq      int
}

// Queue runs equal numbers of producers and consumers through a small
// ArrayBlockingQueue. Each consumer must see every producer's items in
// increasing order, the queue must never exceed its capacity, and every
// produced item must be consumed exactly once.
func Queue(ctx context.Context, o Options) (Report, error) {
	o = o.normalize()
	producers := max(o.Goroutines/2, 1)
	consumers := producers
	total := producers * o.Iterations
	q := qsync.NewArrayBlockingQueue[item](max(producers, 2), o.Fair)

	var (
		col      collector
		consumed atomic.Int64
		seen     = make([]atomic.Int32, producers*o.Iterations)
	)
	ready, wait := startGate(producers + consumers)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for p := range producers {
		g.Go(func() error {
			ready()
			if err := wait(gctx); err != nil {
				return err
			}
			for i := range o.Iterations {
				if err := q.Put(gctx, item{producer: p, seq: i}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for range consumers {
		g.Go(func() error {
			ready()
			if err := wait(gctx); err != nil {
				return err
			}
			last := make([]int, producers)
			for i := range last {
				last[i] = -1
			}
			for consumed.Load() < int64(total) {
				v, ok, err := q.PollTimeout(gctx, time.Millisecond)
				if err != nil {
					return err
				}
				if n := q.Len(); n > q.Cap() {
					col.addf("queue holds %d items, capacity %d", n, q.Cap())
				}
				if !ok {
					continue
				}
				if v.seq <= last[v.producer] {
					col.addf("producer %d: item %d after %d", v.producer, v.seq, last[v.producer])
				}
				last[v.producer] = v.seq
				if seen[v.producer*o.Iterations+v.seq].Add(1) != 1 {
					col.addf("item %d/%d consumed twice", v.producer, v.seq)
				}
				consumed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	r := Report{Name: "queue", Ops: consumed.Load(), Elapsed: time.Since(start)}
	if got := consumed.Load(); got != int64(total) {
		col.addf("consumed %d items, want %d", got, total)
	}
	if q.Len() != 0 {
		col.addf("queue left with %d items: %s", q.Len(), fmt.Sprint(q.Slice()))
	}
	r.Violations = col.result()
	return r, nil
}
