package qsync

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/llxisdsh/qsync/internal/opt"
)

func TestSemaphore_Simple(t *testing.T) {
	s := NewSemaphore(1, false)

	s.Acquire(1)
	if s.TryAcquire(1) {
		t.Error("TryAcquire succeeded when empty")
	}
	s.Release(1)
	s.Acquire(1)
	if s.AvailablePermits() != 0 {
		t.Errorf("AvailablePermits = %d", s.AvailablePermits())
	}
	if got := s.String(); got != "Semaphore[permits = 0]" {
		t.Errorf("String = %q", got)
	}
}

func TestSemaphore_ZeroValue(t *testing.T) {
	var s Semaphore
	if s.TryAcquire(1) {
		t.Fatal("zero semaphore has permits")
	}
	s.Release(2)
	if !s.TryAcquire(2) {
		t.Fatal("released permits not available")
	}
	// Non-positive counts are no-ops.
	s.Acquire(0)
	s.Release(-1)
	if s.AvailablePermits() != 0 {
		t.Fatalf("AvailablePermits = %d", s.AvailablePermits())
	}
}

func TestSemaphore_Batch(t *testing.T) {
	s := NewSemaphore(0, false)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Release(5)
	}()

	s.Acquire(5)
}

// One release admits every waiter it has permits for.
func TestSemaphore_Propagation(t *testing.T) {
	s := NewSemaphore(0, false)
	const n = 6
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Acquire(1)
		}()
	}
	waitFor(t, "all waiting", func() bool { return s.QueueLength() == n })
	s.Release(n)
	wg.Wait()
	if s.AvailablePermits() != 0 {
		t.Fatalf("AvailablePermits = %d", s.AvailablePermits())
	}
}

// A fair semaphore does not let a small request pass a large one.
func TestSemaphore_FairLargeRequest(t *testing.T) {
	s := NewSemaphore(1, true)
	big := make(chan struct{})
	go func() {
		s.Acquire(3)
		close(big)
	}()
	waitFor(t, "big request queued", func() bool { return s.QueueLength() == 1 })

	small := make(chan struct{})
	go func() {
		s.Acquire(1)
		close(small)
	}()
	waitFor(t, "small request queued", func() bool { return s.QueueLength() == 2 })

	s.Release(2)
	<-big
	select {
	case <-small:
		t.Fatal("small request overtook the big one")
	default:
	}
	s.Release(1)
	<-small
}

func TestSemaphore_Timeouts(t *testing.T) {
	s := NewSemaphore(0, true)
	if ok, err := s.TryAcquireTimeout(context.Background(), 1, 5*time.Millisecond); ok || err != nil {
		t.Fatalf("TryAcquireTimeout = %v, %v", ok, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.AcquireContext(ctx, 1) }()
	waitFor(t, "waiter queued", func() bool { return s.QueueLength() == 1 })
	cancel()
	if err := <-errc; !errors.Is(err, ErrInterrupted) {
		t.Fatalf("AcquireContext err = %v", err)
	}
	if s.QueueLength() != 0 {
		t.Fatal("cancelled waiter still queued")
	}
}

func TestSemaphore_Drain(t *testing.T) {
	s := NewSemaphore(5, false)
	if got := s.DrainPermits(); got != 5 {
		t.Fatalf("DrainPermits = %d", got)
	}
	if got := s.DrainPermits(); got != 0 {
		t.Fatalf("second DrainPermits = %d", got)
	}

	neg := NewSemaphore(-2, false)
	if neg.TryAcquire(1) {
		t.Fatal("acquired from a negative semaphore")
	}
	if got := neg.DrainPermits(); got != -2 || neg.AvailablePermits() != 0 {
		t.Fatalf("DrainPermits on negative = %d, left %d", got, neg.AvailablePermits())
	}
}

func TestSemaphore_Overflow(t *testing.T) {
	s := NewSemaphore(math.MaxInt64, false)
	mustPanic(t, ErrPermitOverflow, func() { s.Release(1) })
}

func TestSemaphore_Race(t *testing.T) {
	for _, fair := range []bool{false, true} {
		const permits = 3
		s := NewSemaphore(permits, fair)
		iters := 2000
		if opt.Race_ {
			iters = 200
		}
		var inUse atomic.Int32
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range iters {
					s.Acquire(1)
					if inUse.Add(1) > permits {
						t.Errorf("more than %d holders", permits)
					}
					inUse.Add(-1)
					s.Release(1)
				}
			}()
		}
		wg.Wait()
		if s.AvailablePermits() != permits {
			t.Fatalf("fair=%v: AvailablePermits = %d", fair, s.AvailablePermits())
		}
	}
}
