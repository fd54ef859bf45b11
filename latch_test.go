package qsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLatchBasic(t *testing.T) {
	e := NewLatch(1)

	start := time.Now()
	time.AfterFunc(50*time.Millisecond, func() {
		e.Open()
	})

	e.Wait()
	dur := time.Since(start)
	if dur < 50*time.Millisecond {
		t.Errorf("Wait returned too early: %v", dur)
	}
}

func TestLatchZeroValueOpen(t *testing.T) {
	var e Latch
	e.Wait()
	if ok, err := e.WaitTimeout(context.Background(), 0); !ok || err != nil {
		t.Fatalf("WaitTimeout on open latch = %v, %v", ok, err)
	}
	e.CountDown()
	e.Open()
	if e.Count() != 0 {
		t.Fatalf("Count = %d", e.Count())
	}
}

func TestLatchCountDown(t *testing.T) {
	e := NewLatch(3)
	var count int32
	var wg sync.WaitGroup
	n := 10

	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			e.Wait()
			atomic.AddInt32(&count, 1)
		}()
	}

	waitFor(t, "waiters queued", func() bool { return e.sync.QueueLength() == n })
	e.CountDown()
	e.CountDown()
	if atomic.LoadInt32(&count) != 0 {
		t.Fatal("waiters passed before the count reached zero")
	}
	if got := e.String(); got != "Latch[count = 1]" {
		t.Errorf("String = %q", got)
	}
	e.CountDown()
	wg.Wait()
	if count != int32(n) {
		t.Errorf("passed = %d, want %d", count, n)
	}
	e.CountDown()
	if e.Count() != 0 {
		t.Fatalf("count went below zero: %d", e.Count())
	}
}

func TestLatchTimeoutAndCancel(t *testing.T) {
	e := NewLatch(1)
	if ok, err := e.WaitTimeout(context.Background(), 5*time.Millisecond); ok || err != nil {
		t.Fatalf("WaitTimeout = %v, %v", ok, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := e.WaitContext(ctx); !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitContext = %v", err)
	}
	e.Open()
	if err := e.WaitContext(context.Background()); err != nil {
		t.Fatalf("WaitContext on open latch = %v", err)
	}
}

func TestLatchNegative(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("negative count accepted")
		}
	}()
	NewLatch(-1)
}
