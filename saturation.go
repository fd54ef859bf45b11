package qsync

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SaturationPolicy handles a task that an Executor cannot accept, either
// because it is shut down or because both the queue and the pool are full.
// Reject's error is returned by Submit.
type SaturationPolicy interface {
	Reject(t Task, e *Executor) error
}

// CallerRunsPolicy runs the rejected task on the goroutine that called
// Submit, unless the executor is shut down, in which case the task is
// dropped. It slows producers down to the pool's pace.
type CallerRunsPolicy struct{}

func (CallerRunsPolicy) Reject(t Task, e *Executor) error {
	if !e.IsShutdown() {
		t.Run(context.Background())
	}
	return nil
}

func (CallerRunsPolicy) String() string { return "caller-runs" }

// AbortPolicy fails Submit with an error wrapping ErrRejected.
type AbortPolicy struct{}

func (AbortPolicy) Reject(_ Task, e *Executor) error {
	return fmt.Errorf("%w by %s", ErrRejected, e)
}

func (AbortPolicy) String() string { return "abort" }

// DiscardPolicy silently drops the rejected task.
type DiscardPolicy struct{}

func (DiscardPolicy) Reject(Task, *Executor) error { return nil }

func (DiscardPolicy) String() string { return "discard" }

// DiscardOldestPolicy drops the oldest queued task and submits the
// rejected one again, unless the executor is shut down. With a queue of
// capacity 0 there is nothing to drop, so the rejected task is dropped.
type DiscardOldestPolicy struct{}

func (DiscardOldestPolicy) Reject(t Task, e *Executor) error {
	if e.IsShutdown() || e.queue.Cap() == 0 {
		return nil
	}
	if j, ok := e.queue.Poll(); ok {
		e.logger.Debug("discarded oldest queued task", "queued_for", time.Since(j.queuedAt))
	}
	return e.Submit(t)
}

func (DiscardOldestPolicy) String() string { return "discard-oldest" }

// ParseSaturationPolicy returns the policy named by name: "caller-runs",
// "abort", "discard" or "discard-oldest". Case, dashes and underscores
// are ignored.
func ParseSaturationPolicy(name string) (SaturationPolicy, error) {
	key := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(strings.TrimSpace(name)))
	switch key {
	case "callerruns":
		return CallerRunsPolicy{}, nil
	case "abort", "":
		return AbortPolicy{}, nil
	case "discard":
		return DiscardPolicy{}, nil
	case "discardoldest":
		return DiscardOldestPolicy{}, nil
	}
	return nil, fmt.Errorf("%w: unknown saturation policy %q", ErrInvalidConfig, name)
}
