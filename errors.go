package qsync

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIllegalMonitorState is the panic value used when a goroutine releases,
	// or waits on a condition of, a lock it does not hold.
	ErrIllegalMonitorState = errors.New("qsync: lock not held by current goroutine")

	// ErrHoldOverflow is the panic value used when a reentrant hold count
	// would exceed its maximum.
	ErrHoldOverflow = errors.New("qsync: maximum lock count exceeded")

	// ErrPermitOverflow is the panic value used when releasing permits would
	// overflow a Semaphore or Latch.
	ErrPermitOverflow = errors.New("qsync: maximum permit count exceeded")

	// ErrInterrupted is wrapped by every error returned from an interruptible
	// wait whose context was cancelled before the wait completed.
	ErrInterrupted = errors.New("qsync: interrupted")

	// ErrRejected is returned by AbortPolicy when the executor cannot accept a task.
	ErrRejected = errors.New("qsync: task rejected")

	// ErrInvalidConfig wraps executor configuration errors.
	ErrInvalidConfig = errors.New("qsync: invalid executor configuration")

	// ErrNilTask is returned when a nil task is submitted.
	ErrNilTask = errors.New("qsync: nil task")

	// ErrExecutorStopped is the cancellation cause seen by tasks interrupted
	// by ShutdownNow.
	ErrExecutorStopped = errors.New("qsync: executor stopped")
)

func interruptedError(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
}

// isDone reports whether done is closed, without blocking.
// A nil channel is never done.
func isDone(done <-chan struct{}) bool {
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// TaskPanicError carries a panic recovered from a running task.
type TaskPanicError struct {
	Value any
	Stack []byte
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("qsync: task panicked: %v", e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *TaskPanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
