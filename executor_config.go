package qsync

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rcrowley/go-metrics"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	defaultKeepAlive     = 60 * time.Second
	defaultQueueCapacity = 1024
	defaultMetricsPrefix = "executor."
)

// ExecutorConfig defines the options for NewExecutor.
type ExecutorConfig struct {
	// CorePoolSize is the number of workers kept alive even when idle,
	// unless AllowCoreTimeout is set. Defaults to GOMAXPROCS.
	CorePoolSize int

	// MaxPoolSize caps the number of workers. Workers beyond the core are
	// only started when the queue is full. Zero means CorePoolSize (or 1 if
	// that is zero).
	MaxPoolSize int

	// KeepAlive is how long a worker beyond the core, or any worker when
	// AllowCoreTimeout is set, waits idle for a task before exiting.
	KeepAlive time.Duration

	// AllowCoreTimeout lets core workers time out too.
	AllowCoreTimeout bool

	// QueueCapacity bounds the task queue. Zero gives a direct hand-off:
	// tasks are never queued, only passed to an idle worker or a new one.
	QueueCapacity int

	// FairQueue makes the task queue's lock fair.
	FairQueue bool

	// Policy handles tasks the executor cannot accept. Defaults to
	// AbortPolicy.
	Policy SaturationPolicy

	// Logger receives lifecycle and task failure logs.
	// Defaults to slog.Default().
	Logger *slog.Logger

	// Registry receives the executor metrics, named with MetricsPrefix.
	// Defaults to a private registry, reachable through Executor.Metrics.
	Registry      metrics.Registry
	MetricsPrefix string

	// BeforeExecute runs on the worker goroutine before each task, with
	// the context the task will receive.
	BeforeExecute func(ctx context.Context, t Task)

	// AfterExecute runs on the worker goroutine after each task. err is a
	// *TaskPanicError if the task panicked, else nil. The default logs
	// panics at error level.
	AfterExecute func(t Task, err error)

	// Terminated runs once when the executor reaches Terminated.
	Terminated func()
}

// DefaultExecutorConfig returns the configuration NewExecutor starts from.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		CorePoolSize:  runtime.GOMAXPROCS(0),
		KeepAlive:     defaultKeepAlive,
		QueueCapacity: defaultQueueCapacity,
		Policy:        AbortPolicy{},
		MetricsPrefix: defaultMetricsPrefix,
	}
}

// WithCorePoolSize sets the number of workers kept alive while idle.
func WithCorePoolSize(n int) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.CorePoolSize = n
	}
}

// WithMaxPoolSize sets the maximum number of workers.
func WithMaxPoolSize(n int) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.MaxPoolSize = n
	}
}

// WithKeepAlive sets how long idle workers above the core wait before
// exiting.
func WithKeepAlive(d time.Duration) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.KeepAlive = d
	}
}

// WithAllowCoreTimeout lets core workers exit after KeepAlive too.
func WithAllowCoreTimeout(allow bool) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.AllowCoreTimeout = allow
	}
}

// WithQueueCapacity sets the task queue capacity.
func WithQueueCapacity(n int) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.QueueCapacity = n
	}
}

// WithFairQueue makes the task queue lock fair.
func WithFairQueue(fair bool) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.FairQueue = fair
	}
}

// WithSaturationPolicy sets the handler for tasks that cannot be accepted.
func WithSaturationPolicy(p SaturationPolicy) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.Policy = p
	}
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.Logger = l
	}
}

// WithMetrics registers the executor metrics in r, each name prefixed
// with prefix.
func WithMetrics(r metrics.Registry, prefix string) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.Registry = r
		c.MetricsPrefix = prefix
	}
}

// WithBeforeExecute sets a hook run before each task.
func WithBeforeExecute(fn func(ctx context.Context, t Task)) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.BeforeExecute = fn
	}
}

// WithAfterExecute sets a hook run after each task.
func WithAfterExecute(fn func(t Task, err error)) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.AfterExecute = fn
	}
}

// WithTerminated sets a hook run once on termination.
func WithTerminated(fn func()) func(*ExecutorConfig) {
	return func(c *ExecutorConfig) {
		c.Terminated = fn
	}
}

// Validate reports every invalid setting at once. The error wraps
// ErrInvalidConfig.
func (c *ExecutorConfig) Validate() error {
	var errs *multierror.Error
	if c.CorePoolSize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("core pool size %d is negative", c.CorePoolSize))
	}
	if c.MaxPoolSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("max pool size %d must be positive", c.MaxPoolSize))
	}
	if c.MaxPoolSize < c.CorePoolSize {
		errs = multierror.Append(errs, fmt.Errorf("max pool size %d is below core pool size %d",
			c.MaxPoolSize, c.CorePoolSize))
	}
	if c.MaxPoolSize > maxWorkers {
		errs = multierror.Append(errs, fmt.Errorf("max pool size %d exceeds %d", c.MaxPoolSize, maxWorkers))
	}
	if c.KeepAlive < 0 {
		errs = multierror.Append(errs, fmt.Errorf("keep-alive %s is negative", c.KeepAlive))
	}
	if c.AllowCoreTimeout && c.KeepAlive <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("core timeout needs a positive keep-alive"))
	}
	if c.QueueCapacity < 0 {
		errs = multierror.Append(errs, fmt.Errorf("queue capacity %d is negative", c.QueueCapacity))
	}
	if c.Policy == nil {
		errs = multierror.Append(errs, fmt.Errorf("saturation policy is nil"))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// resolve fills in the defaults that depend on other settings.
func (c *ExecutorConfig) resolve() {
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = max(c.CorePoolSize, 1)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registry == nil {
		c.Registry = metrics.NewRegistry()
	}
}
