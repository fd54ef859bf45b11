package qsync

import (
	"github.com/hashicorp/go-multierror"
	"github.com/rcrowley/go-metrics"
)

// executorMetrics are the counters and timers an Executor updates, plus
// gauges that read its statistics on demand.
type executorMetrics struct {
	submitted metrics.Counter
	rejected  metrics.Counter
	completed metrics.Counter
	failed    metrics.Counter
	// duration times task runs; queueWait times tasks from enqueue to start.
	duration  metrics.Timer
	queueWait metrics.Timer
}

// Metric names, relative to the configured prefix.
const (
	MetricSubmitted       = "submitted"
	MetricRejected        = "rejected"
	MetricCompleted       = "completed"
	MetricFailed          = "failed"
	MetricTaskDuration    = "task.duration"
	MetricQueueWait       = "task.queue_wait"
	MetricPoolSize        = "pool.size"
	MetricActiveCount     = "pool.active"
	MetricLargestPoolSize = "pool.largest"
	MetricQueueLen        = "queue.len"
)

func newExecutorMetrics(r metrics.Registry, prefix string, e *Executor) (*executorMetrics, error) {
	m := &executorMetrics{
		submitted: metrics.NewCounter(),
		rejected:  metrics.NewCounter(),
		completed: metrics.NewCounter(),
		failed:    metrics.NewCounter(),
		duration:  metrics.NewTimer(),
		queueWait: metrics.NewTimer(),
	}
	named := map[string]any{
		MetricSubmitted:       m.submitted,
		MetricRejected:        m.rejected,
		MetricCompleted:       m.completed,
		MetricFailed:          m.failed,
		MetricTaskDuration:    m.duration,
		MetricQueueWait:       m.queueWait,
		MetricPoolSize:        metrics.NewFunctionalGauge(func() int64 { return int64(e.PoolSize()) }),
		MetricActiveCount:     metrics.NewFunctionalGauge(func() int64 { return int64(e.ActiveCount()) }),
		MetricLargestPoolSize: metrics.NewFunctionalGauge(func() int64 { return int64(e.LargestPoolSize()) }),
		MetricQueueLen:        metrics.NewFunctionalGauge(func() int64 { return int64(e.QueueLen()) }),
	}
	var errs *multierror.Error
	for name, metric := range named {
		if err := r.Register(prefix+name, metric); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return m, errs.ErrorOrNil()
}
