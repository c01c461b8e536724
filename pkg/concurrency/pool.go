// Package concurrency wraps the pond worker pool with panic recovery and
// the logger the rest of the platform uses.
package concurrency

import (
	"fmt"
	"time"

	"gridarena/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a worker pool. Zero values pick conservative defaults.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit fail fast when the queue is full instead
	// of blocking the caller.
	NonBlocking bool
}

func (c *PoolConfig) fill() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 100
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = time.Minute
	}
}

// WorkerPool runs submitted tasks on a bounded set of goroutines. A panic in
// a task is logged and never takes the pool down.
type WorkerPool struct {
	inner  *pond.WorkerPool
	cfg    PoolConfig
	logger core.ILogger
}

// NewWorkerPool builds a pool named for its owner so panics and stats are
// attributable in logs.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	cfg.fill()
	scoped := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	return &WorkerPool{
		inner: pond.New(cfg.MaxWorkers, cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(v interface{}) {
				scoped.Error("task panicked", "panic", v)
			}),
		),
		cfg:    cfg,
		logger: scoped,
	}
}

// Submit queues a task. In non-blocking mode a full queue is an error.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.cfg.NonBlocking {
		if !wp.inner.TrySubmit(task) {
			return fmt.Errorf("pool %s full, capacity %d", wp.cfg.Name, wp.cfg.MaxCapacity)
		}
		return nil
	}
	wp.inner.Submit(task)
	return nil
}

// Stop drains queued tasks and waits for in-flight ones.
func (wp *WorkerPool) Stop() {
	wp.inner.StopAndWait()
}

// Stats exposes pond's counters for shutdown logging.
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers": wp.inner.RunningWorkers(),
		"idle_workers":    wp.inner.IdleWorkers(),
		"submitted":       wp.inner.SubmittedTasks(),
		"waiting":         wp.inner.WaitingTasks(),
		"completed":       wp.inner.SuccessfulTasks(),
		"failed":          wp.inner.FailedTasks(),
	}
}
