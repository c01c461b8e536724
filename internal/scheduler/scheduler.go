// Package scheduler drives the platform's periodic jobs: decision cycles,
// grid monitoring, reconciliation and account flushes. One job never
// overlaps itself; an overlapping trigger is recorded as a skip.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gridarena/internal/core"
	"gridarena/pkg/concurrency"
	"gridarena/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result classes for a job run.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"

	// SkipReasonOverlap is recorded when a trigger fires while the
	// previous run of the same job is still going.
	SkipReasonOverlap = "previous_still_running"
)

// JobState is the observable state of one registered job.
type JobState struct {
	Name         string
	Interval     time.Duration
	LastStarted  time.Time
	LastDuration time.Duration
	LastResult   string
	LastError    string
	SuccessCount int64
	ErrorCount   int64
	SkipCount    int64
}

// JobFunc is one unit of periodic work. A returned error marks the run as
// failed; the scheduler keeps ticking regardless.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc

	running atomic.Bool
	mu      sync.Mutex
	state   JobState
}

// Scheduler runs registered jobs on fixed periods over a shared worker pool.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []*job
	pool   *concurrency.WorkerPool
	logger core.ILogger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	runs metric.Int64Counter
}

// New creates a scheduler over its own worker pool.
func New(logger core.ILogger) *Scheduler {
	meter := telemetry.GetMeter("gridarena/scheduler")
	runs, _ := meter.Int64Counter("job_runs_total",
		metric.WithDescription("Scheduler job runs by job and result"))

	return &Scheduler{
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "scheduler",
			MaxWorkers: 4,
		}, logger),
		logger: logger.WithField("component", "scheduler"),
		runs:   runs,
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		interval: interval,
		fn:       fn,
		state:    JobState{Name: name, Interval: interval},
	})
}

// Start launches one ticker goroutine per job. Jobs fire first after one
// full interval, not immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, j)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

func (s *Scheduler) runLoop(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx, j)
		}
	}
}

// TriggerNow fires one job out of band, honoring the overlap guard. Used at
// boot for jobs that should not wait a full interval.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			s.trigger(ctx, j)
			return
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.state.SkipCount++
		j.state.LastResult = ResultSkipped
		j.state.LastError = SkipReasonOverlap
		j.mu.Unlock()
		s.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("job", j.name),
			attribute.String("result", ResultSkipped),
		))
		s.logger.Warn("job trigger skipped", "job", j.name, "reason", SkipReasonOverlap)
		return
	}

	started := time.Now()
	j.mu.Lock()
	j.state.LastStarted = started
	j.mu.Unlock()

	if err := s.pool.Submit(func() {
		defer j.running.Store(false)
		err := j.fn(ctx)
		elapsed := time.Since(started)

		result := ResultOK
		j.mu.Lock()
		j.state.LastDuration = elapsed
		if err != nil {
			result = ResultError
			j.state.ErrorCount++
			j.state.LastError = err.Error()
		} else {
			j.state.SuccessCount++
			j.state.LastError = ""
		}
		j.state.LastResult = result
		j.mu.Unlock()

		s.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("job", j.name),
			attribute.String("result", result),
		))
		if err != nil {
			s.logger.Error("job failed", "job", j.name, "duration", elapsed.String(), "error", err.Error())
		} else {
			s.logger.Debug("job done", "job", j.name, "duration", elapsed.String())
		}
	}); err != nil {
		j.running.Store(false)
		s.logger.Error("job submission failed", "job", j.name, "error", err.Error())
	}
}

// States returns a copy of every job's state.
func (s *Scheduler) States() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, j.state)
		j.mu.Unlock()
	}
	return out
}

// Stop halts triggering and gives in-flight runs up to grace to finish.
func (s *Scheduler) Stop(grace time.Duration) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped", "pool", s.pool.Stats())
	case <-time.After(grace):
		s.logger.Warn("scheduler stop grace period elapsed with work in flight")
	}
}
