// Package dispatch provides the bounded FIFO job queue that serializes run
// execution. A single worker drains the queue, so at most one run executes
// at a time and runs start in submission order.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 256

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("dispatch queue is full")

	// ErrStopped is returned by Submit after Stop has been called.
	ErrStopped = errors.New("dispatcher is stopped")
)

// Job is one queued unit of work.
type Job struct {
	ID    string
	RunID string
}

// Handler executes a dequeued job.
type Handler func(ctx context.Context, job Job)

// Dispatcher owns the queue and its worker goroutine.
type Dispatcher struct {
	logger  *slog.Logger
	handler Handler
	jobs    chan Job

	stopCh     chan struct{}
	workerDone chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	rejectFn func(Job)
}

// New creates a dispatcher with the given queue capacity. Capacity values
// below one fall back to DefaultCapacity.
func New(capacity int, logger *slog.Logger, handler Handler) *Dispatcher {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Dispatcher{
		logger:     logger.With("component", "dispatcher"),
		handler:    handler,
		jobs:       make(chan Job, capacity),
		stopCh:     make(chan struct{}),
		workerDone: make(chan struct{}),
	}
}

// SetRejectHandler registers the callback invoked for each job still queued
// when the dispatcher shuts down. Must be set before Stop to take effect.
func (d *Dispatcher) SetRejectHandler(fn func(Job)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectFn = fn
}

// Submit queues a job without blocking. It returns the assigned job ID, or
// ErrQueueFull when the queue is at capacity, or ErrStopped after shutdown
// has begun.
func (d *Dispatcher) Submit(runID string) (string, error) {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	job := Job{ID: uuid.NewString(), RunID: runID}
	select {
	case d.jobs <- job:
		d.logger.Debug("job queued", "job_id", job.ID, "run_id", runID, "depth", len(d.jobs))
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Depth reports the number of queued jobs not yet picked up by the worker.
func (d *Dispatcher) Depth() int {
	return len(d.jobs)
}

// Start launches the worker goroutine. Only the first call has any effect.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.worker(ctx)
}

// Stop shuts the dispatcher down: new submissions fail fast, the in-flight
// job runs to completion, and every job still queued is handed to the
// reject handler. The context bounds how long to wait for the in-flight
// job.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	started := d.started
	close(d.stopCh)
	d.mu.Unlock()

	if started {
		select {
		case <-d.workerDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case job := <-d.jobs:
			d.logger.Warn("rejecting queued job at shutdown", "job_id", job.ID, "run_id", job.RunID)
			d.mu.Lock()
			reject := d.rejectFn
			d.mu.Unlock()
			if reject != nil {
				reject(job)
			}
		default:
			d.logger.Info("dispatcher stopped")
			return nil
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer close(d.workerDone)
	d.logger.Info("dispatch worker started")

	for {
		// A closed stop channel wins over queued work so drained jobs get
		// rejected instead of executed.
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case job := <-d.jobs:
			d.logger.Info("job dequeued", "job_id", job.ID, "run_id", job.RunID, "depth", len(d.jobs))
			d.handler(ctx, job)
		}
	}
}
