package worker

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"shaggydog/internal/logger"
	"shaggydog/internal/pipeline"
	"shaggydog/internal/telemetry"
)

var (
	ErrPoolClosed      = errors.New("worker pool is shut down")
	ErrAlreadyLaunched = errors.New("job already launched")
)

// RunFunc executes one task to completion.
type RunFunc func(ctx context.Context, task pipeline.Task)

// Pool runs tasks in the background with at most size running at once.
// Launch never waits for a slot; excess tasks queue inside the pool.
type Pool struct {
	sem *semaphore.Weighted
	run RunFunc
	log *logger.Logger

	mu     sync.Mutex
	active map[string]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewPool(size int, run RunFunc, log *logger.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		run:    run,
		log:    log,
		active: make(map[string]struct{}),
	}
}

// Launch schedules task and returns immediately. The task outlives ctx's
// cancellation so a finished HTTP request does not abort its pipeline.
func (p *Pool) Launch(ctx context.Context, task pipeline.Task) error {
	return p.Submit(ctx, task, nil)
}

// Submit is Launch with a callback invoked after the task finishes.
func (p *Pool) Submit(ctx context.Context, task pipeline.Task, done func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.active[task.JobID]; ok {
		p.mu.Unlock()
		return ErrAlreadyLaunched
	}
	p.active[task.JobID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		defer p.release(task.JobID, done)

		// Cannot fail: runCtx is never cancelled.
		_ = p.sem.Acquire(runCtx, 1)
		defer p.sem.Release(1)

		telemetry.InFlightGauge.Inc()
		defer telemetry.InFlightGauge.Dec()
		p.log.Debug("task started", "job_id", task.JobID)
		p.run(runCtx, task)
	}()
	return nil
}

func (p *Pool) release(jobID string, done func()) {
	p.mu.Lock()
	delete(p.active, jobID)
	p.mu.Unlock()
	if done != nil {
		done()
	}
}

// Active reports whether jobID is queued or running in this pool.
func (p *Pool) Active(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[jobID]
	return ok
}

// Len is the number of tasks queued or running.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Shutdown stops accepting tasks and waits for the ones already accepted,
// or until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
