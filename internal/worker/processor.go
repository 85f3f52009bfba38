package worker

import (
	"context"
	"errors"
	"time"

	"shaggydog/internal/config"
	"shaggydog/internal/logger"
	"shaggydog/internal/models"
	"shaggydog/internal/pipeline"
	"shaggydog/internal/telemetry"
)

const (
	interruptedMessage  = "processing interrupted: worker lease expired"
	defaultLeaseRefresh = 5 * time.Minute
)

// TaskQueue is the consumer side of the task queue.
type TaskQueue interface {
	Dequeue(ctx context.Context) (jobID, owner string, err error)
	Ack(ctx context.Context, jobID string) error
	Extend(ctx context.Context, jobID string) error
	Depth(ctx context.Context) (int64, error)
	Expired(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// StatusStore is what the processor needs to close out abandoned jobs.
type StatusStore interface {
	UpdateJobStatus(ctx context.Context, id string, status string, errorMessage *string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Processor drives the worker execution loop: it takes a task off the
// queue only when the pool has a free slot, so a busy worker leaves tasks
// for its peers.
type Processor struct {
	cfg   config.Config
	queue TaskQueue
	store StatusStore
	pool  *Pool
	slots chan struct{}
	log   *logger.Logger
	now   func() time.Time

	lastReap time.Time
}

func NewProcessor(cfg config.Config, q TaskQueue, st StatusStore, pool *Pool, log *logger.Logger) *Processor {
	n := cfg.WorkerConcurrency
	if n < 1 {
		n = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{
		cfg:   cfg,
		queue: q,
		store: st,
		pool:  pool,
		slots: make(chan struct{}, n),
		log:   log,
		now:   time.Now,
	}
}

// Run starts the main worker loop until context cancellation. Tasks already
// handed to the pool keep running; call Pool.Shutdown to wait for them.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.slots <- struct{}{}:
		}

		p.reapExpired(ctx)
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, owner, err := p.queue.Dequeue(ctx)
		if err != nil || jobID == "" {
			<-p.slots
			if err != nil && ctx.Err() == nil {
				p.log.Warn("dequeue failed", "error", err)
			}
			if !p.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		task := pipeline.Task{JobID: jobID, OwnerToken: owner}
		releaseLease := p.holdLease(ctx, jobID)
		err = p.pool.Submit(ctx, task, func() {
			releaseLease()
			if err := p.queue.Ack(context.Background(), jobID); err != nil {
				p.log.Warn("ack failed", "job_id", jobID, "error", err)
			}
			<-p.slots
		})
		if err != nil {
			releaseLease()
			<-p.slots
			_ = p.queue.Ack(context.Background(), jobID)
			if errors.Is(err, ErrPoolClosed) {
				return nil
			}
			p.log.Warn("task dropped", "job_id", jobID, "error", err)
			continue
		}
		p.log.Info("task taken", "job_id", jobID)
	}
}

// holdLease keeps extending jobID's lease until the returned func is called,
// so peers only reap jobs whose worker is gone. It keeps going after ctx is
// cancelled because the pool drains running tasks on shutdown.
func (p *Processor) holdLease(ctx context.Context, jobID string) func() {
	every := p.cfg.VisibilityTimeout / 3
	if every <= 0 {
		every = defaultLeaseRefresh
	}
	leaseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-t.C:
				if err := p.queue.Extend(leaseCtx, jobID); err != nil && leaseCtx.Err() == nil {
					p.log.Warn("extend lease failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-stopped
	}
}

func (p *Processor) sleep(ctx context.Context) bool {
	t := time.NewTimer(p.cfg.WorkerPollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// reapExpired fails jobs whose lease ran out without an ack. Running
// workers keep extending their leases, so an expired one means the worker
// holding it died. It runs at most once per poll interval.
func (p *Processor) reapExpired(ctx context.Context) {
	now := p.now()
	if now.Sub(p.lastReap) < p.cfg.WorkerPollInterval {
		return
	}
	p.lastReap = now

	ids, err := p.queue.Expired(ctx, now, 100)
	if err != nil {
		p.log.Warn("list expired leases", "error", err)
		return
	}
	for _, id := range ids {
		if p.pool.Active(id) {
			continue
		}
		msg := interruptedMessage
		if err := p.store.UpdateJobStatus(ctx, id, models.StatusError, &msg); err == nil {
			_ = p.store.AppendAudit(ctx, id, "error", msg)
			telemetry.JobsFailed.Inc()
			p.log.Warn("abandoned job failed", "job_id", id)
		}
		_ = p.queue.Ack(ctx, id)
	}
}
