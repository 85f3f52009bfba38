package worker

import (
	"context"

	"shaggydog/internal/pipeline"
)

// Enqueuer is the producer side of the task queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, owner string) error
}

// QueueLauncher hands tasks to a separate worker process through the queue.
type QueueLauncher struct {
	q Enqueuer
}

func NewQueueLauncher(q Enqueuer) *QueueLauncher {
	return &QueueLauncher{q: q}
}

func (l *QueueLauncher) Launch(ctx context.Context, task pipeline.Task) error {
	return l.q.Enqueue(ctx, task.JobID, task.OwnerToken)
}
