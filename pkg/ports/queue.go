package ports

import (
	"context"
	"time"

	"github.com/weftworks/weft/pkg/domain"
)

// Delivery is one dequeued task together with the substrate receipt the
// consumer must settle it with.
type Delivery struct {
	Receipt string
	Task    domain.Task
}

// TaskQueue is the durable work queue the worker pools pull from. One
// logical queue exists per category; a task's category is derived from the
// task itself.
//
// The queue also tracks, per execution, the set of job ids with a live
// queue presence (queued, delayed or claimed by a worker). Enqueue adds the
// job to that set; Settle and MoveToDead remove it. Continuation decisions
// and orphan detection are built on this set.
type TaskQueue interface {
	// Enqueue submits a task, optionally delayed. A zero delay means the
	// task becomes available immediately.
	Enqueue(ctx context.Context, task *domain.Task, delay time.Duration) error

	// Dequeue claims the next available task for the category, blocking up
	// to the substrate's poll interval. It returns nil when nothing is
	// ready before the interval elapses.
	Dequeue(ctx context.Context, category domain.Category, consumer string) (*Delivery, error)

	// Ack removes a claimed delivery from the substrate. It does not touch
	// the live-job set; callers follow up with Settle, Reschedule or
	// MoveToDead depending on the outcome.
	Ack(ctx context.Context, d *Delivery) error

	// Reschedule acks the delivery and re-submits its task to run after
	// the delay. The job keeps its live presence throughout.
	Reschedule(ctx context.Context, d *Delivery, task *domain.Task, delay time.Duration) error

	// MoveToDead appends the task to the category's dead-letter stream
	// with a reason and drops the job from the live set. Dead tasks are
	// kept for inspection and are never retried automatically.
	MoveToDead(ctx context.Context, task *domain.Task, reason string) error

	// Settle drops a job from its execution's live set once its outcome
	// has been recorded.
	Settle(ctx context.Context, executionID, jobID string) error

	// LiveJobs returns the job ids with a live queue presence for an
	// execution.
	LiveJobs(ctx context.Context, executionID string) ([]string, error)

	// HasLiveJob reports whether one specific job still has a live queue
	// presence.
	HasLiveJob(ctx context.Context, executionID, jobID string) (bool, error)

	// ReclaimStalled re-claims deliveries that were handed to a consumer
	// but not settled within minIdle, to this caller. The recovery
	// service decides whether to re-enqueue or dead-letter them.
	ReclaimStalled(ctx context.Context, category domain.Category, minIdle time.Duration) ([]*Delivery, error)

	// Depth returns the number of tasks currently queued (ready plus
	// delayed) for a category.
	Depth(ctx context.Context, category domain.Category) (int64, error)

	Close() error
}
