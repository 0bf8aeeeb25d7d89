package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// DeadEntry is one dead-lettered task kept for inspection.
type DeadEntry struct {
	Task   domain.Task
	Reason string
}

type delayedEntry struct {
	task    domain.Task
	readyAt time.Time
}

type claimedEntry struct {
	task      domain.Task
	consumer  string
	claimedAt time.Time
}

// Queue is an in-memory task queue for tests and local single-process
// runs. It mirrors the Redis adapter's semantics: per-category ready and
// delay lanes, claimed entries that must be settled, dead-letter capture
// and per-execution live sets.
type Queue struct {
	mu      sync.Mutex
	ready   map[domain.Category][]domain.Task
	delayed map[domain.Category][]delayedEntry
	claimed map[string]claimedEntry
	dead    map[domain.Category][]DeadEntry
	live    map[string]map[string]bool

	pollInterval time.Duration
}

// NewQueue creates an in-memory task queue. The short poll interval keeps
// test worker loops responsive.
func NewQueue() *Queue {
	return &Queue{
		ready:        make(map[domain.Category][]domain.Task),
		delayed:      make(map[domain.Category][]delayedEntry),
		claimed:      make(map[string]claimedEntry),
		dead:         make(map[domain.Category][]DeadEntry),
		live:         make(map[string]map[string]bool),
		pollInterval: 50 * time.Millisecond,
	}
}

// Enqueue submits a task, optionally delayed, and marks the job live.
func (q *Queue) Enqueue(ctx context.Context, task *domain.Task, delay time.Duration) error {
	copied, err := copyTask(task)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.markLive(copied.ExecutionID, copied.JobID)

	category := copied.Category()
	if delay > 0 {
		q.delayed[category] = append(q.delayed[category], delayedEntry{
			task:    copied,
			readyAt: time.Now().Add(delay),
		})
	} else {
		q.ready[category] = append(q.ready[category], copied)
	}
	return nil
}

// Dequeue claims the next ready task for the category, polling up to the
// queue's poll interval. It returns nil when nothing became ready.
func (q *Queue) Dequeue(ctx context.Context, category domain.Category, consumer string) (*ports.Delivery, error) {
	deadline := time.Now().Add(q.pollInterval)
	for {
		if d := q.tryClaim(category, consumer); d != nil {
			return d, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *Queue) tryClaim(category domain.Category, consumer string) *ports.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked(category)

	lane := q.ready[category]
	if len(lane) == 0 {
		return nil
	}

	task := lane[0]
	q.ready[category] = lane[1:]

	receipt := uuid.NewString()
	q.claimed[receipt] = claimedEntry{
		task:      task,
		consumer:  consumer,
		claimedAt: time.Now(),
	}
	return &ports.Delivery{Receipt: receipt, Task: task}
}

// Ack removes a claimed delivery.
func (q *Queue) Ack(ctx context.Context, d *ports.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.claimed, d.Receipt)
	return nil
}

// Reschedule acks the delivery and places the task on the delay lane. The
// job keeps its live presence.
func (q *Queue) Reschedule(ctx context.Context, d *ports.Delivery, task *domain.Task, delay time.Duration) error {
	copied, err := copyTask(task)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.claimed, d.Receipt)
	q.delayed[copied.Category()] = append(q.delayed[copied.Category()], delayedEntry{
		task:    copied,
		readyAt: time.Now().Add(delay),
	})
	return nil
}

// MoveToDead captures the task for inspection and drops the job from its
// execution's live set.
func (q *Queue) MoveToDead(ctx context.Context, task *domain.Task, reason string) error {
	copied, err := copyTask(task)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.dead[copied.Category()] = append(q.dead[copied.Category()], DeadEntry{Task: copied, Reason: reason})
	q.unmarkLive(copied.ExecutionID, copied.JobID)
	return nil
}

// Settle drops a job from its execution's live set.
func (q *Queue) Settle(ctx context.Context, executionID, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.unmarkLive(executionID, jobID)
	return nil
}

// LiveJobs returns the job ids with a live queue presence for an execution.
func (q *Queue) LiveJobs(ctx context.Context, executionID string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.live[executionID]))
	for id := range q.live[executionID] {
		ids = append(ids, id)
	}
	return ids, nil
}

// HasLiveJob reports whether one job still has a live queue presence.
func (q *Queue) HasLiveJob(ctx context.Context, executionID, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.live[executionID][jobID], nil
}

// ReclaimStalled hands claimed-but-unsettled deliveries older than minIdle
// to the caller, re-stamping them so they are not reclaimed twice.
func (q *Queue) ReclaimStalled(ctx context.Context, category domain.Category, minIdle time.Duration) ([]*ports.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-minIdle)
	var deliveries []*ports.Delivery
	for receipt, entry := range q.claimed {
		if entry.task.Category() != category || entry.claimedAt.After(cutoff) {
			continue
		}
		entry.consumer = "recovery"
		entry.claimedAt = time.Now()
		q.claimed[receipt] = entry
		deliveries = append(deliveries, &ports.Delivery{Receipt: receipt, Task: entry.task})
	}
	return deliveries, nil
}

// Depth returns ready plus delayed task counts for a category.
func (q *Queue) Depth(ctx context.Context, category domain.Category) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return int64(len(q.ready[category]) + len(q.delayed[category])), nil
}

// Close releases queue resources.
func (q *Queue) Close() error {
	return nil
}

// SetPollInterval adjusts how long Dequeue waits on an empty lane. Set it
// before any worker dequeues; tests that drain the queue in a tight loop
// use a very short interval.
func (q *Queue) SetPollInterval(d time.Duration) {
	q.pollInterval = d
}

// Dead returns the dead-lettered entries for a category, for tests.
func (q *Queue) Dead(category domain.Category) []DeadEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]DeadEntry(nil), q.dead[category]...)
}

// DelayedCount returns how many tasks sit on a category's delay lane, for
// tests.
func (q *Queue) DelayedCount(category domain.Category) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.delayed[category])
}

// NextDelay reports the remaining wait of the soonest delayed task, for
// tests.
func (q *Queue) NextDelay(category domain.Category) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.delayed[category]
	if len(entries) == 0 {
		return 0, false
	}
	soonest := entries[0].readyAt
	for _, e := range entries[1:] {
		if e.readyAt.Before(soonest) {
			soonest = e.readyAt
		}
	}
	return time.Until(soonest), true
}

func (q *Queue) promoteDueLocked(category domain.Category) {
	entries := q.delayed[category]
	if len(entries) == 0 {
		return
	}

	now := time.Now()
	remaining := entries[:0]
	for _, e := range entries {
		if e.readyAt.After(now) {
			remaining = append(remaining, e)
			continue
		}
		q.ready[category] = append(q.ready[category], e.task)
	}
	q.delayed[category] = remaining
}

func (q *Queue) markLive(executionID, jobID string) {
	if q.live[executionID] == nil {
		q.live[executionID] = make(map[string]bool)
	}
	q.live[executionID][jobID] = true
}

func (q *Queue) unmarkLive(executionID, jobID string) {
	if jobs, ok := q.live[executionID]; ok {
		delete(jobs, jobID)
		if len(jobs) == 0 {
			delete(q.live, executionID)
		}
	}
}

// copyTask snapshots a task so queue internals never share mutable state
// with callers.
func copyTask(task *domain.Task) (domain.Task, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return domain.Task{}, fmt.Errorf("failed to marshal task: %w", err)
	}
	var copied domain.Task
	if err := json.Unmarshal(data, &copied); err != nil {
		return domain.Task{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return copied, nil
}
