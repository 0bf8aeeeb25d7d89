package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// Config tunes the queue adapter.
type Config struct {
	// Group is the consumer group shared by all worker pools.
	Group string
	// PollInterval bounds how long a Dequeue blocks waiting for work.
	PollInterval time.Duration
	// PromoteInterval is how often the delay lane is checked for due tasks.
	PromoteInterval time.Duration
	// LiveTTL caps how long per-execution live sets are kept.
	LiveTTL time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Group == "" {
		out.Group = "weft-workers"
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.PromoteInterval <= 0 {
		out.PromoteInterval = time.Second
	}
	if out.LiveTTL <= 0 {
		out.LiveTTL = 24 * time.Hour
	}
	return out
}

// Queue is a durable task queue on Redis Streams. Each category has one
// stream consumed through a shared consumer group, one sorted set holding
// delayed tasks (score = ready time in unix ms) and one dead-letter stream.
// Per execution, a set tracks the job ids with a live queue presence.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
	cfg    Config
}

// NewQueue creates a Redis Streams task queue.
func NewQueue(client *redis.Client, cfg Config, logger *zap.Logger) *Queue {
	return &Queue{
		client: client,
		logger: logger,
		cfg:    cfg.withDefaults(),
	}
}

// Start creates the consumer groups and launches the delay-lane promoter.
// The promoter stops when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	for _, category := range domain.Categories() {
		err := q.client.XGroupCreateMkStream(ctx, streamKey(category), q.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group for %s: %w", category, err)
		}
	}

	go q.promoteLoop(ctx)

	q.logger.Info("task queue started",
		zap.String("group", q.cfg.Group),
		zap.Duration("poll_interval", q.cfg.PollInterval))

	return nil
}

// Enqueue submits a task, optionally delayed, and marks the job live for
// its execution.
func (q *Queue) Enqueue(ctx context.Context, task *domain.Task, delay time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	category := task.Category()
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, liveKey(task.ExecutionID), task.JobID)
	pipe.Expire(ctx, liveKey(task.ExecutionID), q.cfg.LiveTTL)

	if delay > 0 {
		pipe.ZAdd(ctx, delayedKey(category), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: string(data),
		})
	} else {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(category),
			Values: map[string]interface{}{"task": string(data)},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.logger.Debug("task enqueued",
		zap.String("job_id", task.JobID),
		zap.String("execution_id", task.ExecutionID),
		zap.String("category", string(category)),
		zap.Duration("delay", delay))

	return nil
}

// Dequeue claims the next task for the category, blocking up to the poll
// interval. It returns nil when nothing became ready.
func (q *Queue) Dequeue(ctx context.Context, category domain.Category, consumer string) (*ports.Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: consumer,
		Streams:  []string{streamKey(category), ">"},
		Count:    1,
		Block:    q.cfg.PollInterval,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from queue: %w", err)
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			delivery, err := parseMessage(message)
			if err != nil {
				// Poison entry: drop it so it cannot wedge the consumer.
				q.logger.Error("dropping unparseable queue entry",
					zap.String("stream", streamKey(category)),
					zap.String("message_id", message.ID),
					zap.Error(err))
				q.client.XAck(ctx, streamKey(category), q.cfg.Group, message.ID)
				continue
			}
			return delivery, nil
		}
	}

	return nil, nil
}

// Ack removes a claimed delivery from the stream. The job's live presence
// is settled separately.
func (q *Queue) Ack(ctx context.Context, d *ports.Delivery) error {
	key := streamKey(d.Task.Category())

	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, key, q.cfg.Group, d.Receipt)
	pipe.XDel(ctx, key, d.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

// Reschedule acks the delivery and places the (possibly modified) task on
// the delay lane. The job keeps its live presence throughout.
func (q *Queue) Reschedule(ctx context.Context, d *ports.Delivery, task *domain.Task, delay time.Duration) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	key := streamKey(d.Task.Category())
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, key, q.cfg.Group, d.Receipt)
	pipe.XDel(ctx, key, d.Receipt)
	pipe.ZAdd(ctx, delayedKey(task.Category()), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(data),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}

	q.logger.Debug("task rescheduled",
		zap.String("job_id", task.JobID),
		zap.Int("attempt", task.Attempt),
		zap.Duration("delay", delay))

	return nil
}

// MoveToDead appends the task to the category's dead-letter stream and
// drops the job from its execution's live set.
func (q *Queue) MoveToDead(ctx context.Context, task *domain.Task, reason string) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: deadKey(task.Category()),
		Values: map[string]interface{}{
			"task":      string(data),
			"reason":    reason,
			"failed_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	pipe.SRem(ctx, liveKey(task.ExecutionID), task.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter task: %w", err)
	}

	q.logger.Warn("task dead-lettered",
		zap.String("job_id", task.JobID),
		zap.String("execution_id", task.ExecutionID),
		zap.String("reason", reason))

	return nil
}

// Settle drops a job from its execution's live set.
func (q *Queue) Settle(ctx context.Context, executionID, jobID string) error {
	if err := q.client.SRem(ctx, liveKey(executionID), jobID).Err(); err != nil {
		return fmt.Errorf("failed to settle job: %w", err)
	}
	return nil
}

// LiveJobs returns the job ids with a live queue presence for an execution.
func (q *Queue) LiveJobs(ctx context.Context, executionID string) ([]string, error) {
	ids, err := q.client.SMembers(ctx, liveKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list live jobs: %w", err)
	}
	return ids, nil
}

// HasLiveJob reports whether one job still has a live queue presence.
func (q *Queue) HasLiveJob(ctx context.Context, executionID, jobID string) (bool, error) {
	ok, err := q.client.SIsMember(ctx, liveKey(executionID), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check live job: %w", err)
	}
	return ok, nil
}

// ReclaimStalled re-claims deliveries stuck with a dead consumer for longer
// than minIdle.
func (q *Queue) ReclaimStalled(ctx context.Context, category domain.Category, minIdle time.Duration) ([]*ports.Delivery, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey(category),
		Group:    q.cfg.Group,
		Consumer: "recovery",
		MinIdle:  minIdle,
		Start:    "0",
		Count:    50,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to reclaim stalled deliveries: %w", err)
	}

	deliveries := make([]*ports.Delivery, 0, len(messages))
	for _, message := range messages {
		delivery, err := parseMessage(message)
		if err != nil {
			q.logger.Error("dropping unparseable stalled entry",
				zap.String("stream", streamKey(category)),
				zap.String("message_id", message.ID),
				zap.Error(err))
			q.client.XAck(ctx, streamKey(category), q.cfg.Group, message.ID)
			continue
		}
		deliveries = append(deliveries, delivery)
	}

	return deliveries, nil
}

// Depth returns ready plus delayed task counts for a category.
func (q *Queue) Depth(ctx context.Context, category domain.Category) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.XLen(ctx, streamKey(category))
	delayed := pipe.ZCard(ctx, delayedKey(category))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to measure queue depth: %w", err)
	}
	return ready.Val() + delayed.Val(), nil
}

// Close releases queue resources. The Redis client is owned by the caller.
func (q *Queue) Close() error {
	return nil
}

// promoteLoop moves due tasks from the delay lanes onto their streams.
func (q *Queue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, category := range domain.Categories() {
				if err := q.promoteDue(ctx, category); err != nil && ctx.Err() == nil {
					q.logger.Error("failed to promote delayed tasks",
						zap.String("category", string(category)),
						zap.Error(err))
				}
			}
		}
	}
}

// promoteDue publishes every due member of a category's delay lane onto its
// stream, then removes it. Publishing first keeps delivery at-least-once
// across a crash between the two steps.
func (q *Queue) promoteDue(ctx context.Context, category domain.Category) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, delayedKey(category), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		pipe := q.client.TxPipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(category),
			Values: map[string]interface{}{"task": member},
		})
		pipe.ZRem(ctx, delayedKey(category), member)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}

	return nil
}

// parseMessage decodes one stream entry into a delivery.
func parseMessage(message redis.XMessage) (*ports.Delivery, error) {
	raw, ok := message.Values["task"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s has no task payload", message.ID)
	}

	var task domain.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	return &ports.Delivery{Receipt: message.ID, Task: task}, nil
}

// streamKey is the ready stream for a category.
func streamKey(category domain.Category) string {
	return fmt.Sprintf("weft:queue:%s", category)
}

// delayedKey is the delay lane for a category.
func delayedKey(category domain.Category) string {
	return fmt.Sprintf("weft:queue:%s:delayed", category)
}

// deadKey is the dead-letter stream for a category.
func deadKey(category domain.Category) string {
	return fmt.Sprintf("weft:queue:%s:dead", category)
}

// liveKey is the set of live job ids for an execution.
func liveKey(executionID string) string {
	return fmt.Sprintf("weft:live:%s", executionID)
}
