package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// Lifecycle events are observability-only: streaming consumers render
// them, nothing replays them. Streams are therefore capped and delivery
// is at-most-once per consumer group.
const streamMaxLen = 10000

// StreamsEventBus implements EventBus on Redis Streams, one stream per
// topic under weft:events:*.
type StreamsEventBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
}

// NewStreamsEventBus creates an event bus backed by the given client. The
// consumer name should be unique per process so replicas share topic load
// within the group.
func NewStreamsEventBus(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger) (*StreamsEventBus, error) {
	return &StreamsEventBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
	}, nil
}

// Publish appends the event to its topic stream, trimming the stream to
// the cap as it goes.
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := streamKey(topic)
	err = e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add to stream %s: %w", key, err)
	}

	e.logger.Debug("event published",
		zap.String("type", string(event.Type)),
		zap.String("execution_id", event.ExecutionID),
		zap.String("topic", topic))
	return nil
}

// Subscribe attaches the handler to a topic and starts a read loop that
// runs until ctx is cancelled.
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	key := streamKey(topic)
	if err := e.ensureGroup(ctx, key); err != nil {
		return err
	}

	e.logger.Info("subscribed to event stream",
		zap.String("topic", topic),
		zap.String("consumer_group", e.consumerGroup),
		zap.String("consumer", e.consumerName))

	go e.readLoop(ctx, key, handler)
	return nil
}

// ensureGroup creates the consumer group, tolerating a concurrent create.
func (e *StreamsEventBus) ensureGroup(ctx context.Context, key string) error {
	err := e.client.XGroupCreateMkStream(ctx, key, e.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", key, err)
	}
	return nil
}

func (e *StreamsEventBus) readLoop(ctx context.Context, key string, handler ports.EventHandler) {
	for ctx.Err() == nil {
		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    e.consumerGroup,
			Consumer: e.consumerName,
			Streams:  []string{key, ">"},
			Count:    16,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			e.logger.Error("failed to read event stream",
				zap.String("stream", key),
				zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				e.deliver(ctx, key, msg, handler)
			}
		}
	}
}

// deliver decodes one entry and hands it to the handler. The entry is
// acked no matter what: a handler failure on an observability event is
// logged, never redelivered.
func (e *StreamsEventBus) deliver(ctx context.Context, key string, msg redis.XMessage, handler ports.EventHandler) {
	defer func() {
		if err := e.client.XAck(ctx, key, e.consumerGroup, msg.ID).Err(); err != nil && ctx.Err() == nil {
			e.logger.Error("failed to ack event",
				zap.String("stream", key),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}()

	raw, ok := msg.Values["data"].(string)
	if !ok {
		e.logger.Error("malformed stream entry",
			zap.String("stream", key),
			zap.String("message_id", msg.ID))
		return
	}

	var event domain.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("stream", key),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}

	if err := handler(ctx, event); err != nil {
		e.logger.Error("event handler error",
			zap.String("stream", key),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

// Unsubscribe is a no-op: read loops stop with their subscription context,
// and the group is shared with other replicas so it is never destroyed.
func (e *StreamsEventBus) Unsubscribe(ctx context.Context, topic string) error {
	return nil
}

// Close releases nothing; the Redis client is owned by the caller.
func (e *StreamsEventBus) Close() error {
	return nil
}

func streamKey(topic string) string {
	return "weft:events:" + topic
}
