package redis

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
)

// ExecutionStore persists execution records in Redis as JSON values with a
// TTL. Records are the single source of truth for scheduling state, so
// every mutation is written back whole (last-write-wins).
type ExecutionStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewExecutionStore creates a Redis-backed execution store.
func NewExecutionStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ExecutionStore {
	return &ExecutionStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Create persists a new execution record. It fails if the id is taken.
func (s *ExecutionStore) Create(ctx context.Context, execution *domain.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	ok, err := s.client.SetNX(ctx, executionKey(execution.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	if !ok {
		return fmt.Errorf("execution %s already exists", execution.ID)
	}

	s.logger.Debug("execution created",
		zap.String("execution_id", execution.ID),
		zap.String("workflow_id", execution.WorkflowID))

	return nil
}

// Get retrieves an execution record by id.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*domain.Execution, error) {
	data, err := s.client.Get(ctx, executionKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var execution domain.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}

	return &execution, nil
}

// Update writes an execution record back whole.
func (s *ExecutionStore) Update(ctx context.Context, execution *domain.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	if err := s.client.Set(ctx, executionKey(execution.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	s.logger.Debug("execution updated",
		zap.String("execution_id", execution.ID),
		zap.String("status", string(execution.Status)))

	return nil
}

// ListByStatus scans all execution records and returns those in the given
// status.
func (s *ExecutionStore) ListByStatus(ctx context.Context, status domain.ExecutionStatus) ([]*domain.Execution, error) {
	keys, err := scanKeys(ctx, s.client, executionKey("*"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan executions: %w", err)
	}

	executions := make([]*domain.Execution, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}

		var execution domain.Execution
		if err := json.Unmarshal(data, &execution); err != nil {
			continue
		}

		if execution.Status == status {
			executions = append(executions, &execution)
		}
	}

	return executions, nil
}

// executionKey returns the Redis key for an execution record.
func executionKey(id string) string {
	return fmt.Sprintf("weft:execution:%s", id)
}

// scanKeys collects every key matching a pattern with a cursor loop.
func scanKeys(ctx context.Context, client *redis.Client, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}

		keys = append(keys, batch...)
		cursor = next

		if cursor == 0 {
			break
		}
	}

	return keys, nil
}
