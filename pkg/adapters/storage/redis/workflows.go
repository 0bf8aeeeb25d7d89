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

// WorkflowStore persists workflow graph definitions as JSON values.
type WorkflowStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewWorkflowStore creates a Redis-backed workflow store.
func NewWorkflowStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *WorkflowStore {
	return &WorkflowStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Save persists a workflow definition, replacing any previous version.
func (s *WorkflowStore) Save(ctx context.Context, workflow *domain.Workflow) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	if err := s.client.Set(ctx, workflowKey(workflow.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	s.logger.Debug("workflow saved",
		zap.String("workflow_id", workflow.ID),
		zap.Int("nodes", len(workflow.Nodes)),
		zap.Int("edges", len(workflow.Edges)))

	return nil
}

// Get retrieves a workflow definition by id.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	data, err := s.client.Get(ctx, workflowKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var workflow domain.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}

	return &workflow, nil
}

// Delete removes a workflow definition.
func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, workflowKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	s.logger.Debug("workflow deleted", zap.String("workflow_id", id))

	return nil
}

// workflowKey returns the Redis key for a workflow definition.
func workflowKey(id string) string {
	return fmt.Sprintf("weft:workflow:%s", id)
}
