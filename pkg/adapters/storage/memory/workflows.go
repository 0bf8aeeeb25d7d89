package memory

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/weftworks/weft/pkg/domain"
)

// WorkflowStore keeps workflow definitions in a map, for tests and local
// runs.
type WorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string][]byte
}

// NewWorkflowStore creates an in-memory workflow store.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{
		workflows: make(map[string][]byte),
	}
}

// Save persists a workflow definition, replacing any previous version.
func (s *WorkflowStore) Save(ctx context.Context, workflow *domain.Workflow) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[workflow.ID] = data
	return nil
}

// Get retrieves a workflow definition by id.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	s.mu.RLock()
	data, ok := s.workflows[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}

	var workflow domain.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &workflow, nil
}

// Delete removes a workflow definition.
func (s *WorkflowStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workflows, id)
	return nil
}
