package memory

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/weftworks/weft/pkg/domain"
)

// ExecutionStore keeps execution records in a map, for tests and local
// single-process runs. Records are stored as marshaled snapshots so callers
// never share mutable state with the store, mirroring the Redis adapter's
// round-trip semantics.
type ExecutionStore struct {
	mu         sync.RWMutex
	executions map[string][]byte
}

// NewExecutionStore creates an in-memory execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		executions: make(map[string][]byte),
	}
}

// Create persists a new execution record. It fails if the id is taken.
func (s *ExecutionStore) Create(ctx context.Context, execution *domain.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[execution.ID]; ok {
		return fmt.Errorf("execution %s already exists", execution.ID)
	}
	s.executions[execution.ID] = data
	return nil
}

// Get retrieves an execution record by id.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*domain.Execution, error) {
	s.mu.RLock()
	data, ok := s.executions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
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

	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[execution.ID] = data
	return nil
}

// ListByStatus returns every execution currently in the given status.
func (s *ExecutionStore) ListByStatus(ctx context.Context, status domain.ExecutionStatus) ([]*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	executions := make([]*domain.Execution, 0)
	for _, data := range s.executions {
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
