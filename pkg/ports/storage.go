package ports

import (
	"context"

	"github.com/weftworks/weft/pkg/domain"
)

// ExecutionStore persists execution records. It is the single source of
// truth for scheduling state; updates are last-write-wins per record.
type ExecutionStore interface {
	Create(ctx context.Context, execution *domain.Execution) error
	Get(ctx context.Context, id string) (*domain.Execution, error)
	Update(ctx context.Context, execution *domain.Execution) error
	// ListByStatus returns every execution currently in the given status.
	// The recovery service uses it to find stale running executions.
	ListByStatus(ctx context.Context, status domain.ExecutionStatus) ([]*domain.Execution, error)
}

// JobStore persists job records and their append-only logs. Jobs are never
// deleted, only marked terminal.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	// GetByCorrelation looks a job up by the provider's correlation id;
	// webhook updates arrive keyed this way.
	GetByCorrelation(ctx context.Context, correlationID string) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	ListByExecution(ctx context.Context, executionID string) ([]*domain.Job, error)
	AppendLog(ctx context.Context, jobID, message string) error
	Logs(ctx context.Context, jobID string) ([]domain.JobLog, error)
}

// WorkflowStore persists workflow graph definitions.
type WorkflowStore interface {
	Save(ctx context.Context, workflow *domain.Workflow) error
	Get(ctx context.Context, id string) (*domain.Workflow, error)
	Delete(ctx context.Context, id string) error
}
