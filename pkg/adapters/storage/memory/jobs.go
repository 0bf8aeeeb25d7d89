package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/weftworks/weft/pkg/domain"
)

// JobStore keeps job records, the per-execution index, the correlation
// mapping and job logs in maps, for tests and local runs.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string][]byte
	byExec map[string][]string
	byCorr map[string]string
	logs   map[string][]domain.JobLog
}

// NewJobStore creates an in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:   make(map[string][]byte),
		byExec: make(map[string][]string),
		byCorr: make(map[string]string),
		logs:   make(map[string][]domain.JobLog),
	}
}

// Create persists a new job record and indexes it under its execution.
func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	s.jobs[job.ID] = data
	s.byExec[job.ExecutionID] = append(s.byExec[job.ExecutionID], job.ID)
	if job.CorrelationID != "" {
		s.byCorr[job.CorrelationID] = job.ID
	}
	return nil
}

// Get retrieves a job record by id.
func (s *JobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.RLock()
	data, ok := s.jobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetByCorrelation looks a job up by the provider's correlation id.
func (s *JobStore) GetByCorrelation(ctx context.Context, correlationID string) (*domain.Job, error) {
	s.mu.RLock()
	jobID, ok := s.byCorr[correlationID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("correlation %s: %w", correlationID, domain.ErrNotFound)
	}
	return s.Get(ctx, jobID)
}

// Update writes a job record back whole and refreshes the correlation
// mapping when one is set.
func (s *JobStore) Update(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = data
	if job.CorrelationID != "" {
		s.byCorr[job.CorrelationID] = job.ID
	}
	return nil
}

// ListByExecution returns every job spawned for an execution.
func (s *JobStore) ListByExecution(ctx context.Context, executionID string) ([]*domain.Job, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.byExec[executionID]...)
	s.mu.RUnlock()

	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// AppendLog appends one observability line to the job's log.
func (s *JobStore) AppendLog(ctx context.Context, jobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[jobID] = append(s.logs[jobID], domain.JobLog{
		Timestamp: time.Now().UTC(),
		Message:   message,
	})
	return nil
}

// Logs returns the job's log lines in append order.
func (s *JobStore) Logs(ctx context.Context, jobID string) ([]domain.JobLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.JobLog(nil), s.logs[jobID]...), nil
}
