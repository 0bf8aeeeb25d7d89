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

// JobStore persists job records, a per-execution index, the provider
// correlation mapping and each job's append-only log.
type JobStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewJobStore creates a Redis-backed job store.
func NewJobStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *JobStore {
	return &JobStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Create persists a new job record and indexes it under its execution.
func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, executionJobsKey(job.ExecutionID), job.ID)
	pipe.Expire(ctx, executionJobsKey(job.ExecutionID), s.ttl)
	if job.CorrelationID != "" {
		pipe.Set(ctx, correlationKey(job.CorrelationID), job.ID, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}

	s.logger.Debug("job created",
		zap.String("job_id", job.ID),
		zap.String("execution_id", job.ExecutionID),
		zap.String("node_id", job.NodeID),
		zap.String("category", string(job.Category)))

	return nil
}

// Get retrieves a job record by id.
func (s *JobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// GetByCorrelation looks a job up by the provider's correlation id.
func (s *JobStore) GetByCorrelation(ctx context.Context, correlationID string) (*domain.Job, error) {
	jobID, err := s.client.Get(ctx, correlationKey(correlationID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("correlation %s: %w", correlationID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve correlation: %w", err)
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

	pipe := s.client.Pipeline()
	pipe.Set(ctx, jobKey(job.ID), data, s.ttl)
	if job.CorrelationID != "" {
		pipe.Set(ctx, correlationKey(job.CorrelationID), job.ID, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	s.logger.Debug("job updated",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("attempts", job.Attempts))

	return nil
}

// ListByExecution returns every job spawned for an execution, in creation
// order.
func (s *JobStore) ListByExecution(ctx context.Context, executionID string) ([]*domain.Job, error) {
	ids, err := s.client.LRange(ctx, executionJobsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list execution jobs: %w", err)
	}

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

// AppendLog appends one observability line to the job's log list.
func (s *JobStore) AppendLog(ctx context.Context, jobID, message string) error {
	entry := domain.JobLog{
		Timestamp: time.Now().UTC(),
		Message:   message,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, jobLogsKey(jobID), data)
	pipe.Expire(ctx, jobLogsKey(jobID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}

	return nil
}

// Logs returns the job's log lines in append order.
func (s *JobStore) Logs(ctx context.Context, jobID string) ([]domain.JobLog, error) {
	raw, err := s.client.LRange(ctx, jobLogsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job logs: %w", err)
	}

	logs := make([]domain.JobLog, 0, len(raw))
	for _, line := range raw {
		var entry domain.JobLog
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		logs = append(logs, entry)
	}

	return logs, nil
}

// jobKey returns the Redis key for a job record.
func jobKey(id string) string {
	return fmt.Sprintf("weft:job:%s", id)
}

// correlationKey maps a provider correlation id to a job id.
func correlationKey(correlationID string) string {
	return fmt.Sprintf("weft:job:corr:%s", correlationID)
}

// executionJobsKey is the list of job ids spawned for an execution, in
// creation order.
func executionJobsKey(executionID string) string {
	return fmt.Sprintf("weft:jobs:byexec:%s", executionID)
}

// jobLogsKey is the list holding a job's append-only log.
func jobLogsKey(jobID string) string {
	return fmt.Sprintf("weft:job:logs:%s", jobID)
}
