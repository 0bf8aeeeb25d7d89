package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// Coordinator is the slice of the queue manager the recovery sweeps feed
// their findings into. Every repair decision stays on the manager side;
// the sweeps only detect.
type Coordinator interface {
	HandleStalledDelivery(ctx context.Context, d *ports.Delivery) error
	RequeueOrphan(ctx context.Context, executionID, jobID string) error
	ContinueExecution(ctx context.Context, executionID string) error
	DeliverChildResult(ctx context.Context, childID string) error
}

// Options tunes the sweep cadence and detection thresholds.
type Options struct {
	// Interval is how often a full sweep runs.
	Interval time.Duration

	// StalledAfter is how long a claimed delivery may sit unsettled
	// before it is reclaimed from its consumer.
	StalledAfter time.Duration

	// StaleAfter is how long a running execution may go without a state
	// write before its jobs are checked for lost queue presence.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.StalledAfter <= 0 {
		o.StalledAfter = 2 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = time.Minute
	}
	return o
}

// Service periodically repairs the gap between durable state and the
// queue: deliveries stuck on dead consumers, jobs that lost their queue
// presence entirely, and finished children whose parents were never told.
type Service struct {
	executions ports.ExecutionStore
	jobs       ports.JobStore
	queue      ports.TaskQueue
	coord      Coordinator
	logger     *zap.Logger
	opts       Options

	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewService creates the recovery service. Start must be called to begin
// sweeping.
func NewService(
	executions ports.ExecutionStore,
	jobs ports.JobStore,
	queue ports.TaskQueue,
	coord Coordinator,
	logger *zap.Logger,
	opts Options,
) *Service {
	return &Service{
		executions: executions,
		jobs:       jobs,
		queue:      queue,
		coord:      coord,
		logger:     logger,
		opts:       opts.withDefaults(),
	}
}

// Start schedules the sweep and runs one immediately, so a restarted
// process repairs crash leftovers before taking new work.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("recovery service already started")
	}

	s.cron = cron.New()
	schedule := fmt.Sprintf("@every %s", s.opts.Interval)
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule recovery sweep: %w", err)
	}

	go s.Sweep(ctx)
	s.cron.Start()
	s.running = true

	s.logger.Info("recovery service started",
		zap.Duration("interval", s.opts.Interval),
		zap.Duration("stalled_after", s.opts.StalledAfter),
		zap.Duration("stale_after", s.opts.StaleAfter))
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("recovery service stopped")
}

// Sweep runs all three passes once. It is safe to call concurrently with
// the schedule; every repair routes through the manager's locks.
func (s *Service) Sweep(ctx context.Context) {
	s.reclaimStalled(ctx)
	s.requeueOrphans(ctx)
	s.deliverPendingChildResults(ctx)
}

// reclaimStalled takes over deliveries whose consumer claimed them but
// never settled, typically because the process died mid-task.
func (s *Service) reclaimStalled(ctx context.Context) {
	for _, category := range domain.Categories() {
		deliveries, err := s.queue.ReclaimStalled(ctx, category, s.opts.StalledAfter)
		if err != nil {
			s.logger.Error("failed to reclaim stalled deliveries",
				zap.String("category", string(category)),
				zap.Error(err))
			continue
		}
		for _, d := range deliveries {
			s.logger.Warn("reclaimed stalled delivery",
				zap.String("category", string(category)),
				zap.String("job_id", d.Task.JobID),
				zap.String("execution_id", d.Task.ExecutionID))
			if err := s.coord.HandleStalledDelivery(ctx, d); err != nil {
				s.logger.Error("failed to handle stalled delivery",
					zap.String("job_id", d.Task.JobID),
					zap.Error(err))
			}
		}
	}
}

// requeueOrphans scans running executions that have gone quiet and
// restores queue presence for jobs whose stored status says they should
// still be in flight.
func (s *Service) requeueOrphans(ctx context.Context) {
	running, err := s.executions.ListByStatus(ctx, domain.ExecutionStatusRunning)
	if err != nil {
		s.logger.Error("failed to list running executions", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-s.opts.StaleAfter)
	for _, exec := range running {
		if exec.UpdatedAt.After(cutoff) {
			continue
		}
		s.repairExecution(ctx, exec)
	}
}

func (s *Service) repairExecution(ctx context.Context, exec *domain.Execution) {
	repaired := 0
	for _, jobID := range exec.QueueJobIDs {
		job, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			s.logger.Warn("failed to load job during orphan scan",
				zap.String("execution_id", exec.ID),
				zap.String("job_id", jobID),
				zap.Error(err))
			continue
		}
		if job.Status.Terminal() {
			continue
		}

		live, err := s.queue.HasLiveJob(ctx, exec.ID, jobID)
		if err != nil {
			s.logger.Warn("failed to check queue presence",
				zap.String("execution_id", exec.ID),
				zap.String("job_id", jobID),
				zap.Error(err))
			continue
		}
		if live {
			continue
		}

		s.logger.Warn("found orphaned job",
			zap.String("execution_id", exec.ID),
			zap.String("job_id", jobID),
			zap.Int("recovery_count", job.RecoveryCount))
		if err := s.coord.RequeueOrphan(ctx, exec.ID, jobID); err != nil {
			s.logger.Error("failed to requeue orphaned job",
				zap.String("execution_id", exec.ID),
				zap.String("job_id", jobID),
				zap.Error(err))
			continue
		}
		repaired++
	}

	// Kick the continuation even when no job was orphaned; a lost
	// continuation leaves ready nodes unqueued with nothing live.
	if err := s.coord.ContinueExecution(ctx, exec.ID); err != nil {
		s.logger.Error("failed to continue stale execution",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
		return
	}
	if repaired > 0 {
		s.logger.Info("repaired stale execution",
			zap.String("execution_id", exec.ID),
			zap.Int("requeued_jobs", repaired))
	}
}

// deliverPendingChildResults finds finished sub-workflow executions whose
// parents were never notified and replays the delivery.
func (s *Service) deliverPendingChildResults(ctx context.Context) {
	for _, status := range []domain.ExecutionStatus{
		domain.ExecutionStatusCompleted,
		domain.ExecutionStatusFailed,
		domain.ExecutionStatusCancelled,
	} {
		children, err := s.executions.ListByStatus(ctx, status)
		if err != nil {
			s.logger.Error("failed to list executions for child delivery",
				zap.String("status", string(status)),
				zap.Error(err))
			continue
		}
		for _, child := range children {
			if child.ParentExecutionID == "" || child.ParentNotifiedAt != nil {
				continue
			}
			s.logger.Info("replaying child result delivery",
				zap.String("child_execution_id", child.ID),
				zap.String("parent_execution_id", child.ParentExecutionID))
			if err := s.coord.DeliverChildResult(ctx, child.ID); err != nil {
				s.logger.Error("failed to deliver child result",
					zap.String("child_execution_id", child.ID),
					zap.Error(err))
			}
		}
	}
}
