package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// Options tune the manager's scheduling policies.
type Options struct {
	// MaxAttempts is how many times a job may run before dead-lettering.
	MaxAttempts int
	// BackoffBase and BackoffCap bound the exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxDepth caps sub-workflow nesting.
	MaxDepth int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 3 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 2 * time.Minute
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 3
	}
	return o
}

// StartOptions control one top-level run.
type StartOptions struct {
	Mode          domain.ExecutionMode
	DebugMode     bool
	EstimatedCost float64
}

// parentLink carries the nesting fields for a child run.
type parentLink struct {
	executionID string
	nodeID      string
	depth       int
}

// Manager is the queue manager: the single writer for execution and job
// state. It creates executions, places node work on the queue behind the
// dependency gate, and advances runs through pull-driven continuation.
// After every settled job it re-derives what can run next from the durable
// record rather than keeping schedule state in memory.
//
// A per-execution mutex makes each "record outcome + continue" sequence one
// critical section; no two transitions for the same execution interleave.
type Manager struct {
	executions ports.ExecutionStore
	jobs       ports.JobStore
	workflows  ports.WorkflowStore
	queue      ports.TaskQueue
	events     ports.EventBus
	metrics    ports.MetricsCollector
	validator  *Validator
	binder     *InputBinder
	logger     *zap.Logger
	opts       Options

	locks keyedMutex
}

// NewManager wires the queue manager.
func NewManager(
	executions ports.ExecutionStore,
	jobs ports.JobStore,
	workflows ports.WorkflowStore,
	queue ports.TaskQueue,
	events ports.EventBus,
	metrics ports.MetricsCollector,
	validator *Validator,
	binder *InputBinder,
	logger *zap.Logger,
	opts Options,
) *Manager {
	return &Manager{
		executions: executions,
		jobs:       jobs,
		workflows:  workflows,
		queue:      queue,
		events:     events,
		metrics:    metrics,
		validator:  validator,
		binder:     binder,
		logger:     logger,
		opts:       opts.withDefaults(),
	}
}

// SaveWorkflow validates and persists a workflow definition. Invalid graphs
// never reach the store.
func (m *Manager) SaveWorkflow(ctx context.Context, wf *domain.Workflow) error {
	if wf == nil {
		return domain.NewGraphError("workflow is nil")
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	if err := m.validator.ValidateWorkflow(wf); err != nil {
		return err
	}
	return m.workflows.Save(ctx, wf)
}

// Workflow returns a stored workflow definition.
func (m *Manager) Workflow(ctx context.Context, id string) (*domain.Workflow, error) {
	return m.workflows.Get(ctx, id)
}

// Execution returns one execution record.
func (m *Manager) Execution(ctx context.Context, id string) (*domain.Execution, error) {
	return m.executions.Get(ctx, id)
}

// Job returns one job record.
func (m *Manager) Job(ctx context.Context, id string) (*domain.Job, error) {
	return m.jobs.Get(ctx, id)
}

// JobByRef resolves a job by provider correlation id first, then by job id.
// Webhook callers know only the correlation id; API callers know either.
func (m *Manager) JobByRef(ctx context.Context, ref string) (*domain.Job, error) {
	job, err := m.jobs.GetByCorrelation(ctx, ref)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return m.jobs.Get(ctx, ref)
}

// JobsForExecution lists the jobs spawned by one execution.
func (m *Manager) JobsForExecution(ctx context.Context, executionID string) ([]*domain.Job, error) {
	return m.jobs.ListByExecution(ctx, executionID)
}

// JobLogs returns a job's append-only log lines.
func (m *Manager) JobLogs(ctx context.Context, jobID string) ([]domain.JobLog, error) {
	return m.jobs.Logs(ctx, jobID)
}

// AddJobLog appends one observability line to a job. Never affects control
// flow.
func (m *Manager) AddJobLog(ctx context.Context, jobID, message string) error {
	return m.jobs.AppendLog(ctx, jobID, message)
}

// StartExecution creates an execution for a workflow and enqueues its
// top-level orchestration job.
func (m *Manager) StartExecution(ctx context.Context, workflowID string, opts StartOptions) (*domain.Execution, error) {
	return m.startExecution(ctx, workflowID, opts, parentLink{})
}

func (m *Manager) startExecution(ctx context.Context, workflowID string, opts StartOptions, parent parentLink) (*domain.Execution, error) {
	wf, err := m.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := m.validator.ValidateWorkflow(wf); err != nil {
		return nil, err
	}

	if opts.Mode == "" {
		opts.Mode = domain.ExecutionModeAsync
	}

	exec := domain.NewExecution(uuid.NewString(), workflowID, opts.Mode, opts.DebugMode)
	exec.CostSummary.Estimated = opts.EstimatedCost
	exec.CostSummary.Variance = -opts.EstimatedCost
	if parent.executionID != "" {
		exec.ParentExecutionID = parent.executionID
		exec.ParentNodeID = parent.nodeID
		exec.Depth = parent.depth
	}

	if err := m.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	if _, err := m.EnqueueWorkflow(ctx, exec.ID); err != nil {
		now := time.Now().UTC()
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = "failed to enqueue orchestration job: " + err.Error()
		exec.CompletedAt = &now
		exec.Touch()
		if uerr := m.executions.Update(ctx, exec); uerr != nil {
			m.logger.Error("failed to mark unenqueued execution failed",
				zap.String("execution_id", exec.ID),
				zap.Error(uerr))
		}
		return nil, err
	}

	m.metrics.RecordExecutionSubmitted(string(opts.Mode))
	m.logger.Info("execution submitted",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", workflowID),
		zap.String("mode", string(opts.Mode)),
		zap.Bool("debug", opts.DebugMode),
		zap.Int("depth", exec.Depth))

	return m.executions.Get(ctx, exec.ID)
}

// EnqueueWorkflow creates the top-level orchestration job for an existing
// execution record and submits it to the orchestration queue. It fails
// with ErrNotFound when no such execution exists.
func (m *Manager) EnqueueWorkflow(ctx context.Context, executionID string) (string, error) {
	unlock := m.lockExecution(executionID)
	defer unlock()

	exec, err := m.executions.Get(ctx, executionID)
	if err != nil {
		return "", err
	}
	if exec.Status.Terminal() {
		return "", domain.ErrTerminalState
	}

	jobID := uuid.NewString()
	job := m.newJob(jobID, exec, "", domain.CategoryOrchestration)
	if err := m.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create orchestration job: %w", err)
	}

	task := &domain.Task{
		JobID:       jobID,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		DebugMode:   exec.DebugMode,
		MaxAttempts: m.opts.MaxAttempts,
	}
	if err := m.queue.Enqueue(ctx, task, 0); err != nil {
		return "", fmt.Errorf("enqueue orchestration task: %w", err)
	}

	exec.AddQueueJob(jobID)
	exec.Touch()
	if err := m.executions.Update(ctx, exec); err != nil {
		return "", fmt.Errorf("update execution: %w", err)
	}

	m.logger.Info("workflow enqueued",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", exec.WorkflowID),
		zap.String("job_id", jobID))
	return jobID, nil
}

// EnqueueNode places one node either on the live queue (all dependencies
// complete) or on the execution's pending backlog. Only nodes whose
// dependencies are fully resolved ever reach a live queue.
func (m *Manager) EnqueueNode(ctx context.Context, executionID string, node domain.PendingNode) (string, bool, error) {
	unlock := m.lockExecution(executionID)
	defer unlock()

	exec, err := m.executions.Get(ctx, executionID)
	if err != nil {
		return "", false, err
	}
	if exec.Status.Terminal() {
		return "", false, domain.ErrTerminalState
	}

	jobID, deferred, err := m.enqueueNodeLocked(ctx, exec, node)
	if err != nil && !domain.IsValidationError(err) {
		return "", false, err
	}

	exec.Touch()
	if uerr := m.executions.Update(ctx, exec); uerr != nil {
		return "", false, fmt.Errorf("update execution: %w", uerr)
	}
	return jobID, deferred, err
}

// enqueueNodeLocked is the dependency gate. With the execution lock held it
// either submits the node as a live job, defers it to pendingNodes, or (on
// an input binding failure) error-marks the node so continuation can prune
// its dependents.
func (m *Manager) enqueueNodeLocked(ctx context.Context, exec *domain.Execution, node domain.PendingNode) (string, bool, error) {
	if r, ok := exec.NodeResults[node.NodeID]; ok && (r.JobID != "" || r.Status != domain.NodeStatusPending) {
		// Already scheduled or resolved; never double-submit.
		exec.RemovePending(node.NodeID)
		return r.JobID, false, nil
	}

	if !exec.DependenciesMet(node.DependsOn) {
		exec.RemovePending(node.NodeID)
		exec.PendingNodes = append(exec.PendingNodes, node)
		return "", true, nil
	}

	data, err := m.binder.Resolve(node.NodeID, node.NodeData, exec, node.DependsOn)
	if err != nil {
		m.markNodeErrorLocked(ctx, exec, node.NodeID, err.Error())
		exec.RemovePending(node.NodeID)
		return "", false, err
	}

	jobID := uuid.NewString()
	job := m.newJob(jobID, exec, node.NodeID, domain.CategoryFor(node.NodeType))
	if err := m.jobs.Create(ctx, job); err != nil {
		return "", false, fmt.Errorf("create job for node %s: %w", node.NodeID, err)
	}

	task := &domain.Task{
		JobID:       jobID,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		NodeID:      node.NodeID,
		NodeType:    node.NodeType,
		NodeData:    data,
		DependsOn:   node.DependsOn,
		DebugMode:   exec.DebugMode,
		MaxAttempts: m.opts.MaxAttempts,
	}
	if err := m.queue.Enqueue(ctx, task, 0); err != nil {
		return "", false, fmt.Errorf("enqueue node %s: %w", node.NodeID, err)
	}

	r := exec.Result(node.NodeID)
	r.JobID = jobID
	exec.AddQueueJob(jobID)
	exec.RemovePending(node.NodeID)

	m.logger.Debug("node queued",
		zap.String("execution_id", exec.ID),
		zap.String("node_id", node.NodeID),
		zap.String("category", string(task.Category())),
		zap.String("job_id", jobID))
	return jobID, false, nil
}

// ContinueExecution re-evaluates the pending backlog against the current
// node results: newly unblocked nodes are promoted to live jobs, nodes
// whose dependencies failed for good are error-marked, and the run is
// closed once no work remains. Idempotent; a call with no state change
// enqueues nothing.
func (m *Manager) ContinueExecution(ctx context.Context, executionID string) error {
	var notify string
	err := func() error {
		unlock := m.lockExecution(executionID)
		defer unlock()

		exec, err := m.executions.Get(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return nil
		}

		if err := m.continueLocked(ctx, exec); err != nil {
			return err
		}
		exec.Touch()
		if err := m.executions.Update(ctx, exec); err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		notify = m.parentDeliveryDue(exec)
		return nil
	}()
	if err != nil {
		return err
	}
	if notify != "" {
		return m.DeliverChildResult(ctx, notify)
	}
	return nil
}

// continueLocked is the continuation pass run after every settled job. It
// loops to a fixpoint because promoting or pruning one node can unblock the
// decision for another.
func (m *Manager) continueLocked(ctx context.Context, exec *domain.Execution) error {
	if exec.Status.Terminal() {
		return nil
	}

	for changed := true; changed; {
		changed = false
		pending := append([]domain.PendingNode(nil), exec.PendingNodes...)
		for _, node := range pending {
			if exec.DependenciesMet(node.DependsOn) {
				if _, _, err := m.enqueueNodeLocked(ctx, exec, node); err != nil {
					if domain.IsValidationError(err) {
						changed = true
						continue
					}
					return err
				}
				changed = true
				continue
			}

			dep, failed := exec.FailedDependency(node.DependsOn)
			if !failed {
				continue
			}
			stuck, err := m.dependencyStuck(ctx, exec, dep)
			if err != nil {
				return err
			}
			if !stuck {
				continue
			}

			// The dependency can never complete; the node is unreachable.
			m.markNodeErrorLocked(ctx, exec, node.NodeID, fmt.Sprintf("skipped: dependency %s failed", dep))
			exec.RemovePending(node.NodeID)
			changed = true
		}
	}

	return m.closeIfDoneLocked(ctx, exec)
}

// dependencyStuck reports whether an errored dependency is truly done: an
// error result whose job still has a live queue presence is a retry in
// flight and may yet complete.
func (m *Manager) dependencyStuck(ctx context.Context, exec *domain.Execution, dep string) (bool, error) {
	r, ok := exec.NodeResults[dep]
	if !ok || r.Status != domain.NodeStatusError {
		return false, nil
	}
	if r.JobID == "" {
		return true, nil
	}
	live, err := m.queue.HasLiveJob(ctx, exec.ID, r.JobID)
	if err != nil {
		return false, fmt.Errorf("check live job: %w", err)
	}
	return !live, nil
}

// closeIfDoneLocked declares the run terminal once nothing is pending, no
// job has a live queue presence and every touched node is resolved. The run
// fails when any node errored, completes otherwise.
func (m *Manager) closeIfDoneLocked(ctx context.Context, exec *domain.Execution) error {
	if exec.Status != domain.ExecutionStatusRunning || len(exec.PendingNodes) > 0 {
		return nil
	}
	// An execution with no results yet has not been seeded.
	if len(exec.NodeResults) == 0 {
		return nil
	}

	live, err := m.queue.LiveJobs(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("list live jobs: %w", err)
	}
	if len(live) > 0 {
		return nil
	}

	var failures []string
	for _, r := range exec.NodeResults {
		if !r.Status.Terminal() {
			// A deferred node (sub-workflow in flight) is still owed a
			// result delivery.
			return nil
		}
		if r.Status == domain.NodeStatusError {
			failures = append(failures, r.NodeID)
		}
	}

	now := time.Now().UTC()
	exec.CompletedAt = &now
	exec.CostSummary.Actual = exec.TotalCost
	exec.CostSummary.Variance = exec.TotalCost - exec.CostSummary.Estimated

	if len(failures) > 0 {
		sort.Strings(failures)
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = "nodes failed: " + strings.Join(failures, ", ")
		m.publish(ctx, domain.TopicExecutionEvents, domain.Event{
			Type:        domain.EventExecutionFailed,
			ExecutionID: exec.ID,
			Payload:     map[string]interface{}{"error": exec.Error},
		})
	} else {
		exec.Status = domain.ExecutionStatusCompleted
		exec.Output = m.assembleOutputLocked(exec)
		m.publish(ctx, domain.TopicExecutionEvents, domain.Event{
			Type:        domain.EventExecutionCompleted,
			ExecutionID: exec.ID,
			Payload: map[string]interface{}{
				"total_cost": exec.TotalCost,
			},
		})
	}

	m.metrics.RecordExecutionCompleted(string(exec.Status), m.runDuration(exec, now))
	m.logger.Info("execution finished",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(exec.Status)),
		zap.Float64("total_cost", exec.TotalCost),
		zap.Duration("duration", m.runDuration(exec, now)))
	return nil
}

// assembleOutputLocked projects the run's output from its sink nodes: one
// sink yields its output directly, several yield a map keyed by node id.
func (m *Manager) assembleOutputLocked(exec *domain.Execution) map[string]interface{} {
	sinks := exec.SinkNodes
	if len(sinks) == 0 {
		return nil
	}
	if len(sinks) == 1 {
		if r, ok := exec.NodeResults[sinks[0]]; ok {
			return r.Output
		}
		return nil
	}
	out := make(map[string]interface{}, len(sinks))
	for _, id := range sinks {
		if r, ok := exec.NodeResults[id]; ok && r.Output != nil {
			out[id] = r.Output
		}
	}
	return out
}

// markNodeErrorLocked resolves a node as failed without a job transition
// (binding failures, pruned dependents, abandoned orphans).
func (m *Manager) markNodeErrorLocked(ctx context.Context, exec *domain.Execution, nodeID, message string) {
	now := time.Now().UTC()
	r := exec.Result(nodeID)
	r.Status = domain.NodeStatusError
	r.Error = message
	r.CompletedAt = &now

	m.publish(ctx, domain.TopicExecutionEvents, domain.Event{
		Type:        domain.EventNodeFailed,
		ExecutionID: exec.ID,
		NodeID:      nodeID,
		JobID:       r.JobID,
		Payload:     map[string]interface{}{"error": message},
	})
	m.logger.Info("node failed",
		zap.String("execution_id", exec.ID),
		zap.String("node_id", nodeID),
		zap.String("error", message))
}

// failExecutionLocked force-fails a run (orchestration pass failure,
// abandoned orchestration orphan) regardless of outstanding work.
func (m *Manager) failExecutionLocked(ctx context.Context, exec *domain.Execution, message string) {
	if exec.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	exec.Status = domain.ExecutionStatusFailed
	exec.Error = message
	exec.CompletedAt = &now
	exec.CostSummary.Actual = exec.TotalCost
	exec.CostSummary.Variance = exec.TotalCost - exec.CostSummary.Estimated

	m.publish(ctx, domain.TopicExecutionEvents, domain.Event{
		Type:        domain.EventExecutionFailed,
		ExecutionID: exec.ID,
		Payload:     map[string]interface{}{"error": message},
	})
	m.metrics.RecordExecutionCompleted(string(exec.Status), m.runDuration(exec, now))
	m.logger.Warn("execution failed",
		zap.String("execution_id", exec.ID),
		zap.String("error", message))
}

func (m *Manager) addCostLocked(exec *domain.Execution, cost float64) {
	if cost == 0 {
		return
	}
	exec.TotalCost += cost
	exec.CostSummary.Actual = exec.TotalCost
	exec.CostSummary.Variance = exec.TotalCost - exec.CostSummary.Estimated
}

func (m *Manager) runDuration(exec *domain.Execution, now time.Time) time.Duration {
	start := exec.CreatedAt
	if exec.StartedAt != nil {
		start = *exec.StartedAt
	}
	return now.Sub(start)
}

// parentDeliveryDue returns the execution's id when its terminal outcome
// still has to be delivered to a parent.
func (m *Manager) parentDeliveryDue(exec *domain.Execution) string {
	if exec.Status.Terminal() && exec.ParentExecutionID != "" && exec.ParentNotifiedAt == nil {
		return exec.ID
	}
	return ""
}

// StopExecution cancels a run. In-flight jobs are not aborted; their late
// results are discarded when they report back. Children are stopped too.
func (m *Manager) StopExecution(ctx context.Context, executionID string) error {
	var children []string
	var notify string
	err := func() error {
		unlock := m.lockExecution(executionID)
		defer unlock()

		exec, err := m.executions.Get(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return domain.ErrTerminalState
		}

		now := time.Now().UTC()
		exec.Status = domain.ExecutionStatusCancelled
		exec.CompletedAt = &now
		exec.Touch()
		if err := m.executions.Update(ctx, exec); err != nil {
			return fmt.Errorf("update execution: %w", err)
		}

		// Cancel the job records that have not finished; their queue
		// entries are discarded at delivery time.
		jobs, jerr := m.jobs.ListByExecution(ctx, executionID)
		if jerr != nil {
			m.logger.Warn("failed to list jobs for cancellation",
				zap.String("execution_id", executionID),
				zap.Error(jerr))
		}
		for _, job := range jobs {
			if job.Status.Terminal() {
				continue
			}
			reason := "execution cancelled"
			if _, uerr := m.updateJobLocked(ctx, job.ID, domain.JobStatusCanceled, &domain.JobPatch{Error: &reason}); uerr != nil {
				m.logger.Warn("failed to cancel job",
					zap.String("job_id", job.ID),
					zap.Error(uerr))
			}
		}

		children = append([]string(nil), exec.ChildExecutionIDs...)
		m.publish(ctx, domain.TopicExecutionEvents, domain.Event{
			Type:        domain.EventExecutionCancelled,
			ExecutionID: exec.ID,
		})
		m.metrics.RecordExecutionCompleted(string(exec.Status), m.runDuration(exec, now))
		m.logger.Info("execution cancelled", zap.String("execution_id", exec.ID))

		notify = m.parentDeliveryDue(exec)
		return nil
	}()
	if err != nil {
		return err
	}

	for _, child := range children {
		if cerr := m.StopExecution(ctx, child); cerr != nil &&
			!errors.Is(cerr, domain.ErrTerminalState) && !errors.Is(cerr, domain.ErrNotFound) {
			m.logger.Warn("failed to stop child execution",
				zap.String("execution_id", executionID),
				zap.String("child_execution_id", child),
				zap.Error(cerr))
		}
	}

	if notify != "" {
		return m.DeliverChildResult(ctx, notify)
	}
	return nil
}

// WaitForTerminal polls an execution until it reaches a terminal status or
// the context ends. Sync-mode API calls block on this.
func (m *Manager) WaitForTerminal(ctx context.Context, executionID string, poll time.Duration) (*domain.Execution, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		exec, err := m.executions.Get(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// UpdateJobStatus is the single mutation point for job records. Succeeded
// and canceled are hard-terminal; a failed job may be reopened by a retry.
func (m *Manager) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, patch *domain.JobPatch) (*domain.Job, error) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	unlock := m.lockExecution(job.ExecutionID)
	defer unlock()
	return m.updateJobLocked(ctx, jobID, status, patch)
}

func (m *Manager) updateJobLocked(ctx context.Context, jobID string, status domain.JobStatus, patch *domain.JobPatch) (*domain.Job, error) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if (job.Status == domain.JobStatusSucceeded || job.Status == domain.JobStatusCanceled) && status != job.Status {
		return nil, domain.ErrTerminalState
	}

	now := time.Now().UTC()
	job.Status = status
	applyJobPatch(job, patch)

	switch status {
	case domain.JobStatusProcessing:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		// A retry reopens the job.
		job.CompletedAt = nil
	case domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCanceled:
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
	}
	job.UpdatedAt = now

	if err := m.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

func applyJobPatch(job *domain.Job, patch *domain.JobPatch) {
	if patch == nil {
		return
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.Output != nil {
		job.Output = patch.Output
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.Cost != nil {
		job.Cost = *patch.Cost
	}
	if patch.CostBreakdown != nil {
		job.CostBreakdown = patch.CostBreakdown
	}
	if patch.CorrelationID != nil {
		job.CorrelationID = *patch.CorrelationID
	}
	if patch.Attempts != nil {
		job.Attempts = *patch.Attempts
	}
	if patch.RecoveryCount != nil {
		job.RecoveryCount = *patch.RecoveryCount
	}
}

func (m *Manager) newJob(id string, exec *domain.Execution, nodeID string, category domain.Category) *domain.Job {
	now := time.Now().UTC()
	return &domain.Job{
		ID:          id,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		NodeID:      nodeID,
		Category:    category,
		Status:      domain.JobStatusPending,
		MaxAttempts: m.opts.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// retryDelay is the exponential backoff before the next attempt:
// base doubled per attempt already made, capped.
func (m *Manager) retryDelay(attempt int) time.Duration {
	delay := m.opts.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= m.opts.BackoffCap {
			return m.opts.BackoffCap
		}
	}
	if delay > m.opts.BackoffCap {
		return m.opts.BackoffCap
	}
	return delay
}

// publish emits a lifecycle event. Bus failures are logged, never returned:
// observability must not stall scheduling.
func (m *Manager) publish(ctx context.Context, topic string, event domain.Event) {
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	if err := m.events.Publish(ctx, topic, event); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("topic", topic),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

// lockExecution serializes all state transitions for one execution and
// returns the unlock func.
func (m *Manager) lockExecution(executionID string) func() {
	return m.locks.lock(executionID)
}

// keyedMutex hands out one mutex per key, dropping entries once the last
// holder releases so idle executions cost nothing.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
