package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/domain/graph"
	"github.com/weftworks/weft/pkg/ports"
)

// BeginJob gates a dequeued delivery. Work that is already settled (a
// terminal execution, a finished job, a node resolved by someone else) is
// discarded: the job is canceled, the delivery acked, and the pool moves
// on. On proceed the job and node result are marked processing.
func (m *Manager) BeginJob(ctx context.Context, d *ports.Delivery) (bool, error) {
	task := &d.Task
	unlock := m.lockExecution(task.ExecutionID)
	defer unlock()

	exec, err := m.executions.Get(ctx, task.ExecutionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, m.discardLocked(ctx, d, "execution record not found")
		}
		return false, err
	}
	if exec.Status.Terminal() {
		return false, m.discardLocked(ctx, d, "execution "+string(exec.Status))
	}

	job, err := m.jobs.Get(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, m.discardLocked(ctx, d, "job record not found")
		}
		return false, err
	}
	if job.Status == domain.JobStatusSucceeded || job.Status == domain.JobStatusCanceled {
		return false, m.discardLocked(ctx, d, "job already "+string(job.Status))
	}

	if !task.Orchestration() {
		if r, ok := exec.NodeResults[task.NodeID]; ok {
			if r.Status == domain.NodeStatusComplete || (r.JobID != "" && r.JobID != task.JobID) {
				return false, m.discardLocked(ctx, d, "node already resolved")
			}
		}
	}

	now := time.Now().UTC()
	if exec.Status == domain.ExecutionStatusPending {
		exec.Status = domain.ExecutionStatusRunning
		exec.StartedAt = &now
		m.publish(ctx, domain.TopicExecutionEvents, domain.Event{
			Type:        domain.EventExecutionStarted,
			ExecutionID: exec.ID,
		})
	}

	attempts := task.Attempt + 1
	if _, err := m.updateJobLocked(ctx, task.JobID, domain.JobStatusProcessing, &domain.JobPatch{Attempts: &attempts}); err != nil {
		return false, err
	}
	_ = m.jobs.AppendLog(ctx, task.JobID, fmt.Sprintf("attempt %d of %d started", attempts, task.MaxAttempts))

	if !task.Orchestration() {
		r := exec.Result(task.NodeID)
		r.Status = domain.NodeStatusProcessing
		r.JobID = task.JobID
		r.Error = ""
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		m.publish(ctx, domain.TopicExecutionEvents, domain.Event{
			Type:        domain.EventNodeStarted,
			ExecutionID: exec.ID,
			NodeID:      task.NodeID,
			JobID:       task.JobID,
			Payload:     map[string]interface{}{"attempt": attempts},
		})
	}

	exec.Touch()
	if err := m.executions.Update(ctx, exec); err != nil {
		return false, fmt.Errorf("update execution: %w", err)
	}
	return true, nil
}

// HandleJobSuccess records a processor's result as one critical section:
// job succeeded, node result complete (unless the result is deferred to a
// child execution), cost added, delivery settled, then continuation.
func (m *Manager) HandleJobSuccess(ctx context.Context, d *ports.Delivery, res *domain.Result) error {
	task := &d.Task
	if res == nil {
		res = &domain.Result{}
	}

	var notify string
	err := func() error {
		unlock := m.lockExecution(task.ExecutionID)
		defer unlock()

		exec, err := m.executions.Get(ctx, task.ExecutionID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return m.discardLocked(ctx, d, "execution record not found")
			}
			return err
		}
		if exec.Status.Terminal() {
			// The run ended while the job was in flight; the late result
			// is dropped.
			return m.discardLocked(ctx, d, "late result for "+string(exec.Status)+" execution")
		}

		progress := 100
		patch := &domain.JobPatch{
			Progress:      &progress,
			Output:        res.Output,
			Cost:          &res.Cost,
			CostBreakdown: res.CostBreakdown,
		}
		if _, err := m.updateJobLocked(ctx, task.JobID, domain.JobStatusSucceeded, patch); err != nil {
			return err
		}

		now := time.Now().UTC()
		if !task.Orchestration() && !res.Deferred {
			r := exec.Result(task.NodeID)
			r.Status = domain.NodeStatusComplete
			r.JobID = task.JobID
			r.Output = res.Output
			r.Error = ""
			r.Cost = res.Cost
			r.CompletedAt = &now
			m.addCostLocked(exec, res.Cost)

			m.publish(ctx, domain.TopicExecutionEvents, domain.Event{
				Type:        domain.EventNodeCompleted,
				ExecutionID: exec.ID,
				NodeID:      task.NodeID,
				JobID:       task.JobID,
				Payload:     map[string]interface{}{"cost": res.Cost},
			})
			m.metrics.RecordNodeExecuted(string(task.Category()), string(domain.NodeStatusComplete), nodeDuration(r, now))
		}

		if err := m.queue.Ack(ctx, d); err != nil {
			return fmt.Errorf("ack delivery: %w", err)
		}
		if err := m.queue.Settle(ctx, task.ExecutionID, task.JobID); err != nil {
			return fmt.Errorf("settle job: %w", err)
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

// HandleJobFailure applies the shared failure policy. Every failure marks
// the job failed and the node result error first; then either the task is
// rescheduled (with rate-limit delay added to the backoff when the provider
// throttled us) or, when attempts are exhausted or the error is not
// retryable, dead-lettered and the execution continued so unreachable
// dependents are pruned.
func (m *Manager) HandleJobFailure(ctx context.Context, d *ports.Delivery, procErr error) error {
	task := &d.Task
	if procErr == nil {
		procErr = domain.NewProcessingError("unknown processing failure")
	}

	var notify string
	err := func() error {
		unlock := m.lockExecution(task.ExecutionID)
		defer unlock()

		exec, err := m.executions.Get(ctx, task.ExecutionID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return m.discardLocked(ctx, d, "execution record not found")
			}
			return err
		}
		if exec.Status.Terminal() {
			return m.discardLocked(ctx, d, "late failure for "+string(exec.Status)+" execution")
		}

		now := time.Now().UTC()
		message := procErr.Error()
		attempt := task.Attempt
		category := string(task.Category())

		msg := message
		if _, uerr := m.updateJobLocked(ctx, task.JobID, domain.JobStatusFailed, &domain.JobPatch{Error: &msg}); uerr != nil {
			return uerr
		}
		_ = m.jobs.AppendLog(ctx, task.JobID, fmt.Sprintf("attempt %d failed: %s", attempt+1, message))

		if task.Orchestration() {
			return m.handleOrchestrationFailureLocked(ctx, d, exec, procErr, &notify)
		}

		r := exec.Result(task.NodeID)
		r.Status = domain.NodeStatusError
		r.Error = message
		r.CompletedAt = &now
		m.publish(ctx, domain.TopicExecutionEvents, domain.Event{
			Type:        domain.EventNodeFailed,
			ExecutionID: exec.ID,
			NodeID:      task.NodeID,
			JobID:       task.JobID,
			Payload:     map[string]interface{}{"error": message, "attempt": attempt + 1},
		})
		m.metrics.RecordNodeExecuted(category, string(domain.NodeStatusError), nodeDuration(r, now))

		fatal := domain.IsValidationError(procErr) || domain.IsGraphError(procErr)
		last := attempt >= task.MaxAttempts-1

		if !fatal && !last {
			next := *task
			next.Attempt = attempt + 1
			delay := m.retryDelay(attempt)
			if domain.IsRateLimited(procErr) {
				delay += domain.RateLimitDelay(procErr)
				m.metrics.RecordRateLimit(category)
				_ = m.jobs.AppendLog(ctx, task.JobID, fmt.Sprintf("rate limited; retrying in %s", delay))
			} else {
				m.metrics.RecordJobRetry(category)
			}
			if err := m.queue.Reschedule(ctx, d, &next, delay); err != nil {
				return fmt.Errorf("reschedule job: %w", err)
			}
			m.logger.Info("job rescheduled",
				zap.String("execution_id", exec.ID),
				zap.String("job_id", task.JobID),
				zap.String("node_id", task.NodeID),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
			exec.Touch()
			return m.executions.Update(ctx, exec)
		}

		// Out of attempts, or an error retries can never fix.
		if err := m.queue.Ack(ctx, d); err != nil {
			return fmt.Errorf("ack delivery: %w", err)
		}
		if err := m.moveToDeadLocked(ctx, task, message); err != nil {
			return err
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

// handleOrchestrationFailureLocked resolves a failed top-level pass. Graph
// defects, bad node data and missing workflows fail the whole run; anything
// else (a store hiccup) retries like node work.
func (m *Manager) handleOrchestrationFailureLocked(ctx context.Context, d *ports.Delivery, exec *domain.Execution, procErr error, notify *string) error {
	task := &d.Task
	attempt := task.Attempt
	fatal := domain.IsGraphError(procErr) || domain.IsValidationError(procErr) || errors.Is(procErr, domain.ErrNotFound)
	last := attempt >= task.MaxAttempts-1

	if !fatal && !last {
		next := *task
		next.Attempt = attempt + 1
		delay := m.retryDelay(attempt)
		if err := m.queue.Reschedule(ctx, d, &next, delay); err != nil {
			return fmt.Errorf("reschedule orchestration job: %w", err)
		}
		m.metrics.RecordJobRetry(string(domain.CategoryOrchestration))
		m.logger.Info("orchestration pass rescheduled",
			zap.String("execution_id", exec.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		exec.Touch()
		return m.executions.Update(ctx, exec)
	}

	message := procErr.Error()
	if err := m.queue.Ack(ctx, d); err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	if err := m.moveToDeadLocked(ctx, task, message); err != nil {
		return err
	}
	m.failExecutionLocked(ctx, exec, "orchestration failed: "+message)
	exec.Touch()
	if err := m.executions.Update(ctx, exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	*notify = m.parentDeliveryDue(exec)
	return nil
}

// discardLocked drops a delivery whose work is superseded: the job record
// is marked canceled unless already terminal, the delivery acked and the
// job settled. No continuation runs.
func (m *Manager) discardLocked(ctx context.Context, d *ports.Delivery, reason string) error {
	task := &d.Task

	if job, err := m.jobs.Get(ctx, task.JobID); err == nil && !job.Status.Terminal() {
		msg := reason
		if _, uerr := m.updateJobLocked(ctx, task.JobID, domain.JobStatusCanceled, &domain.JobPatch{Error: &msg}); uerr != nil {
			m.logger.Warn("failed to cancel superseded job",
				zap.String("job_id", task.JobID),
				zap.Error(uerr))
		}
	}

	if err := m.queue.Ack(ctx, d); err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	if err := m.queue.Settle(ctx, task.ExecutionID, task.JobID); err != nil {
		return fmt.Errorf("settle job: %w", err)
	}
	m.logger.Debug("delivery discarded",
		zap.String("execution_id", task.ExecutionID),
		zap.String("job_id", task.JobID),
		zap.String("reason", reason))
	return nil
}

// MoveToDeadLetter records a task as permanently failed: job marked failed
// with the reason, payload parked on the category's dead stream, live
// presence dropped. Dead tasks are never retried automatically.
func (m *Manager) MoveToDeadLetter(ctx context.Context, task *domain.Task, reason string) error {
	unlock := m.lockExecution(task.ExecutionID)
	defer unlock()
	return m.moveToDeadLocked(ctx, task, reason)
}

func (m *Manager) moveToDeadLocked(ctx context.Context, task *domain.Task, reason string) error {
	msg := reason
	if _, err := m.updateJobLocked(ctx, task.JobID, domain.JobStatusFailed, &domain.JobPatch{Error: &msg}); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := m.queue.MoveToDead(ctx, task, reason); err != nil {
		return fmt.Errorf("move to dead letter: %w", err)
	}
	_ = m.jobs.AppendLog(ctx, task.JobID, "dead-lettered: "+reason)

	m.metrics.RecordDeadLetter(string(task.Category()))
	m.publish(ctx, domain.TopicJobEvents, domain.Event{
		Type:        domain.EventJobDeadLettered,
		ExecutionID: task.ExecutionID,
		NodeID:      task.NodeID,
		JobID:       task.JobID,
		Payload:     map[string]interface{}{"reason": reason},
	})
	m.logger.Warn("job dead-lettered",
		zap.String("execution_id", task.ExecutionID),
		zap.String("job_id", task.JobID),
		zap.String("node_id", task.NodeID),
		zap.String("reason", reason))
	return nil
}

// LaunchChildExecution starts the sub-workflow a subflow node points at and
// links it to the parent. The child runs as its own top-level execution;
// its terminal outcome is delivered back into the parent's node result. A
// retried subflow job reuses the child it already spawned.
func (m *Manager) LaunchChildExecution(ctx context.Context, task *domain.Task) (*domain.Execution, error) {
	workflowID, _ := task.NodeData["workflow_id"].(string)
	if workflowID == "" {
		return nil, &domain.ValidationError{
			NodeID:     task.NodeID,
			Violations: []string{"subflow node requires workflow_id"},
		}
	}

	if job, err := m.jobs.Get(ctx, task.JobID); err == nil && job.CorrelationID != "" {
		if existing, gerr := m.executions.Get(ctx, job.CorrelationID); gerr == nil {
			return existing, nil
		}
	}

	parent, err := m.executions.Get(ctx, task.ExecutionID)
	if err != nil {
		return nil, err
	}
	if parent.Status.Terminal() {
		return nil, domain.ErrTerminalState
	}
	if parent.Depth+1 > m.opts.MaxDepth {
		return nil, &domain.ValidationError{
			NodeID:     task.NodeID,
			Violations: []string{fmt.Sprintf("sub-workflow nesting exceeds max depth %d", m.opts.MaxDepth)},
		}
	}

	child, err := m.startExecution(ctx, workflowID,
		StartOptions{Mode: domain.ExecutionModeAsync, DebugMode: task.DebugMode},
		parentLink{executionID: task.ExecutionID, nodeID: task.NodeID, depth: parent.Depth + 1})
	if err != nil {
		return nil, err
	}

	func() {
		unlock := m.lockExecution(task.ExecutionID)
		defer unlock()

		parent, perr := m.executions.Get(ctx, task.ExecutionID)
		if perr != nil {
			m.logger.Warn("failed to link child execution",
				zap.String("execution_id", task.ExecutionID),
				zap.String("child_execution_id", child.ID),
				zap.Error(perr))
			return
		}
		parent.AddChild(child.ID)
		parent.Touch()
		if uerr := m.executions.Update(ctx, parent); uerr != nil {
			m.logger.Warn("failed to record child execution",
				zap.String("execution_id", task.ExecutionID),
				zap.String("child_execution_id", child.ID),
				zap.Error(uerr))
		}

		corr := child.ID
		if _, uerr := m.updateJobLocked(ctx, task.JobID, domain.JobStatusProcessing, &domain.JobPatch{CorrelationID: &corr}); uerr != nil {
			m.logger.Warn("failed to record child correlation",
				zap.String("job_id", task.JobID),
				zap.Error(uerr))
		}
	}()

	m.logger.Info("child execution launched",
		zap.String("execution_id", task.ExecutionID),
		zap.String("node_id", task.NodeID),
		zap.String("child_execution_id", child.ID),
		zap.String("child_workflow_id", workflowID),
		zap.Int("depth", child.Depth))
	return child, nil
}

// DeliverChildResult writes a terminal child execution's outcome into the
// parent's node result and continues the parent. The parent's lock
// serializes every writer of the child's ParentNotifiedAt stamp, so the
// delivery happens at most once; recovery may call this again for children
// whose notification was lost.
func (m *Manager) DeliverChildResult(ctx context.Context, childID string) error {
	child, err := m.executions.Get(ctx, childID)
	if err != nil {
		return err
	}
	if child.ParentExecutionID == "" || !child.Status.Terminal() || child.ParentNotifiedAt != nil {
		return nil
	}

	parentID := child.ParentExecutionID
	var notifyNext string
	err = func() error {
		unlock := m.lockExecution(parentID)
		defer unlock()

		child, err = m.executions.Get(ctx, childID)
		if err != nil {
			return err
		}
		if !child.Status.Terminal() || child.ParentNotifiedAt != nil {
			return nil
		}

		parent, perr := m.executions.Get(ctx, parentID)
		if perr != nil && !errors.Is(perr, domain.ErrNotFound) {
			return perr
		}

		now := time.Now().UTC()
		if parent != nil && !parent.Status.Terminal() {
			r := parent.Result(child.ParentNodeID)
			switch child.Status {
			case domain.ExecutionStatusCompleted:
				r.Status = domain.NodeStatusComplete
				r.Output = child.Output
				r.Error = ""
				r.Cost = child.TotalCost
				r.CompletedAt = &now
				m.addCostLocked(parent, child.TotalCost)
				m.publish(ctx, domain.TopicExecutionEvents, domain.Event{
					Type:        domain.EventNodeCompleted,
					ExecutionID: parent.ID,
					NodeID:      child.ParentNodeID,
					JobID:       r.JobID,
					Payload:     map[string]interface{}{"child_execution_id": child.ID, "cost": child.TotalCost},
				})
			case domain.ExecutionStatusCancelled:
				m.markNodeErrorLocked(ctx, parent, child.ParentNodeID, "sub-workflow cancelled")
			default:
				message := "sub-workflow failed"
				if child.Error != "" {
					message += ": " + child.Error
				}
				m.markNodeErrorLocked(ctx, parent, child.ParentNodeID, message)
			}

			if cerr := m.continueLocked(ctx, parent); cerr != nil {
				return cerr
			}
			parent.Touch()
			if uerr := m.executions.Update(ctx, parent); uerr != nil {
				return fmt.Errorf("update parent execution: %w", uerr)
			}
			notifyNext = m.parentDeliveryDue(parent)
		}

		child.ParentNotifiedAt = &now
		child.Touch()
		if uerr := m.executions.Update(ctx, child); uerr != nil {
			return fmt.Errorf("update child execution: %w", uerr)
		}

		m.logger.Info("child result delivered",
			zap.String("execution_id", parentID),
			zap.String("child_execution_id", child.ID),
			zap.String("child_status", string(child.Status)))
		return nil
	}()
	if err != nil {
		return err
	}
	if notifyNext != "" {
		return m.DeliverChildResult(ctx, notifyNext)
	}
	return nil
}

// RequeueOrphan handles a stored job with no live queue presence in a
// still-running execution: the crash artifact is re-enqueued once, and a
// job orphaned twice is dead-lettered so a poisoned payload cannot loop.
func (m *Manager) RequeueOrphan(ctx context.Context, executionID, jobID string) error {
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

		job, err := m.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}

		live, err := m.queue.HasLiveJob(ctx, executionID, jobID)
		if err != nil {
			return fmt.Errorf("check live job: %w", err)
		}
		if live {
			return nil
		}

		task, err := m.rebuildTaskLocked(ctx, exec, job)
		if err != nil {
			return err
		}

		if job.RecoveryCount >= 1 {
			reason := "orphaned again after recovery re-enqueue"
			if derr := m.moveToDeadLocked(ctx, task, reason); derr != nil {
				return derr
			}
			if task.Orchestration() {
				m.failExecutionLocked(ctx, exec, reason)
			} else {
				m.markNodeErrorLocked(ctx, exec, task.NodeID, reason)
			}
			if cerr := m.continueLocked(ctx, exec); cerr != nil {
				return cerr
			}
			exec.Touch()
			if uerr := m.executions.Update(ctx, exec); uerr != nil {
				return fmt.Errorf("update execution: %w", uerr)
			}
			notify = m.parentDeliveryDue(exec)
			return nil
		}

		count := job.RecoveryCount + 1
		if _, uerr := m.updateJobLocked(ctx, jobID, domain.JobStatusPending, &domain.JobPatch{RecoveryCount: &count}); uerr != nil {
			return uerr
		}
		if qerr := m.queue.Enqueue(ctx, task, 0); qerr != nil {
			return fmt.Errorf("re-enqueue orphan: %w", qerr)
		}
		_ = m.jobs.AppendLog(ctx, jobID, "re-enqueued by recovery")

		m.metrics.RecordOrphanRecovered()
		m.logger.Info("orphaned job re-enqueued",
			zap.String("execution_id", executionID),
			zap.String("job_id", jobID),
			zap.String("node_id", job.NodeID))
		exec.Touch()
		return m.executions.Update(ctx, exec)
	}()
	if err != nil {
		return err
	}
	if notify != "" {
		return m.DeliverChildResult(ctx, notify)
	}
	return nil
}

// HandleStalledDelivery resolves a delivery reclaimed from a consumer that
// stopped heartbeating: settled work is acked away, anything else gets one
// recovery re-run and is dead-lettered past that.
func (m *Manager) HandleStalledDelivery(ctx context.Context, d *ports.Delivery) error {
	task := &d.Task
	var notify string
	err := func() error {
		unlock := m.lockExecution(task.ExecutionID)
		defer unlock()

		exec, err := m.executions.Get(ctx, task.ExecutionID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return m.discardLocked(ctx, d, "execution record not found")
			}
			return err
		}
		if exec.Status.Terminal() {
			return m.discardLocked(ctx, d, "execution "+string(exec.Status))
		}

		job, err := m.jobs.Get(ctx, task.JobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return m.discardLocked(ctx, d, "job record not found")
			}
			return err
		}
		if job.Status == domain.JobStatusSucceeded || job.Status == domain.JobStatusCanceled {
			return m.discardLocked(ctx, d, "job already "+string(job.Status))
		}

		if job.RecoveryCount >= 1 {
			reason := "stalled again after recovery re-enqueue"
			if aerr := m.queue.Ack(ctx, d); aerr != nil {
				return fmt.Errorf("ack delivery: %w", aerr)
			}
			if derr := m.moveToDeadLocked(ctx, task, reason); derr != nil {
				return derr
			}
			if task.Orchestration() {
				m.failExecutionLocked(ctx, exec, reason)
			} else {
				m.markNodeErrorLocked(ctx, exec, task.NodeID, reason)
			}
			if cerr := m.continueLocked(ctx, exec); cerr != nil {
				return cerr
			}
			exec.Touch()
			if uerr := m.executions.Update(ctx, exec); uerr != nil {
				return fmt.Errorf("update execution: %w", uerr)
			}
			notify = m.parentDeliveryDue(exec)
			return nil
		}

		count := job.RecoveryCount + 1
		if _, uerr := m.updateJobLocked(ctx, task.JobID, domain.JobStatusPending, &domain.JobPatch{RecoveryCount: &count}); uerr != nil {
			return uerr
		}
		next := d.Task
		if qerr := m.queue.Reschedule(ctx, d, &next, 0); qerr != nil {
			return fmt.Errorf("reschedule stalled delivery: %w", qerr)
		}
		_ = m.jobs.AppendLog(ctx, task.JobID, "reclaimed from stalled consumer")

		m.metrics.RecordOrphanRecovered()
		m.logger.Info("stalled delivery re-enqueued",
			zap.String("execution_id", task.ExecutionID),
			zap.String("job_id", task.JobID))
		exec.Touch()
		return m.executions.Update(ctx, exec)
	}()
	if err != nil {
		return err
	}
	if notify != "" {
		return m.DeliverChildResult(ctx, notify)
	}
	return nil
}

// rebuildTaskLocked reconstructs a queue task for a job whose payload was
// lost with its queue entry, resolving node data against the workflow
// definition and the current results.
func (m *Manager) rebuildTaskLocked(ctx context.Context, exec *domain.Execution, job *domain.Job) (*domain.Task, error) {
	task := &domain.Task{
		JobID:       job.ID,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		DebugMode:   exec.DebugMode,
		Attempt:     job.Attempts,
		MaxAttempts: job.MaxAttempts,
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = m.opts.MaxAttempts
	}
	if job.NodeID == "" {
		return task, nil
	}

	wf, err := m.workflows.Get(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	deps := graph.BuildDependencyMap(wf.Nodes, wf.Edges)
	for _, n := range wf.Nodes {
		if n.ID != job.NodeID {
			continue
		}
		data, berr := m.binder.Resolve(n.ID, n.Data, exec, deps[n.ID])
		if berr != nil {
			return nil, berr
		}
		task.NodeID = n.ID
		task.NodeType = n.Type
		task.NodeData = data
		task.DependsOn = deps[n.ID]
		return task, nil
	}
	return nil, domain.NewGraphError("node %s not found in workflow %s", job.NodeID, exec.WorkflowID)
}

// ProviderUpdate is the webhook body a provider posts while it works on a
// job. Terminal provider statuses only record fields here; completion
// authority stays with the processor that owns the job.
type ProviderUpdate struct {
	Status   string                 `json:"status"`
	Progress *int                   `json:"progress,omitempty"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// IngestProviderUpdate applies a provider webhook to the job it references
// (by correlation id or job id).
func (m *Manager) IngestProviderUpdate(ctx context.Context, ref string, upd ProviderUpdate) (*domain.Job, error) {
	job, err := m.JobByRef(ctx, ref)
	if err != nil {
		return nil, err
	}

	unlock := m.lockExecution(job.ExecutionID)
	defer unlock()

	job, err = m.jobs.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	if upd.Progress != nil {
		job.Progress = clampProgress(*upd.Progress)
	}
	if upd.Output != nil {
		job.Output = upd.Output
	}
	if upd.Error != "" {
		job.Error = upd.Error
	}
	job.UpdatedAt = time.Now().UTC()
	if err := m.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	line := fmt.Sprintf("provider update: status=%s progress=%d", upd.Status, job.Progress)
	if upd.Error != "" {
		line += " error=" + upd.Error
	}
	_ = m.jobs.AppendLog(ctx, job.ID, line)

	m.publish(ctx, domain.TopicJobEvents, domain.Event{
		Type:        domain.EventJobProgress,
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		JobID:       job.ID,
		Payload: map[string]interface{}{
			"status":   upd.Status,
			"progress": job.Progress,
		},
	})
	return job, nil
}

// ReportJobProgress records mid-flight progress from a polling processor.
// Observability only; scheduling never keys off progress.
func (m *Manager) ReportJobProgress(ctx context.Context, jobID string, progress int, line string) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return
	}

	unlock := m.lockExecution(job.ExecutionID)
	defer unlock()

	job, err = m.jobs.Get(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return
	}

	progress = clampProgress(progress)
	if progress < job.Progress {
		progress = job.Progress
	}
	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()
	if err := m.jobs.Update(ctx, job); err != nil {
		m.logger.Warn("failed to record job progress",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	if line != "" {
		_ = m.jobs.AppendLog(ctx, jobID, line)
	}

	m.publish(ctx, domain.TopicJobEvents, domain.Event{
		Type:        domain.EventJobProgress,
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		JobID:       job.ID,
		Payload:     map[string]interface{}{"progress": progress},
	})
}

// TrackCorrelation links a provider-side id to a job so webhook updates and
// API lookups can find it.
func (m *Manager) TrackCorrelation(ctx context.Context, jobID, correlationID string) error {
	_, err := m.UpdateJobStatus(ctx, jobID, domain.JobStatusProcessing, &domain.JobPatch{CorrelationID: &correlationID})
	return err
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func nodeDuration(r *domain.NodeResult, now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	return now.Sub(*r.StartedAt)
}
