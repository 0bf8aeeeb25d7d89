package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/domain/graph"
)

// Runner consumes the orchestration category: every top-level workflow job
// becomes one seeding pass over the graph.
type Runner struct {
	manager *Manager
}

// NewRunner creates the orchestration processor.
func NewRunner(manager *Manager) *Runner {
	return &Runner{manager: manager}
}

// Category returns the queue category the runner consumes.
func (r *Runner) Category() domain.Category {
	return domain.CategoryOrchestration
}

// Process runs one orchestration pass.
func (r *Runner) Process(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	return r.manager.RunOrchestration(ctx, task)
}

// RunOrchestration seeds an execution from its workflow graph: cycle check,
// topological order, dependency map, then every node goes through the
// dependency gate in order. Roots land on live queues, gated nodes wait in
// the pending backlog. Completion is never declared here; that is
// continuation's job once no work remains. A re-delivered pass over an
// already-seeded execution only re-derives what can run.
func (m *Manager) RunOrchestration(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	unlock := m.lockExecution(task.ExecutionID)
	defer unlock()

	exec, err := m.executions.Get(ctx, task.ExecutionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, domain.ErrTerminalState
	}

	wf, err := m.workflows.Get(ctx, task.WorkflowID)
	if err != nil {
		return nil, err
	}

	if len(exec.NodeResults) > 0 || len(exec.PendingNodes) > 0 {
		if err := m.continueLocked(ctx, exec); err != nil {
			return nil, err
		}
		exec.Touch()
		if err := m.executions.Update(ctx, exec); err != nil {
			return nil, err
		}
		m.logger.Info("orchestration pass re-run on seeded execution",
			zap.String("execution_id", exec.ID))
		return &domain.Result{Output: map[string]interface{}{
			"nodes":    len(wf.Nodes),
			"reseeded": true,
		}}, nil
	}

	order, err := graph.TopologicalSort(wf.Nodes, wf.Edges)
	if err != nil {
		return nil, err
	}
	deps := graph.BuildDependencyMap(wf.Nodes, wf.Edges)
	exec.SinkNodes = sinkNodes(wf)

	byID := make(map[string]domain.Node, len(wf.Nodes))
	for _, n := range wf.Nodes {
		byID[n.ID] = n
	}

	queued := 0
	for _, id := range order {
		n := byID[id]
		_, deferred, err := m.enqueueNodeLocked(ctx, exec, domain.PendingNode{
			NodeID:    n.ID,
			NodeType:  n.Type,
			NodeData:  n.Data,
			DependsOn: deps[n.ID],
		})
		if err != nil {
			if domain.IsValidationError(err) {
				// The node is error-marked; sibling branches keep going and
				// continuation prunes its dependents.
				continue
			}
			return nil, err
		}
		if !deferred {
			queued++
		}
	}

	exec.Touch()
	if err := m.executions.Update(ctx, exec); err != nil {
		return nil, err
	}

	m.logger.Info("execution seeded",
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", wf.ID),
		zap.Int("nodes", len(order)),
		zap.Int("queued", queued),
		zap.Int("pending", len(exec.PendingNodes)))

	return &domain.Result{Output: map[string]interface{}{
		"nodes":   len(order),
		"queued":  queued,
		"pending": len(exec.PendingNodes),
	}}, nil
}

// sinkNodes lists the graph's terminal nodes (no outgoing edges) in input
// order; the run's output is assembled from their results.
func sinkNodes(wf *domain.Workflow) []string {
	hasOutgoing := make(map[string]bool, len(wf.Nodes))
	for _, e := range wf.Edges {
		hasOutgoing[e.Source] = true
	}

	var sinks []string
	for _, n := range wf.Nodes {
		if !hasOutgoing[n.ID] {
			sinks = append(sinks, n.ID)
		}
	}
	return sinks
}
