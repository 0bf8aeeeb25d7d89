package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	eventsmem "github.com/weftworks/weft/pkg/adapters/events/memory"
	"github.com/weftworks/weft/pkg/adapters/metrics/noop"
	queuemem "github.com/weftworks/weft/pkg/adapters/queue/memory"
	storagemem "github.com/weftworks/weft/pkg/adapters/storage/memory"
	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// testOptions keeps retry backoff tiny so rescheduled attempts promote
// within a single dequeue poll window.
func testOptions() Options {
	return Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
		MaxDepth:    3,
	}
}

type env struct {
	t         *testing.T
	manager   *Manager
	runner    *Runner
	queue     *queuemem.Queue
	bus       *eventsmem.InMemoryEventBus
	jobs      *storagemem.JobStore
	execs     *storagemem.ExecutionStore
	workflows *storagemem.WorkflowStore
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()

	validator, err := NewValidator()
	require.NoError(t, err)

	q := queuemem.NewQueue()
	q.SetPollInterval(5 * time.Millisecond)

	bus := eventsmem.NewInMemoryEventBus()
	execs := storagemem.NewExecutionStore()
	jobs := storagemem.NewJobStore()
	workflows := storagemem.NewWorkflowStore()

	manager := NewManager(execs, jobs, workflows, q, bus, noop.NewCollector(),
		validator, NewInputBinder(), zap.NewNop(), opts)

	return &env{
		t:         t,
		manager:   manager,
		runner:    NewRunner(manager),
		queue:     q,
		bus:       bus,
		jobs:      jobs,
		execs:     execs,
		workflows: workflows,
	}
}

func (e *env) save(wf *domain.Workflow) {
	e.t.Helper()
	require.NoError(e.t, e.manager.SaveWorkflow(context.Background(), wf))
}

func (e *env) start(workflowID string, opts StartOptions) *domain.Execution {
	e.t.Helper()
	exec, err := e.manager.StartExecution(context.Background(), workflowID, opts)
	require.NoError(e.t, err)
	require.NotNil(e.t, exec)
	return exec
}

func (e *env) execution(id string) *domain.Execution {
	e.t.Helper()
	exec, err := e.manager.Execution(context.Background(), id)
	require.NoError(e.t, err)
	return exec
}

func (e *env) job(id string) *domain.Job {
	e.t.Helper()
	job, err := e.manager.Job(context.Background(), id)
	require.NoError(e.t, err)
	return job
}

// claim dequeues one ready delivery from a category, failing the test when
// nothing is ready within the poll window.
func (e *env) claim(category domain.Category) *ports.Delivery {
	e.t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		d, err := e.queue.Dequeue(context.Background(), category, "test-worker")
		require.NoError(e.t, err)
		if d != nil {
			return d
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("no ready task in category %s", category)
		}
	}
}

// begin claims one delivery and gates it through BeginJob, asserting the
// work is live.
func (e *env) begin(category domain.Category) *ports.Delivery {
	e.t.Helper()
	d := e.claim(category)
	run, err := e.manager.BeginJob(context.Background(), d)
	require.NoError(e.t, err)
	require.True(e.t, run)
	return d
}

// seed runs the pending orchestration pass for an execution.
func (e *env) seed() {
	e.t.Helper()
	ctx := context.Background()
	d := e.begin(domain.CategoryOrchestration)
	res, err := e.runner.Process(ctx, &d.Task)
	require.NoError(e.t, err)
	require.NoError(e.t, e.manager.HandleJobSuccess(ctx, d, res))
}

type processFunc func(task *domain.Task) (*domain.Result, error)

// pump drains the queue the way the worker pools do: claim, gate through
// BeginJob, process, settle the outcome. Orchestration deliveries run the
// real seeding pass; node deliveries are resolved by the scripted process
// func. It returns once a full pass over every category claims nothing.
func (e *env) pump(process processFunc) {
	e.t.Helper()
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		claimed := false
		for _, category := range domain.Categories() {
			for {
				d, err := e.queue.Dequeue(ctx, category, "test-worker")
				require.NoError(e.t, err)
				if d == nil {
					break
				}
				claimed = true

				run, err := e.manager.BeginJob(ctx, d)
				require.NoError(e.t, err)
				if !run {
					continue
				}

				var res *domain.Result
				if d.Task.Orchestration() {
					res, err = e.runner.Process(ctx, &d.Task)
				} else {
					res, err = process(&d.Task)
				}
				if err != nil {
					require.NoError(e.t, e.manager.HandleJobFailure(ctx, d, err))
					continue
				}
				require.NoError(e.t, e.manager.HandleJobSuccess(ctx, d, res))
			}
		}
		if !claimed {
			return
		}
	}
	e.t.Fatal("queue did not quiesce")
}

func echo(task *domain.Task) (*domain.Result, error) {
	return &domain.Result{Output: map[string]interface{}{"node": task.NodeID}}, nil
}

func processingNode(id string, data map[string]interface{}) domain.Node {
	return domain.Node{ID: id, Type: domain.NodeTypeProcessing, Data: data}
}

// diamondWorkflow is a -> (b, c) -> d.
func diamondWorkflow(id string) *domain.Workflow {
	return &domain.Workflow{
		ID: id,
		Nodes: []domain.Node{
			processingNode("a", nil),
			processingNode("b", nil),
			processingNode("c", nil),
			processingNode("d", nil),
		},
		Edges: []domain.Edge{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "b", Target: "d"},
			{Source: "c", Target: "d"},
		},
	}
}

func singleNodeWorkflow(id, nodeID string) *domain.Workflow {
	return &domain.Workflow{
		ID:    id,
		Nodes: []domain.Node{processingNode(nodeID, nil)},
	}
}

func TestDiamondWorkflowCompletes(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(diamondWorkflow("wf-diamond"))

	exec := e.start("wf-diamond", StartOptions{})
	assert.Equal(t, domain.ExecutionStatusPending, exec.Status)
	assert.Equal(t, domain.ExecutionModeAsync, exec.Mode)

	var order []string
	e.pump(func(task *domain.Task) (*domain.Result, error) {
		order = append(order, task.NodeID)
		return echo(task)
	})

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.Empty(t, final.PendingNodes)

	// One sink (d): the run's output is its output directly.
	assert.Equal(t, map[string]interface{}{"node": "d"}, final.Output)

	require.Len(t, order, 4)
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])

	for id, r := range final.NodeResults {
		assert.Equal(t, domain.NodeStatusComplete, r.Status, "node %s", id)
		require.NotNil(t, r.CompletedAt, "node %s", id)
	}

	jobs, err := e.manager.JobsForExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 5)
	for _, job := range jobs {
		assert.Equal(t, domain.JobStatusSucceeded, job.Status, "job %s", job.ID)
	}

	live, err := e.queue.LiveJobs(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestFailedNodePrunesDependents(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 2
	e := newEnv(t, opts)
	e.save(diamondWorkflow("wf-diamond"))

	exec := e.start("wf-diamond", StartOptions{})

	attempts := 0
	e.pump(func(task *domain.Task) (*domain.Result, error) {
		if task.NodeID == "b" {
			attempts++
			return nil, domain.NewProcessingError("boom")
		}
		return echo(task)
	})

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, final.Status)
	assert.Equal(t, "nodes failed: b, d", final.Error)
	assert.Equal(t, 2, attempts, "b retries once, then dead-letters")

	assert.Equal(t, domain.NodeStatusComplete, final.NodeResults["a"].Status)
	assert.Equal(t, domain.NodeStatusComplete, final.NodeResults["c"].Status)
	assert.Equal(t, domain.NodeStatusError, final.NodeResults["b"].Status)
	assert.Equal(t, "boom", final.NodeResults["b"].Error)

	// d never ran: its dependency can no longer complete.
	assert.Equal(t, domain.NodeStatusError, final.NodeResults["d"].Status)
	assert.Equal(t, "skipped: dependency b failed", final.NodeResults["d"].Error)
	assert.Empty(t, final.NodeResults["d"].JobID)

	dead := e.queue.Dead(domain.CategoryProcessing)
	require.Len(t, dead, 1)
	assert.Equal(t, "b", dead[0].Task.NodeID)
	assert.Equal(t, "boom", dead[0].Reason)

	job := e.job(final.NodeResults["b"].JobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestStartExecutionUnknownWorkflow(t *testing.T) {
	e := newEnv(t, testOptions())

	_, err := e.manager.StartExecution(context.Background(), "missing", StartOptions{})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStartExecutionRejectsCyclicGraph(t *testing.T) {
	e := newEnv(t, testOptions())

	// Stored behind the validator's back; StartExecution re-validates.
	wf := &domain.Workflow{
		ID:    "wf-cycle",
		Nodes: []domain.Node{processingNode("a", nil), processingNode("b", nil)},
		Edges: []domain.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}
	require.NoError(t, e.workflows.Save(context.Background(), wf))

	_, err := e.manager.StartExecution(context.Background(), "wf-cycle", StartOptions{})
	require.Error(t, err)
	assert.True(t, domain.IsGraphError(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestEnqueueWorkflowRequiresExecution(t *testing.T) {
	e := newEnv(t, testOptions())

	_, err := e.manager.EnqueueWorkflow(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEnqueueWorkflowTerminalExecution(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{})
	require.NoError(t, e.manager.StopExecution(context.Background(), exec.ID))

	_, err := e.manager.EnqueueWorkflow(context.Background(), exec.ID)
	require.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestStopExecutionCancelsAndDiscardsQueuedWork(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{})
	require.NoError(t, e.manager.StopExecution(context.Background(), exec.ID))

	stopped := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCancelled, stopped.Status)
	require.NotNil(t, stopped.CompletedAt)

	jobs, err := e.manager.JobsForExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusCanceled, jobs[0].Status)
	assert.Equal(t, "execution cancelled", jobs[0].Error)

	// The queued orchestration delivery is discarded at claim time; no node
	// work ever runs.
	e.pump(func(task *domain.Task) (*domain.Result, error) {
		t.Fatalf("unexpected node work for %s", task.NodeID)
		return nil, nil
	})

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCancelled, final.Status)
	assert.Empty(t, final.NodeResults)

	err = e.manager.StopExecution(context.Background(), exec.ID)
	require.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestContinueExecutionIsIdempotent(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(&domain.Workflow{
		ID:    "wf-chain",
		Nodes: []domain.Node{processingNode("a", nil), processingNode("b", nil)},
		Edges: []domain.Edge{{Source: "a", Target: "b"}},
	})

	exec := e.start("wf-chain", StartOptions{})
	e.seed()

	// a is live, b gated. Re-running continuation must not double-submit.
	for i := 0; i < 3; i++ {
		require.NoError(t, e.manager.ContinueExecution(context.Background(), exec.ID))
	}

	jobs, err := e.manager.JobsForExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "orchestration pass plus one job for a")

	mid := e.execution(exec.ID)
	require.Len(t, mid.PendingNodes, 1)
	assert.Equal(t, "b", mid.PendingNodes[0].NodeID)

	e.pump(echo)

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)

	// Continuation on a terminal run is a no-op.
	require.NoError(t, e.manager.ContinueExecution(context.Background(), exec.ID))
	jobs, err = e.manager.JobsForExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestReseededOrchestrationPassDoesNotDuplicateJobs(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(diamondWorkflow("wf-diamond"))

	exec := e.start("wf-diamond", StartOptions{})
	e.seed()

	// A redelivered orchestration pass over the seeded run only re-derives
	// what can run; nothing is double-submitted.
	ctx := context.Background()
	jobID, err := e.manager.EnqueueWorkflow(ctx, exec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	d := e.begin(domain.CategoryOrchestration)
	require.Equal(t, jobID, d.Task.JobID)
	res, err := e.runner.Process(ctx, &d.Task)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["reseeded"])
	require.NoError(t, e.manager.HandleJobSuccess(ctx, d, res))

	jobs, err := e.manager.JobsForExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 3, "two orchestration passes plus the one live node")

	e.pump(echo)

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)

	jobs, err = e.manager.JobsForExecution(ctx, exec.ID)
	require.NoError(t, err)
	perNode := make(map[string]int)
	for _, job := range jobs {
		if job.NodeID != "" {
			perNode[job.NodeID]++
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}, perNode)
}

func TestRetryThenSuccess(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{})

	calls := 0
	e.pump(func(task *domain.Task) (*domain.Result, error) {
		calls++
		if calls == 1 {
			return nil, domain.NewProcessingError("transient")
		}
		return echo(task)
	})

	assert.Equal(t, 2, calls)

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, domain.NodeStatusComplete, final.NodeResults["a"].Status)
	assert.Empty(t, final.NodeResults["a"].Error)

	job := e.job(final.NodeResults["a"].JobID)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Equal(t, 2, job.Attempts)

	logs, err := e.manager.JobLogs(context.Background(), job.ID)
	require.NoError(t, err)
	var failed bool
	for _, line := range logs {
		if line.Message == "attempt 1 failed: transient" {
			failed = true
		}
	}
	assert.True(t, failed, "failure line recorded in job log")
}

func TestRateLimitedFailureDelaysRetryAndKeepsDependentsGated(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(&domain.Workflow{
		ID:    "wf-chain",
		Nodes: []domain.Node{processingNode("a", nil), processingNode("b", nil)},
		Edges: []domain.Edge{{Source: "a", Target: "b"}},
	})

	exec := e.start("wf-chain", StartOptions{})
	e.seed()

	ctx := context.Background()
	d := e.begin(domain.CategoryProcessing)
	require.Equal(t, "a", d.Task.NodeID)

	procErr := &domain.ProcessingError{Message: "throttled", HTTPStatus: 429, RetryAfter: 1}
	require.NoError(t, e.manager.HandleJobFailure(ctx, d, procErr))

	// retry_after 1s padded to 3s, on top of the 1ms backoff.
	assert.Equal(t, 1, e.queue.DelayedCount(domain.CategoryProcessing))
	wait, ok := e.queue.NextDelay(domain.CategoryProcessing)
	require.True(t, ok)
	assert.Greater(t, wait, 2*time.Second)
	assert.Less(t, wait, 4*time.Second)

	job := e.job(d.Task.JobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)

	live, err := e.queue.HasLiveJob(ctx, exec.ID, d.Task.JobID)
	require.NoError(t, err)
	assert.True(t, live, "a rescheduled job keeps its live presence")

	mid := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusRunning, mid.Status)
	assert.Equal(t, domain.NodeStatusError, mid.NodeResults["a"].Status)

	// b's failed dependency still has a retry in flight; nothing is pruned.
	require.NoError(t, e.manager.ContinueExecution(ctx, exec.ID))
	mid = e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusRunning, mid.Status)
	require.Len(t, mid.PendingNodes, 1)
	assert.Equal(t, "b", mid.PendingNodes[0].NodeID)

	logs, err := e.manager.JobLogs(ctx, job.ID)
	require.NoError(t, err)
	var limited bool
	for _, line := range logs {
		if strings.HasPrefix(line.Message, "rate limited") {
			limited = true
		}
	}
	assert.True(t, limited, "rate limit recorded in job log")
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 2
	e := newEnv(t, opts)
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{})

	calls := 0
	e.pump(func(task *domain.Task) (*domain.Result, error) {
		calls++
		return nil, domain.NewProcessingError("boom")
	})

	assert.Equal(t, 2, calls)

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, final.Status)
	assert.Equal(t, "nodes failed: a", final.Error)

	dead := e.queue.Dead(domain.CategoryProcessing)
	require.Len(t, dead, 1)
	assert.Equal(t, "a", dead[0].Task.NodeID)
	assert.Equal(t, "boom", dead[0].Reason)

	job := e.job(final.NodeResults["a"].JobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)

	logs, err := e.manager.JobLogs(context.Background(), job.ID)
	require.NoError(t, err)
	var deadLettered bool
	for _, line := range logs {
		if line.Message == "dead-lettered: boom" {
			deadLettered = true
		}
	}
	assert.True(t, deadLettered)
}

func TestValidationFailureNeverRetries(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{})

	calls := 0
	e.pump(func(task *domain.Task) (*domain.Result, error) {
		calls++
		return nil, &domain.ValidationError{NodeID: "a", Violations: []string{"bad input"}}
	})

	assert.Equal(t, 1, calls, "a validation failure dead-letters on the first attempt")

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, final.Status)

	dead := e.queue.Dead(domain.CategoryProcessing)
	require.Len(t, dead, 1)
	assert.Equal(t, "node a: bad input", dead[0].Reason)
}

func TestBindingFailureFailsNodeWithoutJob(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(&domain.Workflow{
		ID: "wf-bind",
		Nodes: []domain.Node{
			processingNode("a", nil),
			processingNode("b", map[string]interface{}{"x": "${{ a.missing( }}"}),
		},
		Edges: []domain.Edge{{Source: "a", Target: "b"}},
	})

	exec := e.start("wf-bind", StartOptions{})
	e.pump(echo)

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, final.Status)
	assert.Equal(t, "nodes failed: b", final.Error)

	assert.Equal(t, domain.NodeStatusComplete, final.NodeResults["a"].Status)
	assert.Equal(t, domain.NodeStatusError, final.NodeResults["b"].Status)
	assert.Contains(t, final.NodeResults["b"].Error, "input binding")

	// The node never reached the queue, so no job was spawned for it.
	jobs, err := e.manager.JobsForExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "orchestration pass plus a only")
}

func TestMultiSinkOutputKeyedByNodeID(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(&domain.Workflow{
		ID: "wf-fanout",
		Nodes: []domain.Node{
			processingNode("a", nil),
			processingNode("b", nil),
			processingNode("c", nil),
		},
		Edges: []domain.Edge{{Source: "a", Target: "b"}, {Source: "a", Target: "c"}},
	})

	exec := e.start("wf-fanout", StartOptions{})
	e.pump(echo)

	final := e.execution(exec.ID)
	require.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"b", "c"}, final.SinkNodes)
	assert.Equal(t, map[string]interface{}{
		"b": map[string]interface{}{"node": "b"},
		"c": map[string]interface{}{"node": "c"},
	}, final.Output)
}

func TestCostAccumulatesIntoSummary(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{EstimatedCost: 2.5})
	assert.InDelta(t, 2.5, exec.CostSummary.Estimated, 1e-9)
	assert.InDelta(t, -2.5, exec.CostSummary.Variance, 1e-9)

	e.pump(func(task *domain.Task) (*domain.Result, error) {
		return &domain.Result{
			Output:        map[string]interface{}{"node": task.NodeID},
			Cost:          0.5,
			CostBreakdown: map[string]float64{"provider": 0.5},
		}, nil
	})

	final := e.execution(exec.ID)
	require.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	assert.InDelta(t, 0.5, final.TotalCost, 1e-9)
	assert.InDelta(t, 0.5, final.CostSummary.Actual, 1e-9)
	assert.InDelta(t, -2.0, final.CostSummary.Variance, 1e-9)
	assert.InDelta(t, 0.5, final.NodeResults["a"].Cost, 1e-9)

	job := e.job(final.NodeResults["a"].JobID)
	assert.InDelta(t, 0.5, job.Cost, 1e-9)
	assert.InDelta(t, 0.5, job.CostBreakdown["provider"], 1e-9)
}

func TestSubflowDeliversChildOutputToParent(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-child", "inner"))
	e.save(&domain.Workflow{
		ID: "wf-parent",
		Nodes: []domain.Node{
			{ID: "sub", Type: domain.NodeTypeSubflow, Data: map[string]interface{}{"workflow_id": "wf-child"}},
			processingNode("after", map[string]interface{}{"echo": "${{ sub.greeting }}"}),
		},
		Edges: []domain.Edge{{Source: "sub", Target: "after"}},
	})

	exec := e.start("wf-parent", StartOptions{})

	ctx := context.Background()
	e.pump(func(task *domain.Task) (*domain.Result, error) {
		switch task.NodeID {
		case "sub":
			child, err := e.manager.LaunchChildExecution(ctx, task)
			if err != nil {
				return nil, err
			}
			return &domain.Result{
				Output:   map[string]interface{}{"execution_id": child.ID},
				Deferred: true,
			}, nil
		case "inner":
			return &domain.Result{Output: map[string]interface{}{"greeting": "hello"}, Cost: 0.25}, nil
		default:
			return &domain.Result{Output: task.NodeData}, nil
		}
	})

	parent := e.execution(exec.ID)
	require.Equal(t, domain.ExecutionStatusCompleted, parent.Status)
	require.Len(t, parent.ChildExecutionIDs, 1)

	child := e.execution(parent.ChildExecutionIDs[0])
	assert.Equal(t, domain.ExecutionStatusCompleted, child.Status)
	assert.Equal(t, exec.ID, child.ParentExecutionID)
	assert.Equal(t, "sub", child.ParentNodeID)
	assert.Equal(t, 1, child.Depth)
	require.NotNil(t, child.ParentNotifiedAt)

	// The child's output landed in the parent's node result and fed the
	// downstream binding.
	sub := parent.NodeResults["sub"]
	assert.Equal(t, domain.NodeStatusComplete, sub.Status)
	assert.Equal(t, map[string]interface{}{"greeting": "hello"}, sub.Output)
	assert.Equal(t, map[string]interface{}{"echo": "hello"}, parent.Output)

	// Child spend rolls up into the parent.
	assert.InDelta(t, 0.25, child.TotalCost, 1e-9)
	assert.InDelta(t, 0.25, parent.TotalCost, 1e-9)

	subJob := e.job(sub.JobID)
	assert.Equal(t, domain.JobStatusSucceeded, subJob.Status)
	assert.Equal(t, child.ID, subJob.CorrelationID)
}

func TestSubflowDepthLimit(t *testing.T) {
	opts := testOptions()
	opts.MaxDepth = 1
	e := newEnv(t, opts)
	e.save(&domain.Workflow{
		ID: "wf-loop",
		Nodes: []domain.Node{
			{ID: "sub", Type: domain.NodeTypeSubflow, Data: map[string]interface{}{"workflow_id": "wf-loop"}},
		},
	})

	exec := e.start("wf-loop", StartOptions{})

	ctx := context.Background()
	e.pump(func(task *domain.Task) (*domain.Result, error) {
		child, err := e.manager.LaunchChildExecution(ctx, task)
		if err != nil {
			return nil, err
		}
		return &domain.Result{
			Output:   map[string]interface{}{"execution_id": child.ID},
			Deferred: true,
		}, nil
	})

	root := e.execution(exec.ID)
	require.Equal(t, domain.ExecutionStatusFailed, root.Status)
	assert.Equal(t, "sub-workflow failed: nodes failed: sub", root.NodeResults["sub"].Error)

	require.Len(t, root.ChildExecutionIDs, 1)
	child := e.execution(root.ChildExecutionIDs[0])
	assert.Equal(t, domain.ExecutionStatusFailed, child.Status)
	assert.Empty(t, child.ChildExecutionIDs, "the nesting limit stopped a grandchild")
	assert.Contains(t, child.NodeResults["sub"].Error, "exceeds max depth 1")
	require.NotNil(t, child.ParentNotifiedAt)
}

func TestStopExecutionCascadesToChildren(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-child", "inner"))
	e.save(&domain.Workflow{
		ID: "wf-parent",
		Nodes: []domain.Node{
			{ID: "sub", Type: domain.NodeTypeSubflow, Data: map[string]interface{}{"workflow_id": "wf-child"}},
		},
	})

	exec := e.start("wf-parent", StartOptions{})
	e.seed()

	ctx := context.Background()
	d := e.begin(domain.CategoryProcessing)
	require.Equal(t, "sub", d.Task.NodeID)

	child, err := e.manager.LaunchChildExecution(ctx, &d.Task)
	require.NoError(t, err)

	// A retried subflow job reuses the child it already spawned.
	again, err := e.manager.LaunchChildExecution(ctx, &d.Task)
	require.NoError(t, err)
	assert.Equal(t, child.ID, again.ID)

	require.NoError(t, e.manager.HandleJobSuccess(ctx, d, &domain.Result{
		Output:   map[string]interface{}{"execution_id": child.ID},
		Deferred: true,
	}))

	// Parent is waiting on the child; stop it before the child seeds.
	require.NoError(t, e.manager.StopExecution(ctx, exec.ID))

	parent := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCancelled, parent.Status)

	stoppedChild := e.execution(child.ID)
	assert.Equal(t, domain.ExecutionStatusCancelled, stoppedChild.Status)
	require.NotNil(t, stoppedChild.ParentNotifiedAt)

	// The child's queued orchestration pass is discarded at claim time.
	e.pump(func(task *domain.Task) (*domain.Result, error) {
		t.Fatalf("unexpected node work for %s", task.NodeID)
		return nil, nil
	})
}

func TestRequeueOrphanOnceThenDeadLetter(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{})
	e.seed()

	ctx := context.Background()
	d := e.begin(domain.CategoryProcessing)
	jobID := d.Task.JobID

	// The worker settles the delivery and dies before reporting an outcome:
	// a stored, non-terminal job with no live queue presence.
	require.NoError(t, e.queue.Ack(ctx, d))
	require.NoError(t, e.queue.Settle(ctx, exec.ID, jobID))

	require.NoError(t, e.manager.RequeueOrphan(ctx, exec.ID, jobID))

	job := e.job(jobID)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RecoveryCount)

	live, err := e.queue.HasLiveJob(ctx, exec.ID, jobID)
	require.NoError(t, err)
	assert.True(t, live)

	// Orphaned a second time: dead-letter instead of looping.
	d = e.begin(domain.CategoryProcessing)
	require.NoError(t, e.queue.Ack(ctx, d))
	require.NoError(t, e.queue.Settle(ctx, exec.ID, jobID))

	require.NoError(t, e.manager.RequeueOrphan(ctx, exec.ID, jobID))

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, final.Status)
	assert.Equal(t, "orphaned again after recovery re-enqueue", final.NodeResults["a"].Error)

	dead := e.queue.Dead(domain.CategoryProcessing)
	require.Len(t, dead, 1)
	assert.Equal(t, jobID, dead[0].Task.JobID)
	assert.Equal(t, "orphaned again after recovery re-enqueue", dead[0].Reason)
}

func TestRequeueOrphanSkipsLiveAndTerminalJobs(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{})
	e.seed()

	ctx := context.Background()
	d := e.begin(domain.CategoryProcessing)
	jobID := d.Task.JobID

	// Still claimed, still live: not an orphan.
	require.NoError(t, e.manager.RequeueOrphan(ctx, exec.ID, jobID))
	job := e.job(jobID)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, 0, job.RecoveryCount)

	require.NoError(t, e.manager.HandleJobSuccess(ctx, d, echoResult("a")))

	// Terminal job: nothing to recover.
	require.NoError(t, e.manager.RequeueOrphan(ctx, exec.ID, jobID))
	job = e.job(jobID)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
}

func TestHandleStalledDeliveryOnceThenDeadLetter(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{})
	e.seed()

	ctx := context.Background()
	d := e.begin(domain.CategoryProcessing)
	jobID := d.Task.JobID

	// The consumer stops heartbeating; recovery reclaims its delivery.
	time.Sleep(5 * time.Millisecond)
	stalled, err := e.queue.ReclaimStalled(ctx, domain.CategoryProcessing, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, stalled, 1)

	require.NoError(t, e.manager.HandleStalledDelivery(ctx, stalled[0]))

	job := e.job(jobID)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RecoveryCount)

	// The re-enqueued task stalls again: dead-letter.
	e.begin(domain.CategoryProcessing)
	time.Sleep(5 * time.Millisecond)
	stalled, err = e.queue.ReclaimStalled(ctx, domain.CategoryProcessing, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, stalled, 1)

	require.NoError(t, e.manager.HandleStalledDelivery(ctx, stalled[0]))

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusFailed, final.Status)
	assert.Equal(t, "stalled again after recovery re-enqueue", final.NodeResults["a"].Error)

	dead := e.queue.Dead(domain.CategoryProcessing)
	require.Len(t, dead, 1)
	assert.Equal(t, jobID, dead[0].Task.JobID)
}

func TestBeginJobDiscardsSupersededDelivery(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(&domain.Workflow{
		ID:    "wf-chain",
		Nodes: []domain.Node{processingNode("a", nil), processingNode("b", nil)},
		Edges: []domain.Edge{{Source: "a", Target: "b"}},
	})

	exec := e.start("wf-chain", StartOptions{})
	e.seed()

	ctx := context.Background()
	d := e.begin(domain.CategoryProcessing)
	require.Equal(t, "a", d.Task.NodeID)
	require.NoError(t, e.manager.HandleJobSuccess(ctx, d, echoResult("a")))

	// Continuation queued b; claim it first so the duplicate is next.
	db := e.claim(domain.CategoryProcessing)
	require.Equal(t, "b", db.Task.NodeID)

	// A stale duplicate for an already-resolved node, carried by a
	// different job.
	duplicate := &domain.Job{
		ID:          "job-dup",
		ExecutionID: exec.ID,
		WorkflowID:  "wf-chain",
		NodeID:      "a",
		Category:    domain.CategoryProcessing,
		Status:      domain.JobStatusPending,
		MaxAttempts: 3,
	}
	require.NoError(t, e.jobs.Create(ctx, duplicate))
	require.NoError(t, e.queue.Enqueue(ctx, &domain.Task{
		JobID:       "job-dup",
		ExecutionID: exec.ID,
		WorkflowID:  "wf-chain",
		NodeID:      "a",
		NodeType:    domain.NodeTypeProcessing,
		MaxAttempts: 3,
	}, 0))

	d2 := e.claim(domain.CategoryProcessing)
	require.Equal(t, "job-dup", d2.Task.JobID)
	run, err := e.manager.BeginJob(ctx, d2)
	require.NoError(t, err)
	assert.False(t, run)

	cancelled := e.job("job-dup")
	assert.Equal(t, domain.JobStatusCanceled, cancelled.Status)
	assert.Equal(t, "node already resolved", cancelled.Error)

	// The winning result is untouched.
	mid := e.execution(exec.ID)
	assert.Equal(t, domain.NodeStatusComplete, mid.NodeResults["a"].Status)
	assert.NotEqual(t, "job-dup", mid.NodeResults["a"].JobID)

	live, err := e.queue.HasLiveJob(ctx, exec.ID, "job-dup")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestLateResultForTerminalExecutionIsDropped(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{})
	e.seed()

	ctx := context.Background()
	d := e.begin(domain.CategoryProcessing)

	require.NoError(t, e.manager.StopExecution(ctx, exec.ID))

	// The in-flight worker reports back after cancellation.
	require.NoError(t, e.manager.HandleJobSuccess(ctx, d, echoResult("a")))

	final := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusCancelled, final.Status)
	assert.NotEqual(t, domain.NodeStatusComplete, final.NodeResults["a"].Status)

	job := e.job(d.Task.JobID)
	assert.Equal(t, domain.JobStatusCanceled, job.Status)
}

func TestIngestProviderUpdateRecordsFieldsOnly(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{})
	e.seed()

	ctx := context.Background()
	d := e.begin(domain.CategoryProcessing)
	jobID := d.Task.JobID

	require.NoError(t, e.manager.TrackCorrelation(ctx, jobID, "pred-9"))

	progress := 150
	job, err := e.manager.IngestProviderUpdate(ctx, "pred-9", ProviderUpdate{
		Status:   "succeeded",
		Progress: &progress,
		Output:   map[string]interface{}{"url": "https://cdn.example/out.png"},
	})
	require.NoError(t, err)

	// A terminal provider status never settles the job; completion authority
	// stays with the processor holding the delivery.
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, 100, job.Progress, "progress clamps to 100")
	assert.Equal(t, "https://cdn.example/out.png", job.Output["url"])

	byRef, err := e.manager.JobByRef(ctx, "pred-9")
	require.NoError(t, err)
	assert.Equal(t, jobID, byRef.ID)

	mid := e.execution(exec.ID)
	assert.Equal(t, domain.ExecutionStatusRunning, mid.Status)

	_, err = e.manager.IngestProviderUpdate(ctx, "pred-unknown", ProviderUpdate{Status: "processing"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReportJobProgressIsMonotonic(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	e.start("wf-one", StartOptions{})
	e.seed()

	ctx := context.Background()
	d := e.begin(domain.CategoryProcessing)
	jobID := d.Task.JobID

	e.manager.ReportJobProgress(ctx, jobID, 50, "halfway")
	assert.Equal(t, 50, e.job(jobID).Progress)

	e.manager.ReportJobProgress(ctx, jobID, 10, "")
	assert.Equal(t, 50, e.job(jobID).Progress, "progress never goes backwards")

	e.manager.ReportJobProgress(ctx, jobID, 80, "")
	assert.Equal(t, 80, e.job(jobID).Progress)
}

func TestLifecycleEventsPublished(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	var mu sync.Mutex
	seen := make(map[domain.EventType]int)
	err := e.bus.Subscribe(context.Background(), domain.TopicExecutionEvents, func(ctx context.Context, ev domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.Type]++
		return nil
	})
	require.NoError(t, err)

	e.start("wf-one", StartOptions{})
	e.pump(echo)

	// Bus delivery is asynchronous.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[domain.EventExecutionStarted] == 1 &&
			seen[domain.EventNodeStarted] == 1 &&
			seen[domain.EventNodeCompleted] == 1 &&
			seen[domain.EventExecutionCompleted] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWaitForTerminal(t *testing.T) {
	e := newEnv(t, testOptions())
	e.save(singleNodeWorkflow("wf-one", "a"))

	exec := e.start("wf-one", StartOptions{Mode: domain.ExecutionModeSync})
	assert.Equal(t, domain.ExecutionModeSync, exec.Mode)

	waitCtx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	got, err := e.manager.WaitForTerminal(waitCtx, exec.ID, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, got)
	assert.False(t, got.Status.Terminal())

	e.pump(echo)

	got, err = e.manager.WaitForTerminal(context.Background(), exec.ID, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)
}

func echoResult(nodeID string) *domain.Result {
	return &domain.Result{Output: map[string]interface{}{"node": nodeID}}
}
