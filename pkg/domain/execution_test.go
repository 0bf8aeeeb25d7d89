package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecution(t *testing.T) {
	exec := NewExecution("exec-1", "wf-1", ExecutionModeAsync, true)

	assert.Equal(t, ExecutionStatusPending, exec.Status)
	assert.True(t, exec.DebugMode)
	assert.NotNil(t, exec.NodeResults)
	assert.Zero(t, exec.Depth)
	assert.False(t, exec.Status.Terminal())
}

func TestExecutionDependenciesMet(t *testing.T) {
	exec := NewExecution("exec-1", "wf-1", ExecutionModeAsync, false)
	exec.NodeResults["a"] = &NodeResult{NodeID: "a", Status: NodeStatusComplete}
	exec.NodeResults["b"] = &NodeResult{NodeID: "b", Status: NodeStatusProcessing}

	assert.True(t, exec.DependenciesMet(nil))
	assert.True(t, exec.DependenciesMet([]string{"a"}))
	assert.False(t, exec.DependenciesMet([]string{"a", "b"}))
	assert.False(t, exec.DependenciesMet([]string{"missing"}))
}

func TestExecutionFailedDependency(t *testing.T) {
	exec := NewExecution("exec-1", "wf-1", ExecutionModeAsync, false)
	exec.NodeResults["a"] = &NodeResult{NodeID: "a", Status: NodeStatusComplete}
	exec.NodeResults["b"] = &NodeResult{NodeID: "b", Status: NodeStatusError, Error: "boom"}

	failed, ok := exec.FailedDependency([]string{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, "b", failed)

	_, ok = exec.FailedDependency([]string{"a"})
	assert.False(t, ok)
}

func TestExecutionRemovePending(t *testing.T) {
	exec := NewExecution("exec-1", "wf-1", ExecutionModeAsync, false)
	exec.PendingNodes = []PendingNode{
		{NodeID: "a"},
		{NodeID: "b"},
		{NodeID: "c"},
	}

	exec.RemovePending("b")
	require.Len(t, exec.PendingNodes, 2)
	assert.Equal(t, "a", exec.PendingNodes[0].NodeID)
	assert.Equal(t, "c", exec.PendingNodes[1].NodeID)

	// Removing an unknown node is a no-op.
	exec.RemovePending("zzz")
	assert.Len(t, exec.PendingNodes, 2)
}

func TestExecutionAddQueueJobDeduplicates(t *testing.T) {
	exec := NewExecution("exec-1", "wf-1", ExecutionModeAsync, false)
	exec.AddQueueJob("job-1")
	exec.AddQueueJob("job-2")
	exec.AddQueueJob("job-1")

	assert.Equal(t, []string{"job-1", "job-2"}, exec.QueueJobIDs)
}

func TestExecutionAddChildDeduplicates(t *testing.T) {
	exec := NewExecution("exec-1", "wf-1", ExecutionModeAsync, false)
	exec.AddChild("child-1")
	exec.AddChild("child-1")

	assert.Equal(t, []string{"child-1"}, exec.ChildExecutionIDs)
}

func TestStatusTerminality(t *testing.T) {
	assert.True(t, ExecutionStatusCompleted.Terminal())
	assert.True(t, ExecutionStatusFailed.Terminal())
	assert.True(t, ExecutionStatusCancelled.Terminal())
	assert.False(t, ExecutionStatusRunning.Terminal())
	assert.False(t, ExecutionStatusPending.Terminal())

	assert.True(t, JobStatusSucceeded.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCanceled.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
	assert.False(t, JobStatusPending.Terminal())
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, CategoryLLM, CategoryFor(NodeTypeLLM))
	assert.Equal(t, CategoryImage, CategoryFor(NodeTypeImage))
	assert.Equal(t, CategoryVideo, CategoryFor(NodeTypeVideo))
	assert.Equal(t, CategoryProcessing, CategoryFor(NodeTypeTTS))
	assert.Equal(t, CategoryProcessing, CategoryFor(NodeTypeFFmpeg))
	assert.Equal(t, CategoryProcessing, CategoryFor(NodeTypeSubflow))
	assert.Equal(t, CategoryProcessing, CategoryFor(NodeTypeProcessing))
}

func TestTaskOrchestration(t *testing.T) {
	assert.True(t, (&Task{ExecutionID: "exec-1"}).Orchestration())
	assert.False(t, (&Task{ExecutionID: "exec-1", NodeID: "a"}).Orchestration())
}
