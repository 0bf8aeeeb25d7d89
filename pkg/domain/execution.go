package domain

import "time"

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// ExecutionMode selects how callers consume an execution: async callers get
// an id and poll/stream, sync callers block until the run is terminal.
type ExecutionMode string

const (
	ExecutionModeSync  ExecutionMode = "sync"
	ExecutionModeAsync ExecutionMode = "async"
)

// NodeStatus is the per-node state machine:
// pending → processing → {complete | error}, terminal once complete/error.
type NodeStatus string

const (
	NodeStatusPending    NodeStatus = "pending"
	NodeStatusProcessing NodeStatus = "processing"
	NodeStatusComplete   NodeStatus = "complete"
	NodeStatusError      NodeStatus = "error"
)

// Terminal reports whether the node result can never change again.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusComplete || s == NodeStatusError
}

// NodeResult records the outcome of one scheduled node. There is exactly one
// entry per node that has been scheduled or completed; entries are updated
// in place by node id and never removed. JobID links the node to the job
// currently carrying it and doubles as the already-scheduled guard.
type NodeResult struct {
	NodeID      string                 `json:"node_id"`
	JobID       string                 `json:"job_id,omitempty"`
	Status      NodeStatus             `json:"status"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Cost        float64                `json:"cost"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// PendingNode is a node whose dependencies are not yet satisfied. It waits
// in the execution record (not on a live queue) until every id in DependsOn
// has a complete node result.
type PendingNode struct {
	NodeID    string                 `json:"node_id"`
	NodeType  NodeType               `json:"node_type"`
	NodeData  map[string]interface{} `json:"node_data,omitempty"`
	DependsOn []string               `json:"depends_on,omitempty"`
}

// CostSummary compares the caller's estimate against accumulated spend.
type CostSummary struct {
	Estimated float64 `json:"estimated"`
	Actual    float64 `json:"actual"`
	Variance  float64 `json:"variance"`
}

// Execution is one run of a workflow graph. It owns the per-node results,
// the pending-node backlog and the job ids spawned for the run; the queue
// manager is its only writer.
type Execution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Status     ExecutionStatus `json:"status"`
	Mode       ExecutionMode   `json:"mode"`
	DebugMode  bool            `json:"debug_mode"`

	NodeResults  map[string]*NodeResult `json:"node_results"`
	PendingNodes []PendingNode          `json:"pending_nodes,omitempty"`
	QueueJobIDs  []string               `json:"queue_job_ids,omitempty"`

	// SinkNodes are the graph's terminal nodes, recorded when the run is
	// seeded; Output is assembled from their results when the run completes.
	SinkNodes []string               `json:"sink_nodes,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`

	// Nested composition. Depth is 0 for a root run and parent.Depth+1 for
	// a child; ParentNotifiedAt guards the single child→parent delivery.
	ParentExecutionID string     `json:"parent_execution_id,omitempty"`
	ParentNodeID      string     `json:"parent_node_id,omitempty"`
	ChildExecutionIDs []string   `json:"child_execution_ids,omitempty"`
	Depth             int        `json:"depth"`
	ParentNotifiedAt  *time.Time `json:"parent_notified_at,omitempty"`

	TotalCost   float64     `json:"total_cost"`
	CostSummary CostSummary `json:"cost_summary"`

	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewExecution creates a pending execution for a workflow run.
func NewExecution(id, workflowID string, mode ExecutionMode, debug bool) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:          id,
		WorkflowID:  workflowID,
		Status:      ExecutionStatusPending,
		Mode:        mode,
		DebugMode:   debug,
		NodeResults: make(map[string]*NodeResult),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Result returns the node result entry for a node, creating a pending entry
// on first touch so there is always exactly one entry per scheduled node.
func (e *Execution) Result(nodeID string) *NodeResult {
	if e.NodeResults == nil {
		e.NodeResults = make(map[string]*NodeResult)
	}
	r, ok := e.NodeResults[nodeID]
	if !ok {
		r = &NodeResult{NodeID: nodeID, Status: NodeStatusPending}
		e.NodeResults[nodeID] = r
	}
	return r
}

// DependenciesMet reports whether every listed dependency has a complete
// node result.
func (e *Execution) DependenciesMet(deps []string) bool {
	for _, dep := range deps {
		r, ok := e.NodeResults[dep]
		if !ok || r.Status != NodeStatusComplete {
			return false
		}
	}
	return true
}

// FailedDependency returns the first listed dependency whose node result is
// a terminal error, if any. Such a node can never satisfy its dependents.
func (e *Execution) FailedDependency(deps []string) (string, bool) {
	for _, dep := range deps {
		if r, ok := e.NodeResults[dep]; ok && r.Status == NodeStatusError {
			return dep, true
		}
	}
	return "", false
}

// RemovePending drops a node from the pending backlog by id.
func (e *Execution) RemovePending(nodeID string) {
	for i, p := range e.PendingNodes {
		if p.NodeID == nodeID {
			e.PendingNodes = append(e.PendingNodes[:i], e.PendingNodes[i+1:]...)
			return
		}
	}
}

// AddQueueJob records a spawned job id exactly once.
func (e *Execution) AddQueueJob(jobID string) {
	for _, id := range e.QueueJobIDs {
		if id == jobID {
			return
		}
	}
	e.QueueJobIDs = append(e.QueueJobIDs, jobID)
}

// AddChild records a spawned child execution id exactly once.
func (e *Execution) AddChild(childID string) {
	for _, id := range e.ChildExecutionIDs {
		if id == childID {
			return
		}
	}
	e.ChildExecutionIDs = append(e.ChildExecutionIDs, childID)
}

// Touch bumps the record's update timestamp.
func (e *Execution) Touch() {
	e.UpdatedAt = time.Now().UTC()
}
