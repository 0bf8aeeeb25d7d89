package domain

import "time"

// JobStatus is the lifecycle state of one queued unit of work.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether the job status can never change again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// Job is one queued, retryable unit of work: either a node processing
// attempt or a top-level orchestration pass. Jobs are kept for audit and
// cost history; they are only ever marked terminal, never deleted.
type Job struct {
	ID          string   `json:"id"`
	ExecutionID string   `json:"execution_id"`
	WorkflowID  string   `json:"workflow_id"`
	NodeID      string   `json:"node_id,omitempty"`
	Category    Category `json:"category"`

	// CorrelationID is the external provider's id for the work (for
	// example a prediction id); webhook updates look the job up by it.
	CorrelationID string `json:"correlation_id,omitempty"`

	Status   JobStatus              `json:"status"`
	Progress int                    `json:"progress"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`

	Cost          float64            `json:"cost"`
	CostBreakdown map[string]float64 `json:"cost_breakdown,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// RecoveryCount counts re-enqueues by the recovery service; an orphan
	// is re-enqueued once and dead-lettered the second time around.
	RecoveryCount int `json:"recovery_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobPatch carries optional field updates applied together with a status
// transition. Nil fields are left untouched.
type JobPatch struct {
	Progress      *int
	Output        map[string]interface{}
	Error         *string
	Cost          *float64
	CostBreakdown map[string]float64
	CorrelationID *string
	Attempts      *int
	RecoveryCount *int
}

// Task is the payload carried on the queue and handed to a processor.
// NodeID is empty for a top-level orchestration pass.
type Task struct {
	JobID       string                 `json:"job_id"`
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	NodeID      string                 `json:"node_id,omitempty"`
	NodeType    NodeType               `json:"node_type,omitempty"`
	NodeData    map[string]interface{} `json:"node_data,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	DebugMode   bool                   `json:"debug_mode,omitempty"`
	Attempt     int                    `json:"attempt"`
	MaxAttempts int                    `json:"max_attempts"`
}

// Orchestration reports whether the task is a top-level workflow pass
// rather than node work.
func (t *Task) Orchestration() bool {
	return t.NodeID == ""
}

// Category returns the queue category the task belongs to.
func (t *Task) Category() Category {
	if t.Orchestration() {
		return CategoryOrchestration
	}
	return CategoryFor(t.NodeType)
}

// JobLog is one append-only observability line attached to a job. Logs
// never affect control flow.
type JobLog struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Result is what a processor returns on success. Deferred marks work whose
// node result will be delivered later by someone else (a spawned child
// execution), so the completion path must not mark the node complete.
type Result struct {
	Output        map[string]interface{} `json:"output,omitempty"`
	Cost          float64                `json:"cost"`
	CostBreakdown map[string]float64     `json:"cost_breakdown,omitempty"`
	Deferred      bool                   `json:"-"`
}
