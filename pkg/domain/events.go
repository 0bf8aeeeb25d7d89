package domain

import "time"

// EventType identifies the kind of lifecycle event published on the bus.
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCancelled EventType = "execution.cancelled"
	EventNodeStarted        EventType = "node.started"
	EventNodeCompleted      EventType = "node.completed"
	EventNodeFailed         EventType = "node.failed"
	EventJobProgress        EventType = "job.progress"
	EventJobDeadLettered    EventType = "job.dead_lettered"
)

// Bus topics. Execution and node lifecycle flows on one, job-level progress
// and dead-letter notices on the other.
const (
	TopicExecutionEvents = "execution.events"
	TopicJobEvents       = "job.events"
)

// Event is a lifecycle notification published while an execution runs.
// Streaming consumers (SSE, WebSocket) and operators subscribe to these.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	NodeID      string                 `json:"node_id,omitempty"`
	JobID       string                 `json:"job_id,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}
