package domain

import "time"

// NodeType identifies what kind of work a workflow node performs.
type NodeType string

const (
	NodeTypeLLM        NodeType = "llm"
	NodeTypeImage      NodeType = "image"
	NodeTypeVideo      NodeType = "video"
	NodeTypeTTS        NodeType = "tts"
	NodeTypeFFmpeg     NodeType = "ffmpeg"
	NodeTypeSubflow    NodeType = "subflow"
	NodeTypeProcessing NodeType = "processing"
)

// Category names a worker pool / queue partition. Every node type maps to
// exactly one category; the orchestration category carries the top-level
// workflow passes rather than node work.
type Category string

const (
	CategoryLLM           Category = "llm"
	CategoryImage         Category = "image"
	CategoryVideo         Category = "video"
	CategoryProcessing    Category = "processing"
	CategoryOrchestration Category = "orchestration"
)

// Categories lists every queue category in a fixed order, used to build the
// per-category worker pools at startup.
func Categories() []Category {
	return []Category{
		CategoryLLM,
		CategoryImage,
		CategoryVideo,
		CategoryProcessing,
		CategoryOrchestration,
	}
}

// CategoryFor resolves the queue category for a node type. Unknown node
// types land on the generic processing pool.
func CategoryFor(t NodeType) Category {
	switch t {
	case NodeTypeLLM:
		return CategoryLLM
	case NodeTypeImage:
		return CategoryImage
	case NodeTypeVideo:
		return CategoryVideo
	default:
		return CategoryProcessing
	}
}

// Node is one unit of work in a workflow graph.
type Node struct {
	ID   string                 `json:"id"`
	Type NodeType               `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Edge is a directed dependency: Target runs after Source completes.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Workflow is the stored node/edge graph a user defined. The orchestrator
// treats it as read-only; node ids are unique within a graph.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
