package orchestrator

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/domain/graph"
)

// Node data schemas, one per node type, embedded so validation has no
// filesystem dependencies. Data maps may carry extra keys; the schemas pin
// down the fields the processors read.
const (
	llmSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": { "type": "string", "minLength": 1 },
    "model": { "type": "string" },
    "system": { "type": "string" },
    "max_tokens": { "type": "integer", "minimum": 1 },
    "temperature": { "type": "number", "minimum": 0, "maximum": 2 }
  }
}`

	imageSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": { "type": "string", "minLength": 1 },
    "model": { "type": "string" },
    "width": { "type": "integer", "minimum": 1 },
    "height": { "type": "integer", "minimum": 1 }
  }
}`

	videoSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": { "type": "string", "minLength": 1 },
    "model": { "type": "string" },
    "duration_seconds": { "type": "number", "minimum": 0 }
  }
}`

	ttsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["text"],
  "properties": {
    "text": { "type": "string", "minLength": 1 },
    "voice": { "type": "string" },
    "format": { "type": "string" }
  }
}`

	ffmpegSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["operation"],
  "properties": {
    "operation": { "type": "string", "minLength": 1 },
    "inputs": { "type": "array", "items": { "type": "string" } },
    "args": { "type": "object" }
  }
}`

	subflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["workflow_id"],
  "properties": {
    "workflow_id": { "type": "string", "minLength": 1 }
  }
}`
)

// Validator checks workflow graphs before they are stored or executed:
// structural rules first (ids, edges, acyclicity), then each node's data
// against the JSON Schema for its type. Safe for concurrent use.
type Validator struct {
	nodeSchemas map[domain.NodeType]*jsonschema.Schema
}

// NewValidator compiles the per-node-type schemas.
func NewValidator() (*Validator, error) {
	sources := map[domain.NodeType]string{
		domain.NodeTypeLLM:     llmSchemaJSON,
		domain.NodeTypeImage:   imageSchemaJSON,
		domain.NodeTypeVideo:   videoSchemaJSON,
		domain.NodeTypeTTS:     ttsSchemaJSON,
		domain.NodeTypeFFmpeg:  ffmpegSchemaJSON,
		domain.NodeTypeSubflow: subflowSchemaJSON,
	}

	compiled := make(map[domain.NodeType]*jsonschema.Schema, len(sources))
	for nodeType, source := range sources {
		c := jsonschema.NewCompiler()
		c.AssertFormat()

		url := fmt.Sprintf("weft://schemas/node-%s.json", nodeType)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", nodeType, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", nodeType, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", nodeType, err)
		}
		compiled[nodeType] = schema
	}

	return &Validator{nodeSchemas: compiled}, nil
}

// ValidateWorkflow rejects graphs that must never reach the queue: missing
// or duplicate node ids, unknown node types, edges to nonexistent nodes,
// cycles, and node data that fails its type's schema.
func (v *Validator) ValidateWorkflow(wf *domain.Workflow) error {
	if wf == nil {
		return domain.NewGraphError("workflow is nil")
	}
	if len(wf.Nodes) == 0 {
		return domain.NewGraphError("workflow must have at least one node")
	}

	seen := make(map[string]bool, len(wf.Nodes))
	for _, node := range wf.Nodes {
		if node.ID == "" {
			return domain.NewGraphError("node id is required")
		}
		if seen[node.ID] {
			return domain.NewGraphError("duplicate node id: %s", node.ID)
		}
		seen[node.ID] = true

		if err := v.ValidateNodeData(node); err != nil {
			return err
		}
	}

	if err := graph.ValidateEdges(wf.Nodes, wf.Edges); err != nil {
		return err
	}
	if graph.DetectCycles(wf.Nodes, wf.Edges) {
		return domain.NewGraphError("workflow contains a cycle")
	}
	return nil
}

// ValidateNodeData checks one node's data map against the schema for its
// type. Unknown node types are rejected; the generic processing type is
// free-form and always passes.
func (v *Validator) ValidateNodeData(node domain.Node) error {
	if node.Type == domain.NodeTypeProcessing {
		return nil
	}

	schema, ok := v.nodeSchemas[node.Type]
	if !ok {
		return &domain.ValidationError{
			NodeID:     node.ID,
			Violations: []string{fmt.Sprintf("unknown node type %q", node.Type)},
		}
	}

	doc, err := toJSONValue(node.Data)
	if err != nil {
		return &domain.ValidationError{
			NodeID:     node.ID,
			Violations: []string{"node data is not JSON-serializable: " + err.Error()},
		}
	}

	if err := schema.Validate(doc); err != nil {
		return &domain.ValidationError{
			NodeID:     node.ID,
			Violations: violationsFrom(err),
		}
	}
	return nil
}

// toJSONValue round-trips a value through JSON so numbers arrive as
// json.Number, which the jsonschema library requires.
func toJSONValue(v interface{}) (interface{}, error) {
	if v == nil {
		v = map[string]interface{}{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violationsFrom flattens a jsonschema validation error tree into one
// message per leaf cause, prefixed with its instance location.
func violationsFrom(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
