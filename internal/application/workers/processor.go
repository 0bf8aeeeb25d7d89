package workers

import (
	"context"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// Coordinator is the slice of the queue manager the worker pools drive.
// BeginJob claims a delivery and reports whether it should run; the two
// outcome handlers settle the delivery and pull the execution forward.
type Coordinator interface {
	BeginJob(ctx context.Context, d *ports.Delivery) (bool, error)
	HandleJobSuccess(ctx context.Context, d *ports.Delivery, res *domain.Result) error
	HandleJobFailure(ctx context.Context, d *ports.Delivery, procErr error) error
}

// Processor executes the node work for one queue category.
type Processor interface {
	Category() domain.Category
	Process(ctx context.Context, task *domain.Task) (*domain.Result, error)
}

// debugResult synthesizes a deterministic result so graphs can be
// exercised end to end without touching providers.
func debugResult(task *domain.Task, fields map[string]interface{}) *domain.Result {
	out := map[string]interface{}{
		"debug":   true,
		"node_id": task.NodeID,
		"type":    string(task.NodeType),
	}
	for k, v := range fields {
		out[k] = v
	}
	return &domain.Result{Output: out}
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// intField reads a numeric field that may arrive as int (in-process) or
// float64 (after a JSON round trip through the queue).
func intField(data map[string]interface{}, key string, fallback int) int {
	if data == nil {
		return fallback
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func floatField(data map[string]interface{}, key string, fallback float64) float64 {
	if data == nil {
		return fallback
	}
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}
