package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// LLMProcessor runs text generation nodes against a completion provider.
// Token usage comes back with every response and is converted to cost
// with per-family pricing.
type LLMProcessor struct {
	client  ports.LLMClient
	metrics ports.MetricsCollector
	logger  *zap.Logger
}

// NewLLMProcessor creates the processor for the llm category.
func NewLLMProcessor(client ports.LLMClient, metrics ports.MetricsCollector, logger *zap.Logger) *LLMProcessor {
	return &LLMProcessor{
		client:  client,
		metrics: metrics,
		logger:  logger.Named("llm"),
	}
}

// Category implements Processor.
func (p *LLMProcessor) Category() domain.Category {
	return domain.CategoryLLM
}

// Process implements Processor.
func (p *LLMProcessor) Process(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	prompt := stringField(task.NodeData, "prompt")
	if prompt == "" {
		return nil, &domain.ValidationError{
			NodeID:     task.NodeID,
			Violations: []string{"llm node requires a prompt"},
		}
	}

	if task.DebugMode {
		return debugResult(task, map[string]interface{}{
			"text":  fmt.Sprintf("debug completion for node %s", task.NodeID),
			"model": "debug",
		}), nil
	}

	req := &ports.LLMRequest{
		Model:       stringField(task.NodeData, "model"),
		System:      stringField(task.NodeData, "system"),
		Prompt:      prompt,
		MaxTokens:   intField(task.NodeData, "max_tokens", 1024),
		Temperature: floatField(task.NodeData, "temperature", 0),
	}

	started := time.Now()
	resp, err := p.client.Complete(ctx, req)
	p.metrics.ObserveProviderLatency(p.client.Name(), time.Since(started))
	if err != nil {
		return nil, err
	}

	p.metrics.RecordProviderTokens(resp.Model, "input", resp.InputTokens)
	p.metrics.RecordProviderTokens(resp.Model, "output", resp.OutputTokens)

	inRate, outRate := pricePerK(resp.Model)
	inCost := float64(resp.InputTokens) / 1000 * inRate
	outCost := float64(resp.OutputTokens) / 1000 * outRate

	p.logger.Debug("completion finished",
		zap.String("job_id", task.JobID),
		zap.String("model", resp.Model),
		zap.Int("input_tokens", resp.InputTokens),
		zap.Int("output_tokens", resp.OutputTokens))

	return &domain.Result{
		Output: map[string]interface{}{
			"text":          resp.Text,
			"model":         resp.Model,
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
			"stop_reason":   resp.StopReason,
		},
		Cost: inCost + outCost,
		CostBreakdown: map[string]float64{
			"input_tokens":  inCost,
			"output_tokens": outCost,
		},
	}, nil
}

// pricePerK returns input and output USD prices per thousand tokens.
// Matching is by model family so dated snapshots do not need their own
// rows.
func pricePerK(model string) (in, out float64) {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return 0.015, 0.075
	case strings.Contains(m, "haiku"):
		return 0.001, 0.005
	default:
		return 0.003, 0.015
	}
}
