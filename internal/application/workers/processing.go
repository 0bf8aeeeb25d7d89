package workers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// subflowLauncher spawns a linked child execution for a subflow node.
type subflowLauncher interface {
	LaunchChildExecution(ctx context.Context, task *domain.Task) (*domain.Execution, error)
}

// ProcessingProcessor covers the processing category: speech synthesis,
// media transforms, sub-workflow launches and plain passthrough nodes.
type ProcessingProcessor struct {
	speech       ports.SpeechClient
	media        ports.PredictionClient
	launcher     subflowLauncher
	tracker      jobTracker
	metrics      ports.MetricsCollector
	logger       *zap.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewProcessingProcessor creates the processor for the processing
// category. The prediction client runs ffmpeg transforms server-side with
// the same submit-and-poll shape media generation uses.
func NewProcessingProcessor(
	speech ports.SpeechClient,
	media ports.PredictionClient,
	launcher subflowLauncher,
	tracker jobTracker,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	pollInterval time.Duration,
	pollTimeout time.Duration,
) *ProcessingProcessor {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Minute
	}
	return &ProcessingProcessor{
		speech:       speech,
		media:        media,
		launcher:     launcher,
		tracker:      tracker,
		metrics:      metrics,
		logger:       logger.Named("processing"),
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

// Category implements Processor.
func (p *ProcessingProcessor) Category() domain.Category {
	return domain.CategoryProcessing
}

// Process implements Processor.
func (p *ProcessingProcessor) Process(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	// Subflow launches happen in debug mode too; the child inherits the
	// flag and synthesizes its own nodes.
	if task.NodeType == domain.NodeTypeSubflow {
		return p.launchSubflow(ctx, task)
	}

	if task.DebugMode {
		return p.debugProcess(task), nil
	}

	switch task.NodeType {
	case domain.NodeTypeTTS:
		return p.synthesize(ctx, task)
	case domain.NodeTypeFFmpeg:
		return p.transform(ctx, task)
	case domain.NodeTypeProcessing:
		return p.passthrough(task), nil
	default:
		return nil, &domain.ValidationError{
			NodeID:     task.NodeID,
			Violations: []string{fmt.Sprintf("node type %q is not handled by the processing pool", task.NodeType)},
		}
	}
}

func (p *ProcessingProcessor) launchSubflow(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	child, err := p.launcher.LaunchChildExecution(ctx, task)
	if err != nil {
		return nil, err
	}

	p.logger.Info("sub-workflow launched",
		zap.String("parent_execution_id", task.ExecutionID),
		zap.String("node_id", task.NodeID),
		zap.String("child_execution_id", child.ID))

	// The node result arrives later, when the child's terminal state is
	// delivered back to the parent.
	return &domain.Result{
		Deferred: true,
		Output: map[string]interface{}{
			"execution_id": child.ID,
		},
	}, nil
}

func (p *ProcessingProcessor) synthesize(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	text := stringField(task.NodeData, "text")
	if text == "" {
		return nil, &domain.ValidationError{
			NodeID:     task.NodeID,
			Violations: []string{"tts node requires text"},
		}
	}

	req := &ports.SpeechRequest{
		Voice:  stringField(task.NodeData, "voice"),
		Text:   text,
		Format: stringField(task.NodeData, "format"),
	}
	if req.Format == "" {
		req.Format = "mp3"
	}

	started := time.Now()
	res, err := p.speech.Synthesize(ctx, req)
	p.metrics.ObserveProviderLatency(p.speech.Name(), time.Since(started))
	if err != nil {
		return nil, err
	}

	return &domain.Result{
		Output: map[string]interface{}{
			"audio_url": res.AudioURL,
			"seconds":   res.Seconds,
			"format":    req.Format,
		},
		Cost: res.Cost,
		CostBreakdown: map[string]float64{
			"provider": res.Cost,
		},
	}, nil
}

func (p *ProcessingProcessor) transform(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	operation := stringField(task.NodeData, "operation")
	if operation == "" {
		return nil, &domain.ValidationError{
			NodeID:     task.NodeID,
			Violations: []string{"ffmpeg node requires an operation"},
		}
	}

	input := predictionInput(task.NodeData)
	delete(input, "operation")

	req := &ports.PredictionRequest{
		Model: "ffmpeg:" + operation,
		Input: input,
	}

	started := time.Now()
	pred, err := p.media.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := p.tracker.TrackCorrelation(ctx, task.JobID, pred.ID); err != nil {
		p.logger.Warn("failed to record correlation id",
			zap.String("job_id", task.JobID),
			zap.String("prediction_id", pred.ID),
			zap.Error(err))
	}

	final, err := pollPrediction(ctx, p.media, p.tracker, p.logger, task.JobID, pred, p.pollInterval, p.pollTimeout)
	p.metrics.ObserveProviderLatency(p.media.Name(), time.Since(started))
	if err != nil {
		return nil, err
	}

	output := final.Output
	if output == nil {
		output = map[string]interface{}{}
	}
	output["operation"] = operation

	return &domain.Result{
		Output: output,
		Cost:   final.Cost,
		CostBreakdown: map[string]float64{
			"provider": final.Cost,
		},
	}, nil
}

// passthrough echoes the resolved node data as the node's output, which
// makes plain processing nodes useful for reshaping upstream results.
func (p *ProcessingProcessor) passthrough(task *domain.Task) *domain.Result {
	out := make(map[string]interface{}, len(task.NodeData))
	for k, v := range task.NodeData {
		out[k] = v
	}
	return &domain.Result{Output: out}
}

func (p *ProcessingProcessor) debugProcess(task *domain.Task) *domain.Result {
	switch task.NodeType {
	case domain.NodeTypeTTS:
		return debugResult(task, map[string]interface{}{
			"audio_url": fmt.Sprintf("debug://audio/%s/%s", task.ExecutionID, task.NodeID),
			"seconds":   1.0,
		})
	case domain.NodeTypeFFmpeg:
		return debugResult(task, map[string]interface{}{
			"url":       fmt.Sprintf("debug://media/%s/%s", task.ExecutionID, task.NodeID),
			"operation": stringField(task.NodeData, "operation"),
		})
	default:
		return p.passthrough(task)
	}
}
