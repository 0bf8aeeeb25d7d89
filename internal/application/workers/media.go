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

// jobTracker is the slice of the queue manager a long-running processor
// uses to record the provider correlation id and mirror progress onto the
// job while it waits.
type jobTracker interface {
	TrackCorrelation(ctx context.Context, jobID, correlationID string) error
	ReportJobProgress(ctx context.Context, jobID string, progress int, line string)
}

// MediaProcessor runs image and video nodes through an async prediction
// provider: submit, record the correlation id, then poll until the
// prediction settles. Provider webhooks may update the job sooner, but the
// poll loop stays the completion authority.
type MediaProcessor struct {
	category     domain.Category
	client       ports.PredictionClient
	tracker      jobTracker
	metrics      ports.MetricsCollector
	logger       *zap.Logger
	webhookBase  string
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewMediaProcessor creates a processor for the image or video category.
// webhookBase is the externally reachable base URL provider callbacks are
// built from; empty disables webhooks and leaves polling on its own.
func NewMediaProcessor(
	category domain.Category,
	client ports.PredictionClient,
	tracker jobTracker,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	webhookBase string,
	pollInterval time.Duration,
	pollTimeout time.Duration,
) *MediaProcessor {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	if pollTimeout <= 0 {
		pollTimeout = 15 * time.Minute
	}
	return &MediaProcessor{
		category:     category,
		client:       client,
		tracker:      tracker,
		metrics:      metrics,
		logger:       logger.Named(string(category)),
		webhookBase:  strings.TrimRight(webhookBase, "/"),
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

// Category implements Processor.
func (p *MediaProcessor) Category() domain.Category {
	return p.category
}

// Process implements Processor.
func (p *MediaProcessor) Process(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	if task.DebugMode {
		return debugResult(task, map[string]interface{}{
			"url": fmt.Sprintf("debug://%s/%s/%s", p.category, task.ExecutionID, task.NodeID),
		}), nil
	}

	req := &ports.PredictionRequest{
		Model: p.model(task),
		Input: predictionInput(task.NodeData),
	}
	if p.webhookBase != "" {
		req.WebhookURL = fmt.Sprintf("%s/api/v1/jobs/%s/update", p.webhookBase, task.JobID)
	}

	started := time.Now()
	pred, err := p.client.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := p.tracker.TrackCorrelation(ctx, task.JobID, pred.ID); err != nil {
		p.logger.Warn("failed to record correlation id",
			zap.String("job_id", task.JobID),
			zap.String("prediction_id", pred.ID),
			zap.Error(err))
	}
	p.tracker.ReportJobProgress(ctx, task.JobID, 5, fmt.Sprintf("prediction %s submitted", pred.ID))

	final, err := pollPrediction(ctx, p.client, p.tracker, p.logger, task.JobID, pred, p.pollInterval, p.pollTimeout)
	p.metrics.ObserveProviderLatency(p.client.Name(), time.Since(started))
	if err != nil {
		return nil, err
	}

	return &domain.Result{
		Output: final.Output,
		Cost:   final.Cost,
		CostBreakdown: map[string]float64{
			"provider": final.Cost,
		},
	}, nil
}

func (p *MediaProcessor) model(task *domain.Task) string {
	if m := stringField(task.NodeData, "model"); m != "" {
		return m
	}
	if p.category == domain.CategoryVideo {
		return "minimax/video-01"
	}
	return "black-forest-labs/flux-schnell"
}

// predictionInput copies the node data without the model key, which rides
// on the request itself.
func predictionInput(data map[string]interface{}) map[string]interface{} {
	input := make(map[string]interface{}, len(data))
	for k, v := range data {
		if k == "model" {
			continue
		}
		input[k] = v
	}
	return input
}

// pollPrediction waits for an async prediction to settle, mirroring coarse
// progress onto the job as the provider moves through its states. A few
// consecutive poll failures are tolerated before the node is failed; the
// prediction is cancelled upstream when the deadline passes.
func pollPrediction(
	ctx context.Context,
	client ports.PredictionClient,
	tracker jobTracker,
	logger *zap.Logger,
	jobID string,
	pred *ports.Prediction,
	interval time.Duration,
	timeout time.Duration,
) (*ports.Prediction, error) {
	deadline := time.Now().Add(timeout)
	lastStatus := pred.Status
	pollErrs := 0

	for {
		if pred.Status.Terminal() {
			return settlePrediction(pred)
		}
		if time.Now().After(deadline) {
			if err := client.Cancel(ctx, pred.ID); err != nil {
				logger.Warn("failed to cancel timed out prediction",
					zap.String("prediction_id", pred.ID),
					zap.Error(err))
			}
			return nil, domain.NewProcessingError("prediction %s timed out after %s", pred.ID, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		next, err := client.Get(ctx, pred.ID)
		if err != nil {
			pollErrs++
			if pollErrs >= 5 {
				return nil, err
			}
			logger.Warn("prediction poll failed",
				zap.String("prediction_id", pred.ID),
				zap.Int("consecutive_errors", pollErrs),
				zap.Error(err))
			continue
		}
		pollErrs = 0
		pred = next

		if pred.Status != lastStatus {
			lastStatus = pred.Status
			tracker.ReportJobProgress(ctx, jobID, progressFor(pred.Status),
				fmt.Sprintf("provider status: %s", pred.Status))
		}
	}
}

func settlePrediction(pred *ports.Prediction) (*ports.Prediction, error) {
	switch pred.Status {
	case ports.PredictionSucceeded:
		return pred, nil
	case ports.PredictionCanceled:
		return nil, domain.NewProcessingError("prediction %s canceled upstream", pred.ID)
	default:
		msg := pred.Error
		if msg == "" {
			msg = "no error detail reported"
		}
		return nil, domain.NewProcessingError("prediction %s failed: %s", pred.ID, msg)
	}
}

func progressFor(status ports.PredictionStatus) int {
	switch status {
	case ports.PredictionStarting:
		return 10
	case ports.PredictionProcessing:
		return 50
	case ports.PredictionSucceeded:
		return 100
	default:
		return 0
	}
}
