package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/adapters/metrics/noop"
	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

func newMediaProcessor(category domain.Category, client *fakePredictionClient, tracker *fakeTracker, webhookBase string) *MediaProcessor {
	return NewMediaProcessor(category, client, tracker, noop.NewCollector(), zap.NewNop(),
		webhookBase, time.Millisecond, time.Second)
}

func TestMediaProcessorPollsPredictionToCompletion(t *testing.T) {
	client := &fakePredictionClient{
		initial: &ports.Prediction{ID: "pred-1", Status: ports.PredictionStarting},
		polls: []pollStep{
			{pred: &ports.Prediction{ID: "pred-1", Status: ports.PredictionProcessing}},
			{pred: &ports.Prediction{
				ID:     "pred-1",
				Status: ports.PredictionSucceeded,
				Output: map[string]interface{}{"url": "https://cdn.example.com/img.png"},
				Cost:   0.5,
			}},
		},
	}
	tracker := &fakeTracker{}
	p := newMediaProcessor(domain.CategoryImage, client, tracker, "https://hooks.example.com/")

	res, err := p.Process(context.Background(), testTask(domain.NodeTypeImage, map[string]interface{}{
		"prompt": "a lighthouse at dusk",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/img.png", res.Output["url"])
	assert.Equal(t, 0.5, res.Cost)
	assert.Equal(t, map[string]float64{"provider": 0.5}, res.CostBreakdown)

	// The provider correlation id lands on the job so webhook updates can
	// find it.
	assert.Equal(t, "pred-1", tracker.correlation("job-1"))

	reqs := client.createdRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "black-forest-labs/flux-schnell", reqs[0].Model)
	assert.Equal(t, "a lighthouse at dusk", reqs[0].Input["prompt"])
	assert.NotContains(t, reqs[0].Input, "model")
	assert.Equal(t, "https://hooks.example.com/api/v1/jobs/job-1/update", reqs[0].WebhookURL)

	reports := tracker.reported()
	require.Len(t, reports, 3)
	assert.Equal(t, progressReport{jobID: "job-1", progress: 5, line: "prediction pred-1 submitted"}, reports[0])
	assert.Equal(t, progressReport{jobID: "job-1", progress: 50, line: "provider status: processing"}, reports[1])
	assert.Equal(t, progressReport{jobID: "job-1", progress: 100, line: "provider status: succeeded"}, reports[2])
}

func TestMediaProcessorModelSelection(t *testing.T) {
	cases := []struct {
		name     string
		category domain.Category
		nodeType domain.NodeType
		data     map[string]interface{}
		model    string
	}{
		{
			name:     "explicit model wins",
			category: domain.CategoryImage,
			nodeType: domain.NodeTypeImage,
			data:     map[string]interface{}{"prompt": "p", "model": "stability-ai/sdxl"},
			model:    "stability-ai/sdxl",
		},
		{
			name:     "image default",
			category: domain.CategoryImage,
			nodeType: domain.NodeTypeImage,
			data:     map[string]interface{}{"prompt": "p"},
			model:    "black-forest-labs/flux-schnell",
		},
		{
			name:     "video default",
			category: domain.CategoryVideo,
			nodeType: domain.NodeTypeVideo,
			data:     map[string]interface{}{"prompt": "p"},
			model:    "minimax/video-01",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakePredictionClient{
				initial: &ports.Prediction{ID: "pred-1", Status: ports.PredictionSucceeded},
			}
			p := newMediaProcessor(tc.category, client, &fakeTracker{}, "")

			_, err := p.Process(context.Background(), testTask(tc.nodeType, tc.data))
			require.NoError(t, err)

			reqs := client.createdRequests()
			require.Len(t, reqs, 1)
			assert.Equal(t, tc.model, reqs[0].Model)
			assert.Empty(t, reqs[0].WebhookURL)
		})
	}
}

func TestMediaProcessorFailedPrediction(t *testing.T) {
	client := &fakePredictionClient{
		initial: &ports.Prediction{ID: "pred-9", Status: ports.PredictionFailed, Error: "NSFW content detected"},
	}
	p := newMediaProcessor(domain.CategoryImage, client, &fakeTracker{}, "")

	_, err := p.Process(context.Background(), testTask(domain.NodeTypeImage, map[string]interface{}{"prompt": "p"}))
	require.Error(t, err)

	var pe *domain.ProcessingError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "prediction pred-9 failed: NSFW content detected")
}

func TestMediaProcessorFailedPredictionWithoutDetail(t *testing.T) {
	client := &fakePredictionClient{
		initial: &ports.Prediction{ID: "pred-9", Status: ports.PredictionFailed},
	}
	p := newMediaProcessor(domain.CategoryImage, client, &fakeTracker{}, "")

	_, err := p.Process(context.Background(), testTask(domain.NodeTypeImage, map[string]interface{}{"prompt": "p"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no error detail reported")
}

func TestMediaProcessorCanceledPrediction(t *testing.T) {
	client := &fakePredictionClient{
		initial: &ports.Prediction{ID: "pred-9", Status: ports.PredictionCanceled},
	}
	p := newMediaProcessor(domain.CategoryImage, client, &fakeTracker{}, "")

	_, err := p.Process(context.Background(), testTask(domain.NodeTypeImage, map[string]interface{}{"prompt": "p"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prediction pred-9 canceled upstream")
}

func TestMediaProcessorTimeoutCancelsPrediction(t *testing.T) {
	client := &fakePredictionClient{
		initial: &ports.Prediction{ID: "pred-2", Status: ports.PredictionStarting},
		polls: []pollStep{
			{pred: &ports.Prediction{ID: "pred-2", Status: ports.PredictionStarting}},
		},
	}
	p := NewMediaProcessor(domain.CategoryVideo, client, &fakeTracker{}, noop.NewCollector(),
		zap.NewNop(), "", time.Millisecond, time.Nanosecond)

	_, err := p.Process(context.Background(), testTask(domain.NodeTypeVideo, map[string]interface{}{"prompt": "p"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, []string{"pred-2"}, client.canceledIDs())
}

func TestMediaProcessorToleratesTransientPollErrors(t *testing.T) {
	client := &fakePredictionClient{
		initial: &ports.Prediction{ID: "pred-3", Status: ports.PredictionStarting},
		polls: []pollStep{
			{err: &domain.ProcessingError{Message: "gateway hiccup"}},
			{err: &domain.ProcessingError{Message: "gateway hiccup"}},
			{pred: &ports.Prediction{ID: "pred-3", Status: ports.PredictionSucceeded, Cost: 0.1}},
		},
	}
	p := newMediaProcessor(domain.CategoryImage, client, &fakeTracker{}, "")

	res, err := p.Process(context.Background(), testTask(domain.NodeTypeImage, map[string]interface{}{"prompt": "p"}))
	require.NoError(t, err)
	assert.Equal(t, 0.1, res.Cost)
	assert.Equal(t, 3, client.getCalls())
}

func TestMediaProcessorGivesUpAfterRepeatedPollFailures(t *testing.T) {
	pollErr := &domain.ProcessingError{Message: "provider unreachable"}
	client := &fakePredictionClient{
		initial: &ports.Prediction{ID: "pred-4", Status: ports.PredictionStarting},
		polls:   []pollStep{{err: pollErr}},
	}
	p := newMediaProcessor(domain.CategoryImage, client, &fakeTracker{}, "")

	_, err := p.Process(context.Background(), testTask(domain.NodeTypeImage, map[string]interface{}{"prompt": "p"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, pollErr)
	assert.Equal(t, 5, client.getCalls())
}

func TestMediaProcessorDebugModeSkipsProvider(t *testing.T) {
	client := &fakePredictionClient{}
	p := newMediaProcessor(domain.CategoryImage, client, &fakeTracker{}, "")

	task := testTask(domain.NodeTypeImage, map[string]interface{}{"prompt": "p"})
	task.DebugMode = true

	res, err := p.Process(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, true, res.Output["debug"])
	assert.Equal(t, "debug://image/exec-1/n1", res.Output["url"])
	assert.Empty(t, client.createdRequests())
}

func TestMediaProcessorCategory(t *testing.T) {
	p := newMediaProcessor(domain.CategoryVideo, &fakePredictionClient{}, &fakeTracker{}, "")
	assert.Equal(t, domain.CategoryVideo, p.Category())
}
