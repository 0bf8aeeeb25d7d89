package workers

import (
	"context"
	"errors"
	"sync"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// testTask builds a node task with the ids the assertions reference.
func testTask(nodeType domain.NodeType, data map[string]interface{}) *domain.Task {
	return &domain.Task{
		JobID:       "job-1",
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		NodeID:      "n1",
		NodeType:    nodeType,
		NodeData:    data,
		MaxAttempts: 3,
	}
}

// fakeLLMClient scripts one completion outcome and records every request.
type fakeLLMClient struct {
	mu   sync.Mutex
	resp *ports.LLMResponse
	err  error
	reqs []*ports.LLMRequest
}

func (c *fakeLLMClient) Name() string { return "fake-llm" }

func (c *fakeLLMClient) Complete(ctx context.Context, req *ports.LLMRequest) (*ports.LLMResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func (c *fakeLLMClient) requests() []*ports.LLMRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ports.LLMRequest(nil), c.reqs...)
}

// pollStep is one scripted Get outcome. The last step repeats when the
// poll loop outlives the script.
type pollStep struct {
	pred *ports.Prediction
	err  error
}

// fakePredictionClient scripts the submit-and-poll lifecycle of an async
// prediction provider.
type fakePredictionClient struct {
	mu        sync.Mutex
	initial   *ports.Prediction
	createErr error
	polls     []pollStep
	creates   []*ports.PredictionRequest
	canceled  []string
	gets      int
}

func (c *fakePredictionClient) Name() string { return "fake-predictions" }

func (c *fakePredictionClient) Create(ctx context.Context, req *ports.PredictionRequest) (*ports.Prediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates = append(c.creates, req)
	if c.createErr != nil {
		return nil, c.createErr
	}
	return c.initial, nil
}

func (c *fakePredictionClient) Get(ctx context.Context, id string) (*ports.Prediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if len(c.polls) == 0 {
		return nil, errors.New("no poll steps scripted")
	}
	i := c.gets - 1
	if i >= len(c.polls) {
		i = len(c.polls) - 1
	}
	return c.polls[i].pred, c.polls[i].err
}

func (c *fakePredictionClient) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, id)
	return nil
}

func (c *fakePredictionClient) createdRequests() []*ports.PredictionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ports.PredictionRequest(nil), c.creates...)
}

func (c *fakePredictionClient) canceledIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.canceled...)
}

func (c *fakePredictionClient) getCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

// fakeSpeechClient scripts one synthesis outcome and records requests.
type fakeSpeechClient struct {
	mu   sync.Mutex
	res  *ports.SpeechResult
	err  error
	reqs []*ports.SpeechRequest
}

func (c *fakeSpeechClient) Name() string { return "fake-speech" }

func (c *fakeSpeechClient) Synthesize(ctx context.Context, req *ports.SpeechRequest) (*ports.SpeechResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	return c.res, nil
}

func (c *fakeSpeechClient) requests() []*ports.SpeechRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ports.SpeechRequest(nil), c.reqs...)
}

// progressReport is one recorded ReportJobProgress call.
type progressReport struct {
	jobID    string
	progress int
	line     string
}

// fakeTracker records the correlation ids and progress lines a processor
// mirrors onto its job.
type fakeTracker struct {
	mu           sync.Mutex
	trackErr     error
	correlations map[string]string
	reports      []progressReport
}

func (t *fakeTracker) TrackCorrelation(ctx context.Context, jobID, correlationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.correlations == nil {
		t.correlations = make(map[string]string)
	}
	t.correlations[jobID] = correlationID
	return t.trackErr
}

func (t *fakeTracker) ReportJobProgress(ctx context.Context, jobID string, progress int, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = append(t.reports, progressReport{jobID: jobID, progress: progress, line: line})
}

func (t *fakeTracker) correlation(jobID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.correlations[jobID]
}

func (t *fakeTracker) reported() []progressReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]progressReport(nil), t.reports...)
}

// fakeLauncher records child execution launches for subflow nodes.
type fakeLauncher struct {
	mu    sync.Mutex
	child *domain.Execution
	err   error
	tasks []*domain.Task
}

func (l *fakeLauncher) LaunchChildExecution(ctx context.Context, task *domain.Task) (*domain.Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, task)
	if l.err != nil {
		return nil, l.err
	}
	return l.child, nil
}

func (l *fakeLauncher) launched() []*domain.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*domain.Task(nil), l.tasks...)
}

// fakeCoordinator scripts the claim decision and records every outcome a
// pool reports back.
type fakeCoordinator struct {
	mu       sync.Mutex
	run      bool
	beginErr error
	begins   []*ports.Delivery
	results  []*domain.Result
	errs     []error
}

func (c *fakeCoordinator) BeginJob(ctx context.Context, d *ports.Delivery) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.begins = append(c.begins, d)
	return c.run, c.beginErr
}

func (c *fakeCoordinator) HandleJobSuccess(ctx context.Context, d *ports.Delivery, res *domain.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
	return nil
}

func (c *fakeCoordinator) HandleJobFailure(ctx context.Context, d *ports.Delivery, procErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, procErr)
	return nil
}

func (c *fakeCoordinator) beginCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.begins)
}

func (c *fakeCoordinator) successCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *fakeCoordinator) failures() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

// scriptedProcessor runs a per-task function, defaulting to an echo of the
// node id.
type scriptedProcessor struct {
	category domain.Category
	fn       func(task *domain.Task) (*domain.Result, error)

	mu    sync.Mutex
	tasks []*domain.Task
}

func (p *scriptedProcessor) Category() domain.Category { return p.category }

func (p *scriptedProcessor) Process(ctx context.Context, task *domain.Task) (*domain.Result, error) {
	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(task)
	}
	return &domain.Result{Output: map[string]interface{}{"node": task.NodeID}}, nil
}

func (p *scriptedProcessor) processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}
