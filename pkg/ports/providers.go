package ports

import "context"

// LLMRequest is one text generation call.
type LLMRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// LLMResponse is the provider's completion plus usage accounting.
type LLMResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// LLMClient is a text generation provider. Failures are surfaced as
// domain.ProcessingError so the retry and rate-limit policies apply.
type LLMClient interface {
	Name() string
	Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// PredictionStatus is the provider-side state of an async generation.
type PredictionStatus string

const (
	PredictionStarting   PredictionStatus = "starting"
	PredictionProcessing PredictionStatus = "processing"
	PredictionSucceeded  PredictionStatus = "succeeded"
	PredictionFailed     PredictionStatus = "failed"
	PredictionCanceled   PredictionStatus = "canceled"
)

// Terminal reports whether the prediction can never change again.
func (s PredictionStatus) Terminal() bool {
	return s == PredictionSucceeded || s == PredictionFailed || s == PredictionCanceled
}

// PredictionRequest starts an asynchronous generation (image, video).
// WebhookURL, when set, is where the provider posts status updates.
type PredictionRequest struct {
	Model      string
	Input      map[string]interface{}
	WebhookURL string
}

// Prediction is the provider's view of an async generation. ID is the
// correlation id stored on the job.
type Prediction struct {
	ID     string
	Status PredictionStatus
	Output map[string]interface{}
	Error  string
	Cost   float64
}

// PredictionClient is an async generation provider (image/video models
// that run server-side and report back by webhook or poll).
type PredictionClient interface {
	Name() string
	Create(ctx context.Context, req *PredictionRequest) (*Prediction, error)
	Get(ctx context.Context, id string) (*Prediction, error)
	Cancel(ctx context.Context, id string) error
}

// SpeechRequest is one text-to-speech synthesis call.
type SpeechRequest struct {
	Voice  string
	Text   string
	Format string
}

// SpeechResult carries the synthesized audio location and duration.
type SpeechResult struct {
	AudioURL string
	Seconds  float64
	Cost     float64
}

// SpeechClient is a text-to-speech provider.
type SpeechClient interface {
	Name() string
	Synthesize(ctx context.Context, req *SpeechRequest) (*SpeechResult, error)
}
