package providers

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/adapters/providers/anthropic"
	"github.com/weftworks/weft/pkg/adapters/providers/prediction"
	"github.com/weftworks/weft/pkg/adapters/providers/speech"
	"github.com/weftworks/weft/pkg/ports"
)

// LLMConfig holds LLM client configuration.
type LLMConfig struct {
	Provider     string
	APIKey       string
	DefaultModel string
}

// NewLLMClient creates a new LLM client based on provider.
func NewLLMClient(cfg *LLMConfig, logger *zap.Logger) (ports.LLMClient, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewClient(cfg.APIKey, cfg.DefaultModel, logger)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// PredictionConfig holds prediction API client configuration.
type PredictionConfig struct {
	BaseURL string
	Token   string
}

// NewPredictionClient creates a client for the async prediction API that
// serves image and video generation.
func NewPredictionClient(cfg *PredictionConfig, logger *zap.Logger) (ports.PredictionClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("prediction API base URL is required")
	}
	return prediction.NewClient(cfg.BaseURL, cfg.Token, logger), nil
}

// SpeechConfig holds speech synthesis client configuration.
type SpeechConfig struct {
	BaseURL string
	Token   string
}

// NewSpeechClient creates a text-to-speech client.
func NewSpeechClient(cfg *SpeechConfig, logger *zap.Logger) (ports.SpeechClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("speech API base URL is required")
	}
	return speech.NewClient(cfg.BaseURL, cfg.Token, logger), nil
}
