// Package anthropic adapts the Anthropic Messages API to the LLMClient
// port. API failures become domain.ProcessingError values carrying the
// HTTP status and any Retry-After hint, so rate limits flow into the
// orchestrator's reschedule policy.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

const defaultModel = "claude-sonnet-4-20250514"

// Client implements LLMClient on the Anthropic Messages API.
type Client struct {
	api          anthropic.Client
	logger       *zap.Logger
	defaultModel string
}

// NewClient creates an Anthropic LLM client.
func NewClient(apiKey, model string, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if model == "" {
		model = defaultModel
	}

	return &Client{
		api:          anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger:       logger,
		defaultModel: model,
	}, nil
}

// Name identifies the provider in logs and metrics.
func (c *Client) Name() string {
	return "anthropic"
}

// Complete runs one text generation call.
func (c *Client) Complete(ctx context.Context, req *ports.LLMRequest) (*ports.LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return nil, c.wrapError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c.logger.Debug("llm completion finished",
		zap.String("model", model),
		zap.Int64("input_tokens", message.Usage.InputTokens),
		zap.Int64("output_tokens", message.Usage.OutputTokens))

	return &ports.LLMResponse{
		Text:         text.String(),
		Model:        model,
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
	}, nil
}

// wrapError converts SDK failures into the shared processing error shape.
func (c *Client) wrapError(err error) error {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return domain.NewProcessingError("anthropic call failed: %v", err)
	}

	pe := &domain.ProcessingError{
		Message:    apierr.Error(),
		HTTPStatus: apierr.StatusCode,
	}
	if apierr.Response != nil {
		if header := apierr.Response.Header.Get("retry-after"); header != "" {
			if secs, perr := strconv.ParseFloat(header, 64); perr == nil {
				pe.RetryAfter = secs
			}
		}
	}

	c.logger.Warn("anthropic call failed",
		zap.Int("status", pe.HTTPStatus),
		zap.Float64("retry_after", pe.RetryAfter),
		zap.Error(err))

	return pe
}
