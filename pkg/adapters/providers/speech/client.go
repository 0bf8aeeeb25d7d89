// Package speech adapts an HTTP text-to-speech API to the SpeechClient
// port. Synthesis is synchronous: one call returns the audio location.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

// Client implements SpeechClient against a JSON-over-HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *zap.Logger
}

// NewClient creates a speech synthesis client.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    baseURL,
		token:      token,
		logger:     logger,
	}
}

// Name identifies the provider in logs and metrics.
func (c *Client) Name() string {
	return "speech"
}

// Synthesize runs one text-to-speech call.
func (c *Client) Synthesize(ctx context.Context, req *ports.SpeechRequest) (*ports.SpeechResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"voice":  req.Voice,
		"text":   req.Text,
		"format": req.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speech request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build speech request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.NewProcessingError("speech API unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.apiError(resp)
	}

	var payload struct {
		AudioURL string  `json:"audio_url"`
		Seconds  float64 `json:"seconds"`
		Cost     float64 `json:"cost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, domain.NewProcessingError("failed to decode speech response: %v", err)
	}

	c.logger.Debug("speech synthesized",
		zap.String("voice", req.Voice),
		zap.Float64("seconds", payload.Seconds))

	return &ports.SpeechResult{
		AudioURL: payload.AudioURL,
		Seconds:  payload.Seconds,
		Cost:     payload.Cost,
	}, nil
}

// apiError builds a ProcessingError from a non-2xx response, picking up a
// Retry-After hint when the provider sends one.
func (c *Client) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	pe := &domain.ProcessingError{
		Message:    fmt.Sprintf("speech API: %s", bytes.TrimSpace(raw)),
		HTTPStatus: resp.StatusCode,
	}
	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil {
			pe.RetryAfter = secs
		}
	}

	c.logger.Warn("speech API call failed",
		zap.Int("status", pe.HTTPStatus),
		zap.Float64("retry_after", pe.RetryAfter))

	return pe
}
