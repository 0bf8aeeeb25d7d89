// Package prediction adapts an HTTP prediction API (server-side image and
// video generation) to the PredictionClient port. Predictions run
// asynchronously: Create returns a correlation id, then the provider
// reports progress by webhook or Get polling.
package prediction

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

// Client implements PredictionClient against a JSON-over-HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *zap.Logger
}

// NewClient creates a prediction API client.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		token:      token,
		logger:     logger,
	}
}

// Name identifies the provider in logs and metrics.
func (c *Client) Name() string {
	return "prediction"
}

// predictionPayload is the provider's wire shape for a prediction.
type predictionPayload struct {
	ID     string                 `json:"id"`
	Status string                 `json:"status"`
	Output map[string]interface{} `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Cost   float64                `json:"cost,omitempty"`
}

// Create starts an async generation and returns its correlation id.
func (c *Client) Create(ctx context.Context, req *ports.PredictionRequest) (*ports.Prediction, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":   req.Model,
		"input":   req.Input,
		"webhook": req.WebhookURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prediction request: %w", err)
	}

	payload, err := c.do(ctx, http.MethodPost, "/predictions", bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	c.logger.Debug("prediction created",
		zap.String("prediction_id", payload.ID),
		zap.String("model", req.Model),
		zap.String("status", payload.Status))

	return toPrediction(payload), nil
}

// Get fetches the current state of a prediction.
func (c *Client) Get(ctx context.Context, id string) (*ports.Prediction, error) {
	payload, err := c.do(ctx, http.MethodGet, "/predictions/"+id, nil)
	if err != nil {
		return nil, err
	}
	return toPrediction(payload), nil
}

// Cancel asks the provider to stop a prediction. Already-terminal
// predictions are left as they are.
func (c *Client) Cancel(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/predictions/"+id+"/cancel", nil)
	return err
}

// do runs one API call and maps failures onto ProcessingError.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*predictionPayload, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build prediction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewProcessingError("prediction API unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.apiError(resp)
	}

	var payload predictionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, domain.NewProcessingError("failed to decode prediction response: %v", err)
	}
	return &payload, nil
}

// apiError builds a ProcessingError from a non-2xx response, picking up a
// Retry-After hint when the provider sends one.
func (c *Client) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	pe := &domain.ProcessingError{
		Message:    fmt.Sprintf("prediction API: %s", bytes.TrimSpace(raw)),
		HTTPStatus: resp.StatusCode,
	}
	if header := resp.Header.Get("Retry-After"); header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil {
			pe.RetryAfter = secs
		}
	}

	c.logger.Warn("prediction API call failed",
		zap.Int("status", pe.HTTPStatus),
		zap.Float64("retry_after", pe.RetryAfter))

	return pe
}

func toPrediction(payload *predictionPayload) *ports.Prediction {
	return &ports.Prediction{
		ID:     payload.ID,
		Status: ports.PredictionStatus(payload.Status),
		Output: payload.Output,
		Error:  payload.Error,
		Cost:   payload.Cost,
	}
}
