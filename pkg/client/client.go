// Package client is a Go client for the setup scorer HTTP API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const headerAPIKey = "X-API-Key"

// Features is the request body of a prediction.
type Features struct {
	ATR      float64 `json:"atr"`
	ADX      float64 `json:"adx"`
	Spread   float64 `json:"spread"`
	EMASlope float64 `json:"ema_slope"`
	Volume   int64   `json:"volume"`
	Hour     int64   `json:"hour"`
}

// Health is the body of GET /.
type Health struct {
	Status       string          `json:"status"`
	ModelsLoaded map[string]bool `json:"models_loaded"`
}

// ModelInfo describes one deployed strategy as reported by GET /models.
type ModelInfo struct {
	Strategy   string     `json:"strategy"`
	Path       string     `json:"path"`
	Format     string     `json:"format,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	SizeBytes  int64      `json:"size_bytes,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
	SHA256     string     `json:"sha256,omitempty"`
}

type modelsResp struct {
	Models []ModelInfo `json:"models"`
}

type predictResp struct {
	Probability *float64 `json:"probability"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("scorer: status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	base   string
	apiKey string
	rest   *resty.Client
}

// New creates a client for the server at base. apiKey may be empty when the
// server runs without a secret.
func New(base, apiKey string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	r.SetHeader("Accept", "application/json")
	return &Client{base: strings.TrimRight(base, "/"), apiKey: apiKey, rest: r}
}

// Health fetches the server status and which strategies have a model.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&h).
		Get(c.base + "/")
	if err != nil {
		return Health{}, fmt.Errorf("request failed: %w", err)
	}
	if err := check(resp); err != nil {
		return Health{}, err
	}
	return h, nil
}

// Models fetches per-strategy artifact details.
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	var m modelsResp
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&m).
		Get(c.base + "/models")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if err := check(resp); err != nil {
		return nil, err
	}
	return m.Models, nil
}

// Predict scores f with the model deployed for strategy.
func (c *Client) Predict(ctx context.Context, strategy string, f Features) (float64, error) {
	var p predictResp
	req := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(f).
		SetResult(&p)
	if c.apiKey != "" {
		req.SetHeader(headerAPIKey, c.apiKey)
	}

	resp, err := req.Post(c.base + "/predict_" + strategy)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	if err := check(resp); err != nil {
		return 0, err
	}
	if p.Probability == nil {
		return 0, fmt.Errorf("scorer: response has no probability: %s", resp.String())
	}
	return *p.Probability, nil
}

func check(resp *resty.Response) error {
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
