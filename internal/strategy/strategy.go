// Package strategy is the typed contract with the external AI strategy
// service. The pipeline hands over a resolved instrument key and receives a
// structured recommendation; it never generates or interprets text itself.
package strategy

import (
	"context"
	"errors"
	"time"

	"marketpipe/internal/api"
	"marketpipe/internal/trace"
)

// Request identifies the instrument to generate a recommendation for.
type Request struct {
	InstrumentKey string `json:"instrumentKey"`
	HorizonDays   int    `json:"horizonDays,omitempty"`
}

// Recommendation is the structured response from the strategy service.
type Recommendation struct {
	InstrumentKey string  `json:"instrumentKey"`
	Action        string  `json:"action"` // BUY, SELL or HOLD
	Confidence    float64 `json:"confidence"`
	Rationale     string  `json:"rationale"`
}

// Client calls the strategy service.
type Client struct {
	baseURL string
	model   string
	apiKey  func() string
	timeout time.Duration
}

// NewClient creates a strategy client against the given base URL. apiKey is
// looked up at call time so a rotated key takes effect without a restart.
func NewClient(baseURL, model string, apiKey func() string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
		timeout: timeout,
	}
}

// Recommend requests a recommendation for one instrument. A missing API key
// is a precondition failure: it returns immediately and is not retried.
func (c *Client) Recommend(ctx context.Context, req Request) (Recommendation, error) {
	ctx, span := trace.StartSpan(ctx, "strategy.Recommend")
	defer span.End()

	key := c.apiKey()
	if key == "" {
		return Recommendation{}, errors.New("strategy API key missing")
	}
	if req.InstrumentKey == "" {
		return Recommendation{}, errors.New("instrument key required")
	}

	client := api.NewClient(
		api.WithBaseURL(c.baseURL),
		api.WithTimeout(c.timeout),
		api.WithHeader("Authorization", "Bearer "+key),
	)

	body := map[string]any{
		"model":         c.model,
		"instrumentKey": req.InstrumentKey,
		"horizonDays":   req.HorizonDays,
	}

	var rec Recommendation
	if err := client.PostJSON(ctx, "/recommend", body, &rec); err != nil {
		return Recommendation{}, err
	}
	return rec, nil
}
