// Package market queries an external market-pricing API for model-level
// valuation data. It backs the tertiary revalidation tier: when scraping
// fails outright, a successful lookup is treated as evidence the inventory
// is still plausible.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Quote is a model-level market valuation.
type Quote struct {
	Make         string `json:"make"`
	Model        string `json:"model"`
	Year         int    `json:"year"`
	AveragePrice int    `json:"average_price"`
	SampleSize   int    `json:"sample_size"`
}

// Client talks to the market-pricing API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a market client with a sensible request timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Lookup fetches the market quote for a year/make/model. Any failure means
// the tier it backs fails; callers decide what that implies.
func (c *Client) Lookup(ctx context.Context, make, model string, year int) (*Quote, error) {
	endpoint, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid market API URL: %w", err)
	}
	q := endpoint.Query()
	q.Set("make", make)
	q.Set("model", model)
	q.Set("year", fmt.Sprintf("%d", year))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build market request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("market lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market API returned HTTP %d", resp.StatusCode)
	}

	var quote Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("failed to decode market quote: %w", err)
	}
	return &quote, nil
}
