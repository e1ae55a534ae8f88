// Package describe rewrites raw dealer descriptions into clean listing
// copy via an external text service. The rewrite is best-effort cosmetics:
// every failure path returns the original text unchanged.
package describe

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Client talks to the description-rewrite service.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *log.Logger
}

// NewClient creates a describe client. An empty baseURL disables rewriting.
func NewClient(baseURL, apiKey string, logger *log.Logger) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		Logger: logger,
	}
}

type rewriteRequest struct {
	Text string `json:"text"`
}

type rewriteResponse struct {
	Text string `json:"text"`
}

// Humanize asks the service for a cleaned-up rendition of a description.
// On any failure the raw description comes back unchanged; a bad rewrite
// never blocks or degrades a vehicle record.
func (c *Client) Humanize(ctx context.Context, raw string) string {
	if c == nil || c.BaseURL == "" || raw == "" {
		return raw
	}

	payload, err := json.Marshal(rewriteRequest{Text: raw})
	if err != nil {
		return raw
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return raw
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.warn("Description rewrite failed: %v", err)
		return raw
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.warn("Description rewrite returned HTTP %d", resp.StatusCode)
		return raw
	}

	var out rewriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Text == "" {
		c.warn("Description rewrite produced no usable text")
		return raw
	}
	return out.Text
}

func (c *Client) warn(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf("WARN: "+format, args...)
	}
}
