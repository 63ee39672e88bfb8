package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kradalby/port-twin/measurement"
)

// HistoricalPath is the energy API endpoint for day queries.
const HistoricalPath = "/api/historical-data"

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Client queries the energy API for historical records.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	logger     *slog.Logger
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithTimeout sets a custom timeout for the HTTP client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithAPIKey sets an API key for authentication.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithLogger sets the logger used for response diagnostics.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient creates a new API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Fetch implements Fetcher.
func (c *Client) Fetch(ctx context.Context, device string, day measurement.Day) ([]measurement.Record, error) {
	if day.IsZero() {
		return nil, fmt.Errorf("date is required")
	}

	params := url.Values{}
	params.Set("device", device)
	params.Set("date", day.String())

	resp, err := c.doRequest(ctx, http.MethodGet, HistoricalPath+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	records, skipped, err := decodeHistory(body)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		c.logger.Debug("Skipped malformed historical records", "device", device, "date", day.String(), "skipped", skipped)
	}
	return records, nil
}

// decodeHistory accepts a bare array or an object with a data array.
func decodeHistory(body []byte) ([]measurement.Record, int, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, 0, fmt.Errorf("failed to decode response: %w", err)
		}
		body = wrapped.Data
	}

	records, skipped, err := measurement.DecodeBatch(body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}
	if records == nil {
		records = []measurement.Record{}
	}
	return records, skipped, nil
}

// doRequest performs an HTTP request and handles common errors.
func (c *Client) doRequest(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return resp, nil
}

var _ Fetcher = (*Client)(nil)
