// Package placerclient provides a Go client for the placer HTTP API
package placerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const userAgent = "placer-go-client/1.0.0"

var (
	// ErrRateLimited is returned when the server rejects a trigger with 429
	ErrRateLimited = errors.New("rate limit exceeded (429)")

	// ErrUnauthorized is returned on 401
	ErrUnauthorized = errors.New("unauthorized (401)")
)

// Client is the placer API client
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ActionResult reports one region that was left unchanged and why
type ActionResult struct {
	Region string `json:"region"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// ActionError reports a placement executor failure for one region
type ActionError struct {
	Region string `json:"region"`
	Action string `json:"action"`
	Error  string `json:"error"`
}

// RegionEstimate is the traffic signal and thresholds computed for a region
type RegionEstimate struct {
	Estimate     float64 `json:"estimate"`
	LongEstimate float64 `json:"long_estimate"`
	ScaleUp      float64 `json:"scale_up_threshold"`
	ScaleDown    float64 `json:"scale_down_threshold"`
	Volatility   float64 `json:"volatility"`
	Samples      int     `json:"samples"`
}

// CycleResult is the outcome of one evaluation cycle
type CycleResult struct {
	CycleID           string                    `json:"cycle_id"`
	Timestamp         time.Time                 `json:"timestamp"`
	DryRun            bool                      `json:"dry_run"`
	Deployed          []string                  `json:"deployed"`
	Removed           []string                  `json:"removed"`
	Skipped           []ActionResult            `json:"skipped"`
	Errors            []ActionError             `json:"errors"`
	CurrentDeployment []string                  `json:"current_deployment"`
	UpdatedDeployment []string                  `json:"updated_deployment"`
	Estimates         map[string]RegionEstimate `json:"estimates,omitempty"`
}

// State is the deployment state of the server's current mode
type State struct {
	Mode    string                `json:"mode"`
	Placed  []string              `json:"placed"`
	Regions map[string]*time.Time `json:"regions"`
}

// Snapshot is one traffic observation
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Counts    map[string]float64 `json:"counts"`
}

// History is the stored traffic history, newest first
type History struct {
	Mode    string     `json:"mode"`
	Entries []Snapshot `json:"entries"`
}

// Health is the body of the health endpoint
type Health struct {
	Status       string `json:"status"`
	ConfigLoaded bool   `json:"config_loaded"`
	DryRun       bool   `json:"dry_run"`
	Mode         string `json:"mode"`
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a new placer API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// A cycle may wait on several executor calls
			Timeout: 5 * time.Minute,
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Trigger runs an evaluation cycle on the server
func (c *Client) Trigger(ctx context.Context) (*CycleResult, error) {
	var result CycleResult
	if err := c.do(ctx, http.MethodPost, "/v1/trigger", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// State returns the deployment state
func (c *Client) State(ctx context.Context) (*State, error) {
	var st State
	if err := c.do(ctx, http.MethodGet, "/v1/state", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// History returns at most limit history entries; limit <= 0 returns all
func (c *Client) History(ctx context.Context, limit int) (*History, error) {
	path := "/v1/history"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var h History
	if err := c.do(ctx, http.MethodGet, path, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Traffic returns the counts currently reported by the server's traffic source
func (c *Client) Traffic(ctx context.Context) (*Snapshot, error) {
	var s Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/traffic", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", &h); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Handle response status
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return nil
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
}
