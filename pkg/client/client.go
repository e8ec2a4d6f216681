// Package client talks to the thinkd control API. Every call carries the
// session token the supervisor handed to its parent on ready.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// TokenHeader carries the session token on every request.
const TokenHeader = "X-App-Token"

// Client provides HTTP client functionality to communicate with the thinkd control API
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8766/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new control API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the supervisor is running and accepts the token
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/status")
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Supervisor unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	reachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Supervisor reachability check", "reachable", reachable, "status", resp.StatusCode)
	return reachable
}

// Status returns the backend, bridge and runtime snapshot
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/status", &st)
	return st, err
}

// History returns recent lifecycle events, newest first
func (c *Client) History(ctx context.Context, q HistoryQuery) ([]HistoryEvent, error) {
	params := url.Values{}
	if q.Name != "" {
		params.Set("name", q.Name)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	u := c.baseURL + "/history"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var events []HistoryEvent
	err := c.doJSON(ctx, http.MethodGet, u, &events)
	return events, err
}

// RestartBackend restarts the backend and returns once it is healthy again
func (c *Client) RestartBackend(ctx context.Context) error {
	c.logger.Debug("Restarting backend")
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/backend/restart", nil)
}

func (c *Client) newRequest(ctx context.Context, method, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(TokenHeader, c.token)
	return req, nil
}

// doJSON performs the request and decodes a 200 body into out when non-nil
func (c *Client) doJSON(ctx context.Context, method, u string, out any) error {
	req, err := c.newRequest(ctx, method, u)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a non-200 answer from the control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
