package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trade-sync/internal/logger"
	"trade-sync/internal/report"
	"trade-sync/internal/syncer"
)

// Client talks to a running sync daemon.
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
	retry      RetryConfig
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeader sets a default header for all requests
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers[key] = value
	}
}

func WithRetry(cfg RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = cfg
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    baseURL,
		headers:    make(map[string]string),
		retry:      DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 1 * time.Second,
		MaxWait:     5 * time.Second,
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// retryable reports whether a retry could change the outcome.
func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type request struct {
	method      string
	path        string
	body        []byte
	contentType string
}

// Import uploads a report for userID and returns the import summary.
func (c *Client) Import(ctx context.Context, userID string, format report.Format, data []byte) (syncer.ImportResult, error) {
	var out syncer.ImportResult
	path := fmt.Sprintf("/v1/users/%s/imports?format=%s", url.PathEscape(userID), url.QueryEscape(string(format)))
	ct := "text/html"
	if format == report.FormatCSV {
		ct = "text/csv"
	}
	err := c.doWithRetry(ctx, request{method: http.MethodPost, path: path, body: data, contentType: ct}, &out)
	return out, err
}

// Sync triggers a queued terminal sync. It is not retried.
func (c *Client) Sync(ctx context.Context, userID, accountID string, priority int) (syncer.SyncResult, error) {
	var out syncer.SyncResult
	path := fmt.Sprintf("/v1/users/%s/accounts/%s/sync?priority=%s",
		url.PathEscape(userID), url.PathEscape(accountID), strconv.Itoa(priority))
	err := c.do(ctx, request{method: http.MethodPost, path: path}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	u := c.baseURL + req.path

	var bodyReader io.Reader
	if req.body != nil {
		bodyReader = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range c.headers {
		httpReq.Header.Set(key, value)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	logger.Debug(ctx, "HTTP Request", "method", req.method, "url", u, "bytes", len(req.body))
	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	logger.Debug(ctx, "HTTP Response",
		"method", req.method,
		"url", u,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"bodySize", len(body))

	if resp.StatusCode >= 400 {
		se := &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Code != "" {
			se.Code, se.Message = ae.Code, ae.Message
		}
		return se
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, req request, out any) error {
	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	wait := c.retry.InitialWait

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.do(ctx, req, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		if attempt == attempts {
			break
		}
		logger.Warn(ctx, "Request failed, retrying", "attempt", attempt, "error", err.Error(), "wait", wait.String())

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		wait *= 2
		if wait > c.retry.MaxWait {
			wait = c.retry.MaxWait
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}
