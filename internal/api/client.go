// Package api implements the authenticated JSON dispatcher for the
// management backend: request building, retry with exponential backoff,
// and the 401 refresh-and-retry path.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned once a 401 has survived a refresh attempt
// and the credential bundle has been cleared. Callers re-enroll.
var ErrUnauthorized = errors.New("api: authorization rejected")

// maxResponseBytes caps response bodies to keep a misbehaving backend
// from exhausting agent memory.
const maxResponseBytes = 10 * 1024 * 1024

// TokenSource supplies the bearer token and owns its lifecycle.
// Satisfied by the credential manager.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) error
	Clear() error
}

// Client dispatches JSON POST requests to the backend. All five backend
// endpoints go through Post; authorization, retries, and the 401 path
// are handled here so the loops above never see transport details.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int

	tokens        TokenSource
	onAuthFailure func()

	// backoffUnit scales the 2^attempt delay; tests shrink it
	backoffUnit time.Duration
}

// NewClient creates a dispatcher for the given backend base URL
func NewClient(baseURL string, timeout time.Duration, maxRetries int, logger *zap.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
		maxRetries:  maxRetries,
		backoffUnit: time.Second,
	}
}

// SetTokenSource wires the credential manager. Set once during
// construction, before the first authenticated request.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// SetAuthFailureHandler registers the hook fired after credentials have
// been cleared on an unrecoverable 401.
func (c *Client) SetAuthFailureHandler(fn func()) {
	c.onAuthFailure = fn
}

// Post sends a JSON request to the given endpoint. A 404 response is
// returned as (nil, nil): some endpoints legitimately have nothing yet.
func (c *Client) Post(ctx context.Context, endpoint string, body interface{}, useAuth bool) (json.RawMessage, error) {
	return c.do(ctx, endpoint, body, useAuth, 0)
}

func (c *Client) do(ctx context.Context, endpoint string, body interface{}, useAuth bool, attempt int) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "opsdeck-agent/1.0")
	req.Header.Set("X-Request-Id", requestID)

	if useAuth && c.tokens != nil {
		if token := c.tokens.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	// Endpoint and outcome only; request bodies carry tokens and task
	// payloads and are never logged.
	c.logger.Debug("Dispatching request",
		zap.String("endpoint", endpoint),
		zap.String("request_id", requestID),
		zap.Int("attempt", attempt),
		zap.Bool("auth", useAuth))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Request failed",
			zap.String("endpoint", endpoint),
			zap.String("request_id", requestID),
			zap.Error(err))
		return c.retry(ctx, endpoint, body, useAuth, attempt, fmt.Errorf("request to %s failed: %w", endpoint, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.retry(ctx, endpoint, body, useAuth, attempt, fmt.Errorf("failed to read response from %s: %w", endpoint, err))
	}

	c.logger.Debug("Received response",
		zap.String("endpoint", endpoint),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil

	case resp.StatusCode == http.StatusNotFound:
		// No data yet, not an error
		return nil, nil

	case resp.StatusCode == http.StatusUnauthorized && useAuth:
		return c.handleUnauthorized(ctx, endpoint, body, attempt)

	default:
		return c.retry(ctx, endpoint, body, useAuth, attempt,
			fmt.Errorf("request to %s returned status %d", endpoint, resp.StatusCode))
	}
}

// handleUnauthorized runs the single refresh-and-retry allowed per 401.
// Credentials are destroyed only here, and only after a refresh attempt
// has been tried and failed or retries are exhausted; a lone transient
// 401 never clears them.
func (c *Client) handleUnauthorized(ctx context.Context, endpoint string, body interface{}, attempt int) (json.RawMessage, error) {
	if c.tokens == nil {
		return nil, fmt.Errorf("%w: no token source configured", ErrUnauthorized)
	}

	c.logger.Info("Received 401, attempting token refresh", zap.String("endpoint", endpoint))

	refreshErr := c.tokens.Refresh(ctx)
	if refreshErr == nil && attempt < c.maxRetries {
		return c.do(ctx, endpoint, body, true, attempt+1)
	}

	if clearErr := c.tokens.Clear(); clearErr != nil {
		c.logger.Warn("Failed to clear rejected credentials", zap.Error(clearErr))
	}
	if c.onAuthFailure != nil {
		c.onAuthFailure()
	}

	if refreshErr != nil {
		return nil, fmt.Errorf("%w: token refresh failed: %v", ErrUnauthorized, refreshErr)
	}
	return nil, fmt.Errorf("%w: retries exhausted on %s", ErrUnauthorized, endpoint)
}

// retry sleeps 2^attempt backoff units and reissues the request, up to
// maxRetries. The sleep honors context cancellation so no retry fires
// after the agent stops.
func (c *Client) retry(ctx context.Context, endpoint string, body interface{}, useAuth bool, attempt int, cause error) (json.RawMessage, error) {
	if attempt >= c.maxRetries {
		return nil, fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, cause)
	}

	delay := time.Duration(1<<uint(attempt)) * c.backoffUnit
	c.logger.Debug("Retrying after backoff",
		zap.String("endpoint", endpoint),
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt),
		zap.Error(cause))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.do(ctx, endpoint, body, useAuth, attempt+1)
}
