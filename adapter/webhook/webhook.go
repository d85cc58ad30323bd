// Package webhook implements an HTTP POST adapter.
//
// Publishes execution completion events as JSON to a configurable URL.
// Retries with exponential backoff on transient failures.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pithecene-io/corral/adapter"
	"github.com/pithecene-io/corral/iox"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the webhook adapter.
type Config struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Adapter publishes execution completion events via HTTP POST.
type Adapter struct {
	config Config
	client *http.Client
}

// New creates a webhook adapter from the given config.
// Returns an error if the URL is empty.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook adapter requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Adapter{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Publish POSTs event as JSON, retrying on transient failure. A response
// in the 4xx range is treated as a permanent rejection and returned
// immediately; 5xx responses and network errors count against the retry
// budget and back off exponentially between attempts.
func (a *Adapter) Publish(ctx context.Context, event *adapter.ExecutionCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	maxAttempts := a.config.Retries + 1
	var attemptErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return fmt.Errorf("webhook: %w", err)
			}
		} else if err := ctx.Err(); err != nil {
			return fmt.Errorf("webhook: context canceled: %w", err)
		}

		attemptErr = a.doRequest(ctx, body)
		if attemptErr == nil {
			return nil
		}
		if isPermanentStatus(attemptErr) {
			return fmt.Errorf("webhook: non-retriable error: %w", attemptErr)
		}
	}

	return fmt.Errorf("webhook: gave up after %d attempts: %w", maxAttempts, attemptErr)
}

// sleepBackoff waits out the delay for the given retry attempt (attempt 1
// is the first retry), or returns ctx's error if it's canceled first.
func sleepBackoff(ctx context.Context, attempt int) error {
	delay := (1 << uint(attempt-1)) * 500 * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// isPermanentStatus reports whether err wraps a client-error (4xx) response,
// which retrying would not fix.
func isPermanentStatus(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500
}

// StatusError wraps a non-2xx HTTP status so callers can tell a permanent
// client rejection apart from a transient server failure.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// doRequest issues a single POST attempt. The response body is always
// drained before returning so the underlying connection can be reused by
// the client's pool, win or lose.
func (a *Adapter) doRequest(ctx context.Context, body []byte) error {
	req, err := a.buildRequest(ctx, body)
	if err != nil {
		return err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (a *Adapter) buildRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// Verify Adapter implements the adapter interface.
var _ adapter.Adapter = (*Adapter)(nil)
