// Package redis implements a Redis pub/sub adapter.
//
// Publishes execution completion events as JSON to a configurable Redis
// channel. Retries with exponential backoff on connection errors.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/corral/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "corral:execution_completed"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis pub/sub adapter.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: corral:execution_completed).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Adapter publishes execution completion events via Redis PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis pub/sub adapter from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Adapter{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Publish PUBLISHes the event, JSON-encoded, to the configured channel,
// retrying with exponential backoff until it succeeds or the retry budget
// runs out.
func (a *Adapter) Publish(ctx context.Context, event *adapter.ExecutionCompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	var publishErr error
	for attempt := 1; attempt <= a.config.Retries+1; attempt++ {
		if attempt > 1 {
			if err := waitBeforeRetry(ctx, attempt); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		} else if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}

		publishErr = a.publishOnce(ctx, body)
		if publishErr == nil {
			return nil
		}
	}

	return fmt.Errorf("redis: failed after %d attempts: %w", a.config.Retries+1, publishErr)
}

func (a *Adapter) publishOnce(ctx context.Context, body []byte) error {
	publishCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()
	return a.client.Publish(publishCtx, a.config.Channel, body).Err()
}

// waitBeforeRetry blocks for the backoff window of a given retry attempt
// (attempt 2 is the first retry), returning early with an error if ctx is
// canceled first.
func waitBeforeRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt-2)) * 500 * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Verify Adapter implements the adapter interface.
var _ adapter.Adapter = (*Adapter)(nil)
