package upstream

import (
	"context"
	"log"
	"time"
)

// BackoffConfig controls the retry budget for one client.
type BackoffConfig struct {
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// DefaultBackoffConfig returns the worker retry defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff: 2 * time.Second,
		Multiplier:     2,
		MaxBackoff:     60 * time.Second,
		MaxAttempts:    3,
	}
}

// Delay returns the backoff for a zero-indexed attempt, capped at MaxBackoff.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= c.Multiplier
	}
	if d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// RetryingAnalyticsClient retries rate-limited and transient failures within
// its budget. Quota exhaustion and 4xx errors pass straight through. When
// the budget is exhausted the final error surfaces so the caller can fall
// back to the queue path.
type RetryingAnalyticsClient struct {
	Inner AnalyticsClient
	Cfg   BackoffConfig
}

func NewRetryingAnalyticsClient(inner AnalyticsClient, cfg BackoffConfig) *RetryingAnalyticsClient {
	return &RetryingAnalyticsClient{Inner: inner, Cfg: cfg}
}

func (c *RetryingAnalyticsClient) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	var lastErr error
	for attempt := 0; attempt < c.Cfg.MaxAttempts; attempt++ {
		result, err := c.Inner.Fetch(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}
		if attempt == c.Cfg.MaxAttempts-1 {
			break
		}

		delay := c.Cfg.Delay(attempt)
		log.Printf("[UPSTREAM] fetch attempt %d failed (%v), retrying in %v", attempt+1, err, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}
