package common

import (
	"context"
	"math"
	"time"
)

// RetryConfig is a generic capped exponential-backoff policy, adapted
// from Azure-azure-storage-azcopy's NetworkRetryConfig: the transport layer
// that actually performs backoff is an external collaborator, but every retry loop in this
// module (CallExec, FileRequest, rename-with-delete) shares this shape.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultExecRetryConfig bounds CallExec/FileRequest retries at 4 attempts.
func DefaultExecRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// DefaultRenameRetryConfig bounds the output-commit rename-with-delete retry at 5 attempts.
func DefaultRenameRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) delayForAttempt(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns a non-retryable verdict (shouldRetry
// returns false), or MaxAttempts is exhausted. attempt is 0-indexed and passed
// to fn/shouldRetry so callers can fold attempt-dependent behavior in (e.g.
// embedding content only from the second CallExec attempt onward).
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error, shouldRetry func(err error) bool) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.delayForAttempt(attempt)):
		}
	}
	return lastErr
}
