// Package retry retries transient failures with exponential backoff.
//
// The completion clients wrap every provider call in Do so that rate limits
// and upstream 5xx responses are absorbed before the conversation controller
// sees an error:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, ShouldRetry: isTransient}, func() error {
//	    return client.post(ctx, body)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// Zero or negative values mean a single attempt.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt. Later waits double
	// up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// ShouldRetry classifies errors as retryable. When nil every error is.
	ShouldRetry func(err error) bool
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, err error)
	// Logger receives a debug line per retry. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig suits short provider calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// Do calls fn until it succeeds, returns a non-retryable error, ctx ends or
// cfg.MaxAttempts is reached. The last error is returned, joined with the
// context error when the context ended first.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = func(error) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil || !cfg.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}
		logger.Debug("retry: attempt failed, retrying",
			"attempt", attempt, "max", cfg.MaxAttempts,
			"err", lastErr, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}

		delay = min(delay*2, cfg.MaxDelay)
	}

	return lastErr
}
