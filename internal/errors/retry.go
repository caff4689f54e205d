package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"scan/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // retries after the first attempt
	BaseDelay    time.Duration // base delay for exponential backoff
	MaxDelay     time.Duration // cap on a single delay
	JitterFactor float64       // ±fraction of randomization
}

// DefaultRetryConfig returns the defaults used for chat message submission.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryWithResult runs fn until it succeeds, returns a non-transient error,
// or the attempts are exhausted.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)

	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Retry succeeded after %d attempts", attempt+1)
			}
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			logger.Warn("Max retries (%d) exhausted: %v", config.MaxAttempts+1, err)
			break
		}

		delay := calculateBackoff(attempt, config)
		logger.Debug("Attempt %d failed (%v), waiting %v", attempt+1, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(2, float64(attempt))
	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if maxDelay := float64(config.MaxDelay); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
