package audit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
)

// RetryConfig holds configuration for retrying sink writes
type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterFraction float64 // 0.0-1.0
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
	}
}

// isRetryable treats everything except caller mistakes and cancellation as
// transient; object stores do not classify their errors.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidKey) {
		return false
	}
	return true
}

// RetryWithBackoff runs fn until it succeeds, fails permanently, or retries
// run out.
func RetryWithBackoff(ctx context.Context, config *RetryConfig, operation string, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	delay := config.InitialDelay
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled before attempt %d: %w", attempt+1, err)
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				logging.Log.WithField("operation", operation).
					WithField("attempt", attempt+1).
					Info("Operation succeeded after retry")
			}
			return nil
		}

		if !isRetryable(err) {
			return err
		}
		if attempt >= config.MaxRetries {
			logging.Log.WithField("operation", operation).
				WithField("attempts", attempt+1).
				WithError(err).
				Error("Max retries exceeded")
			return fmt.Errorf("operation %s failed after %d attempts: %w", operation, attempt+1, err)
		}

		if attempt > 0 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		jittered := addJitter(delay, config.JitterFraction)

		logging.Log.WithField("operation", operation).
			WithField("attempt", attempt+1).
			WithField("delay", jittered).
			WithError(err).
			Info("Retrying operation after delay")

		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
		}
	}
}

func addJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	if fraction > 1 {
		fraction = 1
	}
	return d + time.Duration(rand.Float64()*float64(d)*fraction)
}
