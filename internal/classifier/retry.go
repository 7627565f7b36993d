package classifier

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryConfig defines inline retry behavior for whole-batch failures.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  1 * time.Second,
	MaxDelay:      30 * time.Second,
	JitterPercent: 10,
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	return c
}

// callWithRetry runs fn with exponential backoff until it succeeds, returns
// a fatal error, or runs out of attempts. It returns the number of attempts
// made and the last error.
func callWithRetry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) (int, error) {
	config = config.withDefaults()

	var base retry.Backoff = retry.NewExponential(config.InitialDelay)
	if config.JitterPercent > 0 {
		base = retry.WithJitterPercent(config.JitterPercent, base)
	}
	base = retry.WithCappedDuration(config.MaxDelay, base)
	base = retry.WithMaxRetries(uint64(config.MaxAttempts-1), base)

	// A server supplied Retry-After stretches the next delay.
	var hint time.Duration
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := base.Next()
		if stop {
			return 0, true
		}
		if hint > d {
			d = min(hint, config.MaxDelay)
		}
		hint = 0
		return d, false
	})

	attempts := 0
	var lastErr error
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ClassifyError(err) == ActionFatal {
			return err
		}
		hint = retryAfter(err)
		return retry.RetryableError(err)
	})
	if err == nil {
		return attempts, nil
	}
	if lastErr == nil {
		// Context ended before the first attempt.
		lastErr = err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != ctxErr {
		return attempts, ctxErr
	}
	return attempts, lastErr
}
