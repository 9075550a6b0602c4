// Package retry provides backoff and polling helpers for lagprobe.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// PostgreSQLDefaults returns sensible defaults for the results database
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// StoreDefaults returns the backoff used when connecting to the measured
// nodes. The measurement never retries by default, so attempts are given
// explicitly by the operator.
func StoreDefaults(attempts uint64) *Config {
	return &Config{
		MaxAttempts:   attempts,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterPercent: 15,
	}
}

// WithOperation performs a general operation with retry logic
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err != nil {
			if config.MaxAttempts > 0 {
				logrus.WithError(err).
					WithField("operation", operationName).
					Warn("Operation failed, retrying...")
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	return backoff
}

var errPending = errors.New("condition not met")

// PollBackoff never stops and always waits interval. A non-positive interval
// means back to back polling.
func PollBackoff(interval time.Duration) retry.Backoff {
	if interval < 0 {
		interval = 0
	}
	return retry.BackoffFunc(func() (time.Duration, bool) {
		return interval, false
	})
}

// Until calls check until it reports done. It returns the first error from
// check, or the context error once ctx is done. There is no iteration cap.
func Until(ctx context.Context, interval time.Duration, check func(ctx context.Context) (bool, error)) error {
	return retry.Do(ctx, PollBackoff(interval), func(ctx context.Context) error {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if !done {
			return retry.RetryableError(errPending)
		}
		return nil
	})
}
