// Package retry provides the backoff policies used by tanksync for cloud requests and
// storage connections.
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
	MaxAttempts   uint64 // retries after the first attempt
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
	Linear        bool // delay grows as BaseDelay*attempt instead of doubling
}

// CloudDefaults returns the policy for cloud requests: three attempts in total,
// waiting 2s then 4s
func CloudDefaults() *Config {
	return &Config{
		MaxAttempts: 2,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Second,
		Linear:      true,
	}
}

// PostgreSQLDefaults returns sensible defaults for connecting the PostgreSQL store
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// EtcdDefaults returns sensible defaults for connecting the etcd store
func EtcdDefaults() *Config {
	return &Config{
		MaxAttempts:   15, // etcd can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error that must not be retried
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WithOperation performs a general operation with retry logic.
// Errors wrapped with Permanent stop the loop and are returned unwrapped.
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	backoff := config.CreateBackoff()
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := operation()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm
		}
		logrus.WithError(err).
			WithField("operation", operationName).
			WithField("attempt", attempt).
			Warn("Operation failed, retrying...")
		return retry.RetryableError(err)
	})

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}

// CreateBackoff creates a fresh backoff strategy from config.
// Backoffs are stateful, so every retry loop needs its own.
func (c *Config) CreateBackoff() retry.Backoff {
	var backoff retry.Backoff
	if c.Linear {
		backoff = linear(c.BaseDelay)
	} else {
		backoff = retry.NewExponential(c.BaseDelay)
	}
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	if c.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	}
	if c.JitterPercent > 0 {
		backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	}
	return backoff
}

// linear waits base, 2*base, 3*base...
func linear(base time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return base * time.Duration(attempt), false
	})
}
