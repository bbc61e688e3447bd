// Package retry runs store operations with exponential backoff.
//
// Only errors whose category is listed in the policy are retried; everything
// else is returned on the first failure so fatal conditions surface quickly.
package retry

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tphakala/birdnet-sync/internal/conf"
	"github.com/tphakala/birdnet-sync/internal/errors"
	"github.com/tphakala/birdnet-sync/internal/logger"
)

// DefaultRetryable lists the transient categories.
var DefaultRetryable = []errors.ErrorCategory{
	errors.CategoryStoreLocked,
	errors.CategoryConnectionReset,
	errors.CategoryTimeout,
}

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts int           // total attempts including the first, 0 means unlimited
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for a single delay
	Multiplier  float64
	MaxElapsed  time.Duration // 0 means no overall limit
	Jitter      float64       // randomization factor in [0, 1]
	Retryable   []errors.ErrorCategory
}

// DefaultPolicy matches the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
		Multiplier:  2,
		MaxElapsed:  2 * time.Minute,
		Jitter:      0.2,
		Retryable:   DefaultRetryable,
	}
}

// FromSettings builds a policy from configuration.
func FromSettings(s *conf.RetrySettings) Policy {
	return Policy{
		MaxAttempts: s.MaxAttempts,
		BaseDelay:   s.BaseDelay,
		MaxDelay:    s.MaxDelay,
		Multiplier:  s.Multiplier,
		MaxElapsed:  s.MaxElapsed,
		Jitter:      s.Jitter,
		Retryable:   DefaultRetryable,
	}
}

// IsRetryable reports whether err belongs to a retryable category.
func (p Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	category := errors.CategoryOf(err)
	if category == "" || category == errors.CategoryGeneric {
		category = errors.DetectCategory(err)
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	return slices.Contains(retryable, category)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}
	if p.Multiplier >= 1 {
		eb.Multiplier = p.Multiplier
	}
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = p.MaxElapsed
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// policy gives up. Exhaustion returns a CategoryRetry error wrapping the
// last failure; cancellation returns a CategoryCancellation error.
func Do(ctx context.Context, p Policy, log logger.Logger, op string, fn func(context.Context) error) error {
	_, err := DoValue(ctx, p, log, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, log logger.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		attempts  int
		permanent bool
		lastErr   error
	)

	operation := func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || !p.IsRetryable(err) {
			permanent = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, delay time.Duration) {
		if log == nil {
			return
		}
		log.Warn("transient store error, retrying",
			logger.String("operation", op),
			logger.Int("attempt", attempts),
			logger.Int("max_attempts", p.MaxAttempts),
			logger.Duration("delay", delay),
			logger.String("category", string(errors.CategoryOf(err))),
			logger.Error(err))
	}

	v, err := backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
	if err == nil {
		return v, nil
	}

	if ctx.Err() != nil {
		var zero T
		return zero, errors.New(fmt.Errorf("%s interrupted after %d attempts: %w", op, attempts, errors.Join(ctx.Err(), lastErr))).
			Component("retry").
			Category(errors.CategoryCancellation).
			Context("operation", op).
			Context("attempts", attempts).
			Build()
	}

	if permanent {
		return v, lastErr
	}

	var zero T
	return zero, errors.New(fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)).
		Component("retry").
		Category(errors.CategoryRetry).
		Priority(errors.PriorityHigh).
		Context("operation", op).
		Context("attempts", attempts).
		Context("last_category", string(errors.CategoryOf(lastErr))).
		Build()
}
