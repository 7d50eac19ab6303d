// Package backoff implements the retry delay policies used for step attempts.
package backoff

import (
	"context"
	"errors"
	"time"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// ErrRetriesExhausted is returned by Retrier.Next once the attempt budget is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy describes the retry budget and delay curve for an operation.
type Policy struct {
	Strategy     Strategy
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy is applied to steps that declare no retry policy.
var DefaultPolicy = Policy{
	Strategy:     StrategyExponential,
	MaxAttempts:  1,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     30 * time.Second,
}

// Normalize fills zero values with defaults so a partially declared
// policy behaves predictably.
func (p Policy) Normalize() Policy {
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultPolicy.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	return p
}

// Delay returns the delay before the given attempt (1-based; the delay
// before attempt 2 is Delay(1)).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialDelay
	if p.Strategy == StrategyExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retrier hands out successive retry intervals for one operation.
type Retrier struct {
	policy  Policy
	attempt int
}

func NewRetrier(policy Policy) *Retrier {
	return &Retrier{policy: policy.Normalize()}
}

// Next returns the interval to wait before the next attempt, or
// ErrRetriesExhausted when the budget is spent.
func (r *Retrier) Next() (time.Duration, error) {
	r.attempt++
	if r.attempt >= r.policy.MaxAttempts {
		return 0, ErrRetriesExhausted
	}
	return r.policy.Delay(r.attempt), nil
}

type (
	// Operation to retry.
	Operation func(ctx context.Context) error

	// IsRetriableFunc decides whether an error is worth another attempt.
	IsRetriableFunc func(err error) bool
)

// Retry executes the operation with retry logic based on the provided policy.
// If isRetriable is nil, all errors are considered retriable.
func Retry(ctx context.Context, op Operation, policy Policy, isRetriable IsRetriableFunc) error {
	if isRetriable == nil {
		isRetriable = func(_ error) bool { return true }
	}

	retrier := NewRetrier(policy)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		if !isRetriable(err) {
			return err
		}

		interval, retryErr := retrier.Next()
		if retryErr != nil {
			// Budget spent; return the operation error, not ErrRetriesExhausted.
			return err
		}

		if interval > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			timer.Stop()
		}
	}
}
