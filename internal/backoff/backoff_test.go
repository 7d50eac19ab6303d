package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayGrowsExponentiallyUpToCap(t *testing.T) {
	policy := Policy{
		Strategy:     StrategyExponential,
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
	}

	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, 2*time.Second, policy.Delay(2))
	assert.Equal(t, 4*time.Second, policy.Delay(3))
	assert.Equal(t, 5*time.Second, policy.Delay(4))
	assert.Equal(t, 5*time.Second, policy.Delay(9))
}

func TestFixedDelayIgnoresAttempt(t *testing.T) {
	policy := Policy{Strategy: StrategyFixed, InitialDelay: 250 * time.Millisecond}
	assert.Equal(t, 250*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 250*time.Millisecond, policy.Delay(7))
}

func TestNormalizeFillsZeroValues(t *testing.T) {
	p := Policy{}.Normalize()
	assert.Equal(t, StrategyExponential, p.Strategy)
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, DefaultPolicy.InitialDelay, p.InitialDelay)
	assert.Equal(t, DefaultPolicy.MaxDelay, p.MaxDelay)
}

func TestRetrierExhaustsBudget(t *testing.T) {
	r := NewRetrier(Policy{MaxAttempts: 3, InitialDelay: time.Millisecond})

	_, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetryReturnsOperationErrorWhenSpent(t *testing.T) {
	opErr := errors.New("still broken")
	calls := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		calls++
		return opErr
	}, Policy{MaxAttempts: 3, InitialDelay: time.Microsecond}, nil)

	assert.ErrorIs(t, err, opErr)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetriableError(t *testing.T) {
	opErr := errors.New("bad input")
	calls := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		calls++
		return opErr
	}, Policy{MaxAttempts: 5, InitialDelay: time.Microsecond}, func(err error) bool { return false })

	assert.ErrorIs(t, err, opErr)
	assert.Equal(t, 1, calls)
}
