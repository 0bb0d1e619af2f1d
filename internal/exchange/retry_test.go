package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestWithRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetry(3), func() error {
		calls++
		if calls < 3 {
			return NewError(CodeRateLimited, "slow down", true)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetry(5), func() error {
		calls++
		return NewError(CodeInsufficientFunds, "no funds", false)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsInsufficientFunds(err))
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetry(2), func() error {
		calls++
		return NewError(CodeTimeout, "timeout", true)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestClassifyErrorPassthrough(t *testing.T) {
	orig := NewError(CodeMinNotional, "too small", false)
	assert.Same(t, orig, ClassifyError("place", orig).(*ExchangeError))
}

func TestClassifyRetCode(t *testing.T) {
	tests := []struct {
		code      int
		wantCode  string
		retryable bool
	}{
		{10006, CodeRateLimited, true},
		{10003, CodeAuth, false},
		{110007, CodeInsufficientFunds, false},
		{170136, CodeMinNotional, false},
		{110001, CodeOrderNotFound, false},
	}
	for _, tc := range tests {
		err := classifyRetCode("op", tc.code, "msg")
		ee, ok := err.(*ExchangeError)
		require.True(t, ok, "code %d", tc.code)
		assert.Equal(t, tc.wantCode, ee.Code)
		assert.Equal(t, tc.retryable, ee.Retryable)
	}
}
