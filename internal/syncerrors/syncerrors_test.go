package syncerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableKinds(t *testing.T) {
	require.True(t, New(RpcTransient, errors.New("timeout")).Retryable())
	require.True(t, New(RpcRateLimit, errors.New("429")).Retryable())
	require.True(t, New(DbTransient, errors.New("reset")).Retryable())
	require.False(t, New(UserCallback, errors.New("boom")).Retryable())
	require.False(t, New(DbConstraint, errors.New("unique violation")).Retryable())
}

func TestWrappedSyncErrorIsRetryableThroughFmtWrap(t *testing.T) {
	inner := New(RpcTransient, errors.New("timeout"))
	wrapped := fmt.Errorf("fetch failed: %w", inner)
	require.True(t, Retryable(wrapped))
}

func TestContextRendersInMessage(t *testing.T) {
	err := Newf(UserCallback, "handler panicked").WithContext(Context{
		EventName:   "Transfer",
		BlockNumber: 42,
		ArgsPretty:  "{from: 0xabc, to: 0xdef}",
	})
	require.Contains(t, err.Error(), "Transfer")
	require.Contains(t, err.Error(), "42")
}

func TestNonSyncErrorIsNotRetryable(t *testing.T) {
	require.False(t, Retryable(errors.New("plain error")))
}
