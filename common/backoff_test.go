package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Duration:        100 * time.Millisecond,
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryReturnsPermanentErrorImmediately(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), fastPolicy(), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRetryGivesUpAfterDuration(t *testing.T) {
	transient := errors.New("still down")
	start := time.Now()
	err := Retry(context.Background(), fastPolicy(), func() error {
		return Retryable(transient)
	})
	require.ErrorIs(t, err, transient)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Duration:        time.Minute,
	}, func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return Retryable(errors.New("transient"))
	})
	require.Error(t, err)
	require.LessOrEqual(t, calls, 3)
}
