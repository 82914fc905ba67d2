package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterTransientFailures(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("overloaded"), 529)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls int
	sentinel := NewTransientError(errors.New("always"), 503)
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_AlwaysRetriesPermanentErrors(t *testing.T) {
	cfg := fastRetry(2)
	cfg.ShouldRetry = Always

	var calls int
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_OnRetryCalledBetweenAttempts(t *testing.T) {
	cfg := fastRetry(3)
	var retries []int
	cfg.OnRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("x"), 500)
	})
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(5)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	var calls int32
	go func() {
		for atomic.LoadInt32(&calls) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := Do(ctx, cfg, func(_ context.Context) error {
		atomic.AddInt32(&calls, 1)
		return NewTransientError(errors.New("x"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoVal_AttemptTimeoutCountsAsFailure(t *testing.T) {
	cfg := fastRetry(2)
	cfg.AttemptTimeout = 20 * time.Millisecond

	var calls int32
	val, err := DoVal(context.Background(), cfg, func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDoVal_AttemptTimeoutAbandonsStuckCall(t *testing.T) {
	cfg := fastRetry(1)
	cfg.AttemptTimeout = 10 * time.Millisecond

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := DoVal(context.Background(), cfg, func(_ context.Context) (int, error) {
		<-release
		return 1, nil
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestComputeBackoff_Capped(t *testing.T) {
	cfg := applyDefaults(RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     3 * time.Second,
		Multiplier:     2,
	})
	assert.Equal(t, time.Second, computeBackoff(0, cfg))
	assert.Equal(t, 2*time.Second, computeBackoff(1, cfg))
	assert.Equal(t, 3*time.Second, computeBackoff(5, cfg))
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(4, 100, 2000, 90)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 90*time.Second, cfg.AttemptTimeout)

	def := FromRetryConfig(0, 0, 0, 0)
	assert.Equal(t, DefaultRetryConfig(), def)
}

func TestDo_CancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	err := Do(ctx, fastRetry(3), func(_ context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}
