package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = maxRetries
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

// TS01: Default policy makes five attempts
func TestDefaultRetryConfig_FiveAttempts(t *testing.T) {
	assert.Equal(t, 5, DefaultRetryConfig().Attempts())
}

// TS02: Transient failures are retried until success
func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: a function failing twice with a transient error
	calls := 0
	fn := func() error {
		calls++
		if calls < 3 {
			return BackendUnavailable("embedded", "upsert", nil)
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), fastRetry(4), fn)

	// Then: it succeeds on the third call
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// TS03: Permanent failures stop immediately
func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	rejected := BackendRejected("relational", "t1", "too large")

	err := Retry(context.Background(), fastRetry(4), func() error {
		calls++
		return rejected
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, rejected, err)
}

// TS04: Exhaustion wraps the last error
func TestRetry_Exhaustion(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastRetry(4)
	cfg.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return BackendUnavailable("external", "delete", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []int{1, 2, 3, 4}, retried)

	var exhausted *RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 5, exhausted.Attempts)
	assert.True(t, IsUnavailable(err), "last error stays reachable")
}

// TS05: Nil predicate retries everything
func TestRetry_NilPredicateRetriesAll(t *testing.T) {
	cfg := fastRetry(2)
	cfg.ShouldRetry = nil
	calls := 0

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errors.New("plain")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

// TS06: Cancellation interrupts the wait
func TestRetry_ContextCancelled(t *testing.T) {
	cfg := fastRetry(10)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func() error {
		calls++
		return BackendUnavailable("embedded", "upsert", nil)
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetry(3), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, BackendUnavailable("embedded", "query", nil)
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestBackoff_JitterRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := backoff(100*time.Millisecond, true)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 100*time.Millisecond)
	}
	assert.Equal(t, 100*time.Millisecond, backoff(100*time.Millisecond, false))
}
