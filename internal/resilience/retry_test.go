package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// permanentErr mimics an authorization failure: retrying cannot help
type permanentErr struct{ msg string }

func (e *permanentErr) Error() string { return e.msg }

func (e *permanentErr) Retryable() bool { return false }

// hintedErr mimics a rate-limit response carrying a retry-after hint
type hintedErr struct{ hint time.Duration }

func (e *hintedErr) Error() string { return fmt.Sprintf("rate limited, retry after %s", e.hint) }

func (e *hintedErr) Retryable() bool { return true }

func (e *hintedErr) RetryAfter() time.Duration { return e.hint }

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0,
	}
}

func TestRetryer_SucceedsFirstAttempt(t *testing.T) {
	r := NewRetryer(fastPolicy(3), zerolog.Nop())

	calls := 0
	err := r.Do(context.Background(), "get_balances", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetriesTransientUntilSuccess(t *testing.T) {
	r := NewRetryer(fastPolicy(5), zerolog.Nop())

	calls := 0
	err := r.Do(context.Background(), "get_trades", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_PermanentFailureNotRetried(t *testing.T) {
	r := NewRetryer(fastPolicy(5), zerolog.Nop())

	calls := 0
	authErr := &permanentErr{msg: "invalid api key"}
	err := r.Do(context.Background(), "get_balances", func(context.Context) error {
		calls++
		return authErr
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var p *permanentErr
	assert.ErrorAs(t, err, &p)
}

func TestRetryer_ExhaustedAttemptsReturnsLastError(t *testing.T) {
	r := NewRetryer(fastPolicy(3), zerolog.Nop())

	calls := 0
	err := r.Do(context.Background(), "get_trades", func(context.Context) error {
		calls++
		return fmt.Errorf("timeout on call %d", calls)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.Contains(t, err.Error(), "timeout on call 3")
}

func TestRetryer_ContextCancelDuringBackoff(t *testing.T) {
	r := NewRetryer(RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       0,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Do(ctx, "get_trades", func(context.Context) error {
		calls++
		return errors.New("flaky")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetryer_DelayGrowsExponentially(t *testing.T) {
	r := NewRetryer(RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0,
	}, zerolog.Nop())

	plain := errors.New("timeout")
	assert.Equal(t, 1*time.Second, r.delayFor(1, plain))
	assert.Equal(t, 2*time.Second, r.delayFor(2, plain))
	assert.Equal(t, 4*time.Second, r.delayFor(3, plain))

	// Capped at MaxDelay
	assert.Equal(t, 30*time.Second, r.delayFor(10, plain))
}

func TestRetryer_ServerHintTakesPrecedence(t *testing.T) {
	r := NewRetryer(RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0,
	}, zerolog.Nop())

	// Hint overrides the computed exponential delay
	assert.Equal(t, 5*time.Second, r.delayFor(1, &hintedErr{hint: 5 * time.Second}))
	assert.Equal(t, 5*time.Second, r.delayFor(4, &hintedErr{hint: 5 * time.Second}))

	// Hints are still capped by MaxDelay
	assert.Equal(t, 30*time.Second, r.delayFor(1, &hintedErr{hint: 2 * time.Minute}))
}

func TestRetryer_JitterStaysWithinFraction(t *testing.T) {
	r := NewRetryer(RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}, zerolog.Nop())

	plain := errors.New("timeout")
	for i := 0; i < 100; i++ {
		delay := r.delayFor(1, plain)
		assert.GreaterOrEqual(t, delay, 1*time.Second)
		assert.LessOrEqual(t, delay, 1100*time.Millisecond)
	}
}

func TestRetryAfterHint(t *testing.T) {
	hint, ok := RetryAfterHint(&hintedErr{hint: 7 * time.Second})
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, hint)

	// Wrapped errors still expose their hint
	wrapped := fmt.Errorf("venue call failed: %w", &hintedErr{hint: 3 * time.Second})
	hint, ok = RetryAfterHint(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, hint)

	_, ok = RetryAfterHint(errors.New("plain"))
	assert.False(t, ok)
}
