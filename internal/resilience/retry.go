package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy holds configuration for the backoff retryer
type RetryPolicy struct {
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Cap on the computed delay
	Multiplier   float64       // Exponential growth factor
	Jitter       float64       // Added jitter as a fraction of the delay (0.0 to 1.0)
}

// DefaultRetryPolicy returns the policy used for venue calls
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// retryable is implemented by errors that know whether retrying can help.
// Authorization failures report false: bad credentials are a permanent
// signal, and retrying them wastes budget and risks lockouts.
type retryable interface {
	Retryable() bool
}

// retryHinted is implemented by errors carrying a server-supplied
// "retry after" wait hint (rate-limit responses).
type retryHinted interface {
	RetryAfter() time.Duration
}

// IsRetryable reports whether err may be resolved by retrying. Errors
// that do not classify themselves are treated as transient.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// RetryAfterHint extracts a server-supplied wait hint from err, if any
func RetryAfterHint(err error) (time.Duration, bool) {
	var h retryHinted
	if errors.As(err, &h) {
		if d := h.RetryAfter(); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// Retryer executes operations with exponential backoff and jitter
type Retryer struct {
	policy RetryPolicy
	log    zerolog.Logger
}

// NewRetryer creates a retryer with the given policy
func NewRetryer(policy RetryPolicy, log zerolog.Logger) *Retryer {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier <= 1.0 {
		policy.Multiplier = 2.0
	}
	if policy.Jitter < 0 || policy.Jitter > 1.0 {
		policy.Jitter = 0.1
	}

	return &Retryer{
		policy: policy,
		log:    log,
	}
}

// Do executes fn, retrying transient failures with exponential backoff.
// Permanent failures (authorization) are returned immediately. A
// server-supplied retry-after hint takes precedence over the computed
// delay, still capped by MaxDelay.
func (r *Retryer) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.log.Info().Str("op", op).Int("attempt", attempt).Msg("operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			r.log.Error().Err(err).Str("op", op).Msg("permanent failure, not retrying")
			return err
		}

		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.delayFor(attempt, err)
		r.log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("transient failure, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", r.policy.MaxAttempts, lastErr)
}

// delayFor computes the sleep before the next attempt: exponential
// backoff overridden by any server hint, capped, plus jitter.
func (r *Retryer) delayFor(attempt int, err error) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))

	if hint, ok := RetryAfterHint(err); ok {
		delay = float64(hint)
	}

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter > 0 {
		delay += rand.Float64() * r.policy.Jitter * delay
	}

	return time.Duration(delay)
}
