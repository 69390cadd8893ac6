package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// PollPolicy parameterizes every bounded wait in the engine: server
// provisioning, power transitions and remote reachability all share it.
type PollPolicy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration

	// Multiplier grows the delay after each attempt.
	Multiplier float64

	// Ceiling caps the delay between attempts.
	Ceiling time.Duration

	// Deadline bounds the whole wait.
	Deadline time.Duration
}

// DefaultPollPolicy matches the documented defaults.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Initial:    2 * time.Second,
		Multiplier: 2.0,
		Ceiling:    15 * time.Second,
		Deadline:   5 * time.Minute,
	}
}

// WithDeadline returns a copy of the policy with a different deadline.
func (p PollPolicy) WithDeadline(d time.Duration) PollPolicy {
	p.Deadline = d
	return p
}

// ErrWaitDeadline is returned by PollUntil when the deadline expires
// before the condition holds. Callers map it to the operation-specific
// timeout kind.
var ErrWaitDeadline = errors.New("bounded wait deadline exceeded")

// PollUntil repeatedly invokes check until it reports done, fails with a
// terminal error, or the policy deadline expires. Cancellation of ctx
// aborts the wait between attempts.
func PollUntil(ctx context.Context, policy PollPolicy, check func(ctx context.Context) (bool, error)) error {
	backoff := retry.WithCappedDuration(policy.Ceiling, newMultiplierBackoff(policy.Initial, policy.Multiplier))
	backoff = retry.WithMaxDuration(policy.Deadline, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		done, err := check(ctx)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		if !done {
			return retry.RetryableError(ErrWaitDeadline)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, ErrWaitDeadline) || IsRetryable(err) {
		return ErrWaitDeadline
	}
	return err
}

// newMultiplierBackoff is an exponential backoff with a configurable
// multiplier; go-retry's built-in exponential always doubles.
func newMultiplierBackoff(initial time.Duration, multiplier float64) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n := atomic.AddInt64(&attempt, 1)
		delay := float64(initial)
		for i := int64(1); i < n; i++ {
			delay *= multiplier
		}
		return time.Duration(delay), false
	})
}
