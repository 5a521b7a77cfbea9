package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/types"
)

// Delay computes the pause before the given attempt (1-based) retries.
// The result is min(maxDelay, baseDelay * f(attempt)) scaled by a jitter
// factor drawn uniformly from [1-jitterPct, 1+jitterPct].
func Delay(policy *types.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var factor float64
	switch policy.Backoff {
	case types.BackoffFixed:
		factor = 1
	case types.BackoffLinear:
		factor = float64(attempt)
	case types.BackoffExponential:
		factor = math.Pow(2, float64(attempt-1))
	default:
		factor = math.Pow(2, float64(attempt-1))
	}

	delay := time.Duration(float64(policy.BaseDelay) * factor)
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.JitterPct > 0 {
		jitter := 1 + (rand.Float64()*2-1)*policy.JitterPct
		delay = time.Duration(float64(delay) * jitter)
	}

	if delay < 0 {
		delay = 0
	}
	return delay
}

// Do invokes op up to policy.MaxAttempts times, sleeping the computed
// backoff between attempts. Permanent faults short-circuit immediately;
// context cancellation interrupts both the wait and the loop.
func Do(ctx context.Context, policy *types.RetryPolicy, op func(attempt int) error) error {
	if policy == nil {
		policy = types.DefaultRetryPolicy()
	}

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return faults.Wrap(faults.KindCancelled, ctx.Err(), "retry interrupted")
		}

		err = op(attempt)
		if err == nil {
			return nil
		}
		if !faults.Retryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(Delay(policy, attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return faults.Wrap(faults.KindCancelled, ctx.Err(), "retry interrupted")
		}
	}
	return err
}
