package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayGrowth(t *testing.T) {
	tests := []struct {
		name     string
		backoff  types.BackoffKind
		attempt  int
		expected time.Duration
	}{
		{"fixed attempt 1", types.BackoffFixed, 1, time.Second},
		{"fixed attempt 5", types.BackoffFixed, 5, time.Second},
		{"linear attempt 1", types.BackoffLinear, 1, time.Second},
		{"linear attempt 3", types.BackoffLinear, 3, 3 * time.Second},
		{"exponential attempt 1", types.BackoffExponential, 1, time.Second},
		{"exponential attempt 4", types.BackoffExponential, 4, 8 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := &types.RetryPolicy{
				BaseDelay: time.Second,
				MaxDelay:  time.Minute,
				Backoff:   tt.backoff,
			}
			assert.Equal(t, tt.expected, Delay(policy, tt.attempt))
		})
	}
}

func TestDelayClampedAtMax(t *testing.T) {
	policy := &types.RetryPolicy{
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Second,
		Backoff:   types.BackoffExponential,
	}
	assert.Equal(t, 5*time.Second, Delay(policy, 10))
}

func TestDelayJitterBounds(t *testing.T) {
	policy := &types.RetryPolicy{
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
		Backoff:   types.BackoffFixed,
		JitterPct: 0.2,
	}

	for i := 0; i < 100; i++ {
		d := Delay(policy, 1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestDoRetriesTransientFaults(t *testing.T) {
	policy := &types.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Backoff:     types.BackoffFixed,
	}

	calls := 0
	err := Do(context.Background(), policy, func(attempt int) error {
		calls++
		if calls < 3 {
			return faults.New(faults.KindTransientRemote, "remote 503")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentFault(t *testing.T) {
	policy := &types.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Backoff:     types.BackoffFixed,
	}

	calls := 0
	err := Do(context.Background(), policy, func(attempt int) error {
		calls++
		return faults.New(faults.KindPolicyDenied, "runtime disallowed")
	})

	assert.True(t, faults.Is(err, faults.KindPolicyDenied))
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	policy := &types.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Backoff:     types.BackoffFixed,
	}

	calls := 0
	err := Do(context.Background(), policy, func(attempt int) error {
		calls++
		return faults.New(faults.KindTransientLocal, "spawn timeout")
	})

	assert.True(t, faults.Is(err, faults.KindTransientLocal))
	assert.Equal(t, 3, calls)
}

func TestDoAttemptNumbersAreOneBased(t *testing.T) {
	policy := &types.RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Backoff:     types.BackoffFixed,
	}

	var attempts []int
	_ = Do(context.Background(), policy, func(attempt int) error {
		attempts = append(attempts, attempt)
		return faults.New(faults.KindTransientLocal, "x")
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoCancelledContext(t *testing.T) {
	policy := &types.RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Hour, // The cancel must interrupt this wait.
		Backoff:     types.BackoffFixed,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	started := make(chan struct{})

	go func() {
		done <- Do(ctx, policy, func(attempt int) error {
			if attempt == 1 {
				close(started)
			}
			return faults.New(faults.KindTransientLocal, "x")
		})
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		assert.True(t, faults.Is(err, faults.KindCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}
