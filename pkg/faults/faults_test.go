package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{
			name:     "direct fault",
			err:      New(KindBudgetExceeded, "daily limit hit"),
			expected: KindBudgetExceeded,
		},
		{
			name:     "wrapped fault",
			err:      fmt.Errorf("dispatch: %w", New(KindCircuitOpen, "breaker open")),
			expected: KindCircuitOpen,
		},
		{
			name:     "unclassified error defaults to transient-local",
			err:      errors.New("connection refused"),
			expected: KindTransientLocal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransientRemote, "remote 503")))
	assert.True(t, Retryable(New(KindFederationCapacity, "utilization above threshold")))
	assert.True(t, Retryable(New(KindInstanceLost, "instance removed")))
	assert.False(t, Retryable(New(KindInvalidInput, "bad payload")))
	assert.False(t, Retryable(New(KindPolicyDenied, "runtime disallowed")))
	assert.False(t, Retryable(New(KindCancelled, "caller cancelled")))
}

func TestPermanentShortCircuits(t *testing.T) {
	for _, kind := range []Kind{KindInvalidInput, KindPolicyDenied, KindBudgetExceeded, KindPermanentProvider, KindDeadlineExceeded, KindCancelled} {
		assert.True(t, Permanent(New(kind, "x")), "kind %s", kind)
		assert.False(t, Retryable(New(kind, "x")), "kind %s", kind)
	}
}

func TestClientVisibility(t *testing.T) {
	// Internal transient kinds stay off the task outcome until exhaustion.
	assert.False(t, ClientVisible(New(KindCircuitOpen, "x")))
	assert.False(t, ClientVisible(New(KindTransientLocal, "x")))
	assert.False(t, ClientVisible(New(KindTransientRemote, "x")))
	assert.True(t, ClientVisible(New(KindAllProvidersExhausted, "x")))
	assert.True(t, ClientVisible(New(KindDeadlineExceeded, "x")))
}

func TestClientMessageOmitsCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.4:7433: i/o timeout")
	err := Wrap(KindTransientRemote, cause, "remote sandbox unavailable")

	assert.NotContains(t, err.ClientMessage(), "10.0.0.4")
	assert.Contains(t, err.Error(), "i/o timeout") // full context kept for logs
	assert.ErrorIs(t, err, cause)
}
