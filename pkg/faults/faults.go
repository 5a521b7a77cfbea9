package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at a component boundary
type Kind string

const (
	KindInvalidInput          Kind = "invalid-input"
	KindPolicyDenied          Kind = "policy-denied"
	KindBudgetExceeded        Kind = "budget-exceeded"
	KindNoEligibleInstance    Kind = "no-eligible-instance"
	KindFederationCapacity    Kind = "federation-capacity"
	KindCircuitOpen           Kind = "circuit-open"
	KindTransientLocal        Kind = "transient-local"
	KindTransientRemote       Kind = "transient-remote"
	KindPermanentProvider     Kind = "permanent-provider"
	KindDeadlineExceeded      Kind = "deadline-exceeded"
	KindCancelled             Kind = "cancelled"
	KindAllProvidersExhausted Kind = "all-providers-exhausted"
	KindInstanceLost          Kind = "instance-lost"
)

// Error is the only error type that crosses component boundaries. It carries
// a Kind for classification and wraps the underlying cause for logs and
// audit; the cause is never rendered to clients.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// ClientMessage renders the outcome shown to callers. It includes the kind
// and human message but never provider internals or stack context.
func (e *Error) ClientMessage() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates a fault of the given kind
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind from any error chain. Unclassified errors are
// treated as transient-local so they remain retryable but internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransientLocal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the fault may be retried at all. Circuit-open
// faults are retryable on the next provider, not on the same key.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNoEligibleInstance, KindFederationCapacity, KindCircuitOpen,
		KindTransientLocal, KindTransientRemote, KindInstanceLost:
		return true
	}
	return false
}

// ClientVisible reports whether the kind may surface in a task outcome.
// Internal transient kinds appear only on attempt records until the retry
// and fallback budget is exhausted.
func ClientVisible(err error) bool {
	switch KindOf(err) {
	case KindCircuitOpen, KindTransientLocal, KindTransientRemote:
		return false
	}
	return true
}

// Permanent reports whether the fault short-circuits retries and fallback
func Permanent(err error) bool {
	switch KindOf(err) {
	case KindInvalidInput, KindPolicyDenied, KindBudgetExceeded,
		KindPermanentProvider, KindDeadlineExceeded, KindCancelled:
		return true
	}
	return false
}
