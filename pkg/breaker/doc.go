// Package breaker implements the circuit breaker guarding runtime provider
// calls. State is tracked per key: one key per (runtime kind, instance) for
// worker isolation and one per kind for provider-wide isolation; Execute
// consults both. In half-open state at most one probe is admitted per key.
package breaker
