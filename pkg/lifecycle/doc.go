/*
Package lifecycle owns Task and Attempt records and drives every task
through Drover's canonical state machine.

The lifecycle engine is the heart of the control plane: it admits
submissions through the budget gate, queues them per tenant and priority,
and drives each task through routing, dispatch, retry and fallback until
it reaches a terminal state. Every transition is written ahead to the
audit log before it becomes visible.

# Architecture

	┌──────────────────── LIFECYCLE ENGINE ─────────────────────┐
	│                                                            │
	│  Submit                                                    │
	│    │  validate → policy (budget.override) → budget gate    │
	│    ▼                                                       │
	│  ┌──────────────────────────────────────────────┐          │
	│  │          Per-Tenant Priority Queues          │          │
	│  │                                              │          │
	│  │  critical ─┐                                 │          │
	│  │  high     ─┤  one worker per priority class  │          │
	│  │  normal   ─┤  round-robins across tenants    │          │
	│  │  low      ─┘                                 │          │
	│  └──────────────────────┬───────────────────────┘          │
	│                         ▼                                  │
	│  ┌──────────────────────────────────────────────┐          │
	│  │              Attempt Pipeline                │          │
	│  │                                              │          │
	│  │  fallback ladder (runtime kinds, strongest   │          │
	│  │  isolation first)                            │          │
	│  │    └─ retry loop (task retry policy)         │          │
	│  │        └─ route → occupy instance slot       │          │
	│  │            → breaker → dispatcher            │          │
	│  └──────────────────────┬───────────────────────┘          │
	│                         ▼                                  │
	│  succeeded / failed / cancelled / timed-out                │
	│    └─ reconcile budget reservation, emit event             │
	└────────────────────────────────────────────────────────────┘

# Task States

	queued → admitted → dispatched → running → succeeded
	                                        ├→ failed
	                                        ├→ cancelled
	                                        └→ timed-out

A task may bounce between dispatched and running across attempts; the
terminal states are absorbing. Cancel on a queued task finalizes it
immediately with no attempt. Cancel on a running task propagates through
the dispatch context; a provider that does not confirm within the cancel
grace gets its instance flagged for an immediate health probe.

# Attempts and Failure Kinds

Each dispatch produces one Attempt record with the instance, runtime
kind, timing, outcome and observed cost. Errors carry a fault kind that
decides what happens next:

  - Retryable kinds (transient-remote, instance-lost, circuit-open, ...)
    consume the retry budget on the same runtime kind.
  - Permanent kinds (invalid-input, policy-denied, permanent-provider,
    ...) stop the retry loop; the fallback ladder may descend to the
    next runtime kind.
  - cancelled and deadline-exceeded finalize the task as cancelled or
    timed-out respectively.

# Dispatchers

The Dispatcher interface executes one attempt against a chosen instance.
HTTPDispatcher posts to a worker's /v1/execute endpoint and maps caller
cancellation, deadline expiry and unreachable instances to distinct
fault kinds. LocalDispatcher runs attempts against in-process runtime
providers when the control plane and workers share a node.

# Integration Points

This package integrates with:

  - pkg/router: instance selection per attempt
  - pkg/fallback: descent across runtime kinds
  - pkg/budget: admission reservations, instance-spread quotas
  - pkg/breaker: per instance/kind circuit breaking
  - pkg/policy: budget.override permission checks
  - pkg/audit: write-ahead transition records
  - pkg/events: task.* event emission
*/
package lifecycle
