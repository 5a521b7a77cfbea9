/*
Package router selects the instance each task attempt runs on.

Routing is a pure function of the registry's current view: candidates are
filtered hard, survivors are scored soft, and ties break on the smallest
instance id so identical inputs always route identically.

# Architecture

	┌─────────────────────── ROUTER ────────────────────────┐
	│                                                        │
	│  Route(task, kind)                                     │
	│    │                                                   │
	│    ▼                                                   │
	│  ┌──────────────────────────────────────┐              │
	│  │            Hard Filters              │              │
	│  │                                      │              │
	│  │  active (not draining)               │              │
	│  │  healthy or degraded                 │              │
	│  │  offers the runtime kind             │              │
	│  │  has every required capability       │              │
	│  │  below its session ceiling           │              │
	│  │  breaker not open for (instance,kind)│              │
	│  └──────────────────┬───────────────────┘              │
	│                     ▼                                  │
	│  ┌──────────────────────────────────────┐              │
	│  │           Weighted Score             │              │
	│  │                                      │              │
	│  │  free capacity        ▲ higher wins  │              │
	│  │  queue headroom       ▲              │              │
	│  │  region match         ▲              │              │
	│  │  capability excess    ▼ penalized    │              │
	│  │  recent failures      ▼ decaying     │              │
	│  └──────────────────┬───────────────────┘              │
	│                     ▼                                  │
	│  Decision{Instance, Score} or no-eligible-instance     │
	└────────────────────────────────────────────────────────┘

An empty candidate set returns a no-eligible-instance fault, which is
retryable: the fallback ladder treats it as a signal to descend to the
next runtime kind rather than a dead end.

# Session Affinity

Tasks carrying a session id prefer the instance that last hosted the
session, so sessions keep their workspace state. Affinity is a
preference, not a pin: if the remembered instance fails the hard
filters, the task routes fresh and the session migrates.

# Failure Memory

RecordFailure notes a dispatch failure against the (instance, kind)
pair; the penalty decays over time so one bad attempt does not exile an
instance. The breaker handles sustained failure, the decay handles
noise.
*/
package router
