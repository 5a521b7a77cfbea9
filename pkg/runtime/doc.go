/*
Package runtime abstracts the execution backends Drover tasks run on.

Every backend implements the Provider interface: spawn a session, execute
payloads in it (buffered or streaming), snapshot and restore its
workspace, and report health. The kind set is closed; New rejects
anything else.

# Architecture

	┌──────────────────── RUNTIME PROVIDERS ────────────────────┐
	│                                                           │
	│              Provider interface                           │
	│  Spawn / Execute / ExecuteStream / Snapshot /             │
	│  Restore / Destroy / HealthCheck / Capabilities           │
	│          │                                                │
	│          ├── HostSandbox                                  │
	│          │     subprocess per payload, workspace dir      │
	│          │     per session; weakest isolation, always     │
	│          │     available                                  │
	│          │                                                │
	│          ├── MicroVM (Lima)                               │
	│          │     one shared VM per provider, sessions are   │
	│          │     guest directories                          │
	│          │                                                │
	│          ├── RemoteSandbox (HTTP)                         │
	│          │     sessions live in an external sandbox       │
	│          │     service                                    │
	│          │                                                │
	│          └── Container (containerd)                       │
	│                fresh container per execution, session     │
	│                workspace bind-mounted                     │
	└───────────────────────────────────────────────────────────┘

# Capabilities

Capabilities returns the feature flags a backend supports, drawn from a
fixed vocabulary: networkIsolation, fsIsolation, snapshot,
resourceLimits, streamingIO. Tasks declaring a required capability only
route to instances whose backends carry the flag. The host sandbox
cannot promise networkIsolation or resourceLimits; the VM and container
backends advertise all five.

# Health

HealthCheck with a nil session verifies the backend itself (sandbox dir
present, VM running, remote /healthz, containerd reachable). With a
session it additionally verifies the session is still live, so the
health monitor can distinguish a sick backend from a lost workspace.

# Execution Semantics

A payload that runs and exits non-zero is a result, not an error: the
ExecResult carries the exit code and the lifecycle engine decides what
it means. Errors are reserved for the backend failing to run the
payload at all, and they carry fault kinds: cancellation and deadline
expiry map to cancelled and deadline-exceeded, infrastructure trouble
to transient-local or transient-remote.

Cost accrues per second of execution at the provider's configured rate
and is reconciled against the task's budget reservation.
*/
package runtime
