package types

import (
	"time"
)

// SchemaVersion is stamped on every persisted record so stored state can be
// migrated across releases.
const SchemaVersion = 1

// Instance represents a registered worker host that executes tasks
type Instance struct {
	ID            string
	Endpoint      string // Network address of the worker API
	Capabilities  []string
	Resources     *ResourceCeilings
	Region        string
	RuntimeKinds  []RuntimeKind
	Status        InstanceStatus
	Health        *HealthState
	Load          *LoadSnapshot
	RegisteredAt  time.Time
	SchemaVersion int
}

// InstanceStatus represents the membership state of an instance
type InstanceStatus string

const (
	InstanceActive   InstanceStatus = "active"
	InstanceDraining InstanceStatus = "draining"
)

// HealthStatus represents the probed health of an instance
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthState carries the current health status with probe bookkeeping
type HealthState struct {
	Status               HealthStatus
	LastProbeAt          time.Time
	LastError            string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	UnhealthySince       time.Time
}

// ResourceCeilings declares an instance's capacity limits
type ResourceCeilings struct {
	CPUCores              int
	MemoryBytes           int64
	DiskBytes             int64
	MaxConcurrentSessions int
	MaxQueuedTasks        int
}

// LoadSnapshot is the load report carried on each heartbeat
type LoadSnapshot struct {
	CPUUtil        float64 // [0,1]
	MemUtil        float64 // [0,1]
	ActiveSessions int
	QueuedTasks    int
	LastUpdated    time.Time
}

// RuntimeKind identifies the isolation flavor of an execution backend
type RuntimeKind string

const (
	RuntimeHostSandbox   RuntimeKind = "host-sandbox"
	RuntimeMicroVM       RuntimeKind = "microvm"
	RuntimeRemoteSandbox RuntimeKind = "remote-sandbox"
	RuntimeContainer     RuntimeKind = "container"
)

// DefaultFallbackOrder is the ladder tried when a task does not pin kinds.
// Strongest practical isolation first, host execution last.
var DefaultFallbackOrder = []RuntimeKind{
	RuntimeRemoteSandbox,
	RuntimeMicroVM,
	RuntimeHostSandbox,
}

// AllRuntimeKinds lists every known runtime kind
func AllRuntimeKinds() []RuntimeKind {
	return []RuntimeKind{
		RuntimeHostSandbox,
		RuntimeMicroVM,
		RuntimeRemoteSandbox,
		RuntimeContainer,
	}
}

// Priority orders tasks within a tenant's queues
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityClasses lists priorities from most to least urgent. Router workers
// drain queues in this order.
var PriorityClasses = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Task is a unit of work submitted by a client
type Task struct {
	ID             string
	TenantID       string
	SessionID      string // Affinity key; empty when the task is unaffiliated
	Payload        []byte
	Priority       Priority
	Deadline       time.Time     // Zero when the task has no deadline
	Capabilities   []string      // Required capability tags
	Region         string        // Preferred region; soft constraint
	RuntimeKinds   []RuntimeKind // Pinned ladder; empty means the default order
	MaxLatency     time.Duration
	RetryPolicy    *RetryPolicy
	BudgetCeiling  float64 // Cost units; 0 means tenant budget only
	BudgetOverride bool    // Bypass budget checks; requires the budget.override permission
	CorrelationID  string

	State         TaskState
	FailureKind   string // Terminal fault kind; empty unless the task failed
	Message       string // Human-readable outcome
	Attempts      []*Attempt
	InstanceID    string // Set while dispatched or running
	SubmittedAt   time.Time
	AdmittedAt    time.Time
	DispatchedAt  time.Time
	FinishedAt    time.Time
	SchemaVersion int
}

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskAdmitted   TaskState = "admitted"
	TaskDispatched TaskState = "dispatched"
	TaskRunning    TaskState = "running"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
	TaskTimedOut   TaskState = "timed-out"
)

// Terminal reports whether a state is absorbing
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	}
	return false
}

// Attempt records a single dispatch of a task to an instance
type Attempt struct {
	TaskID        string
	Index         int // 1-based
	InstanceID    string
	RuntimeKind   RuntimeKind
	StartedAt     time.Time
	EndedAt       time.Time
	Outcome       AttemptOutcome
	ErrorKind     string
	Error         string
	ObservedCost  float64
	SchemaVersion int
}

// AttemptOutcome is the result of a single attempt
type AttemptOutcome string

const (
	AttemptOK        AttemptOutcome = "ok"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptCancelled AttemptOutcome = "cancelled"
)

// RetryPolicy controls per-task retry behavior across attempts
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Backoff     BackoffKind
	JitterPct   float64 // e.g. 0.2 for ±20%
}

// BackoffKind selects the delay growth function
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// DefaultRetryPolicy returns the policy applied when a submission carries none
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Backoff:     BackoffExponential,
		JitterPct:   0.2,
	}
}

// BudgetScope selects the reset window of a tenant budget
type BudgetScope string

const (
	BudgetScopeDaily     BudgetScope = "daily"
	BudgetScopeMonthly   BudgetScope = "monthly"
	BudgetScopeTaskLocal BudgetScope = "task-local"
)

// TenantBudget tracks spend against a cost ceiling
type TenantBudget struct {
	TenantID      string
	Scope         BudgetScope
	Limit         float64
	Consumed      float64
	ResetAt       time.Time
	SchemaVersion int
}

// Quota is a per-tenant concurrency ceiling
type Quota struct {
	TenantID       string
	MaxActiveTasks int
	MaxInstances   int
	SchemaVersion  int
}

// BreakerStatus is the circuit breaker state for one key
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half-open"
)

// BreakerState is the persisted circuit breaker record for one key
type BreakerState struct {
	Key           string
	State         BreakerStatus
	FailureCount  int
	SuccessCount  int
	LastFailureAt time.Time
	OpenedAt      time.Time
	SchemaVersion int
}

// EntityKind names a durable entity class in the audit log
type EntityKind string

const (
	EntityInstance EntityKind = "instance"
	EntityTask     EntityKind = "task"
	EntityAttempt  EntityKind = "attempt"
	EntityBudget   EntityKind = "budget"
	EntityBreaker  EntityKind = "breaker"
)

// AuditEntry is one append-only record of a durable state transition
type AuditEntry struct {
	Seq           uint64
	Timestamp     time.Time
	EntityKind    EntityKind
	EntityID      string
	FromState     string
	ToState       string
	Actor         string
	Reason        string
	PayloadHash   string
	Snapshot      []byte // JSON of the entity after the transition
	SchemaVersion int
}
