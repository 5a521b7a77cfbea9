package storage

import (
	"github.com/cuemby/drover/pkg/types"
)

// Store defines the interface for durable control-plane state.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Instances
	CreateInstance(instance *types.Instance) error
	GetInstance(id string) (*types.Instance, error)
	ListInstances() ([]*types.Instance, error)
	UpdateInstance(instance *types.Instance) error
	DeleteInstance(id string) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByTenant(tenantID string) ([]*types.Task, error)
	ListTasksByInstance(instanceID string) ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id string) error

	// Attempts
	CreateAttempt(attempt *types.Attempt) error
	ListAttemptsByTask(taskID string) ([]*types.Attempt, error)

	// Budgets and quotas
	UpsertBudget(budget *types.TenantBudget) error
	GetBudget(tenantID string, scope types.BudgetScope) (*types.TenantBudget, error)
	ListBudgets() ([]*types.TenantBudget, error)
	UpsertQuota(quota *types.Quota) error
	GetQuota(tenantID string) (*types.Quota, error)
	ListQuotas() ([]*types.Quota, error)

	// Breakers
	UpsertBreaker(state *types.BreakerState) error
	GetBreaker(key string) (*types.BreakerState, error)
	ListBreakers() ([]*types.BreakerState, error)

	// Audit
	AppendAudit(entry *types.AuditEntry) error
	LastAuditSeq() (uint64, error)
	ScanAudit(fromSeq, toSeq uint64) ([]*types.AuditEntry, error)
	ScanAuditByEntity(kind types.EntityKind, entityID string) ([]*types.AuditEntry, error)

	// Utility
	Close() error
}
