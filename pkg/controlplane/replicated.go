package controlplane

import (
	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
)

// ReplicatedStore routes every durable mutation through the Raft log so
// all members converge on the same store contents. Reads stay on the
// local store. Writes commit on the leader only; followers surface
// not-leader errors and callers retry against the leader.
type ReplicatedStore struct {
	node  *Node
	local storage.Store
}

var _ storage.Store = (*ReplicatedStore)(nil)

// NewReplicatedStore wraps the local store with replicated writes
func NewReplicatedStore(node *Node, local storage.Store) *ReplicatedStore {
	return &ReplicatedStore{node: node, local: local}
}

func (s *ReplicatedStore) CreateInstance(instance *types.Instance) error {
	return s.node.UpsertInstance(instance)
}

func (s *ReplicatedStore) UpdateInstance(instance *types.Instance) error {
	return s.node.UpsertInstance(instance)
}

func (s *ReplicatedStore) DeleteInstance(id string) error {
	return s.node.DeleteInstance(id)
}

func (s *ReplicatedStore) GetInstance(id string) (*types.Instance, error) {
	return s.local.GetInstance(id)
}

func (s *ReplicatedStore) ListInstances() ([]*types.Instance, error) {
	return s.local.ListInstances()
}

func (s *ReplicatedStore) CreateTask(task *types.Task) error {
	return s.node.UpsertTask(task)
}

func (s *ReplicatedStore) UpdateTask(task *types.Task) error {
	return s.node.UpsertTask(task)
}

func (s *ReplicatedStore) DeleteTask(id string) error {
	return s.node.DeleteTask(id)
}

func (s *ReplicatedStore) GetTask(id string) (*types.Task, error) {
	return s.local.GetTask(id)
}

func (s *ReplicatedStore) ListTasks() ([]*types.Task, error) {
	return s.local.ListTasks()
}

func (s *ReplicatedStore) ListTasksByTenant(tenantID string) ([]*types.Task, error) {
	return s.local.ListTasksByTenant(tenantID)
}

func (s *ReplicatedStore) ListTasksByInstance(instanceID string) ([]*types.Task, error) {
	return s.local.ListTasksByInstance(instanceID)
}

func (s *ReplicatedStore) CreateAttempt(attempt *types.Attempt) error {
	return s.node.CreateAttempt(attempt)
}

func (s *ReplicatedStore) ListAttemptsByTask(taskID string) ([]*types.Attempt, error) {
	return s.local.ListAttemptsByTask(taskID)
}

func (s *ReplicatedStore) UpsertBudget(budget *types.TenantBudget) error {
	return s.node.UpsertBudget(budget)
}

func (s *ReplicatedStore) GetBudget(tenantID string, scope types.BudgetScope) (*types.TenantBudget, error) {
	return s.local.GetBudget(tenantID, scope)
}

func (s *ReplicatedStore) ListBudgets() ([]*types.TenantBudget, error) {
	return s.local.ListBudgets()
}

func (s *ReplicatedStore) UpsertQuota(quota *types.Quota) error {
	return s.node.UpsertQuota(quota)
}

func (s *ReplicatedStore) GetQuota(tenantID string) (*types.Quota, error) {
	return s.local.GetQuota(tenantID)
}

func (s *ReplicatedStore) ListQuotas() ([]*types.Quota, error) {
	return s.local.ListQuotas()
}

func (s *ReplicatedStore) UpsertBreaker(state *types.BreakerState) error {
	return s.node.UpsertBreaker(state)
}

func (s *ReplicatedStore) GetBreaker(key string) (*types.BreakerState, error) {
	return s.local.GetBreaker(key)
}

func (s *ReplicatedStore) ListBreakers() ([]*types.BreakerState, error) {
	return s.local.ListBreakers()
}

func (s *ReplicatedStore) AppendAudit(entry *types.AuditEntry) error {
	return s.node.AppendAudit(entry)
}

func (s *ReplicatedStore) LastAuditSeq() (uint64, error) {
	return s.local.LastAuditSeq()
}

func (s *ReplicatedStore) ScanAudit(fromSeq, toSeq uint64) ([]*types.AuditEntry, error) {
	return s.local.ScanAudit(fromSeq, toSeq)
}

func (s *ReplicatedStore) ScanAuditByEntity(kind types.EntityKind, entityID string) ([]*types.AuditEntry, error) {
	return s.local.ScanAuditByEntity(kind, entityID)
}

// Close is a no-op; the local store is owned by the caller.
func (s *ReplicatedStore) Close() error {
	return nil
}
