package controlplane

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/hashicorp/raft"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Command operations applied by the FSM.
const (
	OpUpsertInstance = "upsert_instance"
	OpDeleteInstance = "delete_instance"
	OpUpsertTask     = "upsert_task"
	OpDeleteTask     = "delete_task"
	OpCreateAttempt  = "create_attempt"
	OpUpsertBudget   = "upsert_budget"
	OpUpsertQuota    = "upsert_quota"
	OpUpsertBreaker  = "upsert_breaker"
	OpAppendAudit    = "append_audit"
)

// FSM applies committed Raft log entries to the durable store. Every
// mutation of control-plane state flows through here so all members
// converge on the same store contents.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates the state machine over the given store
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Apply applies a committed log entry. Called by Raft on every member
// once the entry is replicated.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpUpsertInstance:
		var instance types.Instance
		if err := json.Unmarshal(cmd.Data, &instance); err != nil {
			return err
		}
		return f.store.UpdateInstance(&instance)

	case OpDeleteInstance:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteInstance(id)

	case OpUpsertTask:
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return err
		}
		return f.store.UpdateTask(&task)

	case OpDeleteTask:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteTask(id)

	case OpCreateAttempt:
		var attempt types.Attempt
		if err := json.Unmarshal(cmd.Data, &attempt); err != nil {
			return err
		}
		return f.store.CreateAttempt(&attempt)

	case OpUpsertBudget:
		var budget types.TenantBudget
		if err := json.Unmarshal(cmd.Data, &budget); err != nil {
			return err
		}
		return f.store.UpsertBudget(&budget)

	case OpUpsertQuota:
		var quota types.Quota
		if err := json.Unmarshal(cmd.Data, &quota); err != nil {
			return err
		}
		return f.store.UpsertQuota(&quota)

	case OpUpsertBreaker:
		var state types.BreakerState
		if err := json.Unmarshal(cmd.Data, &state); err != nil {
			return err
		}
		return f.store.UpsertBreaker(&state)

	case OpAppendAudit:
		var auditEntry types.AuditEntry
		if err := json.Unmarshal(cmd.Data, &auditEntry); err != nil {
			return err
		}
		return f.store.AppendAudit(&auditEntry)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM. Called
// periodically by Raft to compact the log.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	instances, err := f.store.ListInstances()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	tasks, err := f.store.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	var attempts []*types.Attempt
	for _, task := range tasks {
		taskAttempts, err := f.store.ListAttemptsByTask(task.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list attempts for task %s: %w", task.ID, err)
		}
		attempts = append(attempts, taskAttempts...)
	}

	budgets, err := f.store.ListBudgets()
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}

	quotas, err := f.store.ListQuotas()
	if err != nil {
		return nil, fmt.Errorf("failed to list quotas: %w", err)
	}

	breakers, err := f.store.ListBreakers()
	if err != nil {
		return nil, fmt.Errorf("failed to list breakers: %w", err)
	}

	auditEntries, err := f.store.ScanAudit(0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	return &fsmSnapshot{
		Instances: instances,
		Tasks:     tasks,
		Attempts:  attempts,
		Budgets:   budgets,
		Quotas:    quotas,
		Breakers:  breakers,
		Audit:     auditEntries,
	}, nil
}

// Restore replaces FSM state from a snapshot. Called when a member
// restarts or joins and must catch up past compacted log entries.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, instance := range snapshot.Instances {
		if err := f.store.UpdateInstance(instance); err != nil {
			return fmt.Errorf("failed to restore instance: %w", err)
		}
	}
	for _, task := range snapshot.Tasks {
		if err := f.store.UpdateTask(task); err != nil {
			return fmt.Errorf("failed to restore task: %w", err)
		}
	}
	for _, attempt := range snapshot.Attempts {
		if err := f.store.CreateAttempt(attempt); err != nil {
			return fmt.Errorf("failed to restore attempt: %w", err)
		}
	}
	for _, budget := range snapshot.Budgets {
		if err := f.store.UpsertBudget(budget); err != nil {
			return fmt.Errorf("failed to restore budget: %w", err)
		}
	}
	for _, quota := range snapshot.Quotas {
		if err := f.store.UpsertQuota(quota); err != nil {
			return fmt.Errorf("failed to restore quota: %w", err)
		}
	}
	for _, state := range snapshot.Breakers {
		if err := f.store.UpsertBreaker(state); err != nil {
			return fmt.Errorf("failed to restore breaker: %w", err)
		}
	}
	for _, entry := range snapshot.Audit {
		if err := f.store.AppendAudit(entry); err != nil {
			return fmt.Errorf("failed to restore audit entry: %w", err)
		}
	}

	return nil
}

// fsmSnapshot is a point-in-time copy of all durable state
type fsmSnapshot struct {
	Instances []*types.Instance
	Tasks     []*types.Task
	Attempts  []*types.Attempt
	Budgets   []*types.TenantBudget
	Quotas    []*types.Quota
	Breakers  []*types.BreakerState
	Audit     []*types.AuditEntry
}

// Persist writes the snapshot to the given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
