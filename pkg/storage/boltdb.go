package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/drover/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketInstances = []byte("instances")
	bucketTasks     = []byte("tasks")
	bucketAttempts  = []byte("attempts")
	bucketBudgets   = []byte("budgets")
	bucketQuotas    = []byte("quotas")
	bucketBreakers  = []byte("breakers")
	bucketAudit     = []byte("audit")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "drover.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketInstances,
			bucketTasks,
			bucketAttempts,
			bucketBudgets,
			bucketQuotas,
			bucketBreakers,
			bucketAudit,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Instance operations

func (s *BoltStore) CreateInstance(instance *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(instance)
		if err != nil {
			return err
		}
		return b.Put([]byte(instance.ID), data)
	})
}

func (s *BoltStore) GetInstance(id string) (*types.Instance, error) {
	var instance types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("instance not found: %s", id)
		}
		return json.Unmarshal(data, &instance)
	})
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (s *BoltStore) ListInstances() ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var instance types.Instance
			if err := json.Unmarshal(v, &instance); err != nil {
				return err
			}
			instances = append(instances, &instance)
			return nil
		})
	})
	return instances, err
}

func (s *BoltStore) UpdateInstance(instance *types.Instance) error {
	return s.CreateInstance(instance) // Same as create (upsert)
}

func (s *BoltStore) DeleteInstance(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete([]byte(id))
	})
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByTenant(tenantID string) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Task
	for _, task := range tasks {
		if task.TenantID == tenantID {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListTasksByInstance(instanceID string) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Task
	for _, task := range tasks {
		if task.InstanceID == instanceID {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task)
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.Delete([]byte(id))
	})
}

// Attempt operations

// attemptKey orders attempts by task and index within the bucket
func attemptKey(taskID string, index int) []byte {
	return []byte(fmt.Sprintf("%s/%08d", taskID, index))
}

func (s *BoltStore) CreateAttempt(attempt *types.Attempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		data, err := json.Marshal(attempt)
		if err != nil {
			return err
		}
		return b.Put(attemptKey(attempt.TaskID, attempt.Index), data)
	})
}

func (s *BoltStore) ListAttemptsByTask(taskID string) ([]*types.Attempt, error) {
	var attempts []*types.Attempt
	prefix := []byte(taskID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAttempts).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var attempt types.Attempt
			if err := json.Unmarshal(v, &attempt); err != nil {
				return err
			}
			attempts = append(attempts, &attempt)
		}
		return nil
	})
	return attempts, err
}

// Budget and quota operations

func budgetKey(tenantID string, scope types.BudgetScope) []byte {
	return []byte(tenantID + "/" + string(scope))
}

func (s *BoltStore) UpsertBudget(budget *types.TenantBudget) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBudgets)
		data, err := json.Marshal(budget)
		if err != nil {
			return err
		}
		return b.Put(budgetKey(budget.TenantID, budget.Scope), data)
	})
}

func (s *BoltStore) GetBudget(tenantID string, scope types.BudgetScope) (*types.TenantBudget, error) {
	var budget types.TenantBudget
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBudgets)
		data := b.Get(budgetKey(tenantID, scope))
		if data == nil {
			return fmt.Errorf("budget not found: %s/%s", tenantID, scope)
		}
		return json.Unmarshal(data, &budget)
	})
	if err != nil {
		return nil, err
	}
	return &budget, nil
}

func (s *BoltStore) ListBudgets() ([]*types.TenantBudget, error) {
	var budgets []*types.TenantBudget
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBudgets)
		return b.ForEach(func(k, v []byte) error {
			var budget types.TenantBudget
			if err := json.Unmarshal(v, &budget); err != nil {
				return err
			}
			budgets = append(budgets, &budget)
			return nil
		})
	})
	return budgets, err
}

func (s *BoltStore) UpsertQuota(quota *types.Quota) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotas)
		data, err := json.Marshal(quota)
		if err != nil {
			return err
		}
		return b.Put([]byte(quota.TenantID), data)
	})
}

func (s *BoltStore) GetQuota(tenantID string) (*types.Quota, error) {
	var quota types.Quota
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotas)
		data := b.Get([]byte(tenantID))
		if data == nil {
			return fmt.Errorf("quota not found: %s", tenantID)
		}
		return json.Unmarshal(data, &quota)
	})
	if err != nil {
		return nil, err
	}
	return &quota, nil
}

func (s *BoltStore) ListQuotas() ([]*types.Quota, error) {
	var quotas []*types.Quota
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotas)
		return b.ForEach(func(k, v []byte) error {
			var quota types.Quota
			if err := json.Unmarshal(v, &quota); err != nil {
				return err
			}
			quotas = append(quotas, &quota)
			return nil
		})
	})
	return quotas, err
}

// Breaker operations

func (s *BoltStore) UpsertBreaker(state *types.BreakerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBreakers)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(state.Key), data)
	})
}

func (s *BoltStore) GetBreaker(key string) (*types.BreakerState, error) {
	var state types.BreakerState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBreakers)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("breaker not found: %s", key)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) ListBreakers() ([]*types.BreakerState, error) {
	var states []*types.BreakerState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBreakers)
		return b.ForEach(func(k, v []byte) error {
			var state types.BreakerState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, &state)
			return nil
		})
	})
	return states, err
}

// Audit operations

// seqKey encodes a sequence number big-endian so bucket order equals seq order
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (s *BoltStore) AppendAudit(entry *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(seqKey(entry.Seq), data)
	})
}

func (s *BoltStore) LastAuditSeq() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		k, _ := c.Last()
		if k != nil {
			seq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return seq, err
}

// ScanAudit returns entries with fromSeq <= seq <= toSeq in seq order.
// toSeq == 0 means scan to the end of the log.
func (s *BoltStore) ScanAudit(fromSeq, toSeq uint64) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Seek(seqKey(fromSeq)); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			if toSeq != 0 && seq > toSeq {
				break
			}
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) ScanAuditByEntity(kind types.EntityKind, entityID string) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.EntityKind == kind && entry.EntityID == entityID {
				entries = append(entries, &entry)
			}
		}
		return nil
	})
	return entries, err
}
