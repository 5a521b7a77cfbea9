package storage

import (
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInstanceCRUD(t *testing.T) {
	store := newTestStore(t)

	instance := &types.Instance{
		ID:           "i-1",
		Endpoint:     "10.0.0.4:9000",
		Capabilities: []string{"code", "browse"},
		Region:       "us-east",
		RuntimeKinds: []types.RuntimeKind{types.RuntimeMicroVM},
		Status:       types.InstanceActive,
		RegisteredAt: time.Now().UTC(),
	}

	require.NoError(t, store.CreateInstance(instance))

	got, err := store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4:9000", got.Endpoint)
	assert.Equal(t, []string{"code", "browse"}, got.Capabilities)

	got.Region = "eu-west"
	require.NoError(t, store.UpdateInstance(got))
	got, err = store.GetInstance("i-1")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", got.Region)

	require.NoError(t, store.DeleteInstance("i-1"))
	_, err = store.GetInstance("i-1")
	assert.Error(t, err)
}

func TestTaskFilters(t *testing.T) {
	store := newTestStore(t)

	tasks := []*types.Task{
		{ID: "t-1", TenantID: "acme", InstanceID: "i-1", State: types.TaskRunning},
		{ID: "t-2", TenantID: "acme", InstanceID: "i-2", State: types.TaskQueued},
		{ID: "t-3", TenantID: "globex", InstanceID: "i-1", State: types.TaskSucceeded},
	}
	for _, task := range tasks {
		require.NoError(t, store.CreateTask(task))
	}

	byTenant, err := store.ListTasksByTenant("acme")
	require.NoError(t, err)
	assert.Len(t, byTenant, 2)

	byInstance, err := store.ListTasksByInstance("i-1")
	require.NoError(t, err)
	assert.Len(t, byInstance, 2)
}

func TestAttemptsOrderedByIndex(t *testing.T) {
	store := newTestStore(t)

	// Insert out of order; listing must come back ordered.
	for _, idx := range []int{3, 1, 2} {
		require.NoError(t, store.CreateAttempt(&types.Attempt{
			TaskID:      "t-1",
			Index:       idx,
			InstanceID:  "i-1",
			RuntimeKind: types.RuntimeRemoteSandbox,
		}))
	}
	require.NoError(t, store.CreateAttempt(&types.Attempt{TaskID: "t-2", Index: 1}))

	attempts, err := store.ListAttemptsByTask("t-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, attempt := range attempts {
		assert.Equal(t, i+1, attempt.Index)
	}
}

func TestBudgetScopes(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertBudget(&types.TenantBudget{
		TenantID: "acme", Scope: types.BudgetScopeDaily, Limit: 10, Consumed: 9.5,
	}))
	require.NoError(t, store.UpsertBudget(&types.TenantBudget{
		TenantID: "acme", Scope: types.BudgetScopeMonthly, Limit: 200,
	}))

	daily, err := store.GetBudget("acme", types.BudgetScopeDaily)
	require.NoError(t, err)
	assert.Equal(t, 9.5, daily.Consumed)

	monthly, err := store.GetBudget("acme", types.BudgetScopeMonthly)
	require.NoError(t, err)
	assert.Equal(t, float64(200), monthly.Limit)

	budgets, err := store.ListBudgets()
	require.NoError(t, err)
	assert.Len(t, budgets, 2)
}

func TestAuditScanOrder(t *testing.T) {
	store := newTestStore(t)

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, store.AppendAudit(&types.AuditEntry{
			Seq:        seq,
			EntityKind: types.EntityTask,
			EntityID:   "t-1",
			ToState:    string(types.TaskRunning),
		}))
	}
	require.NoError(t, store.AppendAudit(&types.AuditEntry{
		Seq:        6,
		EntityKind: types.EntityInstance,
		EntityID:   "i-1",
	}))

	last, err := store.LastAuditSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), last)

	entries, err := store.ScanAudit(2, 4)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(2), entries[0].Seq)
	assert.Equal(t, uint64(4), entries[2].Seq)

	byEntity, err := store.ScanAuditByEntity(types.EntityTask, "t-1")
	require.NoError(t, err)
	assert.Len(t, byEntity, 5)
}

func TestBreakerUpsert(t *testing.T) {
	store := newTestStore(t)

	state := &types.BreakerState{
		Key:          "remote-sandbox/i-2",
		State:        types.BreakerOpen,
		FailureCount: 3,
		OpenedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.UpsertBreaker(state))

	got, err := store.GetBreaker("remote-sandbox/i-2")
	require.NoError(t, err)
	assert.Equal(t, types.BreakerOpen, got.State)
	assert.Equal(t, 3, got.FailureCount)
}
