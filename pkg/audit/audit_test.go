package audit

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) (*Log, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditLog, err := NewLog(store)
	require.NoError(t, err)
	return auditLog, store
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	auditLog, _ := newTestLog(t)

	var seqs []uint64
	for i := 0; i < 5; i++ {
		entry, err := auditLog.Append(Record{
			EntityKind: types.EntityTask,
			EntityID:   "t-1",
			FromState:  string(types.TaskQueued),
			ToState:    string(types.TaskAdmitted),
			Actor:      "lifecycle",
		})
		require.NoError(t, err)
		seqs = append(seqs, entry.Seq)
	}

	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestSeqResumesAcrossReopen(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	first, err := NewLog(store)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := first.Append(Record{EntityKind: types.EntityTask, EntityID: "t-1"})
		require.NoError(t, err)
	}

	second, err := NewLog(store)
	require.NoError(t, err)
	entry, err := second.Append(Record{EntityKind: types.EntityTask, EntityID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), entry.Seq)
}

func TestConcurrentAppendsStayStrictlyOrdered(t *testing.T) {
	auditLog, store := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := auditLog.Append(Record{EntityKind: types.EntityTask, EntityID: "t-1"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries, err := store.ScanAudit(1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 200)
	for i, entry := range entries {
		assert.Equal(t, uint64(i+1), entry.Seq)
	}
}

type budgetSnapshot struct {
	Consumed float64 `json:"consumed"`
}

func TestRollbackRestoresPriorSnapshot(t *testing.T) {
	auditLog, _ := newTestLog(t)

	v1, err := auditLog.Append(Record{
		EntityKind: types.EntityBudget,
		EntityID:   "acme/daily",
		ToState:    "active",
		Snapshot:   budgetSnapshot{Consumed: 2.5},
	})
	require.NoError(t, err)

	_, err = auditLog.Append(Record{
		EntityKind: types.EntityBudget,
		EntityID:   "acme/daily",
		ToState:    "active",
		Snapshot:   budgetSnapshot{Consumed: 7.0},
	})
	require.NoError(t, err)

	restored, err := auditLog.Rollback(types.EntityBudget, "acme/daily", v1.Seq, budgetSnapshot{Consumed: 7.0})
	require.NoError(t, err)

	var got budgetSnapshot
	require.NoError(t, json.Unmarshal(restored, &got))
	assert.Equal(t, 2.5, got.Consumed)

	// The rollback wrote a checkpoint plus the rollback entry.
	history, err := auditLog.History(types.EntityBudget, "acme/daily")
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestRollbackIsIdempotent(t *testing.T) {
	auditLog, _ := newTestLog(t)

	v1, err := auditLog.Append(Record{
		EntityKind: types.EntityBudget,
		EntityID:   "acme/daily",
		Snapshot:   budgetSnapshot{Consumed: 1.0},
	})
	require.NoError(t, err)
	_, err = auditLog.Append(Record{
		EntityKind: types.EntityBudget,
		EntityID:   "acme/daily",
		Snapshot:   budgetSnapshot{Consumed: 9.0},
	})
	require.NoError(t, err)

	first, err := auditLog.Rollback(types.EntityBudget, "acme/daily", v1.Seq, budgetSnapshot{Consumed: 9.0})
	require.NoError(t, err)
	seqAfterFirst := auditLog.Seq()

	// Applying the restored state and rolling back again changes nothing.
	second, err := auditLog.Rollback(types.EntityBudget, "acme/daily", v1.Seq, budgetSnapshot{Consumed: 1.0})
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, seqAfterFirst, auditLog.Seq())
}

func TestRollbackWithoutSnapshotFails(t *testing.T) {
	auditLog, _ := newTestLog(t)

	_, err := auditLog.Rollback(types.EntityTask, "missing", 99, nil)
	assert.Error(t, err)
}
