package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
)

// Log is the append-only audit log. Appends are serialized so seq is
// strictly monotonic across all entries; components call Append before
// making the recorded mutation visible (write-ahead).
type Log struct {
	mu     sync.Mutex
	store  storage.Store
	seq    uint64
	now    func() time.Time
	logger zerolog.Logger
}

// NewLog opens the audit log, resuming seq from the last persisted entry
func NewLog(store storage.Store) (*Log, error) {
	last, err := store.LastAuditSeq()
	if err != nil {
		return nil, fmt.Errorf("failed to read last audit seq: %w", err)
	}
	return &Log{
		store:  store,
		seq:    last,
		now:    time.Now,
		logger: log.WithComponent("audit"),
	}, nil
}

// Record describes one durable state transition to append
type Record struct {
	EntityKind types.EntityKind
	EntityID   string
	FromState  string
	ToState    string
	Actor      string
	Reason     string
	Snapshot   any // Entity state after the transition; marshalled to JSON
}

// Append persists one entry and returns it. The caller must append before
// the mutation becomes visible to other components.
func (l *Log) Append(rec Record) (*types.AuditEntry, error) {
	var snapshot []byte
	if rec.Snapshot != nil {
		data, err := json.Marshal(rec.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit snapshot: %w", err)
		}
		snapshot = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := &types.AuditEntry{
		Seq:           l.seq,
		Timestamp:     l.now().UTC(),
		EntityKind:    rec.EntityKind,
		EntityID:      rec.EntityID,
		FromState:     rec.FromState,
		ToState:       rec.ToState,
		Actor:         rec.Actor,
		Reason:        rec.Reason,
		PayloadHash:   hashPayload(snapshot),
		Snapshot:      snapshot,
		SchemaVersion: types.SchemaVersion,
	}

	if err := l.store.AppendAudit(entry); err != nil {
		l.seq--
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	return entry, nil
}

// Seq returns the last assigned sequence number
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// History returns all entries for one entity in seq order
func (l *Log) History(kind types.EntityKind, entityID string) ([]*types.AuditEntry, error) {
	return l.store.ScanAuditByEntity(kind, entityID)
}

// Rollback reconstructs the entity state as of targetSeq: the snapshot of
// the newest entry for (kind, entityID) with seq <= targetSeq. A checkpoint
// of currentState is appended before the rollback entry, and the rollback
// itself is audited. Rolling back to a state the entity already holds is a
// no-op, which makes the operation idempotent.
func (l *Log) Rollback(kind types.EntityKind, entityID string, targetSeq uint64, currentState any) ([]byte, error) {
	entries, err := l.store.ScanAuditByEntity(kind, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit history: %w", err)
	}

	var target *types.AuditEntry
	for _, entry := range entries {
		if entry.Seq > targetSeq {
			break
		}
		if len(entry.Snapshot) > 0 {
			target = entry
		}
	}
	if target == nil {
		return nil, faults.New(faults.KindInvalidInput, "no audit snapshot for %s/%s at or before seq %d", kind, entityID, targetSeq)
	}

	currentJSON, err := json.Marshal(currentState)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal current state: %w", err)
	}
	if hashPayload(currentJSON) == target.PayloadHash {
		// Already at the target state.
		return target.Snapshot, nil
	}

	// Checkpoint the pre-rollback state so the rollback itself is reversible.
	if _, err := l.Append(Record{
		EntityKind: kind,
		EntityID:   entityID,
		FromState:  target.ToState,
		ToState:    target.ToState,
		Actor:      "audit",
		Reason:     "pre-rollback checkpoint",
		Snapshot:   json.RawMessage(currentJSON),
	}); err != nil {
		return nil, err
	}

	if _, err := l.Append(Record{
		EntityKind: kind,
		EntityID:   entityID,
		ToState:    target.ToState,
		Actor:      "audit",
		Reason:     fmt.Sprintf("rollback to seq %d", target.Seq),
		Snapshot:   json.RawMessage(target.Snapshot),
	}); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("entity_kind", string(kind)).
		Str("entity_id", entityID).
		Uint64("target_seq", target.Seq).
		Msg("Rolled back entity state")

	return target.Snapshot, nil
}

func hashPayload(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
