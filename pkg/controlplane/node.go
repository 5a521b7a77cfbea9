package controlplane

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Node is one control-plane member. It owns the Raft instance and
// routes every durable mutation through the replicated log.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft   *raft.Raft
	fsm    *FSM
	store  storage.Store
	logger zerolog.Logger
}

// Config holds what a Node needs to start
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewNode creates a control-plane node over the given store
func NewNode(cfg Config, store storage.Store) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &Node{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
		logger:   log.WithComponent("controlplane"),
	}, nil
}

// raftConfig tunes Raft for LAN latencies. The stock timeouts assume
// WAN deployments; a control plane and its workers share a network.
func (n *Node) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(n.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (n *Node) openRaft() error {
	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(n.raftConfig(), n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = r
	return nil
}

// Bootstrap initializes a new single-node cluster with this node as
// the only voter
func (n *Node) Bootstrap() error {
	if err := n.openRaft(); err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(n.nodeID),
				Address: raft.ServerAddress(n.bindAddr),
			},
		},
	}
	if err := n.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	n.logger.Info().Str("node_id", n.nodeID).Str("bind_addr", n.bindAddr).Msg("Bootstrapped control plane")
	return nil
}

// Open starts Raft without bootstrapping, for nodes that will be added
// to an existing cluster by its leader
func (n *Node) Open() error {
	if err := n.openRaft(); err != nil {
		return err
	}
	n.logger.Info().Str("node_id", n.nodeID).Str("bind_addr", n.bindAddr).Msg("Opened control plane, awaiting join")
	return nil
}

// AddVoter adds a member to the cluster. Leader only.
func (n *Node) AddVoter(nodeID, address string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", n.LeaderAddr())
	}

	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	n.logger.Info().Str("node_id", nodeID).Str("address", address).Msg("Added voter")
	return nil
}

// RemoveServer removes a member from the cluster. Leader only.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// Servers returns the current cluster membership
func (n *Node) Servers() ([]raft.Server, error) {
	if n.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node holds leadership
func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current leader
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// Stats returns Raft statistics for the status endpoint
func (n *Node) Stats() map[string]interface{} {
	if n.raft == nil {
		return nil
	}
	return map[string]interface{}{
		"state":          n.raft.State().String(),
		"last_log_index": n.raft.LastIndex(),
		"applied_index":  n.raft.AppliedIndex(),
		"leader":         string(n.raft.Leader()),
	}
}

// Apply submits a command to the replicated log and waits for commit
func (n *Node) Apply(cmd Command) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := n.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) applyJSON(op string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return n.Apply(Command{Op: op, Data: data})
}

// UpsertInstance replicates an instance record
func (n *Node) UpsertInstance(instance *types.Instance) error {
	return n.applyJSON(OpUpsertInstance, instance)
}

// DeleteInstance replicates an instance removal
func (n *Node) DeleteInstance(id string) error {
	return n.applyJSON(OpDeleteInstance, id)
}

// UpsertTask replicates a task record
func (n *Node) UpsertTask(task *types.Task) error {
	return n.applyJSON(OpUpsertTask, task)
}

// DeleteTask replicates a task removal
func (n *Node) DeleteTask(id string) error {
	return n.applyJSON(OpDeleteTask, id)
}

// CreateAttempt replicates an attempt record
func (n *Node) CreateAttempt(attempt *types.Attempt) error {
	return n.applyJSON(OpCreateAttempt, attempt)
}

// UpsertBudget replicates a tenant budget
func (n *Node) UpsertBudget(budget *types.TenantBudget) error {
	return n.applyJSON(OpUpsertBudget, budget)
}

// UpsertQuota replicates a tenant quota
func (n *Node) UpsertQuota(quota *types.Quota) error {
	return n.applyJSON(OpUpsertQuota, quota)
}

// UpsertBreaker replicates a circuit breaker record
func (n *Node) UpsertBreaker(state *types.BreakerState) error {
	return n.applyJSON(OpUpsertBreaker, state)
}

// AppendAudit replicates an audit entry
func (n *Node) AppendAudit(entry *types.AuditEntry) error {
	return n.applyJSON(OpAppendAudit, entry)
}

// Shutdown stops Raft. The store is owned by the caller and stays open.
func (n *Node) Shutdown() error {
	if n.raft == nil {
		return nil
	}
	return n.raft.Shutdown().Error()
}
