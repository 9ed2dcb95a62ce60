// Package cluster implements the consensus service for epoch coordination,
// backed by Raft. The Raft log orders only epoch activations and seals;
// per-record offset assignment never touches this package.
package cluster

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/lumadb/scarab/pkg/config"
	"github.com/lumadb/scarab/pkg/epoch"
)

// NotLeaderError redirects a proposal to the current leader.
type NotLeaderError struct {
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("cluster: not the leader, leader is at %q", e.LeaderAddr)
}

// Node is a consensus group member. It implements epoch.Consensus for the
// epoch manager and epoch.Notifier for recording seal points in the log.
type Node struct {
	config    *config.Config
	logger    *zap.Logger
	raft      *raft.Raft
	fsm       *FSM
	transport *raft.NetworkTransport

	// Node state
	isLeader   bool
	leaderAddr string
	leaderMu   sync.RWMutex

	shutdownCh chan struct{}
}

// NewNode creates a new consensus node
func NewNode(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create raft dir: %w", err)
	}

	node := &Node{
		config:     cfg,
		logger:     logger,
		fsm:        NewFSM(logger),
		shutdownCh: make(chan struct{}),
	}

	// Setup Raft configuration
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 1000 * time.Millisecond
	raftConfig.ElectionTimeout = 1000 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.MaxAppendEntries = 64
	raftConfig.SnapshotInterval = 120 * time.Second
	raftConfig.SnapshotThreshold = 8192

	// Create transport
	addr, err := net.ResolveTCPAddr("tcp", cfg.RaftAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.RaftAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	node.transport = transport

	// Create stores
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	// Create Raft instance
	ra, err := raft.NewRaft(raftConfig, node.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	node.raft = ra

	// Start leader monitoring
	go node.monitorLeadership()

	return node, nil
}

// Bootstrap starts a new cluster with this node as the initial leader
func (n *Node) Bootstrap() error {
	n.logger.Info("Bootstrapping new cluster")

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(n.config.NodeID),
				Address: raft.ServerAddress(n.config.RaftAddr),
			},
		},
	}

	future := n.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		if err != raft.ErrCantBootstrap {
			return fmt.Errorf("failed to bootstrap: %w", err)
		}
		n.logger.Info("Cluster already bootstrapped")
	}

	return nil
}

// AddVoter adds a node to the cluster. Must be called on the leader.
func (n *Node) AddVoter(nodeID, addr string) error {
	if !n.IsLeader() {
		return &NotLeaderError{LeaderAddr: n.LeaderAddr()}
	}

	n.logger.Info("Adding voter",
		zap.String("node_id", nodeID),
		zap.String("addr", addr),
	)

	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 30*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the node
func (n *Node) Shutdown() error {
	n.logger.Info("Shutting down consensus node")
	close(n.shutdownCh)

	if n.raft != nil {
		future := n.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("raft shutdown failed: %w", err)
		}
	}
	return nil
}

// IsLeader returns true if this node is the cluster leader
func (n *Node) IsLeader() bool {
	n.leaderMu.RLock()
	defer n.leaderMu.RUnlock()
	return n.isLeader
}

// LeaderAddr returns the address of the current leader
func (n *Node) LeaderAddr() string {
	n.leaderMu.RLock()
	defer n.leaderMu.RUnlock()
	return n.leaderAddr
}

// Servers returns the current cluster membership.
func (n *Node) Servers() ([]raft.Server, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// ProposeEpochActivation submits an activation through the Raft log. The
// FSM commits it only if candidate is strictly greater than the last
// committed epoch; rejection surfaces as *epoch.StaleEpochError so the
// caller can retry with a higher candidate.
func (n *Node) ProposeEpochActivation(ctx context.Context, partition string, candidate uint64) (uint64, error) {
	if !n.IsLeader() {
		return 0, &NotLeaderError{LeaderAddr: n.LeaderAddr()}
	}

	res, err := n.apply(ctx, Command{
		Op:        OpActivateEpoch,
		Partition: partition,
		Epoch:     candidate,
	})
	if err != nil {
		return 0, err
	}
	if !res.Committed {
		return 0, &epoch.StaleEpochError{
			Partition: partition,
			Candidate: candidate,
			Committed: res.Epoch,
		}
	}
	return res.Epoch, nil
}

// LastCommittedEpoch reads the committed epoch for a partition. On the
// leader a barrier guarantees the read reflects every committed entry;
// followers serve their applied state.
func (n *Node) LastCommittedEpoch(ctx context.Context, partition string) (uint64, error) {
	if n.IsLeader() {
		if err := n.raft.Barrier(n.applyTimeout(ctx)).Error(); err != nil {
			return 0, fmt.Errorf("barrier failed: %w", err)
		}
	}
	return n.fsm.LastCommittedEpoch(partition), nil
}

// SealPoint returns the recorded seal for a partition, if any node
// published one.
func (n *Node) SealPoint(partition string) (SealPoint, bool) {
	return n.fsm.SealPoint(partition)
}

// EpochActivated implements epoch.Notifier. Activations already live in the
// Raft log, so there is nothing to record.
func (n *Node) EpochActivated(ctx context.Context, partition string, e uint64, startOffset uint32) {}

// EpochSealed implements epoch.Notifier: the seal point is recorded in the
// Raft log (best effort) so other nodes learn the last valid offset.
func (n *Node) EpochSealed(ctx context.Context, partition string, e uint64, lastKnown *uint32) {
	if !n.IsLeader() {
		return
	}
	_, err := n.apply(ctx, Command{
		Op:        OpSealEpoch,
		Partition: partition,
		Epoch:     e,
		LastKnown: lastKnown,
	})
	if err != nil {
		n.logger.Error("Failed to record seal point",
			zap.String("partition", partition),
			zap.Uint64("epoch", e),
			zap.Error(err),
		)
	}
}

func (n *Node) apply(ctx context.Context, cmd Command) (ApplyResult, error) {
	data, err := msgpack.Marshal(&cmd)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := n.raft.Apply(data, n.applyTimeout(ctx))
	if err := future.Error(); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to apply command: %w", err)
	}

	switch resp := future.Response().(type) {
	case ApplyResult:
		return resp, nil
	case error:
		return ApplyResult{}, resp
	default:
		return ApplyResult{}, fmt.Errorf("unexpected apply response %T", resp)
	}
}

func (n *Node) applyTimeout(ctx context.Context) time.Duration {
	timeout := time.Duration(n.config.ActivationTimeout) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	return timeout
}

func (n *Node) monitorLeadership() {
	for {
		select {
		case <-n.shutdownCh:
			return
		case isLeader := <-n.raft.LeaderCh():
			n.leaderMu.Lock()
			n.isLeader = isLeader
			if isLeader {
				n.logger.Info("This node is now the leader")
				n.leaderAddr = n.config.RaftAddr
			} else {
				addr, _ := n.raft.LeaderWithID()
				n.leaderAddr = string(addr)
				n.logger.Info("Leader changed", zap.String("new_leader", n.leaderAddr))
			}
			n.leaderMu.Unlock()
		}
	}
}
