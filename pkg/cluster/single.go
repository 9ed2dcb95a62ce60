package cluster

import (
	"context"

	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/lumadb/scarab/pkg/epoch"
)

// SingleNode is an in-process consensus service for single-node deployments
// and tests. Proposals go through the same command codec and FSM commit rule
// as the replicated path, just without a Raft group underneath, so epoch
// semantics are identical either way.
type SingleNode struct {
	fsm *FSM
}

// NewSingleNode creates a standalone consensus service backed by a fresh FSM.
func NewSingleNode(logger *zap.Logger) *SingleNode {
	return &SingleNode{fsm: NewFSM(logger)}
}

// ProposeEpochActivation implements epoch.Consensus.
func (s *SingleNode) ProposeEpochActivation(ctx context.Context, partition string, candidate uint64) (uint64, error) {
	res, err := s.apply(Command{Op: OpActivateEpoch, Partition: partition, Epoch: candidate})
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

// LastCommittedEpoch implements epoch.Consensus.
func (s *SingleNode) LastCommittedEpoch(ctx context.Context, partition string) (uint64, error) {
	return s.fsm.LastCommittedEpoch(partition), nil
}

// EpochActivated implements epoch.Notifier. The activation already went
// through ProposeEpochActivation, so there is nothing left to record.
func (s *SingleNode) EpochActivated(ctx context.Context, partition string, e uint64, startOffset uint32) {
}

// EpochSealed implements epoch.Notifier, recording the seal point.
func (s *SingleNode) EpochSealed(ctx context.Context, partition string, e uint64, lastKnown *uint32) {
	s.apply(Command{Op: OpSealEpoch, Partition: partition, Epoch: e, LastKnown: lastKnown})
}

// SealPoint returns the recorded seal for a partition, if any.
func (s *SingleNode) SealPoint(partition string) (SealPoint, bool) {
	return s.fsm.SealPoint(partition)
}

func (s *SingleNode) apply(cmd Command) (ApplyResult, error) {
	data, err := msgpack.Marshal(&cmd)
	if err != nil {
		return ApplyResult{}, err
	}
	switch r := s.fsm.Apply(&raft.Log{Data: data}).(type) {
	case ApplyResult:
		return r, nil
	case error:
		return ApplyResult{}, r
	default:
		return ApplyResult{}, nil
	}
}
