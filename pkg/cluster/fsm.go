package cluster

import (
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Command ops carried through the Raft log.
const (
	OpActivateEpoch = "activate_epoch"
	OpSealEpoch     = "seal_epoch"
)

// Command is a Raft command, msgpack-encoded on the wire.
type Command struct {
	Op        string  `msgpack:"op"`
	Partition string  `msgpack:"partition"`
	Epoch     uint64  `msgpack:"epoch"`
	LastKnown *uint32 `msgpack:"last_known_offset"`
}

// ApplyResult is the FSM's answer to one command, surfaced through the
// raft.ApplyFuture response.
type ApplyResult struct {
	Committed bool
	Epoch     uint64 // committed epoch on success, current epoch on rejection
}

// SealPoint records where an epoch was sealed, so followers can learn the
// last valid offset without asking the old writer.
type SealPoint struct {
	Epoch     uint64  `msgpack:"epoch"`
	LastKnown *uint32 `msgpack:"last_known_offset"`
}

// FSM is the replicated state machine for epoch coordination. Its entire
// state is one table: partition -> last committed epoch, plus the recorded
// seal points. The commit rule is deterministic, so every replica reaches
// the same verdict on every proposal.
type FSM struct {
	logger *zap.Logger

	mu     sync.RWMutex
	epochs map[string]uint64
	seals  map[string]SealPoint
}

// NewFSM creates an empty FSM
func NewFSM(logger *zap.Logger) *FSM {
	return &FSM{
		logger: logger,
		epochs: make(map[string]uint64),
		seals:  make(map[string]SealPoint),
	}
}

// Apply applies a Raft log entry to the FSM
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := msgpack.Unmarshal(log.Data, &cmd); err != nil {
		f.logger.Error("Failed to unmarshal command", zap.Error(err))
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpActivateEpoch:
		current := f.epochs[cmd.Partition]
		// An activation commits only if the candidate is strictly greater
		// than the last committed epoch for the partition.
		if cmd.Epoch <= current {
			return ApplyResult{Committed: false, Epoch: current}
		}
		f.epochs[cmd.Partition] = cmd.Epoch
		return ApplyResult{Committed: true, Epoch: cmd.Epoch}

	case OpSealEpoch:
		// Seal records are advisory; only the seal of the current epoch is
		// worth keeping.
		if cmd.Epoch == f.epochs[cmd.Partition] {
			f.seals[cmd.Partition] = SealPoint{Epoch: cmd.Epoch, LastKnown: cmd.LastKnown}
		}
		return ApplyResult{Committed: true, Epoch: cmd.Epoch}

	default:
		err := fmt.Errorf("unknown command op %q", cmd.Op)
		f.logger.Error("Rejecting raft command", zap.Error(err))
		return err
	}
}

// LastCommittedEpoch returns the last committed epoch for a partition, 0 if
// none was ever activated.
func (f *FSM) LastCommittedEpoch(partition string) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.epochs[partition]
}

// SealPoint returns the recorded seal for a partition, if any.
func (f *FSM) SealPoint(partition string) (SealPoint, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sp, ok := f.seals[partition]
	return sp, ok
}

type fsmState struct {
	Epochs map[string]uint64    `msgpack:"epochs"`
	Seals  map[string]SealPoint `msgpack:"seals"`
}

// Snapshot returns an FSM snapshot
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st := fsmState{
		Epochs: make(map[string]uint64, len(f.epochs)),
		Seals:  make(map[string]SealPoint, len(f.seals)),
	}
	for k, v := range f.epochs {
		st.Epochs[k] = v
	}
	for k, v := range f.seals {
		st.Seals[k] = v
	}
	return &fsmSnapshot{state: st}, nil
}

// Restore restores the FSM from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	var st fsmState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.epochs = st.Epochs
	if f.epochs == nil {
		f.epochs = make(map[string]uint64)
	}
	f.seals = st.Seals
	if f.seals == nil {
		f.seals = make(map[string]SealPoint)
	}
	return nil
}

type fsmSnapshot struct {
	state fsmState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := msgpack.Marshal(&s.state)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
