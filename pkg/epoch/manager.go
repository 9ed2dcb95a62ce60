package epoch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lumadb/scarab/pkg/seqstore"
)

// Manager owns the epoch state machine for every partition under one data
// directory. States per partition: Uninitialized -> Active(e) -> Sealed(e)
// -> Active(e+1) -> ... Activation and sealing go through consensus and
// local durable metadata; AssignOffset is consensus-free.
type Manager struct {
	dataDir   string
	nodeID    string
	consensus Consensus
	notifier  Notifier // optional
	logger    *zap.Logger

	mu         sync.RWMutex
	partitions map[string]*partition
}

type partition struct {
	id  string
	dir string

	mu      sync.RWMutex
	meta    Metadata
	counter *seqstore.Counter // nil unless the current epoch is active
}

// NewManager opens the manager and runs the recovery sweep: every partition
// directory found under dataDir has its metadata loaded, and the offset
// counter of any epoch this node still believes active is reopened so its
// durable file length is visible again. notifier may be nil.
func NewManager(dataDir, nodeID string, consensus Consensus, notifier Notifier, logger *zap.Logger) (*Manager, error) {
	root := filepath.Join(dataDir, "partitions")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create partitions dir: %w", err)
	}

	m := &Manager{
		dataDir:    root,
		nodeID:     nodeID,
		consensus:  consensus,
		notifier:   notifier,
		logger:     logger,
		partitions: make(map[string]*partition),
	}

	if err := m.recover(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) recover() error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return fmt.Errorf("scan partitions dir: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(8)

	var mu sync.Mutex
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		dir := filepath.Join(m.dataDir, id)
		g.Go(func() error {
			meta, err := readMetadata(dir)
			if os.IsNotExist(err) {
				return nil // activation never got as far as metadata
			}
			if err != nil {
				return fmt.Errorf("partition %q: %w", id, err)
			}

			ps := &partition{id: id, dir: dir, meta: meta}
			if !meta.Sealed {
				counter, err := seqstore.Open(counterFile(dir, meta.CurrentEpoch))
				if err != nil {
					return fmt.Errorf("partition %q: reopen counter: %w", id, err)
				}
				ps.counter = counter
			}

			mu.Lock()
			m.partitions[id] = ps
			mu.Unlock()

			m.logger.Info("Recovered partition epoch state",
				zap.String("partition", id),
				zap.Uint64("epoch", meta.CurrentEpoch),
				zap.Bool("sealed", meta.Sealed),
			)
			return nil
		})
	}
	return g.Wait()
}

// Activate proposes candidate as the next epoch for the partition through
// one consensus round. On commit, a fresh offset counter is created for the
// new epoch and local metadata is durably updated before any offset can be
// assigned. On rejection the caller receives *StaleEpochError and should
// retry with Committed+1. A timed-out round returns ErrUnknownOutcome: the
// proposal may still commit, so the caller must confirm via consensus
// before writing.
func (m *Manager) Activate(ctx context.Context, partitionID string, candidate uint64, startOffset uint32) (ActivatedEpoch, error) {
	if err := validatePartitionID(partitionID); err != nil {
		return ActivatedEpoch{}, err
	}
	if candidate == 0 || candidate > math.MaxUint32 {
		return ActivatedEpoch{}, fmt.Errorf("%w: %d", ErrInvalidEpoch, candidate)
	}

	committed, err := m.consensus.ProposeEpochActivation(ctx, partitionID, candidate)
	if err != nil {
		var stale *StaleEpochError
		if errors.As(err, &stale) {
			return ActivatedEpoch{}, err
		}
		// Transport failures and timeouts are not rejections. The epoch may
		// or may not have committed; refuse to guess.
		return ActivatedEpoch{}, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}

	ps := m.getOrCreatePartition(partitionID)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	// Guards concurrent activations: if a later epoch already landed
	// locally, this commit lost the race and must not roll state back.
	if committed <= ps.meta.CurrentEpoch {
		return ActivatedEpoch{}, &StaleEpochError{
			Partition: partitionID,
			Candidate: candidate,
			Committed: ps.meta.CurrentEpoch,
		}
	}

	if ps.counter != nil {
		ps.counter.Close()
		ps.counter = nil
	}
	if err := os.MkdirAll(ps.dir, 0755); err != nil {
		return ActivatedEpoch{}, fmt.Errorf("create partition dir: %w", err)
	}

	counter, err := seqstore.Open(counterFile(ps.dir, committed))
	if err != nil {
		return ActivatedEpoch{}, fmt.Errorf("open epoch counter: %w", err)
	}

	meta := Metadata{
		CurrentEpoch: committed,
		OwnerNodeID:  m.nodeID,
		StartOffset:  startOffset,
		Sealed:       false,
	}
	if err := writeMetadata(ps.dir, meta); err != nil {
		counter.Close()
		return ActivatedEpoch{}, err
	}

	ps.meta = meta
	ps.counter = counter

	m.logger.Info("Epoch activated",
		zap.String("partition", partitionID),
		zap.Uint64("epoch", committed),
		zap.Uint32("start_offset", startOffset),
	)
	if m.notifier != nil {
		m.notifier.EpochActivated(ctx, partitionID, committed, startOffset)
	}

	return ActivatedEpoch{Partition: partitionID, Epoch: committed, StartOffset: startOffset}, nil
}

// Reactivate resumes writing after a restart or a lost leadership: it picks
// a candidate strictly above both the locally recorded epoch and the last
// committed epoch known to consensus, then activates it. Offsets under the
// new epoch can never collide with anything written before the crash; the
// epoch field distinguishes them even though both count from StartOffset.
func (m *Manager) Reactivate(ctx context.Context, partitionID string, startOffset uint32) (ActivatedEpoch, error) {
	if err := validatePartitionID(partitionID); err != nil {
		return ActivatedEpoch{}, err
	}

	local, _ := m.LastKnownEpoch(partitionID)
	committed, err := m.consensus.LastCommittedEpoch(ctx, partitionID)
	if err != nil {
		return ActivatedEpoch{}, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}

	candidate := committed + 1
	if local >= committed {
		candidate = local + 1
	}
	return m.Activate(ctx, partitionID, candidate, startOffset)
}

// AssignOffset assigns the next offset within the partition's active epoch.
// This is the hot path: one durable local increment, no consensus. Fails
// with ErrEpochSealed when no epoch is active, and fail-closed on storage
// errors (an offset is never guessed).
func (m *Manager) AssignOffset(partitionID string) (Assigned, error) {
	m.mu.RLock()
	ps := m.partitions[partitionID]
	m.mu.RUnlock()
	if ps == nil {
		return Assigned{}, ErrEpochSealed
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.meta.Sealed || ps.counter == nil {
		return Assigned{}, ErrEpochSealed
	}

	v, err := ps.counter.Increment()
	if err != nil {
		return Assigned{}, err
	}

	// The epoch's offset space is 32 bits from StartOffset. Fail closed at
	// the boundary: a wrapped offset would reissue an already-assigned
	// (partition, epoch, offset) triple. The burned counter value is
	// harmless, values are skipped, never reused.
	if v-1 > uint64(math.MaxUint32-ps.meta.StartOffset) {
		return Assigned{}, fmt.Errorf("%w: partition %q epoch %d",
			ErrOffsetExhausted, partitionID, ps.meta.CurrentEpoch)
	}

	return Assigned{
		Partition: partitionID,
		Epoch:     ps.meta.CurrentEpoch,
		Offset:    ps.meta.StartOffset + uint32(v-1),
	}, nil
}

// Seal marks the partition's current epoch sealed and records the last
// assigned offset. All subsequent AssignOffset calls fail until a new
// Activate succeeds. Sealing an already sealed partition is idempotent.
func (m *Manager) Seal(ctx context.Context, partitionID string) (SealedEpoch, error) {
	m.mu.RLock()
	ps := m.partitions[partitionID]
	m.mu.RUnlock()
	if ps == nil {
		return SealedEpoch{}, ErrEpochSealed
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.meta.Sealed {
		return SealedEpoch{
			Partition:       partitionID,
			Epoch:           ps.meta.CurrentEpoch,
			LastKnownOffset: ps.meta.LastKnownOffset,
		}, nil
	}

	assigned, err := ps.counter.Current()
	if err != nil {
		return SealedEpoch{}, err
	}
	var last *uint32
	if assigned > 0 {
		// Counter values past the 32-bit boundary were refused by
		// AssignOffset, so the highest offset actually issued caps at
		// MaxUint32.
		o := uint32(math.MaxUint32)
		if assigned-1 <= uint64(math.MaxUint32-ps.meta.StartOffset) {
			o = ps.meta.StartOffset + uint32(assigned-1)
		}
		last = &o
	}

	meta := ps.meta
	meta.Sealed = true
	meta.LastKnownOffset = last
	if err := writeMetadata(ps.dir, meta); err != nil {
		return SealedEpoch{}, err
	}

	ps.meta = meta
	ps.counter.Close()
	ps.counter = nil

	m.logger.Info("Epoch sealed",
		zap.String("partition", partitionID),
		zap.Uint64("epoch", meta.CurrentEpoch),
		zap.Uint64("offsets_assigned", assigned),
	)
	if m.notifier != nil {
		m.notifier.EpochSealed(ctx, partitionID, meta.CurrentEpoch, last)
	}

	return SealedEpoch{Partition: partitionID, Epoch: meta.CurrentEpoch, LastKnownOffset: last}, nil
}

// LastKnownEpoch returns the epoch this node last recorded for the
// partition, and whether any record exists.
func (m *Manager) LastKnownEpoch(partitionID string) (uint64, bool) {
	m.mu.RLock()
	ps := m.partitions[partitionID]
	m.mu.RUnlock()
	if ps == nil {
		return 0, false
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.meta.CurrentEpoch, true
}

// PartitionMetadata returns a copy of the locally persisted record.
func (m *Manager) PartitionMetadata(partitionID string) (Metadata, bool) {
	m.mu.RLock()
	ps := m.partitions[partitionID]
	m.mu.RUnlock()
	if ps == nil {
		return Metadata{}, false
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.meta, true
}

// Partitions lists every partition with local state.
func (m *Manager) Partitions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.partitions))
	for id := range m.partitions {
		ids = append(ids, id)
	}
	return ids
}

// Close releases every open counter. Epoch state on disk is untouched.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, ps := range m.partitions {
		ps.mu.Lock()
		if ps.counter != nil {
			if err := ps.counter.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			ps.counter = nil
		}
		ps.mu.Unlock()
	}
	return firstErr
}

func (m *Manager) getOrCreatePartition(partitionID string) *partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.partitions[partitionID]
	if !ok {
		ps = &partition{
			id:  partitionID,
			dir: filepath.Join(m.dataDir, partitionID),
			// Fresh partitions report sealed-at-epoch-0 so AssignOffset
			// refuses to serve before the first activation.
			meta: Metadata{Sealed: true},
		}
		m.partitions[partitionID] = ps
	}
	return ps
}

func validatePartitionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrBadPartition, id)
	}
	return nil
}
