// Package epoch implements the per-partition epoch state machine that gates
// offset assignment. Consensus is consulted only when an epoch activates;
// every per-record offset is a local durable increment with no network
// round trip.
package epoch

import (
	"context"
	"errors"
	"fmt"

	"github.com/lumadb/scarab/pkg/scarab"
)

var (
	// ErrEpochSealed rejects offset assignment against a sealed (or never
	// activated) partition. Recoverable: a successful Activate clears it.
	ErrEpochSealed = errors.New("epoch: partition epoch is sealed")

	// ErrInvalidEpoch rejects candidate epoch 0 (reserved invalid value)
	// and candidates that do not fit the 32-bit LSN epoch field.
	ErrInvalidEpoch = errors.New("epoch: invalid candidate epoch")

	// ErrUnknownOutcome marks an activation whose consensus round timed out
	// or was cancelled. The proposal may still commit later; the caller must
	// confirm via LastCommittedEpoch before assigning any offset.
	ErrUnknownOutcome = errors.New("epoch: activation outcome unknown")

	// ErrBadPartition rejects partition ids that cannot name a directory.
	ErrBadPartition = errors.New("epoch: invalid partition id")

	// ErrOffsetExhausted rejects assignment once an epoch has consumed its
	// 32-bit offset space. The epoch must be sealed and a successor
	// activated; wrapping would reissue already-assigned
	// (partition, epoch, offset) triples.
	ErrOffsetExhausted = errors.New("epoch: offset space exhausted, seal and activate a new epoch")
)

// StaleEpochError reports a rejected activation: a higher or equal epoch was
// already committed. Recoverable by retrying with Committed+1.
type StaleEpochError struct {
	Partition string
	Candidate uint64
	Committed uint64
}

func (e *StaleEpochError) Error() string {
	return fmt.Sprintf("epoch: candidate %d for partition %q is stale, committed epoch is %d",
		e.Candidate, e.Partition, e.Committed)
}

// Consensus is the narrow contract the manager consumes. Implementations
// commit an activation only if the candidate is strictly greater than the
// last committed epoch for that partition, returning *StaleEpochError
// otherwise. The internals of the protocol are not this package's concern.
type Consensus interface {
	ProposeEpochActivation(ctx context.Context, partition string, candidate uint64) (committed uint64, err error)
	LastCommittedEpoch(ctx context.Context, partition string) (uint64, error)
}

// Notifier receives epoch lifecycle events, typically to fan them out to
// downstream consumers. All methods are fire-and-forget.
type Notifier interface {
	EpochActivated(ctx context.Context, partition string, epoch uint64, startOffset uint32)
	EpochSealed(ctx context.Context, partition string, epoch uint64, lastKnownOffset *uint32)
}

// MultiNotifier fans lifecycle events out to several notifiers.
type MultiNotifier []Notifier

func (mn MultiNotifier) EpochActivated(ctx context.Context, partition string, epoch uint64, startOffset uint32) {
	for _, n := range mn {
		n.EpochActivated(ctx, partition, epoch, startOffset)
	}
}

func (mn MultiNotifier) EpochSealed(ctx context.Context, partition string, epoch uint64, lastKnownOffset *uint32) {
	for _, n := range mn {
		n.EpochSealed(ctx, partition, epoch, lastKnownOffset)
	}
}

// ActivatedEpoch describes a successful activation.
type ActivatedEpoch struct {
	Partition   string
	Epoch       uint64
	StartOffset uint32
}

// SealedEpoch describes a sealed epoch and its final assigned offset, if any
// offset was assigned at all.
type SealedEpoch struct {
	Partition       string
	Epoch           uint64
	LastKnownOffset *uint32
}

// Assigned is one assigned offset within an active epoch.
type Assigned struct {
	Partition string
	Epoch     uint64
	Offset    uint32
}

// LSN packs the assignment into the 64-bit epoch-over-offset wire form.
func (a Assigned) LSN() uint64 {
	return scarab.EncodeEpochOffset(uint32(a.Epoch), a.Offset)
}
