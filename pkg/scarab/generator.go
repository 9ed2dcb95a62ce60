package scarab

import (
	"sync"
	"time"

	"github.com/lumadb/scarab/pkg/seqstore"
)

// Generator mints Scarab IDs for one coordinator shard. The sequence
// component is driven by a persistent counter modulo 8192, so sequence state
// survives crashes without ever reissuing a value.
//
// To amortize the per-increment fsync under load, the generator leases a
// contiguous range of sequence values from the counter in one durable batch
// and serves IDs from the lease. A crash abandons whatever remains of the
// lease; those values are skipped, never reused. A prefetch of 1 degenerates
// to one fsync per ID.
//
// Ordering: with a monotonic clock, IDs from one shard are strictly
// increasing. If the wall clock steps backward (NTP), the sequence component
// alone does not restore ordering; that is a documented limitation of the
// timestamp-first layout.
type Generator struct {
	shardID  uint16
	counter  *seqstore.Counter
	prefetch uint32

	// now returns milliseconds since the Unix epoch; replaced in tests.
	now func() uint64

	mu    sync.Mutex
	lease seqstore.Range
}

// NewGenerator creates a generator for the given shard. prefetch is the
// lease size per durable batch; values below 1 are raised to 1.
func NewGenerator(shardID uint16, counter *seqstore.Counter, prefetch uint32) (*Generator, error) {
	if shardID > MaxShardID {
		return nil, ErrInvalidShard
	}
	if prefetch < 1 {
		prefetch = 1
	}
	return &Generator{
		shardID:  shardID,
		counter:  counter,
		prefetch: prefetch,
		now:      func() uint64 { return uint64(time.Now().UnixMilli()) },
	}, nil
}

// ShardID returns the shard this generator mints for.
func (g *Generator) ShardID() uint16 { return g.shardID }

// NextID returns one new Scarab ID.
func (g *Generator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	seq, err := g.nextSequenceLocked(1)
	if err != nil {
		return 0, err
	}
	id, err := EncodeID(g.now(), g.shardID, seq)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// NextIDBatch returns n new Scarab IDs in one call, reserving the sequence
// values with at most one extra durable batch beyond the current lease: when
// the lease runs dry mid-batch, the refill covers everything still needed
// (or the configured prefetch, whichever is larger) in one append+fsync.
func (g *Generator) NextIDBatch(n int) ([]uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		seq, err := g.nextSequenceLocked(uint32(n - i))
		if err != nil {
			return nil, err
		}
		id, err := EncodeID(g.now(), g.shardID, seq)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// nextSequenceLocked serves one sequence value from the lease, refilling an
// empty lease with max(needed, prefetch) values in one durable batch.
func (g *Generator) nextSequenceLocked(needed uint32) (uint16, error) {
	if g.lease.Start == g.lease.End {
		want := g.prefetch
		if needed > want {
			want = needed
		}
		r, err := g.counter.IncrementBatch(want)
		if err != nil {
			return 0, err
		}
		g.lease = r
	}
	seq := uint16(g.lease.Start & SequenceMask)
	g.lease.Start++
	return seq, nil
}
