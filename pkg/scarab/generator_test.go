package scarab

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/lumadb/scarab/pkg/seqstore"
)

func newTestGenerator(t *testing.T, shardID uint16, prefetch uint32) (*Generator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shard.seq")
	counter, err := seqstore.Open(path)
	if err != nil {
		t.Fatalf("Open counter failed: %v", err)
	}
	t.Cleanup(func() { counter.Close() })

	gen, err := NewGenerator(shardID, counter, prefetch)
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	return gen, path
}

func TestGeneratorStrictlyIncreasing(t *testing.T) {
	gen, _ := newTestGenerator(t, 7, 1)

	// Pin the clock so ordering rests on the sequence component alone.
	ms := uint64(1_700_000_000_000)
	gen.now = func() uint64 { return ms }

	prev := uint64(0)
	for i := 0; i < 200; i++ {
		if i%100 == 0 {
			ms++ // clock ticks forward before the sequence wraps
		}
		id, err := gen.NextID()
		if err != nil {
			t.Fatalf("NextID failed: %v", err)
		}
		if i > 0 && id <= prev {
			t.Fatalf("ID %d not greater than previous %d", id, prev)
		}
		_, shrd, _ := DecodeID(id)
		if shrd != 7 {
			t.Errorf("ID carries shard %d, want 7", shrd)
		}
		prev = id
	}
}

func TestGeneratorInvalidShard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.seq")
	counter, err := seqstore.Open(path)
	if err != nil {
		t.Fatalf("Open counter failed: %v", err)
	}
	defer counter.Close()

	if _, err := NewGenerator(1024, counter, 1); !errors.Is(err, ErrInvalidShard) {
		t.Errorf("Shard 1024: got %v, want ErrInvalidShard", err)
	}
}

func TestGeneratorBatch(t *testing.T) {
	gen, _ := newTestGenerator(t, 3, 64)
	gen.now = func() uint64 { return 42 }

	ids, err := gen.NextIDBatch(50)
	if err != nil {
		t.Fatalf("NextIDBatch failed: %v", err)
	}
	if len(ids) != 50 {
		t.Fatalf("Got %d IDs, want 50", len(ids))
	}

	seen := make(map[uint64]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("Duplicate ID %d in batch", id)
		}
		seen[id] = true
	}
}

func TestGeneratorBatchSingleDurableWrite(t *testing.T) {
	gen, path := newTestGenerator(t, 3, 8)
	gen.now = func() uint64 { return 42 }

	// A request larger than the prefetch is reserved in one durable batch,
	// not ceil(100/8) prefetch-sized leases.
	if _, err := gen.NextIDBatch(100); err != nil {
		t.Fatalf("NextIDBatch failed: %v", err)
	}

	counter, err := seqstore.Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer counter.Close()
	v, err := counter.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if v != 100 {
		t.Errorf("Counter value = %d, want 100 (one batch, no over-reservation)", v)
	}
}

func TestGeneratorSequenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard.seq")

	counter, err := seqstore.Open(path)
	if err != nil {
		t.Fatalf("Open counter failed: %v", err)
	}
	gen, err := NewGenerator(1, counter, 16)
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	gen.now = func() uint64 { return 1000 }

	first := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		id, err := gen.NextID()
		if err != nil {
			t.Fatalf("NextID failed: %v", err)
		}
		_, _, seq := DecodeID(id)
		first[seq] = true
	}
	counter.Close() // crash: rest of the 16-value lease is abandoned

	counter, err = seqstore.Open(path)
	if err != nil {
		t.Fatalf("Reopen counter failed: %v", err)
	}
	defer counter.Close()
	gen, err = NewGenerator(1, counter, 16)
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	gen.now = func() uint64 { return 1000 }

	// The abandoned lease values are skipped, so no sequence from before the
	// crash reappears while still inside the same 8192 window.
	for i := 0; i < 10; i++ {
		id, err := gen.NextID()
		if err != nil {
			t.Fatalf("NextID after restart failed: %v", err)
		}
		_, _, seq := DecodeID(id)
		if first[seq] {
			t.Errorf("Sequence %d reissued after restart", seq)
		}
	}
}

func TestGeneratorPrefetchAmortizesDurableWrites(t *testing.T) {
	gen, path := newTestGenerator(t, 2, 32)
	gen.now = func() uint64 { return 5 }

	for i := 0; i < 10; i++ {
		if _, err := gen.NextID(); err != nil {
			t.Fatalf("NextID failed: %v", err)
		}
	}

	// One lease of 32 was reserved durably even though only 10 IDs were
	// served; the counter file length reflects the lease, not the serve count.
	counter, err := seqstore.Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer counter.Close()
	v, err := counter.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if v != 32 {
		t.Errorf("Counter value = %d, want 32 (one full lease)", v)
	}
}
