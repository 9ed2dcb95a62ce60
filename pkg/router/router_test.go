package router

import (
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/lumadb/scarab/pkg/config"
	"github.com/lumadb/scarab/pkg/scarab"
)

func newTestPool(t *testing.T, shardCount, base int) *Pool {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ShardCount = shardCount
	cfg.BaseShardID = base
	cfg.IDPrefetch = 8

	p, err := NewPool(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRouteIndexStable(t *testing.T) {
	key := []byte("tenant-42/orders")
	first := RouteIndex(key, 16)
	for i := 0; i < 100; i++ {
		if got := RouteIndex(key, 16); got != first {
			t.Fatalf("RouteIndex not stable: %d then %d", first, got)
		}
	}
	if first >= 16 {
		t.Errorf("RouteIndex = %d, out of range for 16 shards", first)
	}
}

func TestRouteIndexSpreadsKeys(t *testing.T) {
	hits := make(map[uint16]int)
	for i := 0; i < 4096; i++ {
		hits[RouteIndex([]byte(fmt.Sprintf("key-%d", i)), 16)]++
	}
	if len(hits) != 16 {
		t.Errorf("4096 keys landed on only %d of 16 shards", len(hits))
	}
}

func TestPoolRouting(t *testing.T) {
	p := newTestPool(t, 8, 0)

	key := []byte("some-routing-key")
	s1 := p.Route(key)
	s2 := p.Route(key)
	if s1 != s2 {
		t.Error("Route not deterministic for the same key")
	}

	id, err := p.NextID(key)
	if err != nil {
		t.Fatalf("NextID failed: %v", err)
	}
	_, shardID, _ := scarab.DecodeID(id)
	if shardID != s1.ID {
		t.Errorf("ID minted on shard %d, routed to %d", shardID, s1.ID)
	}
}

func TestPoolShardWindow(t *testing.T) {
	p := newTestPool(t, 4, 100)

	want := uint16(100)
	for _, s := range p.Shards() {
		if s.ID != want {
			t.Errorf("Shard ID = %d, want %d", s.ID, want)
		}
		want++
	}
}

func TestPoolIDsUniqueAcrossShards(t *testing.T) {
	p := newTestPool(t, 4, 0)

	seen := make(map[uint64]bool)
	for i := 0; i < 400; i++ {
		id, err := p.NextID([]byte(fmt.Sprintf("key-%d", i)))
		if err != nil {
			t.Fatalf("NextID failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("Duplicate ID %d across shards", id)
		}
		seen[id] = true
	}
}

func TestPoolBatch(t *testing.T) {
	p := newTestPool(t, 2, 0)

	ids, err := p.NextIDBatch([]byte("batch-key"), 32)
	if err != nil {
		t.Fatalf("NextIDBatch failed: %v", err)
	}
	if len(ids) != 32 {
		t.Errorf("Got %d IDs, want 32", len(ids))
	}
}
