// Package router implements the coordinator shard pool: N independent ID
// generators presented as one logical service, with requests routed by a
// deterministic hash of the routing key. Shards share nothing; a failed
// shard only affects keys that hash to it.
package router

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lumadb/scarab/pkg/config"
	"github.com/lumadb/scarab/pkg/scarab"
	"github.com/lumadb/scarab/pkg/seqstore"
)

// Shard is one independently constructed coordinator instance with its own
// storage path and generator.
type Shard struct {
	ID        uint16
	Generator *scarab.Generator

	counter *seqstore.Counter
}

// Pool holds the node's shard window [BaseShardID, BaseShardID+ShardCount).
type Pool struct {
	shards []*Shard
	logger *zap.Logger
}

// NewPool opens one persistent counter per shard under dataDir/shards and
// builds the generators. Counter files persist across restarts, so sequence
// state survives with them.
func NewPool(cfg *config.Config, logger *zap.Logger) (*Pool, error) {
	dir := filepath.Join(cfg.DataDir, "shards")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create shards dir: %w", err)
	}

	pool := &Pool{
		shards: make([]*Shard, 0, cfg.ShardCount),
		logger: logger,
	}

	for i := 0; i < cfg.ShardCount; i++ {
		shardID := uint16(cfg.BaseShardID + i)
		counter, err := seqstore.Open(filepath.Join(dir, fmt.Sprintf("shard-%04d.seq", shardID)))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("shard %d: %w", shardID, err)
		}
		gen, err := scarab.NewGenerator(shardID, counter, uint32(cfg.IDPrefetch))
		if err != nil {
			counter.Close()
			pool.Close()
			return nil, fmt.Errorf("shard %d: %w", shardID, err)
		}
		pool.shards = append(pool.shards, &Shard{ID: shardID, Generator: gen, counter: counter})
	}

	logger.Info("Shard pool ready",
		zap.Int("shard_count", cfg.ShardCount),
		zap.Int("base_shard_id", cfg.BaseShardID),
	)
	return pool, nil
}

// RouteIndex maps a routing key onto a shard index, stable for a fixed
// shard count. Resharding (changing the count) is an administrative
// operation outside this core.
func RouteIndex(key []byte, shardCount uint16) uint16 {
	return uint16(fnv1a(key) % uint64(shardCount))
}

// Route selects the shard for a routing key.
func (p *Pool) Route(key []byte) *Shard {
	return p.shards[RouteIndex(key, uint16(len(p.shards)))]
}

// NextID generates one Scarab ID on the shard the key routes to.
func (p *Pool) NextID(key []byte) (uint64, error) {
	return p.Route(key).Generator.NextID()
}

// NextIDBatch generates n Scarab IDs on the shard the key routes to.
func (p *Pool) NextIDBatch(key []byte, n int) ([]uint64, error) {
	return p.Route(key).Generator.NextIDBatch(n)
}

// Shards returns the pool's shards in shard-id order.
func (p *Pool) Shards() []*Shard {
	return p.shards
}

// Len returns the number of shards.
func (p *Pool) Len() int {
	return len(p.shards)
}

// Close releases every shard's counter.
func (p *Pool) Close() error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, s := range p.shards {
		s := s
		g.Go(func() error {
			return s.counter.Close()
		})
	}
	return g.Wait()
}

// FNV-1a hash function
func fnv1a(data []byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64)
	for _, b := range data {
		hash ^= uint64(b)
		hash *= prime64
	}
	return hash
}
