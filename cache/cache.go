// Package cache implements the Cache Layer (spec §2): a two-level K/V cache
// in front of query results and hot graph nodes. It wires the teacher's
// go.mod dependency on dgraph-io/ristretto, which the teacher itself never
// imports — here it backs both levels.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// Level names the two cache tiers. L1 holds small, hot items (nodes) and L2
// holds query result sets, each with its own TTL from Config (by default L1
// entries live 2m and L2 entries 30s). Splitting them lets a hot-node
// storm evict without taking query-result caching down with it.
type Level int

const (
	L1 Level = iota
	L2
)

// Cache is a two-level cache over arbitrary values keyed by string.
type Cache struct {
	l1 *ristretto.Cache
	l2 *ristretto.Cache

	l1TTL time.Duration
	l2TTL time.Duration
}

// Config controls cache sizing. Costs are approximate item counts; ristretto
// uses them only for eviction accounting.
type Config struct {
	L1MaxCost int64
	L2MaxCost int64
	L1TTL     time.Duration
	L2TTL     time.Duration
}

// DefaultConfig sizes L1 for ~10k hot nodes and L2 for ~1k cached query
// result sets.
func DefaultConfig() Config {
	return Config{
		L1MaxCost: 10_000,
		L2MaxCost: 1_000,
		L1TTL:     2 * time.Minute,
		L2TTL:     30 * time.Second,
	}
}

// New builds a two-level cache.
func New(cfg Config) (*Cache, error) {
	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.L1MaxCost * 10,
		MaxCost:     cfg.L1MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	l2, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.L2MaxCost * 10,
		MaxCost:     cfg.L2MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{l1: l1, l2: l2, l1TTL: cfg.L1TTL, l2TTL: cfg.L2TTL}, nil
}

// GetNode retrieves a cached node (L1) by id.
func (c *Cache) GetNode(id string) (interface{}, bool) {
	return c.l1.Get(id)
}

// SetNode caches a node (L1) under id with cost 1.
func (c *Cache) SetNode(id string, value interface{}) {
	c.l1.SetWithTTL(id, value, 1, c.l1TTL)
}

// InvalidateNode evicts a single cached node.
func (c *Cache) InvalidateNode(id string) {
	c.l1.Del(id)
}

// GetQueryResult retrieves a cached query result set (L2) by digest.
func (c *Cache) GetQueryResult(digest string) (interface{}, bool) {
	return c.l2.Get(digest)
}

// SetQueryResult caches a query result set (L2) under digest. cost is the
// number of items in the result, used for weighted eviction.
func (c *Cache) SetQueryResult(digest string, value interface{}, cost int64) {
	if cost <= 0 {
		cost = 1
	}
	c.l2.SetWithTTL(digest, value, cost, c.l2TTL)
}

// InvalidateQueryResult evicts a single cached query result.
func (c *Cache) InvalidateQueryResult(digest string) {
	c.l2.Del(digest)
}

// Clear drops all cached entries in both levels, for a mutation too broad
// to invalidate piecemeal. Consolidate and Forget do not call it; entries
// they make stale expire by TTL.
func (c *Cache) Clear() {
	c.l1.Clear()
	c.l2.Clear()
}

// Wait blocks until pending cache writes have been applied; useful in
// tests that assert on cache contents immediately after a Set.
func (c *Cache) Wait() {
	c.l1.Wait()
	c.l2.Wait()
}

// Close releases cache resources.
func (c *Cache) Close() {
	c.l1.Close()
	c.l2.Close()
}

// Digest builds a cheap, stable cache key from a query and its parameters.
// Not cryptographic — collisions are acceptable cache-miss noise, not a
// correctness hazard, since cache misses just fall through to the store.
func Digest(parts ...string) string {
	var out string
	for i, p := range parts {
		if i > 0 {
			out += "\x1f"
		}
		out += p
	}
	return out
}
