package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// Config sizes the three cache levels.
type Config struct {
	L1Size int           `yaml:"l1_size"`
	L1TTL  time.Duration `yaml:"l1_ttl"`
	L2Size int           `yaml:"l2_size"`
	L2TTL  time.Duration `yaml:"l2_ttl"`
	L3Size int           `yaml:"l3_size"`
	L3TTL  time.Duration `yaml:"l3_ttl"`
}

// DefaultConfig returns L1 1000/1h (memories), L2 10000/5m (query results)
// and L3 50000/24h (embeddings).
func DefaultConfig() Config {
	return Config{
		L1Size: 1000,
		L1TTL:  time.Hour,
		L2Size: 10000,
		L2TTL:  5 * time.Minute,
		L3Size: 50000,
		L3TTL:  24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.L1Size <= 0 {
		c.L1Size = d.L1Size
	}
	if c.L1TTL <= 0 {
		c.L1TTL = d.L1TTL
	}
	if c.L2Size <= 0 {
		c.L2Size = d.L2Size
	}
	if c.L2TTL <= 0 {
		c.L2TTL = d.L2TTL
	}
	if c.L3Size <= 0 {
		c.L3Size = d.L3Size
	}
	if c.L3TTL <= 0 {
		c.L3TTL = d.L3TTL
	}
	return c
}

// OverallStats aggregates hits and misses across every level.
type OverallStats struct {
	HitCount  int64   `json:"hit_count"`
	MissCount int64   `json:"miss_count"`
	HitRate   float64 `json:"hit_rate"`
}

// MultiLevelStats is returned by MultiLevelCache.Stats.
type MultiLevelStats struct {
	Overall OverallStats `json:"overall"`
	L1      Stats        `json:"l1"`
	L2      Stats        `json:"l2"`
	L3      Stats        `json:"l3"`
}

// MultiLevelCache holds memories by id (L1), query results keyed by the MD5
// of the query (L2) and embeddings keyed by the MD5 of the text (L3).
type MultiLevelCache struct {
	cfg Config
	l1  *LRUCache
	l2  *LRUCache
	l3  *LRUCache

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewMultiLevelCache builds the three levels. Zero fields in cfg take the
// defaults.
func NewMultiLevelCache(cfg Config) *MultiLevelCache {
	cfg = cfg.withDefaults()
	return &MultiLevelCache{
		cfg: cfg,
		l1:  NewLRUCache(cfg.L1Size),
		l2:  NewLRUCache(cfg.L2Size),
		l3:  NewLRUCache(cfg.L3Size),
	}
}

// HashKey is the MD5 hex digest used for L2 and L3 keys.
func HashKey(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (c *MultiLevelCache) record(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}

// GetMemory reads L1. Callers get a copy they may mutate.
func (c *MultiLevelCache) GetMemory(id string) (*types.Memory, bool) {
	v, ok := c.l1.Get(id)
	c.record(ok)
	if !ok {
		return nil, false
	}
	return v.(*types.Memory).Clone(), true
}

// SetMemory stores a copy of m in L1 under id.
func (c *MultiLevelCache) SetMemory(id string, m *types.Memory) {
	if m == nil {
		return
	}
	c.l1.Set(id, m.Clone(), c.cfg.L1TTL)
}

// GetQueryResult reads L2.
func (c *MultiLevelCache) GetQueryResult(query string) ([]storage.SearchHit, bool) {
	v, ok := c.l2.Get(HashKey(query))
	c.record(ok)
	if !ok {
		return nil, false
	}
	return v.([]storage.SearchHit), true
}

// SetQueryResult stores hits in L2.
func (c *MultiLevelCache) SetQueryResult(query string, hits []storage.SearchHit) {
	c.l2.Set(HashKey(query), hits, c.cfg.L2TTL)
}

// GetEmbedding reads L3.
func (c *MultiLevelCache) GetEmbedding(text string) ([]float32, bool) {
	v, ok := c.l3.Get(HashKey(text))
	c.record(ok)
	if !ok {
		return nil, false
	}
	return v.([]float32), true
}

// SetEmbedding stores vec in L3.
func (c *MultiLevelCache) SetEmbedding(text string, vec []float32) {
	c.l3.Set(HashKey(text), vec, c.cfg.L3TTL)
}

// InvalidateMemory drops id from L1.
func (c *MultiLevelCache) InvalidateMemory(id string) {
	c.l1.Delete(id)
}

// InvalidateQuery drops one query result from L2.
func (c *MultiLevelCache) InvalidateQuery(query string) {
	c.l2.Delete(HashKey(query))
}

// InvalidateQueries drops every cached query result.
func (c *MultiLevelCache) InvalidateQueries() {
	c.l2.Clear()
}

// InvalidatePattern removes keys matching a glob pattern from every level and
// returns how many were removed. Keys are matched as stored, so L2 and L3
// entries are only reachable by their MD5 digest.
func (c *MultiLevelCache) InvalidatePattern(pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	n := 0
	for _, level := range []*LRUCache{c.l1, c.l2, c.l3} {
		n += level.DeleteFunc(g.Match)
	}
	return n, nil
}

// ClearAll empties every level.
func (c *MultiLevelCache) ClearAll() {
	c.l1.Clear()
	c.l2.Clear()
	c.l3.Clear()
}

// Stats reports the overall counters and per-level stats.
func (c *MultiLevelCache) Stats() MultiLevelStats {
	c.mu.Lock()
	overall := OverallStats{HitCount: c.hits, MissCount: c.misses}
	c.mu.Unlock()
	if total := overall.HitCount + overall.MissCount; total > 0 {
		overall.HitRate = float64(overall.HitCount) / float64(total)
	}
	return MultiLevelStats{
		Overall: overall,
		L1:      c.l1.Stats(),
		L2:      c.l2.Stats(),
		L3:      c.l3.Stats(),
	}
}
