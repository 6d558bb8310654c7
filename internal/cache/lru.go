// Package cache provides the in-process caches used in front of the memory
// stores: a TTL-aware LRU and a three-level cache for memories, query results
// and embeddings.
package cache

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const hotEntryLimit = 10

type entry struct {
	key         string
	value       any
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int
	ttl         time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// HotEntry is one of the most accessed keys in a cache.
type HotEntry struct {
	Key         string        `json:"key"`
	AccessCount int           `json:"access_count"`
	Age         time.Duration `json:"age"`
}

// Stats is a point-in-time view of an LRUCache.
type Stats struct {
	Size        int        `json:"size"`
	MaxSize     int        `json:"max_size"`
	HitCount    int64      `json:"hit_count"`
	MissCount   int64      `json:"miss_count"`
	HitRate     float64    `json:"hit_rate"`
	TotalAccess int        `json:"total_access"`
	HotEntries  []HotEntry `json:"hot_entries"`
}

// LRUCache is a bounded cache with least-recently-used eviction and lazy
// per-entry expiry. Expired entries are removed when read, and a read of an
// expired entry counts as a miss. Safe for concurrent use.
type LRUCache struct {
	mu      sync.Mutex
	lru     *lru.Cache[string, *entry]
	maxSize int
	now     func() time.Time

	hits   int64
	misses int64
}

// NewLRUCache creates a cache holding at most maxSize entries. A
// non-positive size is treated as 1.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	// lru.New only fails on a non-positive size.
	c, _ := lru.New[string, *entry](maxSize)
	return &LRUCache{lru: c, maxSize: maxSize, now: time.Now}
}

// Get returns the value for key and promotes it to most recently used.
func (c *LRUCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	now := c.now()
	if e.expired(now) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	e.lastAccess = now
	e.accessCount++
	c.hits++
	return e.value, true
}

// Set stores value under key. ttl <= 0 means the entry never expires. At
// capacity the least recently used entry is evicted.
func (c *LRUCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lru.Remove(key)
	c.lru.Add(key, &entry{
		key:         key,
		value:       value,
		createdAt:   now,
		lastAccess:  now,
		accessCount: 1,
		ttl:         ttl,
	})
}

// Delete removes key and reports whether it was present.
func (c *LRUCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// DeleteFunc removes every key for which match returns true and returns the
// number removed.
func (c *LRUCache) DeleteFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, k := range c.lru.Keys() {
		if match(k) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

// Clear drops every entry. Hit and miss counters are kept.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the number of stored entries, including expired ones not yet
// read.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats reports size, hit rate and the ten most accessed entries.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.lru.Values()
	st := Stats{
		Size:      len(entries),
		MaxSize:   c.maxSize,
		HitCount:  c.hits,
		MissCount: c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	for _, e := range entries {
		st.TotalAccess += e.accessCount
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].accessCount > entries[j].accessCount
	})
	if len(entries) > hotEntryLimit {
		entries = entries[:hotEntryLimit]
	}
	now := c.now()
	st.HotEntries = make([]HotEntry, 0, len(entries))
	for _, e := range entries {
		st.HotEntries = append(st.HotEntries, HotEntry{
			Key:         truncateKey(e.key),
			AccessCount: e.accessCount,
			Age:         now.Sub(e.createdAt),
		})
	}
	return st
}

const maxKeyRunes = 30

// truncateKey shortens k to maxKeyRunes characters without splitting a
// multi-byte rune.
func truncateKey(k string) string {
	n := 0
	for i := range k {
		if n == maxKeyRunes {
			return k[:i] + "..."
		}
		n++
	}
	return k
}
