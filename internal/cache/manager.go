package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// Manager owns a MultiLevelCache. Components receive it through their
// constructors; there is no process-wide instance.
type Manager struct {
	*MultiLevelCache
}

// Factory builds a Manager. Stores take one so tests can substitute their own.
type Factory func(Config) *Manager

// NewManager is the default Factory.
func NewManager(cfg Config) *Manager {
	return &Manager{MultiLevelCache: NewMultiLevelCache(cfg)}
}

// Reset clears every level.
func (m *Manager) Reset() {
	m.ClearAll()
}

// Accessor puts the L1 and L2 levels in front of a storage.Backend:
// reads are cache-through and writes invalidate.
type Accessor struct {
	backend storage.Backend
	cache   *Manager
}

// NewAccessor wraps backend. A nil manager gets a default one.
func NewAccessor(backend storage.Backend, m *Manager) *Accessor {
	if m == nil {
		m = NewManager(Config{})
	}
	return &Accessor{backend: backend, cache: m}
}

// Get returns the memory from L1, falling back to the backend and caching
// the result.
func (a *Accessor) Get(ctx context.Context, id string) (*types.Memory, error) {
	if m, ok := a.cache.GetMemory(id); ok {
		return m, nil
	}
	m, err := a.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.cache.SetMemory(id, m)
	return m, nil
}

// Search caches results per query and option set.
func (a *Accessor) Search(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchHit, error) {
	key := QueryKey(query, opts)
	if hits, ok := a.cache.GetQueryResult(key); ok {
		return hits, nil
	}
	hits, err := a.backend.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	a.cache.SetQueryResult(key, hits)
	return hits, nil
}

// Insert writes through and drops cached query results, which may now be
// stale.
func (a *Accessor) Insert(ctx context.Context, m *types.Memory) (string, error) {
	id, err := a.backend.Insert(ctx, m)
	if err != nil {
		return "", err
	}
	a.cache.InvalidateMemory(id)
	a.cache.InvalidateQueries()
	return id, nil
}

// Update writes through and invalidates id.
func (a *Accessor) Update(ctx context.Context, id string, fields storage.UpdateFields) error {
	if err := a.backend.Update(ctx, id, fields); err != nil {
		return err
	}
	a.cache.InvalidateMemory(id)
	a.cache.InvalidateQueries()
	return nil
}

// Delete soft-deletes and invalidates id. A missing id still invalidates.
func (a *Accessor) Delete(ctx context.Context, id string) error {
	err := a.backend.Delete(ctx, id)
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		a.cache.InvalidateMemory(id)
		a.cache.InvalidateQueries()
	}
	return err
}

// QueryKey builds the L2 key for a query and its options.
func QueryKey(query string, opts storage.SearchOptions) string {
	opts.Normalize()
	return fmt.Sprintf("%s|%s|%d|%g|%t|%d|%d", query, opts.Type, opts.TopK, opts.MinImportance, opts.IncludeInactive,
		unixOrZero(opts.CreatedAfter), unixOrZero(opts.CreatedBefore))
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
