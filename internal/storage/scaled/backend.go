// Package scaled is the storage facade used by the rest of the system. It
// starts on a single SQLite file and moves to time-bucketed shards once the
// store grows past a threshold, with a memory cache in front and vector
// indexing behind.
package scaled

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/cache"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/indexer"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sharded"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sqlite"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

const (
	// DefaultThreshold is the record count that switches to shards.
	DefaultThreshold = 50000

	// scaledMarker records the switch so every later process uses shards.
	scaledMarker = "SCALED"

	stopTimeout = 10 * time.Second

	// migrateRetryBackoff is how long inserts skip automatic migration
	// after a failed attempt.
	migrateRetryBackoff = 10 * time.Minute
)

// Backend types reported by Stats.
const (
	TypeSQLite  = "sqlite"
	TypeSharded = "sharded"
)

// Options configures a Backend.
type Options struct {
	// DataDir holds memories.db, shards/, backups/ and the scale marker.
	DataDir string

	// Threshold is the auto-scale record count (default 50000).
	Threshold int

	// AutoMigrate backs up and migrates the SQLite store into shards when
	// it reaches Threshold. Without it only the sharded count flips the
	// switch.
	AutoMigrate bool

	Sharded sharded.Options
	SQLite  sqlite.Options

	// Watch starts a sharded.Watcher so shards created by other processes
	// become searchable.
	Watch bool

	// Cache fronts Get and Search. Nil creates one with default sizes.
	Cache *cache.Manager

	// VectorDB enables vector-first search and background indexing.
	VectorDB VectorDBOptions

	// Embedder turns text into vectors. Default: vector.HashEmbedder.
	Embedder vector.Embedder

	// EmbeddingModel labels rows in the persistent embedding cache.
	EmbeddingModel string

	// Indexer configures the background indexer.
	Indexer indexer.Config

	Logger zerolog.Logger
}

// Backend routes every operation to SQLite or to the shards. The switch is
// one-way: once made it holds for the life of the data directory.
type Backend struct {
	opts   Options
	logger zerolog.Logger

	sqlite  *sqlite.Backend
	sharded *sharded.Manager
	watcher *sharded.Watcher
	cache   *cache.Manager

	vectors   storage.VectorDB
	embedding *vector.EmbeddingEngine
	async     *indexer.AsyncIndexer
	indexer   *indexer.VectorIndexer

	// route is read-locked by operations and write-locked by migration.
	route       sync.RWMutex
	scaled      atomic.Bool
	sqliteCount atomic.Int64

	migrating       atomic.Bool
	migrateRetryAt  atomic.Int64 // unix nanos; 0 when no failure is pending
	migrateFailures atomic.Int64

	closeOnce sync.Once
}

var (
	_ storage.Backend          = (*Backend)(nil)
	_ storage.AccessTracker    = (*Backend)(nil)
	_ storage.SupersedeApplier = (*Backend)(nil)
)

// Open opens both stores under opts.DataDir and decides the routing.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data dir is required", storage.ErrInvalidInput)
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewManager(cache.DefaultConfig())
	}
	logger := opts.Logger.With().Str("component", "scaled").Logger()
	opts.Sharded.Logger = opts.Logger
	opts.SQLite.Logger = opts.Logger
	opts.Sharded.Backend = opts.SQLite

	b := &Backend{opts: opts, logger: logger, cache: opts.Cache}

	var err error
	if b.sqlite, err = sqlite.OpenDir(opts.DataDir, opts.SQLite); err != nil {
		return nil, err
	}
	if b.sharded, err = sharded.New(filepath.Join(opts.DataDir, "shards"), opts.Sharded); err != nil {
		b.sqlite.Close()
		return nil, err
	}

	n, err := b.sqlite.Count(ctx)
	if err != nil {
		b.closeStores()
		return nil, err
	}
	b.sqliteCount.Store(int64(n))

	shardTotal, err := b.sharded.Count(ctx)
	if err != nil {
		b.closeStores()
		return nil, err
	}
	if shardTotal >= opts.Threshold || fileExists(b.markerPath()) {
		b.scaled.Store(true)
	}

	if opts.Watch {
		b.watcher = sharded.NewWatcher(b.sharded)
		if err := b.watcher.Start(); err != nil {
			b.logger.Warn().Err(err).Msg("shard watcher unavailable")
			b.watcher = nil
		}
	}

	if opts.VectorDB.Enabled {
		if err := b.openVectors(ctx); err != nil {
			b.logger.Warn().Err(err).Str("type", opts.VectorDB.Type).Msg("vector search disabled")
		}
	}

	b.logger.Info().Str("backend", b.backendType()).Int("sqlite_count", n).Int("shard_count", shardTotal).
		Int("threshold", opts.Threshold).Bool("vectors", b.indexer != nil).Msg("storage opened")
	return b, nil
}

func (b *Backend) openVectors(ctx context.Context) error {
	vo := b.opts.VectorDB
	if vo.Type == VectorDBChromem && vo.Path == "" {
		vo.Path = defaultChromemPath(b.opts.DataDir)
	}
	db, err := OpenVectorDB(ctx, vo, b.sqlite, b.opts.Logger)
	if err != nil {
		return err
	}

	eng, err := vector.NewEmbeddingEngine(vector.EngineConfig{
		Embedder:   b.opts.Embedder,
		Model:      b.opts.EmbeddingModel,
		L3:         b.cache.MultiLevelCache,
		Persistent: b.sqlite,
		Logger:     b.opts.Logger,
	})
	if err != nil {
		db.Close()
		return err
	}

	cfg := b.opts.Indexer
	cfg.Logger = b.opts.Logger
	b.vectors = db
	b.embedding = eng
	b.async = indexer.NewAsyncIndexer(cfg)
	b.indexer = indexer.NewVectorIndexer(db, eng, indexer.VectorIndexerOptions{Async: b.async, Logger: b.opts.Logger})
	b.async.Start()
	return nil
}

func (b *Backend) markerPath() string {
	return filepath.Join(b.opts.DataDir, scaledMarker)
}

func (b *Backend) backendType() string {
	if b.scaled.Load() {
		return TypeSharded
	}
	return TypeSQLite
}

// IsScaled reports whether operations go to the shards.
func (b *Backend) IsScaled() bool {
	return b.scaled.Load()
}

// active returns the store receiving writes and searches.
func (b *Backend) active() storage.Backend {
	if b.scaled.Load() {
		return b.sharded
	}
	return b.sqlite
}

// Insert implements storage.Backend. The memory is cached and queued for
// vector indexing after it is written.
func (b *Backend) Insert(ctx context.Context, mem *types.Memory) (string, error) {
	if mem == nil {
		return "", fmt.Errorf("%w: nil memory", storage.ErrInvalidInput)
	}

	b.route.RLock()
	scaled := b.scaled.Load()
	store := b.active()
	id, err := store.Insert(ctx, mem)
	var stored *types.Memory
	if err == nil {
		stored, err = store.Get(ctx, id)
		if err != nil {
			err = fmt.Errorf("failed to read back %s: %w", id, err)
		}
	}
	b.route.RUnlock()
	if err != nil {
		return "", err
	}

	b.cache.SetMemory(id, stored)
	b.cache.InvalidateQueries()
	if b.indexer != nil {
		if err := b.indexer.IndexMemory(ctx, stored, true); err != nil {
			b.logger.Warn().Err(err).Str("id", id).Msg("failed to queue vector indexing")
		}
	}

	if !scaled {
		if n := b.sqliteCount.Add(1); n >= int64(b.opts.Threshold) && b.opts.AutoMigrate {
			b.autoMigrate(ctx, n)
		}
	}
	return id, nil
}

// autoMigrate runs Migrate for Insert. Only one attempt runs at a time and
// a failure suppresses further attempts for migrateRetryBackoff.
func (b *Backend) autoMigrate(ctx context.Context, n int64) {
	if retryAt := b.migrateRetryAt.Load(); retryAt != 0 && time.Now().UnixNano() < retryAt {
		return
	}
	if !b.migrating.CompareAndSwap(false, true) {
		return
	}
	defer b.migrating.Store(false)

	if _, err := b.Migrate(ctx); err != nil {
		b.migrateFailures.Add(1)
		b.migrateRetryAt.Store(time.Now().Add(migrateRetryBackoff).UnixNano())
		b.logger.Warn().Err(err).Int64("count", n).Dur("retry_in", migrateRetryBackoff).
			Msg("automatic migration to shards failed, staying on sqlite")
		return
	}
	b.migrateRetryAt.Store(0)
}

// lookup finds id in the active store, falling back to SQLite for rows
// that were not migrated (superseded or archived before the switch).
func (b *Backend) lookup(ctx context.Context, id string) (storage.Backend, *types.Memory, error) {
	b.route.RLock()
	defer b.route.RUnlock()
	primary := b.active()
	m, err := primary.Get(ctx, id)
	if err == nil {
		return primary, m, nil
	}
	if !errors.Is(err, storage.ErrNotFound) || !b.scaled.Load() {
		return nil, nil, err
	}
	m, err = b.sqlite.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return b.sqlite, m, nil
}

// Get implements storage.Backend with an L1 cache in front.
func (b *Backend) Get(ctx context.Context, id string) (*types.Memory, error) {
	if m, ok := b.cache.GetMemory(id); ok {
		return m, nil
	}
	_, m, err := b.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	b.cache.SetMemory(id, m)
	return m, nil
}

// Update implements storage.Backend.
func (b *Backend) Update(ctx context.Context, id string, fields storage.UpdateFields) error {
	return b.UpdateMemory(ctx, id, fields)
}

// UpdateMemory applies fields, drops cached copies and reindexes the
// vector when content changed.
func (b *Backend) UpdateMemory(ctx context.Context, id string, fields storage.UpdateFields) error {
	store, _, err := b.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := store.Update(ctx, id, fields); err != nil {
		return err
	}
	b.cache.InvalidateMemory(id)
	b.cache.InvalidateQueries()

	if b.indexer != nil && (fields.Content != nil || fields.Entities != nil || fields.Importance != nil) {
		m, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := b.indexer.ReindexMemory(ctx, m, true); err != nil {
			b.logger.Warn().Err(err).Str("id", id).Msg("failed to queue reindex")
		}
	}
	return nil
}

// Delete implements storage.Backend. It is ArchiveMemory.
func (b *Backend) Delete(ctx context.Context, id string) error {
	return b.ArchiveMemory(ctx, id)
}

// ArchiveMemory soft-deletes id and removes its vector.
func (b *Backend) ArchiveMemory(ctx context.Context, id string) error {
	store, _, err := b.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, id); err != nil {
		return err
	}
	b.cache.InvalidateMemory(id)
	b.cache.InvalidateQueries()
	if b.indexer != nil {
		if err := b.indexer.DeleteVectors(ctx, []string{id}, true); err != nil {
			b.logger.Warn().Err(err).Str("id", id).Msg("failed to queue vector delete")
		}
	}
	return nil
}

// UpdateAccessStats implements storage.AccessTracker.
func (b *Backend) UpdateAccessStats(ctx context.Context, id string, accessType string) error {
	store, _, err := b.lookup(ctx, id)
	if err != nil {
		return err
	}
	tracker, ok := store.(storage.AccessTracker)
	if !ok {
		return fmt.Errorf("%w: store does not track access", storage.ErrNoBackend)
	}
	if err := tracker.UpdateAccessStats(ctx, id, accessType); err != nil {
		return err
	}
	b.cache.InvalidateMemory(id)
	return nil
}

// ApplySupersede implements storage.SupersedeApplier.
func (b *Backend) ApplySupersede(ctx context.Context, winnerID, loserID string) error {
	b.route.RLock()
	applier := b.active().(storage.SupersedeApplier)
	err := applier.ApplySupersede(ctx, winnerID, loserID)
	b.route.RUnlock()
	if err != nil {
		return err
	}
	b.cache.InvalidateMemory(winnerID)
	b.cache.InvalidateMemory(loserID)
	b.cache.InvalidateQueries()
	if b.indexer != nil {
		if err := b.indexer.DeleteVectors(ctx, []string{loserID}, true); err != nil {
			b.logger.Warn().Err(err).Str("id", loserID).Msg("failed to queue vector removal")
		}
	}
	return nil
}

// MarkConflict implements storage.SupersedeApplier.
func (b *Backend) MarkConflict(ctx context.Context, aID, bID string) error {
	b.route.RLock()
	applier := b.active().(storage.SupersedeApplier)
	err := applier.MarkConflict(ctx, aID, bID)
	b.route.RUnlock()
	if err != nil {
		return err
	}
	b.cache.InvalidateMemory(aID)
	b.cache.InvalidateMemory(bID)
	return nil
}

// Search implements storage.Backend: vector matches first, then text
// matches until TopK, de-duplicated by ID. Results are cached per query.
// An empty query skips the vector side.
func (b *Backend) Search(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchHit, error) {
	opts.Normalize()
	key := cache.QueryKey(query, opts)
	if hits, ok := b.cache.GetQueryResult(key); ok {
		return hits, nil
	}

	seen := make(map[string]bool)
	var hits []storage.SearchHit

	if b.indexer != nil && strings.TrimSpace(query) != "" {
		matches, err := b.indexer.SearchSimilar(ctx, query, opts.TopK)
		if err != nil {
			b.logger.Warn().Err(err).Msg("vector search failed, using text search only")
		}
		for _, mt := range matches {
			m, err := b.Get(ctx, mt.ID)
			if err != nil {
				continue
			}
			if !keep(m, opts) {
				continue
			}
			seen[m.ID] = true
			hits = append(hits, storage.SearchHit{Memory: m, Score: mt.Score})
		}
	}

	if len(hits) < opts.TopK {
		b.route.RLock()
		text, err := b.active().Search(ctx, query, opts)
		b.route.RUnlock()
		if err != nil {
			return nil, err
		}
		for _, h := range text {
			if seen[h.Memory.ID] {
				continue
			}
			seen[h.Memory.ID] = true
			hits = append(hits, h)
		}
	}

	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	b.cache.SetQueryResult(key, hits)
	return hits, nil
}

func keep(m *types.Memory, opts storage.SearchOptions) bool {
	if !opts.IncludeInactive && !m.IsActive() {
		return false
	}
	if opts.Type != "" && m.Type != opts.Type {
		return false
	}
	if !opts.InTimeRange(m.CreatedAt) {
		return false
	}
	return m.Importance >= opts.MinImportance
}

// SearchByEntities implements storage.Backend.
func (b *Backend) SearchByEntities(ctx context.Context, entities []string, limit int) ([]*types.Memory, error) {
	b.route.RLock()
	defer b.route.RUnlock()
	return b.active().SearchByEntities(ctx, entities, limit)
}

// ActiveMemories returns every active memory of memType ("" for all).
func (b *Backend) ActiveMemories(ctx context.Context, memType types.MemoryType) ([]*types.Memory, error) {
	b.route.RLock()
	defer b.route.RUnlock()
	if b.scaled.Load() {
		return b.sharded.ActiveMemories(ctx, memType)
	}
	return b.sqlite.ActiveMemories(ctx, memType)
}

// TTLCleanup soft-deletes expired memories in both stores.
func (b *Backend) TTLCleanup(ctx context.Context, now time.Time) (int, error) {
	b.route.RLock()
	defer b.route.RUnlock()
	n, err := b.sqlite.TTLCleanup(ctx, now)
	if err != nil {
		return n, err
	}
	m, err := b.sharded.TTLCleanup(ctx, now)
	if n+m > 0 {
		b.cache.ClearAll()
	}
	return n + m, err
}

// Count implements storage.Backend for the active store.
func (b *Backend) Count(ctx context.Context) (int, error) {
	b.route.RLock()
	defer b.route.RUnlock()
	return b.active().Count(ctx)
}

// Stats describes the backend, both stores, the cache and the indexer.
type Stats struct {
	BackendType     string                `json:"backend_type"`
	Threshold       int                   `json:"threshold"`
	MigrateFailures int64                 `json:"migrate_failures,omitempty"`
	SQLite          storage.BackendStats  `json:"sqlite"`
	Sharded         sharded.Stats         `json:"sharded"`
	Cache           cache.MultiLevelStats `json:"cache"`
	Indexer         *indexer.Stats        `json:"indexer,omitempty"`
	Embedding       *vector.EngineStats   `json:"embedding,omitempty"`
	Vectors         int                   `json:"vectors,omitempty"`
}

// Stats collects a Stats snapshot.
func (b *Backend) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		BackendType:     b.backendType(),
		Threshold:       b.opts.Threshold,
		MigrateFailures: b.migrateFailures.Load(),
		Sharded:         b.sharded.Stats(),
		Cache:           b.cache.Stats(),
	}
	var err error
	if st.SQLite, err = b.sqlite.Stats(ctx); err != nil {
		return st, err
	}
	if b.async != nil {
		is := b.async.Stats()
		st.Indexer = &is
		es := b.embedding.Stats()
		st.Embedding = &es
		if n, err := b.vectors.Count(ctx); err == nil {
			st.Vectors = n
		} else {
			b.logger.Warn().Err(err).Msg("failed to count vectors")
		}
	}
	return st, nil
}

// SQLite exposes the single-file store.
func (b *Backend) SQLite() *sqlite.Backend { return b.sqlite }

// Sharded exposes the sharded store.
func (b *Backend) Sharded() *sharded.Manager { return b.sharded }

// Cache exposes the cache manager.
func (b *Backend) Cache() *cache.Manager { return b.cache }

// Indexer returns the vector indexer, or nil when vectors are disabled.
func (b *Backend) Indexer() *indexer.VectorIndexer { return b.indexer }

// Vectors returns the vector database, or nil when vectors are disabled.
func (b *Backend) Vectors() storage.VectorDB { return b.vectors }

// Embedding returns the cached embedding engine, or nil when vectors are
// disabled.
func (b *Backend) Embedding() *vector.EmbeddingEngine { return b.embedding }

// WaitIndexed blocks until the background indexer is idle or ctx ends.
func (b *Backend) WaitIndexed(ctx context.Context) error {
	if b.async == nil {
		return nil
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !b.async.IsIdle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops the indexer, then closes the vector database and both stores.
func (b *Backend) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		if b.watcher != nil {
			b.watcher.Stop()
		}
		if b.async != nil {
			if err := b.async.Stop(stopTimeout); err != nil {
				errs = append(errs, err)
			}
		}
		if b.embedding != nil {
			b.embedding.Close()
		}
		if b.vectors != nil && b.opts.VectorDB.Type != VectorDBSQLite {
			if err := b.vectors.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := b.closeStores(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (b *Backend) closeStores() error {
	return errors.Join(b.sharded.Close(), b.sqlite.Close())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
