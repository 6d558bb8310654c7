package vector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/cache"
)

const (
	defaultNumCounters = 1e5
	defaultMaxCost     = 64 << 20
	defaultBufferItems = 64
	defaultCacheTTL    = 24 * time.Hour
)

// PersistentCache survives restarts. sqlite.Backend implements it with its
// embedding_cache table.
type PersistentCache interface {
	CachedEmbedding(ctx context.Context, text string) ([]float32, bool, error)
	CacheEmbedding(ctx context.Context, text string, vec []float32, model string) error
}

// EngineConfig configures an EmbeddingEngine.
type EngineConfig struct {
	// Embedder produces vectors. Default: HashEmbedder.
	Embedder Embedder

	// Model labels rows written to Persistent.
	Model string

	// L3 is the shared embedding level of a MultiLevelCache, consulted after
	// the process-local cache.
	L3 *cache.MultiLevelCache

	// Persistent is consulted last, before calling the embedder.
	Persistent PersistentCache

	// CacheTTL bounds entries in the process-local cache (default 24h).
	CacheTTL time.Duration

	// MaxCost bounds the process-local cache in bytes of vector data.
	MaxCost int64

	Logger zerolog.Logger
}

// EngineStats counts where vectors came from.
type EngineStats struct {
	LocalHits      int64 `json:"local_hits"`
	L3Hits         int64 `json:"l3_hits"`
	PersistentHits int64 `json:"persistent_hits"`
	Computed       int64 `json:"computed"`
}

// EmbeddingEngine embeds text through a chain of caches: ristretto in
// process, then the optional L3 level, then the optional persistent table,
// and finally the embedder.
type EmbeddingEngine struct {
	embedder   Embedder
	model      string
	local      *ristretto.Cache
	ttl        time.Duration
	l3         *cache.MultiLevelCache
	persistent PersistentCache
	logger     zerolog.Logger

	closeOnce sync.Once

	localHits      atomic.Int64
	l3Hits         atomic.Int64
	persistentHits atomic.Int64
	computed       atomic.Int64
}

// NewEmbeddingEngine builds an engine. Close releases the local cache.
func NewEmbeddingEngine(cfg EngineConfig) (*EmbeddingEngine, error) {
	if cfg.Embedder == nil {
		cfg.Embedder = HashEmbedder{}
	}
	if cfg.Model == "" {
		cfg.Model = HashModel
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = defaultMaxCost
	}

	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultNumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	return &EmbeddingEngine{
		embedder:   cfg.Embedder,
		model:      cfg.Model,
		local:      local,
		ttl:        cfg.CacheTTL,
		l3:         cfg.L3,
		persistent: cfg.Persistent,
		logger:     cfg.Logger.With().Str("component", "embedding").Logger(),
	}, nil
}

// Dimension reports the embedder's dimension.
func (e *EmbeddingEngine) Dimension() int {
	return e.embedder.Dimension()
}

// Embed implements Embedder so an engine can stand in wherever a plain
// embedder is accepted.
func (e *EmbeddingEngine) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.EmbedBatch(ctx, texts)
}

// EmbedSingle embeds one text.
func (e *EmbeddingEngine) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts, calling the embedder once for all cache misses.
func (e *EmbeddingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missText []string

	for i, t := range texts {
		if v, ok := e.lookup(ctx, t); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missText = append(missText, t)
	}
	if len(missText) == 0 {
		return out, nil
	}

	vecs, err := e.embedder.Embed(ctx, missText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d texts: %w", len(missText), err)
	}
	if len(vecs) != len(missText) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missText))
	}
	e.computed.Add(int64(len(vecs)))

	for j, idx := range missIdx {
		out[idx] = vecs[j]
		e.store(ctx, missText[j], vecs[j])
	}
	return out, nil
}

func (e *EmbeddingEngine) lookup(ctx context.Context, text string) ([]float32, bool) {
	key := cache.HashKey(text)
	if v, ok := e.local.Get(key); ok {
		e.localHits.Add(1)
		return v.([]float32), true
	}
	if e.l3 != nil {
		if v, ok := e.l3.GetEmbedding(text); ok {
			e.l3Hits.Add(1)
			e.local.SetWithTTL(key, v, int64(len(v)*4), e.ttl)
			return v, true
		}
	}
	if e.persistent != nil {
		v, ok, err := e.persistent.CachedEmbedding(ctx, text)
		if err != nil {
			e.logger.Warn().Err(err).Msg("persistent embedding cache read failed")
		} else if ok {
			e.persistentHits.Add(1)
			e.local.SetWithTTL(key, v, int64(len(v)*4), e.ttl)
			if e.l3 != nil {
				e.l3.SetEmbedding(text, v)
			}
			return v, true
		}
	}
	return nil, false
}

func (e *EmbeddingEngine) store(ctx context.Context, text string, v []float32) {
	e.local.SetWithTTL(cache.HashKey(text), v, int64(len(v)*4), e.ttl)
	if e.l3 != nil {
		e.l3.SetEmbedding(text, v)
	}
	if e.persistent != nil {
		if err := e.persistent.CacheEmbedding(ctx, text, v, e.model); err != nil {
			e.logger.Warn().Err(err).Msg("persistent embedding cache write failed")
		}
	}
}

// Similarity returns the cosine similarity of two vectors.
func (e *EmbeddingEngine) Similarity(a, b []float32) float64 {
	return Cosine(a, b)
}

// Wait blocks until pending local cache writes are visible.
func (e *EmbeddingEngine) Wait() {
	e.local.Wait()
}

// ClearCache drops the process-local cache. Shared and persistent caches
// are left alone.
func (e *EmbeddingEngine) ClearCache() {
	e.local.Clear()
}

// Stats returns cache hit counters.
func (e *EmbeddingEngine) Stats() EngineStats {
	return EngineStats{
		LocalHits:      e.localHits.Load(),
		L3Hits:         e.l3Hits.Load(),
		PersistentHits: e.persistentHits.Load(),
		Computed:       e.computed.Load(),
	}
}

// Close releases the local cache.
func (e *EmbeddingEngine) Close() {
	e.closeOnce.Do(e.local.Close)
}
