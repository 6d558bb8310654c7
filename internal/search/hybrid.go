// Package search fuses keyword and vector retrieval over stored memories.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// Defaults for HybridSearchEngine.
const (
	DefaultTopK          = 10
	DefaultKeywordWeight = 0.3
	DefaultVectorWeight  = 0.7
	DefaultMinScore      = 0.2
)

// Match sources reported on a Result.
const (
	SourceKeyword = "keyword"
	SourceVector  = "vector"
	SourceHybrid  = "hybrid"
)

// Fusion selects how keyword and vector lists are combined.
type Fusion string

const (
	// FusionWeighted sums the weighted per-side scores.
	FusionWeighted Fusion = "weighted"
	// FusionRRF ranks by reciprocal rank fusion and ignores raw scores.
	FusionRRF Fusion = "rrf"
)

// Result is one fused search hit.
type Result struct {
	ID           string                 `json:"id"`
	Content      string                 `json:"content"`
	Score        float64                `json:"score"`
	KeywordScore float64                `json:"keyword_score"`
	VectorScore  float64                `json:"vector_score"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Source       string                 `json:"match_source"`
}

// VectorIndex is the nearest-neighbour half of a hybrid search.
// *vector.IndexManager satisfies it.
type VectorIndex interface {
	SearchSimilar(ctx context.Context, vec []float32, topK int, memType types.MemoryType) ([]storage.VectorMatch, error)
}

// MemoryLookup resolves hit ids to their stored memory.
// storage.Backend satisfies it.
type MemoryLookup interface {
	Get(ctx context.Context, id string) (*types.Memory, error)
}

// ErrNoMemoryLookup is returned for time-bounded searches on an engine
// built without Config.Memories.
var ErrNoMemoryLookup = errors.New("time range filter needs a memory lookup")

// rangeOverfetch multiplies TopK for each side of a time-bounded search,
// since the range is applied after retrieval.
const rangeOverfetch = 4

// SearchRequest selects which sides run and how many results come back.
// Since and Until bound the creation time of results; zero means open.
type SearchRequest struct {
	TopK       int
	UseKeyword bool
	UseVector  bool
	MemoryType types.MemoryType
	Fusion     Fusion
	Since      time.Time
	Until      time.Time
}

func (r SearchRequest) hasRange() bool {
	return !r.Since.IsZero() || !r.Until.IsZero()
}

// InRange reports whether t falls within [since, until]; zero bounds are
// open.
func InRange(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && t.After(until) {
		return false
	}
	return true
}

// Config configures a HybridSearchEngine.
type Config struct {
	Keyword  KeywordSearcher
	Vectors  VectorIndex
	Embedder vector.Embedder

	// Memories, when set, drops hits whose memory is gone or no longer
	// active. Vector stores can lag behind supersede and archive.
	Memories MemoryLookup

	KeywordWeight float64
	VectorWeight  float64
	MinScore      float64
	RRFK          int

	Logger zerolog.Logger
}

// HybridSearchEngine runs keyword and vector retrieval concurrently and
// fuses the two lists.
type HybridSearchEngine struct {
	keyword  KeywordSearcher
	vectors  VectorIndex
	embedder vector.Embedder
	memories MemoryLookup
	rrfK     int
	logger   zerolog.Logger

	mu            sync.RWMutex
	keywordWeight float64
	vectorWeight  float64
	minScore      float64
}

// NewHybridSearchEngine builds an engine. Either side may be nil; searches
// then run on whatever is configured.
func NewHybridSearchEngine(cfg Config) *HybridSearchEngine {
	e := &HybridSearchEngine{
		keyword:       cfg.Keyword,
		vectors:       cfg.Vectors,
		embedder:      cfg.Embedder,
		memories:      cfg.Memories,
		rrfK:          cfg.RRFK,
		logger:        cfg.Logger.With().Str("component", "hybrid_search").Logger(),
		keywordWeight: DefaultKeywordWeight,
		vectorWeight:  DefaultVectorWeight,
		minScore:      DefaultMinScore,
	}
	if cfg.KeywordWeight > 0 || cfg.VectorWeight > 0 {
		e.UpdateWeights(cfg.KeywordWeight, cfg.VectorWeight)
	}
	if cfg.MinScore != 0 {
		e.SetMinScore(cfg.MinScore)
	}
	if e.rrfK <= 0 {
		e.rrfK = DefaultRRFK
	}
	return e
}

// UpdateWeights sets the fusion weights, normalized to sum to 1. A
// non-positive total leaves the current weights unchanged.
func (e *HybridSearchEngine) UpdateWeights(keywordWeight, vectorWeight float64) {
	total := keywordWeight + vectorWeight
	if total <= 0 {
		return
	}
	e.mu.Lock()
	e.keywordWeight = keywordWeight / total
	e.vectorWeight = vectorWeight / total
	e.mu.Unlock()
}

// SetMinScore sets the result threshold, clamped to [0,1].
func (e *HybridSearchEngine) SetMinScore(minScore float64) {
	if minScore < 0 {
		minScore = 0
	}
	if minScore > 1 {
		minScore = 1
	}
	e.mu.Lock()
	e.minScore = minScore
	e.mu.Unlock()
}

// Weights returns the current keyword and vector weights and threshold.
func (e *HybridSearchEngine) Weights() (keyword, vec, minScore float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.keywordWeight, e.vectorWeight, e.minScore
}

// Search runs the requested sides, unions them by id keeping the best
// score per side and returns at most TopK results above the threshold,
// best first.
//
// When only one side runs, or the vector side fails, the weights are
// renormalized over the sides that produced a list, so a keyword-only
// search is scored by keyword score alone. A vector failure never fails
// the search.
//
// With a memory lookup configured every hit is checked against the store
// and kept only while active and inside the request's time range.
func (e *HybridSearchEngine) Search(ctx context.Context, q string, req SearchRequest) ([]Result, error) {
	if req.TopK <= 0 {
		req.TopK = DefaultTopK
	}
	if req.hasRange() && e.memories == nil {
		return nil, ErrNoMemoryLookup
	}
	fetch := req.TopK
	if req.hasRange() {
		fetch *= rangeOverfetch
	}
	useKeyword := req.UseKeyword && e.keyword != nil
	useVector := req.UseVector && e.vectors != nil && e.embedder != nil
	if req.UseVector && !useVector {
		e.logger.Warn().Msg("vector search unavailable, using keyword results only")
	}

	var (
		wg                sync.WaitGroup
		kwResults, vecRes []Result
		kwErr, vecErr     error
	)
	if useKeyword {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kwResults, kwErr = e.keyword.Search(ctx, q, fetch, req.MemoryType)
			if kwErr == nil {
				kwResults, kwErr = e.admit(ctx, kwResults, req)
			}
		}()
	}
	if useVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecRes, vecErr = e.vectorSearch(ctx, q, fetch*2, req.MemoryType)
			if vecErr == nil {
				vecRes, vecErr = e.admit(ctx, vecRes, req)
			}
		}()
	}
	wg.Wait()

	if kwErr != nil {
		if !useVector || vecErr != nil {
			return nil, kwErr
		}
		e.logger.Warn().Err(kwErr).Msg("keyword search failed, using vector results only")
		useKeyword = false
		kwResults = nil
	}
	if vecErr != nil {
		e.logger.Warn().Err(vecErr).Msg("vector search failed, using keyword results only")
		useVector = false
		vecRes = nil
	}

	if req.Fusion == FusionRRF {
		var lists [][]Result
		if useVector {
			lists = append(lists, vecRes)
		}
		if useKeyword {
			lists = append(lists, kwResults)
		}
		return RRFMerge(lists, e.rrfK, req.TopK), nil
	}

	kw, vw, minScore := e.Weights()
	switch {
	case useKeyword && !useVector:
		kw, vw = 1, 0
	case useVector && !useKeyword:
		kw, vw = 0, 1
	}

	byID := make(map[string]*Result)
	var order []string
	merge := func(rs []Result) {
		for _, r := range rs {
			existing, ok := byID[r.ID]
			if !ok {
				c := r
				byID[r.ID] = &c
				order = append(order, r.ID)
				continue
			}
			existing.KeywordScore = max(existing.KeywordScore, r.KeywordScore)
			existing.VectorScore = max(existing.VectorScore, r.VectorScore)
			if existing.Content == "" {
				existing.Content = r.Content
			}
			if existing.Source != r.Source {
				existing.Source = SourceHybrid
			}
		}
	}
	merge(vecRes)
	merge(kwResults)

	final := make([]Result, 0, len(order))
	for _, id := range order {
		r := byID[id]
		r.Score = kw*r.KeywordScore + vw*r.VectorScore
		if r.Score < minScore {
			continue
		}
		final = append(final, *r)
	}
	sortResults(final)
	if len(final) > req.TopK {
		final = final[:req.TopK]
	}
	return final, nil
}

func (e *HybridSearchEngine) vectorSearch(ctx context.Context, q string, topK int, memType types.MemoryType) ([]Result, error) {
	vecs, err := e.embedder.Embed(ctx, []string{q})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	matches, err := e.vectors.SearchSimilar(ctx, vecs[0], topK, memType)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(matches))
	for _, m := range matches {
		out = append(out, Result{
			ID:          m.ID,
			Content:     m.Content,
			Score:       m.Score,
			VectorScore: m.Score,
			Metadata:    m.Metadata,
			Source:      SourceVector,
		})
	}
	return out, nil
}

// admit drops results whose memory is missing, inactive or outside the
// request's time range. Without a lookup every result is admitted.
func (e *HybridSearchEngine) admit(ctx context.Context, rs []Result, req SearchRequest) ([]Result, error) {
	if e.memories == nil || len(rs) == 0 {
		return rs, nil
	}
	out := make([]Result, 0, len(rs))
	for _, r := range rs {
		m, err := e.memories.Get(ctx, r.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve hit %s: %w", r.ID, err)
		}
		if !m.IsActive() || !InRange(m.CreatedAt, req.Since, req.Until) {
			continue
		}
		if r.Content == "" {
			r.Content = m.Content
		}
		out = append(out, r)
	}
	if dropped := len(rs) - len(out); dropped > 0 {
		e.logger.Debug().Int("dropped", dropped).Msg("stale or out-of-range hits removed")
	}
	return out, nil
}
