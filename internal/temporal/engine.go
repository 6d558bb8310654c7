package temporal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// DefaultLambda is the daily rate of the time decay applied to results.
const DefaultLambda = 0.005

// DefaultLimit caps results when the caller gives no limit.
const DefaultLimit = 20

// rangeScan is how many in-range memories are read before ordering by time.
const rangeScan = 1000

// Searcher is the text search a time-bounded query runs on.
// storage.Backend satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchHit, error)
}

// Hit is one memory inside the queried range.
type Hit struct {
	Memory       *types.Memory `json:"memory"`
	Score        float64       `json:"score"`
	DecayedScore float64       `json:"time_decayed_score"`
}

// Result is the outcome of a temporal query.
type Result struct {
	HasTemporal bool   `json:"has_temporal"`
	Range       *Range `json:"time_range"`
	Hits        []Hit  `json:"results"`
	Count       int    `json:"count"`
}

// Options configures an Engine.
type Options struct {
	// Lambda is the daily decay rate (default DefaultLambda).
	Lambda float64
	// Now overrides the clock.
	Now    func() time.Time
	Logger zerolog.Logger
}

// Engine answers questions like "what did I say 上周" by turning the time
// expression into a creation-time filter.
type Engine struct {
	store  Searcher
	lambda float64
	now    func() time.Time
	logger zerolog.Logger
}

// NewEngine returns an Engine over store.
func NewEngine(store Searcher, opts Options) *Engine {
	if opts.Lambda <= 0 {
		opts.Lambda = DefaultLambda
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:  store,
		lambda: opts.Lambda,
		now:    opts.Now,
		logger: opts.Logger.With().Str("component", "temporal").Logger(),
	}
}

// SearchByTimeRange returns active memories created inside r, newest first.
// An empty memType means every type.
func (e *Engine) SearchByTimeRange(ctx context.Context, r Range, memType types.MemoryType, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	found, err := e.store.Search(ctx, "", storage.SearchOptions{
		TopK:          rangeScan,
		Type:          memType,
		CreatedAfter:  r.Start,
		CreatedBefore: r.End,
	})
	if err != nil {
		return nil, fmt.Errorf("time range search: %w", err)
	}

	now := e.now()
	hits := make([]Hit, 0, len(found))
	for _, h := range found {
		m := h.Memory
		if !m.IsActive() || !r.Contains(m.CreatedAt) {
			continue
		}
		score := m.Score
		if score == 0 {
			score = m.Importance
		}
		hits = append(hits, Hit{Memory: m, Score: score, DecayedScore: Decay(score, m.CreatedAt, now, e.lambda)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Memory.CreatedAt.After(hits[j].Memory.CreatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Search parses a time expression out of query and lists the memories in
// that range. Without an expression the result is empty and HasTemporal
// is false.
func (e *Engine) Search(ctx context.Context, query string, limit int) (Result, error) {
	r, ok := Parse(query, e.now())
	if !ok {
		return Result{Hits: []Hit{}}, nil
	}
	hits, err := e.SearchByTimeRange(ctx, r, "", limit)
	if err != nil {
		return Result{}, err
	}
	e.logger.Debug().Time("start", r.Start).Time("end", r.End).Int("hits", len(hits)).Msg("temporal search")
	return Result{HasTemporal: true, Range: &r, Hits: hits, Count: len(hits)}, nil
}

// Decay discounts score by e^(-λ·days) for the whole days between created
// and now. Future timestamps are not discounted.
func Decay(score float64, created, now time.Time, lambda float64) float64 {
	days := math.Floor(now.Sub(created).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return score * math.Exp(-lambda*days)
}
