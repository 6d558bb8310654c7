package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/search"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// Store is the backend a Pipeline writes to.
type Store interface {
	storage.Backend
	storage.SupersedeApplier
}

// VectorIndexer keeps the vector representation of stored memories current.
// *indexer.VectorIndexer satisfies it.
type VectorIndexer interface {
	IndexMemory(ctx context.Context, mem *types.Memory, async bool) error
	DeleteVectors(ctx context.Context, ids []string, async bool) error
}

// PipelineOptions configures a Pipeline. Only Store is required.
type PipelineOptions struct {
	Store  Store
	Config Config

	Filter   *NoiseFilter
	Operator *MemoryOperator
	Dedup    *Deduplicator

	// Keyword, when set, supplies extra comparison candidates and is kept
	// current with every stored memory.
	Keyword search.KeywordIndexer

	// Vectors is updated after each write. AsyncIndex queues the work
	// instead of running it inline.
	Vectors    VectorIndexer
	AsyncIndex bool

	Now    func() time.Time
	Logger zerolog.Logger
}

// IngestResult reports what Ingest did with a candidate.
type IngestResult struct {
	Op         Operation `json:"operation"`
	ID         string    `json:"id,omitempty"`
	Target     string    `json:"target,omitempty"`
	Action     Action    `json:"action,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Noise      bool      `json:"noise,omitempty"`
	Duplicate  bool      `json:"duplicate,omitempty"`
	Downgraded []string  `json:"downgraded,omitempty"`
}

// Pipeline runs a candidate through the noise filter, the memory operator
// and deduplication, then persists the outcome and updates the indexes.
type Pipeline struct {
	store    Store
	cfg      Config
	filter   *NoiseFilter
	operator *MemoryOperator
	dedup    *Deduplicator
	keyword  search.KeywordIndexer
	vectors  VectorIndexer
	async    bool
	now      func() time.Time
	logger   zerolog.Logger
}

// NewPipeline builds a pipeline, creating default components for any that
// opts leaves nil.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, storage.ErrNoBackend
	}
	cfg := opts.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	p := &Pipeline{
		store:    opts.Store,
		cfg:      cfg,
		filter:   opts.Filter,
		operator: opts.Operator,
		dedup:    opts.Dedup,
		keyword:  opts.Keyword,
		vectors:  opts.Vectors,
		async:    opts.AsyncIndex,
		now:      opts.Now,
		logger:   opts.Logger.With().Str("component", "pipeline").Logger(),
	}
	if p.filter == nil {
		p.filter = NewNoiseFilter(NoiseFilterOptions{Logger: opts.Logger})
	}
	if p.operator == nil {
		p.operator = NewMemoryOperator(cfg, nil, OperatorOptions{Backend: opts.Store, Logger: opts.Logger})
	}
	if p.dedup == nil {
		p.dedup = NewDeduplicator(cfg)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Filter returns the pipeline's noise filter.
func (p *Pipeline) Filter() *NoiseFilter { return p.filter }

// Operator returns the pipeline's memory operator.
func (p *Pipeline) Operator() *MemoryOperator { return p.operator }

// Ingest decides what to do with c and persists the decision. Write
// failures are returned; a failed vector index update is only logged.
func (p *Pipeline) Ingest(ctx context.Context, c Candidate, fc *FilterContext) (IngestResult, error) {
	if p.filter.IsNoise(ctx, c, fc) {
		return IngestResult{Op: OpNoop, Noise: true}, nil
	}

	mem := c.ToMemory(p.now())
	existing, err := p.related(ctx, mem)
	if err != nil {
		return IngestResult{}, err
	}

	d := p.operator.DecideOperation(ctx, mem, existing)
	res := IngestResult{Op: d.Op}
	if d.Target != nil {
		res.Target = d.Target.ID
	}
	if d.Resolution != nil {
		res.Action = d.Resolution.Action
		res.Reason = d.Resolution.Reason
	}

	switch d.Op {
	case OpNoop, OpDelete:
		return res, nil
	case OpAdd:
		if d.Resolution == nil {
			added, dups, downgraded := p.dedup.DeduplicateFacts([]*types.Memory{mem}, existing)
			if err := p.persistDowngrades(ctx, downgraded); err != nil {
				return res, err
			}
			for _, m := range downgraded {
				res.Downgraded = append(res.Downgraded, m.ID)
			}
			if dups > 0 || len(added) == 0 {
				res.Op = OpNoop
				res.Duplicate = true
				return res, nil
			}
		}
	}

	id, err := p.store.Insert(ctx, mem)
	if err != nil {
		return res, fmt.Errorf("failed to store memory: %w", err)
	}
	mem.ID = id
	res.ID = id

	if d.Resolution != nil && d.Resolution.Action != ActionKeep {
		if err := p.operator.ExecuteResolution(ctx, d.Resolution); err != nil {
			return res, err
		}
		if d.Resolution.Action == ActionUpdate {
			p.unindex(ctx, d.Resolution.Loser.ID)
		}
	}

	p.index(ctx, mem)
	p.logger.Debug().Str("id", id).Str("op", string(res.Op)).Msg("memory ingested")
	return res, nil
}

// IngestBatch ingests candidates in order and stops at the first error.
func (p *Pipeline) IngestBatch(ctx context.Context, cs []Candidate, fc *FilterContext) ([]IngestResult, error) {
	out := make([]IngestResult, 0, len(cs))
	for _, c := range cs {
		r, err := p.Ingest(ctx, c, fc)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// related gathers the active memories a candidate is compared with:
// entity matches, full-text matches and keyword index matches.
func (p *Pipeline) related(ctx context.Context, mem *types.Memory) ([]*types.Memory, error) {
	limit := p.cfg.CandidateLimit
	seen := make(map[string]bool)
	var out []*types.Memory
	add := func(m *types.Memory) {
		if m == nil || !m.IsActive() || seen[m.ID] {
			return
		}
		seen[m.ID] = true
		out = append(out, m)
	}

	if len(mem.Entities) > 0 {
		byEntity, err := p.store.SearchByEntities(ctx, mem.Entities, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to search by entities: %w", err)
		}
		for _, m := range byEntity {
			add(m)
		}
	}

	hits, err := p.store.Search(ctx, mem.Content, storage.SearchOptions{TopK: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to search similar memories: %w", err)
	}
	for _, h := range hits {
		add(h.Memory)
	}

	if p.keyword != nil {
		results, err := p.keyword.Search(ctx, mem.Content, limit, "")
		if err != nil {
			p.logger.Warn().Err(err).Msg("keyword index search failed")
			return out, nil
		}
		for _, r := range results {
			if seen[r.ID] {
				continue
			}
			m, err := p.store.Get(ctx, r.ID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			add(m)
		}
	}
	return out, nil
}

func (p *Pipeline) persistDowngrades(ctx context.Context, mems []*types.Memory) error {
	for _, m := range mems {
		score, tier, flagged := m.Score, m.OverrideTier, m.ConflictDowngraded
		err := p.store.Update(ctx, m.ID, storage.UpdateFields{
			Score:              &score,
			OverrideTier:       &tier,
			ConflictDowngraded: &flagged,
		})
		if err != nil {
			return fmt.Errorf("failed to downgrade %s: %w", m.ID, err)
		}
	}
	return nil
}

func (p *Pipeline) index(ctx context.Context, mem *types.Memory) {
	if p.keyword != nil {
		if err := p.keyword.Add(mem); err != nil {
			p.logger.Warn().Err(err).Str("id", mem.ID).Msg("keyword index update failed")
		}
	}
	if p.vectors != nil {
		if err := p.vectors.IndexMemory(ctx, mem, p.async); err != nil {
			p.logger.Warn().Err(err).Str("id", mem.ID).Msg("vector index update failed")
		}
	}
}

// unindex drops a memory that is no longer active from both indexes.
func (p *Pipeline) unindex(ctx context.Context, id string) {
	if p.keyword != nil {
		if err := p.keyword.Remove(id); err != nil {
			p.logger.Warn().Err(err).Str("id", id).Msg("keyword index removal failed")
		}
	}
	if p.vectors != nil {
		if err := p.vectors.DeleteVectors(ctx, []string{id}, p.async); err != nil {
			p.logger.Warn().Err(err).Str("id", id).Msg("vector removal failed")
		}
	}
}
