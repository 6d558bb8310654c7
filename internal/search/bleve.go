package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// BleveOptions configures a BleveKeywordIndex.
type BleveOptions struct {
	// Path is the index directory. Empty keeps the index in memory.
	Path   string
	Logger zerolog.Logger
}

// BleveKeywordIndex is a KeywordSearcher backed by a bleve index whose
// content field uses the cjk bigram analyzer.
type BleveKeywordIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
	logger zerolog.Logger
}

// NewBleveKeywordIndex opens the index at opts.Path, creating it when it
// does not exist.
func NewBleveKeywordIndex(opts BleveOptions) (*BleveKeywordIndex, error) {
	logger := opts.Logger.With().Str("component", "bleve").Logger()

	var (
		idx bleve.Index
		err error
	)
	if opts.Path == "" {
		idx, err = bleve.NewMemOnly(buildMapping())
	} else if idx, err = bleve.Open(opts.Path); err != nil {
		idx, err = bleve.New(opts.Path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}
	return &BleveKeywordIndex{index: idx, logger: logger}, nil
}

func buildMapping() mapping.IndexMapping {
	content := bleve.NewTextFieldMapping()
	content.Analyzer = cjk.AnalyzerName
	content.Store = true

	memType := bleve.NewTextFieldMapping()
	memType.Analyzer = keyword.Name
	memType.Store = true

	importance := bleve.NewNumericFieldMapping()
	importance.Store = true

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", content)
	doc.AddFieldMappingsAt("entities", content)
	doc.AddFieldMappingsAt("type", memType)
	doc.AddFieldMappingsAt("importance", importance)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = cjk.AnalyzerName
	return im
}

func (b *BleveKeywordIndex) open() error {
	if b.closed {
		return storage.ErrClosed
	}
	return nil
}

// Add indexes mem, replacing any earlier document with the same id.
func (b *BleveKeywordIndex) Add(mem *types.Memory) error {
	if mem == nil || mem.ID == "" {
		return storage.ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.open(); err != nil {
		return err
	}
	return b.index.Index(mem.ID, document(mem))
}

func document(mem *types.Memory) map[string]interface{} {
	return map[string]interface{}{
		"content":    mem.Content,
		"entities":   mem.Entities,
		"type":       string(mem.Type),
		"importance": mem.Importance,
	}
}

// Load indexes every active memory from src in one batch.
func (b *BleveKeywordIndex) Load(ctx context.Context, src MemorySource) (int, error) {
	mems, err := src.ActiveMemories(ctx, "")
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.open(); err != nil {
		return 0, err
	}
	batch := b.index.NewBatch()
	for _, m := range mems {
		if err := batch.Index(m.ID, document(m)); err != nil {
			return 0, fmt.Errorf("index %s: %w", m.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return 0, err
	}
	b.logger.Debug().Int("count", len(mems)).Msg("keyword index loaded")
	return len(mems), nil
}

// Remove deletes id from the index.
func (b *BleveKeywordIndex) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.open(); err != nil {
		return err
	}
	return b.index.Delete(id)
}

// Len returns the number of indexed documents.
func (b *BleveKeywordIndex) Len() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.open(); err != nil {
		return 0, err
	}
	n, err := b.index.DocCount()
	return int(n), err
}

// Search runs a match query over content and entities. Scores are divided
// by the best hit's score so they fall in [0,1] like KeywordIndex scores.
func (b *BleveKeywordIndex) Search(ctx context.Context, q string, topK int, memType types.MemoryType) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.open(); err != nil {
		return nil, err
	}

	contentQ := bleve.NewMatchQuery(q)
	contentQ.SetField("content")
	entityQ := bleve.NewMatchQuery(q)
	entityQ.SetField("entities")
	var sq query.Query = bleve.NewDisjunctionQuery(contentQ, entityQ)
	if memType != "" {
		typeQ := bleve.NewTermQuery(string(memType))
		typeQ.SetField("type")
		sq = bleve.NewConjunctionQuery(sq, typeQ)
	}

	req := bleve.NewSearchRequest(sq)
	req.Size = topK * 2
	req.Fields = []string{"content", "type", "importance"}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	if len(res.Hits) == 0 || res.MaxScore <= 0 {
		return nil, nil
	}

	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		score := hit.Score / res.MaxScore
		content, _ := hit.Fields["content"].(string)
		typ, _ := hit.Fields["type"].(string)
		importance, _ := hit.Fields["importance"].(float64)
		out = append(out, Result{
			ID:           hit.ID,
			Content:      content,
			Score:        score,
			KeywordScore: score,
			Metadata: map[string]interface{}{
				"type":       typ,
				"importance": importance,
			},
			Source: SourceKeyword,
		})
	}
	return out, nil
}

// Close closes the underlying index.
func (b *BleveKeywordIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}
