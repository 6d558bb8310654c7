package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// KeywordSearcher is the keyword half of a hybrid search.
type KeywordSearcher interface {
	Search(ctx context.Context, query string, topK int, memType types.MemoryType) ([]Result, error)
}

// KeywordIndexer is a KeywordSearcher kept current as memories change.
type KeywordIndexer interface {
	KeywordSearcher
	Add(mem *types.Memory) error
	Remove(id string) error
}

// MemorySource supplies the memories a keyword index is loaded from.
type MemorySource interface {
	ActiveMemories(ctx context.Context, memType types.MemoryType) ([]*types.Memory, error)
}

type keywordDoc struct {
	content    string
	memType    types.MemoryType
	importance float64
	terms      []string
}

// KeywordIndex is an in-memory term → memory id index built from
// character n-grams, so it works for unsegmented CJK text.
type KeywordIndex struct {
	mu    sync.RWMutex
	terms map[string]map[string]struct{}
	docs  map[string]keywordDoc
}

// NewKeywordIndex returns an empty index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{
		terms: make(map[string]map[string]struct{}),
		docs:  make(map[string]keywordDoc),
	}
}

// Terms splits text on punctuation and whitespace and returns every
// segment of at least two runes plus all of its 2, 3 and 4 rune
// substrings, deduplicated in first-seen order.
func Terms(text string) []string {
	segments := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, seg := range segments {
		runes := []rune(seg)
		if len(runes) >= 2 {
			add(seg)
		}
		for i := range runes {
			for _, n := range []int{2, 3, 4} {
				if i+n <= len(runes) {
					add(string(runes[i : i+n]))
				}
			}
		}
	}
	return out
}

// Add indexes mem, replacing any earlier entry with the same id.
func (x *KeywordIndex) Add(mem *types.Memory) error {
	if mem == nil || mem.ID == "" {
		return storage.ErrInvalidInput
	}
	doc := keywordDoc{
		content:    mem.Content,
		memType:    mem.Type,
		importance: mem.Importance,
		terms:      Terms(mem.Content + " " + strings.Join(mem.Entities, " ")),
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(mem.ID)
	x.docs[mem.ID] = doc
	for _, t := range doc.terms {
		ids, ok := x.terms[t]
		if !ok {
			ids = make(map[string]struct{})
			x.terms[t] = ids
		}
		ids[mem.ID] = struct{}{}
	}
	return nil
}

// Remove drops id from the index.
func (x *KeywordIndex) Remove(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
	return nil
}

func (x *KeywordIndex) removeLocked(id string) {
	doc, ok := x.docs[id]
	if !ok {
		return
	}
	for _, t := range doc.terms {
		if ids := x.terms[t]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(x.terms, t)
			}
		}
	}
	delete(x.docs, id)
}

// Load indexes every active memory from src and returns how many were added.
func (x *KeywordIndex) Load(ctx context.Context, src MemorySource) (int, error) {
	mems, err := src.ActiveMemories(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range mems {
		if x.Add(m) == nil {
			n++
		}
	}
	return n, nil
}

// Len returns the number of indexed memories.
func (x *KeywordIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Search scores each memory by the share of query terms it contains,
// capped at 1, and returns at most topK*2 of them best first.
func (x *KeywordIndex) Search(ctx context.Context, query string, topK int, memType types.MemoryType) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	qterms := Terms(query)
	if len(qterms) == 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := make(map[string]int)
	for _, t := range qterms {
		for id := range x.terms[t] {
			hits[id]++
		}
	}

	results := make([]Result, 0, len(hits))
	for id, n := range hits {
		doc := x.docs[id]
		if memType != "" && doc.memType != memType {
			continue
		}
		score := float64(n) / float64(len(qterms))
		if score > 1 {
			score = 1
		}
		results = append(results, Result{
			ID:           id,
			Content:      doc.content,
			Score:        score,
			KeywordScore: score,
			Metadata: map[string]interface{}{
				"type":       string(doc.memType),
				"importance": doc.importance,
			},
			Source: SourceKeyword,
		})
	}
	sortResults(results)
	if limit := topK * 2; len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// sortResults orders by score descending with id as the tie-break.
func sortResults(rs []Result) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		return rs[i].ID < rs[j].ID
	})
}
