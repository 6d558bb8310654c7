package engine

import (
	"strings"
	"unicode"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// overrideTier is a class of phrases with which a user takes back something
// said earlier. Related memories have their score multiplied by penalty.
type overrideTier struct {
	tier    int
	penalty float64
	phrases []string
}

// Tier 1 corrects a fact, tier 2 retracts a joke. Tier 1 is checked first.
var overrideTiers = []overrideTier{
	{tier: 1, penalty: 0.3, phrases: []string{"其实是", "更正", "纠正", "实际上", "搞错了", "actually", "correction"}},
	{tier: 2, penalty: 0.6, phrases: []string{"逗你的", "开玩笑", "骗你的", "说着玩", "just kidding", "joking"}},
}

// DetectOverride returns the override tier and score penalty signalled by
// content, or (0, 1) when it carries no override phrase.
func DetectOverride(content string) (tier int, penalty float64) {
	lower := strings.ToLower(content)
	for _, t := range overrideTiers {
		if containsAny(lower, t.phrases) {
			return t.tier, t.penalty
		}
	}
	return 0, 1
}

// Deduplicator drops new facts that repeat stored ones and downgrades
// stored facts that a new statement overrides.
type Deduplicator struct {
	duplicateRatio float64
	relatedRatio   float64
}

// NewDeduplicator uses the ratios of cfg, with defaults for zero values.
func NewDeduplicator(cfg Config) *Deduplicator {
	cfg = cfg.withDefaults()
	return &Deduplicator{duplicateRatio: cfg.DuplicateRatio, relatedRatio: cfg.RelatedRatio}
}

// DeduplicateFacts compares each new fact with existing memories and with
// the facts already accepted from the same batch.
//
// A fact carrying an override phrase is always added, and every related
// existing memory (shared entity, or bigram overlap at or above the related
// ratio) is downgraded: its score is multiplied by the tier penalty with
// OverrideTier and ConflictDowngraded recorded. Its state is left alone. Any other fact is a
// duplicate when its overlap with a known memory reaches the duplicate ratio
// or one content contains the other.
//
// It returns the accepted facts, the number of duplicates and downgraded
// copies of the existing memories it penalised. existing is never modified,
// since its entries may be shared with caches.
func (d *Deduplicator) DeduplicateFacts(newFacts, existing []*types.Memory) (added []*types.Memory, duplicates int, downgraded []*types.Memory) {
	copies := make(map[*types.Memory]*types.Memory)
	for _, f := range newFacts {
		if f == nil || strings.TrimSpace(f.Content) == "" {
			continue
		}

		if tier, penalty := DetectOverride(f.Content); tier > 0 {
			for _, old := range existing {
				if old == nil || old == f || !d.related(f, old) {
					continue
				}
				c, ok := copies[old]
				if !ok {
					c = old.Clone()
					copies[old] = c
					downgraded = append(downgraded, c)
				}
				c.Score *= penalty
				c.OverrideTier = tier
				c.ConflictDowngraded = true
			}
			added = append(added, f)
			continue
		}

		if d.isDuplicate(f, existing) || d.isDuplicate(f, added) {
			duplicates++
			continue
		}
		added = append(added, f)
	}
	return added, duplicates, downgraded
}

func (d *Deduplicator) related(a, b *types.Memory) bool {
	if sharesEntity(a.Entities, b.Entities) {
		return true
	}
	return OverlapRatio(a.Content, b.Content) >= d.relatedRatio
}

func (d *Deduplicator) isDuplicate(f *types.Memory, pool []*types.Memory) bool {
	nf := compact(f.Content)
	for _, m := range pool {
		if m == nil || m == f {
			continue
		}
		nm := compact(m.Content)
		if nf != "" && nm != "" && (strings.Contains(nf, nm) || strings.Contains(nm, nf)) {
			return true
		}
		if OverlapRatio(f.Content, m.Content) >= d.duplicateRatio {
			return true
		}
	}
	return false
}

// compact lowercases s and drops whitespace and punctuation.
func compact(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}
