package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// MaxLineageNodes bounds every walk over supersede links.
const MaxLineageNodes = 1000

// MemoryGetter loads a memory in any state.
type MemoryGetter interface {
	Get(ctx context.Context, id string) (*types.Memory, error)
}

// EvolutionStore is what FactEvolution reads. storage.Backend satisfies it.
type EvolutionStore interface {
	MemoryGetter
	SearchByEntities(ctx context.Context, entities []string, limit int) ([]*types.Memory, error)
}

// CollectLineage loads id and every memory reachable from it through
// supersede links in either direction. Dangling links are skipped; a
// missing id is an error.
func CollectLineage(ctx context.Context, store MemoryGetter, id string) ([]*types.Memory, error) {
	seen := make(map[string]bool)
	queue := []string{id}
	var mems []*types.Memory
	for len(queue) > 0 && len(seen) < MaxLineageNodes {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		m, err := store.Get(ctx, cur)
		if errors.Is(err, storage.ErrNotFound) && cur != id {
			continue
		}
		if err != nil {
			return nil, err
		}
		mems = append(mems, m)
		queue = append(queue, m.Supersedes...)
		if m.SupersededBy != "" {
			queue = append(queue, m.SupersededBy)
		}
	}
	return mems, nil
}

// EvolutionEntry is one version of a fact. ValidTo is nil while the version
// is current.
type EvolutionEntry struct {
	MemoryID   string     `json:"memory_id"`
	Content    string     `json:"content"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to"`
	Superseded bool       `json:"superseded"`
	Confidence float64    `json:"confidence"`
}

// FactEvolution reconstructs how facts about an entity changed over time
// from the supersede chains left by conflict resolution.
type FactEvolution struct {
	store  EvolutionStore
	logger zerolog.Logger
}

// NewFactEvolution returns a tracker reading from store.
func NewFactEvolution(store EvolutionStore, logger zerolog.Logger) *FactEvolution {
	return &FactEvolution{store: store, logger: logger.With().Str("component", "evolution").Logger()}
}

// Evolution returns every version of the facts tagged with entity, oldest
// first. Current facts are found by entity and their superseded
// predecessors through lineage, whatever those were tagged with. A
// non-empty attrHint keeps only versions whose content contains it.
func (f *FactEvolution) Evolution(ctx context.Context, entity, attrHint string) ([]EvolutionEntry, error) {
	if strings.TrimSpace(entity) == "" {
		return nil, fmt.Errorf("%w: entity is required", storage.ErrInvalidInput)
	}
	heads, err := f.store.SearchByEntities(ctx, []string{entity}, MaxLineageNodes)
	if err != nil {
		return nil, fmt.Errorf("failed to find memories of %s: %w", entity, err)
	}

	byID := make(map[string]*types.Memory)
	for _, h := range heads {
		if h.Type != types.TypeFact || byID[h.ID] != nil {
			continue
		}
		chain, err := CollectLineage(ctx, f.store, h.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range chain {
			byID[m.ID] = m
		}
	}

	var versions []*types.Memory
	for _, m := range byID {
		if m.Type != types.TypeFact {
			continue
		}
		if attrHint != "" && !strings.Contains(m.Content, attrHint) {
			continue
		}
		versions = append(versions, m)
	}
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].CreatedAt.Equal(versions[j].CreatedAt) {
			return versions[i].ID < versions[j].ID
		}
		return versions[i].CreatedAt.Before(versions[j].CreatedAt)
	})

	out := make([]EvolutionEntry, 0, len(versions))
	for _, m := range versions {
		e := EvolutionEntry{
			MemoryID:   m.ID,
			Content:    m.Content,
			ValidFrom:  m.CreatedAt,
			Superseded: m.Superseded || m.State == types.StateSuperseded,
			Confidence: m.Confidence,
		}
		switch {
		case m.SupersededBy != "" && byID[m.SupersededBy] != nil:
			t := byID[m.SupersededBy].CreatedAt
			e.ValidTo = &t
		case !m.IsActive():
			t := m.UpdatedAt
			e.ValidTo = &t
		}
		out = append(out, e)
	}
	f.logger.Debug().Str("entity", entity).Int("versions", len(out)).Msg("evolution built")
	return out, nil
}

// ValueAt returns the version that was valid at t: the latest one created
// at or before t that had not yet been replaced. When every earlier version
// had ended by t the latest of them is returned; nil means nothing was
// recorded at or before t.
func (f *FactEvolution) ValueAt(ctx context.Context, entity, attrHint string, t time.Time) (*EvolutionEntry, error) {
	entries, err := f.Evolution(ctx, entity, attrHint)
	if err != nil {
		return nil, err
	}
	var fallback *EvolutionEntry
	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]
		if e.ValidFrom.After(t) {
			continue
		}
		if e.ValidTo == nil || e.ValidTo.After(t) {
			return e, nil
		}
		if fallback == nil {
			fallback = e
		}
	}
	return fallback, nil
}

// SummarizeEvolution renders entries one line per version.
func SummarizeEvolution(entity string, entries []EvolutionEntry) string {
	if len(entries) == 0 {
		return fmt.Sprintf("no memories about %s", entity)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d versions\n", entity, len(entries))
	for i, e := range entries {
		to := "now"
		if e.ValidTo != nil {
			to = e.ValidTo.Format(time.DateOnly)
		}
		fmt.Fprintf(&b, "  %d. [%s -> %s] %s\n", i+1, e.ValidFrom.Format(time.DateOnly), to, e.Content)
	}
	return b.String()
}

// Evidence is where a memory came from.
type Evidence struct {
	MemoryID    string    `json:"memory_id"`
	Content     string    `json:"content"`
	SessionID   string    `json:"session_id,omitempty"`
	SourceTurn  *int      `json:"source_turn,omitempty"`
	SourceQuote string    `json:"source_quote,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Ownership   string    `json:"ownership"`
	Confidence  float64   `json:"confidence"`
}

// EvidenceOf reads the provenance recorded in m's metadata. Ownership
// defaults to "user".
func EvidenceOf(m *types.Memory) Evidence {
	ev := Evidence{
		MemoryID:   m.ID,
		Content:    m.Content,
		Timestamp:  m.CreatedAt,
		Ownership:  m.Ownership(),
		Confidence: m.Confidence,
	}
	if ev.Ownership == "" {
		ev.Ownership = "user"
	}
	if v, ok := m.Metadata["session_id"].(string); ok {
		ev.SessionID = v
	}
	if v, ok := m.Metadata["source_quote"].(string); ok {
		ev.SourceQuote = v
	}
	switch v := m.Metadata["source_turn"].(type) {
	case int:
		ev.SourceTurn = &v
	case float64:
		n := int(v)
		ev.SourceTurn = &n
	}
	return ev
}

// EvidenceChain returns id's evidence followed by that of every memory it
// superseded, depth first.
func EvidenceChain(ctx context.Context, store MemoryGetter, id string) ([]Evidence, error) {
	var chain []Evidence
	visited := make(map[string]bool)
	var walk func(id string) error
	walk = func(id string) error {
		if visited[id] || len(visited) >= MaxLineageNodes {
			return nil
		}
		visited[id] = true
		m, err := store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) && len(chain) > 0 {
				return nil
			}
			return err
		}
		chain = append(chain, EvidenceOf(m))
		for _, old := range m.Supersedes {
			if err := walk(old); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(id); err != nil {
		return nil, err
	}
	return chain, nil
}

// Answer is an evidence chain in the answer/evidence_ids/confidence shape
// used by long-conversation memory benchmarks.
type Answer struct {
	Answer      string  `json:"answer"`
	EvidenceIDs []int   `json:"evidence_ids"`
	Confidence  float64 `json:"confidence"`
	SourceQuote string  `json:"source_quote,omitempty"`
}

// AnswerFromChain answers with the head of chain, citing the source turns
// of every version that recorded one.
func AnswerFromChain(chain []Evidence) Answer {
	if len(chain) == 0 {
		return Answer{EvidenceIDs: []int{}}
	}
	a := Answer{
		Answer:      chain[0].Content,
		EvidenceIDs: []int{},
		Confidence:  chain[0].Confidence,
		SourceQuote: chain[0].SourceQuote,
	}
	for _, e := range chain {
		if e.SourceTurn != nil {
			a.EvidenceIDs = append(a.EvidenceIDs, *e.SourceTurn)
		}
	}
	return a
}
