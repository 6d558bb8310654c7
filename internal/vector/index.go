package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// IDLister is implemented by vector stores that can enumerate their IDs.
type IDLister interface {
	IDs(ctx context.Context) ([]string, error)
}

// IndexManager keeps memory vectors in a storage.VectorDB: the SQLite
// vectors table, chromem, or pgvector.
type IndexManager struct {
	db     storage.VectorDB
	logger zerolog.Logger
}

// NewIndexManager wraps db.
func NewIndexManager(db storage.VectorDB, logger zerolog.Logger) *IndexManager {
	return &IndexManager{db: db, logger: logger.With().Str("component", "vector_index").Logger()}
}

// DB returns the underlying store.
func (m *IndexManager) DB() storage.VectorDB {
	return m.db
}

// AddMemory stores one vector with its payload.
func (m *IndexManager) AddMemory(ctx context.Context, id, content string, vec []float32, metadata map[string]interface{}) error {
	if id == "" || len(vec) == 0 {
		return fmt.Errorf("%w: vector record needs an id and a vector", storage.ErrInvalidInput)
	}
	return m.db.Upsert(ctx, []storage.VectorRecord{{ID: id, Vector: vec, Content: content, Metadata: metadata}})
}

// AddMemoriesBatch stores one vector per memory with type and importance in
// the payload. It returns how many were written.
func (m *IndexManager) AddMemoriesBatch(ctx context.Context, mems []*types.Memory, vecs [][]float32) (int, error) {
	if len(mems) != len(vecs) {
		return 0, fmt.Errorf("%w: %d memories but %d vectors", storage.ErrInvalidInput, len(mems), len(vecs))
	}
	records := make([]storage.VectorRecord, 0, len(mems))
	for i, mem := range mems {
		if mem == nil || len(vecs[i]) == 0 {
			continue
		}
		records = append(records, storage.VectorRecord{
			ID:       mem.ID,
			Vector:   vecs[i],
			Content:  mem.Content,
			Metadata: Payload(mem),
		})
	}
	if len(records) == 0 {
		return 0, nil
	}
	if err := m.db.Upsert(ctx, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// SearchSimilar returns the topK nearest vectors, optionally restricted to
// one memory type.
func (m *IndexManager) SearchSimilar(ctx context.Context, vec []float32, topK int, memType types.MemoryType) ([]storage.VectorMatch, error) {
	var filter map[string]string
	if memType != "" {
		filter = map[string]string{"type": string(memType)}
	}
	return m.db.Search(ctx, vec, topK, filter)
}

// RemoveMemory deletes the vector for id.
func (m *IndexManager) RemoveMemory(ctx context.Context, id string) error {
	return m.db.Delete(ctx, []string{id})
}

// Count returns the number of stored vectors.
func (m *IndexManager) Count(ctx context.Context) (int, error) {
	return m.db.Count(ctx)
}

// ErrNotListable is returned by IndexedIDs for stores without enumeration.
var ErrNotListable = errors.New("vector store cannot list ids")

// IndexedIDs lists stored IDs when the store supports it.
func (m *IndexManager) IndexedIDs(ctx context.Context) ([]string, error) {
	l, ok := m.db.(IDLister)
	if !ok {
		return nil, ErrNotListable
	}
	return l.IDs(ctx)
}

// BuildStats summarises a Build run.
type BuildStats struct {
	Total   int `json:"total"`
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Build embeds and stores every memory not yet in the index, batchSize at a
// time. A failed batch is counted and the run continues.
func (m *IndexManager) Build(ctx context.Context, emb Embedder, mems []*types.Memory, batchSize int) (BuildStats, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	st := BuildStats{Total: len(mems)}

	indexed := map[string]bool{}
	if ids, err := m.IndexedIDs(ctx); err == nil {
		for _, id := range ids {
			indexed[id] = true
		}
	} else if !errors.Is(err, ErrNotListable) {
		return st, err
	}

	todo := make([]*types.Memory, 0, len(mems))
	for _, mem := range mems {
		if indexed[mem.ID] {
			st.Skipped++
			continue
		}
		todo = append(todo, mem)
	}

	for start := 0; start < len(todo); start += batchSize {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		end := min(start+batchSize, len(todo))
		batch := todo[start:end]

		texts := make([]string, len(batch))
		for i, mem := range batch {
			texts[i] = mem.Content
		}
		vecs, err := emb.Embed(ctx, texts)
		if err != nil {
			m.logger.Warn().Err(err).Int("batch", len(batch)).Msg("batch embedding failed")
			st.Failed += len(batch)
			continue
		}
		n, err := m.AddMemoriesBatch(ctx, batch, vecs)
		if err != nil {
			m.logger.Warn().Err(err).Int("batch", len(batch)).Msg("batch upsert failed")
		}
		st.Indexed += n
		st.Failed += len(batch) - n
	}
	return st, nil
}

// PayloadContentLimit bounds the content copied into vector payloads, in
// runes.
const PayloadContentLimit = 500

// Payload is the metadata stored with a memory's vector.
func Payload(mem *types.Memory) map[string]interface{} {
	entities := mem.Entities
	if entities == nil {
		entities = []string{}
	}
	typ := mem.Type
	if typ == "" {
		typ = types.TypeFact
	}
	return map[string]interface{}{
		"type":       string(typ),
		"content":    Truncate(mem.Content, PayloadContentLimit),
		"importance": mem.Importance,
		"entities":   entities,
	}
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
