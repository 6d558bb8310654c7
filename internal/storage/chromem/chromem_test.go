package chromem

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

var _ storage.VectorDB = (*Store)(nil)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	err := s.Upsert(context.Background(), []storage.VectorRecord{
		{ID: "f_1", Vector: []float32{1, 0, 0}, Content: "likes coffee", Metadata: map[string]interface{}{"type": "fact", "importance": 0.7}},
		{ID: "b_1", Vector: []float32{0.9, 0.1, 0}, Content: "coffee is healthy", Metadata: map[string]interface{}{"type": "belief", "importance": 0.4}},
		{ID: "f_2", Vector: []float32{0, 0, 1}, Content: "owns a cat", Metadata: map[string]interface{}{"type": "fact", "entities": []string{"cat"}}},
	})
	require.NoError(t, err)
}

func TestStore_SearchOrdersBySimilarity(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	matches, err := s.Search(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "f_1", matches[0].ID)
	assert.Equal(t, "b_1", matches[1].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
	assert.Equal(t, "likes coffee", matches[0].Content)
	assert.Equal(t, "fact", matches[0].Metadata["type"])
	assert.InDelta(t, 0.7, matches[0].Metadata["importance"], 1e-9)
}

func TestStore_TopKClampedAndFiltered(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	matches, err := s.Search(ctx, []float32{1, 0, 0}, 50, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	matches, err = s.Search(ctx, []float32{1, 0, 0}, 50, map[string]string{"type": "fact"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, "fact", m.Metadata["type"])
	}
	assert.Equal(t, []interface{}{"cat"}, matches[1].Metadata["entities"])
}

func TestStore_UpsertReplacesAndDelete(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []storage.VectorRecord{{ID: "f_2", Vector: []float32{1, 0, 0}, Content: "owns two cats"}}))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.Delete(ctx, []string{"f_1", "missing"}))
	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b_1", "f_2"}, ids)

	matches, err := s.Search(ctx, []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "owns two cats", matches[0].Content)
}

func TestStore_RejectsBadInputAndClosed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, []storage.VectorRecord{{ID: "x"}})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	matches, err := s.Search(ctx, []float32{1}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.HealthCheck(ctx), storage.ErrClosed)
	_, err = s.Count(ctx)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestStore_PersistentReopenIsNotListable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(Options{Path: dir})
	require.NoError(t, err)
	seed(t, s)
	require.NoError(t, s.Close())

	reopened, err := New(Options{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = reopened.IDs(ctx)
	assert.ErrorIs(t, err, vector.ErrNotListable)
}

func TestStore_WithIndexManager(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	m := vector.NewIndexManager(s, zerolog.Nop())

	mems := []*types.Memory{
		{ID: "f_1", Type: types.TypeFact, Content: "one"},
		{ID: "f_2", Type: types.TypeFact, Content: "two"},
	}
	st, err := m.Build(ctx, vector.HashEmbedder{}, mems, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Indexed)

	st, err = m.Build(ctx, vector.HashEmbedder{}, mems, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Skipped)

	matches, err := m.SearchSimilar(ctx, vector.HashVector("one"), 1, types.TypeFact)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "f_1", matches[0].ID)
}
