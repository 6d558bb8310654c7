package vector

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/cache"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sqlite"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

type countingEmbedder struct {
	calls atomic.Int32
	texts atomic.Int32
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	c.texts.Add(int32(len(texts)))
	return HashEmbedder{}.Embed(context.Background(), texts)
}

func (c *countingEmbedder) Dimension() int { return HashDimension }

type fakeGen struct {
	vecs [][]float32
	err  error
}

func (f fakeGen) Embed(context.Context, []string) ([][]float32, error) { return f.vecs, f.err }
func (f fakeGen) GetModel() string                                     { return "fake" }

func newSQLite(t *testing.T) *sqlite.Backend {
	t.Helper()
	b, err := sqlite.New(":memory:", sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestHashEmbedder(t *testing.T) {
	vecs, err := HashEmbedder{}.Embed(context.Background(), []string{"hello", "hello", "world"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], HashDimension)
	assert.Equal(t, 32, HashDimension)
	assert.Equal(t, vecs[0], vecs[1])
	assert.NotEqual(t, vecs[0], vecs[2])
	for _, x := range vecs[0] {
		assert.GreaterOrEqual(t, x, float32(0))
		assert.LessOrEqual(t, x, float32(1))
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 1}))
}

func TestModelEmbedder_LearnsAndEnforcesDimension(t *testing.T) {
	e := NewModelEmbedder(fakeGen{vecs: [][]float32{{1, 2, 3}}}, 0)
	assert.Equal(t, 0, e.Dimension())
	_, err := e.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 3, e.Dimension())

	bad := NewModelEmbedder(fakeGen{vecs: [][]float32{{1, 2}}}, 3)
	_, err = bad.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	short := NewModelEmbedder(fakeGen{vecs: nil}, 3)
	_, err = short.Embed(context.Background(), []string{"a"})
	assert.Error(t, err)

	failing := NewModelEmbedder(fakeGen{err: errors.New("down")}, 3)
	_, err = failing.Embed(context.Background(), []string{"a"})
	assert.Error(t, err)
}

func TestEmbeddingEngine_CachesAcrossLevels(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{}
	l3 := cache.NewMultiLevelCache(cache.Config{})
	store := newSQLite(t)

	eng, err := NewEmbeddingEngine(EngineConfig{Embedder: inner, L3: l3, Persistent: store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	first, err := eng.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
	eng.Wait()

	again, err := eng.EmbedSingle(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, first[0], again)
	assert.Equal(t, int32(1), inner.calls.Load(), "served from cache")

	eng.ClearCache()
	_, err = eng.EmbedSingle(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load(), "L3 still holds it")
	assert.Equal(t, int64(1), eng.Stats().L3Hits)

	l3.ClearAll()
	eng.ClearCache()
	got, err := eng.EmbedSingle(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, first[1], got)
	assert.Equal(t, int32(1), inner.calls.Load(), "persistent table still holds it")
	assert.Equal(t, int64(1), eng.Stats().PersistentHits)

	_, err = eng.EmbedBatch(ctx, []string{"alpha", "gamma"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, int32(3), inner.texts.Load(), "only the miss is embedded")
}

func TestIndexManager_SQLiteTable(t *testing.T) {
	ctx := context.Background()
	store := newSQLite(t)
	m := NewIndexManager(store.Vectors(), zerolog.Nop())

	mems := []*types.Memory{
		{ID: "f_1", Type: types.TypeFact, Content: "likes coffee", Importance: 0.7},
		{ID: "b_1", Type: types.TypeBelief, Content: "thinks coffee is healthy", Importance: 0.4},
		{ID: "f_2", Type: types.TypeFact, Content: "owns a cat", Importance: 0.5},
	}
	vecs := [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0, 0, 1}}
	n, err := m.AddMemoriesBatch(ctx, mems, vecs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	matches, err := m.SearchSimilar(ctx, []float32{1, 0, 0}, 2, "")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "f_1", matches[0].ID)
	assert.Equal(t, "b_1", matches[1].ID)

	matches, err = m.SearchSimilar(ctx, []float32{1, 0, 0}, 5, types.TypeFact)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, mt := range matches {
		assert.Equal(t, "fact", mt.Metadata["type"])
	}

	require.NoError(t, m.RemoveMemory(ctx, "f_1"))
	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ids, err := m.IndexedIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b_1", "f_2"}, ids)

	_, err = m.AddMemoriesBatch(ctx, mems, vecs[:1])
	assert.Error(t, err)
}

func TestIndexManager_BuildSkipsIndexed(t *testing.T) {
	ctx := context.Background()
	store := newSQLite(t)
	m := NewIndexManager(store.Vectors(), zerolog.Nop())
	emb := &countingEmbedder{}

	mems := []*types.Memory{
		{ID: "f_1", Content: "one"},
		{ID: "f_2", Content: "two"},
		{ID: "f_3", Content: "three"},
	}
	st, err := m.Build(ctx, emb, mems[:1], 10)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Indexed)

	st, err = m.Build(ctx, emb, mems, 1)
	require.NoError(t, err)
	assert.Equal(t, BuildStats{Total: 3, Indexed: 2, Skipped: 1}, st)
	assert.Equal(t, int32(3), emb.calls.Load())
}

func TestPayloadTruncatesRunes(t *testing.T) {
	long := strings.Repeat("记", 600)
	p := Payload(&types.Memory{Content: long, Importance: 0.3})
	assert.Equal(t, 500, len([]rune(p["content"].(string))))
	assert.Equal(t, "fact", p["type"])
	assert.Equal(t, []string{}, p["entities"])
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 5))
}

func TestNGramEmbedder(t *testing.T) {
	e := NewNGramEmbedder(0)
	assert.Equal(t, NGramDimension, e.Dimension())
	assert.Equal(t, 64, NewNGramEmbedder(64).Dimension())

	texts := []string{
		"用户住在北京朝阳区",
		"用户现在住在北京朝阳区",
		"周末喜欢打篮球",
		"The user lives in Beijing",
		"the user LIVES in beijing!",
	}
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for _, v := range vecs {
		assert.Len(t, v, NGramDimension)
		assert.InDelta(t, 1.0, Cosine(v, v), 1e-5, "unit length")
	}

	same := Cosine(e.Vector(texts[0]), vecs[0])
	assert.InDelta(t, 1.0, same, 1e-5)
	near := Cosine(vecs[0], vecs[1])
	far := Cosine(vecs[0], vecs[2])
	assert.Greater(t, near, 0.5)
	assert.Greater(t, near, far)
	assert.InDelta(t, 1.0, Cosine(vecs[3], vecs[4]), 1e-5, "case and punctuation ignored")

	zero := e.Vector("!!! ...")
	for _, x := range zero {
		assert.Zero(t, x)
	}
}

func TestCharGrams(t *testing.T) {
	assert.Equal(t, []string{" a", "a ", " a "}, charGrams("A"))
	grams := charGrams("北京 ok")
	assert.Contains(t, grams, " 北京 ")
	assert.Contains(t, grams, "ok ")
	assert.NotContains(t, grams, "京 o", "grams stay inside a word")
}
