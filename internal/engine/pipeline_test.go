package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/engine"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/indexer"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/search"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sqlite"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

type recordingIndexer struct {
	ids     []string
	deleted []string
}

func (r *recordingIndexer) IndexMemory(ctx context.Context, mem *types.Memory, async bool) error {
	r.ids = append(r.ids, mem.ID)
	return nil
}

func (r *recordingIndexer) DeleteVectors(ctx context.Context, ids []string, async bool) error {
	r.deleted = append(r.deleted, ids...)
	return nil
}

func newTestPipeline(t *testing.T, now time.Time) (*engine.Pipeline, *sqlite.Backend, *search.KeywordIndex, *recordingIndexer) {
	t.Helper()
	store, err := sqlite.New(":memory:", sqlite.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kw := search.NewKeywordIndex()
	vec := &recordingIndexer{}
	p, err := engine.NewPipeline(engine.PipelineOptions{
		Store:   store,
		Keyword: kw,
		Vectors: vec,
		Now:     func() time.Time { return now },
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return p, store, kw, vec
}

func seed(t *testing.T, store *sqlite.Backend, kw *search.KeywordIndex, m *types.Memory) {
	t.Helper()
	_, err := store.Insert(context.Background(), m)
	require.NoError(t, err)
	require.NoError(t, kw.Add(m))
}

func TestNewPipelineRequiresStore(t *testing.T) {
	_, err := engine.NewPipeline(engine.PipelineOptions{})
	assert.ErrorIs(t, err, storage.ErrNoBackend)

	store, err := sqlite.New(":memory:", sqlite.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer store.Close()
	_, err = engine.NewPipeline(engine.PipelineOptions{Store: store, Config: engine.Config{SimilarityThreshold: 2}})
	assert.Error(t, err)
}

func TestIngestNoiseAndAdd(t *testing.T) {
	ctx := context.Background()
	p, store, kw, vec := newTestPipeline(t, baseTime)

	res, err := p.Ingest(ctx, engine.Candidate{Content: "5+3等于多少"}, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.OpNoop, res.Op)
	assert.True(t, res.Noise)

	res, err = p.Ingest(ctx, engine.Candidate{Content: "我叫张三，住在北京", Entities: []string{"张三"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.OpAdd, res.Op)
	require.NotEmpty(t, res.ID)

	got, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "我叫张三，住在北京", got.Content)
	assert.Equal(t, types.StateActive, got.State)
	assert.Equal(t, []string{res.ID}, vec.ids)

	hits, err := kw.Search(ctx, "张三", 5, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, res.ID, hits[0].ID)

	assert.Equal(t, 2, p.Filter().Stats().Total)
}

func TestIngestSupersedesStaleFact(t *testing.T) {
	ctx := context.Background()
	now := baseTime.AddDate(0, 0, 30)
	p, store, kw, vec := newTestPipeline(t, now)

	old := memAt("f_20260301_aaaaaa", "user lives in beijing chaoyang district", baseTime)
	seed(t, store, kw, old)

	res, err := p.Ingest(ctx, engine.Candidate{Content: "user now lives in beijing chaoyang district"}, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.OpUpdate, res.Op)
	assert.Equal(t, engine.ActionUpdate, res.Action)
	assert.Equal(t, old.ID, res.Target)
	require.NotEmpty(t, res.ID)

	loser, err := store.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateSuperseded, loser.State)
	assert.True(t, loser.Superseded)
	assert.Equal(t, res.ID, loser.SupersededBy)

	winner, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Contains(t, winner.Supersedes, old.ID)
	assert.True(t, winner.IsActive())

	hits, err := kw.Search(ctx, "chaoyang", 5, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, res.ID, hits[0].ID)

	assert.Equal(t, []string{old.ID}, vec.deleted, "loser leaves the vector index")
	assert.Equal(t, []string{res.ID}, vec.ids)
}

func TestIngestSupersededFactLeavesHybridSearch(t *testing.T) {
	ctx := context.Background()
	now := baseTime.AddDate(0, 0, 30)
	store, err := sqlite.New(":memory:", sqlite.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kw := search.NewKeywordIndex()
	vi := indexer.NewVectorIndexer(store.Vectors(), vector.HashEmbedder{}, indexer.VectorIndexerOptions{Logger: zerolog.Nop()})
	p, err := engine.NewPipeline(engine.PipelineOptions{
		Store:   store,
		Keyword: kw,
		Vectors: vi,
		Now:     func() time.Time { return now },
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	old := memAt("f_20260301_aaaaaa", "user lives in beijing chaoyang district", baseTime)
	seed(t, store, kw, old)
	require.NoError(t, vi.IndexMemory(ctx, old, false))

	res, err := p.Ingest(ctx, engine.Candidate{Content: "user now lives in beijing chaoyang district"}, nil)
	require.NoError(t, err)
	require.Equal(t, engine.OpUpdate, res.Op)

	count, err := store.Vectors().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	hs := search.NewHybridSearchEngine(search.Config{
		Keyword:  kw,
		Vectors:  vector.NewIndexManager(store.Vectors(), zerolog.Nop()),
		Embedder: vector.HashEmbedder{},
		Memories: store,
		MinScore: 0.01,
		Logger:   zerolog.Nop(),
	})
	for _, q := range []string{"user lives in beijing chaoyang district", "beijing chaoyang"} {
		hits, err := hs.Search(ctx, q, search.SearchRequest{TopK: 5, UseKeyword: true, UseVector: true})
		require.NoError(t, err)
		require.NotEmpty(t, hits, q)
		for _, h := range hits {
			assert.NotEqual(t, old.ID, h.ID, "%s returned the superseded memory from %s", q, h.Source)
		}
		assert.Equal(t, res.ID, hits[0].ID)
	}
}

func TestIngestDuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	p, store, kw, vec := newTestPipeline(t, baseTime)

	seed(t, store, kw, &types.Memory{
		ID: "f_20260301_bbbbbb", Content: "张三喜欢吃苹果", Entities: []string{"张三"},
		Importance: 0.6, CreatedAt: baseTime, State: types.StateActive,
	})

	res, err := p.Ingest(ctx, engine.Candidate{Content: "张三喜欢吃香蕉", Entities: []string{"张三"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.OpNoop, res.Op)
	assert.True(t, res.Duplicate)
	assert.Empty(t, vec.ids)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestIngestRetractionDowngrades stores a joke, then its retraction. The
// joke keeps its active state with a tier 2 penalty on its score.
func TestIngestRetractionDowngrades(t *testing.T) {
	ctx := context.Background()
	p, store, kw, _ := newTestPipeline(t, baseTime)

	first, err := p.Ingest(ctx, engine.Candidate{
		Content:    "我最喜欢吃花生",
		Importance: ptr(0.8),
		Entities:   []string{"花生"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, engine.OpAdd, first.Op)

	second, err := p.Ingest(ctx, engine.Candidate{
		Content:    "逗你的，我吃花生会过敏会死",
		Importance: ptr(0.9),
		Entities:   []string{"花生"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.OpAdd, second.Op)
	assert.Equal(t, []string{first.ID}, second.Downgraded)

	joke, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.48, joke.Score, 1e-9)
	assert.Equal(t, 2, joke.OverrideTier)
	assert.True(t, joke.ConflictDowngraded)
	assert.Equal(t, types.StateActive, joke.State)

	fact, err := store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, fact.Score, 1e-9)

	hits, err := kw.Search(ctx, "花生", 5, "")
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestIngestBatch(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, baseTime)
	results, err := p.IngestBatch(context.Background(), []engine.Candidate{
		{Content: "你好"},
		{Content: "user enjoys hiking on weekends"},
		{Content: "user enjoys hiking on weekends!"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Noise)
	assert.Equal(t, engine.OpAdd, results[1].Op)
	assert.True(t, results[2].Duplicate)

	s := p.Operator().Stats()
	assert.Equal(t, 2, s.Total)
}
