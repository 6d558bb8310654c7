package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// newTestBackend creates an in-memory store for testing.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func insert(t *testing.T, b *Backend, m *types.Memory) string {
	t.Helper()
	id, err := b.Insert(context.Background(), m)
	require.NoError(t, err)
	return id
}

func TestInsertAndGet_RoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	ttl := 30
	id := insert(t, b, &types.Memory{
		Type:       types.TypeBelief,
		Content:    "用户可能喜欢咖啡",
		Importance: 0.6,
		Confidence: 0.4,
		Entities:   []string{"咖啡", "咖啡", "用户"},
		Metadata:   map[string]interface{}{"ownership": "assistant"},
		TTLDays:    &ttl,
	})
	assert.Regexp(t, `^b_\d{8}_[0-9a-f]{6}$`, id)

	got, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TypeBelief, got.Type)
	assert.Equal(t, "用户可能喜欢咖啡", got.Content)
	assert.InDelta(t, 0.6, got.Score, 1e-9, "score starts at importance")
	assert.Equal(t, []string{"咖啡", "用户"}, got.Entities)
	assert.Equal(t, "assistant", got.Ownership())
	assert.Equal(t, types.StateActive, got.State)
	require.NotNil(t, got.AutoDeleteAt)
	assert.WithinDuration(t, got.CreatedAt.AddDate(0, 0, 30), *got.AutoDeleteAt, time.Second)
}

func TestInsert_Validation(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Insert(ctx, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = b.Insert(ctx, &types.Memory{Content: "   "})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	id := insert(t, b, &types.Memory{ID: "f_20240101_abcdef", Content: "one"})
	_, err = b.Insert(ctx, &types.Memory{ID: id, Content: "two"})
	assert.ErrorIs(t, err, storage.ErrDuplicateID)
}

func TestGet_NotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Get(context.Background(), "f_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdate_StateIsMonotonic(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	id := insert(t, b, &types.Memory{Content: "state machine test"})

	superseded := types.StateSuperseded
	require.NoError(t, b.Update(ctx, id, storage.UpdateFields{State: &superseded}))

	active := types.StateActive
	err := b.Update(ctx, id, storage.UpdateFields{State: &active})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	require.NoError(t, b.Delete(ctx, id))
	require.NoError(t, b.Delete(ctx, id), "repeated soft delete is idempotent")

	got, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleted, got.State)

	assert.ErrorIs(t, b.Update(ctx, "f_missing", storage.UpdateFields{State: &superseded}), storage.ErrNotFound)
}

func TestUpdate_ReplacesEntities(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	id := insert(t, b, &types.Memory{Content: "住在北京", Entities: []string{"北京"}})

	ents := []string{"上海"}
	score := 0.42
	require.NoError(t, b.Update(ctx, id, storage.UpdateFields{Entities: &ents, Score: &score}))

	got, err := b.SearchByEntities(ctx, []string{"北京"}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = b.SearchByEntities(ctx, []string{"上海"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.42, got[0].Score, 1e-9)
}

func TestSearch_FTSAndLikeFallback(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	insert(t, b, &types.Memory{Content: "the user prefers dark roast coffee", Importance: 0.7})
	insert(t, b, &types.Memory{Content: "the user lives in Berlin", Importance: 0.5})
	insert(t, b, &types.Memory{Content: "我吃花生会过敏", Importance: 0.9})

	hits, err := b.Search(ctx, "coffee", storage.SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Memory.Content, "coffee")
	assert.Greater(t, hits[0].Score, 0.0, "bm25 is negated so better matches score higher")

	hits, err = b.Search(ctx, "花生", storage.SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1, "CJK substring found through the LIKE fallback")
	assert.InDelta(t, 0.9, hits[0].Score, 1e-9)

	hits, err = b.Search(ctx, "user", storage.SearchOptions{TopK: 5, MinImportance: 0.6})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Memory.Content, "coffee")

	hits, err = b.Search(ctx, `"unbalanced`, storage.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_ExcludesInactive(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	id := insert(t, b, &types.Memory{Content: "archived coffee note"})
	require.NoError(t, b.ArchiveMemory(ctx, id))

	hits, err := b.Search(ctx, "coffee", storage.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = b.Search(ctx, "coffee", storage.SearchOptions{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearch_CreatedRange(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	early := insert(t, b, &types.Memory{Content: "coffee before the trip", CreatedAt: day.Add(-time.Hour)})
	during := insert(t, b, &types.Memory{Content: "coffee in Lisbon", CreatedAt: day.Add(9 * time.Hour)})
	late := insert(t, b, &types.Memory{Content: "coffee after the trip", CreatedAt: day.AddDate(0, 0, 2)})

	ids := func(hits []storage.SearchHit) []string {
		var out []string
		for _, h := range hits {
			out = append(out, h.Memory.ID)
		}
		return out
	}
	endOfDay := day.AddDate(0, 0, 1).Add(-time.Nanosecond)

	for _, q := range []string{"coffee", "", "咖啡"} {
		hits, err := b.Search(ctx, q, storage.SearchOptions{TopK: 10, CreatedAfter: day, CreatedBefore: endOfDay})
		require.NoError(t, err)
		if q == "咖啡" {
			assert.Empty(t, hits)
			continue
		}
		assert.Equal(t, []string{during}, ids(hits), "query %q", q)
	}

	hits, err := b.Search(ctx, "coffee", storage.SearchOptions{TopK: 10, CreatedAfter: day})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{during, late}, ids(hits))

	hits, err = b.Search(ctx, "", storage.SearchOptions{TopK: 10, CreatedBefore: day})
	require.NoError(t, err)
	assert.Equal(t, []string{early}, ids(hits))

	local := time.FixedZone("CST", 8*3600)
	hits, err = b.Search(ctx, "", storage.SearchOptions{TopK: 10, CreatedAfter: day.In(local)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{during, late}, ids(hits), "bounds compare as instants")
}

func TestSearchOptions_InTimeRange(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.True(t, storage.SearchOptions{}.InTimeRange(at))
	assert.True(t, storage.SearchOptions{CreatedAfter: at, CreatedBefore: at}.InTimeRange(at))
	assert.False(t, storage.SearchOptions{CreatedAfter: at.Add(time.Second)}.InTimeRange(at))
	assert.False(t, storage.SearchOptions{CreatedBefore: at.Add(-time.Second)}.InTimeRange(at))
}

func TestUpdateAccessStats(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := New(":memory:", Options{
		Now: func() time.Time { return now },
		AccessBoost: func(m *types.Memory, _ time.Time) float64 {
			return float64(m.RetrievalCount + 2*m.UsedInResponseCount + 3*m.UserMentionedCount)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	id := insert(t, b, &types.Memory{Content: "tracked memory"})
	require.NoError(t, b.UpdateAccessStats(ctx, id, types.AccessRetrieval))
	require.NoError(t, b.UpdateAccessStats(ctx, id, types.AccessUserMentioned))

	got, err := b.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.Equal(t, 1, got.RetrievalCount)
	assert.Equal(t, 1, got.UserMentionedCount)
	assert.InDelta(t, 4.0, got.AccessBoost, 1e-9)
	require.NotNil(t, got.LastAccessedAt)
	assert.True(t, got.LastAccessedAt.Equal(now))

	n, err := b.AccessLogCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.ErrorIs(t, b.UpdateAccessStats(ctx, id, "bogus"), storage.ErrInvalidInput)
	assert.ErrorIs(t, b.UpdateAccessStats(ctx, "f_missing", types.AccessRetrieval), storage.ErrNotFound)
}

func TestTTLCleanup(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	expired := insert(t, b, &types.Memory{Content: "expired", AutoDeleteAt: &past})
	kept := insert(t, b, &types.Memory{Content: "kept", AutoDeleteAt: &future})
	insert(t, b, &types.Memory{Content: "permanent"})

	n, err := b.TTLCleanup(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.Get(ctx, expired)
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleted, got.State)

	got, err = b.Get(ctx, kept)
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, got.State)
}

func TestApplySupersede_BuildsLineage(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	oldest := insert(t, b, &types.Memory{Content: "lives in Beijing"})
	old := insert(t, b, &types.Memory{Content: "lives in Shanghai"})
	require.NoError(t, b.ApplySupersede(ctx, old, oldest))

	newer := insert(t, b, &types.Memory{Content: "moved to Shenzhen"})
	require.NoError(t, b.ApplySupersede(ctx, newer, old))

	loser, err := b.Get(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, types.StateSuperseded, loser.State)
	assert.True(t, loser.Superseded)
	assert.Equal(t, newer, loser.SupersededBy)

	winner, err := b.Get(ctx, newer)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{oldest, old}, winner.Supersedes)
	assert.Contains(t, winner.Metadata, "conflict_resolved_at")
	assert.Equal(t, types.StateActive, winner.State)

	active, err := b.ActiveMemories(ctx, "")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	var chain []*types.Memory
	for _, id := range []string{oldest, old, newer} {
		m, err := b.Get(ctx, id)
		require.NoError(t, err)
		chain = append(chain, m)
	}
	lineage := types.BuildLineage(chain)
	assert.Equal(t, newer, lineage.Head(oldest))

	deleted := insert(t, b, &types.Memory{Content: "gone"})
	require.NoError(t, b.Delete(ctx, deleted))
	assert.ErrorIs(t, b.ApplySupersede(ctx, newer, deleted), storage.ErrInvalidTransition)
}

func TestMarkConflict(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	a := insert(t, b, &types.Memory{Content: "likes tea"})
	c := insert(t, b, &types.Memory{Content: "dislikes tea"})

	require.NoError(t, b.MarkConflict(ctx, a, c))
	require.NoError(t, b.MarkConflict(ctx, a, c))

	ma, err := b.Get(ctx, a)
	require.NoError(t, err)
	mc, err := b.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, []string{c}, ma.ConflictsWith)
	assert.Equal(t, []string{a}, mc.ConflictsWith)
	assert.Equal(t, types.StateActive, ma.State)
	assert.Equal(t, types.StateActive, mc.State)
}

func TestStats(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	insert(t, b, &types.Memory{Type: types.TypeFact, Content: "f1"})
	insert(t, b, &types.Memory{Type: types.TypeFact, Content: "f2"})
	insert(t, b, &types.Memory{Type: types.TypeBelief, Content: "b1"})
	s := insert(t, b, &types.Memory{Type: types.TypeSummary, Content: "s1"})
	require.NoError(t, b.ArchiveMemory(ctx, s))

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.BackendStats{Total: 3, Facts: 2, Beliefs: 1, Archived: 1}, st)

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestActiveBatch_Pages(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		insert(t, b, &types.Memory{Content: "page item " + string(rune('a'+i))})
	}

	var seen []string
	after := ""
	for {
		batch, err := b.ActiveBatch(ctx, after, 2)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		for _, m := range batch {
			seen = append(seen, m.ID)
		}
		after = batch[len(batch)-1].ID
	}
	assert.Len(t, seen, 5)
}

func TestClose_Idempotent(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenDir(dir, Options{})
	require.NoError(t, err)
	insert(t, b, &types.Memory{Content: "WAL checkpoint test data"})

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Get(context.Background(), "x")
	assert.ErrorIs(t, err, storage.ErrClosed)

	info, err := os.Stat(filepath.Join(dir, DefaultFileName+"-wal"))
	if err == nil {
		assert.Zero(t, info.Size(), "WAL truncated on close")
	}
}

func TestDbPathFromDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{"in-memory", ":memory:", ""},
		{"empty", "", ""},
		{"bare path", "/tmp/test.db", "/tmp/test.db"},
		{"file URI bare", "file:/tmp/test.db", "/tmp/test.db"},
		{"file URI with params", "file:/tmp/test.db?mode=rwc", "/tmp/test.db"},
		{"file URI memory", "file::memory:", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dbPathFromDSN(tt.dsn))
		})
	}
}
