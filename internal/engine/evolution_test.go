package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/engine"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sqlite"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// movesStore holds three versions of where 张三 lives, each superseding the
// previous one, plus an unrelated fact and a belief about him.
func movesStore(t *testing.T) *sqlite.Backend {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(":memory:", sqlite.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	add := func(m *types.Memory, entities ...string) {
		m.Entities = entities
		_, err := store.Insert(ctx, m)
		require.NoError(t, err)
	}
	v1 := memAt("f_beijing", "张三住在北京", baseTime)
	v2 := memAt("f_shanghai", "张三住在上海", baseTime.AddDate(0, 0, 30))
	v2.Metadata = map[string]interface{}{"session_id": "s_0402", "source_turn": 2, "source_quote": "我搬去上海了"}
	v3 := memAt("f_hangzhou", "张三住在杭州", baseTime.AddDate(0, 0, 60))
	v3.Metadata = map[string]interface{}{"session_id": "s_0501", "source_turn": 7}
	v3.Confidence = 0.9
	tea := memAt("f_tea", "张三喜欢喝茶", baseTime.AddDate(0, 0, 10))
	hunch := memAt("b_hunch", "张三可能要换工作", baseTime.AddDate(0, 0, 20))
	hunch.Type = types.TypeBelief

	add(v1, "张三")
	add(v2, "张三")
	add(v3, "张三")
	add(tea, "张三")
	add(hunch, "张三")
	require.NoError(t, store.ApplySupersede(ctx, v2.ID, v1.ID))
	require.NoError(t, store.ApplySupersede(ctx, v3.ID, v2.ID))
	return store
}

func TestCollectLineage(t *testing.T) {
	ctx := context.Background()
	store := movesStore(t)

	chain, err := engine.CollectLineage(ctx, store, "f_shanghai")
	require.NoError(t, err)
	var ids []string
	for _, m := range chain {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{"f_beijing", "f_shanghai", "f_hangzhou"}, ids)

	chain, err = engine.CollectLineage(ctx, store, "f_tea")
	require.NoError(t, err)
	assert.Len(t, chain, 1)

	_, err = engine.CollectLineage(ctx, store, "f_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFactEvolution(t *testing.T) {
	ctx := context.Background()
	fe := engine.NewFactEvolution(movesStore(t), zerolog.Nop())

	entries, err := fe.Evolution(ctx, "张三", "")
	require.NoError(t, err)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.MemoryID)
	}
	assert.Equal(t, []string{"f_beijing", "f_tea", "f_shanghai", "f_hangzhou"}, ids, "facts only, oldest first")

	entries, err = fe.Evolution(ctx, "张三", "住在")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Superseded)
	require.NotNil(t, entries[0].ValidTo)
	assert.Equal(t, baseTime.AddDate(0, 0, 30), entries[0].ValidTo.UTC(), "valid until its replacement was stated")
	require.NotNil(t, entries[1].ValidTo)
	assert.Equal(t, baseTime.AddDate(0, 0, 60), entries[1].ValidTo.UTC())
	assert.False(t, entries[2].Superseded)
	assert.Nil(t, entries[2].ValidTo)
	assert.Equal(t, 0.9, entries[2].Confidence)

	summary := engine.SummarizeEvolution("张三", entries)
	assert.True(t, strings.HasPrefix(summary, "张三: 3 versions\n"))
	assert.Contains(t, summary, "1. [2026-03-01 -> 2026-03-31] 张三住在北京")
	assert.Contains(t, summary, "3. [2026-04-30 -> now] 张三住在杭州")
	assert.Equal(t, "no memories about 李四", engine.SummarizeEvolution("李四", nil))

	_, err = fe.Evolution(ctx, " ", "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestFactEvolutionValueAt(t *testing.T) {
	ctx := context.Background()
	fe := engine.NewFactEvolution(movesStore(t), zerolog.Nop())

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"before anything was said", baseTime.Add(-time.Hour), ""},
		{"first version", baseTime.AddDate(0, 0, 5), "f_beijing"},
		{"second version", baseTime.AddDate(0, 0, 45), "f_shanghai"},
		{"the moment it changed", baseTime.AddDate(0, 0, 60), "f_hangzhou"},
		{"current", baseTime.AddDate(1, 0, 0), "f_hangzhou"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := fe.ValueAt(ctx, "张三", "住在", tt.at)
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, e)
				return
			}
			require.NotNil(t, e)
			assert.Equal(t, tt.want, e.MemoryID)
		})
	}
}

func TestEvidenceChain(t *testing.T) {
	ctx := context.Background()
	store := movesStore(t)

	chain, err := engine.EvidenceChain(ctx, store, "f_hangzhou")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "f_hangzhou", chain[0].MemoryID)
	assert.Equal(t, "s_0501", chain[0].SessionID)
	require.NotNil(t, chain[0].SourceTurn)
	assert.Equal(t, 7, *chain[0].SourceTurn)
	assert.Equal(t, "f_shanghai", chain[1].MemoryID)
	assert.Equal(t, "我搬去上海了", chain[1].SourceQuote)
	assert.Equal(t, "f_beijing", chain[2].MemoryID)
	assert.Nil(t, chain[2].SourceTurn)
	for _, e := range chain {
		assert.Equal(t, "user", e.Ownership)
	}

	ans := engine.AnswerFromChain(chain)
	assert.Equal(t, "张三住在杭州", ans.Answer)
	assert.Equal(t, []int{7, 2}, ans.EvidenceIDs)
	assert.Equal(t, 0.9, ans.Confidence)

	empty := engine.AnswerFromChain(nil)
	assert.NotNil(t, empty.EvidenceIDs)
	assert.Empty(t, empty.Answer)

	_, err = engine.EvidenceChain(ctx, store, "f_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEvidenceOfInMemoryMetadata(t *testing.T) {
	m := memAt("f_x", "likes tea", baseTime)
	m.Metadata = map[string]interface{}{"source_turn": 4, "session_id": 12}
	ev := engine.EvidenceOf(m)
	require.NotNil(t, ev.SourceTurn)
	assert.Equal(t, 4, *ev.SourceTurn)
	assert.Empty(t, ev.SessionID, "non-string session ids are ignored")
	assert.Equal(t, baseTime, ev.Timestamp)
}
