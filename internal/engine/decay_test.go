package engine_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/engine"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/indexer"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sqlite"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

func accessedAgo(m *types.Memory, now time.Time, d time.Duration) *types.Memory {
	t := now.Add(-d)
	m.LastAccessedAt = &t
	return m
}

func TestProtectionFactor(t *testing.T) {
	now := baseTime
	day := 24 * time.Hour

	tests := []struct {
		name string
		ago  time.Duration
		want float64
	}{
		{"an hour", time.Hour, 0},
		{"two days", 2 * day, 0.99},
		{"three and a half days", 3*day + 12*time.Hour, 0.99},
		{"five days", 5 * day, 0.97},
		{"ten days", 10 * day, 0.95},
		{"twenty days", 20 * day, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := accessedAgo(memAt("f", "x", now), now, tt.ago)
			assert.Equal(t, tt.want, engine.ProtectionFactor(m, now))
		})
	}

	assert.Equal(t, 1.0, engine.ProtectionFactor(memAt("f", "x", now), now))
}

// TestApplyDecayRecentlyAccessedIsStable verifies that a memory accessed
// within the last day keeps its score no matter how often decay runs.
func TestApplyDecayRecentlyAccessedIsStable(t *testing.T) {
	dm := engine.NewDecayManager(0, zerolog.Nop())
	m := accessedAgo(memAt("f", "x", baseTime), baseTime, 2*time.Hour)

	for i := 0; i < 5; i++ {
		dm.ApplyDecay(m, baseTime)
	}
	assert.Equal(t, 0.5, m.Score)
}

func TestApplyDecayByType(t *testing.T) {
	dm := engine.NewDecayManager(0, zerolog.Nop())

	fact := memAt("f", "x", baseTime)
	assert.InDelta(t, 0.5*(1-0.008*0.75), dm.ApplyDecay(fact, baseTime), 1e-12)

	belief := memAt("b", "x", baseTime)
	belief.Type = types.TypeBelief
	assert.InDelta(t, 0.5*(1-0.07*0.75), dm.ApplyDecay(belief, baseTime), 1e-12)

	summary := memAt("s", "x", baseTime)
	summary.Type = types.TypeSummary
	assert.InDelta(t, 0.5*(1-0.025*0.75), dm.ApplyDecay(summary, baseTime), 1e-12)

	important := memAt("f2", "x", baseTime)
	important.Importance = 1
	important.Score = 1
	assert.InDelta(t, 1-0.008*0.5, dm.ApplyDecay(important, baseTime), 1e-12)

	dm.SetRate(types.TypeFact, 0.5)
	assert.Equal(t, 0.5, dm.Rate(types.TypeFact))
	dm.SetRate(types.TypeFact, 1.5)
	assert.Equal(t, 0.5, dm.Rate(types.TypeFact), "out-of-range rates are ignored")
}

func TestDecayWithAccessProtection(t *testing.T) {
	dm := engine.NewDecayManager(0.05, zerolog.Nop())

	low := memAt("f_low", "x", baseTime)
	low.Score = 0.0501
	inactive := memAt("f_gone", "x", baseTime)
	inactive.Score = 0.01
	inactive.State = types.StateSuperseded
	kept := memAt("f_kept", "x", baseTime)

	archived := dm.DecayWithAccessProtection([]*types.Memory{low, inactive, kept}, baseTime)
	assert.Equal(t, []string{"f_low"}, archived)
	assert.Equal(t, 0.01, inactive.Score)
	assert.Less(t, kept.Score, 0.5)
}

func TestDecayRun(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(":memory:", sqlite.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer store.Close()

	fading := memAt("f_fading", "old trivia about the office printer", baseTime)
	fading.Score = 0.04
	fresh := accessedAgo(memAt("f_fresh", "user prefers green tea", baseTime), baseTime, time.Hour)
	normal := memAt("f_normal", "user owns a bicycle", baseTime)
	vi := indexer.NewVectorIndexer(store.Vectors(), vector.HashEmbedder{}, indexer.VectorIndexerOptions{Logger: zerolog.Nop()})
	for _, m := range []*types.Memory{fading, fresh, normal} {
		_, err := store.Insert(ctx, m)
		require.NoError(t, err)
		require.NoError(t, vi.IndexMemory(ctx, m, false))
	}

	dm := engine.NewDecayManager(0, zerolog.Nop())
	dm.SetVectorIndex(vi)
	report, err := dm.Run(ctx, store, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Decayed)
	assert.Equal(t, 1, report.Protected)
	assert.Equal(t, []string{"f_fading"}, report.Archived)

	got, err := store.Get(ctx, "f_fading")
	require.NoError(t, err)
	assert.Equal(t, types.StateDeleted, got.State)

	count, err := store.Vectors().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "archived memory leaves the vector index")
	matches, err := vi.SearchSimilar(ctx, fading.Content, 3)
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotEqual(t, "f_fading", m.ID)
	}

	got, err = store.Get(ctx, "f_fresh")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.Score, 1e-9)

	got, err = store.Get(ctx, "f_normal")
	require.NoError(t, err)
	assert.InDelta(t, 0.5*(1-0.008*0.75), got.Score, 1e-9)
}

func TestAccessBoost(t *testing.T) {
	now := baseTime

	m := memAt("f", "x", now)
	assert.Zero(t, engine.AccessBoost(m, now), "never accessed")

	m = accessedAgo(memAt("f", "x", now), now, time.Hour)
	m.RetrievalCount = 1
	want := math.Log(2.5) * (1.5 / 7) * 0.2
	assert.InDelta(t, want, engine.AccessBoost(m, now), 1e-12)

	m = accessedAgo(memAt("f", "x", now), now, 5*24*time.Hour)
	m.UsedInResponseCount = 2
	eff := 4 * (1 - 5.0/7*0.5)
	assert.InDelta(t, math.Log(eff+1)*(eff/7)*0.2, engine.AccessBoost(m, now), 1e-12)

	m = accessedAgo(memAt("f", "x", now), now, 17*24*time.Hour)
	m.UserMentionedCount = 10
	eff = 30 * math.Pow(0.9, 10) * 0.1
	assert.InDelta(t, math.Log(eff+1)*(eff/7)*0.2, engine.AccessBoost(m, now), 1e-12)

	m = accessedAgo(memAt("f", "x", now), now, time.Hour)
	m.UserMentionedCount = 100
	assert.Equal(t, 0.5, engine.AccessBoost(m, now), "boost is capped")

	assert.Equal(t, 19.0, engine.WeightedAccessCount(&types.Memory{RetrievalCount: 4, UsedInResponseCount: 3, UserMentionedCount: 3}))
}

func TestRankWithAccessBoost(t *testing.T) {
	now := baseTime
	plain := memAt("f_plain", "x", now)
	used := accessedAgo(memAt("f_used", "y", now), now, time.Hour)
	used.UserMentionedCount = 5
	weak := memAt("f_weak", "z", now)
	weak.Importance = 0.2

	ranked := engine.RankWithAccessBoost([]*types.Memory{plain, weak, nil, used}, now)
	require.Len(t, ranked, 3)
	assert.Equal(t, "f_used", ranked[0].Memory.ID)
	assert.Equal(t, "f_plain", ranked[1].Memory.ID)
	assert.Equal(t, "f_weak", ranked[2].Memory.ID)
	assert.Greater(t, ranked[0].Boost, 0.0)
	assert.InDelta(t, 0.25, ranked[1].Final, 1e-12)
}
