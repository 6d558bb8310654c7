package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/config"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/engine"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func memAt(id, content string, at time.Time) *types.Memory {
	return &types.Memory{
		ID:         id,
		Type:       types.TypeFact,
		Content:    content,
		Importance: 0.5,
		Confidence: 0.5,
		Score:      0.5,
		CreatedAt:  at,
		State:      types.StateActive,
	}
}

type stubArbiter struct {
	action string
	err    error
	calls  int
}

func (a *stubArbiter) Arbitrate(ctx context.Context, newContent, oldContent string) (string, error) {
	a.calls++
	return a.action, a.err
}

func TestTokenizeAndJaccard(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, engine.Tokenize("Hello, World!"))
	assert.Equal(t, []string{"cat", "sat"}, engine.Tokenize("the cat is sat"))
	assert.Equal(t, []string{"北京", "京市"}, engine.Tokenize("北京市"))

	assert.InDelta(t, 1.0, engine.Jaccard("same words here", "here same words"), 1e-9)
	assert.Zero(t, engine.Jaccard("", "anything"))
	assert.InDelta(t, 6.0/7.0, engine.Jaccard(
		"user lives in beijing chaoyang district",
		"user now lives in beijing chaoyang district"), 1e-9)
	assert.InDelta(t, 0.75, engine.Jaccard("张三住在北京市朝阳区望京街道", "张三现在住在北京市朝阳区望京街道"), 1e-9)
}

func TestOverlapRatio(t *testing.T) {
	assert.InDelta(t, 4.0/6.0, engine.OverlapRatio("张三喜欢吃苹果", "张三喜欢吃香蕉"), 1e-9)
	assert.InDelta(t, 2.0/6.0, engine.OverlapRatio("逗你的，我吃花生会过敏会死", "我最喜欢吃花生"), 1e-9)
	assert.Zero(t, engine.OverlapRatio("a", "abc"))
}

func TestConflictResolver(t *testing.T) {
	r := engine.NewConflictResolver(0)
	userMeta := map[string]interface{}{"ownership": types.OwnerUser}
	thirdMeta := map[string]interface{}{"ownership": types.OwnerThirdParty}

	tests := []struct {
		name   string
		newMem func() *types.Memory
		old    func() *types.Memory
		action engine.Action
		score  float64
	}{
		{
			name:   "much newer wins",
			newMem: func() *types.Memory { return memAt("n", "x", baseTime.AddDate(0, 0, 30)) },
			old:    func() *types.Memory { return memAt("o", "x", baseTime) },
			action: engine.ActionUpdate,
			score:  0.5,
		},
		{
			name:   "much older loses",
			newMem: func() *types.Memory { return memAt("n", "x", baseTime) },
			old:    func() *types.Memory { return memAt("o", "x", baseTime.AddDate(0, 0, 30)) },
			action: engine.ActionKeep,
			score:  -0.5,
		},
		{
			name:   "slightly newer merges",
			newMem: func() *types.Memory { return memAt("n", "x", baseTime.Add(time.Hour)) },
			old:    func() *types.Memory { return memAt("o", "x", baseTime) },
			action: engine.ActionMerge,
			score:  0.25,
		},
		{
			name: "all signals favour new",
			newMem: func() *types.Memory {
				m := memAt("n", "x", baseTime.AddDate(0, 0, 30))
				m.Confidence = 0.95
				m.Metadata = userMeta
				return m
			},
			old: func() *types.Memory {
				m := memAt("o", "x", baseTime)
				m.Confidence = 0.2
				m.Metadata = thirdMeta
				return m
			},
			action: engine.ActionUpdate,
			score:  1,
		},
		{
			name: "all signals favour old",
			newMem: func() *types.Memory {
				m := memAt("n", "x", baseTime)
				m.Confidence = 0.2
				m.Metadata = thirdMeta
				return m
			},
			old: func() *types.Memory {
				m := memAt("o", "x", baseTime.AddDate(0, 0, 30))
				m.Confidence = 0.95
				m.Metadata = userMeta
				return m
			},
			action: engine.ActionKeep,
			score:  -1,
		},
		{
			name:   "undecided",
			newMem: func() *types.Memory { return memAt("n", "x", baseTime) },
			old:    func() *types.Memory { return memAt("o", "x", baseTime) },
			action: engine.ActionMerge,
			score:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, o := tt.newMem(), tt.old()
			res := r.Resolve(n, o)
			assert.Equal(t, tt.action, res.Action)
			assert.InDelta(t, tt.score, res.Score, 1e-9)
			assert.GreaterOrEqual(t, res.Score, -1.0)
			assert.LessOrEqual(t, res.Score, 1.0)
			assert.NotEmpty(t, res.Reason)
			if tt.action == engine.ActionKeep {
				assert.Same(t, o, res.Winner)
				assert.Same(t, n, res.Loser)
			} else {
				assert.Same(t, n, res.Winner)
				assert.Same(t, o, res.Loser)
			}
		})
	}

	s := r.Stats()
	assert.Equal(t, 6, s.TotalConflicts)
	assert.Equal(t, 2, s.ResolvedByUpdate)
	assert.Equal(t, 2, s.ResolvedByKeep)
	assert.Equal(t, 2, s.ResolvedByMerge)
	assert.InDelta(t, 1.0/3.0, s.MergeRate, 1e-9)
}

func TestDecideOperation(t *testing.T) {
	ctx := context.Background()
	op := engine.NewMemoryOperator(engine.DefaultConfig(), nil, engine.OperatorOptions{Logger: zerolog.Nop()})

	t.Run("noise is noop", func(t *testing.T) {
		d := op.DecideOperation(ctx, memAt("", "5+3等于多少", baseTime), nil)
		assert.Equal(t, engine.OpNoop, d.Op)
		assert.Nil(t, d.Resolution)
	})

	t.Run("nothing stored is add", func(t *testing.T) {
		d := op.DecideOperation(ctx, memAt("", "user lives in beijing chaoyang district", baseTime), nil)
		assert.Equal(t, engine.OpAdd, d.Op)
	})

	t.Run("english state change updates", func(t *testing.T) {
		old := memAt("f_old", "user lives in beijing chaoyang district", baseTime)
		newMem := memAt("", "user now lives in beijing chaoyang district", baseTime.AddDate(0, 0, 30))
		d := op.DecideOperation(ctx, newMem, []*types.Memory{old})
		assert.Equal(t, engine.OpUpdate, d.Op)
		require.NotNil(t, d.Resolution)
		assert.Same(t, old, d.Target)
		assert.Equal(t, engine.ActionUpdate, d.Resolution.Action)
		assert.Same(t, newMem, d.Resolution.Winner)
	})

	t.Run("chinese state change updates", func(t *testing.T) {
		old := memAt("f_old", "张三住在北京市朝阳区望京街道", baseTime)
		old.Entities = []string{"张三"}
		newMem := memAt("", "张三现在住在北京市朝阳区望京街道", baseTime.AddDate(0, 0, 30))
		newMem.Entities = []string{"张三"}
		d := op.DecideOperation(ctx, newMem, []*types.Memory{old})
		assert.Equal(t, engine.OpUpdate, d.Op)
	})

	t.Run("disjoint entities skip comparison", func(t *testing.T) {
		old := memAt("f_old", "张三住在北京市朝阳区望京街道", baseTime)
		old.Entities = []string{"李四"}
		newMem := memAt("", "张三现在住在北京市朝阳区望京街道", baseTime.AddDate(0, 0, 30))
		newMem.Entities = []string{"张三"}
		assert.Equal(t, engine.OpAdd, op.DecideOperation(ctx, newMem, []*types.Memory{old}).Op)
	})

	t.Run("older statement is kept out", func(t *testing.T) {
		old := memAt("f_old", "user lives in beijing chaoyang district", baseTime.AddDate(0, 0, 30))
		newMem := memAt("", "user now lives in beijing chaoyang district", baseTime)
		d := op.DecideOperation(ctx, newMem, []*types.Memory{old})
		assert.Equal(t, engine.OpNoop, d.Op)
		require.NotNil(t, d.Resolution)
		assert.Equal(t, engine.ActionKeep, d.Resolution.Action)
	})

	t.Run("unrelated content adds", func(t *testing.T) {
		old := memAt("f_old", "user lives in beijing chaoyang district", baseTime)
		newMem := memAt("", "user enjoys hiking on weekends", baseTime.AddDate(0, 0, 30))
		assert.Equal(t, engine.OpAdd, op.DecideOperation(ctx, newMem, []*types.Memory{old}).Op)
	})
}

func TestDecideOperationArbiter(t *testing.T) {
	ctx := context.Background()
	old := memAt("f_old", "user lives in beijing chaoyang district", baseTime)
	newMem := memAt("", "user now lives in beijing chaoyang district", baseTime.AddDate(0, 0, 30))

	t.Run("verdict is used", func(t *testing.T) {
		a := &stubArbiter{action: "MERGE"}
		op := engine.NewMemoryOperator(engine.Config{}, nil, engine.OperatorOptions{
			Arbiter:      a,
			Capabilities: config.Capabilities{LLMIntegration: true},
			Logger:       zerolog.Nop(),
		})
		d := op.DecideOperation(ctx, newMem, []*types.Memory{old})
		assert.Equal(t, engine.OpAdd, d.Op)
		require.NotNil(t, d.Resolution)
		assert.Equal(t, engine.ActionMerge, d.Resolution.Action)
		assert.Equal(t, 1, op.Stats().LLMCalls)
		assert.InDelta(t, 0.5, d.Resolution.Score, 1e-9, "rule score reported next to the verdict")

		rs := op.Resolver().Stats()
		assert.Equal(t, 1, rs.TotalConflicts)
		assert.Equal(t, 1, rs.ResolvedByMerge)
	})

	t.Run("keep verdict keeps the stored memory", func(t *testing.T) {
		a := &stubArbiter{action: "KEEP"}
		op := engine.NewMemoryOperator(engine.Config{}, nil, engine.OperatorOptions{
			Arbiter:      a,
			Capabilities: config.Capabilities{LLMIntegration: true},
			Logger:       zerolog.Nop(),
		})
		d := op.DecideOperation(ctx, newMem, []*types.Memory{old})
		assert.Equal(t, engine.OpNoop, d.Op)
		require.NotNil(t, d.Resolution)
		assert.Same(t, old, d.Resolution.Winner)
		assert.Same(t, newMem, d.Resolution.Loser)
		assert.Equal(t, 1, op.Resolver().Stats().ResolvedByKeep)
	})

	t.Run("unknown verdict falls back to rules", func(t *testing.T) {
		a := &stubArbiter{action: "MAYBE"}
		op := engine.NewMemoryOperator(engine.Config{}, nil, engine.OperatorOptions{
			Arbiter:      a,
			Capabilities: config.Capabilities{LLMIntegration: true},
			Logger:       zerolog.Nop(),
		})
		d := op.DecideOperation(ctx, newMem, []*types.Memory{old})
		assert.Equal(t, engine.OpUpdate, d.Op)
		assert.Equal(t, 1, op.Resolver().Stats().ResolvedByUpdate)
	})

	t.Run("failure falls back to resolver", func(t *testing.T) {
		a := &stubArbiter{err: errors.New("unavailable")}
		op := engine.NewMemoryOperator(engine.Config{}, nil, engine.OperatorOptions{
			Arbiter:      a,
			Capabilities: config.Capabilities{LLMIntegration: true},
			Logger:       zerolog.Nop(),
		})
		d := op.DecideOperation(ctx, newMem, []*types.Memory{old})
		assert.Equal(t, engine.OpUpdate, d.Op)
		assert.Equal(t, 1, a.calls)
		assert.Equal(t, 1, op.Resolver().Stats().TotalConflicts)
	})

	t.Run("ignored without capability", func(t *testing.T) {
		a := &stubArbiter{action: "KEEP"}
		op := engine.NewMemoryOperator(engine.Config{}, nil, engine.OperatorOptions{Arbiter: a, Logger: zerolog.Nop()})
		assert.Equal(t, engine.OpUpdate, op.DecideOperation(ctx, newMem, []*types.Memory{old}).Op)
		assert.Zero(t, a.calls)
	})
}

func TestOperatorStats(t *testing.T) {
	ctx := context.Background()
	op := engine.NewMemoryOperator(engine.Config{}, nil, engine.OperatorOptions{Logger: zerolog.Nop()})
	op.DecideOperation(ctx, memAt("", "5+3等于多少", baseTime), nil)
	op.DecideOperation(ctx, memAt("", "user enjoys hiking on weekends", baseTime), nil)

	s := op.Stats()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Add)
	assert.Equal(t, 1, s.Noop)
	assert.InDelta(t, 0.5, s.NoopRate, 1e-9)

	op.ResetStats()
	assert.Zero(t, op.Stats().Total)
}

func TestExecuteResolutionWithoutBackend(t *testing.T) {
	op := engine.NewMemoryOperator(engine.Config{}, nil, engine.OperatorOptions{Logger: zerolog.Nop()})
	res := &engine.Resolution{Action: engine.ActionUpdate, Winner: memAt("a", "x", baseTime), Loser: memAt("b", "y", baseTime)}

	assert.ErrorIs(t, op.ExecuteResolution(context.Background(), res), storage.ErrNoBackend)
	assert.ErrorIs(t, op.ExecuteResolution(context.Background(), nil), storage.ErrInvalidInput)
}
