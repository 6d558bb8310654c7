package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/config"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// contradictionSignals are word pairs whose presence in new content marks
// it as a correction or a change of state. Either word of a pair counts.
var contradictionSignals = [][2]string{
	{"不再", "现在"}, {"改成", "变成"}, {"搬到", "从"},
	{"不是", "其实"}, {"实际上", "之前"}, {"更正", "修正"},
	{"no longer", "now"}, {"changed to", "moved to"},
	{"actually", "not"}, {"correction", "update"},
}

// Arbiter resolves a conflict with a language model. It returns UPDATE,
// KEEP or MERGE. *llm.ConflictJudge satisfies it.
type Arbiter interface {
	Arbitrate(ctx context.Context, newContent, oldContent string) (string, error)
}

// Decision is the outcome of DecideOperation. Target is the stored memory
// the operation applies to; Resolution is set when a conflict was arbitrated.
type Decision struct {
	Op         Operation
	Target     *types.Memory
	Resolution *Resolution
}

// OperatorStats counts decisions by operation.
type OperatorStats struct {
	Total       int     `json:"total"`
	Add         int     `json:"add"`
	Update      int     `json:"update"`
	Delete      int     `json:"delete"`
	Noop        int     `json:"noop"`
	LLMCalls    int     `json:"llm_calls"`
	AddRate     float64 `json:"add_rate"`
	UpdateRate  float64 `json:"update_rate"`
	NoopRate    float64 `json:"noop_rate"`
	LLMCallRate float64 `json:"llm_call_rate"`
}

// OperatorOptions configures a MemoryOperator.
type OperatorOptions struct {
	// Backend receives resolutions from ExecuteResolution. Optional.
	Backend storage.SupersedeApplier

	// Arbiter, when set and LLM integration is available, replaces the
	// rule-based resolver for conflicts. The resolver remains the fallback.
	Arbiter      Arbiter
	Capabilities config.Capabilities

	Logger zerolog.Logger
}

// MemoryOperator decides whether a candidate memory is added, replaces an
// existing one, or is dropped.
type MemoryOperator struct {
	cfg      Config
	resolver *ConflictResolver
	backend  storage.SupersedeApplier
	arbiter  Arbiter
	useLLM   bool
	logger   zerolog.Logger

	mu    sync.Mutex
	stats OperatorStats
}

// NewMemoryOperator creates an operator. A nil resolver gets a default one.
func NewMemoryOperator(cfg Config, resolver *ConflictResolver, opts OperatorOptions) *MemoryOperator {
	cfg = cfg.withDefaults()
	if resolver == nil {
		resolver = NewConflictResolver(cfg.ContradictionWindow)
	}
	return &MemoryOperator{
		cfg:      cfg,
		resolver: resolver,
		backend:  opts.Backend,
		arbiter:  opts.Arbiter,
		useLLM:   opts.Arbiter != nil && opts.Capabilities.LLMIntegration,
		logger:   opts.Logger.With().Str("component", "memory_operator").Logger(),
	}
}

// Resolver returns the operator's conflict resolver.
func (o *MemoryOperator) Resolver() *ConflictResolver {
	return o.resolver
}

// DecideOperation compares newMem with existing memories.
//
// Obvious noise is a NOOP and an empty existing set is an ADD. Otherwise
// every existing memory that passes the entity prefilter, is more similar
// than the threshold and looks contradicted by newMem is a conflict. The
// first conflict is arbitrated: UPDATE replaces it, KEEP drops newMem and
// MERGE adds newMem alongside it.
func (o *MemoryOperator) DecideOperation(ctx context.Context, newMem *types.Memory, existing []*types.Memory) Decision {
	d := o.decide(ctx, newMem, existing)

	o.mu.Lock()
	o.stats.Total++
	switch d.Op {
	case OpAdd:
		o.stats.Add++
	case OpUpdate:
		o.stats.Update++
	case OpDelete:
		o.stats.Delete++
	case OpNoop:
		o.stats.Noop++
	}
	o.mu.Unlock()
	return d
}

func (o *MemoryOperator) decide(ctx context.Context, newMem *types.Memory, existing []*types.Memory) Decision {
	if newMem == nil || IsObviousNoise(newMem.Content, 5) {
		return Decision{Op: OpNoop}
	}
	if len(existing) == 0 {
		return Decision{Op: OpAdd}
	}

	conflicts := o.findConflicts(newMem, existing)
	if len(conflicts) == 0 {
		return Decision{Op: OpAdd}
	}

	target := conflicts[0]
	res := o.arbitrate(ctx, newMem, target)
	switch res.Action {
	case ActionUpdate:
		return Decision{Op: OpUpdate, Target: target, Resolution: &res}
	case ActionKeep:
		return Decision{Op: OpNoop, Target: target, Resolution: &res}
	default:
		return Decision{Op: OpAdd, Target: target, Resolution: &res}
	}
}

func (o *MemoryOperator) findConflicts(newMem *types.Memory, existing []*types.Memory) []*types.Memory {
	var conflicts []*types.Memory
	for _, old := range existing {
		if old == nil || old.ID == newMem.ID {
			continue
		}
		if len(newMem.Entities) > 0 && len(old.Entities) > 0 && !sharesEntity(newMem.Entities, old.Entities) {
			continue
		}
		if Jaccard(newMem.Content, old.Content) <= o.cfg.SimilarityThreshold {
			continue
		}
		if o.contradicts(newMem, old) {
			conflicts = append(conflicts, old)
		}
	}
	return conflicts
}

// contradicts reports whether newMem carries a contradiction signal or was
// stated more than the contradiction window after old.
func (o *MemoryOperator) contradicts(newMem, old *types.Memory) bool {
	content := strings.ToLower(newMem.Content)
	for _, pair := range contradictionSignals {
		if strings.Contains(content, pair[0]) || strings.Contains(content, pair[1]) {
			return true
		}
	}
	if newMem.CreatedAt.IsZero() || old.CreatedAt.IsZero() {
		return false
	}
	return newMem.CreatedAt.Sub(old.CreatedAt) > o.cfg.ContradictionWindow
}

func (o *MemoryOperator) arbitrate(ctx context.Context, newMem, old *types.Memory) Resolution {
	if !o.useLLM {
		return o.resolver.Resolve(newMem, old)
	}

	o.mu.Lock()
	o.stats.LLMCalls++
	o.mu.Unlock()

	action, err := o.arbiter.Arbitrate(ctx, newMem.Content, old.Content)
	if err != nil {
		o.logger.Warn().Err(err).Str("target", old.ID).Msg("LLM arbitration failed, using rule-based resolver")
		return o.resolver.Resolve(newMem, old)
	}
	return o.resolver.Adopt(newMem, old, Action(action), "decided by language model")
}

// ExecuteResolution persists res: UPDATE supersedes the loser, MERGE records
// the conflict on both memories and KEEP changes nothing. Without a backend
// it logs a warning and returns storage.ErrNoBackend.
func (o *MemoryOperator) ExecuteResolution(ctx context.Context, res *Resolution) error {
	if res == nil {
		return fmt.Errorf("%w: resolution is nil", storage.ErrInvalidInput)
	}
	if o.backend == nil {
		o.logger.Warn().Str("action", string(res.Action)).Msg("no backend configured, resolution not executed")
		return storage.ErrNoBackend
	}

	switch res.Action {
	case ActionKeep:
		return nil
	case ActionUpdate:
		if err := o.backend.ApplySupersede(ctx, res.Winner.ID, res.Loser.ID); err != nil {
			return fmt.Errorf("failed to apply supersede: %w", err)
		}
		return nil
	case ActionMerge:
		if err := o.backend.MarkConflict(ctx, res.Winner.ID, res.Loser.ID); err != nil {
			return fmt.Errorf("failed to record conflict: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown action %q", storage.ErrInvalidInput, res.Action)
}

// Stats returns a snapshot of the counters with rates filled in.
func (o *MemoryOperator) Stats() OperatorStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.AddRate = rate(s.Add, s.Total)
	s.UpdateRate = rate(s.Update, s.Total)
	s.NoopRate = rate(s.Noop, s.Total)
	s.LLMCallRate = rate(s.LLMCalls, s.Total)
	return s
}

// ResetStats zeroes all counters.
func (o *MemoryOperator) ResetStats() {
	o.mu.Lock()
	o.stats = OperatorStats{}
	o.mu.Unlock()
}
