package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// Resolver weights. They sum to 1 so the combined score stays in [-1,1].
const (
	weightTime       = 0.5
	weightConfidence = 0.3
	weightSource     = 0.2

	// decisionMargin separates UPDATE and KEEP from MERGE.
	decisionMargin = 0.3
)

// Resolution is the verdict on two conflicting memories.
type Resolution struct {
	Action Action
	Winner *types.Memory
	Loser  *types.Memory
	Score  float64
	Reason string
}

// ResolverStats counts resolutions by action.
type ResolverStats struct {
	TotalConflicts   int     `json:"total_conflicts"`
	ResolvedByUpdate int     `json:"resolved_by_update"`
	ResolvedByKeep   int     `json:"resolved_by_keep"`
	ResolvedByMerge  int     `json:"resolved_by_merge"`
	UpdateRate       float64 `json:"update_rate"`
	KeepRate         float64 `json:"keep_rate"`
	MergeRate        float64 `json:"merge_rate"`
}

// ConflictResolver scores a new memory against an old one on recency,
// confidence and source reliability.
type ConflictResolver struct {
	window time.Duration

	mu    sync.Mutex
	stats ResolverStats
}

// NewConflictResolver returns a resolver whose strong-recency window is
// window (7 days when zero).
func NewConflictResolver(window time.Duration) *ConflictResolver {
	if window <= 0 {
		window = DefaultConfig().ContradictionWindow
	}
	return &ConflictResolver{window: window}
}

// Resolve decides between newMem and old. A score above the margin favours
// the new memory (UPDATE), below the negative margin the old one (KEEP),
// anything between is a MERGE with newMem reported as winner.
func (r *ConflictResolver) Resolve(newMem, old *types.Memory) Resolution {
	score, reason := r.Score(newMem, old)
	action := ActionMerge
	switch {
	case score > decisionMargin:
		action = ActionUpdate
	case score < -decisionMargin:
		action = ActionKeep
	}
	return r.record(newMem, old, action, score, reason)
}

// Adopt records a verdict reached elsewhere, such as by a language model,
// as if the resolver had made it. The rule score is still computed and
// reported so resolutions stay comparable. An unknown action falls back to
// Resolve.
func (r *ConflictResolver) Adopt(newMem, old *types.Memory, action Action, reason string) Resolution {
	switch action {
	case ActionUpdate, ActionKeep, ActionMerge:
	default:
		return r.Resolve(newMem, old)
	}
	score, _ := r.Score(newMem, old)
	return r.record(newMem, old, action, score, reason)
}

// Score returns the weighted recency, confidence and source comparison of
// newMem against old, in [-1,1], with a readable explanation.
func (r *ConflictResolver) Score(newMem, old *types.Memory) (float64, string) {
	ts := r.compareTime(newMem, old)
	cs := compareConfidence(newMem, old)
	ss := compareSource(newMem, old)
	return ts*weightTime + cs*weightConfidence + ss*weightSource, explain(ts, cs, ss)
}

// record orients winner and loser for action and counts it.
func (r *ConflictResolver) record(newMem, old *types.Memory, action Action, score float64, reason string) Resolution {
	res := Resolution{Action: action, Winner: newMem, Loser: old, Score: score, Reason: reason}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalConflicts++
	switch action {
	case ActionUpdate:
		r.stats.ResolvedByUpdate++
	case ActionKeep:
		res.Winner, res.Loser = old, newMem
		r.stats.ResolvedByKeep++
	case ActionMerge:
		r.stats.ResolvedByMerge++
	}
	return res
}

// compareTime returns +1 when newMem is more than the window newer, +0.5
// when newer, and the mirror values when older. Equal or missing
// timestamps score 0.
func (r *ConflictResolver) compareTime(newMem, old *types.Memory) float64 {
	if newMem.CreatedAt.IsZero() || old.CreatedAt.IsZero() {
		return 0
	}
	d := newMem.CreatedAt.Sub(old.CreatedAt)
	switch {
	case d > r.window:
		return 1
	case d > 0:
		return 0.5
	case d < -r.window:
		return -1
	case d < 0:
		return -0.5
	}
	return 0
}

func compareConfidence(newMem, old *types.Memory) float64 {
	diff := newMem.Confidence - old.Confidence
	switch {
	case diff > 0.3:
		return 1
	case diff > 0.1:
		return 0.5
	case diff < -0.3:
		return -1
	case diff < -0.1:
		return -0.5
	}
	return 0
}

func compareSource(newMem, old *types.Memory) float64 {
	diff := types.SourceRank(newMem.Ownership()) - types.SourceRank(old.Ownership())
	switch {
	case diff > 0:
		return 1
	case diff < 0:
		return -1
	}
	return 0
}

func explain(ts, cs, ss float64) string {
	var reasons []string
	if ts > 0 {
		reasons = append(reasons, "new memory is more recent")
	} else if ts < 0 {
		reasons = append(reasons, "old memory is more recent")
	}
	if cs > 0 {
		reasons = append(reasons, "new memory has higher confidence")
	} else if cs < 0 {
		reasons = append(reasons, "old memory has higher confidence")
	}
	if ss > 0 {
		reasons = append(reasons, "new memory has a more reliable source")
	} else if ss < 0 {
		reasons = append(reasons, "old memory has a more reliable source")
	}
	if len(reasons) == 0 {
		return "undecided, keeping both memories"
	}
	return strings.Join(reasons, "; ")
}

// Stats returns a snapshot of the counters with rates filled in.
func (r *ConflictResolver) Stats() ResolverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.UpdateRate = rate(s.ResolvedByUpdate, s.TotalConflicts)
	s.KeepRate = rate(s.ResolvedByKeep, s.TotalConflicts)
	s.MergeRate = rate(s.ResolvedByMerge, s.TotalConflicts)
	return s
}
