package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// Daily base decay rates per memory type. Beliefs fade fastest.
var defaultDecayRates = map[types.MemoryType]float64{
	types.TypeFact:    0.008,
	types.TypeBelief:  0.07,
	types.TypeSummary: 0.025,
}

const (
	fallbackDecayRate = 0.01

	// scoreEpsilon is the smallest score change written back to storage.
	scoreEpsilon = 1e-9
)

// DecayStore is the storage a decay run reads from and writes to.
// *sqlite.Backend and *scaled.Backend satisfy it.
type DecayStore interface {
	ActiveMemories(ctx context.Context, memType types.MemoryType) ([]*types.Memory, error)
	Update(ctx context.Context, id string, fields storage.UpdateFields) error
	Delete(ctx context.Context, id string) error
}

// VectorRemover drops vectors of memories that left the active set.
type VectorRemover interface {
	DeleteVectors(ctx context.Context, ids []string, async bool) error
}

// DecayReport summarises one decay run.
type DecayReport struct {
	Processed int      `json:"processed"`
	Decayed   int      `json:"decayed"`
	Protected int      `json:"protected"`
	Archived  []string `json:"archived"`
}

// DecayManager shrinks memory scores over time. Recently accessed memories
// decay more slowly, and those accessed within the last day not at all.
type DecayManager struct {
	rates            map[types.MemoryType]float64
	archiveThreshold float64
	vectors          VectorRemover
	logger           zerolog.Logger
}

// NewDecayManager returns a DecayManager with the default rates. Memories
// whose score falls below archiveThreshold (0.05 when zero) are archived.
func NewDecayManager(archiveThreshold float64, logger zerolog.Logger) *DecayManager {
	if archiveThreshold <= 0 {
		archiveThreshold = DefaultConfig().ArchiveThreshold
	}
	rates := make(map[types.MemoryType]float64, len(defaultDecayRates))
	for t, r := range defaultDecayRates {
		rates[t] = r
	}
	return &DecayManager{
		rates:            rates,
		archiveThreshold: archiveThreshold,
		logger:           logger.With().Str("component", "decay").Logger(),
	}
}

// SetVectorIndex makes Run remove the vectors of archived memories. The
// scaled backend does this itself on Delete and needs no remover.
func (d *DecayManager) SetVectorIndex(v VectorRemover) {
	d.vectors = v
}

// SetRate overrides the base daily rate of one memory type.
func (d *DecayManager) SetRate(t types.MemoryType, r float64) {
	if r < 0 || r >= 1 {
		return
	}
	d.rates[t] = r
}

// Rate returns the base daily decay rate for t.
func (d *DecayManager) Rate(t types.MemoryType) float64 {
	if r, ok := d.rates[t]; ok {
		return r
	}
	return fallbackDecayRate
}

// ProtectionFactor scales the decay rate by how recently mem was accessed:
// 0 within a day, 0.99 up to 3 days, 0.97 up to 7, 0.95 up to 14 and 1
// beyond that or when never accessed.
func ProtectionFactor(mem *types.Memory, now time.Time) float64 {
	if mem.LastAccessedAt == nil {
		return 1
	}
	since := now.Sub(*mem.LastAccessedAt)
	if since < 24*time.Hour {
		return 0
	}
	days := math.Floor(since.Hours() / 24)
	switch {
	case days <= 3:
		return 0.99
	case days <= 7:
		return 0.97
	case days <= 14:
		return 0.95
	}
	return 1
}

// ApplyDecay updates mem.Score for one decay step and returns the new score.
// actual = rate × (1 − importance/2) × protection; score ×= 1 − actual.
func (d *DecayManager) ApplyDecay(mem *types.Memory, now time.Time) float64 {
	score := mem.Score
	if score == 0 {
		score = mem.Importance
	}
	actual := d.Rate(mem.Type) * (1 - mem.Importance*0.5) * ProtectionFactor(mem, now)
	mem.Score = score * (1 - actual)
	return mem.Score
}

// ShouldArchive reports whether mem has decayed below the archive threshold.
func (d *DecayManager) ShouldArchive(mem *types.Memory) bool {
	return mem.Score < d.archiveThreshold
}

// DecayWithAccessProtection decays every active memory in mems in place and
// returns the IDs that fell below the archive threshold.
func (d *DecayManager) DecayWithAccessProtection(mems []*types.Memory, now time.Time) []string {
	var archived []string
	for _, m := range mems {
		if m == nil || !m.IsActive() {
			continue
		}
		d.ApplyDecay(m, now)
		if d.ShouldArchive(m) {
			archived = append(archived, m.ID)
		}
	}
	return archived
}

// Run decays all active memories in store, writes changed scores back and
// archives memories below the threshold.
func (d *DecayManager) Run(ctx context.Context, store DecayStore, now time.Time) (DecayReport, error) {
	var report DecayReport
	mems, err := store.ActiveMemories(ctx, "")
	if err != nil {
		return report, fmt.Errorf("failed to load active memories: %w", err)
	}

	for _, m := range mems {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++
		before := m.Score
		if before == 0 {
			before = m.Importance
		}
		after := d.ApplyDecay(m, now)
		if math.Abs(after-before) < scoreEpsilon {
			report.Protected++
			continue
		}
		if err := store.Update(ctx, m.ID, storage.UpdateFields{Score: &after}); err != nil {
			return report, fmt.Errorf("failed to update score of %s: %w", m.ID, err)
		}
		report.Decayed++

		if d.ShouldArchive(m) {
			if err := store.Delete(ctx, m.ID); err != nil {
				return report, fmt.Errorf("failed to archive %s: %w", m.ID, err)
			}
			report.Archived = append(report.Archived, m.ID)
		}
	}

	if d.vectors != nil && len(report.Archived) > 0 {
		if err := d.vectors.DeleteVectors(ctx, report.Archived, false); err != nil {
			d.logger.Warn().Err(err).Int("count", len(report.Archived)).Msg("failed to remove archived vectors")
		}
	}

	d.logger.Info().
		Int("processed", report.Processed).
		Int("decayed", report.Decayed).
		Int("archived", len(report.Archived)).
		Msg("decay run complete")
	return report, nil
}
