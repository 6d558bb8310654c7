package engine

import (
	"math"
	"sort"
	"time"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

const (
	// Access type weights: a user mentioning a memory counts three times
	// as much as a plain retrieval.
	retrievalWeight      = 1.0
	usedInResponseWeight = 2.0
	userMentionedWeight  = 3.0

	// maxAccessBoost caps the boost multiplier.
	maxAccessBoost = 0.5

	recencyWindowDays = 7
	hotWindowDays     = 3
)

// WeightedAccessCount sums the access counters of m by type weight.
func WeightedAccessCount(m *types.Memory) float64 {
	return float64(m.RetrievalCount)*retrievalWeight +
		float64(m.UsedInResponseCount)*usedInResponseWeight +
		float64(m.UserMentionedCount)*userMentionedWeight
}

// AccessBoost returns the ranking boost earned by recent use of m, in
// [0, 0.5]. Within a week of the last access the weighted count fades
// linearly to half, with a 1.5x bonus in the first three days; after a
// week it fades by 10% per day from a tenth of its value.
func AccessBoost(m *types.Memory, now time.Time) float64 {
	weighted := WeightedAccessCount(m)
	if weighted == 0 || m.LastAccessedAt == nil {
		return 0
	}
	days := math.Floor(now.Sub(*m.LastAccessedAt).Hours() / 24)
	if days < 0 {
		days = 0
	}

	var effective float64
	if days <= recencyWindowDays {
		effective = weighted * (1 - days/recencyWindowDays*0.5)
		if days <= hotWindowDays {
			effective *= 1.5
		}
	} else {
		effective = weighted * math.Pow(0.9, days-recencyWindowDays) * 0.1
	}

	boost := math.Log(effective+1) * (effective / 7) * 0.2
	return math.Min(boost, maxAccessBoost)
}

// Ranked is a memory with its boosted ranking score.
type Ranked struct {
	Memory *types.Memory `json:"memory"`
	Boost  float64       `json:"access_boost"`
	Final  float64       `json:"final_score"`
}

// RankWithAccessBoost orders mems by importance × confidence × (1 + boost),
// best first. A zero confidence is treated as unknown and ignored.
func RankWithAccessBoost(mems []*types.Memory, now time.Time) []Ranked {
	out := make([]Ranked, 0, len(mems))
	for _, m := range mems {
		if m == nil {
			continue
		}
		base := m.Importance
		if m.Confidence > 0 {
			base *= m.Confidence
		}
		boost := AccessBoost(m, now)
		out = append(out, Ranked{Memory: m, Boost: boost, Final: base * (1 + boost)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Final > out[j].Final
	})
	return out
}
