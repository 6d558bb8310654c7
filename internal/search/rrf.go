package search

import "math"

// DefaultRRFK is the rank smoothing constant of reciprocal rank fusion.
const DefaultRRFK = 60

// RRFMerge fuses ranked lists by summing 1/(k+rank) per id, rank starting
// at 1, and returns the top n. The first occurrence of an id supplies its
// fields; Score is replaced by the fused score rounded to six places.
func RRFMerge(lists [][]Result, k, n int) []Result {
	if k <= 0 {
		k = DefaultRRFK
	}
	scores := make(map[string]float64)
	first := make(map[string]Result)
	sources := make(map[string]string)
	for _, list := range lists {
		for i, r := range list {
			scores[r.ID] += 1.0 / float64(k+i+1)
			if _, ok := first[r.ID]; !ok {
				first[r.ID] = r
				sources[r.ID] = r.Source
			} else {
				prev := first[r.ID]
				prev.KeywordScore = math.Max(prev.KeywordScore, r.KeywordScore)
				prev.VectorScore = math.Max(prev.VectorScore, r.VectorScore)
				first[r.ID] = prev
				if sources[r.ID] != r.Source {
					sources[r.ID] = SourceHybrid
				}
			}
		}
	}

	out := make([]Result, 0, len(scores))
	for id, s := range scores {
		r := first[id]
		r.Score = math.Round(s*1e6) / 1e6
		r.Source = sources[id]
		out = append(out, r)
	}
	sortResults(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
