package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var stopwords = map[string]struct{}{
	"的": {}, "了": {}, "在": {}, "是": {}, "我": {}, "你": {}, "他": {}, "她": {}, "它": {},
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
}

// Tokenize lowercases text, replaces punctuation with spaces and splits on
// whitespace. Runs of Han characters are further split into overlapping
// bigrams, since unsegmented Chinese would otherwise yield one token per
// sentence. Stopwords and single-rune tokens are dropped.
func Tokenize(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, text)

	var out []string
	keep := func(tok string) {
		if utf8.RuneCountInString(tok) <= 1 {
			return
		}
		if _, stop := stopwords[tok]; stop {
			return
		}
		out = append(out, tok)
	}
	for _, field := range strings.Fields(cleaned) {
		for _, run := range splitHan(field) {
			if !run.han {
				keep(run.text)
				continue
			}
			runes := []rune(run.text)
			if len(runes) < 2 {
				keep(run.text)
				continue
			}
			for i := 0; i+1 < len(runes); i++ {
				keep(string(runes[i : i+2]))
			}
		}
	}
	return out
}

type textRun struct {
	text string
	han  bool
}

// splitHan splits s into alternating Han and non-Han runs.
func splitHan(s string) []textRun {
	var runs []textRun
	var b strings.Builder
	cur := false
	for i, r := range s {
		h := unicode.Is(unicode.Han, r)
		if i > 0 && h != cur && b.Len() > 0 {
			runs = append(runs, textRun{text: b.String(), han: cur})
			b.Reset()
		}
		cur = h
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		runs = append(runs, textRun{text: b.String(), han: cur})
	}
	return runs
}

// Jaccard returns |A∩B| / |A∪B| over the token sets of a and b, or 0 when
// either side has no tokens.
func Jaccard(a, b string) float64 {
	sa, sb := toSet(Tokenize(a)), toSet(Tokenize(b))
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(sa)+len(sb)-inter)
}

// CharBigrams returns the set of adjacent rune pairs of s after dropping
// whitespace and punctuation.
func CharBigrams(s string) map[string]struct{} {
	var runes []rune
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		runes = append(runes, r)
	}
	set := make(map[string]struct{}, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

// OverlapRatio is the number of shared character bigrams divided by the
// size of the smaller bigram set. Texts shorter than two runes score 0.
func OverlapRatio(a, b string) float64 {
	ba, bb := CharBigrams(a), CharBigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	inter := 0
	for g := range ba {
		if _, ok := bb[g]; ok {
			inter++
		}
	}
	return float64(inter) / float64(min(len(ba), len(bb)))
}

// sharesEntity reports whether a and b have at least one entity in common.
func sharesEntity(a, b []string) bool {
	set := toSet(a)
	for _, e := range b {
		if _, ok := set[e]; ok {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}
