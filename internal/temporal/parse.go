// Package temporal resolves relative Chinese time expressions such as 昨天,
// 上周 or 3天前 to time ranges and runs time-bounded retrieval over a store.
package temporal

import (
	"regexp"
	"strconv"
	"time"
)

// Range is an inclusive time window.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies within r.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

const day = 24 * time.Hour

// num matches arabic digits or the small Chinese numerals people type in
// chat (三天前, 两周前, 十二个月前).
const num = `(\d+|[一二两三四五六七八九十]+)`

type pattern struct {
	re *regexp.Regexp
	// span returns the first and last day touched; n is the captured count.
	span func(now time.Time, n int) (time.Time, time.Time)
}

// patterns are tried in order; the first that matches anywhere in the
// query wins.
var patterns = []pattern{
	{regexp.MustCompile(`上次|上一次|最近一次`), func(now time.Time, _ int) (time.Time, time.Time) {
		return now.Add(-7 * day), now
	}},
	{regexp.MustCompile(`昨天|昨日`), func(now time.Time, _ int) (time.Time, time.Time) {
		return now.Add(-day), now.Add(-day)
	}},
	{regexp.MustCompile(`前天`), func(now time.Time, _ int) (time.Time, time.Time) {
		return now.Add(-2 * day), now.Add(-2 * day)
	}},
	{regexp.MustCompile(`上周|上个星期|上星期`), func(now time.Time, _ int) (time.Time, time.Time) {
		return now.Add(-7 * day), now.Add(-day)
	}},
	{regexp.MustCompile(`上个月`), func(now time.Time, _ int) (time.Time, time.Time) {
		return now.Add(-30 * day), now.Add(-day)
	}},
	{regexp.MustCompile(`上个季度`), func(now time.Time, _ int) (time.Time, time.Time) {
		return now.Add(-90 * day), now.Add(-day)
	}},
	{regexp.MustCompile(`去年`), func(now time.Time, _ int) (time.Time, time.Time) {
		return now.Add(-365 * day), now.Add(-day)
	}},
	{regexp.MustCompile(`今天|今日`), func(now time.Time, _ int) (time.Time, time.Time) {
		return now, now
	}},
	{regexp.MustCompile(`本周|这周|这个星期`), func(now time.Time, _ int) (time.Time, time.Time) {
		sinceMonday := (int(now.Weekday()) + 6) % 7
		return now.Add(-time.Duration(sinceMonday) * day), now
	}},
	{regexp.MustCompile(`本月|这个月`), func(now time.Time, _ int) (time.Time, time.Time) {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), now
	}},
	{regexp.MustCompile(num + `\s*天前`), func(now time.Time, n int) (time.Time, time.Time) {
		t := now.Add(-time.Duration(n) * day)
		return t, t
	}},
	{regexp.MustCompile(num + `\s*(?:周|个星期)前`), func(now time.Time, n int) (time.Time, time.Time) {
		t := now.Add(-time.Duration(7*n) * day)
		return t, t
	}},
	{regexp.MustCompile(num + `\s*个月前`), func(now time.Time, n int) (time.Time, time.Time) {
		t := now.Add(-time.Duration(30*n) * day)
		return t, t
	}},
	{regexp.MustCompile(num + `\s*年前`), func(now time.Time, n int) (time.Time, time.Time) {
		t := now.Add(-time.Duration(365*n) * day)
		return t, t
	}},
	{regexp.MustCompile(`最近\s*` + num + `\s*天`), func(now time.Time, n int) (time.Time, time.Time) {
		return now.Add(-time.Duration(n) * day), now
	}},
	{regexp.MustCompile(`最近\s*` + num + `\s*(?:周|个星期)`), func(now time.Time, n int) (time.Time, time.Time) {
		return now.Add(-time.Duration(7*n) * day), now
	}},
	{regexp.MustCompile(`最近\s*` + num + `\s*个月`), func(now time.Time, n int) (time.Time, time.Time) {
		return now.Add(-time.Duration(30*n) * day), now
	}},
}

// Parse finds the first time expression in query and returns the days it
// covers, from the start of the first day to the end of the last, in now's
// location. ok is false when the query has no time expression.
func Parse(query string, now time.Time) (r Range, ok bool) {
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(query)
		if m == nil {
			continue
		}
		n := 0
		if len(m) > 1 {
			v, valid := parseCount(m[1])
			if !valid {
				continue
			}
			n = v
		}
		start, end := p.span(now, n)
		return Range{Start: startOfDay(start), End: endOfDay(end)}, true
	}
	return Range{}, false
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

var digits = map[rune]int{
	'一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// parseCount reads an arabic number or a Chinese numeral below 100.
func parseCount(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, n >= 0
	}
	rs := []rune(s)
	switch {
	case len(rs) == 1 && rs[0] == '十':
		return 10, true
	case len(rs) == 1:
		n, ok := digits[rs[0]]
		return n, ok
	case len(rs) == 2 && rs[0] == '十':
		n, ok := digits[rs[1]]
		return 10 + n, ok
	case len(rs) == 2 && rs[1] == '十':
		n, ok := digits[rs[0]]
		return n * 10, ok
	case len(rs) == 3 && rs[1] == '十':
		tens, ok1 := digits[rs[0]]
		ones, ok2 := digits[rs[2]]
		return tens*10 + ones, ok1 && ok2
	}
	return 0, false
}
