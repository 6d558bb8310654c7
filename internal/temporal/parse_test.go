package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday afternoon.
var now = time.Date(2026, 3, 11, 15, 30, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParse(t *testing.T) {
	tests := []struct {
		query      string
		start, end time.Time
	}{
		{"我今天说了什么", date(2026, 3, 11), date(2026, 3, 11)},
		{"昨天吃了什么", date(2026, 3, 10), date(2026, 3, 10)},
		{"前天的会议", date(2026, 3, 9), date(2026, 3, 9)},
		{"上周讨论的方案", date(2026, 3, 4), date(2026, 3, 10)},
		{"上个星期", date(2026, 3, 4), date(2026, 3, 10)},
		{"本周的安排", date(2026, 3, 9), date(2026, 3, 11)},
		{"这个月", date(2026, 3, 1), date(2026, 3, 11)},
		{"上个月的账单", date(2026, 2, 9), date(2026, 3, 10)},
		{"上个季度", date(2025, 12, 11), date(2026, 3, 10)},
		{"去年", date(2025, 3, 11), date(2026, 3, 10)},
		{"上次说的", date(2026, 3, 4), date(2026, 3, 11)},
		{"3天前", date(2026, 3, 8), date(2026, 3, 8)},
		{"三天前", date(2026, 3, 8), date(2026, 3, 8)},
		{"二十一天前", date(2026, 2, 18), date(2026, 2, 18)},
		{"两周前", date(2026, 2, 25), date(2026, 2, 25)},
		{"2个星期前", date(2026, 2, 25), date(2026, 2, 25)},
		{"十二个月前", date(2025, 3, 16), date(2025, 3, 16)},
		{"1年前", date(2025, 3, 11), date(2025, 3, 11)},
		{"最近7天", date(2026, 3, 4), date(2026, 3, 11)},
		{"最近 2 周", date(2026, 2, 25), date(2026, 3, 11)},
		{"最近两个月", date(2026, 1, 10), date(2026, 3, 11)},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r, ok := Parse(tt.query, now)
			require.True(t, ok)
			assert.Equal(t, tt.start, r.Start)
			assert.Equal(t, tt.end.AddDate(0, 0, 1).Add(-time.Nanosecond), r.End)
		})
	}
}

func TestParseNoExpression(t *testing.T) {
	for _, q := range []string{"", "杭州出差", "天气不错", "百天前"} {
		_, ok := Parse(q, now)
		assert.False(t, ok, q)
	}
}

func TestParseKeepsLocation(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)
	late := time.Date(2026, 3, 11, 23, 30, 0, 0, shanghai)
	r, ok := Parse("今天", late)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, shanghai), r.Start)
	assert.True(t, r.Contains(late))
	assert.False(t, r.Contains(late.Add(time.Hour)))
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"7", 7, true},
		{"两", 2, true},
		{"十", 10, true},
		{"十五", 15, true},
		{"三十", 30, true},
		{"九十九", 99, true},
		{"一一", 0, false},
		{"十十十", 0, false},
	}
	for _, tt := range tests {
		n, ok := parseCount(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, n, tt.in)
		}
	}
}
