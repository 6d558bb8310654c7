package engine

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/config"
)

// Rule tables. Matching is case-insensitive and unanchored unless the
// pattern says otherwise.
var (
	noisePatterns = compileAll(
		// arithmetic
		`\d+\s*[\+\-\*/]\s*\d+`,
		`等于多少`,
		`计算.*结果`,
		// unit conversion
		`\d+\s*(米|厘米|千克|克|斤|公里|英里)`,
		`多少(米|厘米|千克|克)`,
		`换算`,
		// time
		`现在几点`,
		`今天.*号`,
		`星期几`,
		`what time`,
		// weather
		`今天天气`,
		`明天.*天气`,
		`weather`,
		// one-off instructions
		`帮我搜索`,
		`帮我查`,
		`search for`,
		`google`,
		// translation
		`翻译[:：]`,
		`translate`,
		`用.*语.*说`,
		// timers and reminders
		`定时\d+分钟`,
		`提醒我`,
		`set.*timer`,
		`remind me`,
		// trivia
		`^what is \d+`,
		`^who is`,
		`^where is`,
		`^when is`,
	)

	noiseKeywords = []string{
		"计算器", "搜索", "查询", "帮我找",
		"翻译", "定时", "闹钟", "提醒",
		"单位换算", "多少钱", "怎么走",
		"路线", "导航", "地图",
		"什么意思", "怎么读", "怎么写",
		"拼音", "英文", "中文",
	}

	conversationPatterns = compileAll(
		`^(你好|hi|hello|嗨)`,
		`^(谢谢|thanks|thank you)`,
		`^(再见|bye|goodbye)`,
		`^(好的|ok|okay|行)`,
		`^(是的|对|没错|yes)`,
		`^(不是|不对|no)`,
		`^(嗯|啊|哦)`,
		`^(哈哈|呵呵|笑死)`,
		`^(😂|😄|😊|👍)`,
	)

	// Academic and coding questions asked in passing.
	distractionPatterns = compileAll(
		`求解.*方程`,
		`证明.*定理`,
		`计算.*积分`,
		`写.*代码`,
		`实现.*函数`,
		`debug`,
		`解释.*概念`,
		`什么是.*理论`,
		`.*的定义`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

func matchAny(text string, res []*regexp.Regexp) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ruleHit identifies which rule table rejected a text.
type ruleHit int

const (
	hitNone ruleHit = iota
	hitPattern
	hitKeyword
	hitConversation
)

// matchRules runs the rule tables in order: noise patterns, keywords,
// conversational filler, then distraction patterns (reported as patterns).
func matchRules(content string) ruleHit {
	switch {
	case matchAny(content, noisePatterns):
		return hitPattern
	case containsAny(strings.ToLower(content), noiseKeywords):
		return hitKeyword
	case matchAny(content, conversationPatterns):
		return hitConversation
	case matchAny(content, distractionPatterns):
		return hitPattern
	}
	return hitNone
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// IsObviousNoise reports whether content is rejected by the rule tables or
// is shorter than minLength runes. It keeps no statistics.
func IsObviousNoise(content string, minLength int) bool {
	content = strings.TrimSpace(content)
	if matchRules(content) != hitNone {
		return true
	}
	return utf8.RuneCountInString(content) < minLength
}

// NoiseJudge asks a language model whether content is worth remembering.
// *llm.NoiseJudge satisfies it.
type NoiseJudge interface {
	IsNoise(ctx context.Context, content string) (bool, error)
}

// FilterContext describes the conversation a candidate came from.
type FilterContext struct {
	ConversationType string
	SessionState     string
	TurnCount        int
}

// NoiseFilterOptions configures a NoiseFilter.
type NoiseFilterOptions struct {
	// Strict enables the entity rule and the LLM judge.
	Strict bool

	MinLength     int     // default 5
	MinImportance float64 // default 0.2

	Judge        NoiseJudge
	Capabilities config.Capabilities
	Logger       zerolog.Logger
}

// NoiseStats counts filter decisions.
type NoiseStats struct {
	Total          int     `json:"total"`
	Filtered       int     `json:"filtered"`
	ByPattern      int     `json:"by_pattern"`
	ByKeyword      int     `json:"by_keyword"`
	ByLength       int     `json:"by_length"`
	ByImportance   int     `json:"by_importance"`
	ByEntity       int     `json:"by_entity"`
	ByConversation int     `json:"by_conversation"`
	ByLLM          int     `json:"by_llm"`
	FilterRate     float64 `json:"filter_rate"`
	RetentionRate  float64 `json:"retention_rate"`
}

// NoiseFilter rejects trivial candidates before they reach storage.
// It is safe for concurrent use.
type NoiseFilter struct {
	opts   NoiseFilterOptions
	logger zerolog.Logger

	mu    sync.Mutex
	stats NoiseStats
}

// NewNoiseFilter creates a filter. Zero thresholds take their defaults.
func NewNoiseFilter(opts NoiseFilterOptions) *NoiseFilter {
	if opts.MinLength <= 0 {
		opts.MinLength = 5
	}
	if opts.MinImportance <= 0 {
		opts.MinImportance = 0.2
	}
	f := &NoiseFilter{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "noise_filter").Logger(),
	}
	if opts.Strict && opts.Judge != nil && !opts.Capabilities.LLMIntegration {
		f.logger.Warn().Msg("LLM integration unavailable, noise judge disabled")
	}
	return f
}

// IsNoise reports whether c should be discarded. fc may be nil.
func (f *NoiseFilter) IsNoise(ctx context.Context, c Candidate, fc *FilterContext) bool {
	content := strings.TrimSpace(c.Content)
	importance := c.importance()

	f.mu.Lock()
	f.stats.Total++
	counter := f.classify(content, importance, len(c.Entities), fc)
	if counter != nil {
		*counter++
		f.stats.Filtered++
	}
	f.mu.Unlock()
	if counter != nil {
		return true
	}

	if f.opts.Strict && f.opts.Judge != nil && f.opts.Capabilities.LLMIntegration {
		noise, err := f.opts.Judge.IsNoise(ctx, content)
		if err != nil {
			f.logger.Warn().Err(err).Msg("noise judge failed, keeping memory")
			return false
		}
		if noise {
			f.mu.Lock()
			f.stats.ByLLM++
			f.stats.Filtered++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

// classify returns the counter of the first rule that rejects the
// candidate, or nil. Callers hold f.mu.
func (f *NoiseFilter) classify(content string, importance float64, entities int, fc *FilterContext) *int {
	switch matchRules(content) {
	case hitPattern:
		return &f.stats.ByPattern
	case hitKeyword:
		return &f.stats.ByKeyword
	case hitConversation:
		return &f.stats.ByConversation
	}

	if utf8.RuneCountInString(content) < f.opts.MinLength {
		return &f.stats.ByLength
	}
	if importance < f.opts.MinImportance {
		return &f.stats.ByImportance
	}
	if f.opts.Strict && entities == 0 && importance < 0.5 {
		return &f.stats.ByEntity
	}

	if fc != nil {
		switch fc.ConversationType {
		case "greeting", "farewell", "acknowledgment":
			return &f.stats.ByConversation
		}
		if fc.SessionState == "idle" && importance < 0.3 {
			return &f.stats.ByConversation
		}
	}
	return nil
}

// FilterBatch returns the candidates that are not noise, in order.
func (f *NoiseFilter) FilterBatch(ctx context.Context, cs []Candidate, fc *FilterContext) []Candidate {
	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		if !f.IsNoise(ctx, c, fc) {
			out = append(out, c)
		}
	}
	return out
}

// Stats returns a snapshot of the counters with rates filled in.
func (f *NoiseFilter) Stats() NoiseStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	if s.Total > 0 {
		s.FilterRate = rate(s.Filtered, s.Total)
		s.RetentionRate = 1 - s.FilterRate
	}
	return s
}

// ResetStats zeroes all counters.
func (f *NoiseFilter) ResetStats() {
	f.mu.Lock()
	f.stats = NoiseStats{}
	f.mu.Unlock()
}
