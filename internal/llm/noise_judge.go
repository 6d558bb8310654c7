package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// NoiseVerdict is the judge's answer for one candidate memory.
type NoiseVerdict struct {
	Noise  bool   `json:"noise"`
	Reason string `json:"reason"`
}

// NoiseJudge asks a TextGenerator whether a candidate memory is worth
// keeping long term.
type NoiseJudge struct {
	gen TextGenerator
}

// NewNoiseJudge wraps gen.
func NewNoiseJudge(gen TextGenerator) *NoiseJudge {
	return &NoiseJudge{gen: gen}
}

// NoisePrompt builds the judging prompt. The model must reply with a single
// JSON object.
func NoisePrompt(content string) string {
	var sb strings.Builder
	sb.WriteString("You decide whether a sentence from a conversation should be stored as a long-term memory about the user.\n")
	sb.WriteString("Noise: small talk, greetings, acknowledgements, one-off tool requests (math, weather, translation, timers), ")
	sb.WriteString("questions with no personal information, and content unrelated to the user.\n")
	sb.WriteString("Not noise: stable facts, preferences, beliefs, plans or relationships of the user.\n\n")
	sb.WriteString("Reply with JSON only: {\"noise\": true|false, \"reason\": \"short reason\"}\n\n")
	sb.WriteString("Sentence: ")
	sb.WriteString(content)
	return sb.String()
}

// IsNoise returns the verdict for content. Model or parse failures are
// returned as errors so the caller can decide to keep the memory.
func (j *NoiseJudge) IsNoise(ctx context.Context, content string) (bool, error) {
	v, err := j.Judge(ctx, content)
	if err != nil {
		return false, err
	}
	return v.Noise, nil
}

// Judge returns the full verdict.
func (j *NoiseJudge) Judge(ctx context.Context, content string) (NoiseVerdict, error) {
	out, err := j.gen.Complete(ctx, NoisePrompt(content))
	if err != nil {
		return NoiseVerdict{}, fmt.Errorf("noise judge: %w", err)
	}
	return ParseNoiseVerdict(out)
}

// ParseNoiseVerdict reads the first JSON object in a model reply. Models
// often wrap JSON in markdown fences or add prose around it.
func ParseNoiseVerdict(reply string) (NoiseVerdict, error) {
	var v NoiseVerdict
	if err := json.Unmarshal([]byte(extractJSON(reply)), &v); err != nil {
		return NoiseVerdict{}, fmt.Errorf("failed to parse noise verdict: %w", err)
	}
	return v, nil
}

// extractJSON returns the first balanced {...} object in text, or text
// unchanged when there is none.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escape:
			escape = false
		case ch == '\\':
			escape = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text
}
