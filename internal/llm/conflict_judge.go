package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ConflictVerdict is the model's decision on two contradicting memories.
type ConflictVerdict struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// ConflictJudge asks a TextGenerator which of two contradicting memories
// should survive.
type ConflictJudge struct {
	gen TextGenerator
}

// NewConflictJudge wraps gen.
func NewConflictJudge(gen TextGenerator) *ConflictJudge {
	return &ConflictJudge{gen: gen}
}

// ConflictPrompt builds the arbitration prompt.
func ConflictPrompt(newContent, oldContent string) string {
	var sb strings.Builder
	sb.WriteString("Two memories about the user contradict each other.\n")
	sb.WriteString("UPDATE: the new memory replaces the old one.\n")
	sb.WriteString("KEEP: the old memory is still correct and the new one should be dropped.\n")
	sb.WriteString("MERGE: both may be true, keep both.\n\n")
	sb.WriteString("Reply with JSON only: {\"action\": \"UPDATE|KEEP|MERGE\", \"reason\": \"short reason\"}\n\n")
	sb.WriteString("Old memory: ")
	sb.WriteString(oldContent)
	sb.WriteString("\nNew memory: ")
	sb.WriteString(newContent)
	return sb.String()
}

// Arbitrate returns UPDATE, KEEP or MERGE.
func (j *ConflictJudge) Arbitrate(ctx context.Context, newContent, oldContent string) (string, error) {
	out, err := j.gen.Complete(ctx, ConflictPrompt(newContent, oldContent))
	if err != nil {
		return "", fmt.Errorf("conflict judge: %w", err)
	}
	v, err := ParseConflictVerdict(out)
	if err != nil {
		return "", err
	}
	return v.Action, nil
}

// ParseConflictVerdict reads the verdict from a model reply and normalizes
// the action to upper case.
func ParseConflictVerdict(reply string) (ConflictVerdict, error) {
	var v ConflictVerdict
	if err := json.Unmarshal([]byte(extractJSON(reply)), &v); err != nil {
		return ConflictVerdict{}, fmt.Errorf("failed to parse conflict verdict: %w", err)
	}
	v.Action = strings.ToUpper(strings.TrimSpace(v.Action))
	switch v.Action {
	case "UPDATE", "KEEP", "MERGE":
		return v, nil
	}
	return ConflictVerdict{}, fmt.Errorf("unknown conflict action %q", v.Action)
}
