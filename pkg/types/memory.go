package types

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MemoryType is the category of a memory. Each type decays at its own rate
// and never changes after creation.
type MemoryType string

const (
	TypeFact    MemoryType = "fact"
	TypeBelief  MemoryType = "belief"
	TypeSummary MemoryType = "summary"
)

// ValidMemoryTypes lists every accepted memory type.
var ValidMemoryTypes = []MemoryType{TypeFact, TypeBelief, TypeSummary}

// Valid reports whether t is one of the known memory types.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeFact, TypeBelief, TypeSummary:
		return true
	}
	return false
}

// Prefix returns the single-letter ID prefix for the type.
func (t MemoryType) Prefix() string {
	switch t {
	case TypeBelief:
		return "b"
	case TypeSummary:
		return "s"
	default:
		return "f"
	}
}

// ParseMemoryType converts a string into a MemoryType. Plural forms
// ("facts", "beliefs", "summaries") are accepted.
func ParseMemoryType(s string) (MemoryType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fact", "facts", "":
		return TypeFact, nil
	case "belief", "beliefs":
		return TypeBelief, nil
	case "summary", "summaries":
		return TypeSummary, nil
	}
	return "", fmt.Errorf("unknown memory type %q", s)
}

// TypeFromID derives the memory type from an ID prefix.
func TypeFromID(id string) MemoryType {
	switch {
	case strings.HasPrefix(id, "b_"):
		return TypeBelief
	case strings.HasPrefix(id, "s_"):
		return TypeSummary
	default:
		return TypeFact
	}
}

// Ownership values used for source reliability ranking.
const (
	OwnerUser       = "user"
	OwnerAssistant  = "assistant"
	OwnerThirdParty = "third_party"
)

// SourceRank returns the reliability rank of an ownership value.
// Unknown values rank as assistant.
func SourceRank(owner string) int {
	switch owner {
	case OwnerUser:
		return 3
	case OwnerThirdParty:
		return 1
	default:
		return 2
	}
}

// Access types recorded by UpdateAccessStats.
const (
	AccessRetrieval      = "retrieval"
	AccessUsedInResponse = "used_in_response"
	AccessUserMentioned  = "user_mentioned"
)

// Memory is a single long-term memory record.
type Memory struct {
	ID         string                 `json:"id"`
	Type       MemoryType             `json:"type"`
	Content    string                 `json:"content"`
	Importance float64                `json:"importance"`
	Confidence float64                `json:"confidence"`
	Score      float64                `json:"score"`
	Entities   []string               `json:"entities,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed,omitempty"`

	// Access statistics feeding access boost and decay protection.
	AccessCount         int     `json:"access_count"`
	RetrievalCount      int     `json:"retrieval_count"`
	UsedInResponseCount int     `json:"used_in_response_count"`
	UserMentionedCount  int     `json:"user_mentioned_count"`
	AccessBoost         float64 `json:"access_boost"`

	// Lineage produced by conflict resolution.
	Superseded    bool     `json:"superseded"`
	SupersededBy  string   `json:"superseded_by,omitempty"`
	Supersedes    []string `json:"supersedes,omitempty"`
	ConflictsWith []string `json:"conflicts_with,omitempty"`

	// Override penalties applied by deduplication.
	OverrideTier       int  `json:"override_tier,omitempty"`
	ConflictDowngraded bool `json:"conflict_downgraded,omitempty"`

	TTLDays      *int       `json:"ttl_days,omitempty"`
	AutoDeleteAt *time.Time `json:"auto_delete_at,omitempty"`

	State State `json:"state"`
}

// Ownership returns the ownership recorded in metadata ("ownership" key,
// falling back to "source"). Empty when neither is set.
func (m *Memory) Ownership() string {
	if m.Metadata == nil {
		return ""
	}
	for _, key := range []string{"ownership", "source"} {
		if v, ok := m.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// IsActive reports whether the memory is in the active state.
func (m *Memory) IsActive() bool {
	return m.State == StateActive
}

// Clone returns a deep copy of m.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	c := *m
	c.Entities = append([]string(nil), m.Entities...)
	c.Supersedes = append([]string(nil), m.Supersedes...)
	c.ConflictsWith = append([]string(nil), m.ConflictsWith...)
	if m.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.LastAccessedAt != nil {
		t := *m.LastAccessedAt
		c.LastAccessedAt = &t
	}
	if m.AutoDeleteAt != nil {
		t := *m.AutoDeleteAt
		c.AutoDeleteAt = &t
	}
	if m.TTLDays != nil {
		d := *m.TTLDays
		c.TTLDays = &d
	}
	return &c
}

// Normalize fills defaults for a freshly ingested record: type, timestamps,
// clamped importance/confidence, initial score and a de-duplicated entity
// list. It never touches ID or State.
func (m *Memory) Normalize(now time.Time) {
	if !m.Type.Valid() {
		m.Type = TypeFact
	}
	m.Importance = clamp01(m.Importance)
	m.Confidence = clamp01(m.Confidence)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Score == 0 {
		m.Score = m.Importance
	}
	m.Score = clamp01(m.Score)
	m.Entities = DedupStrings(m.Entities)
}

// GenerateID builds an ID of the form <prefix>_<YYYYMMDD>_<hash>, where hash
// is the first six hex digits of MD5(content + creation timestamp).
func GenerateID(t MemoryType, content string, createdAt time.Time) string {
	sum := md5.Sum([]byte(content + createdAt.UTC().Format(time.RFC3339Nano)))
	return fmt.Sprintf("%s_%s_%s", t.Prefix(), createdAt.UTC().Format("20060102"), hex.EncodeToString(sum[:])[:6])
}

// DedupStrings removes empty and repeated values while keeping order.
func DedupStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
