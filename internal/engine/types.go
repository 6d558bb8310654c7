// Package engine decides what happens to each candidate memory.
//
// A candidate flows through the NoiseFilter, then the MemoryOperator, which
// compares it with similar stored memories and asks the ConflictResolver to
// arbitrate contradictions. The Pipeline ties these to a storage backend and
// the vector indexer. Decay, access boost and deduplication with override
// penalties live here too, since they are the other paths allowed to change
// a memory's score.
package engine

import (
	"fmt"
	"time"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// Operation is the outcome of MemoryOperator.DecideOperation.
type Operation string

const (
	OpAdd    Operation = "ADD"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpNoop   Operation = "NOOP"
)

// Action is the outcome of ConflictResolver.Resolve.
type Action string

const (
	// ActionUpdate: the new memory wins and supersedes the old one.
	ActionUpdate Action = "UPDATE"
	// ActionKeep: the old memory wins; the new one is dropped.
	ActionKeep Action = "KEEP"
	// ActionMerge: no clear winner. Both stay active.
	ActionMerge Action = "MERGE"
)

// defaultImportance and defaultConfidence apply when a candidate leaves the
// field unset.
const (
	defaultImportance = 0.5
	defaultConfidence = 0.5
)

// Candidate is a memory extracted from text that has not been stored yet.
type Candidate struct {
	Content    string
	Type       types.MemoryType
	Importance *float64
	Confidence *float64
	Entities   []string
	Metadata   map[string]interface{}

	// Timestamp is when the information was stated. Zero means now.
	Timestamp time.Time
	TTLDays   *int
}

// importance returns the candidate's importance or the default.
func (c Candidate) importance() float64 {
	if c.Importance == nil {
		return defaultImportance
	}
	return *c.Importance
}

// ToMemory converts the candidate into an unsaved memory record.
func (c Candidate) ToMemory(now time.Time) *types.Memory {
	confidence := defaultConfidence
	if c.Confidence != nil {
		confidence = *c.Confidence
	}
	created := c.Timestamp
	if created.IsZero() {
		created = now
	}
	m := &types.Memory{
		Type:       c.Type,
		Content:    c.Content,
		Importance: c.importance(),
		Confidence: confidence,
		Entities:   append([]string(nil), c.Entities...),
		CreatedAt:  created,
		TTLDays:    c.TTLDays,
		State:      types.StateActive,
	}
	if len(c.Metadata) > 0 {
		m.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			m.Metadata[k] = v
		}
	}
	m.Normalize(now)
	return m
}

// Config holds the thresholds of the decision engine.
type Config struct {
	// SimilarityThreshold is the Jaccard similarity above which two memories
	// are considered to talk about the same thing (default: 0.7).
	SimilarityThreshold float64

	// ContradictionWindow is the timestamp gap after which a similar memory
	// is treated as a state change (default: 7 days).
	ContradictionWindow time.Duration

	// CandidateLimit caps how many stored memories are compared with each
	// candidate (default: 20).
	CandidateLimit int

	// DuplicateRatio is the bigram overlap at or above which a new fact is
	// a duplicate (default: 0.6).
	DuplicateRatio float64

	// RelatedRatio is the bigram overlap at or above which an override
	// signal applies to an existing memory (default: 0.3).
	RelatedRatio float64

	// ArchiveThreshold is the score below which decay archives a memory
	// (default: 0.05).
	ArchiveThreshold float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.7,
		ContradictionWindow: 7 * 24 * time.Hour,
		CandidateLimit:      20,
		DuplicateRatio:      0.6,
		RelatedRatio:        0.3,
		ArchiveThreshold:    0.05,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SimilarityThreshold must be in (0,1], got %v", c.SimilarityThreshold)
	}

	if c.ContradictionWindow < 0 {
		return fmt.Errorf("ContradictionWindow must be >= 0, got %v", c.ContradictionWindow)
	}

	if c.CandidateLimit < 1 {
		return fmt.Errorf("CandidateLimit must be >= 1, got %d", c.CandidateLimit)
	}

	if c.RelatedRatio < 0 || c.RelatedRatio > c.DuplicateRatio || c.DuplicateRatio > 1 {
		return fmt.Errorf("ratios must satisfy 0 <= RelatedRatio <= DuplicateRatio <= 1, got %v and %v",
			c.RelatedRatio, c.DuplicateRatio)
	}

	if c.ArchiveThreshold < 0 || c.ArchiveThreshold >= 1 {
		return fmt.Errorf("ArchiveThreshold must be in [0,1), got %v", c.ArchiveThreshold)
	}

	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.ContradictionWindow == 0 {
		c.ContradictionWindow = d.ContradictionWindow
	}
	if c.CandidateLimit == 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	if c.DuplicateRatio == 0 {
		c.DuplicateRatio = d.DuplicateRatio
	}
	if c.RelatedRatio == 0 {
		c.RelatedRatio = d.RelatedRatio
	}
	if c.ArchiveThreshold == 0 {
		c.ArchiveThreshold = d.ArchiveThreshold
	}
	return c
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
