package storage

import (
	"errors"
	"time"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateID indicates an insert collided with an existing ID.
	ErrDuplicateID = errors.New("duplicate memory id")

	// ErrInvalidTransition indicates a state change that would move a memory
	// backwards in its lifecycle.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNoBackend indicates an operation that needs persistence was invoked
	// on a component constructed without a backend.
	ErrNoBackend = errors.New("no storage backend configured")

	// ErrClosed indicates the store has already been closed.
	ErrClosed = errors.New("store closed")
)

const (
	defaultTopK = 10
	maxTopK     = 1000
)

// SearchOptions controls text search over a backend.
type SearchOptions struct {
	// TopK is the maximum number of results (default: 10, max: 1000).
	TopK int

	// Type restricts results to one memory type. Empty means all types.
	Type types.MemoryType

	// MinImportance drops memories whose importance is below this value.
	MinImportance float64

	// IncludeInactive also returns superseded and deleted memories.
	IncludeInactive bool

	// CreatedAfter and CreatedBefore bound the creation time, inclusive.
	// Zero values leave that side open.
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// InTimeRange reports whether t satisfies the creation time bounds.
func (o SearchOptions) InTimeRange(t time.Time) bool {
	if !o.CreatedAfter.IsZero() && t.Before(o.CreatedAfter) {
		return false
	}
	if !o.CreatedBefore.IsZero() && t.After(o.CreatedBefore) {
		return false
	}
	return true
}

// Normalize applies defaults and clamps TopK.
func (o *SearchOptions) Normalize() {
	if o.TopK < 1 {
		o.TopK = defaultTopK
	}
	if o.TopK > maxTopK {
		o.TopK = maxTopK
	}
	if o.MinImportance < 0 {
		o.MinImportance = 0
	}
	if o.Type != "" && !o.Type.Valid() {
		o.Type = ""
	}
}

// SearchHit is a memory matched by a text search together with its match
// score (higher is better). Score is independent of Memory.Score.
type SearchHit struct {
	Memory *types.Memory
	Score  float64
}

// UpdateFields is a whitelisted partial update. Nil fields are left as-is.
type UpdateFields struct {
	Content            *string
	Entities           *[]string
	Metadata           map[string]interface{}
	Importance         *float64
	Confidence         *float64
	Score              *float64
	AccessBoost        *float64
	AccessCount        *int
	LastAccessedAt     *time.Time
	State              *types.State
	Superseded         *bool
	SupersededBy       *string
	Supersedes         *[]string
	ConflictsWith      *[]string
	OverrideTier       *int
	ConflictDowngraded *bool
}

// IsEmpty reports whether no field is set.
func (u UpdateFields) IsEmpty() bool {
	return u.Content == nil && u.Entities == nil && u.Metadata == nil &&
		u.Importance == nil && u.Confidence == nil && u.Score == nil &&
		u.AccessBoost == nil && u.AccessCount == nil && u.LastAccessedAt == nil &&
		u.State == nil && u.Superseded == nil && u.SupersededBy == nil &&
		u.Supersedes == nil && u.ConflictsWith == nil && u.OverrideTier == nil &&
		u.ConflictDowngraded == nil
}

// Apply copies the set fields onto m. It does not validate state transitions;
// callers check with types.IsValidStateTransition first.
func (u UpdateFields) Apply(m *types.Memory) {
	if u.Content != nil {
		m.Content = *u.Content
	}
	if u.Entities != nil {
		m.Entities = types.DedupStrings(*u.Entities)
	}
	if u.Metadata != nil {
		m.Metadata = u.Metadata
	}
	if u.Importance != nil {
		m.Importance = *u.Importance
	}
	if u.Confidence != nil {
		m.Confidence = *u.Confidence
	}
	if u.Score != nil {
		m.Score = *u.Score
	}
	if u.AccessBoost != nil {
		m.AccessBoost = *u.AccessBoost
	}
	if u.AccessCount != nil {
		m.AccessCount = *u.AccessCount
	}
	if u.LastAccessedAt != nil {
		t := *u.LastAccessedAt
		m.LastAccessedAt = &t
	}
	if u.State != nil {
		m.State = *u.State
	}
	if u.Superseded != nil {
		m.Superseded = *u.Superseded
	}
	if u.SupersededBy != nil {
		m.SupersededBy = *u.SupersededBy
	}
	if u.Supersedes != nil {
		m.Supersedes = append([]string(nil), (*u.Supersedes)...)
	}
	if u.ConflictsWith != nil {
		m.ConflictsWith = append([]string(nil), (*u.ConflictsWith)...)
	}
	if u.OverrideTier != nil {
		m.OverrideTier = *u.OverrideTier
	}
	if u.ConflictDowngraded != nil {
		m.ConflictDowngraded = *u.ConflictDowngraded
	}
}

// BackendStats summarises the content of a single-file backend.
type BackendStats struct {
	Total      int `json:"total"`
	Facts      int `json:"facts"`
	Beliefs    int `json:"beliefs"`
	Summaries  int `json:"summaries"`
	Superseded int `json:"superseded"`
	Archived   int `json:"archived"`
}

// VectorRecord is a vector plus the payload stored alongside it.
type VectorRecord struct {
	ID       string
	Vector   []float32
	Content  string
	Metadata map[string]interface{}
}

// VectorMatch is one result of a similarity search. Score is cosine
// similarity in [-1, 1].
type VectorMatch struct {
	ID       string
	Score    float64
	Content  string
	Metadata map[string]interface{}
}
