// Package storage provides the storage interfaces shared by the memory
// backends.
//
// The storage layer is built from small interfaces that backends implement
// independently: a single SQLite file, a set of time-bucketed shards, or a
// facade choosing between the two. Vector databases sit behind their own
// interface so the vector index can run against an embedded table or an
// external service.
package storage

import (
	"context"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// Backend is the durable record store.
type Backend interface {
	// Insert persists a new memory and returns its ID. An empty ID is
	// generated from the memory type, content and creation time.
	// A failed write is always returned as an error.
	Insert(ctx context.Context, mem *types.Memory) (string, error)

	// Get retrieves a memory by ID in any state.
	// Returns ErrNotFound if the memory doesn't exist.
	Get(ctx context.Context, id string) (*types.Memory, error)

	// Update applies a partial update. State changes are validated with
	// types.IsValidStateTransition and rejected with ErrInvalidTransition.
	// Returns ErrNotFound if the memory doesn't exist.
	Update(ctx context.Context, id string, fields UpdateFields) error

	// Delete soft-deletes a memory (state=2). Rows are never removed.
	// Returns ErrNotFound if the memory doesn't exist.
	Delete(ctx context.Context, id string) error

	// Search performs full-text search over active memories.
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error)

	// SearchByEntities returns active memories tagged with any of entities.
	SearchByEntities(ctx context.Context, entities []string, limit int) ([]*types.Memory, error)

	// Count returns the number of stored memories in any state.
	Count(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// AccessTracker records retrievals and usage of memories.
type AccessTracker interface {
	// UpdateAccessStats increments the counter for accessType, refreshes
	// last_accessed and recomputes the access boost.
	UpdateAccessStats(ctx context.Context, id string, accessType string) error
}

// SupersedeApplier persists the outcome of conflict resolution.
type SupersedeApplier interface {
	// ApplySupersede marks loser as superseded by winner and appends loser
	// to the winner's supersedes list in a single transaction.
	ApplySupersede(ctx context.Context, winnerID, loserID string) error

	// MarkConflict records an unresolved conflict on both memories.
	MarkConflict(ctx context.Context, aID, bID string) error
}

// VectorDB is an external vector database.
type VectorDB interface {
	// Upsert inserts or replaces the given vectors.
	Upsert(ctx context.Context, records []VectorRecord) error

	// Delete removes vectors by ID. Missing IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// Search returns up to topK nearest vectors by cosine similarity.
	// filter matches payload fields exactly; nil means no filter.
	Search(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]VectorMatch, error)

	// Count returns the number of stored vectors.
	Count(ctx context.Context) (int, error)

	// HealthCheck verifies the database is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
