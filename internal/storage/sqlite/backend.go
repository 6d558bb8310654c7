// Package sqlite implements the single-file memory store on SQLite.
//
// A Backend owns one database file (or an in-memory database) holding the
// memories table, an FTS5 index kept in sync by triggers, entity and access
// log tables, a float32 vector table and a persistent embedding cache. The
// same Backend type backs every shard of the sharded store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// DefaultFileName is the database file created by OpenDir.
const DefaultFileName = "memories.db"

// Options configures a Backend.
type Options struct {
	Logger zerolog.Logger

	// AccessBoost recomputes a memory's access boost after an access is
	// recorded. Nil leaves the stored boost unchanged.
	AccessBoost func(m *types.Memory, now time.Time) float64

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Backend is the SQLite memory store.
type Backend struct {
	db     *sql.DB
	dsn    string
	logger zerolog.Logger
	boost  func(*types.Memory, time.Time) float64
	now    func() time.Time
	closed atomic.Bool
}

var (
	_ storage.Backend          = (*Backend)(nil)
	_ storage.AccessTracker    = (*Backend)(nil)
	_ storage.SupersedeApplier = (*Backend)(nil)
)

// New opens (or creates) the store at dsn. Use ":memory:" for tests.
func New(dsn string, opts Options) (*Backend, error) {
	logger := opts.Logger.With().Str("component", "sqlite").Logger()
	db, err := OpenDB(dsn, Schema, logger)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Backend{
		db:     db,
		dsn:    dsn,
		logger: logger,
		boost:  opts.AccessBoost,
		now:    now,
	}, nil
}

// OpenDir opens the store file inside dir, creating the directory if needed.
func OpenDir(dir string, opts Options) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return New(filepath.Join(dir, DefaultFileName), opts)
}

// DB returns the underlying handle.
func (b *Backend) DB() *sql.DB {
	return b.db
}

// Path returns the database file path, or "" for in-memory stores.
func (b *Backend) Path() string {
	return dbPathFromDSN(b.dsn)
}

func (b *Backend) checkOpen() error {
	if b.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

// Insert persists a new memory and returns its ID.
func (b *Backend) Insert(ctx context.Context, mem *types.Memory) (string, error) {
	if mem == nil {
		return "", fmt.Errorf("%w: memory is nil", storage.ErrInvalidInput)
	}
	if strings.TrimSpace(mem.Content) == "" {
		return "", fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if err := b.checkOpen(); err != nil {
		return "", err
	}

	m := mem.Clone()
	m.Normalize(b.now())
	if m.ID == "" {
		m.ID = types.GenerateID(m.Type, m.Content, m.CreatedAt)
	}
	if m.TTLDays != nil && m.AutoDeleteAt == nil {
		t := m.CreatedAt.AddDate(0, 0, *m.TTLDays)
		m.AutoDeleteAt = &t
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertRow(ctx, tx, m); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", storage.ErrDuplicateID, m.ID)
		}
		return "", fmt.Errorf("failed to insert memory: %w", err)
	}
	if err := replaceEntities(ctx, tx, m.ID, m.Entities); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit insert: %w", err)
	}
	return m.ID, nil
}

func insertRow(ctx context.Context, tx *sql.Tx, m *types.Memory) error {
	entities, err := marshalList(m.Entities)
	if err != nil {
		return err
	}
	metadata, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	supersedes, err := marshalList(m.Supersedes)
	if err != nil {
		return err
	}
	conflicts, err := marshalList(m.ConflictsWith)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (
			id, type, content, importance, confidence, score, access_boost,
			entities, metadata, source, created_at, updated_at, last_accessed,
			access_count, retrieval_count, used_in_response_count, user_mentioned_count,
			state, superseded, superseded_by, supersedes, conflicts_with,
			override_tier, conflict_downgraded, ttl_days, auto_delete_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Type), m.Content, m.Importance, m.Confidence, m.Score, m.AccessBoost,
		entities, metadata, nullableString(m.Ownership()), FormatTime(m.CreatedAt), FormatTime(m.UpdatedAt), nullableTime(m.LastAccessedAt),
		m.AccessCount, m.RetrievalCount, m.UsedInResponseCount, m.UserMentionedCount,
		int(m.State), boolInt(m.Superseded), nullableString(m.SupersededBy), supersedes, conflicts,
		m.OverrideTier, boolInt(m.ConflictDowngraded), nullableInt(m.TTLDays), nullableTime(m.AutoDeleteAt),
	)
	return err
}

func replaceEntities(ctx context.Context, tx *sql.Tx, id string, entities []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_entities WHERE memory_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear entities: %w", err)
	}
	for _, e := range entities {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO memory_entities (memory_id, entity) VALUES (?, ?)", id, e); err != nil {
			return fmt.Errorf("failed to insert entity: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getMemory(ctx context.Context, q querier, id string) (*types.Memory, error) {
	row := q.QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return m, nil
}

// Get retrieves a memory by ID in any state.
func (b *Backend) Get(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return getMemory(ctx, b.db, id)
}

// Update applies a partial update inside a transaction.
func (b *Backend) Update(ctx context.Context, id string, fields storage.UpdateFields) error {
	if id == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := b.updateTx(ctx, tx, id, fields); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	return nil
}

func (b *Backend) updateTx(ctx context.Context, tx *sql.Tx, id string, fields storage.UpdateFields) error {
	var current int
	err := tx.QueryRowContext(ctx, "SELECT state FROM memories WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if fields.State != nil && !types.IsValidStateTransition(types.State(current), *fields.State) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, types.State(current), *fields.State)
	}
	if fields.IsEmpty() {
		return nil
	}

	sets, args, err := updateClauses(fields)
	if err != nil {
		return err
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, FormatTime(b.now()), id)

	if _, err := tx.ExecContext(ctx, "UPDATE memories SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	if fields.Entities != nil {
		if err := replaceEntities(ctx, tx, id, types.DedupStrings(*fields.Entities)); err != nil {
			return err
		}
	}
	return nil
}

// updateClauses renders the set fields of u as SET fragments.
func updateClauses(u storage.UpdateFields) ([]string, []interface{}, error) {
	var sets []string
	var args []interface{}
	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if u.Content != nil {
		add("content", *u.Content)
	}
	if u.Entities != nil {
		s, err := marshalList(types.DedupStrings(*u.Entities))
		if err != nil {
			return nil, nil, err
		}
		add("entities", s)
	}
	if u.Metadata != nil {
		s, err := marshalMetadata(u.Metadata)
		if err != nil {
			return nil, nil, err
		}
		add("metadata", s)
	}
	if u.Importance != nil {
		add("importance", *u.Importance)
	}
	if u.Confidence != nil {
		add("confidence", *u.Confidence)
	}
	if u.Score != nil {
		add("score", *u.Score)
	}
	if u.AccessBoost != nil {
		add("access_boost", *u.AccessBoost)
	}
	if u.AccessCount != nil {
		add("access_count", *u.AccessCount)
	}
	if u.LastAccessedAt != nil {
		add("last_accessed", FormatTime(*u.LastAccessedAt))
	}
	if u.State != nil {
		add("state", int(*u.State))
	}
	if u.Superseded != nil {
		add("superseded", boolInt(*u.Superseded))
	}
	if u.SupersededBy != nil {
		add("superseded_by", nullableString(*u.SupersededBy))
	}
	if u.Supersedes != nil {
		s, err := marshalList(*u.Supersedes)
		if err != nil {
			return nil, nil, err
		}
		add("supersedes", s)
	}
	if u.ConflictsWith != nil {
		s, err := marshalList(*u.ConflictsWith)
		if err != nil {
			return nil, nil, err
		}
		add("conflicts_with", s)
	}
	if u.OverrideTier != nil {
		add("override_tier", *u.OverrideTier)
	}
	if u.ConflictDowngraded != nil {
		add("conflict_downgraded", boolInt(*u.ConflictDowngraded))
	}
	return sets, args, nil
}

// Delete soft-deletes a memory.
func (b *Backend) Delete(ctx context.Context, id string) error {
	deleted := types.StateDeleted
	return b.Update(ctx, id, storage.UpdateFields{State: &deleted})
}

// ArchiveMemory moves a decayed memory out of the active set.
func (b *Backend) ArchiveMemory(ctx context.Context, id string) error {
	return b.Delete(ctx, id)
}

// Count returns the number of rows in any state.
func (b *Backend) Count(ctx context.Context) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// CountActive returns the number of active memories.
func (b *Backend) CountActive(ctx context.Context) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE state = 0").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

// UpdateAccessStats records one access of the given type.
func (b *Backend) UpdateAccessStats(ctx context.Context, id string, accessType string) error {
	switch accessType {
	case types.AccessRetrieval, types.AccessUsedInResponse, types.AccessUserMentioned:
	default:
		return fmt.Errorf("%w: unknown access type %q", storage.ErrInvalidInput, accessType)
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	now := b.now()
	stamp := FormatTime(now)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1,
		    retrieval_count = retrieval_count + CASE WHEN ? = 'retrieval' THEN 1 ELSE 0 END,
		    used_in_response_count = used_in_response_count + CASE WHEN ? = 'used_in_response' THEN 1 ELSE 0 END,
		    user_mentioned_count = user_mentioned_count + CASE WHEN ? = 'user_mentioned' THEN 1 ELSE 0 END,
		    last_accessed = ?
		WHERE id = ?`,
		accessType, accessType, accessType, stamp, id)
	if err != nil {
		return fmt.Errorf("failed to update access stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO access_log (id, memory_id, access_type, timestamp) VALUES (?, ?, ?, ?)",
		uuid.NewString(), id, accessType, stamp); err != nil {
		return fmt.Errorf("failed to write access log: %w", err)
	}

	if b.boost != nil {
		m, err := getMemory(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE memories SET access_boost = ? WHERE id = ?", b.boost(m, now), id); err != nil {
			return fmt.Errorf("failed to update access boost: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit access stats: %w", err)
	}
	return nil
}

// AccessLogCount returns the number of access log rows for id.
func (b *Backend) AccessLogCount(ctx context.Context, id string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM access_log WHERE memory_id = ?", id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count access log: %w", err)
	}
	return n, nil
}

// ActiveMemories returns every active memory, optionally of one type,
// ordered by effective score.
func (b *Backend) ActiveMemories(ctx context.Context, memType types.MemoryType) ([]*types.Memory, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	query := "SELECT " + memoryColumns + " FROM memories WHERE state = 0"
	var args []interface{}
	if memType != "" {
		query += " AND type = ?"
		args = append(args, string(memType))
	}
	query += " ORDER BY score + access_boost DESC"
	return b.queryMemories(ctx, query, args...)
}

// ActiveBatch returns up to limit active memories with IDs greater than
// afterID, in ID order. It pages through the store for migration.
func (b *Backend) ActiveBatch(ctx context.Context, afterID string, limit int) ([]*types.Memory, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.queryMemories(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE state = 0 AND id > ? ORDER BY id LIMIT ?",
		afterID, limit)
}

func (b *Backend) queryMemories(ctx context.Context, query string, args ...interface{}) ([]*types.Memory, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchByEntities returns active memories tagged with any of entities,
// ordered by effective score.
func (b *Backend) SearchByEntities(ctx context.Context, entities []string, limit int) ([]*types.Memory, error) {
	entities = types.DedupStrings(entities)
	if len(entities) == 0 {
		return nil, nil
	}
	if limit < 1 {
		limit = 10
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entities)), ",")
	args := make([]interface{}, 0, len(entities)+1)
	for _, e := range entities {
		args = append(args, e)
	}
	args = append(args, limit)

	return b.queryMemories(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE state = 0
		  AND id IN (SELECT memory_id FROM memory_entities WHERE entity IN (`+placeholders+`))
		ORDER BY score + access_boost DESC
		LIMIT ?`, args...)
}

// TTLCleanup soft-deletes active memories whose auto_delete_at has passed.
func (b *Backend) TTLCleanup(ctx context.Context, now time.Time) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	stamp := FormatTime(now)
	res, err := b.db.ExecContext(ctx, `
		UPDATE memories SET state = 2, updated_at = ?
		WHERE auto_delete_at IS NOT NULL AND auto_delete_at < ? AND state = 0`,
		stamp, stamp)
	if err != nil {
		return 0, fmt.Errorf("failed to run TTL cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n > 0 {
		b.logger.Info().Int64("expired", n).Msg("TTL cleanup")
	}
	return int(n), nil
}

// ApplySupersede marks loser as superseded by winner. The winner inherits the
// loser's supersedes list plus the loser itself.
func (b *Backend) ApplySupersede(ctx context.Context, winnerID, loserID string) error {
	if winnerID == "" || loserID == "" || winnerID == loserID {
		return fmt.Errorf("%w: winner and loser must be distinct IDs", storage.ErrInvalidInput)
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	winner, err := getMemory(ctx, tx, winnerID)
	if err != nil {
		return fmt.Errorf("winner %s: %w", winnerID, err)
	}
	loser, err := getMemory(ctx, tx, loserID)
	if err != nil {
		return fmt.Errorf("loser %s: %w", loserID, err)
	}

	loserFields, winnerFields := SupersedeFields(winner, loser, b.now())
	if err := b.updateTx(ctx, tx, loserID, loserFields); err != nil {
		return err
	}
	if err := b.updateTx(ctx, tx, winnerID, winnerFields); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit supersede: %w", err)
	}
	return nil
}

// SupersedeFields computes the updates applied to both sides of an UPDATE
// resolution.
func SupersedeFields(winner, loser *types.Memory, now time.Time) (loserFields, winnerFields storage.UpdateFields) {
	superseded := types.StateSuperseded
	yes := true
	by := winner.ID
	loserFields = storage.UpdateFields{
		State:        &superseded,
		Superseded:   &yes,
		SupersededBy: &by,
	}

	chain := append([]string(nil), winner.Supersedes...)
	chain = append(chain, loser.Supersedes...)
	chain = append(chain, loser.ID)
	chain = types.DedupStrings(chain)

	meta := make(map[string]interface{}, len(winner.Metadata)+1)
	for k, v := range winner.Metadata {
		meta[k] = v
	}
	meta["conflict_resolved_at"] = now.UTC().Format(time.RFC3339)

	winnerFields = storage.UpdateFields{
		Supersedes: &chain,
		Metadata:   meta,
	}
	return loserFields, winnerFields
}

// MarkConflict records an unresolved conflict on both memories.
func (b *Backend) MarkConflict(ctx context.Context, aID, bID string) error {
	if aID == "" || bID == "" || aID == bID {
		return fmt.Errorf("%w: conflict requires two distinct IDs", storage.ErrInvalidInput)
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, pair := range [][2]string{{aID, bID}, {bID, aID}} {
		m, err := getMemory(ctx, tx, pair[0])
		if err != nil {
			return fmt.Errorf("%s: %w", pair[0], err)
		}
		list := types.DedupStrings(append(m.ConflictsWith, pair[1]))
		if err := b.updateTx(ctx, tx, pair[0], storage.UpdateFields{ConflictsWith: &list}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflict: %w", err)
	}
	return nil
}

// Stats summarises the store.
func (b *Backend) Stats(ctx context.Context) (storage.BackendStats, error) {
	var st storage.BackendStats
	if err := b.checkOpen(); err != nil {
		return st, err
	}

	rows, err := b.db.QueryContext(ctx, "SELECT type, state, COUNT(*) FROM memories GROUP BY type, state")
	if err != nil {
		return st, fmt.Errorf("failed to collect stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var memType string
		var state, n int
		if err := rows.Scan(&memType, &state, &n); err != nil {
			return st, fmt.Errorf("failed to scan stats: %w", err)
		}
		switch types.State(state) {
		case types.StateSuperseded:
			st.Superseded += n
			continue
		case types.StateDeleted:
			st.Archived += n
			continue
		}
		st.Total += n
		switch types.MemoryType(memType) {
		case types.TypeFact:
			st.Facts += n
		case types.TypeBelief:
			st.Beliefs += n
		case types.TypeSummary:
			st.Summaries += n
		}
	}
	return st, rows.Err()
}

// Close flushes the WAL and releases the connection. Safe to call twice.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return CloseDB(b.db, b.logger)
}
