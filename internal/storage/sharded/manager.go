// Package sharded spreads memories across time-bucketed SQLite shard files.
//
// Exactly one shard is active and receives inserts; once it holds ShardSize
// rows a new shard file is created and becomes active, and the previous one
// is sealed but stays searchable. The shard directory listing plus per-file
// row counts is the only index of shards: nothing else is persisted.
package sharded

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sqlite"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

const (
	// DefaultShardSize is the row count at which the active shard is sealed.
	DefaultShardSize = 10000

	// DefaultWorkers bounds fan-out parallelism.
	DefaultWorkers = 8

	// DefaultShardTimeout bounds a single shard query during fan-out.
	DefaultShardTimeout = 2 * time.Second
)

// Options configures a Manager.
type Options struct {
	ShardSize    int
	Workers      int
	ShardTimeout time.Duration
	Logger       zerolog.Logger

	// Backend is passed to every shard store.
	Backend sqlite.Options

	// Now overrides the clock used for shard names. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.ShardSize < 1 {
		o.ShardSize = DefaultShardSize
	}
	if o.Workers < 1 {
		o.Workers = DefaultWorkers
	}
	if o.ShardTimeout <= 0 {
		o.ShardTimeout = DefaultShardTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// shard is one open shard file.
type shard struct {
	id        string
	path      string
	createdAt time.Time
	seq       int
	store     *sqlite.Backend

	// count includes slots reserved by in-flight inserts.
	count atomic.Int64
}

// newer orders shards newest first.
func (s *shard) newer(o *shard) bool {
	if !s.createdAt.Equal(o.createdAt) {
		return s.createdAt.After(o.createdAt)
	}
	return s.seq > o.seq
}

// Manager is the sharded memory store.
type Manager struct {
	dir    string
	opts   Options
	logger zerolog.Logger

	// mu guards shards and active. It is held only while deciding on and
	// creating a shard, never during row writes.
	mu     sync.RWMutex
	shards map[string]*shard
	active *shard
	closed bool
}

var (
	_ storage.Backend          = (*Manager)(nil)
	_ storage.AccessTracker    = (*Manager)(nil)
	_ storage.SupersedeApplier = (*Manager)(nil)
)

// New opens every shard under dir and picks the newest non-full shard as
// active, creating one when none qualifies.
func New(dir string, opts Options) (*Manager, error) {
	opts.setDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shard dir: %w", err)
	}

	m := &Manager{
		dir:    dir,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "sharded").Logger(),
		shards: make(map[string]*shard),
	}

	if _, err := m.Rescan(context.Background()); err != nil {
		m.Close()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sh := range m.sortedLocked() {
		if int(sh.count.Load()) < m.opts.ShardSize {
			m.active = sh
			break
		}
	}
	if m.active == nil {
		if _, err := m.createShardLocked(); err != nil {
			m.closeLocked()
			return nil, err
		}
	}
	return m, nil
}

// Dir returns the shard directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Rescan opens shard files in the directory that are not yet known and
// returns how many were added. The active shard is not changed.
func (m *Manager) Rescan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan shard dir: %w", err)
	}

	added := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, created, seq, ok := parseShardName(e.Name())
		if !ok {
			continue
		}

		m.mu.RLock()
		_, known := m.shards[id]
		closed := m.closed
		m.mu.RUnlock()
		if known {
			continue
		}
		if closed {
			return added, storage.ErrClosed
		}

		sh, err := m.openShard(ctx, id, filepath.Join(m.dir, e.Name()), created, seq)
		if err != nil {
			return added, err
		}

		m.mu.Lock()
		if _, dup := m.shards[id]; dup || m.closed {
			m.mu.Unlock()
			sh.store.Close()
			continue
		}
		m.shards[id] = sh
		m.mu.Unlock()
		added++
	}
	if added > 0 {
		m.logger.Debug().Int("added", added).Msg("rescanned shard directory")
	}
	return added, nil
}

func (m *Manager) openShard(ctx context.Context, id, path string, created time.Time, seq int) (*shard, error) {
	opts := m.opts.Backend
	opts.Logger = m.logger.With().Str("shard", id).Logger()
	store, err := sqlite.New(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard %s: %w", id, err)
	}
	n, err := store.Count(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to count shard %s: %w", id, err)
	}
	sh := &shard{id: id, path: path, createdAt: created, seq: seq, store: store}
	sh.count.Store(int64(n))
	return sh, nil
}

// createShardLocked creates a new shard file and makes it active.
// Caller holds m.mu.
func (m *Manager) createShardLocked() (*shard, error) {
	now := m.opts.Now().UTC().Truncate(time.Second)
	for seq := 0; ; seq++ {
		id := shardID(now, seq)
		path := filepath.Join(m.dir, id+".db")
		if _, known := m.shards[id]; known || fileExists(path) {
			continue
		}
		sh, err := m.openShard(context.Background(), id, path, now, seq)
		if err != nil {
			return nil, err
		}
		m.shards[id] = sh
		m.active = sh
		m.logger.Info().Str("shard", id).Int("shard_count", len(m.shards)).Msg("created shard")
		return sh, nil
	}
}

// reserve returns the shard that should receive the next insert and claims a
// slot in it, rolling over to a new shard when the active one is full.
func (m *Manager) reserve() (*shard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, storage.ErrClosed
	}
	if m.active == nil || int(m.active.count.Load()) >= m.opts.ShardSize {
		if _, err := m.createShardLocked(); err != nil {
			return nil, err
		}
	}
	m.active.count.Add(1)
	return m.active, nil
}

// snapshot returns the open shards newest first.
func (m *Manager) snapshot() ([]*shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storage.ErrClosed
	}
	return m.sortedLocked(), nil
}

func (m *Manager) sortedLocked() []*shard {
	list := make([]*shard, 0, len(m.shards))
	for _, sh := range m.shards {
		list = append(list, sh)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].newer(list[j]) })
	return list
}

// Insert writes mem into the active shard. A failed write is returned to the
// caller; the record is never dropped silently.
func (m *Manager) Insert(ctx context.Context, mem *types.Memory) (string, error) {
	if mem == nil {
		return "", fmt.Errorf("%w: memory is nil", storage.ErrInvalidInput)
	}
	if mem.ID != "" {
		if _, _, err := m.find(ctx, mem.ID); err == nil {
			return "", fmt.Errorf("%w: %s", storage.ErrDuplicateID, mem.ID)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}

	sh, err := m.reserve()
	if err != nil {
		return "", err
	}
	id, err := sh.store.Insert(ctx, mem)
	if err != nil {
		sh.count.Add(-1)
		return "", fmt.Errorf("insert into shard %s: %w", sh.id, err)
	}
	return id, nil
}

// BatchInsert inserts memories in order and stops at the first failure,
// returning the IDs written so far.
func (m *Manager) BatchInsert(ctx context.Context, mems []*types.Memory) ([]string, error) {
	ids := make([]string, 0, len(mems))
	for _, mem := range mems {
		id, err := m.Insert(ctx, mem)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// find locates the shard holding id.
func (m *Manager) find(ctx context.Context, id string) (*shard, *types.Memory, error) {
	if id == "" {
		return nil, nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	shards, err := m.snapshot()
	if err != nil {
		return nil, nil, err
	}
	for _, sh := range shards {
		mem, err := sh.store.Get(ctx, id)
		if err == nil {
			return sh, mem, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("shard %s: %w", sh.id, err)
		}
	}
	return nil, nil, storage.ErrNotFound
}

// Get scans the shards for id.
func (m *Manager) Get(ctx context.Context, id string) (*types.Memory, error) {
	_, mem, err := m.find(ctx, id)
	return mem, err
}

// Update applies a partial update in the shard holding id.
func (m *Manager) Update(ctx context.Context, id string, fields storage.UpdateFields) error {
	sh, _, err := m.find(ctx, id)
	if err != nil {
		return err
	}
	return sh.store.Update(ctx, id, fields)
}

// Delete soft-deletes a memory.
func (m *Manager) Delete(ctx context.Context, id string) error {
	deleted := types.StateDeleted
	return m.Update(ctx, id, storage.UpdateFields{State: &deleted})
}

// UpdateAccessStats records one access in the shard holding id.
func (m *Manager) UpdateAccessStats(ctx context.Context, id string, accessType string) error {
	sh, _, err := m.find(ctx, id)
	if err != nil {
		return err
	}
	return sh.store.UpdateAccessStats(ctx, id, accessType)
}

// ApplySupersede marks loser as superseded by winner. When both live in the
// same shard the change is one transaction; otherwise the loser is updated
// first and then the winner.
func (m *Manager) ApplySupersede(ctx context.Context, winnerID, loserID string) error {
	if winnerID == "" || loserID == "" || winnerID == loserID {
		return fmt.Errorf("%w: winner and loser must be distinct IDs", storage.ErrInvalidInput)
	}
	wShard, winner, err := m.find(ctx, winnerID)
	if err != nil {
		return fmt.Errorf("winner %s: %w", winnerID, err)
	}
	lShard, loser, err := m.find(ctx, loserID)
	if err != nil {
		return fmt.Errorf("loser %s: %w", loserID, err)
	}
	if wShard == lShard {
		return wShard.store.ApplySupersede(ctx, winnerID, loserID)
	}

	loserFields, winnerFields := sqlite.SupersedeFields(winner, loser, m.opts.Now())
	if err := lShard.store.Update(ctx, loserID, loserFields); err != nil {
		return err
	}
	return wShard.store.Update(ctx, winnerID, winnerFields)
}

// MarkConflict records an unresolved conflict on both memories.
func (m *Manager) MarkConflict(ctx context.Context, aID, bID string) error {
	if aID == "" || bID == "" || aID == bID {
		return fmt.Errorf("%w: conflict requires two distinct IDs", storage.ErrInvalidInput)
	}
	for _, pair := range [][2]string{{aID, bID}, {bID, aID}} {
		sh, mem, err := m.find(ctx, pair[0])
		if err != nil {
			return fmt.Errorf("%s: %w", pair[0], err)
		}
		list := types.DedupStrings(append(mem.ConflictsWith, pair[1]))
		if err := sh.store.Update(ctx, pair[0], storage.UpdateFields{ConflictsWith: &list}); err != nil {
			return err
		}
	}
	return nil
}

// Search fans the query out over all shards. See SearchParallel.
func (m *Manager) Search(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchHit, error) {
	return m.SearchParallel(ctx, query, opts)
}

// SearchParallel queries every shard on a bounded worker pool, asking each
// for 2*TopK hits, then merges by score and truncates to TopK. A shard that
// fails or exceeds ShardTimeout is skipped with a warning.
func (m *Manager) SearchParallel(ctx context.Context, query string, opts storage.SearchOptions) ([]storage.SearchHit, error) {
	opts.Normalize()
	shards, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	perShard := opts
	perShard.TopK = opts.TopK * 2

	hits := fanOut(ctx, m, shards, func(ctx context.Context, sh *shard) ([]storage.SearchHit, error) {
		return sh.store.Search(ctx, query, perShard)
	})

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}
	return hits, nil
}

// SearchByEntities fans out an entity lookup, de-duplicates by ID and keeps
// the limit best by score.
func (m *Manager) SearchByEntities(ctx context.Context, entities []string, limit int) ([]*types.Memory, error) {
	if limit < 1 {
		limit = 10
	}
	shards, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	found := fanOut(ctx, m, shards, func(ctx context.Context, sh *shard) ([]*types.Memory, error) {
		return sh.store.SearchByEntities(ctx, entities, limit)
	})

	seen := make(map[string]struct{}, len(found))
	unique := found[:0]
	for _, mem := range found {
		if _, ok := seen[mem.ID]; ok {
			continue
		}
		seen[mem.ID] = struct{}{}
		unique = append(unique, mem)
	}
	sort.SliceStable(unique, func(i, j int) bool { return unique[i].Score > unique[j].Score })
	if len(unique) > limit {
		unique = unique[:limit]
	}
	return unique, nil
}

// ActiveMemories returns active memories from every shard.
func (m *Manager) ActiveMemories(ctx context.Context, memType types.MemoryType) ([]*types.Memory, error) {
	shards, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	var out []*types.Memory
	for _, sh := range shards {
		mems, err := sh.store.ActiveMemories(ctx, memType)
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", sh.id, err)
		}
		out = append(out, mems...)
	}
	return out, nil
}

// TTLCleanup expires memories in every shard.
func (m *Manager) TTLCleanup(ctx context.Context, now time.Time) (int, error) {
	shards, err := m.snapshot()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, sh := range shards {
		n, err := sh.store.TTLCleanup(ctx, now)
		if err != nil {
			return total, fmt.Errorf("shard %s: %w", sh.id, err)
		}
		total += n
	}
	return total, nil
}

// Count returns the number of rows across all shards.
func (m *Manager) Count(ctx context.Context) (int, error) {
	shards, err := m.snapshot()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, sh := range shards {
		total += int(sh.count.Load())
	}
	return total, nil
}

// ShardInfo describes one shard.
type ShardInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Count     int       `json:"count"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarises the sharded store.
type Stats struct {
	TotalMemories  int         `json:"total_memories"`
	ShardCount     int         `json:"shard_count"`
	ActiveShard    string      `json:"active_shard"`
	ShardSizeLimit int         `json:"shard_size_limit"`
	Shards         []ShardInfo `json:"shards"`
}

// Stats returns per-shard counts, newest shard first.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		ShardCount:     len(m.shards),
		ShardSizeLimit: m.opts.ShardSize,
	}
	if m.active != nil {
		st.ActiveShard = m.active.id
	}
	for _, sh := range m.sortedLocked() {
		n := int(sh.count.Load())
		st.TotalMemories += n
		st.Shards = append(st.Shards, ShardInfo{
			ID:        sh.id,
			Path:      sh.path,
			Count:     n,
			IsActive:  sh == m.active,
			CreatedAt: sh.createdAt,
		})
	}
	return st
}

// Close closes every shard store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, sh := range m.shards {
		if err := sh.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("shard %s: %w", sh.id, err))
		}
	}
	m.active = nil
	return errors.Join(errs...)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
