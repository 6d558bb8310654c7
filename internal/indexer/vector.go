package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// Task types handled by VectorIndexer.
const (
	TaskAdd    = "add"
	TaskUpdate = "update"
	TaskDelete = "delete"
)

// VectorIndexerOptions configures a VectorIndexer.
type VectorIndexerOptions struct {
	// Async routes writes through the indexer. Nil makes every call
	// synchronous.
	Async *AsyncIndexer

	// Limiter throttles upserts, one token per vector. Nil is unlimited.
	Limiter *rate.Limiter

	Logger zerolog.Logger
}

// VectorIndexer embeds memories and writes them to a vector store, either
// directly or through an AsyncIndexer.
type VectorIndexer struct {
	db       storage.VectorDB
	embedder vector.Embedder
	async    *AsyncIndexer
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewVectorIndexer registers the add, update and delete handlers on
// opts.Async when it is set.
func NewVectorIndexer(db storage.VectorDB, embedder vector.Embedder, opts VectorIndexerOptions) *VectorIndexer {
	v := &VectorIndexer{
		db:       db,
		embedder: embedder,
		async:    opts.Async,
		limiter:  opts.Limiter,
		logger:   opts.Logger.With().Str("component", "vector_indexer").Logger(),
	}
	if v.async != nil {
		v.async.RegisterHandler(TaskAdd, v.handleUpsert)
		v.async.RegisterHandler(TaskUpdate, v.handleUpsert)
		v.async.RegisterHandler(TaskDelete, v.handleDelete)
	}
	return v
}

// IndexMemory indexes mem in the background when async is true and an
// AsyncIndexer is configured; otherwise it embeds and upserts before
// returning.
func (v *VectorIndexer) IndexMemory(ctx context.Context, mem *types.Memory, async bool) error {
	if mem == nil || mem.ID == "" {
		return fmt.Errorf("%w: memory needs an id", storage.ErrInvalidInput)
	}
	if async && v.async != nil {
		v.async.Submit(mem.ID, TaskAdd, mem.Clone(), 0)
		return nil
	}
	_, err := v.upsert(ctx, []*types.Memory{mem})
	return err
}

// ReindexMemory is IndexMemory for changed content.
func (v *VectorIndexer) ReindexMemory(ctx context.Context, mem *types.Memory, async bool) error {
	if mem == nil || mem.ID == "" {
		return fmt.Errorf("%w: memory needs an id", storage.ErrInvalidInput)
	}
	if async && v.async != nil {
		v.async.Submit(mem.ID, TaskUpdate, mem.Clone(), 0)
		return nil
	}
	_, err := v.upsert(ctx, []*types.Memory{mem})
	return err
}

// IndexBatch indexes mems and returns how many were submitted (async) or
// written (sync).
func (v *VectorIndexer) IndexBatch(ctx context.Context, mems []*types.Memory, async bool) (int, error) {
	if async && v.async != nil {
		tasks := make([]Task, 0, len(mems))
		for _, m := range mems {
			if m == nil || m.ID == "" {
				continue
			}
			tasks = append(tasks, Task{ID: m.ID, Type: TaskAdd, Data: m.Clone()})
		}
		return v.async.SubmitBatch(tasks), nil
	}
	return v.upsert(ctx, mems)
}

// DeleteVectors removes the vectors for ids.
func (v *VectorIndexer) DeleteVectors(ctx context.Context, ids []string, async bool) error {
	if async && v.async != nil {
		for _, id := range ids {
			v.async.Submit(id, TaskDelete, id, 0)
		}
		return nil
	}
	return v.db.Delete(ctx, ids)
}

// SearchSimilar embeds query and returns the topK nearest vectors.
func (v *VectorIndexer) SearchSimilar(ctx context.Context, query string, topK int) ([]storage.VectorMatch, error) {
	vecs, err := v.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vecs))
	}
	return v.db.Search(ctx, vecs[0], topK, nil)
}

// upsert embeds the memories in one call and writes them. Memories with
// empty content are skipped.
func (v *VectorIndexer) upsert(ctx context.Context, mems []*types.Memory) (int, error) {
	batch := make([]*types.Memory, 0, len(mems))
	texts := make([]string, 0, len(mems))
	for _, m := range mems {
		if m == nil || m.ID == "" || m.Content == "" {
			continue
		}
		batch = append(batch, m)
		texts = append(texts, m.Content)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	vecs, err := v.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %d memories: %w", len(batch), err)
	}
	if len(vecs) != len(batch) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d memories", len(vecs), len(batch))
	}

	if v.limiter != nil {
		if err := v.limiter.WaitN(ctx, min(len(batch), v.limiter.Burst())); err != nil {
			return 0, fmt.Errorf("upsert throttled: %w", err)
		}
	}

	records := make([]storage.VectorRecord, len(batch))
	for i, m := range batch {
		records[i] = storage.VectorRecord{
			ID:       m.ID,
			Vector:   vecs[i],
			Content:  m.Content,
			Metadata: vector.Payload(m),
		}
	}
	if err := v.db.Upsert(ctx, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (v *VectorIndexer) handleUpsert(ctx context.Context, tasks []Task) error {
	mems := make([]*types.Memory, 0, len(tasks))
	for _, t := range tasks {
		m, ok := t.Data.(*types.Memory)
		if !ok {
			v.logger.Warn().Str("task", t.ID).Msgf("unexpected task data %T", t.Data)
			continue
		}
		mems = append(mems, m)
	}
	_, err := v.upsert(ctx, mems)
	return err
}

var errBadDeleteTask = errors.New("delete task carries no id")

func (v *VectorIndexer) handleDelete(ctx context.Context, tasks []Task) error {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		id, _ := t.Data.(string)
		if id == "" {
			id = t.ID
		}
		if id == "" {
			return errBadDeleteTask
		}
		ids = append(ids, id)
	}
	return v.db.Delete(ctx, ids)
}
