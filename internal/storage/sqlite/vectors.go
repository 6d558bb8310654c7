package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/viterin/vek/vek32"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
)

// VectorTable is the brute-force vector store kept in the same database file
// as the memories. It implements storage.VectorDB so the vector index can use
// it interchangeably with an external database.
type VectorTable struct {
	b *Backend
}

var _ storage.VectorDB = (*VectorTable)(nil)

// Vectors returns the vector table of this store.
func (b *Backend) Vectors() *VectorTable {
	return &VectorTable{b: b}
}

// Upsert inserts or replaces vectors.
func (v *VectorTable) Upsert(ctx context.Context, records []storage.VectorRecord) error {
	if err := v.b.checkOpen(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := v.b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stamp := FormatTime(v.b.now())
	for _, r := range records {
		if r.ID == "" || len(r.Vector) == 0 {
			return fmt.Errorf("%w: vector record needs an ID and a vector", storage.ErrInvalidInput)
		}
		meta, err := marshalMetadata(r.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO vectors (id, content, vector, dimension, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.Content, EncodeVector(r.Vector), len(r.Vector), meta, stamp); err != nil {
			return fmt.Errorf("failed to upsert vector %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vectors: %w", err)
	}
	return nil
}

// Delete removes vectors by ID.
func (v *VectorTable) Delete(ctx context.Context, ids []string) error {
	if err := v.b.checkOpen(); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := v.b.db.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete vector %s: %w", id, err)
		}
	}
	return nil
}

// Search scans every stored vector and returns the topK most similar.
// Filter keys are matched against top-level metadata fields.
func (v *VectorTable) Search(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]storage.VectorMatch, error) {
	if err := v.b.checkOpen(); err != nil {
		return nil, err
	}
	if topK < 1 {
		topK = 10
	}

	query := "SELECT id, content, vector, metadata FROM vectors WHERE dimension = ?"
	args := []interface{}{len(vector)}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		query += " AND json_extract(metadata, ?) = ?"
		args = append(args, "$."+k, filter[k])
	}

	rows, err := v.b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan vectors: %w", err)
	}
	defer rows.Close()

	var matches []storage.VectorMatch
	for rows.Next() {
		var id string
		var content sql.NullString
		var blob []byte
		var metaJSON string
		if err := rows.Scan(&id, &content, &blob, &metaJSON); err != nil {
			return nil, fmt.Errorf("failed to read vector: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			v.b.logger.Warn().Err(err).Str("id", id).Msg("skipping corrupt vector")
			continue
		}
		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			meta = nil
		}
		matches = append(matches, storage.VectorMatch{
			ID:       id,
			Score:    cosine(vector, vec),
			Content:  content.String,
			Metadata: meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Get returns the stored vector for id.
func (v *VectorTable) Get(ctx context.Context, id string) ([]float32, error) {
	var blob []byte
	err := v.b.db.QueryRowContext(ctx, "SELECT vector FROM vectors WHERE id = ?", id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vector: %w", err)
	}
	return DecodeVector(blob)
}

// Count returns the number of stored vectors.
func (v *VectorTable) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}

// IDs returns every indexed ID.
func (v *VectorTable) IDs(ctx context.Context) ([]string, error) {
	rows, err := v.b.db.QueryContext(ctx, "SELECT id FROM vectors ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list vectors: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HealthCheck pings the database.
func (v *VectorTable) HealthCheck(ctx context.Context) error {
	if err := v.b.checkOpen(); err != nil {
		return err
	}
	return v.b.db.PingContext(ctx)
}

// Close is a no-op; the table is closed with its Backend.
func (v *VectorTable) Close() error {
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := vek32.Dot(a, a)
	nb := vek32.Dot(b, b)
	if na == 0 || nb == 0 {
		return 0
	}
	return float64(vek32.Dot(a, b)) / (math.Sqrt(float64(na)) * math.Sqrt(float64(nb)))
}

// TextHash is the embedding cache key for text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CachedEmbedding returns a persisted embedding for text, if present.
func (b *Backend) CachedEmbedding(ctx context.Context, text string) ([]float32, bool, error) {
	if err := b.checkOpen(); err != nil {
		return nil, false, err
	}
	var blob []byte
	err := b.db.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE text_hash = ?", TextHash(text)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read embedding cache: %w", err)
	}
	vec, err := DecodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// CacheEmbedding persists an embedding for text.
func (b *Backend) CacheEmbedding(ctx context.Context, text string, vec []float32, model string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embedding_cache (text_hash, embedding, dimension, model, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		TextHash(text), EncodeVector(vec), len(vec), nullableString(model), FormatTime(b.now()))
	if err != nil {
		return fmt.Errorf("failed to write embedding cache: %w", err)
	}
	return nil
}
