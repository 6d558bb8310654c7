package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
)

var _ storage.VectorDB = (*Store)(nil)

// truncate empties the store's table between tests.
func truncate(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.db.ExecContext(context.Background(), "TRUNCATE TABLE "+s.table)
	require.NoError(t, err)
}

// postgresTestDSN skips the test unless MEMSYS_POSTGRES_TEST_DSN is set.
func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MEMSYS_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("MEMSYS_POSTGRES_TEST_DSN not set; skipping pgvector integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, Options{DSN: postgresTestDSN(t), Table: "memsys_test_vectors", Logger: zerolog.Nop()})
	require.NoError(t, err)
	truncate(t, s)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSearchQuery_FilterPlaceholders(t *testing.T) {
	s := &Store{table: "v"}
	q, args := s.searchQuery([]float32{1, 2}, 5, map[string]string{"type": "fact", "b": "x"})
	assert.Contains(t, q, "FROM v WHERE dimension = $2")
	assert.Contains(t, q, "metadata->>$3 = $4 AND metadata->>$5 = $6")
	assert.True(t, strings.HasSuffix(q, "LIMIT $7"))
	require.Len(t, args, 7)
	assert.Equal(t, 2, args[1])
	assert.Equal(t, "b", args[2])
	assert.Equal(t, "type", args[4])
	assert.Equal(t, 5, args[6])
}

func TestNew_RejectsUnsafeTable(t *testing.T) {
	_, err := New(context.Background(), Options{DSN: "postgres://localhost/none", Table: "x; DROP TABLE y"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestStore_UpsertSearchDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, []storage.VectorRecord{
		{ID: "f_1", Vector: []float32{1, 0, 0}, Content: "likes coffee", Metadata: map[string]interface{}{"type": "fact", "importance": 0.7}},
		{ID: "b_1", Vector: []float32{0.9, 0.1, 0}, Content: "coffee is healthy", Metadata: map[string]interface{}{"type": "belief"}},
		{ID: "f_2", Vector: []float32{0, 0, 1}, Content: "owns a cat", Metadata: map[string]interface{}{"type": "fact"}},
		{ID: "other_dim", Vector: []float32{1, 0}, Content: "ignored"},
	})
	require.NoError(t, err)

	matches, err := s.Search(ctx, []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "f_1", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
	assert.InDelta(t, 0.7, matches[0].Metadata["importance"], 1e-9)

	matches, err = s.Search(ctx, []float32{1, 0, 0}, 10, map[string]string{"type": "fact"})
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	require.NoError(t, s.Upsert(ctx, []storage.VectorRecord{{ID: "f_2", Vector: []float32{1, 0, 0}, Content: "owns two cats"}}))
	v, err := s.Get(ctx, "f_2")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, v)

	require.NoError(t, s.Delete(ctx, []string{"f_1", "missing"}))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b_1", "f_2", "other_dim"}, ids)

	_, err = s.Get(ctx, "f_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, s.HealthCheck(ctx))
}
