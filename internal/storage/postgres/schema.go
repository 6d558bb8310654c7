package postgres

import "fmt"

// schemaSQL creates the vector table. The embedding column is left without
// a fixed dimension so one table can hold vectors from a re-configured
// embedder; searches only compare rows of the query's dimension.
func schemaSQL(table string) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
    id         TEXT PRIMARY KEY,
    content    TEXT NOT NULL DEFAULT '',
    metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
    embedding  vector NOT NULL,
    dimension  INTEGER NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_dimension ON %[1]s (dimension);
CREATE INDEX IF NOT EXISTS idx_%[1]s_type ON %[1]s ((metadata->>'type'));
`, table)
}
