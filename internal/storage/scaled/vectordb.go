package scaled

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/chromem"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/postgres"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sqlite"
)

// Vector database types accepted by VectorDBOptions.Type.
const (
	VectorDBSQLite   = "sqlite"
	VectorDBChromem  = "chromem"
	VectorDBPGVector = "pgvector"
)

// VectorDBOptions selects where memory vectors live.
type VectorDBOptions struct {
	Enabled bool

	// Type is sqlite (the vectors table of the main store), chromem or
	// pgvector. Default: chromem.
	Type string

	// Path persists chromem collections. Empty keeps them in memory.
	Path string

	// DSN connects pgvector.
	DSN string

	// Collection names the chromem collection or the pgvector table.
	Collection string
}

// OpenVectorDB opens the configured vector database. main supplies the
// vectors table for the sqlite type.
func OpenVectorDB(ctx context.Context, opts VectorDBOptions, main *sqlite.Backend, logger zerolog.Logger) (storage.VectorDB, error) {
	switch opts.Type {
	case VectorDBSQLite:
		if main == nil {
			return nil, fmt.Errorf("%w: sqlite vector table needs the main store", storage.ErrNoBackend)
		}
		return main.Vectors(), nil
	case "", VectorDBChromem:
		return chromem.New(chromem.Options{Path: opts.Path, Collection: opts.Collection, Logger: logger})
	case VectorDBPGVector:
		return postgres.New(ctx, postgres.Options{DSN: opts.DSN, Table: opts.Collection, Logger: logger})
	}
	return nil, fmt.Errorf("%w: unsupported vector database type %q", storage.ErrInvalidInput, opts.Type)
}

func defaultChromemPath(dataDir string) string {
	return filepath.Join(dataDir, "vectors")
}
