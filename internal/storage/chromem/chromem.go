// Package chromem adapts chromem-go, an embedded pure Go vector database,
// to storage.VectorDB.
package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
)

// DefaultCollection is used when Options.Collection is empty.
const DefaultCollection = "memories"

// Options configures a Store.
type Options struct {
	// Path enables on-disk persistence. Empty keeps everything in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	// Collection names the chromem collection.
	Collection string

	Logger zerolog.Logger
}

// Store keeps vectors in a single chromem collection.
type Store struct {
	db     *chromem.DB
	col    *chromem.Collection
	logger zerolog.Logger

	mu       sync.RWMutex
	closed   bool
	ids      map[string]struct{}
	listable bool
}

var errNoEmbeddingFunc = errors.New("chromem store only accepts precomputed vectors")

// noEmbed stops chromem from calling its default remote embedding function
// when a document arrives without a vector.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// New opens or creates the collection.
func New(opts Options) (*Store, error) {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}

	var db *chromem.DB
	if opts.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem db at %s: %w", opts.Path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(opts.Collection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", opts.Collection, err)
	}

	return &Store{
		db:       db,
		col:      col,
		logger:   opts.Logger.With().Str("component", "chromem").Str("collection", opts.Collection).Logger(),
		ids:      make(map[string]struct{}),
		listable: col.Count() == 0,
	}, nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Upsert implements storage.VectorDB. chromem keys documents by ID, so
// adding an existing ID replaces it.
func (s *Store) Upsert(ctx context.Context, records []storage.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		if r.ID == "" || len(r.Vector) == 0 {
			return fmt.Errorf("%w: vector record needs an id and a vector", storage.ErrInvalidInput)
		}
		docs = append(docs, chromem.Document{
			ID:        r.ID,
			Content:   r.Content,
			Embedding: append([]float32(nil), r.Vector...),
			Metadata:  encodeMetadata(r.Metadata),
		})
	}

	if err := s.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to add %d documents: %w", len(docs), err)
	}
	for _, d := range docs {
		s.ids[d.ID] = struct{}{}
	}
	return nil
}

// Delete implements storage.VectorDB.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete %d documents: %w", len(ids), err)
	}
	for _, id := range ids {
		delete(s.ids, id)
	}
	return nil
}

// Search implements storage.VectorDB. topK is clamped to the collection
// size because chromem rejects larger requests.
func (s *Store) Search(ctx context.Context, query []float32, topK int, filter map[string]string) ([]storage.VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", storage.ErrInvalidInput)
	}
	if topK < 1 {
		topK = 10
	}
	n := min(topK, s.col.Count())
	if n == 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}
	results, err := s.col.QueryEmbedding(ctx, append([]float32(nil), query...), n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	matches := make([]storage.VectorMatch, 0, len(results))
	for _, r := range results {
		matches = append(matches, storage.VectorMatch{
			ID:       r.ID,
			Score:    float64(r.Similarity),
			Content:  r.Content,
			Metadata: decodeMetadata(r.Metadata),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

// Count implements storage.VectorDB.
func (s *Store) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.col.Count(), nil
}

// IDs lists every stored document ID. chromem cannot enumerate a
// collection, so IDs are tracked as they are written; a persistent
// collection that already held documents when opened is not listable.
func (s *Store) IDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !s.listable {
		return nil, vector.ErrNotListable
	}
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// HealthCheck implements storage.VectorDB.
func (s *Store) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen()
}

// Close implements storage.VectorDB. Persistent databases write each
// document as it is added, so there is nothing to flush.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// encodeMetadata flattens payload values into chromem's string map. Strings
// are kept as-is so they can be filtered on; everything else is JSON.
func encodeMetadata(meta map[string]interface{}) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if str, ok := v.(string); ok {
			out[k] = str
			continue
		}
		if b, err := json.Marshal(v); err == nil {
			out[k] = string(b)
		}
	}
	return out
}

// decodeMetadata reverses encodeMetadata. Values that parse as JSON numbers,
// booleans, arrays or objects are decoded; everything else stays a string.
func decodeMetadata(meta map[string]string) map[string]interface{} {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			if _, isString := decoded.(string); !isString && decoded != nil {
				out[k] = decoded
				continue
			}
		}
		out[k] = v
	}
	return out
}
