package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/config"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/engine"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/indexer"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/llm"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/logging"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/search"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/scaled"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sqlite"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/vector"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/pkg/types"
)

// memoryStore is what the commands need from either backend.
type memoryStore interface {
	engine.Store
	engine.DecayStore
	storage.AccessTracker
	TTLCleanup(ctx context.Context, now time.Time) (int, error)
}

var (
	_ memoryStore = (*sqlite.Backend)(nil)
	_ memoryStore = (*scaled.Backend)(nil)
)

// keywordBackend is a keyword index that can be filled from the store.
type keywordBackend interface {
	search.KeywordIndexer
	Load(ctx context.Context, src search.MemorySource) (int, error)
}

// app holds everything a command opens until close.
type app struct {
	cfg    *config.Config
	caps   config.Capabilities
	logger zerolog.Logger

	store  memoryStore
	scaled *scaled.Backend
	sqlite *sqlite.Backend

	textGen llm.TextGenerator

	// Set when vector search is available.
	vectors  storage.VectorDB
	embedder vector.Embedder
	// indexer writes vectors for the single-file store; the scaled
	// backend indexes on insert by itself.
	indexer   *indexer.VectorIndexer
	embedding *vector.EmbeddingEngine
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfig != "" {
		cfg, err = config.LoadFile(flagConfig)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.Storage.DataDir = flagDataDir
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}

func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, caps: config.DetectCapabilities(cfg), logger: logger}
	if a.caps.LLMIntegration {
		if a.textGen, err = llm.NewTextGenerator(cfg.ProviderConfig(logger)); err != nil {
			logger.Warn().Err(err).Msg("LLM unavailable, using rules only")
			a.caps.LLMIntegration = false
		}
	}
	embedder, model := a.newEmbedder()

	if cfg.Scaling.Enabled {
		opts := cfg.ScaledOptions(logger)
		opts.SQLite.AccessBoost = engine.AccessBoost
		opts.Embedder, opts.EmbeddingModel = embedder, model
		b, err := scaled.Open(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		a.store, a.scaled, a.sqlite = b, b, b.SQLite()
		if b.Vectors() != nil {
			a.vectors, a.embedder = b.Vectors(), b.Embedding()
		}
	} else {
		b, err := sqlite.OpenDir(cfg.Storage.DataDir, sqlite.Options{Logger: logger, AccessBoost: engine.AccessBoost})
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		a.store, a.sqlite = b, b
		if a.caps.VectorSearch {
			if err := a.openVectors(ctx, embedder, model); err != nil {
				logger.Warn().Err(err).Msg("vector search disabled")
			}
		}
	}
	a.caps.VectorSearch = a.vectors != nil
	return a, nil
}

// newEmbedder returns the provider's embedding model when one is usable,
// otherwise the configured offline embedder, with the label stored next to
// cached vectors.
func (a *app) newEmbedder() (vector.Embedder, string) {
	if e := a.modelEmbedder(); e != nil {
		return e, a.cfg.LLM.EmbedModel
	}
	if a.cfg.Scaling.VectorDB.Embedder == "ngram" {
		return vector.NewNGramEmbedder(0), vector.NGramModel
	}
	return vector.HashEmbedder{}, vector.HashModel
}

// modelEmbedder returns the provider's embedding model, or nil when an
// offline embedder should be used.
func (a *app) modelEmbedder() vector.Embedder {
	if !a.caps.LLMIntegration || !a.cfg.Scaling.VectorDB.Enabled {
		return nil
	}
	gen, err := llm.NewEmbeddingGenerator(a.cfg.ProviderConfig(a.logger))
	if err != nil || gen == nil {
		if err != nil {
			a.logger.Warn().Err(err).Msg("embedding model unavailable, using offline embeddings")
		}
		return nil
	}
	return vector.NewModelEmbedder(gen, 0)
}

func (a *app) openVectors(ctx context.Context, embedder vector.Embedder, model string) error {
	opts := a.cfg.VectorDBOptions()
	if opts.Type == scaled.VectorDBChromem && opts.Path == "" {
		opts.Path = filepath.Join(a.cfg.Storage.DataDir, "vectors")
	}
	db, err := scaled.OpenVectorDB(ctx, opts, a.sqlite, a.logger)
	if err != nil {
		return err
	}
	eng, err := vector.NewEmbeddingEngine(vector.EngineConfig{
		Embedder:   embedder,
		Model:      model,
		Persistent: a.sqlite,
		Logger:     a.logger,
	})
	if err != nil {
		if opts.Type != scaled.VectorDBSQLite {
			db.Close()
		}
		return err
	}
	a.vectors, a.embedder, a.embedding = db, eng, eng
	a.indexer = indexer.NewVectorIndexer(db, eng, indexer.VectorIndexerOptions{Logger: a.logger})
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.embedding != nil {
		a.embedding.Close()
	}
	if a.scaled != nil {
		errs = append(errs, a.scaled.Close())
	} else {
		if a.vectors != nil && a.cfg.Scaling.VectorDB.Type != scaled.VectorDBSQLite {
			errs = append(errs, a.vectors.Close())
		}
		errs = append(errs, a.sqlite.Close())
	}
	return errors.Join(errs...)
}

func (a *app) engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.SimilarityThreshold = a.cfg.Operator.SimilarityThreshold
	cfg.ArchiveThreshold = a.cfg.Decay.ArchiveThreshold
	return cfg
}

// keywordIndex builds the configured keyword index and loads every active
// memory into it.
func (a *app) keywordIndex(ctx context.Context) (keywordBackend, func(), error) {
	var (
		idx     keywordBackend
		release = func() {}
	)
	switch a.cfg.Search.KeywordBackend {
	case "bleve":
		b, err := search.NewBleveKeywordIndex(search.BleveOptions{Logger: a.logger})
		if err != nil {
			return nil, nil, err
		}
		idx, release = b, func() { b.Close() }
	default:
		idx = search.NewKeywordIndex()
	}
	n, err := idx.Load(ctx, a.store)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to load keyword index: %w", err)
	}
	a.logger.Debug().Int("memories", n).Str("backend", a.cfg.Search.KeywordBackend).Msg("keyword index loaded")
	return idx, release, nil
}

// pipeline wires the noise filter, operator and deduplicator to the store.
// With LLM integration the filter gets a noise judge and the operator a
// conflict arbiter.
func (a *app) pipeline(keyword search.KeywordIndexer) (*engine.Pipeline, error) {
	ecfg := a.engineConfig()
	filterOpts := engine.NoiseFilterOptions{
		Strict:        a.cfg.Noise.Strict,
		MinLength:     a.cfg.Noise.MinLength,
		MinImportance: a.cfg.Noise.MinImportance,
		Capabilities:  a.caps,
		Logger:        a.logger,
	}
	opOpts := engine.OperatorOptions{Backend: a.store, Capabilities: a.caps, Logger: a.logger}
	if a.textGen != nil {
		filterOpts.Judge = llm.NewNoiseJudge(a.textGen)
		opOpts.Arbiter = llm.NewConflictJudge(a.textGen)
	}

	opts := engine.PipelineOptions{
		Store:    a.store,
		Config:   ecfg,
		Filter:   engine.NewNoiseFilter(filterOpts),
		Operator: engine.NewMemoryOperator(ecfg, nil, opOpts),
		Keyword:  keyword,
		Logger:   a.logger,
	}
	if a.indexer != nil {
		opts.Vectors = a.indexer
	}
	return engine.NewPipeline(opts)
}

// hybrid builds the search engine over keyword and, when available,
// the vector index.
func (a *app) hybrid(keyword search.KeywordSearcher) *search.HybridSearchEngine {
	cfg := search.Config{
		Keyword:       keyword,
		KeywordWeight: a.cfg.Search.KeywordWeight,
		VectorWeight:  a.cfg.Search.VectorWeight,
		MinScore:      a.cfg.Search.MinScore,
		Memories:      a.store,
		Logger:        a.logger,
	}
	if a.vectors != nil {
		cfg.Vectors = vector.NewIndexManager(a.vectors, a.logger)
		cfg.Embedder = a.embedder
	}
	return search.NewHybridSearchEngine(cfg)
}

// recordAccess counts a retrieval for each id; failures are only logged.
func (a *app) recordAccess(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := a.store.UpdateAccessStats(ctx, id, types.AccessRetrieval); err != nil {
			a.logger.Warn().Err(err).Str("id", id).Msg("failed to record access")
		}
	}
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.close(); err != nil {
		a.logger.Warn().Err(err).Msg("close failed")
	}
	return runErr
}
