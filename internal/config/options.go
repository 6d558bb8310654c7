package config

import (
	"github.com/rs/zerolog"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/cache"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/indexer"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/llm"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/scaled"
	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/storage/sharded"
)

// CacheConfig converts the cache section.
func (c *Config) CacheConfig() cache.Config {
	cc := c.Scaling.Cache
	return cache.Config{
		L1Size: cc.L1Size,
		L1TTL:  seconds(cc.L1TTL),
		L2Size: cc.L2Size,
		L2TTL:  seconds(cc.L2TTL),
		L3Size: cc.L3Size,
		L3TTL:  seconds(cc.L3TTL),
	}
}

// IndexerConfig converts the async_indexer section.
func (c *Config) IndexerConfig(logger zerolog.Logger) indexer.Config {
	ic := c.Scaling.AsyncIndexer
	return indexer.Config{
		BatchSize:     ic.BatchSize,
		FlushInterval: seconds(ic.FlushInterval),
		MaxQueueSize:  ic.MaxQueueSize,
		MaxWorkers:    ic.MaxWorkers,
		MaxRetries:    ic.MaxRetries,
		Logger:        logger,
	}
}

// VectorDBOptions converts the vector_db section.
func (c *Config) VectorDBOptions() scaled.VectorDBOptions {
	v := c.Scaling.VectorDB
	return scaled.VectorDBOptions{
		Enabled:    v.Enabled,
		Type:       v.Type,
		Path:       v.Path,
		DSN:        v.DSN,
		Collection: v.Collection,
	}
}

// ScaledOptions builds the storage facade options. The caller fills in
// Embedder and the SQLite access boost hook.
func (c *Config) ScaledOptions(logger zerolog.Logger) scaled.Options {
	return scaled.Options{
		DataDir:        c.Storage.DataDir,
		Threshold:      c.Scaling.Thresholds.AutoScale,
		AutoMigrate:    c.Scaling.AutoMigrate,
		Watch:          c.Scaling.Watch,
		Sharded:        sharded.Options{ShardSize: c.Scaling.ShardSize},
		Cache:          cache.NewManager(c.CacheConfig()),
		VectorDB:       c.VectorDBOptions(),
		EmbeddingModel: c.LLM.EmbedModel,
		Indexer:        c.IndexerConfig(logger),
		Logger:         logger,
	}
}

// ProviderConfig converts the llm section.
func (c *Config) ProviderConfig(logger zerolog.Logger) llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider:   c.LLM.Provider,
		BaseURL:    c.LLM.BaseURL,
		APIKey:     c.LLM.APIKey,
		Model:      c.LLM.Model,
		EmbedModel: c.LLM.EmbedModel,
		Logger:     logger,
	}
}
