// Package config provides configuration management for memsys.
// Settings start from defaults, are overlaid by an optional YAML file and
// finally by environment variables with the MEMSYS_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for memsys.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Scaling  ScalingConfig  `yaml:"scaling"`
	Search   SearchConfig   `yaml:"search"`
	Noise    NoiseConfig    `yaml:"noise_filter"`
	Operator OperatorConfig `yaml:"operator"`
	Decay    DecayConfig    `yaml:"decay"`
	LLM      LLMConfig      `yaml:"llm"`
	Log      LogConfig      `yaml:"log"`
}

// StorageConfig contains data directory settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"` // default: ./memory
}

// ScalingConfig controls the sharded backend, caches, background indexing
// and the vector database.
type ScalingConfig struct {
	Enabled      bool             `yaml:"enabled"`      // default: true
	ShardSize    int              `yaml:"shard_size"`   // default: 10000
	AutoMigrate  bool             `yaml:"auto_migrate"` // default: true
	Watch        bool             `yaml:"watch"`        // default: false
	Cache        CacheConfig      `yaml:"cache"`
	AsyncIndexer IndexerConfig    `yaml:"async_indexer"`
	VectorDB     VectorDBConfig   `yaml:"vector_db"`
	Thresholds   ThresholdsConfig `yaml:"thresholds"`
}

// CacheConfig sizes the three cache levels. TTLs are in seconds.
type CacheConfig struct {
	L1Size int     `yaml:"l1_size"` // default: 1000
	L2Size int     `yaml:"l2_size"` // default: 10000
	L3Size int     `yaml:"l3_size"` // default: 50000
	L1TTL  float64 `yaml:"l1_ttl"`  // default: 3600
	L2TTL  float64 `yaml:"l2_ttl"`  // default: 300
	L3TTL  float64 `yaml:"l3_ttl"`  // default: 86400
}

// IndexerConfig configures the async vector indexer. FlushInterval is in
// seconds.
type IndexerConfig struct {
	BatchSize     int     `yaml:"batch_size"`     // default: 100
	FlushInterval float64 `yaml:"flush_interval"` // default: 5
	MaxQueueSize  int     `yaml:"max_queue_size"` // default: 10000
	MaxWorkers    int     `yaml:"max_workers"`    // default: 4
	MaxRetries    int     `yaml:"max_retries"`    // default: 3
}

// VectorDBConfig selects the vector database.
type VectorDBConfig struct {
	Enabled    bool   `yaml:"enabled"`    // default: false
	Type       string `yaml:"type"`       // sqlite, chromem, pgvector (default: chromem)
	Host       string `yaml:"host"`       // default: localhost
	Port       int    `yaml:"port"`       // default: 6333
	Collection string `yaml:"collection"` // default: memories
	Path       string `yaml:"path"`       // chromem persistence directory
	DSN        string `yaml:"dsn"`        // pgvector connection string
	Embedder   string `yaml:"embedder"`   // offline embedder: hash or ngram (default: hash)
}

// ThresholdsConfig holds the auto-scale switch point.
type ThresholdsConfig struct {
	AutoScale int `yaml:"auto_scale"` // default: 50000
}

// SearchConfig tunes hybrid search.
type SearchConfig struct {
	KeywordWeight  float64 `yaml:"keyword_weight"`  // default: 0.3
	VectorWeight   float64 `yaml:"vector_weight"`   // default: 0.7
	MinScore       float64 `yaml:"min_score"`       // default: 0.2
	KeywordBackend string  `yaml:"keyword_backend"` // ngram or bleve (default: ngram)
	Fusion         string  `yaml:"fusion"`          // weighted or rrf (default: weighted)
}

// NoiseConfig tunes the noise filter.
type NoiseConfig struct {
	Strict        bool    `yaml:"strict"`         // default: false
	MinLength     int     `yaml:"min_length"`     // default: 5
	MinImportance float64 `yaml:"min_importance"` // default: 0.2
}

// OperatorConfig tunes the memory operator.
type OperatorConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // default: 0.7
}

// DecayConfig tunes score decay.
type DecayConfig struct {
	ArchiveThreshold float64 `yaml:"archive_threshold"` // default: 0.05
}

// LLMConfig contains LLM provider configuration.
type LLMConfig struct {
	Enabled    bool   `yaml:"enabled"`     // default: false
	Provider   string `yaml:"provider"`    // ollama, openai, anthropic (default: ollama)
	BaseURL    string `yaml:"base_url"`    // default: http://localhost:11434
	Model      string `yaml:"model"`       // default: qwen2.5:7b
	EmbedModel string `yaml:"embed_model"` // default: nomic-embed-text
	APIKey     string `yaml:"api_key"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`  // default: info
	Format string `yaml:"format"` // console or json (default: console)
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{DataDir: "./memory"},
		Scaling: ScalingConfig{
			Enabled:     true,
			ShardSize:   10000,
			AutoMigrate: true,
			Cache: CacheConfig{
				L1Size: 1000, L2Size: 10000, L3Size: 50000,
				L1TTL: 3600, L2TTL: 300, L3TTL: 86400,
			},
			AsyncIndexer: IndexerConfig{
				BatchSize:     100,
				FlushInterval: 5,
				MaxQueueSize:  10000,
				MaxWorkers:    4,
				MaxRetries:    3,
			},
			VectorDB: VectorDBConfig{
				Type:       "chromem",
				Host:       "localhost",
				Port:       6333,
				Collection: "memories",
				Embedder:   "hash",
			},
			Thresholds: ThresholdsConfig{AutoScale: 50000},
		},
		Search: SearchConfig{
			KeywordWeight:  0.3,
			VectorWeight:   0.7,
			MinScore:       0.2,
			KeywordBackend: "ngram",
			Fusion:         "weighted",
		},
		Noise:    NoiseConfig{MinLength: 5, MinImportance: 0.2},
		Operator: OperatorConfig{SimilarityThreshold: 0.7},
		Decay:    DecayConfig{ArchiveThreshold: 0.05},
		LLM: LLMConfig{
			Provider:   "ollama",
			BaseURL:    "http://localhost:11434",
			Model:      "qwen2.5:7b",
			EmbedModel: "nomic-embed-text",
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the MEMSYS_ prefix.
func LoadConfig() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML config file over the defaults, then applies
// environment overrides. Keys missing from a section keep their defaults.
// A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MEMSYS_ environment variables on the current values.
func (c *Config) applyEnv() {
	c.Storage.DataDir = getEnv("MEMSYS_DATA_DIR", c.Storage.DataDir)

	s := &c.Scaling
	s.Enabled = getEnvBool("MEMSYS_SCALING_ENABLED", s.Enabled)
	s.ShardSize = getEnvInt("MEMSYS_SHARD_SIZE", s.ShardSize)
	s.AutoMigrate = getEnvBool("MEMSYS_AUTO_MIGRATE", s.AutoMigrate)
	s.Watch = getEnvBool("MEMSYS_WATCH_SHARDS", s.Watch)
	s.Thresholds.AutoScale = getEnvInt("MEMSYS_AUTO_SCALE", s.Thresholds.AutoScale)
	s.AsyncIndexer.BatchSize = getEnvInt("MEMSYS_INDEXER_BATCH_SIZE", s.AsyncIndexer.BatchSize)
	s.AsyncIndexer.MaxWorkers = getEnvInt("MEMSYS_INDEXER_WORKERS", s.AsyncIndexer.MaxWorkers)
	s.VectorDB.Enabled = getEnvBool("MEMSYS_VECTOR_DB_ENABLED", s.VectorDB.Enabled)
	s.VectorDB.Type = getEnv("MEMSYS_VECTOR_DB_TYPE", s.VectorDB.Type)
	s.VectorDB.Path = getEnv("MEMSYS_VECTOR_DB_PATH", s.VectorDB.Path)
	s.VectorDB.DSN = getEnv("MEMSYS_VECTOR_DB_DSN", s.VectorDB.DSN)
	s.VectorDB.Collection = getEnv("MEMSYS_VECTOR_DB_COLLECTION", s.VectorDB.Collection)
	s.VectorDB.Embedder = getEnv("MEMSYS_EMBEDDER", s.VectorDB.Embedder)

	c.Search.KeywordWeight = getEnvFloat("MEMSYS_KEYWORD_WEIGHT", c.Search.KeywordWeight)
	c.Search.VectorWeight = getEnvFloat("MEMSYS_VECTOR_WEIGHT", c.Search.VectorWeight)
	c.Search.MinScore = getEnvFloat("MEMSYS_MIN_SCORE", c.Search.MinScore)
	c.Search.KeywordBackend = getEnv("MEMSYS_KEYWORD_BACKEND", c.Search.KeywordBackend)
	c.Search.Fusion = getEnv("MEMSYS_SEARCH_FUSION", c.Search.Fusion)

	c.Noise.Strict = getEnvBool("MEMSYS_NOISE_STRICT", c.Noise.Strict)
	c.Operator.SimilarityThreshold = getEnvFloat("MEMSYS_SIMILARITY_THRESHOLD", c.Operator.SimilarityThreshold)
	c.Decay.ArchiveThreshold = getEnvFloat("MEMSYS_ARCHIVE_THRESHOLD", c.Decay.ArchiveThreshold)

	c.LLM.Enabled = getEnvBool("MEMSYS_LLM_ENABLED", c.LLM.Enabled)
	c.LLM.Provider = getEnv("MEMSYS_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.BaseURL = getEnv("MEMSYS_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnv("MEMSYS_LLM_MODEL", c.LLM.Model)
	c.LLM.EmbedModel = getEnv("MEMSYS_EMBED_MODEL", c.LLM.EmbedModel)
	c.LLM.APIKey = getEnv("MEMSYS_LLM_API_KEY", c.LLM.APIKey)

	c.Log.Level = getEnv("MEMSYS_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("MEMSYS_LOG_FORMAT", c.Log.Format)
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("config: data_dir must not be empty")
	}
	if c.Scaling.ShardSize < 1 {
		return fmt.Errorf("config: shard_size must be >= 1, got %d", c.Scaling.ShardSize)
	}
	if c.Scaling.Thresholds.AutoScale < 1 {
		return fmt.Errorf("config: thresholds.auto_scale must be >= 1, got %d", c.Scaling.Thresholds.AutoScale)
	}
	cc := c.Scaling.Cache
	if cc.L1Size < 1 || cc.L2Size < 1 || cc.L3Size < 1 {
		return fmt.Errorf("config: cache sizes must be >= 1, got %d/%d/%d", cc.L1Size, cc.L2Size, cc.L3Size)
	}
	if cc.L1TTL < 0 || cc.L2TTL < 0 || cc.L3TTL < 0 {
		return errors.New("config: cache TTLs must be >= 0")
	}
	ic := c.Scaling.AsyncIndexer
	if ic.BatchSize < 1 || ic.MaxQueueSize < 1 || ic.MaxWorkers < 1 {
		return fmt.Errorf("config: async_indexer batch_size, max_queue_size and max_workers must be >= 1")
	}
	if ic.FlushInterval <= 0 {
		return fmt.Errorf("config: async_indexer.flush_interval must be > 0, got %v", ic.FlushInterval)
	}
	switch c.Scaling.VectorDB.Type {
	case "sqlite", "chromem", "pgvector":
	default:
		return fmt.Errorf("config: unsupported vector_db.type %q", c.Scaling.VectorDB.Type)
	}
	switch c.Scaling.VectorDB.Embedder {
	case "hash", "ngram":
	default:
		return fmt.Errorf("config: unsupported vector_db.embedder %q", c.Scaling.VectorDB.Embedder)
	}
	if c.Scaling.VectorDB.Enabled && c.Scaling.VectorDB.Type == "pgvector" && c.Scaling.VectorDB.DSN == "" {
		return errors.New("config: vector_db.dsn is required for pgvector")
	}
	if c.Search.KeywordWeight < 0 || c.Search.VectorWeight < 0 || c.Search.KeywordWeight+c.Search.VectorWeight <= 0 {
		return fmt.Errorf("config: search weights must be non-negative with a positive sum, got %v/%v",
			c.Search.KeywordWeight, c.Search.VectorWeight)
	}
	if c.Search.MinScore < 0 || c.Search.MinScore > 1 {
		return fmt.Errorf("config: search.min_score must be in [0,1], got %v", c.Search.MinScore)
	}
	switch c.Search.KeywordBackend {
	case "ngram", "bleve":
	default:
		return fmt.Errorf("config: unsupported search.keyword_backend %q", c.Search.KeywordBackend)
	}
	switch c.Search.Fusion {
	case "weighted", "rrf":
	default:
		return fmt.Errorf("config: unsupported search.fusion %q", c.Search.Fusion)
	}
	if c.Noise.MinLength < 0 || c.Noise.MinImportance < 0 || c.Noise.MinImportance > 1 {
		return errors.New("config: noise_filter thresholds out of range")
	}
	if c.Operator.SimilarityThreshold <= 0 || c.Operator.SimilarityThreshold > 1 {
		return fmt.Errorf("config: operator.similarity_threshold must be in (0,1], got %v", c.Operator.SimilarityThreshold)
	}
	if c.Decay.ArchiveThreshold < 0 || c.Decay.ArchiveThreshold >= 1 {
		return fmt.Errorf("config: decay.archive_threshold must be in [0,1), got %v", c.Decay.ArchiveThreshold)
	}
	switch c.LLM.Provider {
	case "ollama", "openai", "anthropic":
	default:
		return fmt.Errorf("config: unsupported llm.provider %q", c.LLM.Provider)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: unsupported log.format %q", c.Log.Format)
	}
	return nil
}

// seconds converts a YAML seconds value to a duration.
func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
