package llm

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ProviderConfig selects and configures a model provider.
type ProviderConfig struct {
	Provider   string // ollama (default), openai, anthropic
	BaseURL    string
	APIKey     string
	Model      string
	EmbedModel string
	Timeout    time.Duration
	Logger     zerolog.Logger
}

// NewTextGenerator builds the completion client for cfg.Provider.
func NewTextGenerator(cfg ProviderConfig) (TextGenerator, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL, Model: cfg.Model, EmbedModel: cfg.EmbedModel,
			Timeout: cfg.Timeout, Logger: cfg.Logger,
		}), nil
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout, Logger: cfg.Logger,
		}), nil
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout, Logger: cfg.Logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

// NewEmbeddingGenerator builds the embedding client for cfg.Provider.
// It returns (nil, nil) for providers without embeddings (anthropic).
func NewEmbeddingGenerator(cfg ProviderConfig) (EmbeddingGenerator, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL, Model: cfg.Model, EmbedModel: cfg.EmbedModel,
			Timeout: cfg.Timeout, Logger: cfg.Logger,
		}).Embeddings(), nil
	case "openai":
		return NewOpenAIEmbeddingClient(OpenAIConfig{
			APIKey: cfg.APIKey, Model: cfg.EmbedModel, BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout, Logger: cfg.Logger,
		}), nil
	case "anthropic":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
