package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// OllamaClient talks to a local Ollama server for completions and
// embeddings. Every call goes through a circuit breaker.
type OllamaClient struct {
	baseURL    string
	model      string
	embedModel string
	timeout    time.Duration
	client     *http.Client
	breaker    *CircuitBreaker
}

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL defaults to http://localhost:11434.
	BaseURL string

	// Model is used for completions (default: qwen2.5:7b).
	Model string

	// EmbedModel is used for embeddings (default: nomic-embed-text).
	EmbedModel string

	// Timeout bounds each request (default: 30s).
	Timeout time.Duration

	Logger zerolog.Logger
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates a client, applying defaults for empty fields.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "qwen2.5:7b"
	}
	if config.EmbedModel == "" {
		config.EmbedModel = "nomic-embed-text"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &OllamaClient{
		baseURL:    config.BaseURL,
		model:      config.Model,
		embedModel: config.EmbedModel,
		timeout:    config.Timeout,
		client:     &http.Client{Timeout: config.Timeout},
		breaker:    NewCircuitBreaker("ollama", config.Logger),
	}
}

// Complete sends a non-streaming generate request and returns the text.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := Guarded(ctx, c.breaker, func() (string, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var resp generateResponse
		err := postJSON(ctx, c.client, c.baseURL+"/api/generate", nil,
			generateRequest{Model: c.model, Prompt: prompt}, &resp)
		return resp.Response, err
	})
	return out, wrapOllama(err)
}

// Embed embeds every text in one /api/embed call.
func (c *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out, err := Guarded(ctx, c.breaker, func() ([][]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var resp embedResponse
		if err := postJSON(ctx, c.client, c.baseURL+"/api/embed", nil,
			embedRequest{Model: c.embedModel, Input: texts}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(texts) {
			return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
		}
		for _, e := range resp.Embeddings {
			if len(e) == 0 {
				return nil, errors.New("ollama returned empty embedding vector")
			}
		}
		return resp.Embeddings, nil
	})
	return out, wrapOllama(err)
}

// HealthCheck checks /api/version. It bypasses the breaker.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// GetModel returns the completion model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

// EmbedModel returns the embedding model name.
func (c *OllamaClient) EmbedModel() string {
	return c.embedModel
}

// Breaker exposes the client's circuit breaker.
func (c *OllamaClient) Breaker() *CircuitBreaker {
	return c.breaker
}

func wrapOllama(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("ollama circuit breaker open: %w", err)
	}
	return fmt.Errorf("ollama: %w", err)
}

// Embeddings returns the client viewed as an EmbeddingGenerator whose
// GetModel reports the embedding model.
func (c *OllamaClient) Embeddings() EmbeddingGenerator {
	return ollamaEmbeddings{c}
}

type ollamaEmbeddings struct{ *OllamaClient }

func (e ollamaEmbeddings) GetModel() string { return e.embedModel }

var (
	_ TextGenerator      = (*OllamaClient)(nil)
	_ EmbeddingGenerator = ollamaEmbeddings{}
)
