package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// OpenAIConfig configures both the chat and the embedding client.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // chat default: gpt-4o-mini; embedding default: text-embedding-3-small
	BaseURL string        // default: https://api.openai.com
	Timeout time.Duration // default: 60s
	Logger  zerolog.Logger
}

func (c *OpenAIConfig) defaults(model string) {
	if c.Model == "" {
		c.Model = model
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com"
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
}

func (c OpenAIConfig) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.APIKey}
}

// OpenAIClient implements TextGenerator over the chat completions API.
type OpenAIClient struct {
	cfg     OpenAIConfig
	client  *http.Client
	breaker *CircuitBreaker
}

// NewOpenAIClient creates a chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	cfg.defaults("gpt-4o-mini")
	return &OpenAIClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewCircuitBreaker("openai", cfg.Logger),
	}
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a single user message at temperature 0.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := Guarded(ctx, c.breaker, func() (string, error) {
		var resp openAIChatResponse
		err := postJSON(ctx, c.client, c.cfg.BaseURL+"/v1/chat/completions", c.cfg.headers(), openAIChatRequest{
			Model:    c.cfg.Model,
			Messages: []openAIChatMessage{{Role: "user", Content: prompt}},
		}, &resp)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("openai returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	return out, nil
}

// GetModel returns the configured model name.
func (c *OpenAIClient) GetModel() string {
	return c.cfg.Model
}

// OpenAIEmbeddingClient implements EmbeddingGenerator over /v1/embeddings.
type OpenAIEmbeddingClient struct {
	cfg     OpenAIConfig
	client  *http.Client
	breaker *CircuitBreaker
}

// NewOpenAIEmbeddingClient creates an embedding client.
func NewOpenAIEmbeddingClient(cfg OpenAIConfig) *OpenAIEmbeddingClient {
	cfg.defaults("text-embedding-3-small")
	return &OpenAIEmbeddingClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewCircuitBreaker("openai-embeddings", cfg.Logger),
	}
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed embeds texts in one request. Results are placed by the index the
// API reports.
func (c *OpenAIEmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out, err := Guarded(ctx, c.breaker, func() ([][]float32, error) {
		var resp openAIEmbeddingResponse
		if err := postJSON(ctx, c.client, c.cfg.BaseURL+"/v1/embeddings", c.cfg.headers(),
			openAIEmbeddingRequest{Model: c.cfg.Model, Input: texts}, &resp); err != nil {
			return nil, err
		}
		vecs := make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(vecs) || len(d.Embedding) == 0 {
				continue
			}
			v := make([]float32, len(d.Embedding))
			for i, x := range d.Embedding {
				v[i] = float32(x)
			}
			vecs[d.Index] = v
		}
		for i, v := range vecs {
			if v == nil {
				return nil, fmt.Errorf("openai returned no embedding for input %d", i)
			}
		}
		return vecs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	return out, nil
}

// GetModel returns the configured model name.
func (c *OpenAIEmbeddingClient) GetModel() string {
	return c.cfg.Model
}

var (
	_ TextGenerator      = (*OpenAIClient)(nil)
	_ EmbeddingGenerator = (*OpenAIEmbeddingClient)(nil)
)
