package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey  string
	Model   string        // default: claude-haiku-4-5-20251001
	BaseURL string        // default: https://api.anthropic.com
	Timeout time.Duration // default: 60s
	Logger  zerolog.Logger
}

// AnthropicClient implements TextGenerator using the Messages API. It has
// no embedding endpoint.
type AnthropicClient struct {
	cfg     AnthropicConfig
	client  *http.Client
	breaker *CircuitBreaker
}

// NewAnthropicClient creates a client with defaults for empty fields.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &AnthropicClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewCircuitBreaker("anthropic", cfg.Logger),
	}
}

type anthropicMessagesRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMessagesResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends a single-turn message and returns the first text block.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := Guarded(ctx, c.breaker, func() (string, error) {
		var resp anthropicMessagesResponse
		err := postJSON(ctx, c.client, c.cfg.BaseURL+"/v1/messages", map[string]string{
			"x-api-key":         c.cfg.APIKey,
			"anthropic-version": "2023-06-01",
		}, anthropicMessagesRequest{
			Model:     c.cfg.Model,
			MaxTokens: 256,
			Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		}, &resp)
		if err != nil {
			return "", err
		}
		if len(resp.Content) == 0 {
			return "", errors.New("anthropic returned empty content")
		}
		return resp.Content[0].Text, nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	return out, nil
}

// GetModel returns the configured model name.
func (c *AnthropicClient) GetModel() string {
	return c.cfg.Model
}

var _ TextGenerator = (*AnthropicClient)(nil)
