package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaClient_CompleteAndEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			var req generateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.False(t, req.Stream)
			_ = json.NewEncoder(w).Encode(generateResponse{Response: "echo: " + req.Prompt, Done: true})
		case "/api/embed":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "embed-model", req.Model)
			resp := embedResponse{}
			for i := range req.Input {
				resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 1})
			}
			_ = json.NewEncoder(w).Encode(resp)
		case "/api/version":
			_, _ = w.Write([]byte(`{"version":"0.5.0"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, EmbedModel: "embed-model", Timeout: time.Second})
	ctx := context.Background()

	out, err := c.Complete(ctx, "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)

	emb := c.Embeddings()
	assert.Equal(t, "embed-model", emb.GetModel())
	vecs, err := emb.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 1}, vecs[1])

	assert.NoError(t, c.HealthCheck(ctx))
}

func TestOllamaClient_BreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Timeout: time.Second})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Complete(ctx, "x")
		require.Error(t, err)
	}

	_, err := c.Complete(ctx, "x")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load(), "open breaker short-circuits")
	assert.Equal(t, "open", c.Breaker().State())
	assert.Equal(t, uint64(4), c.Breaker().Metrics().TotalFailures)
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("test", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := cb.Execute(ctx, func() (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestGuarded_PreservesType(t *testing.T) {
	cb := NewCircuitBreaker("test", zerolog.Nop())
	v, err := Guarded(context.Background(), cb, func() ([]int, error) { return []int{1, 2}, nil })
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, v)

	sentinel := errors.New("nope")
	_, err = Guarded(context.Background(), cb, func() (string, error) { return "", sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestOpenAIEmbeddingClient_OrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0.5]},{"index":0,"embedding":[0.25]}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIEmbeddingClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	vecs, err := c.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.25}, {0.5}}, vecs)
	assert.Equal(t, "text-embedding-3-small", c.GetModel())
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"content":[{"text":"ok"}]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "secret", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestFactory(t *testing.T) {
	gen, err := NewTextGenerator(ProviderConfig{})
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, gen)

	emb, err := NewEmbeddingGenerator(ProviderConfig{Provider: "anthropic"})
	require.NoError(t, err)
	assert.Nil(t, emb)

	_, err = NewTextGenerator(ProviderConfig{Provider: "nope"})
	assert.Error(t, err)
}

type stubGen struct {
	reply string
	err   error
}

func (s stubGen) Complete(context.Context, string) (string, error) { return s.reply, s.err }
func (s stubGen) GetModel() string                                 { return "stub" }

func TestNoiseJudge(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    bool
		wantErr bool
	}{
		{"plain json", `{"noise": true, "reason": "greeting"}`, true, false},
		{"fenced", "```json\n{\"noise\": false, \"reason\": \"preference\"}\n```", false, false},
		{"prose around", `Sure! {"noise": true, "reason": "math {braces}"} hope this helps`, true, false},
		{"garbage", "I think it is noise", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewNoiseJudge(stubGen{reply: tt.reply})
			got, err := j.IsNoise(context.Background(), "content")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	j := NewNoiseJudge(stubGen{err: errors.New("down")})
	_, err := j.IsNoise(context.Background(), "x")
	assert.Error(t, err)
}

func TestConflictJudge(t *testing.T) {
	j := NewConflictJudge(stubGen{reply: "```json\n{\"action\": \"update\", \"reason\": \"moved\"}\n```"})
	action, err := j.Arbitrate(context.Background(), "new", "old")
	require.NoError(t, err)
	assert.Equal(t, "UPDATE", action)

	_, err = NewConflictJudge(stubGen{reply: `{"action": "replace"}`}).Arbitrate(context.Background(), "new", "old")
	assert.Error(t, err)

	_, err = NewConflictJudge(stubGen{err: errors.New("down")}).Arbitrate(context.Background(), "new", "old")
	assert.Error(t, err)

	assert.Contains(t, ConflictPrompt("住在上海", "住在北京"), "Old memory: 住在北京")
}
