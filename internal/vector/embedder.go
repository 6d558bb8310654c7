// Package vector turns memory text into embeddings and keeps them in a
// vector index for similarity search.
package vector

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/viterin/vek/vek32"

	"github.com/ktao732084-arch/openclaw-memory-supersystem-v1.0-sub000/internal/llm"
)

// Embedder maps texts to fixed-dimension vectors, one per input in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// HashDimension is the size of HashEmbedder vectors: one float per byte of
// a SHA-256 digest.
const HashDimension = sha256.Size

// HashModel labels HashEmbedder vectors in the persistent cache.
const HashModel = "hash-sha256"

// HashEmbedder is a deterministic offline embedder. Each vector is the
// SHA-256 digest of the text with bytes scaled to [0,1]. Identical texts
// get identical vectors; anything else is effectively random, so it only
// serves as a placeholder when no model is configured.
type HashEmbedder struct{}

// Embed implements Embedder.
func (HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashVector(t)
	}
	return out, nil
}

// Dimension implements Embedder.
func (HashEmbedder) Dimension() int { return HashDimension }

// HashVector returns the HashEmbedder vector for text.
func HashVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, len(sum))
	for i, b := range sum {
		v[i] = float32(b) / 255
	}
	return v
}

// ModelEmbedder adapts an llm.EmbeddingGenerator (Ollama, OpenAI). When
// dim is zero the dimension is learned from the first successful call.
type ModelEmbedder struct {
	gen llm.EmbeddingGenerator
	dim atomic.Int64
}

// NewModelEmbedder wraps gen. dim may be 0 when unknown.
func NewModelEmbedder(gen llm.EmbeddingGenerator, dim int) *ModelEmbedder {
	e := &ModelEmbedder{gen: gen}
	e.dim.Store(int64(dim))
	return e
}

// Embed implements Embedder and rejects vectors of inconsistent size.
func (e *ModelEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.gen.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder %s returned %d vectors for %d texts", e.gen.GetModel(), len(vecs), len(texts))
	}
	want := e.dim.Load()
	for _, v := range vecs {
		if want == 0 {
			e.dim.CompareAndSwap(0, int64(len(v)))
			want = e.dim.Load()
		}
		if int64(len(v)) != want {
			return nil, fmt.Errorf("embedder %s: %w: got %d, want %d", e.gen.GetModel(), ErrDimensionMismatch, len(v), want)
		}
	}
	return vecs, nil
}

// Dimension implements Embedder. It is 0 until known.
func (e *ModelEmbedder) Dimension() int { return int(e.dim.Load()) }

// Model returns the underlying model name.
func (e *ModelEmbedder) Model() string { return e.gen.GetModel() }

// ErrDimensionMismatch is returned when vectors of different sizes meet.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Cosine returns the cosine similarity of a and b, or 0 when either has
// zero norm or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := vek32.Dot(a, a)
	nb := vek32.Dot(b, b)
	if na == 0 || nb == 0 {
		return 0
	}
	return float64(vek32.Dot(a, b)) / (math.Sqrt(float64(na)) * math.Sqrt(float64(nb)))
}
