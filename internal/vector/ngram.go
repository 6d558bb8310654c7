package vector

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/viterin/vek/vek32"
)

// NGram embedder defaults.
const (
	NGramDimension = 512
	NGramModel     = "char-ngram-2-4"

	minGram = 2
	maxGram = 4
)

// NGramEmbedder is an offline embedder for mixed Chinese and Latin text.
// Each word, padded with a space on both sides, is cut into character
// 2- to 4-grams that are hashed into a fixed number of buckets. Counts
// are damped to 1+ln(tf) and the vector is L2 normalized, so texts
// sharing many character runs land close together.
//
// There is no inverse document frequency: vectors must stay comparable
// with ones stored by earlier processes while the corpus grows.
type NGramEmbedder struct {
	dim int
}

// NewNGramEmbedder returns an embedder with dim buckets (NGramDimension
// when dim <= 0).
func NewNGramEmbedder(dim int) *NGramEmbedder {
	if dim <= 0 {
		dim = NGramDimension
	}
	return &NGramEmbedder{dim: dim}
}

// Embed implements Embedder.
func (e *NGramEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.Vector(t)
	}
	return out, nil
}

// Dimension implements Embedder.
func (e *NGramEmbedder) Dimension() int { return e.dim }

// Vector embeds one text. Text without letters or digits maps to the zero
// vector.
func (e *NGramEmbedder) Vector(text string) []float32 {
	v := make([]float32, e.dim)
	for _, g := range charGrams(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(g))
		v[h.Sum32()%uint32(e.dim)]++
	}
	for i, tf := range v {
		if tf > 0 {
			v[i] = 1 + float32(math.Log(float64(tf)))
		}
	}
	if norm := vek32.Dot(v, v); norm > 0 {
		vek32.MulNumber_Inplace(v, float32(1/math.Sqrt(float64(norm))))
	}
	return v
}

// charGrams returns the word-bounded character n-grams of text, lower
// cased. Words are maximal runs of letters and digits.
func charGrams(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var grams []string
	for _, w := range words {
		padded := []rune(" " + w + " ")
		for n := minGram; n <= maxGram; n++ {
			if len(padded) < n {
				break
			}
			for i := 0; i+n <= len(padded); i++ {
				grams = append(grams, string(padded[i:i+n]))
			}
		}
	}
	return grams
}
