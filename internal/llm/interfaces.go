package llm

import "context"

// TextGenerator is the interface for LLM text completion.
// Prompts are single-string completions, not chat transcripts.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator produces one vector per input text, in input order.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	GetModel() string
}
