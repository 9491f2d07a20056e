// Package llm provides the text-generation and embedding clients used for
// diagnosis and retrieval.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrEmptyResponse is returned when a provider answers without any text
	// or vectors.
	ErrEmptyResponse = errors.New("llm: empty response")
	// ErrProvider wraps non-success answers from a provider.
	ErrProvider = errors.New("llm: provider error")
)

// Request is a single-turn generation request.
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// Model generates text for a prompt. Implementations honour ctx deadlines
// and abandon the call when ctx is done.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req Request) (string, error)

func (f ModelFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}
