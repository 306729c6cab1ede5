// Package embedding provides text embedding backends for semantic
// reranking. Search recall is lexical; embeddings only reorder it.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dims returns the embedding dimension.
	Dims() int
}

// L2Distance returns the Euclidean distance between two vectors.
// Mismatched or empty vectors are maximally distant.
func L2Distance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return math.MaxFloat64
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ZeroVector returns an all-zero embedding of the given dimension, used
// as the placeholder for history entries merged into ranked recall.
func ZeroVector(dims int) []float32 {
	return make([]float32, dims)
}

// New creates an embedder for the given provider name.
func New(provider, baseURL, apiKey, model string, dims int) (Embedder, error) {
	switch provider {
	case "openai":
		return NewOpenAI(baseURL, apiKey, model, dims), nil
	case "ollama":
		return NewOllama(baseURL, model, dims), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", provider)
	}
}
