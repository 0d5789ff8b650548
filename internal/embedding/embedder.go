// Package embedding provides the embedding providers consumed by the vector index.
package embedding

import "context"

// Embedder produces vector embeddings for text.
// EmbedBatch returns one vector per input, in input order. Callers must not modify
// returned slices; providers may share them with a cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// Name identifies the provider and model, so vectors from different embedding spaces
	// are never mixed in one index.
	Name() string
	Close() error
}
