// Package embedder provides text embedding providers for the memory engine.
//
// The engine treats embedding as best-effort: a provider that is slow or
// down must never block or fail a conversation write, so Embed takes a
// context and callers run it under a bounded timeout.
package embedder

import (
	"context"
	"errors"
)

// ErrEmbedding wraps any provider-side embedding failure so callers can
// classify it as transient.
var ErrEmbedding = errors.New("embedding failed")

// Embedder converts text into a fixed-length vector. Implementations must
// return vectors of a constant dimensionality for their lifetime.
type Embedder interface {
	// ModelID identifies the embedding model; vectors from different
	// models are not comparable.
	ModelID() string

	// Embed converts text into a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Close releases any resources held by the embedder.
	Close() error
}
