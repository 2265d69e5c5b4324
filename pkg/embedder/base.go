// Package embedder turns text into fixed-dimension vectors.
//
// Providers talk to a concrete embedding service. Client wraps a provider
// with a content-hash cache and a concurrency ceiling that both the HOT and
// COLD paths share.
package embedder

import "context"

// Provider is an embedding backend.
type Provider interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch returns vectors for texts in the same order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the vector length.
	Dimensions() int

	// Close releases provider resources.
	Close() error
}
