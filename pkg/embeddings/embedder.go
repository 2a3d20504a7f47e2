// Package embeddings turns memory text into the vectors cortex retrieves and
// attributes with.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbedding is wrapped by every embedder failure.
var ErrEmbedding = errors.New("embedding failed")

// Embedder provides text embedding capabilities.
type Embedder interface {
	// Embed converts text into a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Close releases any resources held by the embedder.
	Close() error
}

// EmbedAll embeds each text in order, stopping at the first failure.
func EmbedAll(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
