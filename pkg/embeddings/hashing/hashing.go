// Package hashing is an offline Embedder that projects token counts into a
// fixed number of buckets with the hashing trick.
//
// It has no model behind it: texts are similar exactly when they share tokens.
// That is enough for the consistency monitor's lexical checks and for tests,
// and keeps cortex usable with no embedding service configured.
package hashing

import (
	"context"
	"hash/fnv"

	"github.com/papercomputeco/cortex/pkg/embeddings"
	"github.com/papercomputeco/cortex/pkg/utils"
	"github.com/papercomputeco/cortex/pkg/vector"
)

// DefaultDimensions is used when Config.Dimensions is zero.
const DefaultDimensions = 256

// Config configures the hashing embedder.
type Config struct {
	Dimensions int

	// Stopwords are dropped before hashing. When nil, a small English list
	// is used.
	Stopwords []string
}

// Embedder is safe for concurrent use.
type Embedder struct {
	dims      int
	stopwords map[string]struct{}
}

var _ embeddings.Embedder = (*Embedder)(nil)

var defaultStopwords = []string{
	"a", "an", "the", "is", "are", "was", "were", "of", "to", "and", "or",
	"it", "this", "that", "for", "on", "with", "as", "be", "by",
}

// NewEmbedder returns a hashing embedder.
func NewEmbedder(c Config) *Embedder {
	dims := c.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}
	words := c.Stopwords
	if words == nil {
		words = defaultStopwords
	}

	stop := make(map[string]struct{}, len(words))
	for _, w := range words {
		stop[w] = struct{}{}
	}
	return &Embedder{dims: dims, stopwords: stop}
}

// Dimensions returns the embedding length.
func (e *Embedder) Dimensions() int {
	return e.dims
}

// Embed returns the unit-length hashed token vector of text. Text with no
// tokens embeds to the zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := make([]float32, e.dims)
	for _, tok := range utils.Tokens(text) {
		if _, ok := e.stopwords[tok]; ok {
			continue
		}

		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()

		// the high bit picks the sign so collisions cancel instead of pile up
		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}
		v[sum%uint64(e.dims)] += sign
	}
	return vector.Normalize(v), nil
}

func (e *Embedder) Close() error {
	return nil
}
