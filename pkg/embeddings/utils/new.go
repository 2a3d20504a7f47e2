// Package embeddingutils builds the configured embeddings.Embedder.
package embeddingutils

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/papercomputeco/cortex/pkg/embeddings"
	"github.com/papercomputeco/cortex/pkg/embeddings/cache"
	"github.com/papercomputeco/cortex/pkg/embeddings/hashing"
	"github.com/papercomputeco/cortex/pkg/embeddings/ollama"
)

type NewEmbedderOpts struct {
	ProviderType string
	TargetURL    string
	Model        string
	Dimensions   int

	// CacheAddr enables the Redis embedding cache when set.
	CacheAddr     string
	CachePassword string
	CacheTTL      time.Duration

	Logger *slog.Logger
}

func NewEmbedder(ctx context.Context, o *NewEmbedderOpts) (embeddings.Embedder, error) {
	var e embeddings.Embedder
	switch o.ProviderType {
	case "", "hashing":
		e = hashing.NewEmbedder(hashing.Config{Dimensions: o.Dimensions})
	case "ollama":
		e = ollama.NewEmbedder(ollama.EmbedderConfig{
			BaseURL: o.TargetURL,
			Model:   o.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", o.ProviderType)
	}

	if o.CacheAddr == "" {
		return e, nil
	}

	rdb, err := cache.Dial(ctx, o.CacheAddr, o.CachePassword, 0)
	if err != nil {
		return nil, fmt.Errorf("connecting embedding cache: %w", err)
	}
	return cache.New(e, rdb, cache.Config{
		Namespace: o.ProviderType + "/" + o.Model,
		TTL:       o.CacheTTL,
		Logger:    o.Logger,
	}), nil
}
