// Package cache wraps an embeddings.Embedder with a Redis-backed cache keyed
// by model and content hash.
//
// The cache never fails an Embed: Redis errors are logged and the call falls
// through to the wrapped embedder.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papercomputeco/cortex/pkg/embeddings"
	"github.com/papercomputeco/cortex/pkg/vector"
)

const keyPrefix = "cortex:embedding:"

// Client is the subset of *redis.Client the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Config holds configuration for the cache.
type Config struct {
	// Namespace separates entries of different embedding models.
	Namespace string

	// TTL of cached entries. Zero keeps entries until evicted.
	TTL time.Duration

	Logger *slog.Logger
}

// Embedder serves embeddings from Redis when present.
type Embedder struct {
	next      embeddings.Embedder
	rdb       Client
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
}

var _ embeddings.Embedder = (*Embedder)(nil)

// Dial connects to Redis at addr and verifies it with a ping.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// New wraps next with rdb.
func New(next embeddings.Embedder, rdb Client, c Config) *Embedder {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{
		next:      next,
		rdb:       rdb,
		namespace: c.Namespace,
		ttl:       c.TTL,
		logger:    logger,
	}
}

// Key returns the Redis key text is cached under.
func (e *Embedder) Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return keyPrefix + e.namespace + ":" + hex.EncodeToString(sum[:])
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.Key(text)

	blob, err := e.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if v, derr := vector.Decode(blob); derr == nil {
			return v, nil
		}
		e.logger.Warn("discarding corrupt cached embedding", "key", key)
	case !errors.Is(err, redis.Nil):
		e.logger.Warn("embedding cache read failed", "error", err)
	}

	v, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := e.rdb.Set(ctx, key, vector.Encode(v), e.ttl).Err(); err != nil {
		e.logger.Warn("embedding cache write failed", "error", err)
	}
	return v, nil
}

// Close closes the wrapped embedder and the Redis client.
func (e *Embedder) Close() error {
	return errors.Join(e.next.Close(), e.rdb.Close())
}
