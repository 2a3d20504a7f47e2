package cache_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/papercomputeco/cortex/pkg/embeddings/cache"
	"github.com/papercomputeco/cortex/pkg/logger"
	testutils "github.com/papercomputeco/cortex/pkg/utils/test"
)

type fakeRedis struct {
	data    map[string]string
	failGet bool
	ttls    []time.Duration
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.failGet {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.data[key] = string(value.([]byte))
	f.ttls = append(f.ttls, ttl)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error { return nil }

var _ = Describe("Embedder", func() {
	var (
		ctx  context.Context
		rdb  *fakeRedis
		next *testutils.MockEmbedder
		e    *cache.Embedder
	)

	BeforeEach(func() {
		ctx = context.Background()
		rdb = &fakeRedis{data: map[string]string{}}
		next = testutils.NewMockEmbedder()
		next.Embeddings["hello"] = []float32{1, 2}
		e = cache.New(next, rdb, cache.Config{Namespace: "test", TTL: time.Hour, Logger: logger.Nop()})
	})

	It("serves repeat embeddings from the cache", func() {
		first, err := e.Embed(ctx, "hello")
		Expect(err).NotTo(HaveOccurred())
		second, err := e.Embed(ctx, "hello")
		Expect(err).NotTo(HaveOccurred())

		Expect(second).To(Equal(first))
		Expect(next.Calls).To(Equal(1))
		Expect(rdb.ttls).To(ConsistOf(time.Hour))
	})

	It("falls through when redis is unavailable", func() {
		rdb.failGet = true
		v, err := e.Embed(ctx, "hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal([]float32{1, 2}))
	})

	It("namespaces keys", func() {
		other := cache.New(next, rdb, cache.Config{Namespace: "other"})
		Expect(e.Key("hello")).NotTo(Equal(other.Key("hello")))
	})
})
