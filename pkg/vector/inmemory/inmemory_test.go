package inmemory_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/vector"
	"github.com/papercomputeco/cortex/pkg/vector/inmemory"
)

var _ = Describe("Driver", func() {
	var (
		ctx    context.Context
		driver *inmemory.Driver
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver(0)
		Expect(driver.Add(ctx, []vector.Document{
			{ID: "mem_a", Embedding: []float32{1, 0}},
			{ID: "mem_b", Embedding: []float32{1, 1}},
			{ID: "mem_c", Embedding: []float32{0, 1}},
		})).To(Succeed())
	})

	It("returns the top k by cosine similarity", func() {
		results, err := driver.Query(ctx, []float32{1, 0}, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(2))
		Expect(results[0].ID).To(Equal("mem_a"))
		Expect(results[1].ID).To(Equal("mem_b"))
	})

	It("fixes dimensions from the first document", func() {
		err := driver.Add(ctx, []vector.Document{{ID: "bad", Embedding: []float32{1, 2, 3}}})
		Expect(err).To(MatchError(vector.ErrDimensions))
		Expect(driver.Len()).To(Equal(3))
	})

	It("ignores unknown ids on delete", func() {
		Expect(driver.Delete(ctx, []string{"mem_a", "nope"})).To(Succeed())
		docs, err := driver.Get(ctx, []string{"mem_a", "mem_b"})
		Expect(err).NotTo(HaveOccurred())
		Expect(docs).To(HaveLen(1))
	})
})
