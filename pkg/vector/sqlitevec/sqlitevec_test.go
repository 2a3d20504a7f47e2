package sqlitevec_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/logger"
	"github.com/papercomputeco/cortex/pkg/vector"
	"github.com/papercomputeco/cortex/pkg/vector/sqlitevec"
)

var _ = Describe("Driver", func() {
	var (
		ctx    context.Context
		driver *sqlitevec.Driver
	)

	newDriver := func() *sqlitevec.Driver {
		d, err := sqlitevec.NewDriver(sqlitevec.Config{
			DBPath:     ":memory:",
			Dimensions: 4,
			Logger:     logger.Nop(),
		})
		Expect(err).NotTo(HaveOccurred())
		return d
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("NewDriver", func() {
		It("requires a database path", func() {
			_, err := sqlitevec.NewDriver(sqlitevec.Config{Dimensions: 4})
			Expect(err).To(MatchError(ContainSubstring("database path is required")))
		})

		It("requires dimensions", func() {
			_, err := sqlitevec.NewDriver(sqlitevec.Config{DBPath: ":memory:"})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("with documents", func() {
		BeforeEach(func() {
			driver = newDriver()
			Expect(driver.Add(ctx, []vector.Document{
				{ID: "mem_a", Embedding: []float32{1, 0, 0, 0}},
				{ID: "mem_b", Embedding: []float32{0.9, 0.1, 0, 0}},
				{ID: "mem_c", Embedding: []float32{0, 0, 1, 0}},
			})).To(Succeed())
		})

		AfterEach(func() {
			Expect(driver.Close()).To(Succeed())
		})

		It("orders results by similarity", func() {
			results, err := driver.Query(ctx, []float32{1, 0, 0, 0}, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
			Expect(results[0].ID).To(Equal("mem_a"))
			Expect(results[0].Score).To(BeNumerically("~", 1.0, 1e-4))
			Expect(results[1].ID).To(Equal("mem_b"))
		})

		It("upserts an existing document", func() {
			Expect(driver.Add(ctx, []vector.Document{
				{ID: "mem_c", Embedding: []float32{1, 0, 0, 0}},
			})).To(Succeed())

			docs, err := driver.Get(ctx, []string{"mem_c"})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(1))
			Expect(docs[0].Embedding).To(Equal([]float32{1, 0, 0, 0}))
		})

		It("deletes documents", func() {
			Expect(driver.Delete(ctx, []string{"mem_a", "unknown"})).To(Succeed())

			docs, err := driver.Get(ctx, []string{"mem_a", "mem_b"})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(1))
			Expect(docs[0].ID).To(Equal("mem_b"))
		})

		It("rejects embeddings of the wrong length", func() {
			err := driver.Add(ctx, []vector.Document{{ID: "x", Embedding: []float32{1}}})
			Expect(err).To(MatchError(vector.ErrDimensions))
		})
	})
})
