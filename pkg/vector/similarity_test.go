package vector_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/vector"
)

var _ = Describe("Cosine", func() {
	It("is 1 for parallel vectors", func() {
		Expect(vector.Cosine([]float32{1, 2}, []float32{2, 4})).To(BeNumerically("~", 1.0, 1e-6))
	})

	It("is 0 for mismatched lengths and zero vectors", func() {
		Expect(vector.Cosine([]float32{1}, []float32{1, 2})).To(BeZero())
		Expect(vector.Cosine([]float32{0, 0}, []float32{1, 2})).To(BeZero())
	})
})

var _ = Describe("Encode", func() {
	It("decodes what it encodes", func() {
		v, err := vector.Decode(vector.Encode([]float32{0.5, -1.25}))
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal([]float32{0.5, -1.25}))
	})

	It("rejects truncated blobs", func() {
		_, err := vector.Decode([]byte{1, 2, 3})
		Expect(err).To(HaveOccurred())
	})
})
