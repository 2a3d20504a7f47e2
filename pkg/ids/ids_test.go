package ids_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/ids"
)

var _ = Describe("New", func() {
	It("prefixes ids", func() {
		Expect(ids.New(ids.PrefixMemory)).To(HavePrefix("mem_"))
	})

	It("sorts by creation order", func() {
		a := ids.New(ids.PrefixQuery)
		b := ids.New(ids.PrefixQuery)
		Expect(strings.Compare(a, b)).To(Equal(-1))
	})
})

var _ = Describe("Point", func() {
	It("is stable for the same id", func() {
		Expect(ids.Point("mem_001")).To(Equal(ids.Point("mem_001")))
		Expect(ids.Point("mem_001")).NotTo(Equal(ids.Point("mem_002")))
	})
})
