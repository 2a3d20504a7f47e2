package nop_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/eventstream/nop"
)

var _ = Describe("Publisher", func() {
	It("returns ErrNilEvent for nil events", func() {
		p := nop.NewPublisher()
		Expect(p.Publish(context.Background(), nil)).To(MatchError(eventstream.ErrNilEvent))
	})

	It("accepts events", func() {
		p := nop.NewPublisher()
		ev := eventstream.New(eventstream.EventTypeMemoryWritten, "mem_001", nil)
		Expect(p.Publish(context.Background(), ev)).To(Succeed())
		Expect(p.Close()).To(Succeed())
	})
})
