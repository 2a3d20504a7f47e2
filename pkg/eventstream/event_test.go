package eventstream_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/eventstream"
)

var _ = Describe("Event", func() {
	It("stamps new events", func() {
		ev := eventstream.New(eventstream.EventTypeTierChanged, "mem_001", eventstream.TierChange{From: "hot", To: "warm"})
		Expect(ev.SchemaVersion).To(Equal(eventstream.SchemaVersionV1))
		Expect(ev.EventID).To(HavePrefix("evt_"))
		Expect(ev.EmittedAt.IsZero()).To(BeFalse())
	})

	It("marshals with the envelope keys", func() {
		payload, err := json.Marshal(eventstream.New(eventstream.EventTypeMemoryWritten, "mem_001", nil))
		Expect(err).NotTo(HaveOccurred())

		var got map[string]any
		Expect(json.Unmarshal(payload, &got)).To(Succeed())
		Expect(got).To(HaveKey("schema_version"))
		Expect(got).To(HaveKey("event_type"))
		Expect(got).To(HaveKey("subject"))
		Expect(got).NotTo(HaveKey("data"))
	})
})
