package kafka_test

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/eventstream/kafka"
)

type recordingWriter struct {
	msgs []kafkago.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

var _ = Describe("Publisher", func() {
	It("requires brokers and a topic", func() {
		_, err := kafka.NewPublisher(kafka.Config{Topic: "t"})
		Expect(err).To(HaveOccurred())
		_, err = kafka.NewPublisher(kafka.Config{Brokers: []string{"localhost:9092"}})
		Expect(err).To(HaveOccurred())
	})

	It("keys messages by subject and carries the event type header", func() {
		w := &recordingWriter{}
		p := kafka.NewPublisherWithWriter(w, 0)

		ev := eventstream.New(eventstream.EventTypeDeletionCompleted, "del_1", map[string]string{"memory_id": "mem_001"})
		Expect(p.Publish(context.Background(), ev)).To(Succeed())

		Expect(w.msgs).To(HaveLen(1))
		Expect(string(w.msgs[0].Key)).To(Equal("del_1"))
		Expect(w.msgs[0].Headers[0].Key).To(Equal("event_type"))
		Expect(string(w.msgs[0].Headers[0].Value)).To(Equal(eventstream.EventTypeDeletionCompleted))

		var decoded map[string]any
		Expect(json.Unmarshal(w.msgs[0].Value, &decoded)).To(Succeed())
		Expect(decoded["event_id"]).To(Equal(ev.EventID))
	})

	It("rejects nil events", func() {
		p := kafka.NewPublisherWithWriter(&recordingWriter{}, 0)
		Expect(p.Publish(context.Background(), nil)).To(MatchError(eventstream.ErrNilEvent))
	})
})
