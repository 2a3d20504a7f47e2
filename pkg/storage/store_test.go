package storage_test

import (
	"context"
	"fmt"
	"math"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/storage"
	"github.com/papercomputeco/cortex/pkg/storage/inmemory"
	testutils "github.com/papercomputeco/cortex/pkg/utils/test"
)

var _ = Describe("Store", func() {
	var (
		ctx       context.Context
		now       time.Time
		index     *testutils.MockVectorDriver
		publisher *testutils.MockPublisher
		store     *storage.Store
	)

	put := func(id string, emb ...float32) *memory.Memory {
		m := &memory.Memory{ID: id, Text: "memory " + id, Criticality: 0.3, Embedding: emb}
		Expect(store.Put(ctx, m)).To(Succeed())
		return m
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		index = testutils.NewMockVectorDriver()
		publisher = testutils.NewMockPublisher()
		store = storage.NewStore(storage.StoreConfig{
			Driver:    inmemory.NewDriver(),
			Index:     index,
			Publisher: publisher,
			Now:       func() time.Time { return now },
		})
	})

	Describe("Put", func() {
		It("fills defaults and publishes a write", func() {
			m := &memory.Memory{Text: "User prefers dark mode", Criticality: 0.4, Embedding: []float32{1, 0, 0}}
			Expect(store.Put(ctx, m)).To(Succeed())

			Expect(m.ID).To(HavePrefix("mem_"))
			Expect(m.Tier).To(Equal(memory.TierHot))
			Expect(m.Version).To(Equal(1))
			Expect(m.CreatedAt).To(Equal(now))
			Expect(index.Len()).To(Equal(1))
			Expect(publisher.Types()).To(Equal([]string{eventstream.EventTypeMemoryWritten}))
		})

		It("rejects empty text and out of range criticality", func() {
			Expect(store.Put(ctx, &memory.Memory{Text: "  "})).To(MatchError(memory.ErrEmptyText))
			Expect(store.Put(ctx, &memory.Memory{Text: "x", Criticality: 1.5})).To(MatchError(memory.ErrInvalidCriticality))
			Expect(store.Put(ctx, &memory.Memory{Text: "x", Tier: "lukewarm"})).NotTo(Succeed())
		})

		It("does not write the row when indexing fails", func() {
			index.FailAdd = true
			Expect(store.Put(ctx, &memory.Memory{ID: "mem_a", Text: "x", Embedding: []float32{1}})).To(MatchError(testutils.ErrMockVector))
			_, err := store.Get(ctx, "mem_a")
			Expect(memory.IsNotFound(err)).To(BeTrue())
		})

		It("still succeeds when publishing fails", func() {
			publisher.Fail = true
			Expect(store.Put(ctx, &memory.Memory{Text: "x"})).To(Succeed())
		})
	})

	Describe("RetrieveSimilar", func() {
		It("orders by similarity and never returns tombstoned memories", func() {
			put("mem_a", 1, 0, 0)
			put("mem_b", 0.9, 0.1, 0)
			put("mem_c", 0.8, 0.2, 0)
			put("mem_d", 0, 1, 0)

			Expect(store.Tombstone(ctx, []string{"mem_a", "mem_b"})).To(Succeed())
			Expect(index.Deleted).To(ConsistOf("mem_a", "mem_b"))

			results, err := store.RetrieveSimilar(ctx, []float32{1, 0, 0}, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
			Expect(results[0].Memory.ID).To(Equal("mem_c"))
			Expect(results[1].Memory.ID).To(Equal("mem_d"))
		})

		It("widens the window past entries the driver hides", func() {
			for _, id := range []string{"mem_a", "mem_b", "mem_c", "mem_d", "mem_e"} {
				put(id, 1, 0, 0)
			}
			put("mem_f", 0, 1, 0)

			// Leave the index entries behind so only the driver hides them.
			index.FailDelete = true
			Expect(store.Tombstone(ctx, []string{"mem_a", "mem_b", "mem_c", "mem_d", "mem_e"})).To(MatchError(testutils.ErrMockVector))

			results, err := store.RetrieveSimilar(ctx, []float32{1, 0, 0}, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Memory.ID).To(Equal("mem_f"))
		})

		It("clamps an oversized k and bounds the widened window", func() {
			put("mem_a", 1, 0, 0)
			put("mem_b", 0.9, 0.1, 0)

			results, err := store.RetrieveSimilar(ctx, []float32{1, 0, 0}, math.MaxInt)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
			Expect(index.Windows).To(Equal([]int{2 * storage.MaxK}))
		})

		It("caps the index window under a huge overfetch", func() {
			store = storage.NewStore(storage.StoreConfig{
				Driver:    inmemory.NewDriver(),
				Index:     index,
				Overfetch: math.MaxInt,
				Now:       func() time.Time { return now },
			})
			for i := range 3 {
				put(fmt.Sprintf("mem_%d", i), 1, float32(i), 0)
			}

			results, err := store.RetrieveSimilar(ctx, []float32{1, 0, 0}, storage.MaxK)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(3))
			Expect(index.Windows).To(HaveLen(1))
			Expect(index.Windows[0]).To(Equal(16 * storage.MaxK))
		})

		It("returns an empty slice for k = 0", func() {
			results, err := store.RetrieveSimilar(ctx, []float32{1}, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())
		})
	})

	Describe("RecordRetrieval", func() {
		It("counts the retrieval and promotes to hot", func() {
			put("mem_a", 1, 0)
			_, err := store.Transition(ctx, "mem_a", memory.TierWarm, memory.CauseLifecycle)
			Expect(err).NotTo(HaveOccurred())

			at := now.Add(time.Hour)
			m, err := store.RecordRetrieval(ctx, "mem_a", at)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Tier).To(Equal(memory.TierHot))
			Expect(m.RetrievalCount).To(Equal(1))
			Expect(*m.LastRetrievedAt).To(Equal(at))
			Expect(publisher.Types()).To(Equal([]string{
				eventstream.EventTypeMemoryWritten,
				eventstream.EventTypeTierChanged,
				eventstream.EventTypeTierChanged,
			}))
		})
	})

	Describe("Transition", func() {
		It("rejects promotions by lifecycle", func() {
			put("mem_a")
			_, err := store.Transition(ctx, "mem_a", memory.TierWarm, memory.CauseLifecycle)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Transition(ctx, "mem_a", memory.TierHot, memory.CauseLifecycle)
			Expect(memory.IsInvalidTransition(err)).To(BeTrue())
		})

		It("checks its condition against the stored memory", func() {
			put("mem_a")
			_, err := store.RecordRetrieval(ctx, "mem_a", now.Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			published := len(publisher.Types())

			neverRetrieved := func(m *memory.Memory) bool { return m.LastRetrievedAt == nil }
			m, ok, err := store.TransitionIf(ctx, "mem_a", memory.TierWarm, memory.CauseLifecycle, neverRetrieved)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(m.Tier).To(Equal(memory.TierHot))
			Expect(publisher.Types()).To(HaveLen(published))

			m, ok, err = store.TransitionIf(ctx, "mem_a", memory.TierWarm, memory.CauseLifecycle, func(*memory.Memory) bool { return true })
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(m.Tier).To(Equal(memory.TierWarm))
		})
	})

	Describe("SetCriticality", func() {
		It("pins a guarded memory back to hot", func() {
			put("mem_a")
			_, err := store.Transition(ctx, "mem_a", memory.TierWarm, memory.CauseOperator)
			Expect(err).NotTo(HaveOccurred())

			m, err := store.SetCriticality(ctx, "mem_a", 0.9)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Tier).To(Equal(memory.TierHot))
			Expect(m.Criticality).To(Equal(0.9))

			_, err = store.Transition(ctx, "mem_a", memory.TierWarm, memory.CauseOperator)
			Expect(memory.IsInvalidTransition(err)).To(BeTrue())
		})

		It("leaves the tier alone below the guard", func() {
			put("mem_a")
			_, err := store.Transition(ctx, "mem_a", memory.TierWarm, memory.CauseOperator)
			Expect(err).NotTo(HaveOccurred())

			m, err := store.SetCriticality(ctx, "mem_a", 0.5)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Tier).To(Equal(memory.TierWarm))
		})

		It("validates the range", func() {
			put("mem_a")
			_, err := store.SetCriticality(ctx, "mem_a", -0.1)
			Expect(err).To(MatchError(memory.ErrInvalidCriticality))
		})
	})

	Describe("Edit", func() {
		It("bumps the version and reindexes", func() {
			put("mem_a", 1, 0)
			m, err := store.Edit(ctx, memory.Edit{ID: "mem_a", Text: "edited", ExpectedVersion: 1, Embedding: []float32{0, 1}})
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Version).To(Equal(2))

			results, err := store.RetrieveSimilar(ctx, []float32{0, 1}, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Score).To(BeNumerically("~", 1, 1e-6))

			_, err = store.Edit(ctx, memory.Edit{ID: "mem_a", Text: "again", ExpectedVersion: 1})
			Expect(err).To(MatchError(memory.ErrStaleWrite))
		})
	})
})
