package attribution_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/embeddings/hashing"
	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/retry"
	"github.com/papercomputeco/cortex/pkg/storage/inmemory"
	testutils "github.com/papercomputeco/cortex/pkg/utils/test"
)

const (
	teaText    = "User drinks green tea every morning."
	officeText = "Office closes at six."
	teaQuery   = "what does the user drink"
)

var _ = Describe("Engine", func() {
	var (
		ctx       context.Context
		driver    *inmemory.Driver
		publisher *testutils.MockPublisher
		cfg       attribution.Config
		engine    *attribution.Engine
		now       time.Time
	)

	start := func() {
		var err error
		engine, err = attribution.NewEngine(cfg)
		Expect(err).NotTo(HaveOccurred())
	}

	putQuery := func(id string) {
		response, err := engine.Generate(ctx, teaQuery, []string{teaText, officeText})
		Expect(err).NotTo(HaveOccurred())
		Expect(response).To(Equal(teaText))
		Expect(driver.PutQuery(ctx, &attribution.Query{
			ID: id, Text: teaQuery, Response: response, MemoryIDs: []string{"mem_tea", "mem_office"}, CreatedAt: now,
		})).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		driver = inmemory.NewDriver()
		publisher = testutils.NewMockPublisher()
		for id, text := range map[string]string{"mem_tea": teaText, "mem_office": officeText} {
			Expect(driver.Put(ctx, &memory.Memory{ID: id, Text: text, Tier: memory.TierHot, CreatedAt: now})).To(Succeed())
		}

		cfg = attribution.Config{
			Store:     driver,
			Memories:  driver,
			Embedder:  hashing.NewEmbedder(hashing.Config{}),
			Publisher: publisher,
			Retry:     retry.Policy{Attempts: 2, Initial: time.Millisecond},
			Now:       func() time.Time { return now },
		}
	})

	AfterEach(func() {
		if engine != nil {
			engine.Close()
		}
	})

	It("requires a store, memories and an embedder", func() {
		_, err := attribution.NewEngine(attribution.Config{Store: driver})
		Expect(err).To(HaveOccurred())
	})

	Describe("ScoreAmortized", func() {
		BeforeEach(start)

		It("returns an empty result for no memories", func() {
			out, err := engine.ScoreAmortized(ctx, "qry_1", "anything", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).NotTo(BeNil())
			Expect(out).To(BeEmpty())
		})

		It("weights supporting memories above unrelated ones and stores the scores", func() {
			out, err := engine.ScoreAmortized(ctx, "qry_1", teaText, []string{"mem_tea", "mem_gone", "mem_office"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveLen(2))
			Expect(out[0].MemoryID).To(Equal("mem_tea"))
			Expect(out[1].MemoryID).To(Equal("mem_office"))
			Expect(out[0].Weight).To(BeNumerically(">", out[1].Weight))
			for _, a := range out {
				Expect(a.Weight).To(BeNumerically(">=", 0))
				Expect(a.Weight).To(BeNumerically("<=", 1))
				Expect(a.Confidence).To(Equal(0.5))
				Expect(a.Mode).To(Equal(attribution.ModeAmortized))
				Expect(a.CreatedAt).To(Equal(now))
			}

			stored, err := driver.ListAttributions(ctx, attribution.Filter{QueryID: "qry_1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(2))
		})

		It("reports a degraded engine when embedding keeps failing", func() {
			embedder := testutils.NewMockEmbedder()
			embedder.FailOn = "broken response"
			cfg.Embedder = embedder
			engine.Close()
			start()

			_, err := engine.ScoreAmortized(ctx, "qry_1", "broken response", []string{"mem_tea"})
			Expect(err).To(MatchError(attribution.ErrEngineDegraded))
			Expect(embedder.Calls).To(Equal(2))
		})
	})

	Describe("ScoreExact", func() {
		It("weights each memory by how much withholding it changes the answer", func() {
			start()
			out, err := engine.ScoreExact(ctx, "qry_1", teaQuery, "", []string{"mem_tea", "mem_office"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveLen(2))

			Expect(out[0].MemoryID).To(Equal("mem_tea"))
			Expect(out[0].Weight).To(BeNumerically(">", 0.5))
			Expect(out[1].MemoryID).To(Equal("mem_office"))
			Expect(out[1].Weight).To(BeNumerically("~", 0, 1e-6))
			for _, a := range out {
				Expect(a.Confidence).To(Equal(1.0))
				Expect(a.Mode).To(Equal(attribution.ModeExact))
			}

			stored, err := driver.ListAttributions(ctx, attribution.Filter{QueryID: "qry_1", Mode: attribution.ModeExact})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(2))
		})

		It("ablates every memory once", func() {
			generator := testutils.NewMockGenerator()
			cfg.Generator = generator
			start()

			_, err := engine.ScoreExact(ctx, "qry_1", teaQuery, "", []string{"mem_tea", "mem_office"})
			Expect(err).NotTo(HaveOccurred())
			Expect(generator.CallCount()).To(Equal(3))
			Expect(generator.Calls).To(ContainElements(
				[]string{teaText, officeText},
				[]string{officeText},
				[]string{teaText},
			))
		})

		It("retries transient generation failures", func() {
			generator := testutils.NewMockGenerator()
			generator.FailTimes = 1
			cfg.Generator = generator
			start()

			_, err := engine.ScoreExact(ctx, "qry_1", teaQuery, "", []string{"mem_tea"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("wraps exhausted retries in ErrEngineDegraded", func() {
			generator := testutils.NewMockGenerator()
			generator.FailTimes = 10
			cfg.Generator = generator
			start()

			_, err := engine.ScoreExact(ctx, "qry_1", teaQuery, "", []string{"mem_tea"})
			Expect(err).To(MatchError(attribution.ErrEngineDegraded))
			Expect(err).To(MatchError(testutils.ErrMockGenerator))
			Expect(generator.CallCount()).To(Equal(2))
		})
	})

	Describe("Validate", func() {
		// queries stores held held-out queries and fit fit queries.
		queries := func(held, fit int) {
			var h, f int
			for i := 1; h < held || f < fit; i++ {
				id := fmt.Sprintf("qry_%d", i)
				switch {
				case attribution.HeldOut(id) && h < held:
					h++
				case !attribution.HeldOut(id) && f < fit:
					f++
				default:
					continue
				}
				putQuery(id)
			}
		}

		It("is inconclusive without queries", func() {
			start()
			st, err := engine.Validate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Samples).To(BeZero())
			Expect(st.Degraded).To(BeFalse())
			Expect(st.LastValidated).NotTo(BeNil())
		})

		It("keeps a well-calibrated predictor healthy", func() {
			start()
			queries(2, 1)

			st, err := engine.Validate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Samples).To(Equal(4))
			Expect(st.FitSamples).To(Equal(2))
			Expect(st.Correlation).To(BeNumerically(">", 0.85))
			Expect(st.Degraded).To(BeFalse())
			Expect(engine.Degraded()).To(BeFalse())
			Expect(publisher.Types()).To(ContainElement(eventstream.EventTypeAttributionValidated))

			out, err := engine.ScoreAmortized(ctx, "qry_live", teaText, []string{"mem_tea"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out[0].Confidence).To(BeNumerically("~", st.Correlation, 1e-9))
		})

		It("flags the engine degraded when predictions disagree with ablation", func() {
			cfg.Weights = []float64{1, -0.6, -0.3, 0}
			cfg.MinSamples = 4
			start()
			queries(2, 1)

			st, err := engine.Validate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Correlation).To(BeNumerically("<", 0))
			Expect(st.Degraded).To(BeTrue())
			Expect(engine.Status().Degraded).To(BeTrue())
		})

		It("needs MinSamples held-out scores before flagging degradation", func() {
			cfg.Weights = []float64{1, -0.6, -0.3, 0}
			start()
			queries(2, 1)

			st, err := engine.Validate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Samples).To(Equal(4))
			Expect(st.Correlation).To(BeNumerically("<", 0))
			Expect(st.Degraded).To(BeFalse())
		})

		It("scores the predictor only on queries it was not refitted on", func() {
			cfg.Weights = []float64{1, -0.6, -0.3, 0}
			start()
			queries(0, 3)

			st, err := engine.Validate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.FitSamples).To(Equal(6))
			Expect(st.Samples).To(BeZero())
			Expect(st.Weights).NotTo(Equal(cfg.Weights))
			Expect(st.Correlation).To(BeZero())
		})
	})

	Describe("Replay", func() {
		BeforeEach(start)

		It("answers again without the withheld memory", func() {
			putQuery("qry_1")
			q, err := driver.GetQuery(ctx, "qry_1")
			Expect(err).NotTo(HaveOccurred())

			r, err := engine.Replay(ctx, q, "mem_tea")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Original).To(Equal(teaText))
			Expect(r.Replayed).To(Equal(attribution.NoAnswer))
			Expect(r.Changed).To(BeTrue())
			Expect(r.Weight).To(BeNumerically(">", 0.1))
			Expect(r.Shifts).To(HaveLen(1))
			Expect(r.Shifts[0].MemoryID).To(Equal("mem_office"))

			r, err = engine.Replay(ctx, q, "mem_office")
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Changed).To(BeFalse())
			Expect(r.Weight).To(BeNumerically("<", 1e-3))
			Expect(r.Shifts[0].MemoryID).To(Equal("mem_tea"))
			Expect(r.Shifts[0].After).To(BeNumerically("~", r.Shifts[0].Before, 0.2))

			exact, err := driver.ListAttributions(ctx, attribution.Filter{QueryID: "qry_1", Mode: attribution.ModeExact})
			Expect(err).NotTo(HaveOccurred())
			Expect(exact).To(HaveLen(2))
		})

		It("refuses a memory the query did not retrieve", func() {
			putQuery("qry_1")
			q, err := driver.GetQuery(ctx, "qry_1")
			Expect(err).NotTo(HaveOccurred())

			_, err = engine.Replay(ctx, q, "mem_other")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("HeldOut", func() {
		It("splits query ids into two disjoint, stable sets", func() {
			var held, fit []string
			for i := range 300 {
				id := fmt.Sprintf("qry_%d", i)
				Expect(attribution.HeldOut(id)).To(Equal(attribution.HeldOut(id)))
				if attribution.HeldOut(id) {
					held = append(held, id)
				} else {
					fit = append(fit, id)
				}
			}
			Expect(held).NotTo(BeEmpty())
			Expect(fit).NotTo(BeEmpty())
			Expect(len(held)).To(BeNumerically("<", len(fit)))
			for _, id := range held {
				Expect(fit).NotTo(ContainElement(id))
			}
		})
	})
})
