// Package storagetest holds the behaviour every storage.Driver must share,
// written as ginkgo specs that driver test suites mount.
package storagetest

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
	"github.com/papercomputeco/cortex/pkg/storage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewMemory returns a hot memory created at base plus offset.
func NewMemory(id, text string, offset time.Duration) *memory.Memory {
	at := base.Add(offset)
	return &memory.Memory{
		ID:          id,
		Text:        text,
		Tier:        memory.TierHot,
		Criticality: 0.3,
		CreatedAt:   at,
		UpdatedAt:   at,
		Version:     1,
		Embedding:   []float32{0.5, 0.25, 0.25},
		Tags:        []string{"test"},
		Metadata:    map[string]any{"source": "chat"},
	}
}

// DriverConformance registers specs against drivers built by newDriver.
func DriverConformance(newDriver func() storage.Driver) {
	var (
		ctx    context.Context
		driver storage.Driver
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = newDriver()
	})

	AfterEach(func() {
		Expect(driver.Close()).To(Succeed())
	})

	Describe("memories", func() {
		It("stores and returns a copy", func() {
			m := NewMemory("mem_a", "User prefers tea", 0)
			Expect(driver.Put(ctx, m)).To(Succeed())

			got, err := driver.Get(ctx, "mem_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Text).To(Equal("User prefers tea"))
			Expect(got.Version).To(Equal(1))
			Expect(got.Tier).To(Equal(memory.TierHot))
			Expect(got.Embedding).To(Equal([]float32{0.5, 0.25, 0.25}))
			Expect(got.Tags).To(Equal([]string{"test"}))
			Expect(got.Metadata).To(HaveKeyWithValue("source", "chat"))
			Expect(got.CreatedAt.Equal(m.CreatedAt)).To(BeTrue())

			got.Text = "mutated"
			again, err := driver.Get(ctx, "mem_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Text).To(Equal("User prefers tea"))
		})

		It("rejects duplicate ids", func() {
			Expect(driver.Put(ctx, NewMemory("mem_a", "one", 0))).To(Succeed())
			Expect(driver.Put(ctx, NewMemory("mem_a", "two", 0))).To(MatchError(storage.ErrExists))
		})

		It("returns NotFoundError for unknown ids", func() {
			_, err := driver.Get(ctx, "mem_missing")
			Expect(memory.IsNotFound(err)).To(BeTrue())
		})

		It("lists by tier oldest first", func() {
			Expect(driver.Put(ctx, NewMemory("mem_b", "second", time.Hour))).To(Succeed())
			Expect(driver.Put(ctx, NewMemory("mem_a", "first", 0))).To(Succeed())
			cold := NewMemory("mem_c", "cold one", 2*time.Hour)
			cold.Tier = memory.TierCold
			Expect(driver.Put(ctx, cold)).To(Succeed())

			hot, err := driver.List(ctx, memory.ListFilter{Tier: memory.TierHot})
			Expect(err).NotTo(HaveOccurred())
			Expect(hot).To(HaveLen(2))
			Expect(hot[0].ID).To(Equal("mem_a"))
			Expect(hot[1].ID).To(Equal("mem_b"))

			all, err := driver.List(ctx, memory.ListFilter{Limit: 1, Offset: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(1))
			Expect(all[0].ID).To(Equal("mem_b"))
		})

		It("commits Update atomically and discards failed ones", func() {
			Expect(driver.Put(ctx, NewMemory("mem_a", "text", 0))).To(Succeed())

			_, err := driver.Update(ctx, "mem_a", func(m *memory.Memory) error {
				m.Criticality = 0.9
				return memory.ErrInvalidCriticality
			})
			Expect(err).To(MatchError(memory.ErrInvalidCriticality))

			got, err := driver.Get(ctx, "mem_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Criticality).To(Equal(0.3))

			_, err = driver.Update(ctx, "mem_a", func(m *memory.Memory) error {
				m.Tier = memory.TierWarm
				m.RetrievalCount = 4
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			got, err = driver.Get(ctx, "mem_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Tier).To(Equal(memory.TierWarm))
			Expect(got.RetrievalCount).To(Equal(4))
			Expect(got.Version).To(Equal(1))
		})

		It("serializes concurrent updates of one memory", func() {
			Expect(driver.Put(ctx, NewMemory("mem_a", "text", 0))).To(Succeed())

			var wg sync.WaitGroup
			for range 20 {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := driver.Update(ctx, "mem_a", func(m *memory.Memory) error {
						m.RetrievalCount++
						return nil
					})
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			got, err := driver.Get(ctx, "mem_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.RetrievalCount).To(Equal(20))
		})

		It("versions edits and rejects stale ones", func() {
			Expect(driver.Put(ctx, NewMemory("mem_a", "Pro plan costs $49", 0))).To(Succeed())

			crit := 0.8
			edited, err := driver.Edit(ctx, memory.Edit{
				ID:              "mem_a",
				Text:            "Pro plan costs $59",
				Criticality:     &crit,
				ExpectedVersion: 1,
				EditedBy:        "ops",
				ChangeReason:    "price change",
				EditedAt:        base.Add(time.Hour),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(edited.Version).To(Equal(2))
			Expect(edited.Criticality).To(Equal(0.8))

			_, err = driver.Edit(ctx, memory.Edit{ID: "mem_a", Text: "late", ExpectedVersion: 1, EditedAt: base.Add(2 * time.Hour)})
			Expect(err).To(MatchError(memory.ErrStaleWrite))
			var stale *memory.StaleWriteError
			Expect(err).To(BeAssignableToTypeOf(stale))

			versions, err := driver.Versions(ctx, "mem_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(versions).To(HaveLen(2))
			Expect(versions[0].Text).To(Equal("Pro plan costs $49"))
			Expect(versions[1].Text).To(Equal("Pro plan costs $59"))
			Expect(versions[1].EditedBy).To(Equal("ops"))
			Expect(versions[1].ChangeReason).To(Equal("price change"))
		})

		It("pins an edit that raises criticality and restamps assertion on text changes", func() {
			m := NewMemory("mem_a", "Refunds take 5 days", 0)
			m.Tier = memory.TierWarm
			Expect(driver.Put(ctx, m)).To(Succeed())

			got, err := driver.Get(ctx, "mem_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.AssertedAt).To(BeTemporally("==", base))

			crit := 0.9
			edited, err := driver.Edit(ctx, memory.Edit{
				ID:              "mem_a",
				Text:            "Refunds take 5 days",
				Criticality:     &crit,
				ExpectedVersion: 1,
				EditedAt:        base.Add(time.Hour),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(edited.Tier).To(Equal(memory.TierHot))
			Expect(edited.AssertedAt).To(BeTemporally("==", base))

			edited, err = driver.Edit(ctx, memory.Edit{
				ID:              "mem_a",
				Text:            "Refunds take 3 days",
				ExpectedVersion: 2,
				EditedAt:        base.Add(2 * time.Hour),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(edited.AssertedAt).To(BeTemporally("==", base.Add(2*time.Hour)))

			got, err = driver.Get(ctx, "mem_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Tier).To(Equal(memory.TierHot))
			Expect(got.AssertedAt).To(BeTemporally("==", base.Add(2*time.Hour)))
		})

		It("tombstones all ids or none", func() {
			Expect(driver.Put(ctx, NewMemory("mem_a", "a", 0))).To(Succeed())
			Expect(driver.Put(ctx, NewMemory("mem_b", "b", 0))).To(Succeed())

			err := driver.Tombstone(ctx, []string{"mem_a", "mem_missing"})
			Expect(memory.IsNotFound(err)).To(BeTrue())
			_, err = driver.Get(ctx, "mem_a")
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.Tombstone(ctx, []string{"mem_a", "mem_b"})).To(Succeed())
			_, err = driver.Get(ctx, "mem_a")
			Expect(memory.IsNotFound(err)).To(BeTrue())
			_, err = driver.Versions(ctx, "mem_b")
			Expect(memory.IsNotFound(err)).To(BeTrue())
			_, err = driver.Update(ctx, "mem_b", func(*memory.Memory) error { return nil })
			Expect(memory.IsNotFound(err)).To(BeTrue())

			listed, err := driver.List(ctx, memory.ListFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(listed).To(BeEmpty())
		})
	})

	Describe("attribution records", func() {
		It("stores queries and lists them newest first", func() {
			Expect(driver.PutQuery(ctx, &attribution.Query{ID: "qry_1", Text: "q1", Response: "r1", MemoryIDs: []string{"mem_a"}, CreatedAt: base})).To(Succeed())
			Expect(driver.PutQuery(ctx, &attribution.Query{ID: "qry_2", AgentID: "agent_7", Text: "q2", Response: "r2", MemoryIDs: []string{"mem_b"}, CreatedAt: base.Add(time.Hour)})).To(Succeed())

			q, err := driver.GetQuery(ctx, "qry_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(q.MemoryIDs).To(Equal([]string{"mem_a"}))
			Expect(q.AgentID).To(BeEmpty())
			q, err = driver.GetQuery(ctx, "qry_2")
			Expect(err).NotTo(HaveOccurred())
			Expect(q.AgentID).To(Equal("agent_7"))

			qs, err := driver.ListQueries(ctx, time.Time{}, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(qs).To(HaveLen(2))
			Expect(qs[0].ID).To(Equal("qry_2"))

			recent, err := driver.ListQueries(ctx, base.Add(30*time.Minute), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(recent).To(HaveLen(1))

			_, err = driver.GetQuery(ctx, "qry_missing")
			Expect(memory.IsNotFound(err)).To(BeTrue())
		})

		It("keeps the first attribution stored per query, memory and mode", func() {
			first := attribution.Attribution{QueryID: "qry_1", MemoryID: "mem_a", Weight: 0.4, Confidence: 0.5, Mode: attribution.ModeAmortized, CreatedAt: base}
			Expect(driver.PutAttributions(ctx, []attribution.Attribution{
				first,
				{QueryID: "qry_1", MemoryID: "mem_b", Weight: 0.9, Confidence: 0.5, Mode: attribution.ModeAmortized, CreatedAt: base},
			})).To(Succeed())
			again := first
			again.Weight = 0.1
			Expect(driver.PutAttributions(ctx, []attribution.Attribution{again})).To(Succeed())

			as, err := driver.ListAttributions(ctx, attribution.Filter{QueryID: "qry_1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(as).To(HaveLen(2))
			Expect(as[0].MemoryID).To(Equal("mem_b"))
			Expect(as[1].Weight).To(Equal(0.4))

			byMemory, err := driver.ListAttributions(ctx, attribution.Filter{MemoryID: "mem_a", Mode: attribution.ModeAmortized})
			Expect(err).NotTo(HaveOccurred())
			Expect(byMemory).To(HaveLen(1))
		})
	})

	Describe("contradictions", func() {
		It("stores, filters and resolves", func() {
			c := &consistency.Contradiction{
				ID: "ctr_1", MemoryIDA: "mem_a", MemoryIDB: "mem_b", Kind: consistency.KindLogical,
				Confidence: 0.8, Similarity: 0.9, DetectedAt: base,
			}
			Expect(driver.PutContradiction(ctx, c)).To(Succeed())

			unresolved := false
			open, err := driver.ListContradictions(ctx, consistency.Filter{Resolved: &unresolved, MemoryID: "mem_b"})
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(HaveLen(1))

			resolved, err := driver.ResolveContradiction(ctx, "ctr_1", "ops", base.Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved.Resolved).To(BeTrue())
			Expect(resolved.ResolvedBy).To(Equal("ops"))
			Expect(resolved.ResolvedAt).NotTo(BeNil())

			again, err := driver.ResolveContradiction(ctx, "ctr_1", "someone else", base.Add(2*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(again.ResolvedBy).To(Equal("ops"))

			open, err = driver.ListContradictions(ctx, consistency.Filter{Resolved: &unresolved})
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(BeEmpty())

			_, err = driver.ResolveContradiction(ctx, "ctr_missing", "ops", base)
			Expect(memory.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("provenance", func() {
		It("keeps edges in insertion order and ignores duplicates", func() {
			Expect(driver.PutNode(ctx, &provenance.Node{ID: "mem_a", Kind: provenance.NodeMemory, CreatedAt: base})).To(Succeed())
			Expect(driver.PutNode(ctx, &provenance.Node{ID: "sum_1", Kind: provenance.NodeKind(provenance.ArtifactSummary), CreatedAt: base})).To(Succeed())
			Expect(driver.PutNode(ctx, &provenance.Node{ID: "sum_1", Kind: provenance.NodeKind(provenance.ArtifactCluster), CreatedAt: base})).To(Succeed())
			Expect(driver.PutEdges(ctx, []provenance.Edge{
				{ParentID: "mem_a", ChildID: "sum_1", ArtifactType: provenance.ArtifactSummary},
				{ParentID: "mem_a", ChildID: "cl_1", ArtifactType: provenance.ArtifactCluster},
			})).To(Succeed())
			Expect(driver.PutEdges(ctx, []provenance.Edge{
				{ParentID: "mem_a", ChildID: "sum_1", ArtifactType: provenance.ArtifactSummary},
			})).To(Succeed())

			n, err := driver.GetNode(ctx, "sum_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(n.Kind).To(Equal(provenance.NodeKind(provenance.ArtifactSummary)))

			children, err := driver.Children(ctx, "mem_a")
			Expect(err).NotTo(HaveOccurred())
			Expect(children).To(HaveLen(2))
			Expect(children[0].ChildID).To(Equal("sum_1"))
			Expect(children[1].ChildID).To(Equal("cl_1"))

			parents, err := driver.Parents(ctx, "cl_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(parents).To(HaveLen(1))
		})

		It("updates deletion requests and filters by status and due date", func() {
			r := &provenance.DeletionRequest{
				ID: "del_1", MemoryID: "mem_a", Reason: "gdpr", DerivedArtifactIDs: []string{"sum_1"},
				Status: provenance.StatusPending, RequestedAt: base, DeletionDate: base.Add(30 * 24 * time.Hour),
			}
			Expect(driver.PutDeletion(ctx, r)).To(Succeed())

			updated, err := driver.UpdateDeletion(ctx, "del_1", func(r *provenance.DeletionRequest) error {
				r.Status = provenance.StatusGracePeriod
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Status).To(Equal(provenance.StatusGracePeriod))

			got, err := driver.GetDeletion(ctx, "del_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(provenance.StatusGracePeriod))
			Expect(got.DerivedArtifactIDs).To(Equal([]string{"sum_1"}))

			notDue, err := driver.ListDeletions(ctx, provenance.DeletionFilter{
				Statuses: []provenance.Status{provenance.StatusGracePeriod}, DueBefore: base.Add(24 * time.Hour),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(notDue).To(BeEmpty())

			due, err := driver.ListDeletions(ctx, provenance.DeletionFilter{
				Statuses: []provenance.Status{provenance.StatusGracePeriod}, DueBefore: base.Add(31 * 24 * time.Hour),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(due).To(HaveLen(1))
		})

		It("tombstones memories and nodes together", func() {
			Expect(driver.Put(ctx, NewMemory("mem_a", "a", 0))).To(Succeed())
			Expect(driver.PutNode(ctx, &provenance.Node{ID: "sum_1", Kind: provenance.NodeKind(provenance.ArtifactSummary), CreatedAt: base})).To(Succeed())

			Expect(driver.ApplyTombstones(ctx, []string{"mem_missing"}, []string{"sum_1"})).NotTo(Succeed())
			n, err := driver.GetNode(ctx, "sum_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(n.Tombstoned).To(BeFalse())

			Expect(driver.ApplyTombstones(ctx, []string{"mem_a"}, []string{"mem_a", "sum_1"})).To(Succeed())
			Expect(driver.ApplyTombstones(ctx, []string{"mem_a"}, []string{"mem_a", "sum_1"})).To(Succeed())

			_, err = driver.Get(ctx, "mem_a")
			Expect(memory.IsNotFound(err)).To(BeTrue())
			n, err = driver.GetNode(ctx, "sum_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(n.Tombstoned).To(BeTrue())
		})

		It("stores certificates", func() {
			cert := provenance.NewCertificate(provenance.Entry{RequestID: "del_1", MemoryID: "mem_a", ArtifactIDs: []string{"sum_1"}, ExecutedAt: base})
			Expect(driver.PutCertificate(ctx, cert)).To(Succeed())

			got, err := driver.GetCertificate(ctx, "del_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Verify()).To(BeTrue())
			Expect(got.ArtifactIDs).To(Equal([]string{"sum_1"}))
		})
	})
}
