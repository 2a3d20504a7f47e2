package provenance_test

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/eventstream"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
	"github.com/papercomputeco/cortex/pkg/storage/inmemory"
	testutils "github.com/papercomputeco/cortex/pkg/utils/test"
)

var _ = Describe("Engine", func() {
	var (
		ctx       context.Context
		now       time.Time
		driver    *inmemory.Driver
		index     *testutils.MockVectorDriver
		publisher *testutils.MockPublisher
		cfg       provenance.Config
		engine    *provenance.Engine
	)

	newEngine := func() *provenance.Engine {
		e, err := provenance.NewEngine(cfg)
		Expect(err).NotTo(HaveOccurred())
		return e
	}

	putMemory := func(id string, criticality float64) {
		Expect(driver.Put(ctx, &memory.Memory{
			ID: id, Text: "memory " + id, Tier: memory.TierHot, Criticality: criticality, CreatedAt: now,
		})).To(Succeed())
	}

	derive := func(parents []string, id string, t provenance.ArtifactType) {
		_, err := engine.RecordDerivation(ctx, parents, provenance.Artifact{ID: id, Type: t, Text: "derived " + id})
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		driver = inmemory.NewDriver()
		index = testutils.NewMockVectorDriver()
		publisher = testutils.NewMockPublisher()
		cfg = provenance.Config{
			Store:     driver,
			Memories:  driver,
			Index:     index,
			Publisher: publisher,
			Now:       func() time.Time { return now },
		}
		engine = newEngine()

		putMemory("mem_005", 0.3)
		derive([]string{"mem_005"}, "summary_12", provenance.ArtifactSummary)
		derive([]string{"summary_12"}, "cluster_3", provenance.ArtifactCluster)
	})

	It("requires a store and memories", func() {
		_, err := provenance.NewEngine(provenance.Config{Store: driver})
		Expect(err).To(HaveOccurred())
	})

	Describe("RecordDerivation", func() {
		It("builds the lineage breadth first", func() {
			putMemory("mem_006", 0.1)
			derive([]string{"mem_005", "mem_006"}, "output_1", provenance.ArtifactOutput)

			g, err := engine.Lineage(ctx, "mem_005")
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Root()).To(Equal("mem_005"))
			Expect(g.Descendants()).To(Equal([]string{"summary_12", "output_1", "cluster_3"}))

			n, ok := g.Node("summary_12")
			Expect(ok).To(BeTrue())
			Expect(n.Kind).To(Equal(provenance.NodeKind(provenance.ArtifactSummary)))

			parents, err := driver.Parents(ctx, "output_1")
			Expect(err).NotTo(HaveOccurred())
			Expect(parents).To(HaveLen(2))
		})

		It("assigns an id when none is given", func() {
			n, err := engine.RecordDerivation(ctx, []string{"mem_005"}, provenance.Artifact{Type: provenance.ArtifactOutput})
			Expect(err).NotTo(HaveOccurred())
			Expect(n.ID).NotTo(BeEmpty())
		})

		It("rejects cycles", func() {
			_, err := engine.RecordDerivation(ctx, []string{"cluster_3"}, provenance.Artifact{ID: "summary_12", Type: provenance.ArtifactSummary})
			Expect(err).To(MatchError(provenance.ErrCycle))

			_, err = engine.RecordDerivation(ctx, []string{"summary_12", "out_self"}, provenance.Artifact{ID: "out_self", Type: provenance.ArtifactOutput})
			Expect(err).To(MatchError(provenance.ErrCycle))
		})

		It("validates parents and types", func() {
			_, err := engine.RecordDerivation(ctx, nil, provenance.Artifact{Type: provenance.ArtifactOutput})
			Expect(err).To(MatchError(provenance.ErrInvalidArtifact))

			_, err = engine.RecordDerivation(ctx, []string{"mem_005"}, provenance.Artifact{Type: "poem"})
			Expect(err).To(MatchError(provenance.ErrInvalidArtifact))

			_, err = engine.RecordDerivation(ctx, []string{"mem_missing"}, provenance.Artifact{Type: provenance.ArtifactOutput})
			Expect(memory.IsNotFound(err)).To(BeTrue())

			_, err = engine.RecordDerivation(ctx, []string{"mem_005"}, provenance.Artifact{ID: "summary_12", Type: provenance.ArtifactCluster})
			Expect(err).To(MatchError(ContainSubstring("is a summary")))
		})

		It("refuses an artifact id that names a memory", func() {
			putMemory("mem_006", 0.1)

			_, err := engine.RecordDerivation(ctx, []string{"mem_005"}, provenance.Artifact{ID: "mem_006", Type: provenance.ArtifactSummary})
			Expect(err).To(MatchError(provenance.ErrInvalidArtifact))

			g, err := engine.Lineage(ctx, "mem_005")
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Contains("mem_006")).To(BeFalse())
		})
	})

	Describe("RequestDeletion", func() {
		It("opens a request covering the derived closure with a 30 day grace period", func() {
			req, err := engine.RequestDeletion(ctx, "mem_005", "user request", provenance.RequestOptions{RequestedBy: "ops"})
			Expect(err).NotTo(HaveOccurred())

			Expect(req.DerivedArtifactIDs).To(Equal([]string{"summary_12", "cluster_3"}))
			Expect(req.Status).To(Equal(provenance.StatusGracePeriod))
			Expect(req.RequestedAt).To(Equal(now))
			Expect(req.DeletionDate).To(Equal(now.Add(30 * 24 * time.Hour)))
			Expect(req.RequestedBy).To(Equal("ops"))
			Expect(publisher.Types()).To(Equal([]string{eventstream.EventTypeDeletionRequested}))

			_, err = driver.Get(ctx, "mem_005")
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns an empty closure for a memory with no derivations", func() {
			putMemory("mem_plain", 0.1)
			req, err := engine.RequestDeletion(ctx, "mem_plain", "cleanup", provenance.RequestOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(req.DerivedArtifactIDs).NotTo(BeNil())
			Expect(req.DerivedArtifactIDs).To(BeEmpty())
		})

		It("refuses guarded memories without an override", func() {
			putMemory("mem_guard", 0.9)

			_, err := engine.RequestDeletion(ctx, "mem_guard", "cleanup", provenance.RequestOptions{})
			Expect(memory.IsInvalidTransition(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("override")))

			req, err := engine.RequestDeletion(ctx, "mem_guard", "cleanup", provenance.RequestOptions{Override: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Override).To(BeTrue())
		})

		It("allows one active request per memory", func() {
			first, err := engine.RequestDeletion(ctx, "mem_005", "gdpr", provenance.RequestOptions{})
			Expect(err).NotTo(HaveOccurred())

			_, err = engine.RequestDeletion(ctx, "mem_005", "again", provenance.RequestOptions{})
			Expect(memory.IsInvalidTransition(err)).To(BeTrue())

			_, err = engine.CancelDeletion(ctx, first.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = engine.RequestDeletion(ctx, "mem_005", "again", provenance.RequestOptions{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns NotFoundError for unknown memories", func() {
			_, err := engine.RequestDeletion(ctx, "mem_missing", "x", provenance.RequestOptions{})
			Expect(memory.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("CancelDeletion", func() {
		It("cancels during the grace period only", func() {
			req, err := engine.RequestDeletion(ctx, "mem_005", "gdpr", provenance.RequestOptions{})
			Expect(err).NotTo(HaveOccurred())

			cancelled, err := engine.CancelDeletion(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled.Status).To(Equal(provenance.StatusCancelled))
			Expect(cancelled.CancelledAt).NotTo(BeNil())

			_, err = engine.CancelDeletion(ctx, req.ID)
			Expect(memory.IsInvalidTransition(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("terminal")))

			_, err = engine.ExecuteDeletion(ctx, req.ID, true)
			Expect(memory.IsInvalidTransition(err)).To(BeTrue())

			_, err = driver.Get(ctx, "mem_005")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("ExecuteDeletion", func() {
		var req *provenance.DeletionRequest

		BeforeEach(func() {
			var err error
			req, err = engine.RequestDeletion(ctx, "mem_005", "gdpr", provenance.RequestOptions{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("waits out the grace period", func() {
			_, err := engine.ExecuteDeletion(ctx, req.ID, false)
			Expect(memory.IsInvalidTransition(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("grace period until 2026-03-31T12:00:00Z")))

			got, err := engine.Deletion(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(provenance.StatusGracePeriod))
		})

		It("tombstones the memory and its artifacts and issues a certificate", func() {
			derive([]string{"cluster_3"}, "output_9", provenance.ArtifactOutput)

			done, err := engine.ExecuteDeletion(ctx, req.ID, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(done.Status).To(Equal(provenance.StatusCompleted))
			Expect(done.ExecutedAt).NotTo(BeNil())
			Expect(done.DerivedArtifactIDs).To(Equal([]string{"summary_12", "cluster_3", "output_9"}))

			_, err = driver.Get(ctx, "mem_005")
			Expect(memory.IsNotFound(err)).To(BeTrue())
			for _, id := range []string{"summary_12", "cluster_3", "output_9"} {
				n, err := driver.GetNode(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(n.Tombstoned).To(BeTrue(), id)
			}
			Expect(index.Deleted).To(ConsistOf("mem_005", "summary_12", "cluster_3", "output_9"))

			cert, err := engine.Certificate(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cert.Verify()).To(BeTrue())
			Expect(cert.MemoryID).To(Equal("mem_005"))
			Expect(cert.ArtifactIDs).To(Equal([]string{"summary_12", "cluster_3", "output_9"}))

			_, err = engine.RecordDerivation(ctx, []string{"summary_12"}, provenance.Artifact{Type: provenance.ArtifactOutput})
			Expect(memory.IsNotFound(err)).To(BeTrue())

			Expect(publisher.Types()).To(Equal([]string{
				eventstream.EventTypeDeletionRequested,
				eventstream.EventTypeDeletionCompleted,
			}))

			_, err = engine.ExecuteDeletion(ctx, req.ID, true)
			Expect(memory.IsInvalidTransition(err)).To(BeTrue())
		})

		It("executes due requests once the grace period has passed", func() {
			n, err := engine.ExecuteDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			now = now.Add(31 * 24 * time.Hour)
			n, err = engine.ExecuteDue(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			got, err := engine.Deletion(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(provenance.StatusCompleted))
		})

		It("resumes an interrupted cascade", func() {
			index.FailDelete = true
			_, err := engine.ExecuteDeletion(ctx, req.ID, true)
			Expect(err).To(MatchError(testutils.ErrMockVector))

			got, err := engine.Deletion(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(provenance.StatusExecuting))

			index.FailDelete = false
			done, err := engine.ExecuteDeletion(ctx, req.ID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(done.Status).To(Equal(provenance.StatusCompleted))
		})
	})

	Describe("Recover", func() {
		It("finishes cascades left uncommitted in the journal after a restart", func() {
			path := filepath.Join(GinkgoT().TempDir(), "deletions.journal")
			journal, err := provenance.OpenFileJournal(path)
			Expect(err).NotTo(HaveOccurred())
			cfg.Journal = journal
			engine = newEngine()

			req, err := engine.RequestDeletion(ctx, "mem_005", "gdpr", provenance.RequestOptions{})
			Expect(err).NotTo(HaveOccurred())

			index.FailDelete = true
			_, err = engine.ExecuteDeletion(ctx, req.ID, true)
			Expect(err).To(HaveOccurred())
			Expect(journal.Close()).To(Succeed())

			index.FailDelete = false
			reopened, err := provenance.OpenFileJournal(path)
			Expect(err).NotTo(HaveOccurred())
			defer reopened.Close()
			cfg.Journal = reopened
			engine = newEngine()

			n, err := engine.Recover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			got, err := engine.Deletion(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(provenance.StatusCompleted))

			cert, err := engine.Certificate(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cert.Verify()).To(BeTrue())

			n, err = engine.Recover(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})
})
