package mcp_test

import (
	"context"
	"encoding/json"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/api/mcp"
	"github.com/papercomputeco/cortex/pkg/embeddings/hashing"
	"github.com/papercomputeco/cortex/pkg/logger"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
	"github.com/papercomputeco/cortex/pkg/service"
	"github.com/papercomputeco/cortex/pkg/storage"
	testutils "github.com/papercomputeco/cortex/pkg/utils/test"
)

var _ = Describe("MCP Server", func() {
	var (
		ctx     context.Context
		now     time.Time
		fixture *testutils.ServiceFixture
		server  *mcp.Server
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		var err error
		fixture, err = testutils.NewServiceFixture(func() time.Time { return now }, hashing.NewEmbedder(hashing.Config{}), nil)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(fixture.Close)

		server, err = mcp.NewServer(mcp.Config{
			Service: fixture.Service,
			Logger:  logger.Nop(),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewServer", func() {
		It("returns an error when the service is nil", func() {
			_, err := mcp.NewServer(mcp.Config{Logger: logger.Nop()})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("service is required"))
		})

		It("returns an error when logger is nil", func() {
			_, err := mcp.NewServer(mcp.Config{Service: fixture.Service})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger is required"))
		})

		It("needs nothing in noop mode", func() {
			noop, err := mcp.NewServer(mcp.Config{Noop: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(noop.Handler()).NotTo(BeNil())
		})

		It("returns an HTTP handler", func() {
			Expect(server.Handler()).NotTo(BeNil())
		})
	})

	Describe("tools", func() {
		var session *gomcp.ClientSession

		call := func(name string, args any) (*gomcp.CallToolResult, string) {
			res, err := session.CallTool(ctx, &gomcp.CallToolParams{Name: name, Arguments: args})
			ExpectWithOffset(1, err).NotTo(HaveOccurred())
			ExpectWithOffset(1, res.Content).To(HaveLen(1))
			text, ok := res.Content[0].(*gomcp.TextContent)
			ExpectWithOffset(1, ok).To(BeTrue())
			return res, text.Text
		}

		BeforeEach(func() {
			st, ct := gomcp.NewInMemoryTransports()
			ss, err := server.MCPServer().Connect(ctx, st, nil)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { _ = ss.Close() })

			client := gomcp.NewClient(&gomcp.Implementation{Name: "test", Version: "v0.0.1"}, nil)
			session, err = client.Connect(ctx, ct, nil)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { _ = session.Close() })

			for id, text := range map[string]string{
				"mem_tea":    "User drinks green tea every morning.",
				"mem_office": "Office closes at six.",
			} {
				_, err := fixture.Service.Ingest(ctx, service.IngestRequest{ID: id, Text: text})
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("lists the memory tools", func() {
			tools, err := session.ListTools(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			var names []string
			for _, t := range tools.Tools {
				names = append(names, t.Name)
			}
			Expect(names).To(ConsistOf("memory_search", "memory_attributions", "deletion_status"))
		})

		It("searches memories and counts the retrieval", func() {
			res, text := call("memory_search", map[string]any{"query": "what does the user drink", "top_k": 1})
			Expect(res.IsError).To(BeFalse())

			var out mcp.SearchOutput
			Expect(json.Unmarshal([]byte(text), &out)).To(Succeed())
			Expect(out.Count).To(Equal(1))
			Expect(out.Results[0].ID).To(Equal("mem_tea"))
			Expect(out.Results[0].Tier).To(Equal(memory.TierHot))

			m, err := fixture.Store.Get(ctx, "mem_tea")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.RetrievalCount).To(Equal(1))
		})

		It("reports a failed search as a tool error", func() {
			res, text := call("memory_search", map[string]any{"query": " "})
			Expect(res.IsError).To(BeTrue())
			Expect(text).To(ContainSubstring("Failed to search memories"))
		})

		It("rejects an oversized top_k", func() {
			res, text := call("memory_search", map[string]any{"query": "tea", "top_k": storage.MaxK + 1})
			Expect(res.IsError).To(BeTrue())
			Expect(text).To(ContainSubstring("top_k must be at most"))
		})

		It("returns the attributions of a query", func() {
			q, err := fixture.Service.Query(ctx, service.QueryRequest{Text: "what does the user drink", K: 2})
			Expect(err).NotTo(HaveOccurred())

			res, text := call("memory_attributions", map[string]any{"query_id": q.QueryID})
			Expect(res.IsError).To(BeFalse())

			var out mcp.AttributionsOutput
			Expect(json.Unmarshal([]byte(text), &out)).To(Succeed())
			Expect(out.QueryID).To(Equal(q.QueryID))
			Expect(out.Count).To(Equal(2))

			res, _ = call("memory_attributions", map[string]any{"query_id": "qry_missing"})
			Expect(res.IsError).To(BeTrue())
		})

		It("reports deletion status with its certificate", func() {
			r, err := fixture.Service.Provenance().RequestDeletion(ctx, "mem_office", "cleanup", provenance.RequestOptions{})
			Expect(err).NotTo(HaveOccurred())

			_, text := call("deletion_status", map[string]any{"request_id": r.ID})
			var out mcp.DeletionStatusOutput
			Expect(json.Unmarshal([]byte(text), &out)).To(Succeed())
			Expect(out.Request.Status).To(Equal(provenance.StatusGracePeriod))
			Expect(out.Certificate).To(BeNil())

			_, err = fixture.Service.Provenance().ExecuteDeletion(ctx, r.ID, true)
			Expect(err).NotTo(HaveOccurred())

			_, text = call("deletion_status", map[string]any{"request_id": r.ID})
			out = mcp.DeletionStatusOutput{}
			Expect(json.Unmarshal([]byte(text), &out)).To(Succeed())
			Expect(out.Request.Status).To(Equal(provenance.StatusCompleted))
			Expect(out.Certificate).NotTo(BeNil())
			Expect(out.Certificate.MemoryID).To(Equal("mem_office"))
		})
	})
})
