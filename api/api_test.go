package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/embeddings"
	"github.com/papercomputeco/cortex/pkg/embeddings/hashing"
	"github.com/papercomputeco/cortex/pkg/logger"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/service"
	testutils "github.com/papercomputeco/cortex/pkg/utils/test"
)

type apiFixture struct {
	*testutils.ServiceFixture
	server *Server
}

func newAPIFixture(now *time.Time, embedder embeddings.Embedder, gen attribution.Generator) *apiFixture {
	f, err := testutils.NewServiceFixture(func() time.Time { return *now }, embedder, gen)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(f.Close)

	server, err := NewServer(Config{ListenAddr: ":0"}, f.Service, logger.Nop())
	Expect(err).NotTo(HaveOccurred())
	return &apiFixture{ServiceFixture: f, server: server}
}

// do sends a JSON request and returns the status and body.
func (f *apiFixture) do(method, path string, body any) (int, []byte) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.server.app.Test(req, -1)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, out
}

func decode[T any](b []byte) T {
	var v T
	Expect(json.Unmarshal(b, &v)).To(Succeed())
	return v
}

func expectError(status int, body []byte, wantStatus int, kind string) {
	ExpectWithOffset(1, status).To(Equal(wantStatus), string(body))
	ExpectWithOffset(1, decode[ErrorResponse](body).Kind).To(Equal(kind))
}

func ptr[T any](v T) *T { return &v }

var _ = Describe("Server", func() {
	var (
		now time.Time
		f   *apiFixture
	)

	create := func(id, text string, crit float64) *memory.Memory {
		status, body := f.do(http.MethodPost, "/memories", CreateMemoryRequest{ID: id, Text: text, Criticality: &crit})
		ExpectWithOffset(1, status).To(Equal(http.StatusCreated), string(body))
		return decode[MemoryWriteResponse](body).Memory
	}

	BeforeEach(func() {
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		f = newAPIFixture(&now, hashing.NewEmbedder(hashing.Config{}), nil)
	})

	It("responds to ping", func() {
		status, body := f.do(http.MethodGet, "/ping", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(decode[string](body)).To(Equal("pong"))
	})

	It("serves prometheus metrics", func() {
		f.do(http.MethodGet, "/ping", nil)
		status, body := f.do(http.MethodGet, "/metrics", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring("go_goroutines"))
		Expect(string(body)).To(ContainSubstring("cortex_http_requests_total"))
	})

	Describe("memories", func() {
		It("creates and fetches a memory", func() {
			status, body := f.do(http.MethodPost, "/memories", CreateMemoryRequest{
				Text:    "User drinks green tea every morning.",
				AgentID: "agent_1",
				Tags:    []string{"diet"},
			})
			Expect(status).To(Equal(http.StatusCreated))
			res := decode[MemoryWriteResponse](body)
			Expect(res.MemoryID).To(HavePrefix("mem_"))
			Expect(res.Contradictions).NotTo(BeNil())

			status, body = f.do(http.MethodGet, "/memories/"+res.MemoryID, nil)
			Expect(status).To(Equal(http.StatusOK))
			m := decode[memory.Memory](body)
			Expect(m.Tier).To(Equal(memory.TierHot))
			Expect(m.AgentID).To(Equal("agent_1"))
			Expect(m.Version).To(Equal(1))
		})

		It("rejects invalid memories", func() {
			status, body := f.do(http.MethodPost, "/memories", CreateMemoryRequest{Text: " "})
			expectError(status, body, http.StatusBadRequest, KindValidation)

			status, body = f.do(http.MethodPost, "/memories", CreateMemoryRequest{Text: "x", Criticality: ptr(2.0)})
			expectError(status, body, http.StatusBadRequest, KindValidation)
			Expect(f.Driver.Count()).To(BeZero())
		})

		It("rejects a duplicate id", func() {
			create("mem_001", "User drinks green tea every morning.", 0.5)
			status, body := f.do(http.MethodPost, "/memories", CreateMemoryRequest{ID: "mem_001", Text: "Office closes at six."})
			expectError(status, body, http.StatusConflict, KindConflict)
		})

		It("returns NotFound for an unknown memory", func() {
			status, body := f.do(http.MethodGet, "/memories/mem_missing", nil)
			expectError(status, body, http.StatusNotFound, KindNotFound)
		})

		It("lists memories by tier", func() {
			create("mem_001", "User drinks green tea every morning.", 0.5)
			create("mem_002", "Office closes at six.", 0.5)
			status, _ := f.do(http.MethodPost, "/memories/mem_002/demote", nil)
			Expect(status).To(Equal(http.StatusOK))

			status, body := f.do(http.MethodGet, "/memories?tier=warm", nil)
			Expect(status).To(Equal(http.StatusOK))
			mems := decode[[]memory.Memory](body)
			Expect(mems).To(HaveLen(1))
			Expect(mems[0].ID).To(Equal("mem_002"))

			status, body = f.do(http.MethodGet, "/memories?tier=lukewarm", nil)
			expectError(status, body, http.StatusBadRequest, KindValidation)

			status, body = f.do(http.MethodGet, "/memories?limit=-1", nil)
			expectError(status, body, http.StatusBadRequest, KindValidation)
		})

		It("edits with optimistic concurrency", func() {
			create("mem_001", "User drinks green tea every morning.", 0.5)

			status, body := f.do(http.MethodPut, "/memories/mem_001", EditMemoryRequest{
				Text:            "User drinks black tea every morning.",
				ExpectedVersion: 1,
				EditedBy:        "operator",
			})
			Expect(status).To(Equal(http.StatusOK), string(body))
			Expect(decode[MemoryWriteResponse](body).Memory.Version).To(Equal(2))

			status, body = f.do(http.MethodPut, "/memories/mem_001", EditMemoryRequest{Text: "stale", ExpectedVersion: 1})
			expectError(status, body, http.StatusConflict, KindStaleWriteConflict)

			status, body = f.do(http.MethodPut, "/memories/mem_001", EditMemoryRequest{Text: "no version"})
			expectError(status, body, http.StatusBadRequest, KindValidation)

			status, body = f.do(http.MethodGet, "/memories/mem_001/versions", nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(decode[[]memory.Version](body)).To(HaveLen(2))
		})

		It("pins a memory raised above the guard", func() {
			create("mem_001", "User drinks green tea every morning.", 0.5)
			status, _ := f.do(http.MethodPost, "/memories/mem_001/demote", nil)
			Expect(status).To(Equal(http.StatusOK))

			status, body := f.do(http.MethodPost, "/memories/mem_001/criticality", CriticalityRequest{Value: ptr(0.8)})
			Expect(status).To(Equal(http.StatusOK), string(body))
			m := decode[memory.Memory](body)
			Expect(m.Criticality).To(Equal(0.8))
			Expect(m.Tier).To(Equal(memory.TierHot))

			status, body = f.do(http.MethodPost, "/memories/mem_001/criticality", map[string]any{})
			expectError(status, body, http.StatusBadRequest, KindValidation)
		})

		It("refuses to demote a guarded memory", func() {
			create("mem_001", "Deploy keys rotate every Monday.", 0.9)
			status, body := f.do(http.MethodPost, "/memories/mem_001/demote", nil)
			expectError(status, body, http.StatusConflict, KindInvalidTransition)
		})

		It("reports impact", func() {
			create("mem_001", "User drinks green tea every morning.", 0.5)
			status, body := f.do(http.MethodGet, "/memories/mem_001/impact", nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring(`"recommendation":"archive"`))

			status, body = f.do(http.MethodGet, "/memories/mem_missing/impact", nil)
			expectError(status, body, http.StatusNotFound, KindNotFound)
		})
	})

	Describe("queries", func() {
		BeforeEach(func() {
			create("mem_001", "User drinks green tea every morning.", 0.5)
			create("mem_002", "Office closes at six.", 0.5)
		})

		It("answers and attributes a query", func() {
			status, body := f.do(http.MethodPost, "/query", QueryRequest{Text: "what does the user drink"})
			Expect(status).To(Equal(http.StatusOK), string(body))

			var res struct {
				QueryID      string                    `json:"query_id"`
				Response     string                    `json:"response"`
				Attributions []attribution.Attribution `json:"attributions"`
				Warnings     []string                  `json:"warnings"`
			}
			Expect(json.Unmarshal(body, &res)).To(Succeed())
			Expect(res.QueryID).To(HavePrefix("qry_"))
			Expect(res.Response).To(ContainSubstring("green tea"))
			Expect(res.Attributions).NotTo(BeEmpty())
			Expect(res.Warnings).To(BeEmpty())

			status, body = f.do(http.MethodPost, "/query/"+res.QueryID+"/exact", nil)
			Expect(status).To(Equal(http.StatusOK), string(body))
			exact := decode[AttributionsResponse](body)
			Expect(exact.Attributions).To(HaveLen(2))
			for _, a := range exact.Attributions {
				Expect(a.Mode).To(Equal(attribution.ModeExact))
			}

			status, body = f.do(http.MethodGet, "/query/"+res.QueryID+"/attributions", nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(decode[AttributionsResponse](body).Attributions).To(HaveLen(4))
		})

		It("verifies a memory by replaying the queries that used it", func() {
			status, body := f.do(http.MethodPost, "/query", QueryRequest{Text: "what does the user drink"})
			Expect(status).To(Equal(http.StatusOK), string(body))

			status, body = f.do(http.MethodPost, "/memories/mem_001/verify?queries=5", nil)
			Expect(status).To(Equal(http.StatusOK), string(body))
			v := decode[service.Verification](body)
			Expect(v.MemoryID).To(Equal("mem_001"))
			Expect(v.Replays).To(HaveLen(1))
			Expect(v.Replays[0].Replayed).To(Equal(attribution.NoAnswer))
			Expect(v.Changed).To(Equal(1))

			status, body = f.do(http.MethodPost, "/memories/mem_001/verify?queries=1000", nil)
			expectError(status, body, http.StatusBadRequest, KindValidation)

			status, body = f.do(http.MethodPost, "/memories/mem_missing/verify", nil)
			expectError(status, body, http.StatusNotFound, KindNotFound)
		})

		It("reports per-agent health", func() {
			status, body := f.do(http.MethodPost, "/memories", CreateMemoryRequest{Text: "Agent seven prefers email.", AgentID: "agent_7"})
			Expect(status).To(Equal(http.StatusCreated), string(body))
			status, body = f.do(http.MethodPost, "/query", QueryRequest{Text: "what does the user drink", AgentID: "agent_7"})
			Expect(status).To(Equal(http.StatusOK), string(body))

			status, body = f.do(http.MethodGet, "/agents", nil)
			Expect(status).To(Equal(http.StatusOK), string(body))
			agents := decode[AgentsResponse](body).Agents
			Expect(agents).To(HaveLen(2))
			Expect(agents[0].AgentID).To(BeEmpty())
			Expect(agents[0].Memories).To(Equal(2))
			Expect(agents[0].Queries).To(BeZero())
			Expect(agents[1].AgentID).To(Equal("agent_7"))
			Expect(agents[1].Memories).To(Equal(1))
			Expect(agents[1].Queries).To(Equal(1))
		})

		It("validates the query", func() {
			status, body := f.do(http.MethodPost, "/query", QueryRequest{Text: ""})
			expectError(status, body, http.StatusBadRequest, KindValidation)

			status, body = f.do(http.MethodPost, "/query", QueryRequest{Text: "tea", K: -1})
			expectError(status, body, http.StatusBadRequest, KindValidation)

			status, body = f.do(http.MethodPost, "/query", QueryRequest{Text: "tea", K: math.MaxInt})
			expectError(status, body, http.StatusBadRequest, KindValidation)
		})

		It("returns NotFound for an unknown query", func() {
			status, body := f.do(http.MethodGet, "/query/qry_missing/attributions", nil)
			expectError(status, body, http.StatusNotFound, KindNotFound)

			status, body = f.do(http.MethodPost, "/query/qry_missing/exact", nil)
			expectError(status, body, http.StatusNotFound, KindNotFound)
		})

		It("reports attribution status", func() {
			status, body := f.do(http.MethodGet, "/attribution/status", nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(decode[attribution.Status](body).Threshold).To(Equal(attribution.DefaultThreshold))

			status, body = f.do(http.MethodPost, "/attribution/validate", nil)
			Expect(status).To(Equal(http.StatusOK), string(body))
		})
	})

	Context("when generation keeps failing", func() {
		BeforeEach(func() {
			gen := testutils.NewMockGenerator()
			gen.FailTimes = 100
			f = newAPIFixture(&now, hashing.NewEmbedder(hashing.Config{}), gen)
		})

		It("returns EngineDegraded", func() {
			status, body := f.do(http.MethodPost, "/query", QueryRequest{Text: "what does the user drink"})
			expectError(status, body, http.StatusServiceUnavailable, KindEngineDegraded)
		})
	})

	Describe("contradictions", func() {
		var embedder *testutils.MockEmbedder

		BeforeEach(func() {
			embedder = testutils.NewMockEmbedder()
			f = newAPIFixture(&now, embedder, nil)
		})

		It("lists auto-resolved temporal updates", func() {
			embedder.Set("User lives in NYC", 0.6, 0.8, 0)
			embedder.Set("User is currently in London", 0.6, 0.8, 0)
			create("mem_001", "User lives in NYC", 0.5)
			now = now.Add(24 * time.Hour)
			create("mem_002", "User is currently in London", 0.5)

			status, body := f.do(http.MethodGet, "/contradictions?resolved=true", nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring(`"kind":"temporal_update"`))

			status, body = f.do(http.MethodGet, "/contradictions?resolved=false", nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(string(body)).To(Equal("[]"))

			status, body = f.do(http.MethodGet, "/contradictions?resolved=maybe", nil)
			expectError(status, body, http.StatusBadRequest, KindValidation)

			status, body = f.do(http.MethodGet, "/contradictions?kind=rumour", nil)
			expectError(status, body, http.StatusBadRequest, KindValidation)
		})

		It("resolves an open contradiction", func() {
			create("mem_001", "The API supports pagination", 0.5)
			res := create("mem_002", "The API does not support pagination", 0.5)
			Expect(res).NotTo(BeNil())

			status, body := f.do(http.MethodGet, "/contradictions?resolved=false&memory_id=mem_002", nil)
			Expect(status).To(Equal(http.StatusOK))
			var open []struct {
				ID   string `json:"id"`
				Kind string `json:"kind"`
			}
			Expect(json.Unmarshal(body, &open)).To(Succeed())
			Expect(open).To(HaveLen(1))
			Expect(open[0].Kind).To(Equal("logical"))

			status, body = f.do(http.MethodPost, "/contradictions/"+open[0].ID+"/resolve", ResolveRequest{By: "alice"})
			Expect(status).To(Equal(http.StatusOK), string(body))
			Expect(string(body)).To(ContainSubstring(`"resolved_by":"alice"`))

			status, body = f.do(http.MethodPost, "/contradictions/ctr_missing/resolve", nil)
			expectError(status, body, http.StatusNotFound, KindNotFound)
		})

		It("classifies a pair on demand", func() {
			create("mem_001", "The API supports pagination", 0.5)
			create("mem_002", "The API does not support pagination", 0.5)

			status, body := f.do(http.MethodPost, "/contradictions/classify", ClassifyRequest{MemoryIDA: "mem_001", MemoryIDB: "mem_002"})
			Expect(status).To(Equal(http.StatusOK), string(body))
			Expect(string(body)).To(ContainSubstring(`"logical"`))

			status, body = f.do(http.MethodPost, "/contradictions/classify", ClassifyRequest{MemoryIDA: "mem_001"})
			expectError(status, body, http.StatusBadRequest, KindValidation)
		})

		It("reports a low confidence verdict", func() {
			create("mem_001", "Team standup has 12 people", 0.5)
			now = now.Add(24 * time.Hour)
			create("mem_002", "Team standup has 15 people", 0.5)

			status, body := f.do(http.MethodPost, "/contradictions/classify", ClassifyRequest{MemoryIDA: "mem_001", MemoryIDB: "mem_002"})
			expectError(status, body, http.StatusUnprocessableEntity, KindClassifierLowConfidence)
			Expect(decode[ErrorResponse](body).Message).To(ContainSubstring("ambiguous"))
		})
	})

	Describe("provenance and deletion", func() {
		BeforeEach(func() {
			create("mem_001", "User drinks green tea every morning.", 0.5)
		})

		It("records artifacts and their lineage", func() {
			status, body := f.do(http.MethodPost, "/artifacts", ArtifactRequest{ID: "summary_1", Type: "summary", Parents: []string{"mem_001"}})
			Expect(status).To(Equal(http.StatusCreated), string(body))

			status, body = f.do(http.MethodGet, "/memories/mem_001/lineage", nil)
			Expect(status).To(Equal(http.StatusOK))
			lineage := decode[LineageResponse](body)
			Expect(lineage.Descendants).To(HaveLen(1))
			Expect(lineage.Descendants[0].ID).To(Equal("summary_1"))

			status, body = f.do(http.MethodPost, "/artifacts", ArtifactRequest{Type: "poem", Parents: []string{"mem_001"}})
			expectError(status, body, http.StatusBadRequest, KindValidation)
		})

		It("runs a deletion through its grace period", func() {
			status, body := f.do(http.MethodPost, "/artifacts", ArtifactRequest{ID: "summary_1", Type: "summary", Parents: []string{"mem_001"}})
			Expect(status).To(Equal(http.StatusCreated), string(body))

			status, body = f.do(http.MethodPost, "/deletions", DeletionRequestBody{MemoryID: "mem_001", Reason: "user request"})
			Expect(status).To(Equal(http.StatusCreated), string(body))
			var req struct {
				ID                 string   `json:"id"`
				Status             string   `json:"status"`
				DerivedArtifactIDs []string `json:"derived_artifact_ids"`
			}
			Expect(json.Unmarshal(body, &req)).To(Succeed())
			Expect(req.Status).To(Equal("grace_period"))
			Expect(req.DerivedArtifactIDs).To(ConsistOf("summary_1"))

			status, body = f.do(http.MethodPost, "/deletions/"+req.ID+"/execute", nil)
			expectError(status, body, http.StatusConflict, KindInvalidTransition)

			status, body = f.do(http.MethodPost, "/deletions/"+req.ID+"/execute?now=true", nil)
			Expect(status).To(Equal(http.StatusOK), string(body))
			Expect(string(body)).To(ContainSubstring(`"status":"completed"`))

			status, body = f.do(http.MethodGet, "/deletions/"+req.ID+"/certificate", nil)
			Expect(status).To(Equal(http.StatusOK), string(body))
			Expect(string(body)).To(ContainSubstring(`"memory_id":"mem_001"`))

			status, body = f.do(http.MethodGet, "/memories/mem_001", nil)
			expectError(status, body, http.StatusNotFound, KindNotFound)

			status, body = f.do(http.MethodPost, "/deletions/"+req.ID+"/cancel", nil)
			expectError(status, body, http.StatusConflict, KindInvalidTransition)

			status, body = f.do(http.MethodGet, "/deletions?status=completed", nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring(req.ID))
		})

		It("requires a memory id", func() {
			status, body := f.do(http.MethodPost, "/deletions", DeletionRequestBody{Reason: "cleanup"})
			expectError(status, body, http.StatusBadRequest, KindValidation)

			status, body = f.do(http.MethodGet, "/deletions/del_missing", nil)
			expectError(status, body, http.StatusNotFound, KindNotFound)
		})
	})

	It("runs a lifecycle pass", func() {
		create("mem_001", "User drinks green tea every morning.", 0.5)
		now = now.Add(40 * 24 * time.Hour)

		status, body := f.do(http.MethodPost, "/lifecycle/run", nil)
		Expect(status).To(Equal(http.StatusOK), string(body))
		Expect(string(body)).To(ContainSubstring(`"hot_to_warm":1`))
	})

	It("reports health", func() {
		create("mem_001", "User drinks green tea every morning.", 0.5)

		status, body := f.do(http.MethodGet, "/health", nil)
		Expect(status).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring(`"memories":1`))
		Expect(string(body)).To(ContainSubstring(`"hot":1`))
	})
})
