package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/service"
)

// CreateMemoryRequest is the body of POST /memories.
type CreateMemoryRequest struct {
	ID          string         `json:"id,omitempty"`
	Text        string         `json:"text"`
	AgentID     string         `json:"agent_id,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Criticality *float64       `json:"criticality,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
}

// MemoryWriteResponse is returned by memory writes.
type MemoryWriteResponse struct {
	MemoryID       string                       `json:"memory_id"`
	Memory         *memory.Memory               `json:"memory"`
	Contradictions []*consistency.Contradiction `json:"contradictions"`
}

// EditMemoryRequest is the body of PUT /memories/:id.
type EditMemoryRequest struct {
	Text            string   `json:"text"`
	Criticality     *float64 `json:"criticality,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	ExpectedVersion int      `json:"expected_version"`
	EditedBy        string   `json:"edited_by,omitempty"`
	ChangeReason    string   `json:"change_reason,omitempty"`
}

// CriticalityRequest is the body of POST /memories/:id/criticality.
type CriticalityRequest struct {
	Value *float64 `json:"value"`
}

// AgentsResponse is the body of GET /agents.
type AgentsResponse struct {
	Agents []service.AgentStatus `json:"agents"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleCreateMemory handles POST /memories.
func (s *Server) handleCreateMemory(c *fiber.Ctx) error {
	var req CreateMemoryRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, invalid("invalid request body"))
	}

	in := service.IngestRequest{
		ID:          req.ID,
		AgentID:     req.AgentID,
		Text:        req.Text,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		Criticality: req.Criticality,
	}
	if req.CreatedAt != nil {
		in.CreatedAt = *req.CreatedAt
	}

	res, err := s.svc.Ingest(c.Context(), in)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(MemoryWriteResponse{
		MemoryID:       res.Memory.ID,
		Memory:         res.Memory,
		Contradictions: res.Contradictions,
	})
}

// handleListMemories handles GET /memories.
func (s *Server) handleListMemories(c *fiber.Ctx) error {
	f := memory.ListFilter{AgentID: c.Query("agent_id")}
	if t := c.Query("tier"); t != "" {
		tier, err := memory.ParseTier(t)
		if err != nil {
			return s.fail(c, invalid("%v", err))
		}
		f.Tier = tier
	}

	var err error
	if f.Limit, err = nonNegative(c, "limit"); err != nil {
		return s.fail(c, err)
	}
	if f.Offset, err = nonNegative(c, "offset"); err != nil {
		return s.fail(c, err)
	}

	mems, err := s.svc.Store().List(c.Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	if mems == nil {
		mems = []*memory.Memory{}
	}
	return c.JSON(mems)
}

// handleGetMemory handles GET /memories/:id.
func (s *Server) handleGetMemory(c *fiber.Ctx) error {
	m, err := s.svc.Store().Get(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(m)
}

// handleEditMemory handles PUT /memories/:id.
func (s *Server) handleEditMemory(c *fiber.Ctx) error {
	var req EditMemoryRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, invalid("invalid request body"))
	}
	if req.ExpectedVersion <= 0 {
		return s.fail(c, invalid("expected_version is required"))
	}

	res, err := s.svc.Edit(c.Context(), memory.Edit{
		ID:              c.Params("id"),
		Text:            req.Text,
		Criticality:     req.Criticality,
		Tags:            req.Tags,
		ExpectedVersion: req.ExpectedVersion,
		EditedBy:        req.EditedBy,
		ChangeReason:    req.ChangeReason,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(MemoryWriteResponse{
		MemoryID:       res.Memory.ID,
		Memory:         res.Memory,
		Contradictions: res.Contradictions,
	})
}

// handleListVersions handles GET /memories/:id/versions.
func (s *Server) handleListVersions(c *fiber.Ctx) error {
	versions, err := s.svc.Store().Versions(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(versions)
}

// handleImpact handles GET /memories/:id/impact.
func (s *Server) handleImpact(c *fiber.Ctx) error {
	imp, err := s.svc.Impact(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(imp)
}

// handleVerifyMemory handles POST /memories/:id/verify?queries=N.
func (s *Server) handleVerifyMemory(c *fiber.Ctx) error {
	n, err := nonNegative(c, "queries")
	if err != nil {
		return s.fail(c, err)
	}
	if n > service.MaxReplays {
		return s.fail(c, invalid("queries must be at most %d", service.MaxReplays))
	}
	v, err := s.svc.VerifyMemory(c.Context(), c.Params("id"), n)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(v)
}

// handleSetCriticality handles POST /memories/:id/criticality.
func (s *Server) handleSetCriticality(c *fiber.Ctx) error {
	var req CriticalityRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, invalid("invalid request body"))
	}
	if req.Value == nil {
		return s.fail(c, invalid("value is required"))
	}

	m, err := s.svc.SetCriticality(c.Context(), c.Params("id"), *req.Value)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(m)
}

// handleDemote handles POST /memories/:id/demote.
func (s *Server) handleDemote(c *fiber.Ctx) error {
	m, err := s.svc.Lifecycle().Demote(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(m)
}

// handleRunLifecycle handles POST /lifecycle/run.
func (s *Server) handleRunLifecycle(c *fiber.Ctx) error {
	report, err := s.svc.Lifecycle().RunPass(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(report)
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	h, err := s.svc.Health(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(h)
}

// handleAgentFleet handles GET /agents.
func (s *Server) handleAgentFleet(c *fiber.Ctx) error {
	agents, err := s.svc.AgentFleet(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(AgentsResponse{Agents: agents})
}

func nonNegative(c *fiber.Ctx, key string) (int, error) {
	if c.Query(key) == "" {
		return 0, nil
	}
	n := c.QueryInt(key, -1)
	if n < 0 {
		return 0, invalid("%s must be a non-negative integer", key)
	}
	return n, nil
}
