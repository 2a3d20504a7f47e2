package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/service"
	"github.com/papercomputeco/cortex/pkg/storage"
)

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Text    string `json:"text"`
	K       int    `json:"k,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// AttributionsResponse lists a query's attributions.
type AttributionsResponse struct {
	QueryID      string                    `json:"query_id"`
	Attributions []attribution.Attribution `json:"attributions"`
}

// handleQuery handles POST /query.
func (s *Server) handleQuery(c *fiber.Ctx) error {
	var req QueryRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, invalid("invalid request body"))
	}
	if strings.TrimSpace(req.Text) == "" {
		return s.fail(c, invalid("text is required"))
	}
	if req.K < 0 || req.K > storage.MaxK {
		return s.fail(c, invalid("k must be between 0 and %d", storage.MaxK))
	}

	res, err := s.svc.Query(c.Context(), service.QueryRequest{Text: req.Text, K: req.K, AgentID: req.AgentID})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

// handleExactAttributions handles POST /query/:id/exact.
func (s *Server) handleExactAttributions(c *fiber.Ctx) error {
	id := c.Params("id")
	attrs, err := s.svc.ExactAttributions(c.Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(AttributionsResponse{QueryID: id, Attributions: orEmpty(attrs)})
}

// handleListAttributions handles GET /query/:id/attributions.
func (s *Server) handleListAttributions(c *fiber.Ctx) error {
	id := c.Params("id")
	attrs, err := s.svc.Attributions(c.Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(AttributionsResponse{QueryID: id, Attributions: orEmpty(attrs)})
}

// handleAttributionStatus handles GET /attribution/status.
func (s *Server) handleAttributionStatus(c *fiber.Ctx) error {
	return c.JSON(s.svc.Attribution().Status())
}

// handleValidateAttribution handles POST /attribution/validate.
func (s *Server) handleValidateAttribution(c *fiber.Ctx) error {
	st, err := s.svc.Attribution().Validate(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(st)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
