package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/cortex/pkg/consistency"
)

// ResolveRequest is the optional body of POST /contradictions/:id/resolve.
type ResolveRequest struct {
	By string `json:"by,omitempty"`
}

// ClassifyRequest is the body of POST /contradictions/classify.
type ClassifyRequest struct {
	MemoryIDA string `json:"memory_id_a"`
	MemoryIDB string `json:"memory_id_b"`
}

// handleListContradictions handles GET /contradictions.
func (s *Server) handleListContradictions(c *fiber.Ctx) error {
	f := consistency.Filter{MemoryID: c.Query("memory_id")}
	if r := c.Query("resolved"); r != "" {
		resolved, err := strconv.ParseBool(r)
		if err != nil {
			return s.fail(c, invalid("resolved must be true or false"))
		}
		f.Resolved = &resolved
	}
	if k := c.Query("kind"); k != "" {
		kind, err := consistency.ParseKind(k)
		if err != nil {
			return s.fail(c, invalid("%v", err))
		}
		f.Kind = kind
	}
	var err error
	if f.Limit, err = nonNegative(c, "limit"); err != nil {
		return s.fail(c, err)
	}

	found, err := s.svc.Monitor().List(c.Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(orEmpty(found))
}

// handleResolveContradiction handles POST /contradictions/:id/resolve.
func (s *Server) handleResolveContradiction(c *fiber.Ctx) error {
	var req ResolveRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return s.fail(c, invalid("invalid request body"))
		}
	}

	resolved, err := s.svc.Monitor().Resolve(c.Context(), c.Params("id"), req.By)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(resolved)
}

// handleClassify handles POST /contradictions/classify.
func (s *Server) handleClassify(c *fiber.Ctx) error {
	var req ClassifyRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, invalid("invalid request body"))
	}
	if req.MemoryIDA == "" || req.MemoryIDB == "" {
		return s.fail(c, invalid("memory_id_a and memory_id_b are required"))
	}

	v, err := s.svc.Monitor().Classify(c.Context(), req.MemoryIDA, req.MemoryIDB)
	if errors.Is(err, consistency.ErrLowConfidence) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(ErrorResponse{
			Kind:    KindClassifierLowConfidence,
			Message: err.Error() + ": " + string(v.Relation) + " at " + strconv.FormatFloat(v.Confidence, 'f', 2, 64),
		})
	}
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(v)
}
