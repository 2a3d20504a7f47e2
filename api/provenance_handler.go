package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/cortex/pkg/provenance"
)

// ArtifactRequest is the body of POST /artifacts.
type ArtifactRequest struct {
	ID      string   `json:"id,omitempty"`
	Type    string   `json:"type"`
	Parents []string `json:"parents"`
	Text    string   `json:"text,omitempty"`
}

// LineageResponse is everything derived from a memory or artifact.
type LineageResponse struct {
	ID          string             `json:"id"`
	Descendants []*provenance.Node `json:"descendants"`
}

// DeletionRequestBody is the body of POST /deletions.
type DeletionRequestBody struct {
	MemoryID    string `json:"memory_id"`
	Reason      string `json:"reason"`
	Override    bool   `json:"override,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// handleRecordArtifact handles POST /artifacts.
func (s *Server) handleRecordArtifact(c *fiber.Ctx) error {
	var req ArtifactRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, invalid("invalid request body"))
	}

	node, err := s.svc.Provenance().RecordDerivation(c.Context(), req.Parents, provenance.Artifact{
		ID:   req.ID,
		Type: provenance.ArtifactType(req.Type),
		Text: req.Text,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(node)
}

// handleLineage handles GET /memories/:id/lineage and /artifacts/:id/lineage.
func (s *Server) handleLineage(c *fiber.Ctx) error {
	id := c.Params("id")
	g, err := s.svc.Provenance().Lineage(c.Context(), id)
	if err != nil {
		return s.fail(c, err)
	}

	resp := LineageResponse{ID: id, Descendants: []*provenance.Node{}}
	for _, d := range g.Descendants() {
		if n, ok := g.Node(d); ok {
			resp.Descendants = append(resp.Descendants, n)
		}
	}
	return c.JSON(resp)
}

// handleRequestDeletion handles POST /deletions.
func (s *Server) handleRequestDeletion(c *fiber.Ctx) error {
	var req DeletionRequestBody
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, invalid("invalid request body"))
	}
	if req.MemoryID == "" {
		return s.fail(c, invalid("memory_id is required"))
	}

	r, err := s.svc.Provenance().RequestDeletion(c.Context(), req.MemoryID, req.Reason, provenance.RequestOptions{
		Override:    req.Override,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(r)
}

// handleListDeletions handles GET /deletions.
func (s *Server) handleListDeletions(c *fiber.Ctx) error {
	f := provenance.DeletionFilter{MemoryID: c.Query("memory_id")}
	if st := c.Query("status"); st != "" {
		f.Statuses = []provenance.Status{provenance.Status(st)}
	}

	rs, err := s.svc.Provenance().Deletions(c.Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(orEmpty(rs))
}

// handleGetDeletion handles GET /deletions/:id.
func (s *Server) handleGetDeletion(c *fiber.Ctx) error {
	r, err := s.svc.Provenance().Deletion(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(r)
}

// handleCancelDeletion handles POST /deletions/:id/cancel.
func (s *Server) handleCancelDeletion(c *fiber.Ctx) error {
	r, err := s.svc.Provenance().CancelDeletion(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(r)
}

// handleExecuteDeletion handles POST /deletions/:id/execute. ?now=true
// skips the rest of the grace period.
func (s *Server) handleExecuteDeletion(c *fiber.Ctx) error {
	r, err := s.svc.Provenance().ExecuteDeletion(c.Context(), c.Params("id"), c.QueryBool("now", false))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(r)
}

// handleGetCertificate handles GET /deletions/:id/certificate.
func (s *Server) handleGetCertificate(c *fiber.Ctx) error {
	cert, err := s.svc.Provenance().Certificate(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(cert)
}
