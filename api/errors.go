package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/cortex/pkg/attribution"
	"github.com/papercomputeco/cortex/pkg/consistency"
	"github.com/papercomputeco/cortex/pkg/memory"
	"github.com/papercomputeco/cortex/pkg/provenance"
	"github.com/papercomputeco/cortex/pkg/storage"
)

// Error kinds reported in ErrorResponse.Kind.
const (
	KindNotFound                = "NotFound"
	KindInvalidTransition       = "InvalidTransition"
	KindStaleWriteConflict      = "StaleWriteConflict"
	KindClassifierLowConfidence = "ClassifierLowConfidence"
	KindEngineDegraded          = "EngineDegraded"
	KindConflict                = "Conflict"
	KindValidation              = "Validation"
	KindInternal                = "Internal"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

var errInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

// errorKind maps an error to its wire kind and HTTP status.
func errorKind(err error) (string, int) {
	switch {
	case memory.IsNotFound(err):
		return KindNotFound, fiber.StatusNotFound
	case memory.IsInvalidTransition(err):
		return KindInvalidTransition, fiber.StatusConflict
	case errors.Is(err, memory.ErrStaleWrite):
		return KindStaleWriteConflict, fiber.StatusConflict
	case errors.Is(err, consistency.ErrLowConfidence):
		return KindClassifierLowConfidence, fiber.StatusUnprocessableEntity
	case errors.Is(err, attribution.ErrEngineDegraded):
		return KindEngineDegraded, fiber.StatusServiceUnavailable
	case errors.Is(err, storage.ErrExists):
		return KindConflict, fiber.StatusConflict
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, memory.ErrEmptyText),
		errors.Is(err, memory.ErrInvalidCriticality),
		errors.Is(err, provenance.ErrCycle),
		errors.Is(err, provenance.ErrInvalidArtifact):
		return KindValidation, fiber.StatusBadRequest
	}
	return KindInternal, fiber.StatusInternalServerError
}

// fail writes err as an ErrorResponse. Internal errors are logged and their
// message withheld.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	kind, status := errorKind(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
		msg = "internal error"
	}
	return c.Status(status).JSON(ErrorResponse{Kind: kind, Message: msg})
}
