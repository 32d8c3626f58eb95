package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/export"
	"github.com/cdd-agent/backend/internal/ingestion"
	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/session"
	"github.com/cdd-agent/backend/internal/upload"
	"github.com/cdd-agent/backend/pkg/logger"
)

// Error codes returned alongside the message in every error body.
const (
	CodeValidation       = "validation_error"
	CodeNotFound         = "not_found"
	CodeInvalidSelection = "invalid_selection"
	CodeStale            = "stale_session_state"
	CodePaused           = "session_paused"
	CodeCompleted        = "session_completed"
	CodeUpstream         = "upstream_unavailable"
	CodeInternal         = "internal_error"
)

// classify maps domain errors to a status and code. Anything unrecognised
// is an internal error and its message is not echoed to the client.
func classify(err error) (int, string, string) {
	var ve *session.ValidationError
	switch {
	case errors.As(err, &ve):
		return fiber.StatusUnprocessableEntity, CodeValidation, ve.Error()
	case errors.Is(err, matcher.ErrInvalidRequest),
		errors.Is(err, ingestion.ErrInvalidCatalog),
		errors.Is(err, upload.ErrUnsupportedFormat),
		errors.Is(err, export.ErrUnsupportedFormat):
		return fiber.StatusUnprocessableEntity, CodeValidation, err.Error()
	case errors.Is(err, session.ErrNotFound):
		return fiber.StatusNotFound, CodeNotFound, "session or field not found"
	case errors.Is(err, session.ErrInvalidSelection):
		return fiber.StatusConflict, CodeInvalidSelection, err.Error()
	case errors.Is(err, session.ErrStaleState):
		return fiber.StatusConflict, CodeStale, "session has moved on; fetch the current field and retry"
	case errors.Is(err, session.ErrSessionPaused):
		return fiber.StatusConflict, CodePaused, err.Error()
	case errors.Is(err, session.ErrSessionCompleted):
		return fiber.StatusConflict, CodeCompleted, err.Error()
	case errors.Is(err, matcher.ErrUpstream):
		return fiber.StatusBadGateway, CodeUpstream, "matching service is temporarily unavailable"
	}
	return fiber.StatusInternalServerError, CodeInternal, "internal server error"
}

func respondError(c *fiber.Ctx, err error) error {
	status, code, message := classify(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": message,
		"code":  CodeValidation,
	})
}
