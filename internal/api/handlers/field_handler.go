package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/middleware/validation"
	"github.com/cdd-agent/backend/pkg/logger"
)

// FieldHandler serves one-off checks that live outside any session.
type FieldHandler struct {
	checker *matcher.Checker
}

func NewFieldHandler(checker *matcher.Checker) *FieldHandler {
	return &FieldHandler{checker: checker}
}

func (h *FieldHandler) CheckField(c *fiber.Ctx) error {
	var req matcher.CheckRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	req.FieldName = validation.SanitizeString(req.FieldName)
	req.FieldDefinition = validation.SanitizeString(req.FieldDefinition)

	result, err := h.checker.CheckField(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}
