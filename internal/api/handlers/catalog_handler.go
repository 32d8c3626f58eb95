package handlers

import (
	"bytes"
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/ingestion"
	"github.com/cdd-agent/backend/internal/storage/models"
	"github.com/cdd-agent/backend/internal/upload"
	"github.com/cdd-agent/backend/pkg/logger"
)

type CatalogReader interface {
	ListAttributes(ctx context.Context) ([]models.Attribute, error)
	ListCategories(ctx context.Context) ([]models.Category, error)
}

type CatalogPopulator interface {
	Populate(ctx context.Context, req ingestion.PopulateRequest) (*ingestion.PopulateResult, error)
}

type CatalogHandler struct {
	catalog   CatalogReader
	populator CatalogPopulator
}

func NewCatalogHandler(catalog CatalogReader, populator CatalogPopulator) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, populator: populator}
}

func (h *CatalogHandler) Populate(c *fiber.Ctx) error {
	var req ingestion.PopulateRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse catalog payload", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	result, err := h.populator.Populate(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

func (h *CatalogHandler) ListAttributes(c *fiber.Ctx) error {
	attrs, err := h.catalog.ListAttributes(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}

	if category := c.Query("category"); category != "" {
		filtered := attrs[:0]
		for _, a := range attrs {
			if a.Category == category {
				filtered = append(filtered, a)
			}
		}
		attrs = filtered
	}

	return c.JSON(fiber.Map{
		"attributes": attrs,
		"count":      len(attrs),
	})
}

func (h *CatalogHandler) ListCategories(c *fiber.Ctx) error {
	cats, err := h.catalog.ListCategories(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"categories": cats,
		"count":      len(cats),
	})
}

// ExampleFile returns a template upload with the standard headers.
func ExampleFile(c *fiber.Ctx) error {
	format := upload.Format(c.Query("format", string(upload.FormatCSV)))

	var buf bytes.Buffer
	if err := upload.WriteExample(&buf, format); err != nil {
		return respondError(c, err)
	}

	c.Attachment("cdd_mapping_example." + string(format))
	if format == upload.FormatCSV {
		c.Set(fiber.HeaderContentType, "text/csv")
	}
	return c.Send(buf.Bytes())
}
