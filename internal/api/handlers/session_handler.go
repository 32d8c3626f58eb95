package handlers

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/export"
	"github.com/cdd-agent/backend/internal/session"
	"github.com/cdd-agent/backend/internal/upload"
	"github.com/cdd-agent/backend/pkg/logger"
)

type SessionHandler struct {
	manager *session.Manager
}

func NewSessionHandler(manager *session.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// Register mounts the session routes on an /api/v1 group.
func (h *SessionHandler) Register(api fiber.Router) {
	s := api.Group("/sessions")
	s.Post("/", h.Create)
	s.Get("/:id", h.Recover)
	s.Get("/:id/next", h.NextField)
	s.Post("/:id/batch", h.ProcessNextBatch)
	s.Post("/:id/fields/:index", h.ProcessField)
	s.Post("/:id/improve", h.Improve)
	s.Post("/:id/pause", h.Pause)
	s.Post("/:id/resume", h.Resume)
	s.Get("/:id/export", h.Export)
	s.Delete("/:id", h.Delete)
}

type createSessionRequest struct {
	Filename  string           `json:"filename"`
	Fields    []map[string]any `json:"fields"`
	BatchSize int              `json:"batch_size"`
}

// Create accepts either a multipart upload under "file" or a JSON body with
// the rows inline.
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req session.CreateRequest

	if file, err := c.FormFile("file"); err == nil {
		format, err := upload.DetectFormat(file.Filename, file.Header.Get(fiber.HeaderContentType))
		if err != nil {
			return respondError(c, err)
		}

		f, err := file.Open()
		if err != nil {
			return respondError(c, fmt.Errorf("failed to open upload: %w", err))
		}
		defer f.Close()

		fields, err := upload.Parse(f, format)
		if err != nil {
			return respondError(c, err)
		}

		req.Filename = file.Filename
		req.Fields = fields
		if v := c.FormValue("batch_size"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return badRequest(c, "batch_size must be an integer")
			}
			req.BatchSize = n
		}
	} else {
		var body createSessionRequest
		if err := c.BodyParser(&body); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return badRequest(c, "Invalid request body")
		}
		req.Filename = body.Filename
		req.Fields = upload.FromObjects(body.Fields)
		req.BatchSize = body.BatchSize
	}

	snap, err := h.manager.CreateSession(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	return sendSnapshot(c.Status(fiber.StatusCreated), snap)
}

func (h *SessionHandler) Recover(c *fiber.Ctx) error {
	snap, err := h.manager.Recover(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return sendSnapshot(c, snap)
}

func (h *SessionHandler) NextField(c *fiber.Ctx) error {
	snap, err := h.manager.NextField(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return sendSnapshot(c, snap)
}

func (h *SessionHandler) ProcessNextBatch(c *fiber.Ctx) error {
	res, err := h.manager.ProcessNextBatch(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"count_processed": res.Count,
		"indices":         res.Indices,
		"elapsed_ms":      res.Elapsed.Milliseconds(),
	})
}

func (h *SessionHandler) ProcessField(c *fiber.Ctx) error {
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil {
		return badRequest(c, "field index must be an integer")
	}

	var action session.Action
	if err := c.BodyParser(&action); err != nil {
		return badRequest(c, "Invalid request body")
	}

	snap, err := h.manager.ProcessField(c.UserContext(), c.Params("id"), index, action)
	if err != nil {
		return respondError(c, err)
	}
	return sendSnapshot(c, snap)
}

func (h *SessionHandler) Improve(c *fiber.Ctx) error {
	var req session.ImproveRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	snap, err := h.manager.Improve(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return respondError(c, err)
	}
	return sendSnapshot(c, snap)
}

func (h *SessionHandler) Pause(c *fiber.Ctx) error {
	snap, err := h.manager.Pause(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return sendSnapshot(c, snap)
}

func (h *SessionHandler) Resume(c *fiber.Ctx) error {
	snap, err := h.manager.Resume(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return sendSnapshot(c, snap)
}

func (h *SessionHandler) Export(c *fiber.Ctx) error {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		return respondError(c, err)
	}

	exp, err := h.manager.Export(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, exp, format); err != nil {
		return respondError(c, err)
	}

	c.Attachment(export.Filename(exp, format))
	c.Set(fiber.HeaderContentType, export.ContentType(format))
	return c.Send(buf.Bytes())
}

func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	if err := h.manager.Delete(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func sendSnapshot(c *fiber.Ctx, snap *session.Snapshot) error {
	c.Set(fiber.HeaderETag, strconv.Quote(snap.ETag))
	return c.JSON(snap)
}
