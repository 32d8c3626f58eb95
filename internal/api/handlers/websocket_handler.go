package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/middleware/auth"
	"github.com/cdd-agent/backend/internal/session"
	"github.com/cdd-agent/backend/pkg/logger"
)

// Command types a client may send over the session socket.
const (
	CmdRecover      = "recover"
	CmdNextField    = "next_field"
	CmdProcessBatch = "process_batch"
	CmdProcessField = "process_field"
	CmdImprove      = "improve"
	CmdPause        = "pause"
	CmdResume       = "resume"
)

type wsCommand struct {
	Type      string                  `json:"type"`
	RequestID string                  `json:"request_id,omitempty"`
	Index     int                     `json:"index"`
	Action    session.Action          `json:"action"`
	Improve   *session.ImproveRequest `json:"improve,omitempty"`
}

type wsReply struct {
	Type      string               `json:"type"`
	RequestID string               `json:"request_id,omitempty"`
	Snapshot  *session.Snapshot    `json:"snapshot,omitempty"`
	Batch     *session.BatchResult `json:"batch,omitempty"`
	Error     string               `json:"error,omitempty"`
	Code      string               `json:"code,omitempty"`
}

// WebSocketHandler drives one session over a socket with the same
// operations as the REST routes. Every reply carries the request_id of the
// command it answers.
type WebSocketHandler struct {
	manager *session.Manager
}

func NewWebSocketHandler(manager *session.Manager) *WebSocketHandler {
	return &WebSocketHandler{manager: manager}
}

// Upgrade rejects plain HTTP requests on the socket route.
func Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	id := c.Params("id")
	caller, _ := c.Locals(auth.LocalsCaller).(string)

	ctx, cancel := context.WithCancel(session.ContextWithCaller(context.Background(), caller))
	defer cancel()

	logger.Info("WebSocket connection established", zap.String("session_id", id))
	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("session_id", id))
	}()

	// A reconnecting client gets its current view without asking.
	if err := c.WriteJSON(h.dispatch(ctx, id, wsCommand{Type: CmdRecover})); err != nil {
		return
	}

	for {
		var cmd wsCommand
		if err := c.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.String("session_id", id), zap.Error(err))
			}
			return
		}

		if err := c.WriteJSON(h.dispatch(ctx, id, cmd)); err != nil {
			logger.Warn("Failed to write WebSocket reply", zap.String("session_id", id), zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, id string, cmd wsCommand) wsReply {
	var (
		snap *session.Snapshot
		err  error
	)

	switch cmd.Type {
	case CmdRecover:
		snap, err = h.manager.Recover(ctx, id)
	case CmdNextField:
		snap, err = h.manager.NextField(ctx, id)
	case CmdProcessBatch:
		res, err := h.manager.ProcessNextBatch(ctx, id)
		if err != nil {
			return errorReply(cmd, err)
		}
		return wsReply{Type: "batch", RequestID: cmd.RequestID, Batch: res}
	case CmdProcessField:
		snap, err = h.manager.ProcessField(ctx, id, cmd.Index, cmd.Action)
	case CmdImprove:
		if cmd.Improve == nil {
			return wsReply{Type: "error", RequestID: cmd.RequestID, Error: "improve payload is required", Code: CodeValidation}
		}
		snap, err = h.manager.Improve(ctx, id, *cmd.Improve)
	case CmdPause:
		snap, err = h.manager.Pause(ctx, id)
	case CmdResume:
		snap, err = h.manager.Resume(ctx, id)
	default:
		return wsReply{Type: "error", RequestID: cmd.RequestID, Error: "unknown command type", Code: CodeValidation}
	}

	if err != nil {
		return errorReply(cmd, err)
	}
	return wsReply{Type: "snapshot", RequestID: cmd.RequestID, Snapshot: snap}
}

func errorReply(cmd wsCommand, err error) wsReply {
	_, code, message := classify(err)
	if code == CodeInternal {
		logger.Error("WebSocket command failed", zap.String("type", cmd.Type), zap.Error(err))
	}
	return wsReply{Type: "error", RequestID: cmd.RequestID, Error: message, Code: code}
}
