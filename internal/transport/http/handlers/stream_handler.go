package handlers

import (
	"context"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
	httpmw "github.com/cra-copilot/backend/internal/transport/http/middleware"
	"github.com/gofiber/contrib/websocket"
)

type wsError struct {
	Error string `json:"error"`
}

// StreamHandler pushes task snapshots over a websocket as JSON frames.
type StreamHandler struct {
	service        ports.TaskService
	logger         *logger.Logger
	streamInterval time.Duration
}

func NewStreamHandler(service ports.TaskService, logger *logger.Logger, streamInterval time.Duration) *StreamHandler {
	return &StreamHandler{service: service, logger: logger, streamInterval: streamInterval}
}

func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	id := c.Params("id")
	userID, _ := c.Locals(httpmw.UserIDKey).(string)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress, err := h.service.GetStatus(ctx, id)
	if err != nil || progress.UserID != userID {
		h.logger.Warnw("ws_task_not_found", "task_id", id, "user_id", userID)
		_ = c.WriteJSON(wsError{Error: "task not found"})
		return
	}

	updates, err := h.service.StreamStatus(ctx, id, h.streamInterval)
	if err != nil {
		h.logger.Errorw("ws_task_stream_failed", "task_id", id, "error", err)
		_ = c.WriteJSON(wsError{Error: err.Error()})
		return
	}

	// The read loop only notices the client closing the socket.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Infow("ws_task_stream_open", "task_id", id, "user_id", userID)
	for p := range updates {
		if err := c.WriteJSON(p); err != nil {
			h.logger.Debugw("ws_task_stream_write_failed", "task_id", id, "error", err)
			return
		}
	}
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
	h.logger.Infow("ws_task_stream_closed", "task_id", id)
}
