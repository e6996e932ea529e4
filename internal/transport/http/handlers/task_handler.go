package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/core/services"
	"github.com/cra-copilot/backend/internal/domain"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
	"github.com/cra-copilot/backend/internal/transport/http/dto"
	httpmw "github.com/cra-copilot/backend/internal/transport/http/middleware"
	"github.com/gofiber/fiber/v2"
)

type TaskHandler struct {
	service        ports.TaskService
	logger         *logger.Logger
	streamInterval time.Duration
}

func NewTaskHandler(service ports.TaskService, logger *logger.Logger, streamInterval time.Duration) *TaskHandler {
	return &TaskHandler{service: service, logger: logger, streamInterval: streamInterval}
}

func (h *TaskHandler) ExecuteTask(c *fiber.Ctx) error {
	userID := httpmw.UserID(c)

	var req dto.ExecuteTaskRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("task_execute_body_parse_failed", "user_id", userID, "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}

	if errors := req.Validate(); len(errors) > 0 {
		h.logger.Warnw("task_execute_validation_failed", "user_id", userID, "details", errors)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: errors,
		})
	}

	h.logger.Infow("task_execute_request", "user_id", userID, "task_type", req.GetTaskType())
	progress, err := h.service.CreateTask(c.UserContext(), ports.CreateTaskInput{
		Type:      req.GetTaskType(),
		UserID:    userID,
		SessionID: req.SessionID,
		Input:     req.InputData,
		Config:    req.Config,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTaskType), errors.Is(err, domain.ErrInvalidInput):
			h.logger.Warnw("task_execute_bad_request", "user_id", userID, "error", err)
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
		case errors.Is(err, services.ErrServiceShuttingDown):
			return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Error: err.Error()})
		}
		h.logger.Errorw("task_execute_failed", "user_id", userID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	h.logger.Infow("task_execute_queued", "task_id", progress.TaskID, "task_type", progress.TaskType)
	return c.Status(fiber.StatusAccepted).JSON(dto.ExecuteTaskResponse{
		TaskID:  progress.TaskID,
		Status:  progress.Status,
		Message: "Task has been queued for execution",
	})
}

func (h *TaskHandler) GetTaskStatus(c *fiber.Ctx) error {
	progress, err := h.ownedTask(c)
	if err != nil {
		return h.lookupError(c, "task_status", err)
	}
	return c.JSON(progress)
}

func (h *TaskHandler) ListTasks(c *fiber.Ctx) error {
	userID := httpmw.UserID(c)
	limit := c.QueryInt("limit", services.DefaultListLimit)
	offset := c.QueryInt("offset", 0)
	if limit <= 0 || limit > services.MaxListLimit || offset < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: fmt.Sprintf("limit must be between 1 and %d and offset must not be negative", services.MaxListLimit),
		})
	}

	tasks, err := h.service.ListTasks(c.UserContext(), userID, limit, offset)
	if err != nil {
		h.logger.Errorw("task_list_failed", "user_id", userID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}
	return c.JSON(dto.TaskListResponse{Tasks: tasks, Limit: limit, Offset: offset})
}

func (h *TaskHandler) CancelTask(c *fiber.Ctx) error {
	progress, err := h.ownedTask(c)
	if err != nil {
		return h.lookupError(c, "task_cancel", err)
	}

	if err := h.service.CancelTask(c.UserContext(), progress.TaskID); err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "task not found"})
		case errors.Is(err, domain.ErrTaskTerminal):
			h.logger.Warnw("task_cancel_terminal", "task_id", progress.TaskID, "status", progress.Status)
			return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "task cannot be cancelled: " + err.Error()})
		}
		h.logger.Errorw("task_cancel_failed", "task_id", progress.TaskID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	return c.JSON(dto.SuccessResponse{Message: "Task cancelled successfully"})
}

// StreamTask writes server-sent events, one per changed snapshot, until the
// task reaches a terminal state or the client goes away.
func (h *TaskHandler) StreamTask(c *fiber.Ctx) error {
	progress, err := h.ownedTask(c)
	if err != nil {
		return h.lookupError(c, "task_stream", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := h.service.StreamStatus(ctx, progress.TaskID, h.streamInterval)
	if err != nil {
		cancel()
		return h.lookupError(c, "task_stream", err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	taskID := progress.TaskID
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for p := range updates {
			if err := writeEvent(w, p); err != nil {
				h.logger.Debugw("task_stream_client_gone", "task_id", taskID, "error", err)
				return
			}
		}
		h.logger.Debugw("task_stream_closed", "task_id", taskID)
	})
	return nil
}

func writeEvent(w *bufio.Writer, p domain.TaskProgress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

// ownedTask loads the task named in the path. Tasks of other users are
// reported as missing.
func (h *TaskHandler) ownedTask(c *fiber.Ctx) (*domain.TaskProgress, error) {
	id := c.Params("id")
	progress, err := h.service.GetStatus(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if progress.UserID != httpmw.UserID(c) {
		h.logger.Warnw("task_access_denied", "task_id", id, "user_id", httpmw.UserID(c))
		return nil, domain.ErrTaskNotFound
	}
	return progress, nil
}

func (h *TaskHandler) lookupError(c *fiber.Ctx, event string, err error) error {
	if errors.Is(err, domain.ErrTaskNotFound) {
		h.logger.Debugw(event+"_not_found", "task_id", c.Params("id"))
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "task not found"})
	}
	h.logger.Errorw(event+"_failed", "task_id", c.Params("id"), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: err.Error()})
}
