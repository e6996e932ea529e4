package handlers

import (
	"github.com/cra-copilot/backend/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

type RunningCounter interface {
	Running() int
}

type StoreStatus interface {
	LocalOnly() bool
	PendingSync() int
}

type HealthHandler struct {
	tasks RunningCounter
	store StoreStatus
}

func NewHealthHandler(tasks RunningCounter, store StoreStatus) *HealthHandler {
	return &HealthHandler{tasks: tasks, store: store}
}

// Health reports "degraded" while writes are waiting for the primary store.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	resp := dto.HealthResponse{Status: "ok", StoreMode: "primary"}
	if h.tasks != nil {
		resp.RunningTasks = h.tasks.Running()
	}
	if h.store != nil {
		resp.PendingSync = h.store.PendingSync()
		if h.store.LocalOnly() {
			resp.StoreMode = "local"
		} else if resp.PendingSync > 0 {
			resp.Status = "degraded"
		}
	}
	return c.JSON(resp)
}
