package http

import (
	"time"

	"github.com/cra-copilot/backend/internal/config"
	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
	"github.com/cra-copilot/backend/internal/transport/http/handlers"
	httpmw "github.com/cra-copilot/backend/internal/transport/http/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// TaskBackend is the task service as the HTTP layer sees it.
type TaskBackend interface {
	ports.TaskService
	handlers.RunningCounter
}

type RouterConfig struct {
	Config *config.Config
	Logger *logger.Logger
	Tasks  TaskBackend
	Agents handlers.AgentCatalog
	Store  handlers.StoreStatus
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	interval := cfg.Config.Tasks.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}

	taskHandler := handlers.NewTaskHandler(cfg.Tasks, cfg.Logger.Named("http"), interval)
	streamHandler := handlers.NewStreamHandler(cfg.Tasks, cfg.Logger.Named("ws"), interval)
	agentHandler := handlers.NewAgentHandler(cfg.Agents)
	healthHandler := handlers.NewHealthHandler(cfg.Tasks, cfg.Store)

	app.Get("/health", healthHandler.Health)

	// Task progress websocket
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws/tasks/:id", httpmw.UserAuth(cfg.Config), websocket.New(streamHandler.Handle))

	// API v1 routes
	api := app.Group("/api/v1")
	api.Get("/agents", agentHandler.ListAgents)

	tasks := api.Group("/tasks", httpmw.UserAuth(cfg.Config))
	tasks.Post("/execute", taskHandler.ExecuteTask)
	tasks.Get("/status/:id", taskHandler.GetTaskStatus)
	tasks.Get("/list", taskHandler.ListTasks)
	tasks.Get("/stream/:id", taskHandler.StreamTask)
	tasks.Post("/stream/:id", taskHandler.StreamTask)
	tasks.Delete("/:id", taskHandler.CancelTask)
}
