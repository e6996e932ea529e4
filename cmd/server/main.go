package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cra-copilot/backend/internal/config"
	"github.com/cra-copilot/backend/internal/core/agents"
	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/core/services"
	"github.com/cra-copilot/backend/internal/infrastructure/db"
	"github.com/cra-copilot/backend/internal/infrastructure/gemini"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
	"github.com/cra-copilot/backend/internal/infrastructure/pubmed"
	transporthttp "github.com/cra-copilot/backend/internal/transport/http"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func main() {
	configPath := "config/config.yaml"
	if p := os.Getenv("CRA_CONFIG"); p != "" {
		configPath = p
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = "../config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	database, primary := openPrimaryStore(cfg, log)
	store := db.NewFallbackTaskRepository(primary, db.NewMemoryTaskRepository(), log.Named("store"))

	rootCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	store.StartJanitor(rootCtx, cfg.Tasks.JanitorInterval, cfg.Tasks.Retention)

	if cfg.Gemini.APIKey == "" {
		log.Warn("gemini api key not configured; agent model calls will fail")
	}
	registry, err := agents.NewDefaultRegistry(agents.Dependencies{
		LLM:             gemini.NewClient(cfg.Gemini, log.Named("gemini")),
		Search:          pubmed.NewClient(cfg.PubMed, log.Named("pubmed")),
		Logger:          log.Named("agents"),
		DefaultModel:    cfg.Gemini.Model,
		CriticThreshold: cfg.Tasks.CriticThreshold,
	})
	if err != nil {
		log.Fatalf("failed to build agent registry: %v", err)
	}

	taskService := services.NewTaskService(services.TaskServiceConfig{
		Repository:     store,
		Registry:       registry,
		Logger:         log.Named("tasks"),
		StreamInterval: cfg.Tasks.StreamInterval,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "http://localhost:3000"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key, " + cfg.Features.RequestIDHeader,
		AllowMethods: "GET, POST, HEAD, DELETE, OPTIONS",
	}))

	app.Use(func(c *fiber.Ctx) error {
		hdr := cfg.Features.RequestIDHeader
		var reqID string
		if hdr != "" {
			reqID = c.Get(hdr)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		if hdr != "" {
			c.Set(hdr, reqID)
		}
		return c.Next()
	})

	if cfg.Features.EnableRequestLogging {
		app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			routePath := ""
			if c.Route() != nil {
				routePath = c.Route().Path
			}
			log.Infow("http_access",
				"method", c.Method(),
				"path", c.Path(),
				"route", routePath,
				"query", string(c.Request().URI().QueryString()),
				"status", c.Response().StatusCode(),
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", c.IP(),
				"user_agent", string(c.Request().Header.UserAgent()),
				"request_id", c.Locals("request_id"),
				"req_bytes", len(c.Request().Body()),
			)
			return err
		})
	}

	transporthttp.SetupRoutes(app, transporthttp.RouterConfig{
		Config: cfg,
		Logger: log,
		Tasks:  taskService,
		Agents: registry,
		Store:  store,
	})

	addr := cfg.Server.Address()
	go func() {
		if err := app.Listen(addr); err != nil {
			log.Fatalf("server failed to start: %v", err)
		}
	}()
	log.Infow("server_started", "addr", addr, "agents", len(registry.Agents()), "store_local_only", store.LocalOnly())

	gracefulShutdown(app, taskService, store, database, cfg.Tasks.ShutdownTimeout, log)
}

// openPrimaryStore connects to postgres when enabled. Any failure leaves the
// service running on the in-process store alone.
func openPrimaryStore(cfg *config.Config, log *logger.Logger) (*gorm.DB, ports.TaskRepository) {
	if !cfg.Database.Enabled {
		log.Warn("database disabled; tasks are kept in memory only")
		return nil, nil
	}

	database, err := db.NewPostgresConnection(cfg.Database)
	if err != nil {
		log.Warnw("database_connect_failed", "error", err, "fallback", "memory")
		return nil, nil
	}
	log.Info("database connection established")

	if err := db.RunMigrations(database); err != nil {
		log.Warnw("database_migrate_failed", "error", err, "fallback", "memory")
		_ = db.Close(database)
		return nil, nil
	}
	log.Info("database migrations completed")

	return database, db.NewTaskRepository(database, log.Named("postgres"))
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		if code < fiber.StatusInternalServerError {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func gracefulShutdown(app *fiber.App, tasks *services.TaskService, store *db.FallbackTaskRepository, database *gorm.DB, timeout time.Duration, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down server...")

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := tasks.Shutdown(ctx); err != nil {
		log.Errorf("tasks did not stop in time: %v", err)
	}

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
	}

	if err := store.Sync(ctx); err != nil {
		log.Warnw("task_store_final_sync_failed", "pending", store.PendingSync(), "error", err)
	}

	if database != nil {
		if err := db.Close(database); err != nil {
			log.Errorf("failed to close database connection: %v", err)
		}
	}

	log.Info("server exited gracefully")
}
