package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"hindsight/internal/archive"
	"hindsight/internal/config"
	"hindsight/internal/extract"
	"hindsight/internal/jobs"
	"hindsight/internal/metrics"
	"hindsight/internal/store"
	"hindsight/internal/syncer"
)

// ArchiveDeps bundles the archive router and its metrics for the source
// health endpoints.
type ArchiveDeps struct {
	Router  *archive.Router
	Metrics *archive.Metrics
}

// SyncDeps bundles the sync observability surface. Validator may be nil on
// api-only processes.
type SyncDeps struct {
	Validator *syncer.Validator
}

// Server is the HTTP front of the service.
type Server struct {
	app    *fiber.App
	config *config.Config
	store  *store.Store
	logger *slog.Logger
}

// NewServer builds the fiber app, middleware stack, and route table.
func NewServer(cfg *config.Config, st *store.Store, engine *jobs.Engine,
	arch *ArchiveDeps, tiered *extract.Tiered, syncDeps *SyncDeps,
	registry *metrics.Registry, logger *slog.Logger) *Server {

	app := fiber.New()

	// Inject shared dependencies into context for handlers.
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("store", st)
		c.Locals("engine", engine)
		c.Locals("archive", arch)
		c.Locals("extractor", tiered)
		c.Locals("sync", syncDeps)
		return c.Next()
	})

	// Request logging + metrics middleware.
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		route := c.Route().Path
		if registry != nil {
			registry.RecordRequest(c.Method(), route, status, latency)
		}
		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", c.Method(),
				"path", c.Path(),
				"status", status,
				"latency_ms", latency.Milliseconds())
		}
		return err
	})

	// Redis client for rate limiting and health checks.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		if opt, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			rdb = redis.NewClient(opt)
		}
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up.
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if err := st.DB.PingContext(ctx); err != nil {
			dbStatus = "error"
		}

		redisStatus := "disabled"
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		if dbStatus != "ok" || redisStatus == "error" {
			status = "error"
		}
		return c.JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"redis":  redisStatus,
		})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		if registry == nil {
			return c.SendString("")
		}
		return c.SendString(registry.Render())
	})

	authMw := authMiddleware(cfg, st)
	var rateMw fiber.Handler
	if rdb != nil {
		rateMw = rateLimitMiddleware(cfg, rdb)
	} else {
		rateMw = func(c *fiber.Ctx) error { return c.Next() }
	}

	v1 := app.Group("/v1", authMw, rateMw)
	registerV1Routes(v1)

	return &Server{app: app, config: cfg, store: st, logger: logger}
}

// Listen blocks serving HTTP on the configured address.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func registerV1Routes(group fiber.Router) {
	group.Post("/projects", createProjectHandler)
	group.Get("/projects", listProjectsHandler)
	group.Get("/projects/:id", getProjectHandler)
	group.Patch("/projects/:id", updateProjectHandler)
	group.Delete("/projects/:id", deleteProjectHandler)

	group.Post("/projects/:id/targets", createTargetHandler)
	group.Get("/projects/:id/targets", listTargetsHandler)
	group.Delete("/targets/:id", deleteTargetHandler)

	group.Post("/projects/:id/scrape", startScrapeHandler)
	group.Get("/projects/:id/sessions", listSessionsHandler)
	group.Get("/sessions/:id", getSessionHandler)

	group.Get("/projects/:id/scrape-pages", listScrapePagesHandler)
	group.Get("/projects/:id/status-counts", statusCountsHandler)
	group.Get("/projects/:id/pages", listPagesHandler)
	group.Post("/scrape-pages/:id/override", overridePageHandler)
	group.Post("/projects/:id/scrape-pages/manual-processing/bulk/preview", bulkPreviewHandler)
	group.Post("/projects/:id/scrape-pages/manual-processing/bulk", bulkApplyHandler)

	group.Get("/jobs/:id", getJobHandler)
	group.Delete("/jobs/:id", cancelJobHandler)
	group.Get("/queues", queueDepthsHandler)
	group.Get("/dead-letters", listDeadLettersHandler)

	group.Get("/health/archive-sources", archiveHealthHandler)
	group.Get("/metrics/archive-sources", archiveMetricsHandler)
	group.Post("/metrics/archive-sources/reset", resetArchiveMetricsHandler)
	group.Get("/extract/health", extractHealthHandler)
	group.Get("/sync/status", syncStatusHandler)
	group.Post("/sync/validate", triggerValidationHandler)

	group.Get("/index-events", listIndexEventsHandler)
	group.Post("/index-events/:id/ack", ackIndexEventHandler)
}
