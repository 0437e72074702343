package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/medgraph/backend/internal/api/handlers"
	"github.com/medgraph/backend/internal/audit"
	"github.com/medgraph/backend/internal/cache"
	"github.com/medgraph/backend/internal/cypher"
	"github.com/medgraph/backend/internal/fetch"
	"github.com/medgraph/backend/internal/inference"
	"github.com/medgraph/backend/internal/ingestion"
	"github.com/medgraph/backend/internal/kg/builder"
	"github.com/medgraph/backend/internal/kg/neo4j"
	"github.com/medgraph/backend/internal/maintenance"
	"github.com/medgraph/backend/internal/middleware/ratelimit"
	"github.com/medgraph/backend/internal/middleware/security"
	reqvalidation "github.com/medgraph/backend/internal/middleware/validation"
	"github.com/medgraph/backend/internal/orchestrator"
	"github.com/medgraph/backend/internal/phi"
	"github.com/medgraph/backend/internal/storage/sqlite"
	"github.com/medgraph/backend/internal/validation"
	"github.com/medgraph/backend/internal/vector/milvus"
	"github.com/medgraph/backend/pkg/config"
	appLogger "github.com/medgraph/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting MedGraph API Server")

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	neo4jClient, err := neo4j.NewClient(ctx, cfg.Neo4j)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(ctx)

	if err := neo4jClient.EnsureConstraints(ctx); err != nil {
		appLogger.Fatal("Failed to ensure graph constraints", zap.Error(err))
	}

	milvusClient, err := milvus.NewClient(ctx, cfg.Milvus)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	// Redis is a hot layer in front of SQLite; the resolver works without it.
	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		appLogger.Warn("Redis unavailable, running without hot cache", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	inferenceClient := inference.NewClient(cfg.Inference)

	auditLogger := audit.NewLogger(sqliteClient)
	detector := phi.NewDetector(inferenceClient, auditLogger)
	sanitizer := cypher.NewSanitizer(cfg.Safety.ResultLimit)

	resolver := cache.NewResolver(sqliteClient, milvusClient, inferenceClient, redisClient, cfg.Safety)
	fetchClient := fetch.NewClient(cfg.Fetch)
	ingestor := ingestion.NewIngestor(sqliteClient, milvusClient, inferenceClient)
	graphBuilder := builder.NewBuilder(inferenceClient)
	assessor := validation.NewAssessor(detector, inferenceClient)

	pipeline := orchestrator.New(
		detector,
		inferenceClient,
		sanitizer,
		resolver,
		neo4jClient,
		fetchClient,
		ingestor,
		graphBuilder,
		assessor,
		sqliteClient,
		auditLogger,
	)

	// A typed nil must not reach the interface field.
	var hotCache maintenance.HotCacheJanitor
	if redisClient != nil {
		hotCache = redisClient
	}

	manager := maintenance.NewManager(
		sqliteClient,
		milvusClient,
		hotCache,
		neo4jClient,
		inferenceClient,
		auditLogger,
		cfg.Retention,
	)

	maintCtx, stopMaintenance := context.WithCancel(ctx)
	defer stopMaintenance()
	go manager.Start(maintCtx)
	go func() {
		for alert := range manager.Alerts() {
			appLogger.Warn("Maintenance alert",
				zap.String("kind", alert.Kind),
				zap.String("detail", alert.Detail),
			)
		}
	}()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{Logger: appLogger.GetLogger()})
	defer limiter.Stop()
	app.Use(limiter.Middleware())

	app.Use(reqvalidation.Middleware(reqvalidation.Config{
		MaxQueryLength: cfg.Safety.MaxQueryLength,
		Logger:         appLogger.GetLogger(),
	}))

	queryHandler := handlers.NewQueryHandler(pipeline, auditLogger)
	phiHandler := handlers.NewPHIHandler(detector)
	validationHandler := handlers.NewValidationHandler(assessor)
	maintenanceHandler := handlers.NewMaintenanceHandler(manager)
	auditStreamHandler := handlers.NewAuditStreamHandler(auditLogger)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/audit", queryHandler.GetAuditHistory)
	api.Post("/phi/process", phiHandler.HandleProcess)
	api.Post("/validate", validationHandler.HandleValidate)
	api.Post("/maintenance/run", maintenanceHandler.HandleRunSweep)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/audit", websocket.New(auditStreamHandler.HandleConnection))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if err := inferenceClient.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"reason": "inference runtime unreachable",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	stopMaintenance()
	app.Shutdown()
	appLogger.Info("Server stopped")
}
