package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/knowledge-agent/backend/internal/api/handlers"
	"github.com/knowledge-agent/backend/internal/cache/redis"
	"github.com/knowledge-agent/backend/internal/curation"
	"github.com/knowledge-agent/backend/internal/feedback"
	"github.com/knowledge-agent/backend/internal/ingestion"
	"github.com/knowledge-agent/backend/internal/kg/neo4j"
	"github.com/knowledge-agent/backend/internal/llm"
	"github.com/knowledge-agent/backend/internal/metrics"
	"github.com/knowledge-agent/backend/internal/middleware/ratelimit"
	"github.com/knowledge-agent/backend/internal/middleware/security"
	"github.com/knowledge-agent/backend/internal/middleware/validation"
	"github.com/knowledge-agent/backend/internal/rag"
	"github.com/knowledge-agent/backend/internal/storage/sqlite"
	"github.com/knowledge-agent/backend/pkg/config"
	appLogger "github.com/knowledge-agent/backend/pkg/logger"
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

	appLogger.Info("Starting Knowledge RAG API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	neo4jClient, err := neo4j.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	// The query cache is optional; the engine degrades to direct graph
	// queries when redis is unreachable at startup.
	var queryCache rag.QueryCache
	redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Warn("Redis unavailable, query caching disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
		queryCache = redisClient
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	var cacheInvalidator ingestion.CacheInvalidator
	if redisClient != nil {
		cacheInvalidator = redisClient
	}
	processor := ingestion.NewProcessor(sqliteClient, neo4jClient, cacheInvalidator)

	ragEngine := rag.NewEngine(
		neo4jClient,
		sqliteClient,
		llmClient,
		queryCache,
		time.Duration(cfg.Redis.QueryTTL)*time.Second,
	)

	reinforcer := feedback.NewReinforcer(sqliteClient, neo4jClient)

	curator, err := curation.NewCurator(
		sqliteClient,
		ragEngine,
		llmClient,
		cfg.Curation.OutputDir,
		cfg.Curation.JobsDir,
		time.Duration(cfg.Curation.TimeoutSec)*time.Second,
	)
	if err != nil {
		appLogger.Fatal("Failed to create curator", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{})
	defer limiter.Stop()
	app.Use(limiter.Middleware())

	app.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
	}))

	queryHandler := handlers.NewQueryHandler(ragEngine, sqliteClient)
	documentHandler := handlers.NewDocumentHandler(processor, sqliteClient)
	feedbackHandler := handlers.NewFeedbackHandler(reinforcer)
	trainingHandler := handlers.NewTrainingHandler(curator)
	statsHandler := handlers.NewStatsHandler(neo4jClient)
	wsHandler := handlers.NewWebSocketHandler(ragEngine)

	trainingDefaults := handlers.TrainingDefaults{
		MinQualityScore: cfg.Curation.MinQualityScore,
		MaxSamples:      cfg.Curation.MaxSamples,
		ValidationSplit: cfg.Curation.ValidationSplit,
		BaseModel:       cfg.Curation.BaseModel,
	}

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/interactions", queryHandler.GetHistory)

	api.Post("/documents", documentHandler.IngestDocument)
	api.Get("/documents", documentHandler.SearchDocuments)
	api.Get("/documents/:id", documentHandler.GetDocument)

	api.Post("/feedback", feedbackHandler.SubmitFeedback)

	api.Post("/training/collect", trainingHandler.CollectTrainingData(trainingDefaults))
	api.Post("/training/finetune", trainingHandler.StartFinetuning(trainingDefaults))
	api.Get("/training/jobs/:id", trainingHandler.GetFinetuningJob)

	api.Get("/stats", statsHandler.GetStats)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHandler.HandleConnection))

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
	app.Shutdown()
	appLogger.Info("Server stopped")
}
