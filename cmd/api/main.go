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
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/api/handlers"
	"github.com/ai-log-analytics/backend/internal/budget"
	"github.com/ai-log-analytics/backend/internal/cluster"
	"github.com/ai-log-analytics/backend/internal/detect"
	"github.com/ai-log-analytics/backend/internal/embed"
	"github.com/ai-log-analytics/backend/internal/ingest"
	"github.com/ai-log-analytics/backend/internal/llm"
	"github.com/ai-log-analytics/backend/internal/metrics"
	"github.com/ai-log-analytics/backend/internal/pipeline"
	"github.com/ai-log-analytics/backend/internal/redact"
	"github.com/ai-log-analytics/backend/internal/storage/sqlite"
	"github.com/ai-log-analytics/backend/internal/vector/memory"
	"github.com/ai-log-analytics/backend/internal/vector/milvus"
	"github.com/ai-log-analytics/backend/pkg/config"
	appLogger "github.com/ai-log-analytics/backend/pkg/logger"
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

	appLogger.Info("Starting Log Anomaly Detection API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	guard := budget.NewGuard(cfg.Detection.DailyBudgetUSD)

	var cache embed.Cache
	if cfg.Redis.Enabled {
		redisCache, err := embed.NewRedisCache(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			0,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Redis cache", zap.Error(err))
		}
		defer redisCache.Close()
		cache = redisCache
	} else {
		cache = embed.NewLRUCache(cfg.Detection.CacheSize)
	}

	embedder := embed.NewService(llmClient, cache, guard)

	var (
		vectorStore  pipeline.VectorStore
		vectorSource cluster.VectorSource
	)
	if cfg.Milvus.Enabled {
		milvusClient, err := milvus.NewClient(
			cfg.Milvus.Endpoint,
			cfg.Milvus.CollectionName,
			cfg.Milvus.VectorDim,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
		}
		defer milvusClient.Close()

		err = milvusClient.CreateCollection(context.Background())
		if err != nil {
			appLogger.Fatal("Failed to create collection", zap.Error(err))
		}
		vectorStore = milvusClient
		vectorSource = milvusClient
	} else {
		appLogger.Warn("Milvus disabled, keeping embeddings in process memory")
		memStore := memory.NewStore(0)
		vectorStore = memStore
		vectorSource = memStore
	}

	scorer := detect.NewCentroidScorer(
		cfg.Detection.ScorerWindowSize,
		cfg.Detection.ScorerMinObservations,
		cfg.Detection.ScorerZThreshold,
	)
	policy := detect.EscalationPolicy{Threshold: cfg.Detection.EscalationThreshold}
	validator := detect.NewValidator(llmClient, guard, cfg.Detection.ValidationConfidenceThreshold)
	reasoner := detect.NewReasoner(llmClient, guard)

	detectPipeline := pipeline.New(
		redact.NewEngine(true),
		embedder,
		scorer,
		policy,
		validator,
		sqliteClient,
		vectorStore,
	)

	clusterEngine := cluster.NewEngine(
		vectorSource,
		sqliteClient,
		&cluster.DBSCAN{
			Eps:        cfg.Clustering.ClusterSelectionEpsilon,
			MinSamples: cfg.Clustering.MinSamples,
		},
		validator,
		reasoner,
		cfg.Clustering,
		24*time.Hour,
	)

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	if cfg.Kafka.Enabled {
		consumer := ingest.NewConsumer(
			cfg.Kafka.Brokers,
			cfg.Kafka.Topic,
			cfg.Kafka.GroupID,
			cfg.Kafka.Workers,
			detectPipeline,
		)
		consumer.Start(shutdownCtx)
		defer consumer.Close()
	}

	if cfg.Clustering.IntervalMinutes > 0 {
		interval := time.Duration(cfg.Clustering.IntervalMinutes) * time.Minute
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-ticker.C:
					if _, err := clusterEngine.Run(shutdownCtx); err != nil {
						appLogger.Error("Scheduled cluster run failed", zap.Error(err))
					}
				}
			}
		}()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	logHandler := handlers.NewLogHandler(detectPipeline, sqliteClient)
	clusterHandler := handlers.NewClusterHandler(shutdownCtx, clusterEngine, sqliteClient)
	budgetHandler := handlers.NewBudgetHandler(guard)
	wsHandler := handlers.NewWebSocketHandler()

	detectPipeline.OnVerdict(wsHandler.Broadcast)

	api := app.Group("/api/v1")

	api.Post("/logs", logHandler.HandleSubmit)
	api.Get("/logs/:id/verdicts", logHandler.GetVerdicts)

	api.Post("/clustering/run", clusterHandler.TriggerClustering)
	api.Get("/clustering/runs/:id", clusterHandler.GetRun)
	api.Get("/clusters/:id", clusterHandler.GetCluster)

	api.Get("/budget", budgetHandler.GetStats)

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

	app.Get("/metrics", metrics.Handler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/verdicts", websocket.New(wsHandler.HandleConnection))

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
	shutdown()
	app.Shutdown()
	appLogger.Info("Server stopped")
}
