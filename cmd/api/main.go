package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/api"
	"github.com/cdd-agent/backend/internal/api/handlers"
	rediscache "github.com/cdd-agent/backend/internal/cache/redis"
	"github.com/cdd-agent/backend/internal/ingestion"
	"github.com/cdd-agent/backend/internal/llm"
	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/metrics"
	"github.com/cdd-agent/backend/internal/middleware/auth"
	"github.com/cdd-agent/backend/internal/middleware/ratelimit"
	"github.com/cdd-agent/backend/internal/session"
	"github.com/cdd-agent/backend/internal/storage/sqlite"
	"github.com/cdd-agent/backend/internal/vector/zilliz"
	"github.com/cdd-agent/backend/pkg/config"
	appLogger "github.com/cdd-agent/backend/pkg/logger"
)

const embeddingCacheTTL = 24 * time.Hour

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

	appLogger.Info("Starting CDD mapping API server", zap.String("version", cfg.Server.Version))

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	ctx := context.Background()
	health := map[string]handlers.Pinger{}

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}
	health["sqlite"] = sqliteClient

	if n, err := sqliteClient.CountAttributes(ctx); err == nil {
		metrics.CatalogAttributes.Set(float64(n))
		if n == 0 {
			appLogger.Warn("CDD catalog is empty; populate it before mapping")
		}
	}

	var (
		store      session.Store
		redisStore *rediscache.Client
	)
	switch cfg.Session.Store {
	case "redis":
		redisStore, err = rediscache.NewClient(cfg.Redis, cfg.Session.TTL())
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisStore.Close()
		store = redisStore
		health["redis"] = redisStore
	default:
		store = session.NewMemoryStore(cfg.Session.TTL())
	}

	llmClient := llm.NewClient(cfg.LLM)

	var embedder matcher.Embedder = llmClient
	if redisStore != nil {
		embedder = matcher.NewCachedEmbedder(llmClient, redisStore, cfg.LLM.EmbeddingModel, embeddingCacheTTL)
	}

	var (
		vectorSearch matcher.VectorSearcher
		vectorIndex  ingestion.VectorIndex
		batchEmbed   ingestion.BatchEmbedder
	)
	if cfg.Vector.Enabled {
		zillizClient, err := zilliz.NewClient(ctx,
			cfg.Vector.Endpoint,
			cfg.Vector.APIKey,
			cfg.Vector.CollectionName,
			cfg.Vector.VectorDim,
		)
		if err != nil {
			appLogger.Warn("Vector index unavailable, shortlisting lexically", zap.Error(err))
		} else {
			defer zillizClient.Close()
			vectorSearch = zillizClient
			vectorIndex = zillizClient
			batchEmbed = llmClient
		}
	}

	shortlist := matcher.NewShortlister(cfg.Matching.MaxAttributes, embedder, vectorSearch)
	gateway := matcher.NewLLMGateway(llmClient, sqliteClient, shortlist, matcher.OptionsFromConfig(cfg.Matching))

	manager := session.NewManager(store, gateway, session.Options{
		BatchSize:          cfg.Session.BatchSize,
		MaxBatchSize:       cfg.Session.MaxBatchSize,
		ScoringConcurrency: cfg.Session.ScoringConcurrency,
		FieldTimeout:       cfg.LLM.Timeout() + 5*time.Second,
		DefaultTag:         cfg.Matching.DefaultTag,
		Audit:              sqliteClient,
	})

	authn, err := auth.New(ctx, cfg.Auth, cfg.Server.IsDevelopment)
	if err != nil {
		appLogger.Fatal("Failed to configure authentication", zap.Error(err))
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app := api.NewApp(api.Deps{
		Server:         cfg.Server,
		Manager:        manager,
		Checker:        matcher.NewChecker(gateway, cfg.Matching.ConfidenceThreshold),
		Catalog:        sqliteClient,
		Populator:      ingestion.NewProcessor(sqliteClient, batchEmbed, vectorIndex),
		Auth:           authn,
		RateLimiter:    limiter,
		Health:         health,
		MetricsEnabled: cfg.Metrics.Enabled,
		AccessLog:      cfg.Server.IsDevelopment,
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
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
