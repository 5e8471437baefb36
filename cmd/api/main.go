package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/alerts"
	"github.com/compliance-ledger/backend/internal/analytics"
	"github.com/compliance-ledger/backend/internal/api/handlers"
	"github.com/compliance-ledger/backend/internal/audit"
	"github.com/compliance-ledger/backend/internal/cache/redis"
	"github.com/compliance-ledger/backend/internal/ingestion"
	"github.com/compliance-ledger/backend/internal/kg/neo4j"
	"github.com/compliance-ledger/backend/internal/llm"
	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/internal/middleware/ratelimit"
	"github.com/compliance-ledger/backend/internal/middleware/security"
	"github.com/compliance-ledger/backend/internal/middleware/validation"
	"github.com/compliance-ledger/backend/internal/prediction"
	"github.com/compliance-ledger/backend/internal/scheduler"
	"github.com/compliance-ledger/backend/internal/storage/sqlite"
	"github.com/compliance-ledger/backend/pkg/config"
	"github.com/compliance-ledger/backend/pkg/id"
	appLogger "github.com/compliance-ledger/backend/pkg/logger"
	"github.com/compliance-ledger/backend/pkg/retry"
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

	appLogger.Info("Starting compliance ledger API server")

	if err := id.Init(cfg.IDs.Node); err != nil {
		appLogger.Fatal("Failed to initialize ID generator", zap.Error(err))
	}
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path, cfg.SQLite.BusyTimeout)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	checks := map[string]handlers.Pinger{"sqlite": sqliteClient}

	hub := alerts.NewHub(64)
	dispatcher := alerts.NewDispatcher(alerts.NewLogSink(appLogger.GetLogger()), hub).
		WithRetry(retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         appLogger.GetLogger(),
		})

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = redisClient
		if cfg.Alerts.Stream != "" {
			dispatcher.Add(alerts.NewRedisStreamSink(redisClient.Raw(), cfg.Alerts.Stream))
		}
	}

	// Request-path alerts are delivered off the request goroutine.
	alertQueue := alerts.NewQueue(dispatcher, cfg.Alerts.QueueSize, cfg.Alerts.QueueWorkers)

	var neo4jClient *neo4j.Client
	if cfg.Neo4j.Enabled {
		neo4jClient, err = neo4j.NewClient(
			cfg.Neo4j.URI,
			cfg.Neo4j.Username,
			cfg.Neo4j.Password,
			cfg.Neo4j.Database,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
		}
		defer neo4jClient.Close(context.Background())
		checks["neo4j"] = neo4jClient
	}

	var extractor llm.Extractor = llm.NewKeywordExtractor()
	if cfg.LLM.APIKey != "" {
		llmClient := llm.NewClient(
			cfg.LLM.APIKey,
			cfg.LLM.BaseURL,
			cfg.LLM.Model,
			cfg.LLM.Temperature,
			cfg.LLM.MaxTokens,
			time.Duration(cfg.LLM.TimeoutSec)*time.Second,
		)
		extractor = llm.NewFallbackExtractor(llmClient, extractor)
	} else {
		appLogger.Warn("No LLM API key configured, messages are classified by keyword")
	}

	aggregator := analytics.NewAggregator(sqliteClient)

	processorOpts := []ingestion.Option{
		ingestion.WithExtractor(extractor),
		ingestion.WithNotifier(alertQueue, cfg.Alerts.DeadlineWarningDays),
	}
	if redisClient != nil {
		processorOpts = append(processorOpts, ingestion.WithCacheInvalidator(redisClient))
	}
	processor := ingestion.NewProcessor(sqliteClient, aggregator, processorOpts...)

	var locker audit.Locker = audit.NewMutexLocker()
	if redisClient != nil {
		locker = redisClient
	}
	builderOpts := []audit.BuilderOption{
		audit.WithNotifier(dispatcher),
		audit.WithLockTTL(time.Duration(cfg.Audit.LockTTLSec) * time.Second),
	}
	if cfg.Audit.ExportDir != "" {
		exporter, err := audit.NewFileExporter(cfg.Audit.ExportDir)
		if err != nil {
			appLogger.Fatal("Failed to create audit exporter", zap.Error(err))
		}
		builderOpts = append(builderOpts, audit.WithExporter(exporter))
	}
	auditBuilder := audit.NewBuilder(sqliteClient, locker, builderOpts...)

	chain, workload := cfg.Prediction.DependencyChainLength, cfg.Prediction.TeamWorkload
	predictionOpts := []prediction.ServiceOption{
		prediction.WithNotifier(alertQueue),
		prediction.WithDefaults(prediction.Options{DependencyChainLength: &chain, TeamWorkload: &workload}),
	}
	var graph handlers.DependencyGraph
	if neo4jClient != nil {
		graph = neo4jClient
		predictionOpts = append(predictionOpts, prediction.WithDependencyGraph(neo4jClient))
	}
	if redisClient != nil {
		predictionOpts = append(predictionOpts,
			prediction.WithCache(redisClient, time.Duration(cfg.Prediction.CacheTTLSec)*time.Second))
	}
	predictionService := prediction.NewService(sqliteClient, predictionOpts...)

	auditPeriod := time.Duration(cfg.Audit.PeriodHours) * time.Hour
	sched := scheduler.New(scheduler.Config{
		AuditSchedule: cfg.Audit.Schedule,
		SweepSchedule: cfg.Alerts.SweepSchedule,
		AuditPeriod:   auditPeriod,
		MaxBackfill:   cfg.Audit.BackfillPeriods,
	}, auditBuilder, alerts.NewDeadlineSweeper(sqliteClient, dispatcher, cfg.Alerts.DeadlineWarningDays))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		appLogger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	if cfg.Audit.RunOnStartup {
		go func() {
			if err := sched.RunAudit(ctx); err != nil {
				appLogger.Error("Startup audit run failed", zap.Error(err))
			}
		}()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	allowOrigins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.Server.AllowedOrigins, ", ")
	}

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, PATCH, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1", limiter.Middleware(), validation.Middleware(validation.Config{
		MaxEventSize: cfg.Server.BodyLimit,
		Logger:       appLogger.GetLogger(),
	}))

	handlers.Register(api, handlers.Handlers{
		Events:       handlers.NewEventsHandler(processor, sqliteClient),
		Analytics:    handlers.NewAnalyticsHandler(aggregator),
		Predictions:  handlers.NewPredictionsHandler(predictionService, cfg.Prediction.DefaultDaysAhead),
		Audit:        handlers.NewAuditHandler(auditBuilder, auditPeriod),
		Dependencies: handlers.NewDependenciesHandler(graph),
		WebSocket:    handlers.NewWebSocketHandler(hub),
		System:       handlers.NewSystemHandler(checks),
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
	sched.Stop()
	cancel()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := alertQueue.Close(drainCtx); err != nil {
		appLogger.Warn("Alert queue not drained", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
