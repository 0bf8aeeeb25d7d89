package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/weftworks/weft/internal/application/orchestrator"
	"github.com/weftworks/weft/internal/application/recovery"
	"github.com/weftworks/weft/internal/application/workers"
	"github.com/weftworks/weft/internal/config"
	memevents "github.com/weftworks/weft/pkg/adapters/events/memory"
	redisevents "github.com/weftworks/weft/pkg/adapters/events/redis"
	"github.com/weftworks/weft/pkg/adapters/metrics/prometheus"
	"github.com/weftworks/weft/pkg/adapters/providers"
	memqueue "github.com/weftworks/weft/pkg/adapters/queue/memory"
	redisqueue "github.com/weftworks/weft/pkg/adapters/queue/redis"
	memstorage "github.com/weftworks/weft/pkg/adapters/storage/memory"
	redisstorage "github.com/weftworks/weft/pkg/adapters/storage/redis"
	grpcapi "github.com/weftworks/weft/pkg/api/grpc"
	httpapi "github.com/weftworks/weft/pkg/api/http"
	"github.com/weftworks/weft/pkg/api/websocket"
	"github.com/weftworks/weft/pkg/domain"
	"github.com/weftworks/weft/pkg/ports"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting weft",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("backend", cfg.Backend))

	// runCtx governs the background loops: queue promotion, event
	// subscriptions and recovery sweeps.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// Initialize the state and queue substrate
	var (
		redisClient    *goredis.Client
		eventBus       ports.EventBus
		taskQueue      ports.TaskQueue
		executionStore ports.ExecutionStore
		jobStore       ports.JobStore
		workflowStore  ports.WorkflowStore
	)

	switch cfg.Backend {
	case "redis":
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		if err := redisClient.Ping(runCtx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

		bus, err := redisevents.NewStreamsEventBus(
			redisClient,
			"weft-events",
			fmt.Sprintf("weft-%d", os.Getpid()),
			logger,
		)
		if err != nil {
			logger.Fatal("failed to create event bus", zap.Error(err))
		}
		eventBus = bus

		queue := redisqueue.NewQueue(redisClient, redisqueue.Config{
			Group:           cfg.Queue.Group,
			PollInterval:    cfg.Queue.PollInterval,
			PromoteInterval: cfg.Queue.PromoteInterval,
			LiveTTL:         cfg.Queue.LiveTTL,
		}, logger)
		if err := queue.Start(runCtx); err != nil {
			logger.Fatal("failed to start task queue", zap.Error(err))
		}
		taskQueue = queue

		executionStore = redisstorage.NewExecutionStore(redisClient, cfg.Execution.StateTTL, logger)
		jobStore = redisstorage.NewJobStore(redisClient, cfg.Execution.StateTTL, logger)
		workflowStore = redisstorage.NewWorkflowStore(redisClient, cfg.Execution.StateTTL, logger)

	case "memory":
		logger.Warn("using in-memory backend; state will not survive a restart")
		eventBus = memevents.NewInMemoryEventBus()
		taskQueue = memqueue.NewQueue()
		executionStore = memstorage.NewExecutionStore()
		jobStore = memstorage.NewJobStore()
		workflowStore = memstorage.NewWorkflowStore()
	}

	// Initialize providers
	llmClient, err := providers.NewLLMClient(&providers.LLMConfig{
		Provider:     cfg.Providers.LLMProvider,
		APIKey:       cfg.Providers.LLMAPIKey,
		DefaultModel: cfg.Providers.LLMDefaultModel,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create LLM client", zap.Error(err))
	}

	predictionClient, err := providers.NewPredictionClient(&providers.PredictionConfig{
		BaseURL: cfg.Providers.PredictionBaseURL,
		Token:   cfg.Providers.PredictionToken,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create prediction client", zap.Error(err))
	}

	speechClient, err := providers.NewSpeechClient(&providers.SpeechConfig{
		BaseURL: cfg.Providers.SpeechBaseURL,
		Token:   cfg.Providers.SpeechToken,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create speech client", zap.Error(err))
	}

	metricsCollector := prometheus.NewCollector()

	// Initialize application components
	validator, err := orchestrator.NewValidator()
	if err != nil {
		logger.Fatal("failed to build node schemas", zap.Error(err))
	}

	manager := orchestrator.NewManager(
		executionStore,
		jobStore,
		workflowStore,
		taskQueue,
		eventBus,
		metricsCollector,
		validator,
		orchestrator.NewInputBinder(),
		logger,
		orchestrator.Options{
			MaxAttempts: cfg.Execution.MaxAttempts,
			BackoffBase: cfg.Execution.BackoffBase,
			BackoffCap:  cfg.Execution.BackoffCap,
			MaxDepth:    cfg.Execution.MaxDepth,
		},
	)

	// One pool per queue category
	pools := []*workers.Pool{
		workers.NewPool(cfg.Workers.Orchestration, taskQueue, manager,
			orchestrator.NewRunner(manager), metricsCollector, logger),
		workers.NewPool(cfg.Workers.LLM, taskQueue, manager,
			workers.NewLLMProcessor(llmClient, metricsCollector, logger), metricsCollector, logger),
		workers.NewPool(cfg.Workers.Image, taskQueue, manager,
			workers.NewMediaProcessor(domain.CategoryImage, predictionClient, manager, metricsCollector,
				logger, cfg.PublicBaseURL, cfg.Providers.PollInterval, cfg.Providers.PollTimeout),
			metricsCollector, logger),
		workers.NewPool(cfg.Workers.Video, taskQueue, manager,
			workers.NewMediaProcessor(domain.CategoryVideo, predictionClient, manager, metricsCollector,
				logger, cfg.PublicBaseURL, cfg.Providers.PollInterval, cfg.Providers.PollTimeout),
			metricsCollector, logger),
		workers.NewPool(cfg.Workers.Processing, taskQueue, manager,
			workers.NewProcessingProcessor(speechClient, predictionClient, manager, manager,
				metricsCollector, logger, cfg.Providers.PollInterval, cfg.Providers.PollTimeout),
			metricsCollector, logger),
	}

	for _, pool := range pools {
		if err := pool.Start(); err != nil {
			logger.Fatal("failed to start worker pool",
				zap.String("category", string(pool.Category())),
				zap.Error(err))
		}
	}

	healthMonitor := workers.NewHealthMonitor(
		pools,
		taskQueue,
		executionStore,
		metricsCollector,
		cfg.Workers.HealthCheckInterval,
		logger,
	)
	healthMonitor.Start()

	recoveryService := recovery.NewService(
		executionStore,
		jobStore,
		taskQueue,
		manager,
		logger,
		recovery.Options{
			Interval:     cfg.Recovery.Interval,
			StalledAfter: cfg.Recovery.StalledAfter,
			StaleAfter:   cfg.Recovery.StaleAfter,
		},
	)
	if err := recoveryService.Start(runCtx); err != nil {
		logger.Fatal("failed to start recovery service", zap.Error(err))
	}

	// Initialize API servers
	httpServer := httpapi.NewServer(&httpapi.Config{
		Port:            cfg.HTTPPort,
		Manager:         manager,
		Health:          healthMonitor,
		Logger:          logger,
		SyncWaitTimeout: cfg.Execution.SyncWaitTimeout,
	})

	wsHandler := websocket.NewHandler(eventBus, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpcapi.NewServer(&grpcapi.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	grpcServer.SetServing(true)

	logger.Info("weft started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pools", len(pools)))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	grpcServer.SetServing(false)

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	recoveryService.Stop()
	healthMonitor.Stop()

	for _, pool := range pools {
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Error("worker pool shutdown error",
				zap.String("category", string(pool.Category())),
				zap.Error(err))
		}
	}

	cancelRun()

	if err := taskQueue.Close(); err != nil {
		logger.Error("task queue close error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("weft shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
