package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/weftworks/weft/internal/application/orchestrator"
)

// HealthReporter exposes the worker health snapshot to the health
// endpoint.
type HealthReporter interface {
	IsHealthy() bool
}

// Server represents the HTTP API server
type Server struct {
	router   *gin.Engine
	server   *http.Server
	manager  *orchestrator.Manager
	health   HealthReporter
	logger   *zap.Logger
	syncWait time.Duration
}

// Config holds HTTP server configuration
type Config struct {
	Port    int
	Manager *orchestrator.Manager
	Health  HealthReporter
	Logger  *zap.Logger

	// SyncWaitTimeout bounds how long a synchronous execute request holds
	// the connection before answering with the still-running execution.
	SyncWaitTimeout time.Duration
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	syncWait := cfg.SyncWaitTimeout
	if syncWait <= 0 {
		syncWait = 10 * time.Minute
	}

	s := &Server{
		router:   router,
		manager:  cfg.Manager,
		health:   cfg.Health,
		logger:   cfg.Logger,
		syncWait: syncWait,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// Workflow endpoints
		v1.POST("/workflows", s.handleSaveWorkflow)
		v1.GET("/workflows/:id", s.handleGetWorkflow)
		v1.POST("/workflows/:id/execute", s.handleExecuteWorkflow)

		// Execution endpoints
		v1.GET("/executions/:id", s.handleGetExecution)
		v1.GET("/executions/:id/stream", s.handleStreamExecution)
		v1.GET("/executions/:id/jobs", s.handleListExecutionJobs)
		v1.POST("/executions/:id/stop", s.handleStopExecution)

		// Job endpoints; :ref is the job id or the provider correlation id
		v1.GET("/jobs/:ref", s.handleGetJob)
		v1.GET("/jobs/:ref/logs", s.handleGetJobLogs)
		v1.POST("/jobs/:ref/update", s.handleProviderUpdate)
	}
}

// SetupWebSocket adds WebSocket handler to the server
func (s *Server) SetupWebSocket(handler interface{}) {
	if wsHandler, ok := handler.(interface {
		HandleExecutionStream(*gin.Context)
	}); ok {
		s.router.GET("/api/v1/executions/:id/ws", wsHandler.HandleExecutionStream)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger logs one line per request. Probe endpoints are skipped;
// they are polled constantly and drown out real traffic.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if path == "/health" || path == "/metrics" {
			return
		}

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("HTTP request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("HTTP request", fields...)
		default:
			logger.Info("HTTP request", fields...)
		}
	}
}
