package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the orchestrator process.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"WEFT_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"WEFT_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"WEFT_LOG_LEVEL" envDefault:"info"`

	// PublicBaseURL is the externally reachable base URL provider webhook
	// callbacks are built from. Empty disables webhooks; polling still
	// drives every async provider to completion.
	PublicBaseURL string `env:"WEFT_PUBLIC_BASE_URL"`

	// Backend selects the state and queue substrate: "redis" or "memory".
	// The memory backend is for local runs and tests only.
	Backend string `env:"WEFT_BACKEND" envDefault:"redis"`

	Redis     RedisConfig
	Queue     QueueConfig
	Providers ProviderConfig
	Workers   WorkerConfig
	Execution ExecutionConfig
	Recovery  RecoveryConfig
	Timeouts  TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"WEFT_REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"WEFT_REDIS_PASS"`
	DB       int    `env:"WEFT_REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"WEFT_REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"WEFT_REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"WEFT_REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"WEFT_REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"WEFT_REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WEFT_REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// QueueConfig tunes the task queue adapter.
type QueueConfig struct {
	Group           string        `env:"WEFT_QUEUE_GROUP" envDefault:"weft-workers"`
	PollInterval    time.Duration `env:"WEFT_QUEUE_POLL_INTERVAL" envDefault:"2s"`
	PromoteInterval time.Duration `env:"WEFT_QUEUE_PROMOTE_INTERVAL" envDefault:"1s"`
	LiveTTL         time.Duration `env:"WEFT_QUEUE_LIVE_TTL" envDefault:"24h"`
}

// ProviderConfig holds the credentials and endpoints for the generation
// providers the worker pools call.
type ProviderConfig struct {
	LLMProvider     string `env:"WEFT_LLM_PROVIDER" envDefault:"anthropic"`
	LLMAPIKey       string `env:"WEFT_LLM_API_KEY"`
	LLMDefaultModel string `env:"WEFT_LLM_DEFAULT_MODEL" envDefault:"claude-sonnet-4-20250514"`

	PredictionBaseURL string `env:"WEFT_PREDICTION_BASE_URL"`
	PredictionToken   string `env:"WEFT_PREDICTION_TOKEN"`

	SpeechBaseURL string `env:"WEFT_SPEECH_BASE_URL"`
	SpeechToken   string `env:"WEFT_SPEECH_TOKEN"`

	// Poll cadence for async predictions (image, video, ffmpeg).
	PollInterval time.Duration `env:"WEFT_PROVIDER_POLL_INTERVAL" envDefault:"3s"`
	PollTimeout  time.Duration `env:"WEFT_PROVIDER_POLL_TIMEOUT" envDefault:"15m"`
}

// WorkerConfig sizes the per-category worker pools.
type WorkerConfig struct {
	LLM           int `env:"WEFT_WORKERS_LLM" envDefault:"4"`
	Image         int `env:"WEFT_WORKERS_IMAGE" envDefault:"4"`
	Video         int `env:"WEFT_WORKERS_VIDEO" envDefault:"2"`
	Processing    int `env:"WEFT_WORKERS_PROCESSING" envDefault:"4"`
	Orchestration int `env:"WEFT_WORKERS_ORCHESTRATION" envDefault:"2"`

	HealthCheckInterval time.Duration `env:"WEFT_WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// ExecutionConfig tunes the retry policy and execution limits.
type ExecutionConfig struct {
	MaxAttempts int           `env:"WEFT_MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase time.Duration `env:"WEFT_BACKOFF_BASE" envDefault:"3s"`
	BackoffCap  time.Duration `env:"WEFT_BACKOFF_CAP" envDefault:"2m"`
	MaxDepth    int           `env:"WEFT_MAX_SUBFLOW_DEPTH" envDefault:"3"`

	// SyncWaitTimeout bounds how long a synchronous execute request holds
	// the connection before falling back to an async response.
	SyncWaitTimeout time.Duration `env:"WEFT_SYNC_WAIT_TIMEOUT" envDefault:"10m"`

	// StateTTL is how long finished execution state is kept in Redis.
	StateTTL time.Duration `env:"WEFT_STATE_TTL" envDefault:"168h"`
}

// RecoveryConfig tunes the crash recovery sweeps.
type RecoveryConfig struct {
	Interval     time.Duration `env:"WEFT_RECOVERY_INTERVAL" envDefault:"30s"`
	StalledAfter time.Duration `env:"WEFT_RECOVERY_STALLED_AFTER" envDefault:"2m"`
	StaleAfter   time.Duration `env:"WEFT_RECOVERY_STALE_AFTER" envDefault:"1m"`
}

// TimeoutConfig holds process-level timeouts.
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"WEFT_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid backend: %s (must be redis or memory)", c.Backend)
	}

	if c.Providers.LLMProvider != "anthropic" {
		return fmt.Errorf("unsupported LLM provider: %s (only 'anthropic' is supported)", c.Providers.LLMProvider)
	}
	if c.Providers.LLMAPIKey == "" {
		return fmt.Errorf("LLM API key is required")
	}
	if c.Providers.PredictionBaseURL == "" {
		return fmt.Errorf("prediction API base URL is required")
	}
	if c.Providers.SpeechBaseURL == "" {
		return fmt.Errorf("speech API base URL is required")
	}

	for name, size := range map[string]int{
		"llm":           c.Workers.LLM,
		"image":         c.Workers.Image,
		"video":         c.Workers.Video,
		"processing":    c.Workers.Processing,
		"orchestration": c.Workers.Orchestration,
	} {
		if size < 1 {
			return fmt.Errorf("%s worker pool size must be at least 1", name)
		}
	}

	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.Execution.MaxDepth < 1 {
		return fmt.Errorf("max subflow depth must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
