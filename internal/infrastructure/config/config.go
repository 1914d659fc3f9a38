package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all emulator configuration.
type Config struct {
	Server    ServerConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Bodies    BodiesConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds the local HTTP front configuration.
type ServerConfig struct {
	Port    string `envconfig:"PORT" default:"8080"`
	Host    string `envconfig:"HOST" default:"127.0.0.1"`
	Metrics bool   `envconfig:"METRICS_ENABLED" default:"true"`
	// HostnameOverride replaces the host of request URLs the script sees.
	HostnameOverride string `envconfig:"HOSTNAME_OVERRIDE"`
}

// WorkerConfig controls how the sandboxed execution unit is spawned.
type WorkerConfig struct {
	// Mode is "inprocess" (goroutine sandbox over an in-memory pipe) or
	// "subprocess" (separate OS process over stdio frames).
	Mode string `envconfig:"WORKER_MODE" default:"inprocess"`
	// Binary is the worker executable used in subprocess mode.
	Binary string `envconfig:"WORKER_BINARY" default:"edgeworker-worker"`
	// ShutdownTimeout bounds how long a recycle waits for the previous
	// generation before killing it.
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"5s"`
}

// StorageConfig holds durable object and local binding storage settings.
type StorageConfig struct {
	DataDir string `envconfig:"DATA_DIR" default:".edgeworker"`
	// DurableObjectEngine is the default engine tag: memory, bolt or sqlite.
	DurableObjectEngine string `envconfig:"DO_STORAGE" default:"memory"`
}

// BodiesConfig holds streaming payload settings.
type BodiesConfig struct {
	InlineThreshold int64 `envconfig:"BODY_INLINE_MAX" default:"5242880"`
	ChunkSize       int   `envconfig:"BODY_CHUNK_SIZE" default:"65536"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration for the HTTP front.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects values the orchestrator cannot act on.
func (c *Config) Validate() error {
	switch c.Worker.Mode {
	case "inprocess", "subprocess":
	default:
		return fmt.Errorf("invalid WORKER_MODE %q", c.Worker.Mode)
	}
	switch c.Storage.DurableObjectEngine {
	case "memory", "bolt", "sqlite":
	default:
		return fmt.Errorf("invalid DO_STORAGE %q", c.Storage.DurableObjectEngine)
	}
	if c.Bodies.ChunkSize <= 0 {
		return fmt.Errorf("BODY_CHUNK_SIZE must be positive")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    "8080",
			Host:    "127.0.0.1",
			Metrics: true,
		},
		Worker: WorkerConfig{
			Mode:            "inprocess",
			Binary:          "edgeworker-worker",
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:             ".edgeworker",
			DurableObjectEngine: "memory",
		},
		Bodies: BodiesConfig{
			InlineThreshold: 5 * 1024 * 1024,
			ChunkSize:       64 * 1024,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           false,
		},
	}
}
