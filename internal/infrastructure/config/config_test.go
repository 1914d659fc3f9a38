package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.True(t, cfg.Server.Metrics)

	assert.Equal(t, "inprocess", cfg.Worker.Mode)
	assert.Equal(t, 5*time.Second, cfg.Worker.ShutdownTimeout)

	assert.Equal(t, "memory", cfg.Storage.DurableObjectEngine)
	assert.Equal(t, int64(5*1024*1024), cfg.Bodies.InlineThreshold)
	assert.Equal(t, 64*1024, cfg.Bodies.ChunkSize)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.RateLimit.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefaultWithoutEnvironment(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                    "9000",
		"HOST":                    "0.0.0.0",
		"WORKER_MODE":             "subprocess",
		"WORKER_BINARY":           "/usr/local/bin/edgeworker-worker",
		"WORKER_SHUTDOWN_TIMEOUT": "250ms",
		"DATA_DIR":                "/var/lib/edgeworker",
		"DO_STORAGE":              "sqlite",
		"BODY_INLINE_MAX":         "1024",
		"LOG_LEVEL":               "debug",
		"LOG_DEV":                 "true",
		"RATE_LIMIT_ENABLED":      "true",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "subprocess", cfg.Worker.Mode)
	assert.Equal(t, "/usr/local/bin/edgeworker-worker", cfg.Worker.Binary)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.ShutdownTimeout)
	assert.Equal(t, "/var/lib/edgeworker", cfg.Storage.DataDir)
	assert.Equal(t, "sqlite", cfg.Storage.DurableObjectEngine)
	assert.Equal(t, int64(1024), cfg.Bodies.InlineThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bolt engine", mutate: func(c *Config) { c.Storage.DurableObjectEngine = "bolt" }},
		{name: "unknown mode", mutate: func(c *Config) { c.Worker.Mode = "vm" }, wantErr: true},
		{name: "unknown engine", mutate: func(c *Config) { c.Storage.DurableObjectEngine = "redis" }, wantErr: true},
		{name: "zero chunk", mutate: func(c *Config) { c.Bodies.ChunkSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadOrDefaultFallsBackOnInvalidEnvironment(t *testing.T) {
	t.Setenv("WORKER_MODE", "bogus")
	cfg := LoadOrDefault()
	assert.Equal(t, "inprocess", cfg.Worker.Mode)
}
