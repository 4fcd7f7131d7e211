package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, 3, cfg.Ingestion.TextRetryAttempts)
	assert.InDelta(t, 0.1, cfg.Grounding.MinOverlap, 1e-9)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9000
cache:
  driver: redis
  redis:
    addr: redis.internal:6379
ingestion:
  text_retry_attempts: 5
  text_retry_base_delay: 2s
collaborators:
  llm:
    base_url: http://llm.internal
    model: test-model
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "redis.internal:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, 5, cfg.Ingestion.TextRetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Ingestion.TextRetryBaseDelay)
	assert.Equal(t, "http://llm.internal", cfg.Collaborators.LLM.BaseURL)
	assert.Equal(t, "test-model", cfg.Collaborators.LLM.Model)

	// Untouched sections keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 30*time.Second, cfg.Ingestion.LayoutCallTimeout)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv("SERVER_PORT", "7777")
	t.Setenv("TEXTRACT_URL", "http://textract.env")
	t.Setenv("LLM_MODEL", "env-model")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "http://textract.env", cfg.Collaborators.Textract.BaseURL)
	assert.Equal(t, "env-model", cfg.Collaborators.LLM.Model)
	assert.Equal(t, "warn", cfg.Observability.LogLevel)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad cache driver", func(c *Config) { c.Cache.Driver = "memcached" }},
		{"zero retry attempts", func(c *Config) { c.Ingestion.TextRetryAttempts = 0 }},
		{"overlap above one", func(c *Config) { c.Grounding.MinOverlap = 1.5 }},
		{"negative overlap", func(c *Config) { c.Grounding.MinOverlap = -0.1 }},
		{"zero in-flight", func(c *Config) { c.Collaborators.LLM.MaxInFlight = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
