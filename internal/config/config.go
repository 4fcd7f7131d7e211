// Package config provides unified configuration loading for the Reader Engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Reader Engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Grounding     GroundingConfig     `yaml:"grounding"`
	Translation   TranslationConfig   `yaml:"translation"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// CollaboratorsConfig holds settings for every external collaborator.
type CollaboratorsConfig struct {
	Textract  CollaboratorConfig `yaml:"textract"`
	Layout    CollaboratorConfig `yaml:"layout"`
	LLM       CollaboratorConfig `yaml:"llm"`
	Translate CollaboratorConfig `yaml:"translate"`
}

// CollaboratorConfig holds one external service's connection settings.
type CollaboratorConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxInFlight int64         `yaml:"max_in_flight"`
	RateLimit   float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
}

// IngestionConfig holds pipeline settings.
type IngestionConfig struct {
	TextRetryAttempts  int           `yaml:"text_retry_attempts"`
	TextRetryBaseDelay time.Duration `yaml:"text_retry_base_delay"`
	LayoutCallTimeout  time.Duration `yaml:"layout_call_timeout"`
	InsightCallTimeout time.Duration `yaml:"insight_call_timeout"`
	RenderDPI          int           `yaml:"render_dpi"`
}

// GroundingConfig holds citation grounding settings.
type GroundingConfig struct {
	// MinOverlap is the minimum span/element overlap ratio accepted
	// when resolving a citation to a layout element.
	MinOverlap float64 `yaml:"min_overlap"`
}

// TranslationConfig holds translation cache settings.
type TranslationConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     0, // streaming endpoints manage their own deadlines
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
			MaxUploadBytes:   64 << 20,
		},
		Database: DatabaseConfig{
			Path:         "/tmp/reader-engine.db",
			MaxOpenConns: 1,
			JournalMode:  "WAL",
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        24 * time.Hour,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
				Prefix:   "re:",
			},
		},
		Collaborators: CollaboratorsConfig{
			Textract: CollaboratorConfig{
				Timeout:     60 * time.Second,
				MaxInFlight: 4,
				RateLimit:   4,
			},
			Layout: CollaboratorConfig{
				Timeout:     30 * time.Second,
				MaxInFlight: 3,
				RateLimit:   6,
			},
			LLM: CollaboratorConfig{
				Timeout:     90 * time.Second,
				MaxInFlight: 2,
				RateLimit:   1,
			},
			Translate: CollaboratorConfig{
				Timeout:     20 * time.Second,
				MaxInFlight: 4,
				RateLimit:   8,
			},
		},
		Ingestion: IngestionConfig{
			TextRetryAttempts:  3,
			TextRetryBaseDelay: 500 * time.Millisecond,
			LayoutCallTimeout:  30 * time.Second,
			InsightCallTimeout: 90 * time.Second,
			RenderDPI:          150,
		},
		Grounding: GroundingConfig{
			MinOverlap: 0.1,
		},
		Translation: TranslationConfig{
			CacheTTL: 7 * 24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "debug",
			LogFormat:   "json",
			ServiceName: "reader-engine",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Ingestion.TextRetryAttempts < 1 {
		return fmt.Errorf("text_retry_attempts must be at least 1")
	}

	if c.Grounding.MinOverlap < 0 || c.Grounding.MinOverlap > 1 {
		return fmt.Errorf("grounding min_overlap must be within [0,1]")
	}

	for name, cc := range map[string]CollaboratorConfig{
		"textract":  c.Collaborators.Textract,
		"layout":    c.Collaborators.Layout,
		"llm":       c.Collaborators.LLM,
		"translate": c.Collaborators.Translate,
	} {
		if cc.MaxInFlight < 1 {
			return fmt.Errorf("collaborator %s: max_in_flight must be at least 1", name)
		}
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("TEXTRACT_URL"); v != "" {
		cfg.Collaborators.Textract.BaseURL = v
	}
	if v := os.Getenv("TEXTRACT_API_KEY"); v != "" {
		cfg.Collaborators.Textract.APIKey = v
	}
	if v := os.Getenv("LAYOUT_URL"); v != "" {
		cfg.Collaborators.Layout.BaseURL = v
	}
	if v := os.Getenv("LLM_URL"); v != "" {
		cfg.Collaborators.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.Collaborators.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.Collaborators.LLM.Model = v
	}
	if v := os.Getenv("TRANSLATE_URL"); v != "" {
		cfg.Collaborators.Translate.BaseURL = v
	}
	if v := os.Getenv("TRANSLATE_API_KEY"); v != "" {
		cfg.Collaborators.Translate.APIKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
