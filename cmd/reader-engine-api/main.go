// Package main provides the Reader Engine API server entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/docsight/reader-engine/internal/cache"
	"github.com/docsight/reader-engine/internal/collab"
	"github.com/docsight/reader-engine/internal/collab/layout"
	"github.com/docsight/reader-engine/internal/collab/llm"
	"github.com/docsight/reader-engine/internal/collab/textract"
	"github.com/docsight/reader-engine/internal/collab/translate"
	"github.com/docsight/reader-engine/internal/config"
	"github.com/docsight/reader-engine/internal/grounding"
	"github.com/docsight/reader-engine/internal/ingest"
	"github.com/docsight/reader-engine/internal/monitoring"
	"github.com/docsight/reader-engine/internal/observability"
	"github.com/docsight/reader-engine/internal/pdf"
	"github.com/docsight/reader-engine/internal/storage"
	"github.com/docsight/reader-engine/internal/translation"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Path).
		Str("cache", cfg.Cache.Driver).
		Msg("Starting Reader Engine API")

	ctx := context.Background()

	db, err := storage.Open(ctx, storage.OpenOptions{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		JournalMode:  cfg.Database.JournalMode,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	repos := storage.NewRepositories(db)

	var cacheClient cache.Client
	if cfg.Cache.Driver == "redis" {
		cacheClient, err = cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
	} else {
		cacheClient = cache.NewMemoryClient(cfg.Cache.MaxEntries)
	}
	defer cacheClient.Close()

	textractClient, err := textract.NewClient(textract.Config{
		BaseURL: cfg.Collaborators.Textract.BaseURL,
		APIKey:  cfg.Collaborators.Textract.APIKey,
		Timeout: cfg.Collaborators.Textract.Timeout,
		Limiter: collab.NewLimiter(cfg.Collaborators.Textract.MaxInFlight, cfg.Collaborators.Textract.RateLimit),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create text-extraction client")
	}

	layoutClient, err := layout.NewClient(layout.Config{
		BaseURL: cfg.Collaborators.Layout.BaseURL,
		APIKey:  cfg.Collaborators.Layout.APIKey,
		Timeout: cfg.Collaborators.Layout.Timeout,
		Limiter: collab.NewLimiter(cfg.Collaborators.Layout.MaxInFlight, cfg.Collaborators.Layout.RateLimit),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create layout-detection client")
	}

	llmClient, err := llm.NewClient(llm.Config{
		BaseURL: cfg.Collaborators.LLM.BaseURL,
		APIKey:  cfg.Collaborators.LLM.APIKey,
		Model:   cfg.Collaborators.LLM.Model,
		Timeout: cfg.Collaborators.LLM.Timeout,
		Limiter: collab.NewLimiter(cfg.Collaborators.LLM.MaxInFlight, cfg.Collaborators.LLM.RateLimit),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create llm client")
	}

	translateClient, err := translate.NewClient(translate.Config{
		BaseURL: cfg.Collaborators.Translate.BaseURL,
		APIKey:  cfg.Collaborators.Translate.APIKey,
		Timeout: cfg.Collaborators.Translate.Timeout,
		Limiter: collab.NewLimiter(cfg.Collaborators.Translate.MaxInFlight, cfg.Collaborators.Translate.RateLimit),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create translation client")
	}

	coordinator := ingest.NewCoordinator(
		logger,
		ingest.Config{
			TextRetryAttempts:  cfg.Ingestion.TextRetryAttempts,
			TextRetryBaseDelay: cfg.Ingestion.TextRetryBaseDelay,
			LayoutCallTimeout:  cfg.Ingestion.LayoutCallTimeout,
			InsightCallTimeout: cfg.Ingestion.InsightCallTimeout,
		},
		repos,
		monitoring.NewAuditWriter(logger, repos.Audit),
		textractClient,
		layoutClient,
		llmClient,
		func(source []byte) (ingest.PageRenderer, error) { return pdf.Open(source, cfg.Ingestion.RenderDPI) },
		grounding.NewMapper(cfg.Grounding.MinOverlap),
	)

	translationCache := translation.NewCache(translateClient, cacheClient, logger, translation.Config{
		TTL: cfg.Translation.CacheTTL,
	})

	router := NewRouter(logger, cfg, coordinator, db, repos, translationCache)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
}
