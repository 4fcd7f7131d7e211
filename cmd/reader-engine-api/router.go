// Package main provides the API router setup.
package main

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/docsight/reader-engine/cmd/reader-engine-api/handlers"
	"github.com/docsight/reader-engine/cmd/reader-engine-api/middleware"
	"github.com/docsight/reader-engine/internal/config"
	"github.com/docsight/reader-engine/internal/ingest"
	"github.com/docsight/reader-engine/internal/observability"
	"github.com/docsight/reader-engine/internal/storage"
	"github.com/docsight/reader-engine/internal/translation"
)

// NewRouter creates the main API router with all routes configured.
func NewRouter(
	logger *observability.Logger,
	cfg *config.Config,
	coordinator *ingest.Coordinator,
	db *sql.DB,
	repos *storage.Repositories,
	translator *translation.Cache,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	// No global timeout: the events endpoint holds its connection open
	// for as long as the document run takes.

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"reader-engine"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	documentHandler := handlers.NewDocumentHandler(logger, coordinator, repos, cfg.Server.MaxUploadBytes)
	eventsHandler := handlers.NewEventsHandler(logger, coordinator)
	translationHandler := handlers.NewTranslationHandler(logger, translator)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/", documentHandler.Upload)

			r.Route("/{documentId}", func(r chi.Router) {
				r.Get("/", documentHandler.Get)
				r.Get("/text", documentHandler.GetText)
				r.Get("/layout", documentHandler.GetLayout)
				r.Get("/insights", documentHandler.GetInsights)
				r.Get("/events", eventsHandler.Stream)
				r.Post("/cancel", documentHandler.Cancel)
				r.Post("/reprocess", documentHandler.Reprocess)
				r.Post("/reground", documentHandler.Reground)
			})
		})

		r.Post("/translate", translationHandler.Translate)
	})

	return r
}
