package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/docsight/reader-engine/internal/ingest"
	"github.com/docsight/reader-engine/internal/observability"
)

// EventsHandler serves per-document event streams over Server-Sent
// Events.
type EventsHandler struct {
	logger      *observability.Logger
	coordinator *ingest.Coordinator
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(logger *observability.Logger, coordinator *ingest.Coordinator) *EventsHandler {
	return &EventsHandler{
		logger:      logger,
		coordinator: coordinator,
	}
}

// Stream handles GET /api/v1/documents/{documentId}/events. The full
// history replays from sequence zero before live events; a Last-Event-ID
// header (or lastEventId query parameter) skips already-seen events on
// reconnect. The stream ends when the document run finishes.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "documentId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := h.coordinator.Subscribe(r.Context(), docID)
	if err != nil {
		if errors.Is(err, ingest.ErrDocumentNotFound) {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer sub.Cancel()

	after := -1
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			after = n
		}
	} else if v := r.URL.Query().Get("lastEventId"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			after = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if evt.Seq <= after {
				continue
			}

			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error().Err(err).Str("document_id", docID).Msg("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
			flusher.Flush()
		}
	}
}
