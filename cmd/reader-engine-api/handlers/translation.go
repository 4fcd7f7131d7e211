package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/docsight/reader-engine/internal/collab"
	"github.com/docsight/reader-engine/internal/observability"
	"github.com/docsight/reader-engine/internal/translation"
)

// TranslationHandler handles translation requests.
type TranslationHandler struct {
	logger *observability.Logger
	cache  *translation.Cache
}

// NewTranslationHandler creates a new translation handler.
func NewTranslationHandler(logger *observability.Logger, cache *translation.Cache) *TranslationHandler {
	return &TranslationHandler{
		logger: logger,
		cache:  cache,
	}
}

// TranslationRequestDTO represents the API request for a translation.
type TranslationRequestDTO struct {
	Text       string `json:"text"`
	TargetLang string `json:"targetLang"`
}

// TranslationResponseDTO represents the API response for a translation.
type TranslationResponseDTO struct {
	Translation string `json:"translation"`
	TargetLang  string `json:"targetLang"`
}

// Translate handles POST /api/v1/translate. Identical concurrent
// requests collapse to one collaborator call; repeats serve from cache.
func (h *TranslationHandler) Translate(w http.ResponseWriter, r *http.Request) {
	var req TranslationRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Text == "" {
		h.writeError(w, http.StatusBadRequest, "text is required", "")
		return
	}
	if req.TargetLang == "" {
		h.writeError(w, http.StatusBadRequest, "targetLang is required", "")
		return
	}

	translated, err := h.cache.Translate(r.Context(), req.Text, req.TargetLang)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case collab.IsUnavailable(err):
			status = http.StatusServiceUnavailable
		case collab.IsTransient(err):
			status = http.StatusBadGateway
		}
		h.writeError(w, status, "translation failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TranslationResponseDTO{
		Translation: translated,
		TargetLang:  req.TargetLang,
	})
}

func (h *TranslationHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
