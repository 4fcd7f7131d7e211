// Package handlers provides HTTP handlers for the Reader Engine API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docsight/reader-engine/internal/ingest"
	"github.com/docsight/reader-engine/internal/observability"
	"github.com/docsight/reader-engine/internal/storage"
)

// DocumentHandler handles document upload and read requests.
type DocumentHandler struct {
	logger         *observability.Logger
	coordinator    *ingest.Coordinator
	repos          *storage.Repositories
	maxUploadBytes int64
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(logger *observability.Logger, coordinator *ingest.Coordinator, repos *storage.Repositories, maxUploadBytes int64) *DocumentHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 64 << 20
	}
	return &DocumentHandler{
		logger:         logger,
		coordinator:    coordinator,
		repos:          repos,
		maxUploadBytes: maxUploadBytes,
	}
}

// DocumentDTO represents the API response for a document.
type DocumentDTO struct {
	ID            string `json:"id"`
	Version       int    `json:"version"`
	Status        string `json:"status"`
	PageCount     int    `json:"pageCount"`
	FailedStage   string `json:"failedStage,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// UploadResponseDTO represents the API response for an upload.
type UploadResponseDTO struct {
	DocumentID string `json:"documentId"`
	Status     string `json:"status"`
	EventsURL  string `json:"eventsUrl"`
}

// Upload handles POST /api/v1/documents. The body is the document
// itself, either raw or as the "file" part of a multipart form.
// Uploading content already being processed attaches to that run
// instead of starting a second one.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	source, err := h.readUpload(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid upload", err.Error())
		return
	}
	if len(source) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty upload", "")
		return
	}

	docID, sub, err := h.coordinator.Submit(r.Context(), source)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "submit failed", err.Error())
		return
	}
	// The caller follows the events endpoint; this subscription was only
	// needed to pin the run.
	sub.Cancel()

	h.logger.Info().Str("document_id", docID).Int("bytes", len(source)).Msg("Document submitted")

	resp := UploadResponseDTO{
		DocumentID: docID,
		Status:     string(storage.StatusPending),
		EventsURL:  "/api/v1/documents/" + docID + "/events",
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

func (h *DocumentHandler) readUpload(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, h.maxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	return io.ReadAll(r.Body)
}

// Get handles GET /api/v1/documents/{documentId}.
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "documentId")

	doc, err := h.repos.Documents.GetLatest(r.Context(), docID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "document not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "lookup failed", err.Error())
		return
	}

	dto := DocumentDTO{
		ID:        doc.ID,
		Version:   doc.Version,
		Status:    string(doc.Status),
		PageCount: doc.PageCount,
		CreatedAt: doc.CreatedAt.Format(time.RFC3339),
		UpdatedAt: doc.UpdatedAt.Format(time.RFC3339),
	}
	if doc.FailedStage != nil {
		dto.FailedStage = string(*doc.FailedStage)
	}
	if doc.FailureReason != nil {
		dto.FailureReason = *doc.FailureReason
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dto)
}

// PageTextDTO represents one page's extracted text.
type PageTextDTO struct {
	Page     int    `json:"page"`
	Text     string `json:"text"`
	Complete bool   `json:"complete"`
	Failed   bool   `json:"failed"`
}

// GetText handles GET /api/v1/documents/{documentId}/text. Text is
// returned per page, assembled from the ordered chunks persisted so far.
func (h *DocumentHandler) GetText(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID := chi.URLParam(r, "documentId")

	pages, err := h.repos.Pages.ListPages(ctx, docID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "lookup failed", err.Error())
		return
	}
	if len(pages) == 0 {
		h.writeError(w, http.StatusNotFound, "document not found", "")
		return
	}

	chunks, err := h.repos.Pages.ListChunks(ctx, docID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "lookup failed", err.Error())
		return
	}

	textByPage := make(map[int]*strings.Builder)
	for _, chunk := range chunks {
		sb, ok := textByPage[chunk.Page]
		if !ok {
			sb = &strings.Builder{}
			textByPage[chunk.Page] = sb
		}
		sb.WriteString(chunk.Text)
	}

	dtos := make([]PageTextDTO, 0, len(pages))
	for _, page := range pages {
		dto := PageTextDTO{
			Page:     page.Page,
			Complete: page.TextComplete,
			Failed:   page.TextFailed,
		}
		if sb, ok := textByPage[page.Page]; ok {
			dto.Text = sb.String()
		}
		dtos = append(dtos, dto)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"documentId": docID, "pages": dtos})
}

// LayoutElementDTO represents one detected bounding box.
type LayoutElementDTO struct {
	ID         string  `json:"id"`
	Page       int     `json:"page"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	SpanStart  *int    `json:"spanStart,omitempty"`
	SpanEnd    *int    `json:"spanEnd,omitempty"`
}

// GetLayout handles GET /api/v1/documents/{documentId}/layout.
func (h *DocumentHandler) GetLayout(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "documentId")

	elements, err := h.repos.Layout.ListByDocument(r.Context(), docID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "lookup failed", err.Error())
		return
	}

	dtos := make([]LayoutElementDTO, 0, len(elements))
	for _, el := range elements {
		dtos = append(dtos, LayoutElementDTO{
			ID:         el.ID.String(),
			Page:       el.Page,
			X:          el.X,
			Y:          el.Y,
			W:          el.W,
			H:          el.H,
			Label:      string(el.Label),
			Confidence: el.Confidence,
			SpanStart:  el.SpanStart,
			SpanEnd:    el.SpanEnd,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"documentId": docID, "elements": dtos})
}

// CitationDTO represents one insight citation.
type CitationDTO struct {
	ID              string  `json:"id"`
	Page            int     `json:"page"`
	OffsetStart     int     `json:"offsetStart"`
	OffsetEnd       int     `json:"offsetEnd"`
	TargetElementID *string `json:"targetElementId,omitempty"`
}

// InsightDTO represents one generated insight with its citations.
type InsightDTO struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Body      string        `json:"body"`
	Citations []CitationDTO `json:"citations"`
	CreatedAt string        `json:"createdAt"`
}

// GetInsights handles GET /api/v1/documents/{documentId}/insights.
func (h *DocumentHandler) GetInsights(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "documentId")

	insights, err := h.repos.Insights.ListByDocument(r.Context(), docID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "lookup failed", err.Error())
		return
	}

	dtos := make([]InsightDTO, 0, len(insights))
	for _, insight := range insights {
		dto := InsightDTO{
			ID:        insight.ID.String(),
			Kind:      string(insight.Kind),
			Body:      insight.Body,
			Citations: make([]CitationDTO, 0, len(insight.Citations)),
			CreatedAt: insight.CreatedAt.Format(time.RFC3339),
		}
		for _, cit := range insight.Citations {
			cdto := CitationDTO{
				ID:          cit.ID.String(),
				Page:        cit.Page,
				OffsetStart: cit.OffsetStart,
				OffsetEnd:   cit.OffsetEnd,
			}
			if cit.TargetElementID != nil {
				id := cit.TargetElementID.String()
				cdto.TargetElementID = &id
			}
			dto.Citations = append(dto.Citations, cdto)
		}
		dtos = append(dtos, dto)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"documentId": docID, "insights": dtos})
}

// Cancel handles POST /api/v1/documents/{documentId}/cancel. The stage
// currently running is allowed to finish its in-flight call; no new
// stage starts afterwards.
func (h *DocumentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "documentId")

	if err := h.coordinator.Cancel(docID); err != nil {
		if errors.Is(err, ingest.ErrDocumentNotFound) {
			h.writeError(w, http.StatusNotFound, "no active run", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "cancel failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"documentId": docID, "status": "cancelling"})
}

// Reprocess handles POST /api/v1/documents/{documentId}/reprocess. A
// new version of the document is created and run through the full
// pipeline; earlier versions stay untouched.
func (h *DocumentHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "documentId")

	sub, err := h.coordinator.Reprocess(r.Context(), docID)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrDocumentNotFound):
			h.writeError(w, http.StatusNotFound, "document not found", "")
		case errors.Is(err, ingest.ErrRunInFlight):
			h.writeError(w, http.StatusConflict, "run still in flight", "")
		default:
			h.writeError(w, http.StatusInternalServerError, "reprocess failed", err.Error())
		}
		return
	}
	sub.Cancel()

	h.logger.Info().Str("document_id", docID).Msg("Reprocessing started")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(UploadResponseDTO{
		DocumentID: docID,
		Status:     string(storage.StatusPending),
		EventsURL:  "/api/v1/documents/" + docID + "/events",
	})
}

// Reground handles POST /api/v1/documents/{documentId}/reground,
// re-resolving every citation against the current layout.
func (h *DocumentHandler) Reground(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "documentId")

	if err := h.coordinator.Reground(r.Context(), docID); err != nil {
		h.writeError(w, http.StatusInternalServerError, "reground failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"documentId": docID, "status": "regrounded"})
}

func (h *DocumentHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}
