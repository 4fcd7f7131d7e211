// Package monitoring records the lifecycle history of document runs.
package monitoring

import (
	"context"

	"github.com/docsight/reader-engine/internal/observability"
	"github.com/docsight/reader-engine/internal/storage"
)

// AuditWriter persists stage transitions so a document's history stays
// queryable after its run finished. Failures to write history never fail
// the pipeline.
type AuditWriter struct {
	logger *observability.Logger
	repo   *storage.AuditRepository
}

// NewAuditWriter creates an audit writer. repo may be nil, in which case
// transitions are only logged.
func NewAuditWriter(logger *observability.Logger, repo *storage.AuditRepository) *AuditWriter {
	return &AuditWriter{
		logger: logger.WithComponent("audit"),
		repo:   repo,
	}
}

// RecordTransition records one status transition.
func (w *AuditWriter) RecordTransition(ctx context.Context, docID string, stage storage.Stage, from, to storage.DocumentStatus, detail string) {
	w.logger.Info().
		Str("document_id", docID).
		Str("stage", string(stage)).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("detail", detail).
		Msg("Stage transition")

	if w.repo == nil {
		return
	}

	evt := &storage.AuditEvent{
		DocumentID: docID,
		Stage:      stage,
		FromStatus: from,
		ToStatus:   to,
		Detail:     detail,
	}
	if err := w.repo.Record(ctx, evt); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to record audit event")
	}
}
