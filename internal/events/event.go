// Package events implements the ordered, replayable event stream that a
// document pipeline publishes and clients subscribe to. Every subscriber
// sees the full history from sequence zero followed by live events, with
// no gaps and no duplicates.
package events

import (
	"time"

	"github.com/docsight/reader-engine/internal/storage"
)

// Type names one kind of stage event.
type Type string

const (
	TypeTextChunk        Type = "text_chunk"
	TypeLayoutReady      Type = "layout_ready"
	TypeInsightReady     Type = "insight_ready"
	TypeGroundingUpdated Type = "grounding_updated"
	TypeStageFailed      Type = "stage_failed"
	TypeComplete         Type = "complete"
)

// Event is one entry of a document's event stream. Status carries the
// document status at emission time, so every stage transition is
// observable by subscribers.
type Event struct {
	Seq        int                    `json:"seq"`
	DocumentID string                 `json:"document_id"`
	Type       Type                   `json:"type"`
	Status     storage.DocumentStatus `json:"status"`
	At         time.Time              `json:"at"`
	Payload    any                    `json:"payload,omitempty"`
}

// TextChunkPayload carries one streamed text chunk.
type TextChunkPayload struct {
	Page        int    `json:"page"`
	Seq         int    `json:"seq"`
	OffsetStart int    `json:"offset_start"`
	OffsetEnd   int    `json:"offset_end"`
	Text        string `json:"text"`
}

// LayoutReadyPayload carries one page's detected elements.
type LayoutReadyPayload struct {
	Page     int                      `json:"page"`
	Elements []*storage.LayoutElement `json:"elements"`
}

// InsightReadyPayload carries one generated insight.
type InsightReadyPayload struct {
	Insight *storage.Insight `json:"insight"`
}

// GroundingUpdatedPayload carries the grounding result of one insight's
// citations.
type GroundingUpdatedPayload struct {
	InsightID string `json:"insight_id"`
	Resolved  int    `json:"resolved"`
	Total     int    `json:"total"`
}

// StageFailedPayload reports a stage-local or document-level failure.
// Page and Kind are set for partial-result markers; Fatal is true only
// when the whole document moved to failed.
type StageFailedPayload struct {
	Stage  storage.Stage       `json:"stage"`
	Reason string              `json:"reason"`
	Page   *int                `json:"page,omitempty"`
	Kind   storage.InsightKind `json:"kind,omitempty"`
	Fatal  bool                `json:"fatal"`
}

// CompletePayload summarizes the finished document.
type CompletePayload struct {
	Pages       int `json:"pages"`
	FailedPages int `json:"failed_pages"`
	Elements    int `json:"elements"`
	Insights    int `json:"insights"`
}
