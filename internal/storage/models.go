// Package storage provides database models and repositories for the
// Reader Engine's derived data: documents, page text, layout, insights.
package storage

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the per-document pipeline state machine. Status only
// ever advances forward through the phase order or terminates in failed.
type DocumentStatus string

const (
	StatusPending        DocumentStatus = "pending"
	StatusTextStreaming  DocumentStatus = "text_streaming"
	StatusTextDone       DocumentStatus = "text_done"
	StatusLayoutRunning  DocumentStatus = "layout_running"
	StatusLayoutDone     DocumentStatus = "layout_done"
	StatusInsightRunning DocumentStatus = "insight_running"
	StatusComplete       DocumentStatus = "complete"
	StatusFailed         DocumentStatus = "failed"
)

// statusRank orders the forward path. failed is absorbing and reachable
// from any non-terminal state.
var statusRank = map[DocumentStatus]int{
	StatusPending:        0,
	StatusTextStreaming:  1,
	StatusTextDone:       2,
	StatusLayoutRunning:  3,
	StatusLayoutDone:     4,
	StatusInsightRunning: 5,
	StatusComplete:       6,
}

// CanTransition reports whether moving from one status to another follows
// the forward path.
func CanTransition(from, to DocumentStatus) bool {
	if from == StatusComplete || from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank == fromRank+1
}

// Stage names one phase of the pipeline.
type Stage string

const (
	StageText      Stage = "text"
	StageLayout    Stage = "layout"
	StageInsight   Stage = "insight"
	StageGrounding Stage = "grounding"
)

// RegionLabel classifies a layout element.
type RegionLabel string

const (
	LabelFigure   RegionLabel = "figure"
	LabelTable    RegionLabel = "table"
	LabelCitation RegionLabel = "citation"
	LabelFormula  RegionLabel = "formula"
)

// InsightKind classifies an AI-generated insight.
type InsightKind string

const (
	KindSummary           InsightKind = "summary"
	KindSectionSummary    InsightKind = "section_summary"
	KindFigureExplanation InsightKind = "figure_explanation"
	KindCritique          InsightKind = "critique"
)

// AllInsightKinds lists every kind the insight stage generates.
var AllInsightKinds = []InsightKind{
	KindSummary,
	KindSectionSummary,
	KindFigureExplanation,
	KindCritique,
}

// Document is one uploaded document, identified by the sha256 of its
// source bytes. Reprocessing creates a new version, never mutates an old
// one.
type Document struct {
	ID            string
	Version       int
	Status        DocumentStatus
	PageCount     int
	FailedStage   *Stage
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Page tracks per-page text extraction outcome.
type Page struct {
	DocumentID   string
	Page         int
	TextComplete bool
	TextFailed   bool
}

// PageText is one ordered text chunk within a page. Append-only;
// offsets are frozen once the page is marked complete.
type PageText struct {
	DocumentID  string
	Page        int
	Seq         int
	OffsetStart int
	OffsetEnd   int
	Text        string
	CreatedAt   time.Time
}

// LayoutElement is one detected bounding box. Immutable after insertion.
// SpanStart/SpanEnd hold the associated text range used for grounding;
// the element itself is keyed by page and position.
type LayoutElement struct {
	ID         uuid.UUID
	DocumentID string
	Page       int
	X          float64
	Y          float64
	W          float64
	H          float64
	Label      RegionLabel
	Confidence float64
	SpanStart  *int
	SpanEnd    *int
	CreatedAt  time.Time
}

// Insight is one AI-generated insight with its citations.
type Insight struct {
	ID         uuid.UUID
	DocumentID string
	Kind       InsightKind
	Body       string
	Citations  []Citation
	CreatedAt  time.Time
}

// Citation ties a text span to an insight. TargetElementID stays nil
// until grounding resolves it, and may stay nil forever.
type Citation struct {
	ID              uuid.UUID
	InsightID       uuid.UUID
	DocumentID      string
	Page            int
	OffsetStart     int
	OffsetEnd       int
	TargetElementID *uuid.UUID
}

// AuditEvent records one stage transition for a document's history.
type AuditEvent struct {
	ID         int64
	DocumentID string
	Stage      Stage
	FromStatus DocumentStatus
	ToStatus   DocumentStatus
	Detail     string
	CreatedAt  time.Time
}
