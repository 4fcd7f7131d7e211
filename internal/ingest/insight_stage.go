package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docsight/reader-engine/internal/events"
	"github.com/docsight/reader-engine/internal/storage"
)

// runInsightStage generates every insight kind concurrently. A kind
// whose generation fails is skipped with a marker event; the document
// still completes with the kinds that succeeded.
func (c *Coordinator) runInsightStage(ctx context.Context, r *run, text *textResult, elements []*storage.LayoutElement) []*storage.Insight {
	logger := c.logger.WithDocument(r.docID)

	document := text.document()
	if strings.TrimSpace(document) == "" {
		logger.Warn().Msg("No extracted text, skipping insight generation")
		return nil
	}
	summary := layoutSummary(elements)

	var mu sync.Mutex
	var created []*storage.Insight

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range storage.AllInsightKinds {
		kind := kind
		g.Go(func() error {
			if r.cancelled.Load() {
				return nil
			}

			callCtx, cancel := context.WithTimeout(gctx, c.cfg.InsightCallTimeout)
			draft, err := c.generator.Generate(callCtx, string(kind), document, summary)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Str("kind", string(kind)).Msg("Insight generation failed")
				r.log.Publish(events.TypeStageFailed, storage.StatusInsightRunning, events.StageFailedPayload{
					Stage:  storage.StageInsight,
					Reason: "generation_failed",
					Kind:   kind,
				})
				return nil
			}

			insight := &storage.Insight{
				ID:         uuid.New(),
				DocumentID: r.docID,
				Kind:       kind,
				Body:       draft.Body,
			}
			for _, span := range draft.Citations {
				insight.Citations = append(insight.Citations, storage.Citation{
					ID:          uuid.New(),
					InsightID:   insight.ID,
					DocumentID:  r.docID,
					Page:        span.Page,
					OffsetStart: span.OffsetStart,
					OffsetEnd:   span.OffsetEnd,
				})
			}

			if err := c.repos.Insights.Create(ctx, insight); err != nil {
				logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to persist insight")
				return nil
			}

			r.log.Publish(events.TypeInsightReady, storage.StatusInsightRunning, events.InsightReadyPayload{
				Insight: insight,
			})

			mu.Lock()
			created = append(created, insight)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return created
}

// layoutSummary condenses detected elements into a compact textual form
// the language model can reference when citing figures and tables.
func layoutSummary(elements []*storage.LayoutElement) string {
	if len(elements) == 0 {
		return "no layout elements detected"
	}

	var sb strings.Builder
	for _, el := range elements {
		fmt.Fprintf(&sb, "page %d: %s at (%.2f, %.2f) size %.2fx%.2f", el.Page, el.Label, el.X, el.Y, el.W, el.H)
		if el.SpanStart != nil && el.SpanEnd != nil {
			fmt.Fprintf(&sb, " span [%d, %d)", *el.SpanStart, *el.SpanEnd)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
