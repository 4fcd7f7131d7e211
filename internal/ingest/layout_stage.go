package ingest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docsight/reader-engine/internal/events"
	"github.com/docsight/reader-engine/internal/storage"
)

// layoutFanout caps concurrent detection calls per document. The
// collaborator client applies its own process-wide limits on top.
const layoutFanout = 4

// runLayoutStage detects bounding boxes on every page that has a
// rendered image, fanning pages out concurrently. Layout is best-effort:
// a page whose detection fails simply has no boxes, and the document
// proceeds to insights regardless.
func (c *Coordinator) runLayoutStage(ctx context.Context, r *run, text *textResult) []*storage.LayoutElement {
	logger := c.logger.WithDocument(r.docID)

	var mu sync.Mutex
	var all []*storage.LayoutElement

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(layoutFanout)

	for _, pt := range text.pages {
		if pt.image == nil {
			continue
		}
		pt := pt
		g.Go(func() error {
			if r.cancelled.Load() {
				return nil
			}

			callCtx, cancel := context.WithTimeout(gctx, c.cfg.LayoutCallTimeout)
			regions, err := c.detector.DetectPage(callCtx, pt.image)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Int("page", pt.page).Msg("Layout detection failed")
				p := pt.page
				r.log.Publish(events.TypeStageFailed, storage.StatusLayoutRunning, events.StageFailedPayload{
					Stage:  storage.StageLayout,
					Reason: "detection_failed",
					Page:   &p,
				})
				return nil
			}

			elements := make([]*storage.LayoutElement, 0, len(regions))
			for _, region := range regions {
				elements = append(elements, &storage.LayoutElement{
					ID:         uuid.New(),
					DocumentID: r.docID,
					Page:       pt.page,
					X:          region.X,
					Y:          region.Y,
					W:          region.W,
					H:          region.H,
					Label:      storage.RegionLabel(region.Label),
					Confidence: region.Confidence,
					SpanStart:  region.SpanStart,
					SpanEnd:    region.SpanEnd,
				})
			}

			if len(elements) > 0 {
				if err := c.repos.Layout.InsertBatch(ctx, elements); err != nil {
					logger.Error().Err(err).Int("page", pt.page).Msg("Failed to persist layout elements")
					return nil
				}
			}

			r.log.Publish(events.TypeLayoutReady, storage.StatusLayoutRunning, events.LayoutReadyPayload{
				Page:     pt.page,
				Elements: elements,
			})

			mu.Lock()
			all = append(all, elements...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Page != all[j].Page {
			return all[i].Page < all[j].Page
		}
		if all[i].Y != all[j].Y {
			return all[i].Y < all[j].Y
		}
		return all[i].X < all[j].X
	})
	return all
}
