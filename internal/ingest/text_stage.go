package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/docsight/reader-engine/internal/collab"
	"github.com/docsight/reader-engine/internal/events"
	"github.com/docsight/reader-engine/internal/storage"
)

var errRunCancelled = errors.New("run cancelled")

// pageText is one page's outcome of the text stage. The rendered image
// is kept so the layout stage does not render the page a second time.
type pageText struct {
	page   int
	image  []byte
	text   string
	failed bool
}

// textResult aggregates the text stage across all pages.
type textResult struct {
	pages []pageText
}

// document concatenates every successful page's text in page order.
func (t *textResult) document() string {
	var sb strings.Builder
	for _, p := range t.pages {
		if p.failed {
			continue
		}
		sb.WriteString(p.text)
		if p.text != "" && !strings.HasSuffix(p.text, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// runTextStage extracts text page by page, in order, so early pages are
// readable while later ones are still streaming. A page whose extraction
// keeps failing is marked failed and skipped; only service-level
// unavailability aborts the document.
func (c *Coordinator) runTextStage(ctx context.Context, r *run, renderer PageRenderer) (*textResult, error) {
	logger := c.logger.WithDocument(r.docID)
	result := &textResult{pages: make([]pageText, 0, renderer.PageCount())}

	for page := 0; page < renderer.PageCount(); page++ {
		if r.cancelled.Load() {
			return nil, errRunCancelled
		}

		image, err := renderer.RenderPage(page)
		if err != nil {
			logger.Warn().Err(err).Int("page", page).Msg("Page render failed")
			c.markPageFailed(ctx, r, page, "render_failed")
			result.pages = append(result.pages, pageText{page: page, failed: true})
			continue
		}

		text, err := c.extractPage(ctx, r, page, image)
		if err != nil {
			if errors.Is(err, errRunCancelled) {
				return nil, err
			}
			if collab.IsUnavailable(err) {
				return nil, err
			}
			logger.Warn().Err(err).Int("page", page).Msg("Page text extraction failed after retries")
			c.markPageFailed(ctx, r, page, "extraction_failed")
			result.pages = append(result.pages, pageText{page: page, image: image, failed: true})
			continue
		}

		if err := c.repos.Pages.MarkTextComplete(ctx, r.docID, page); err != nil {
			return nil, err
		}
		result.pages = append(result.pages, pageText{page: page, image: image, text: text})
	}

	return result, nil
}

// extractPage streams one page's text, retrying transient and malformed
// failures. Each retry discards the partial stream both in storage and
// towards subscribers before re-extracting from scratch; page text is
// immutable only once the page is marked complete.
func (c *Coordinator) extractPage(ctx context.Context, r *run, page int, image []byte) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.TextRetryBaseDelay
	bo.MaxInterval = 10 * time.Second

	var lastErr error
	for attempt := 0; attempt < c.cfg.TextRetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.repos.Pages.ResetPage(ctx, r.docID, page); err != nil {
				return "", err
			}
			p := page
			r.log.Publish(events.TypeStageFailed, storage.StatusTextStreaming, events.StageFailedPayload{
				Stage:  storage.StageText,
				Reason: "retrying",
				Page:   &p,
			})
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := c.streamOnePage(ctx, r, page, image)
		if err == nil {
			return text, nil
		}
		if errors.Is(err, errRunCancelled) || collab.IsUnavailable(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// streamOnePage runs a single extraction attempt, persisting and
// publishing every chunk as it arrives.
func (c *Coordinator) streamOnePage(ctx context.Context, r *run, page int, image []byte) (string, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan string, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.extractor.StreamPage(streamCtx, image, chunks)
		close(chunks)
	}()

	var sb strings.Builder
	seq := 0
	offset := 0
	for chunk := range chunks {
		if r.cancelled.Load() {
			cancel()
			for range chunks {
			}
			<-errCh
			return "", errRunCancelled
		}

		start := offset
		offset += len(chunk)
		pt := &storage.PageText{
			DocumentID:  r.docID,
			Page:        page,
			Seq:         seq,
			OffsetStart: start,
			OffsetEnd:   offset,
			Text:        chunk,
		}
		if err := c.repos.Pages.AppendChunk(ctx, pt); err != nil {
			cancel()
			for range chunks {
			}
			<-errCh
			return "", err
		}

		r.log.Publish(events.TypeTextChunk, storage.StatusTextStreaming, events.TextChunkPayload{
			Page:        page,
			Seq:         seq,
			OffsetStart: start,
			OffsetEnd:   offset,
			Text:        chunk,
		})

		sb.WriteString(chunk)
		seq++
	}

	if err := <-errCh; err != nil {
		return "", err
	}
	return sb.String(), nil
}

// markPageFailed records a page-local text failure. The document keeps
// going; readers see a gap for this page, not a broken document.
func (c *Coordinator) markPageFailed(ctx context.Context, r *run, page int, reason string) {
	if err := c.repos.Pages.MarkTextFailed(ctx, r.docID, page); err != nil {
		c.logger.Error().Err(err).Str("document_id", r.docID).Int("page", page).Msg("Failed to persist page failure")
	}
	p := page
	r.log.Publish(events.TypeStageFailed, storage.StatusTextStreaming, events.StageFailedPayload{
		Stage:  storage.StageText,
		Reason: reason,
		Page:   &p,
	})
}
