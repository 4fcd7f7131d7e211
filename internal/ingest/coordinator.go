// Package ingest implements the per-document processing pipeline: text
// streaming, layout detection, insight generation, and grounding, as one
// forward-only state machine per document identity.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docsight/reader-engine/internal/collab"
	"github.com/docsight/reader-engine/internal/events"
	"github.com/docsight/reader-engine/internal/grounding"
	"github.com/docsight/reader-engine/internal/monitoring"
	"github.com/docsight/reader-engine/internal/observability"
	"github.com/docsight/reader-engine/internal/storage"
)

// ErrDocumentNotFound indicates that no run or persisted document exists
// for the requested identity.
var ErrDocumentNotFound = errors.New("document not found")

// ErrRunInFlight indicates a reprocess was requested while a run is
// still active.
var ErrRunInFlight = errors.New("run still in flight")

// TextExtractor streams OCR text for one page image.
type TextExtractor interface {
	StreamPage(ctx context.Context, image []byte, chunks chan<- string) error
}

// LayoutDetector detects layout regions on one page image.
type LayoutDetector interface {
	DetectPage(ctx context.Context, image []byte) ([]collab.Region, error)
}

// InsightGenerator produces one structured insight for a document.
type InsightGenerator interface {
	Generate(ctx context.Context, kind string, document string, layoutSummary string) (*collab.InsightDraft, error)
}

// PageRenderer renders the pages of one uploaded document.
type PageRenderer interface {
	PageCount() int
	RenderPage(page int) ([]byte, error)
	Close() error
}

// RendererFactory opens a renderer over raw source bytes.
type RendererFactory func(source []byte) (PageRenderer, error)

// Config holds pipeline tuning parameters.
type Config struct {
	TextRetryAttempts  int
	TextRetryBaseDelay time.Duration
	LayoutCallTimeout  time.Duration
	InsightCallTimeout time.Duration
}

// Coordinator owns every document run in the process. At most one run is
// active per document identity; later submitters attach as subscribers.
type Coordinator struct {
	logger    *observability.Logger
	cfg       Config
	repos     *storage.Repositories
	audit     *monitoring.AuditWriter
	extractor TextExtractor
	detector  LayoutDetector
	generator InsightGenerator
	open      RendererFactory
	grounder  *grounding.Mapper

	mu   sync.Mutex
	runs map[string]*run
}

// run is the in-memory state of one pipeline execution. Document status
// is mutated only by the pipeline goroutine; readers go through the log.
type run struct {
	docID     string
	version   int
	log       *events.Log
	cancelled atomic.Bool
	status    storage.DocumentStatus
}

// NewCoordinator creates the ingestion coordinator.
func NewCoordinator(
	logger *observability.Logger,
	cfg Config,
	repos *storage.Repositories,
	audit *monitoring.AuditWriter,
	extractor TextExtractor,
	detector LayoutDetector,
	generator InsightGenerator,
	open RendererFactory,
	grounder *grounding.Mapper,
) *Coordinator {
	if cfg.TextRetryAttempts < 1 {
		cfg.TextRetryAttempts = 3
	}
	if cfg.TextRetryBaseDelay <= 0 {
		cfg.TextRetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.LayoutCallTimeout <= 0 {
		cfg.LayoutCallTimeout = 30 * time.Second
	}
	if cfg.InsightCallTimeout <= 0 {
		cfg.InsightCallTimeout = 90 * time.Second
	}

	return &Coordinator{
		logger:    logger.WithComponent("ingest"),
		cfg:       cfg,
		repos:     repos,
		audit:     audit,
		extractor: extractor,
		detector:  detector,
		generator: generator,
		open:      open,
		grounder:  grounder,
		runs:      make(map[string]*run),
	}
}

// DocumentID derives the content-addressed identity of source bytes.
func DocumentID(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// Submit starts processing the uploaded document, or attaches to the
// run already processing the same content. The returned subscription
// replays the full event history before delivering live events.
func (c *Coordinator) Submit(ctx context.Context, source []byte) (string, *events.Subscription, error) {
	docID := DocumentID(source)

	c.mu.Lock()
	if r, ok := c.runs[docID]; ok {
		c.mu.Unlock()
		c.logger.Debug().Str("document_id", docID).Msg("Submit deduplicated onto existing run")
		return docID, r.log.Subscribe(), nil
	}

	r := &run{
		docID:  docID,
		log:    events.NewLog(docID),
		status: storage.StatusPending,
	}
	c.runs[docID] = r
	c.mu.Unlock()

	if err := c.repos.Sources.Put(ctx, docID, source); err != nil {
		c.dropRun(docID)
		return "", nil, fmt.Errorf("store source: %w", err)
	}

	doc := &storage.Document{ID: docID, Status: storage.StatusPending}
	if err := c.repos.Documents.Create(ctx, doc); err != nil {
		c.dropRun(docID)
		return "", nil, fmt.Errorf("create document: %w", err)
	}
	r.version = doc.Version

	sub := r.log.Subscribe()
	go c.execute(r, source)

	return docID, sub, nil
}

// Subscribe attaches to a document's event stream. For documents whose
// run is no longer in memory, the history is rebuilt from storage and
// replayed as a closed stream.
func (c *Coordinator) Subscribe(ctx context.Context, docID string) (*events.Subscription, error) {
	c.mu.Lock()
	r, ok := c.runs[docID]
	c.mu.Unlock()
	if ok {
		return r.log.Subscribe(), nil
	}

	log, err := c.rebuildLog(ctx, docID)
	if err != nil {
		return nil, err
	}
	return log.Subscribe(), nil
}

// Cancel stops future stage invocations for the document. The running
// external call is allowed to finish; already-persisted results are kept.
func (c *Coordinator) Cancel(docID string) error {
	c.mu.Lock()
	r, ok := c.runs[docID]
	c.mu.Unlock()
	if !ok {
		return ErrDocumentNotFound
	}

	if !r.log.Closed() {
		r.cancelled.Store(true)
		c.logger.Info().Str("document_id", docID).Msg("Cancellation requested")
	}
	return nil
}

// Reprocess starts a fresh run for a document whose previous run has
// finished, creating a new document version. Derived data always
// reflects the latest version, so the previous run's pages, layout, and
// insights are cleared; the version history and audit trail remain.
func (c *Coordinator) Reprocess(ctx context.Context, docID string) (*events.Subscription, error) {
	source, err := c.repos.Sources.Get(ctx, docID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}

	c.mu.Lock()
	if r, ok := c.runs[docID]; ok && !r.log.Closed() {
		c.mu.Unlock()
		return nil, ErrRunInFlight
	}
	r := &run{
		docID:  docID,
		log:    events.NewLog(docID),
		status: storage.StatusPending,
	}
	c.runs[docID] = r
	c.mu.Unlock()

	if err := c.repos.Insights.DeleteByDocument(ctx, docID); err != nil {
		c.dropRun(docID)
		return nil, fmt.Errorf("clear insights: %w", err)
	}
	if err := c.repos.Layout.DeleteByDocument(ctx, docID); err != nil {
		c.dropRun(docID)
		return nil, fmt.Errorf("clear layout: %w", err)
	}
	if err := c.repos.Pages.DeleteByDocument(ctx, docID); err != nil {
		c.dropRun(docID)
		return nil, fmt.Errorf("clear pages: %w", err)
	}

	doc := &storage.Document{ID: docID, Status: storage.StatusPending}
	if err := c.repos.Documents.Create(ctx, doc); err != nil {
		c.dropRun(docID)
		return nil, fmt.Errorf("create document version: %w", err)
	}
	r.version = doc.Version

	sub := r.log.Subscribe()
	go c.execute(r, source)

	return sub, nil
}

// Reground re-resolves every citation of a document against its current
// layout. Used when layout for a page arrives after insights were
// generated, e.g. through reprocessing.
func (c *Coordinator) Reground(ctx context.Context, docID string) error {
	c.mu.Lock()
	r, ok := c.runs[docID]
	c.mu.Unlock()

	var log *events.Log
	if ok {
		log = r.log
	}
	return c.ground(ctx, docID, storage.StatusComplete, log)
}

func (c *Coordinator) dropRun(docID string) {
	c.mu.Lock()
	if r, ok := c.runs[docID]; ok {
		r.log.Close()
		delete(c.runs, docID)
	}
	c.mu.Unlock()
}

// execute drives one document through the pipeline. It owns the document
// record for the duration of the run.
func (c *Coordinator) execute(r *run, source []byte) {
	ctx := context.Background()
	logger := c.logger.WithDocument(r.docID)

	// Finished runs leave the registry once the log is closed; late
	// subscribers replay from storage instead of process memory.
	defer func() {
		c.mu.Lock()
		if c.runs[r.docID] == r {
			delete(c.runs, r.docID)
		}
		c.mu.Unlock()
	}()
	defer r.log.Close()

	renderer, err := c.open(source)
	if err != nil {
		logger.Error().Err(err).Msg("Source unreadable")
		c.fail(ctx, r, storage.StageText, "unreadable_source")
		return
	}
	defer renderer.Close()

	pageCount := renderer.PageCount()
	if err := c.repos.Documents.SetPageCount(ctx, r.docID, r.version, pageCount); err != nil {
		logger.Error().Err(err).Msg("Failed to persist page count")
	}
	if err := c.repos.Pages.CreatePages(ctx, r.docID, pageCount); err != nil {
		logger.Error().Err(err).Msg("Failed to create page records")
		c.fail(ctx, r, storage.StageText, "storage_error")
		return
	}

	logger.Info().Int("pages", pageCount).Msg("Starting document run")

	// Text stage
	if err := c.transition(ctx, r, storage.StageText, storage.StatusPending, storage.StatusTextStreaming); err != nil {
		c.fail(ctx, r, storage.StageText, "storage_error")
		return
	}

	text, err := c.runTextStage(ctx, r, renderer)
	if err != nil {
		if errors.Is(err, errRunCancelled) {
			logger.Info().Msg("Run cancelled during text stage")
			return
		}
		logger.Error().Err(err).Msg("Text stage failed")
		reason := "storage_error"
		if collab.IsUnavailable(err) {
			reason = "service_unavailable"
		}
		c.fail(ctx, r, storage.StageText, reason)
		return
	}

	if err := c.transition(ctx, r, storage.StageText, storage.StatusTextStreaming, storage.StatusTextDone); err != nil {
		c.fail(ctx, r, storage.StageText, "storage_error")
		return
	}

	if r.cancelled.Load() {
		logger.Info().Msg("Run cancelled after text stage")
		return
	}

	// Layout stage: best-effort, never fails the document.
	if err := c.transition(ctx, r, storage.StageLayout, storage.StatusTextDone, storage.StatusLayoutRunning); err != nil {
		c.fail(ctx, r, storage.StageLayout, "storage_error")
		return
	}

	elements := c.runLayoutStage(ctx, r, text)

	if err := c.transition(ctx, r, storage.StageLayout, storage.StatusLayoutRunning, storage.StatusLayoutDone); err != nil {
		c.fail(ctx, r, storage.StageLayout, "storage_error")
		return
	}

	if r.cancelled.Load() {
		logger.Info().Msg("Run cancelled after layout stage")
		return
	}

	// Insight stage: individual kinds may be skipped, the stage itself
	// only fails on storage errors.
	if err := c.transition(ctx, r, storage.StageInsight, storage.StatusLayoutDone, storage.StatusInsightRunning); err != nil {
		c.fail(ctx, r, storage.StageInsight, "storage_error")
		return
	}

	insights := c.runInsightStage(ctx, r, text, elements)

	if err := c.transition(ctx, r, storage.StageInsight, storage.StatusInsightRunning, storage.StatusComplete); err != nil {
		c.fail(ctx, r, storage.StageInsight, "storage_error")
		return
	}

	failedPages := 0
	for _, pt := range text.pages {
		if pt.failed {
			failedPages++
		}
	}
	r.log.Publish(events.TypeComplete, storage.StatusComplete, events.CompletePayload{
		Pages:       pageCount,
		FailedPages: failedPages,
		Elements:    len(elements),
		Insights:    len(insights),
	})

	logger.Info().
		Int("pages", pageCount).
		Int("failed_pages", failedPages).
		Int("elements", len(elements)).
		Int("insights", len(insights)).
		Msg("Document complete")

	// Grounding runs after the complete transition so it never blocks it.
	if err := c.ground(ctx, r.docID, storage.StatusComplete, r.log); err != nil {
		logger.Warn().Err(err).Msg("Grounding pass failed")
	}
}

// transition advances the document status, records history, and keeps
// the run's view of the status current.
func (c *Coordinator) transition(ctx context.Context, r *run, stage storage.Stage, from, to storage.DocumentStatus) error {
	if err := c.repos.Documents.UpdateStatus(ctx, r.docID, r.version, from, to); err != nil {
		return err
	}
	r.status = to
	c.audit.RecordTransition(ctx, r.docID, stage, from, to, "")
	return nil
}

// fail moves the document into the absorbing failed state. Data from
// stages that already completed stays available and queryable.
func (c *Coordinator) fail(ctx context.Context, r *run, stage storage.Stage, reason string) {
	from := r.status
	if err := c.repos.Documents.MarkFailed(ctx, r.docID, r.version, stage, reason); err != nil {
		c.logger.Error().Err(err).Str("document_id", r.docID).Msg("Failed to persist failure")
	}
	r.status = storage.StatusFailed
	c.audit.RecordTransition(ctx, r.docID, stage, from, storage.StatusFailed, reason)

	r.log.Publish(events.TypeStageFailed, storage.StatusFailed, events.StageFailedPayload{
		Stage:  stage,
		Reason: reason,
		Fatal:  true,
	})
}

// ground resolves citations against layout and publishes the outcome.
// Pure with respect to layout: only citations are updated.
func (c *Coordinator) ground(ctx context.Context, docID string, status storage.DocumentStatus, log *events.Log) error {
	citations, err := c.repos.Insights.ListCitations(ctx, docID)
	if err != nil {
		return err
	}
	if len(citations) == 0 {
		return nil
	}

	elements, err := c.repos.Layout.ListByDocument(ctx, docID)
	if err != nil {
		return err
	}

	resolutions := c.grounder.Resolve(citations, elements)

	resolvedByInsight := make(map[string]int)
	totalByInsight := make(map[string]int)
	citationByID := make(map[string]*storage.Citation)
	for _, cit := range citations {
		citationByID[cit.ID.String()] = cit
	}

	for _, res := range resolutions {
		cit := citationByID[res.CitationID.String()]
		if cit == nil {
			continue
		}
		insightID := cit.InsightID.String()
		totalByInsight[insightID]++
		if res.Target != nil {
			resolvedByInsight[insightID]++
		}

		if err := c.repos.Insights.SetCitationTarget(ctx, res.CitationID, res.Target); err != nil {
			c.logger.Warn().Err(err).Str("citation_id", res.CitationID.String()).Msg("Failed to persist grounding")
		}
	}

	if log != nil {
		for insightID, total := range totalByInsight {
			log.Publish(events.TypeGroundingUpdated, status, events.GroundingUpdatedPayload{
				InsightID: insightID,
				Resolved:  resolvedByInsight[insightID],
				Total:     total,
			})
		}
	}

	return nil
}

// rebuildLog reconstructs a closed event stream from persisted data, so
// late subscribers can replay documents whose run left memory.
func (c *Coordinator) rebuildLog(ctx context.Context, docID string) (*events.Log, error) {
	doc, err := c.repos.Documents.GetLatest(ctx, docID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}

	log := events.NewLog(docID)

	chunks, err := c.repos.Pages.ListChunks(ctx, docID)
	if err != nil {
		return nil, err
	}
	for _, chunk := range chunks {
		log.Publish(events.TypeTextChunk, doc.Status, events.TextChunkPayload{
			Page:        chunk.Page,
			Seq:         chunk.Seq,
			OffsetStart: chunk.OffsetStart,
			OffsetEnd:   chunk.OffsetEnd,
			Text:        chunk.Text,
		})
	}

	elements, err := c.repos.Layout.ListByDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	byPage := make(map[int][]*storage.LayoutElement)
	pages := make([]int, 0)
	for _, el := range elements {
		if _, ok := byPage[el.Page]; !ok {
			pages = append(pages, el.Page)
		}
		byPage[el.Page] = append(byPage[el.Page], el)
	}
	for _, page := range pages {
		log.Publish(events.TypeLayoutReady, doc.Status, events.LayoutReadyPayload{
			Page:     page,
			Elements: byPage[page],
		})
	}

	insights, err := c.repos.Insights.ListByDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	for _, ins := range insights {
		log.Publish(events.TypeInsightReady, doc.Status, events.InsightReadyPayload{Insight: ins})
	}

	switch doc.Status {
	case storage.StatusComplete:
		pageRecords, err := c.repos.Pages.ListPages(ctx, docID)
		if err != nil {
			return nil, err
		}
		failedPages := 0
		for _, p := range pageRecords {
			if p.TextFailed {
				failedPages++
			}
		}
		log.Publish(events.TypeComplete, doc.Status, events.CompletePayload{
			Pages:       doc.PageCount,
			FailedPages: failedPages,
			Elements:    len(elements),
			Insights:    len(insights),
		})
	case storage.StatusFailed:
		payload := events.StageFailedPayload{Fatal: true}
		if doc.FailedStage != nil {
			payload.Stage = *doc.FailedStage
		}
		if doc.FailureReason != nil {
			payload.Reason = *doc.FailureReason
		}
		log.Publish(events.TypeStageFailed, doc.Status, payload)
	}

	log.Close()
	return log, nil
}
