package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsight/reader-engine/internal/collab"
	"github.com/docsight/reader-engine/internal/events"
	"github.com/docsight/reader-engine/internal/grounding"
	"github.com/docsight/reader-engine/internal/monitoring"
	"github.com/docsight/reader-engine/internal/observability"
	"github.com/docsight/reader-engine/internal/storage"
)

// fakeRenderer renders synthetic page images "img-N".
type fakeRenderer struct {
	pages      int
	failPage   int
	closeCount atomic.Int32
}

func newFakeRenderer(pages int) *fakeRenderer {
	return &fakeRenderer{pages: pages, failPage: -1}
}

func (f *fakeRenderer) PageCount() int { return f.pages }

func (f *fakeRenderer) RenderPage(page int) ([]byte, error) {
	if page == f.failPage {
		return nil, errors.New("render error")
	}
	return []byte(fmt.Sprintf("img-%d", page)), nil
}

func (f *fakeRenderer) Close() error {
	f.closeCount.Add(1)
	return nil
}

func pageOf(image []byte) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(string(image), "img-"))
	return n
}

// fakeExtractor streams two chunks per page. Pages listed in errs fail
// with the configured error; failCount limits how many attempts fail.
type fakeExtractor struct {
	mu        sync.Mutex
	errs      map[int]error
	failCount map[int]int
	calls     map[int]int
	gate      chan struct{}
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		errs:      make(map[int]error),
		failCount: make(map[int]int),
		calls:     make(map[int]int),
	}
}

func (f *fakeExtractor) StreamPage(ctx context.Context, image []byte, chunks chan<- string) error {
	page := pageOf(image)

	f.mu.Lock()
	f.calls[page]++
	attempt := f.calls[page]
	err := f.errs[page]
	limit := f.failCount[page]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err != nil && (limit == 0 || attempt <= limit) {
		return err
	}

	for _, text := range []string{fmt.Sprintf("page %d ", page), "content"} {
		select {
		case chunks <- text:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// fakeDetector returns one figure region per page covering the whole
// extracted text.
type fakeDetector struct {
	mu    sync.Mutex
	errs  map[int]error
	empty bool
	calls map[int]int
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{errs: make(map[int]error), calls: make(map[int]int)}
}

func (f *fakeDetector) DetectPage(ctx context.Context, image []byte) ([]collab.Region, error) {
	page := pageOf(image)

	f.mu.Lock()
	f.calls[page]++
	err := f.errs[page]
	empty := f.empty
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}

	start, end := 0, 100
	return []collab.Region{{
		X: 0.1, Y: 0.1, W: 0.5, H: 0.3,
		Label:      "figure",
		Confidence: 0.9,
		SpanStart:  &start,
		SpanEnd:    &end,
	}}, nil
}

// fakeGenerator returns one insight per kind citing page 0.
type fakeGenerator struct {
	mu    sync.Mutex
	errs  map[string]error
	calls int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{errs: make(map[string]error)}
}

func (f *fakeGenerator) Generate(ctx context.Context, kind, document, layoutSummary string) (*collab.InsightDraft, error) {
	f.mu.Lock()
	f.calls++
	err := f.errs[kind]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &collab.InsightDraft{
		Body:      "generated " + kind,
		Citations: []collab.Span{{Page: 0, OffsetStart: 0, OffsetEnd: 10}},
	}, nil
}

type pipelineFixture struct {
	coordinator *Coordinator
	repos       *storage.Repositories
	renderer    *fakeRenderer
	extractor   *fakeExtractor
	detector    *fakeDetector
	generator   *fakeGenerator
}

func newFixture(t *testing.T, pages int) *pipelineFixture {
	t.Helper()

	db, err := storage.Open(context.Background(), storage.OpenOptions{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := storage.NewRepositories(db)
	logger := observability.Nop()

	f := &pipelineFixture{
		repos:     repos,
		renderer:  newFakeRenderer(pages),
		extractor: newFakeExtractor(),
		detector:  newFakeDetector(),
		generator: newFakeGenerator(),
	}

	f.coordinator = NewCoordinator(
		logger,
		Config{
			TextRetryAttempts:  2,
			TextRetryBaseDelay: time.Millisecond,
			LayoutCallTimeout:  time.Second,
			InsightCallTimeout: time.Second,
		},
		repos,
		monitoring.NewAuditWriter(logger, repos.Audit),
		f.extractor,
		f.detector,
		f.generator,
		func(source []byte) (PageRenderer, error) { return f.renderer, nil },
		grounding.NewMapper(0.1),
	)
	return f
}

func drain(t *testing.T, sub *events.Subscription) []events.Event {
	t.Helper()

	var out []events.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("run did not finish, got %d events", len(out))
		}
	}
}

func eventsOfType(evts []events.Event, typ events.Type) []events.Event {
	var out []events.Event
	for _, e := range evts {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestDocumentID_ContentAddressed(t *testing.T) {
	a := DocumentID([]byte("same"))
	b := DocumentID([]byte("same"))
	c := DocumentID([]byte("different"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestCoordinator_FullRunCompletes(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub.Cancel()

	evts := drain(t, sub)
	require.NotEmpty(t, evts)

	// Sequence numbers are gapless from zero.
	for i, evt := range evts {
		assert.Equal(t, i, evt.Seq)
	}

	// Six text chunks, one layout_ready per page, four insights.
	assert.Len(t, eventsOfType(evts, events.TypeTextChunk), 6)
	assert.Len(t, eventsOfType(evts, events.TypeLayoutReady), 3)
	assert.Len(t, eventsOfType(evts, events.TypeInsightReady), 4)
	assert.Empty(t, eventsOfType(evts, events.TypeStageFailed))

	completes := eventsOfType(evts, events.TypeComplete)
	require.Len(t, completes, 1)
	payload := completes[0].Payload.(events.CompletePayload)
	assert.Equal(t, 3, payload.Pages)
	assert.Equal(t, 0, payload.FailedPages)
	assert.Equal(t, 3, payload.Elements)
	assert.Equal(t, 4, payload.Insights)

	// Grounding reports resolved citations for page-0 spans.
	grounded := eventsOfType(evts, events.TypeGroundingUpdated)
	require.Len(t, grounded, 4)
	for _, evt := range grounded {
		gp := evt.Payload.(events.GroundingUpdatedPayload)
		assert.Equal(t, 1, gp.Total)
		assert.Equal(t, 1, gp.Resolved)
	}

	doc, err := f.repos.Documents.GetLatest(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusComplete, doc.Status)
	assert.Equal(t, 3, doc.PageCount)

	citations, err := f.repos.Insights.ListCitations(ctx, docID)
	require.NoError(t, err)
	require.Len(t, citations, 4)
	for _, cit := range citations {
		assert.NotNil(t, cit.TargetElementID)
	}
}

func TestCoordinator_StatusNeverRegresses(t *testing.T) {
	f := newFixture(t, 2)

	_, sub, err := f.coordinator.Submit(context.Background(), []byte("doc"))
	require.NoError(t, err)
	defer sub.Cancel()

	rank := map[storage.DocumentStatus]int{
		storage.StatusPending:        0,
		storage.StatusTextStreaming:  1,
		storage.StatusTextDone:       2,
		storage.StatusLayoutRunning:  3,
		storage.StatusLayoutDone:     4,
		storage.StatusInsightRunning: 5,
		storage.StatusComplete:       6,
	}

	last := -1
	for _, evt := range drain(t, sub) {
		r, ok := rank[evt.Status]
		require.True(t, ok, "unexpected status %s", evt.Status)
		assert.GreaterOrEqual(t, r, last, "status regressed at seq %d", evt.Seq)
		if r > last {
			last = r
		}
	}
}

func TestCoordinator_SubmitDeduplicatesConcurrentUploads(t *testing.T) {
	f := newFixture(t, 1)
	f.extractor.gate = make(chan struct{})
	ctx := context.Background()

	docID1, sub1, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub1.Cancel()

	docID2, sub2, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub2.Cancel()

	assert.Equal(t, docID1, docID2)

	close(f.extractor.gate)

	evts1 := drain(t, sub1)
	evts2 := drain(t, sub2)

	require.Equal(t, len(evts1), len(evts2))
	for i := range evts1 {
		assert.Equal(t, evts1[i].Seq, evts2[i].Seq)
		assert.Equal(t, evts1[i].Type, evts2[i].Type)
	}

	f.extractor.mu.Lock()
	calls := f.extractor.calls[0]
	f.extractor.mu.Unlock()
	assert.Equal(t, 1, calls, "identical uploads must share one run")

	doc, err := f.repos.Documents.GetLatest(ctx, docID1)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
}

func TestCoordinator_TransientPageErrorRetriesOnce(t *testing.T) {
	f := newFixture(t, 1)
	f.extractor.errs[0] = &collab.TransientError{Op: "extract", Err: errors.New("reset")}
	f.extractor.failCount[0] = 1
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub.Cancel()

	evts := drain(t, sub)

	retries := eventsOfType(evts, events.TypeStageFailed)
	require.Len(t, retries, 1)
	rp := retries[0].Payload.(events.StageFailedPayload)
	assert.Equal(t, "retrying", rp.Reason)
	assert.False(t, rp.Fatal)

	require.Len(t, eventsOfType(evts, events.TypeComplete), 1)

	// The retry restreams from scratch; storage holds exactly one copy.
	chunks, err := f.repos.Pages.ListChunks(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestCoordinator_ExhaustedRetriesDegradePage(t *testing.T) {
	f := newFixture(t, 3)
	f.extractor.errs[1] = &collab.MalformedResponseError{Op: "extract", Detail: "garbage"}
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub.Cancel()

	evts := drain(t, sub)

	completes := eventsOfType(evts, events.TypeComplete)
	require.Len(t, completes, 1, "document must complete despite the failed page")
	payload := completes[0].Payload.(events.CompletePayload)
	assert.Equal(t, 1, payload.FailedPages)

	var pageFailures int
	for _, evt := range eventsOfType(evts, events.TypeStageFailed) {
		sp := evt.Payload.(events.StageFailedPayload)
		assert.False(t, sp.Fatal)
		if sp.Page != nil && *sp.Page == 1 && sp.Reason == "extraction_failed" {
			pageFailures++
		}
	}
	assert.Equal(t, 1, pageFailures)

	pages, err := f.repos.Pages.ListPages(ctx, docID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.True(t, pages[1].TextFailed)
	assert.True(t, pages[0].TextComplete)
	assert.True(t, pages[2].TextComplete)
}

func TestCoordinator_UnavailableServiceFailsDocument(t *testing.T) {
	f := newFixture(t, 2)
	f.extractor.errs[0] = &collab.ServiceUnavailableError{Service: "extract", Err: errors.New("refused")}
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub.Cancel()

	evts := drain(t, sub)

	assert.Empty(t, eventsOfType(evts, events.TypeComplete))

	failures := eventsOfType(evts, events.TypeStageFailed)
	require.NotEmpty(t, failures)
	last := failures[len(failures)-1].Payload.(events.StageFailedPayload)
	assert.True(t, last.Fatal)
	assert.Equal(t, storage.StageText, last.Stage)
	assert.Equal(t, "service_unavailable", last.Reason)

	doc, err := f.repos.Documents.GetLatest(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, doc.Status)
	require.NotNil(t, doc.FailedStage)
	assert.Equal(t, storage.StageText, *doc.FailedStage)
}

func TestCoordinator_LayoutFailureDegradesPage(t *testing.T) {
	f := newFixture(t, 3)
	f.detector.errs[1] = &collab.TransientError{Op: "detect", Err: errors.New("timeout")}
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub.Cancel()

	evts := drain(t, sub)

	completes := eventsOfType(evts, events.TypeComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, 2, completes[0].Payload.(events.CompletePayload).Elements)

	layoutFailed := 0
	for _, evt := range eventsOfType(evts, events.TypeStageFailed) {
		sp := evt.Payload.(events.StageFailedPayload)
		if sp.Stage == storage.StageLayout {
			require.NotNil(t, sp.Page)
			assert.Equal(t, 1, *sp.Page)
			assert.False(t, sp.Fatal)
			layoutFailed++
		}
	}
	assert.Equal(t, 1, layoutFailed)

	elements, err := f.repos.Layout.ListByDocument(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, elements, 2)
}

func TestCoordinator_ZeroLayoutElementsIsValid(t *testing.T) {
	f := newFixture(t, 1)
	f.detector.empty = true
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub.Cancel()

	evts := drain(t, sub)

	layoutReady := eventsOfType(evts, events.TypeLayoutReady)
	require.Len(t, layoutReady, 1)
	assert.Empty(t, layoutReady[0].Payload.(events.LayoutReadyPayload).Elements)

	completes := eventsOfType(evts, events.TypeComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, 0, completes[0].Payload.(events.CompletePayload).Elements)
	assert.Equal(t, 4, completes[0].Payload.(events.CompletePayload).Insights)

	// With no layout, citations stay unresolved.
	citations, err := f.repos.Insights.ListCitations(ctx, docID)
	require.NoError(t, err)
	require.NotEmpty(t, citations)
	for _, cit := range citations {
		assert.Nil(t, cit.TargetElementID)
	}
}

func TestCoordinator_InsightKindSkippedOnFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.generator.errs[string(storage.KindCritique)] = &collab.TransientError{Op: "generate", Err: errors.New("500")}
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub.Cancel()

	evts := drain(t, sub)

	assert.Len(t, eventsOfType(evts, events.TypeInsightReady), 3)

	skipped := 0
	for _, evt := range eventsOfType(evts, events.TypeStageFailed) {
		sp := evt.Payload.(events.StageFailedPayload)
		if sp.Stage == storage.StageInsight {
			assert.Equal(t, storage.KindCritique, sp.Kind)
			assert.False(t, sp.Fatal)
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)

	completes := eventsOfType(evts, events.TypeComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, 3, completes[0].Payload.(events.CompletePayload).Insights)

	insights, err := f.repos.Insights.ListByDocument(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, insights, 3)
}

func TestCoordinator_CancelStopsPipeline(t *testing.T) {
	f := newFixture(t, 2)
	f.extractor.gate = make(chan struct{})
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, f.coordinator.Cancel(docID))
	close(f.extractor.gate)

	evts := drain(t, sub)
	assert.Empty(t, eventsOfType(evts, events.TypeComplete), "cancelled run must not complete")

	doc, err := f.repos.Documents.GetLatest(ctx, docID)
	require.NoError(t, err)
	assert.NotEqual(t, storage.StatusComplete, doc.Status)
	assert.NotEqual(t, storage.StatusFailed, doc.Status, "cancellation is not a failure")

	assert.Error(t, f.coordinator.Cancel("unknown"))
}

func TestCoordinator_ReprocessCreatesNewVersion(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	drain(t, sub)

	sub2, err := f.coordinator.Reprocess(ctx, docID)
	require.NoError(t, err)
	defer sub2.Cancel()

	evts := drain(t, sub2)
	require.Len(t, eventsOfType(evts, events.TypeComplete), 1)

	doc, err := f.repos.Documents.GetLatest(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, storage.StatusComplete, doc.Status)
}

func TestCoordinator_ReprocessRejectedWhileRunning(t *testing.T) {
	f := newFixture(t, 1)
	f.extractor.gate = make(chan struct{})
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = f.coordinator.Reprocess(ctx, docID)
	assert.ErrorIs(t, err, ErrRunInFlight)

	close(f.extractor.gate)
	drain(t, sub)

	_, err = f.coordinator.Reprocess(ctx, "unknown-doc")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestCoordinator_FinishedRunsLeaveMemory(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, sub, err := f.coordinator.Submit(ctx, []byte(fmt.Sprintf("doc-%d", i)))
		require.NoError(t, err)
		drain(t, sub)
	}

	require.Eventually(t, func() bool {
		f.coordinator.mu.Lock()
		defer f.coordinator.mu.Unlock()
		return len(f.coordinator.runs) == 0
	}, 5*time.Second, 10*time.Millisecond, "finished runs must not be retained")
}

func TestCoordinator_SubscribeReplaysFinishedRunFromStorage(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	docID, sub, err := f.coordinator.Submit(ctx, []byte("doc"))
	require.NoError(t, err)
	live := drain(t, sub)

	require.Eventually(t, func() bool {
		f.coordinator.mu.Lock()
		defer f.coordinator.mu.Unlock()
		_, ok := f.coordinator.runs[docID]
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	late, err := f.coordinator.Subscribe(ctx, docID)
	require.NoError(t, err)
	defer late.Cancel()
	replayed := drain(t, late)

	// The rebuilt stream carries every persisted event of the run.
	// Transient markers (retries, per-insight grounding counts) are not
	// persisted, so the comparison is per surviving type.
	for _, typ := range []events.Type{events.TypeTextChunk, events.TypeLayoutReady, events.TypeInsightReady, events.TypeComplete} {
		assert.Equal(t, len(eventsOfType(live, typ)), len(eventsOfType(replayed, typ)), "event type %s", typ)
	}

	liveChunks := eventsOfType(live, events.TypeTextChunk)
	replayChunks := eventsOfType(replayed, events.TypeTextChunk)
	require.Equal(t, len(liveChunks), len(replayChunks))
	for i := range liveChunks {
		assert.Equal(t, liveChunks[i].Payload.(events.TextChunkPayload).Text, replayChunks[i].Payload.(events.TextChunkPayload).Text)
	}

	for i, evt := range replayed {
		assert.Equal(t, replayed[0].Seq+i, evt.Seq, "rebuilt stream must be gapless")
	}

	finale := eventsOfType(replayed, events.TypeComplete)
	require.Len(t, finale, 1)
	assert.Equal(t, storage.StatusComplete, finale[0].Status)

	_, err = f.coordinator.Subscribe(ctx, "unknown-doc")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestCoordinator_UnreadableSourceFails(t *testing.T) {
	db, err := storage.Open(context.Background(), storage.OpenOptions{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repos := storage.NewRepositories(db)
	logger := observability.Nop()

	c := NewCoordinator(
		logger,
		Config{TextRetryAttempts: 1, TextRetryBaseDelay: time.Millisecond},
		repos,
		monitoring.NewAuditWriter(logger, repos.Audit),
		newFakeExtractor(),
		newFakeDetector(),
		newFakeGenerator(),
		func(source []byte) (PageRenderer, error) { return nil, errors.New("not a pdf") },
		grounding.NewMapper(0.1),
	)

	docID, sub, err := c.Submit(context.Background(), []byte("garbage"))
	require.NoError(t, err)
	defer sub.Cancel()

	evts := drain(t, sub)
	failures := eventsOfType(evts, events.TypeStageFailed)
	require.Len(t, failures, 1)
	sp := failures[0].Payload.(events.StageFailedPayload)
	assert.True(t, sp.Fatal)
	assert.Equal(t, "unreadable_source", sp.Reason)

	doc, err := repos.Documents.GetLatest(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, doc.Status)
}
