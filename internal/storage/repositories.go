package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Repositories bundles all repositories over one connection.
type Repositories struct {
	Documents *DocumentRepository
	Sources   *SourceRepository
	Pages     *PageRepository
	Layout    *LayoutRepository
	Insights  *InsightRepository
	Audit     *AuditRepository
}

// NewRepositories creates all repositories over the given connection.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Documents: &DocumentRepository{db: db},
		Sources:   &SourceRepository{db: db},
		Pages:     &PageRepository{db: db},
		Layout:    &LayoutRepository{db: db},
		Insights:  &InsightRepository{db: db},
		Audit:     &AuditRepository{db: db},
	}
}

// SourceRepository stores uploaded source bytes so reprocessing does not
// require a re-upload.
type SourceRepository struct {
	db DB
}

// Put stores the source bytes for a document identity. Idempotent: the
// identity is the content hash, so an existing row is already identical.
func (r *SourceRepository) Put(ctx context.Context, docID string, data []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sources (id, data, created_at) VALUES ($1, $2, $3)`,
		docID, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put source: %w", err)
	}
	return nil
}

// Get returns the stored source bytes.
func (r *SourceRepository) Get(ctx context.Context, docID string) ([]byte, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM sources WHERE id = $1`, docID)
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return data, nil
}

// DocumentRepository handles document records.
type DocumentRepository struct {
	db DB
}

// Create inserts a document at the next version for its identity.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = StatusPending
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM documents WHERE id = $1`, doc.ID)
	var maxVersion int
	if err := row.Scan(&maxVersion); err != nil {
		return fmt.Errorf("next version: %w", err)
	}
	doc.Version = maxVersion + 1

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (id, version, status, page_count, failed_stage, failure_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID, doc.Version, doc.Status, doc.PageCount,
		doc.FailedStage, doc.FailureReason, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetLatest returns the newest version of a document.
func (r *DocumentRepository) GetLatest(ctx context.Context, id string) (*Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, version, status, page_count, failed_stage, failure_reason, created_at, updated_at
		 FROM documents WHERE id = $1 ORDER BY version DESC LIMIT 1`, id)

	doc := &Document{}
	err := row.Scan(&doc.ID, &doc.Version, &doc.Status, &doc.PageCount,
		&doc.FailedStage, &doc.FailureReason, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// UpdateStatus advances a document along the forward path. Transitions
// that would regress or leave a terminal state are rejected.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id string, version int, from, to DocumentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, updated_at = $2
		 WHERE id = $3 AND version = $4 AND status = $5`,
		to, time.Now().UTC(), id, version, from,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s not in status %s", ErrInvalidTransition, id, from)
	}
	return nil
}

// MarkFailed moves a document into the absorbing failed state, recording
// which stage failed and why. Already-terminal documents are untouched.
func (r *DocumentRepository) MarkFailed(ctx context.Context, id string, version int, stage Stage, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET status = $1, failed_stage = $2, failure_reason = $3, updated_at = $4
		 WHERE id = $5 AND version = $6 AND status NOT IN ($7, $8)`,
		StatusFailed, stage, reason, time.Now().UTC(), id, version, StatusComplete, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// SetPageCount records the page count once rendering has established it.
func (r *DocumentRepository) SetPageCount(ctx context.Context, id string, version, pages int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET page_count = $1, updated_at = $2 WHERE id = $3 AND version = $4`,
		pages, time.Now().UTC(), id, version,
	)
	if err != nil {
		return fmt.Errorf("set page count: %w", err)
	}
	return nil
}

// PageRepository handles per-page state and text chunks.
type PageRepository struct {
	db DB
}

// CreatePages inserts the page rows for a document.
func (r *PageRepository) CreatePages(ctx context.Context, docID string, count int) error {
	for page := 0; page < count; page++ {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO pages (document_id, page) VALUES ($1, $2)`,
			docID, page,
		)
		if err != nil {
			return fmt.Errorf("insert page %d: %w", page, err)
		}
	}
	return nil
}

// AppendChunk appends one text chunk to a page. Chunks are append-only;
// completed pages never accept further chunks.
func (r *PageRepository) AppendChunk(ctx context.Context, chunk *PageText) error {
	row := r.db.QueryRowContext(ctx,
		`SELECT text_complete FROM pages WHERE document_id = $1 AND page = $2`,
		chunk.DocumentID, chunk.Page)
	var complete bool
	if err := row.Scan(&complete); err != nil {
		return fmt.Errorf("page lookup: %w", err)
	}
	if complete {
		return fmt.Errorf("page %d already complete", chunk.Page)
	}

	chunk.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO page_text (document_id, page, seq, offset_start, offset_end, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		chunk.DocumentID, chunk.Page, chunk.Seq,
		chunk.OffsetStart, chunk.OffsetEnd, chunk.Text, chunk.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	return nil
}

// MarkTextComplete freezes a page's text. Offsets are never reused after
// this point, so citations issued against them stay valid.
func (r *PageRepository) MarkTextComplete(ctx context.Context, docID string, page int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pages SET text_complete = 1 WHERE document_id = $1 AND page = $2`,
		docID, page,
	)
	if err != nil {
		return fmt.Errorf("mark text complete: %w", err)
	}
	return nil
}

// ResetPage discards an incomplete page's chunks before a retry restreams
// it. Completed pages are immutable and are never reset.
func (r *PageRepository) ResetPage(ctx context.Context, docID string, page int) error {
	row := r.db.QueryRowContext(ctx,
		`SELECT text_complete FROM pages WHERE document_id = $1 AND page = $2`,
		docID, page)
	var complete bool
	if err := row.Scan(&complete); err != nil {
		return fmt.Errorf("page lookup: %w", err)
	}
	if complete {
		return fmt.Errorf("page %d already complete", page)
	}

	_, err := r.db.ExecContext(ctx,
		`DELETE FROM page_text WHERE document_id = $1 AND page = $2`,
		docID, page,
	)
	if err != nil {
		return fmt.Errorf("reset page: %w", err)
	}
	return nil
}

// DeleteByDocument removes a document's pages and text ahead of a
// reprocessing run. Derived tables always hold the latest version.
func (r *PageRepository) DeleteByDocument(ctx context.Context, docID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM page_text WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("delete page text: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM pages WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("delete pages: %w", err)
	}
	return nil
}

// MarkTextFailed records that a page's extraction was abandoned after
// retries.
func (r *PageRepository) MarkTextFailed(ctx context.Context, docID string, page int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pages SET text_failed = 1 WHERE document_id = $1 AND page = $2`,
		docID, page,
	)
	if err != nil {
		return fmt.Errorf("mark text failed: %w", err)
	}
	return nil
}

// ListChunks returns every chunk of a document in (page, seq) order.
func (r *PageRepository) ListChunks(ctx context.Context, docID string) ([]*PageText, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT document_id, page, seq, offset_start, offset_end, text, created_at
		 FROM page_text WHERE document_id = $1 ORDER BY page, seq`, docID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*PageText
	for rows.Next() {
		c := &PageText{}
		if err := rows.Scan(&c.DocumentID, &c.Page, &c.Seq,
			&c.OffsetStart, &c.OffsetEnd, &c.Text, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListPages returns the per-page extraction state of a document.
func (r *PageRepository) ListPages(ctx context.Context, docID string) ([]*Page, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT document_id, page, text_complete, text_failed
		 FROM pages WHERE document_id = $1 ORDER BY page`, docID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p := &Page{}
		if err := rows.Scan(&p.DocumentID, &p.Page, &p.TextComplete, &p.TextFailed); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// LayoutRepository handles layout elements.
type LayoutRepository struct {
	db DB
}

// InsertBatch persists one page's detected elements. Elements are
// immutable once inserted.
func (r *LayoutRepository) InsertBatch(ctx context.Context, elements []*LayoutElement) error {
	for _, el := range elements {
		if el.ID == uuid.Nil {
			el.ID = uuid.New()
		}
		el.CreatedAt = time.Now().UTC()

		_, err := r.db.ExecContext(ctx,
			`INSERT INTO layout_elements (id, document_id, page, x, y, w, h, label, confidence, span_start, span_end, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			el.ID.String(), el.DocumentID, el.Page,
			el.X, el.Y, el.W, el.H, el.Label, el.Confidence,
			el.SpanStart, el.SpanEnd, el.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert layout element: %w", err)
		}
	}
	return nil
}

// DeleteByDocument removes a document's elements ahead of a
// reprocessing run.
func (r *LayoutRepository) DeleteByDocument(ctx context.Context, docID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM layout_elements WHERE document_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("delete layout: %w", err)
	}
	return nil
}

// ListByDocument returns a document's elements ordered by page and position.
func (r *LayoutRepository) ListByDocument(ctx context.Context, docID string) ([]*LayoutElement, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, document_id, page, x, y, w, h, label, confidence, span_start, span_end, created_at
		 FROM layout_elements WHERE document_id = $1 ORDER BY page, y, x`, docID)
	if err != nil {
		return nil, fmt.Errorf("list layout: %w", err)
	}
	defer rows.Close()

	var elements []*LayoutElement
	for rows.Next() {
		el := &LayoutElement{}
		var id string
		if err := rows.Scan(&id, &el.DocumentID, &el.Page,
			&el.X, &el.Y, &el.W, &el.H, &el.Label, &el.Confidence,
			&el.SpanStart, &el.SpanEnd, &el.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan layout element: %w", err)
		}
		el.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse element id: %w", err)
		}
		elements = append(elements, el)
	}
	return elements, rows.Err()
}

// InsightRepository handles insights and their citations.
type InsightRepository struct {
	db DB
}

// Create persists an insight with its citations.
func (r *InsightRepository) Create(ctx context.Context, insight *Insight) error {
	if insight.ID == uuid.Nil {
		insight.ID = uuid.New()
	}
	insight.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO insights (id, document_id, kind, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		insight.ID.String(), insight.DocumentID, insight.Kind, insight.Body, insight.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert insight: %w", err)
	}

	for i := range insight.Citations {
		c := &insight.Citations[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.InsightID = insight.ID
		c.DocumentID = insight.DocumentID

		var target *string
		if c.TargetElementID != nil {
			s := c.TargetElementID.String()
			target = &s
		}

		_, err := r.db.ExecContext(ctx,
			`INSERT INTO citations (id, insight_id, document_id, page, offset_start, offset_end, target_element_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID.String(), c.InsightID.String(), c.DocumentID,
			c.Page, c.OffsetStart, c.OffsetEnd, target,
		)
		if err != nil {
			return fmt.Errorf("insert citation: %w", err)
		}
	}

	return nil
}

// DeleteByDocument removes a document's insights and citations ahead of
// a reprocessing run.
func (r *InsightRepository) DeleteByDocument(ctx context.Context, docID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM citations WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("delete citations: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM insights WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("delete insights: %w", err)
	}
	return nil
}

// ListByDocument returns a document's insights with citations attached.
func (r *InsightRepository) ListByDocument(ctx context.Context, docID string) ([]*Insight, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, document_id, kind, body, created_at
		 FROM insights WHERE document_id = $1 ORDER BY created_at`, docID)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var insights []*Insight
	byID := make(map[uuid.UUID]*Insight)
	for rows.Next() {
		ins := &Insight{}
		var id string
		if err := rows.Scan(&id, &ins.DocumentID, &ins.Kind, &ins.Body, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		ins.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse insight id: %w", err)
		}
		insights = append(insights, ins)
		byID[ins.ID] = ins
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	citations, err := r.ListCitations(ctx, docID)
	if err != nil {
		return nil, err
	}
	for _, c := range citations {
		if ins, ok := byID[c.InsightID]; ok {
			ins.Citations = append(ins.Citations, *c)
		}
	}

	return insights, nil
}

// ListCitations returns every citation of a document.
func (r *InsightRepository) ListCitations(ctx context.Context, docID string) ([]*Citation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, insight_id, document_id, page, offset_start, offset_end, target_element_id
		 FROM citations WHERE document_id = $1 ORDER BY insight_id, page, offset_start`, docID)
	if err != nil {
		return nil, fmt.Errorf("list citations: %w", err)
	}
	defer rows.Close()

	var citations []*Citation
	for rows.Next() {
		c := &Citation{}
		var id, insightID string
		var target sql.NullString
		if err := rows.Scan(&id, &insightID, &c.DocumentID,
			&c.Page, &c.OffsetStart, &c.OffsetEnd, &target); err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		c.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse citation id: %w", err)
		}
		c.InsightID, err = uuid.Parse(insightID)
		if err != nil {
			return nil, fmt.Errorf("parse citation insight id: %w", err)
		}
		if target.Valid {
			tid, err := uuid.Parse(target.String)
			if err != nil {
				return nil, fmt.Errorf("parse citation target id: %w", err)
			}
			c.TargetElementID = &tid
		}
		citations = append(citations, c)
	}
	return citations, rows.Err()
}

// SetCitationTarget records the grounding result for one citation. The
// layout row is never touched; grounding only mutates citations.
func (r *InsightRepository) SetCitationTarget(ctx context.Context, citationID uuid.UUID, target *uuid.UUID) error {
	var t *string
	if target != nil {
		s := target.String()
		t = &s
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE citations SET target_element_id = $1 WHERE id = $2`,
		t, citationID.String(),
	)
	if err != nil {
		return fmt.Errorf("set citation target: %w", err)
	}
	return nil
}

// AuditRepository records document lifecycle history.
type AuditRepository struct {
	db DB
}

// Record appends one stage transition event.
func (r *AuditRepository) Record(ctx context.Context, evt *AuditEvent) error {
	evt.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_events (document_id, stage, from_status, to_status, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.DocumentID, evt.Stage, evt.FromStatus, evt.ToStatus, evt.Detail, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// ListByDocument returns a document's transition history in order.
func (r *AuditRepository) ListByDocument(ctx context.Context, docID string) ([]*AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, document_id, stage, from_status, to_status, detail, created_at
		 FROM audit_events WHERE document_id = $1 ORDER BY id`, docID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		evt := &AuditEvent{}
		if err := rows.Scan(&evt.ID, &evt.DocumentID, &evt.Stage,
			&evt.FromStatus, &evt.ToStatus, &evt.Detail, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
