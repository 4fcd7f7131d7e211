package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// OpenOptions configures the SQLite connection.
type OpenOptions struct {
	Path         string
	MaxOpenConns int
	JournalMode  string
}

// Open opens the SQLite database and applies the schema.
func Open(ctx context.Context, opts OpenOptions) (*sql.DB, error) {
	if opts.Path == "" {
		opts.Path = ":memory:"
	}
	if opts.JournalMode == "" {
		opts.JournalMode = "WAL"
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_foreign_keys=on", opts.Path, opts.JournalMode)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id             TEXT NOT NULL,
			version        INTEGER NOT NULL,
			status         TEXT NOT NULL,
			page_count     INTEGER NOT NULL DEFAULT 0,
			failed_stage   TEXT,
			failure_reason TEXT,
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL,
			PRIMARY KEY (id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS sources (
			id         TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pages (
			document_id   TEXT NOT NULL,
			page          INTEGER NOT NULL,
			text_complete INTEGER NOT NULL DEFAULT 0,
			text_failed   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (document_id, page)
		)`,
		`CREATE TABLE IF NOT EXISTS page_text (
			document_id  TEXT NOT NULL,
			page         INTEGER NOT NULL,
			seq          INTEGER NOT NULL,
			offset_start INTEGER NOT NULL,
			offset_end   INTEGER NOT NULL,
			text         TEXT NOT NULL,
			created_at   TIMESTAMP NOT NULL,
			PRIMARY KEY (document_id, page, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS layout_elements (
			id          TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			page        INTEGER NOT NULL,
			x           REAL NOT NULL,
			y           REAL NOT NULL,
			w           REAL NOT NULL,
			h           REAL NOT NULL,
			label       TEXT NOT NULL,
			confidence  REAL NOT NULL,
			span_start  INTEGER,
			span_end    INTEGER,
			created_at  TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_layout_document_page
			ON layout_elements (document_id, page)`,
		`CREATE TABLE IF NOT EXISTS insights (
			id          TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			kind        TEXT NOT NULL,
			body        TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS citations (
			id                TEXT PRIMARY KEY,
			insight_id        TEXT NOT NULL,
			document_id       TEXT NOT NULL,
			page              INTEGER NOT NULL,
			offset_start      INTEGER NOT NULL,
			offset_end        INTEGER NOT NULL,
			target_element_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_citations_document
			ON citations (document_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id TEXT NOT NULL,
			stage       TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}
