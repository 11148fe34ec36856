// Package store provides SQLite persistence for sources, documents, and
// chunks.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides database operations over the metadata schema.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path.
func New(dbPath string) (*Store, error) {
	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// migrate runs all pending database migrations.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion < 1 {
		if err := s.runMigration001(); err != nil {
			return fmt.Errorf("run migration 001: %w", err)
		}
	}

	return nil
}

// runMigration001 creates the initial schema.
func (s *Store) runMigration001() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Connector kinds, one row per implementation discovered at start
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS source_types (
			name TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			config_fields TEXT NOT NULL,
			has_prerequisites INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}

	// Configured connector instances
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type_name TEXT NOT NULL REFERENCES source_types(name),
			config TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_indexed_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Normalised records; parent_id links comments and messages to their
	// enclosing document
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
			external_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			file_kind TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			author_image_url TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP,
			status TEXT NOT NULL DEFAULT '',
			is_active INTEGER,
			parent_id INTEGER REFERENCES documents(id) ON DELETE CASCADE,
			UNIQUE(source_id, external_id)
		)
	`)
	if err != nil {
		return err
	}

	// Searchable fragments of document content
	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			content TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_id);
		CREATE INDEX IF NOT EXISTS idx_documents_parent ON documents(parent_id);
		CREATE INDEX IF NOT EXISTS idx_documents_external ON documents(source_id, external_id);
		CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec("INSERT INTO migrations (version) VALUES (1)")
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CountDocuments returns the number of stored documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// CountChunks returns the number of stored chunks.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// ClearDocuments removes every document and chunk and resets each source's
// last_indexed_at to the never-indexed sentinel so the next scheduler pass
// re-crawls from scratch.
func (s *Store) ClearDocuments(ctx context.Context, sentinel time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sources SET last_indexed_at = ?`, sentinel.UTC()); err != nil {
		return fmt.Errorf("reset sources: %w", err)
	}

	return tx.Commit()
}
