package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/teian/internal/models"
)

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteCatalog(dbPath string) (*SQLiteCatalog, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteCatalog{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		path TEXT,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		mod_time INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at);
	CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(path);
	`
	_, err := db.Exec(schema)
	return err
}

// RecordDocument upserts a catalog entry.
func (s *SQLiteCatalog) RecordDocument(ctx context.Context, doc *models.Document) error {
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, source, path, chunk_count, size, mod_time, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			path = excluded.path,
			chunk_count = documents.chunk_count + excluded.chunk_count,
			size = excluded.size,
			mod_time = excluded.mod_time,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Source, doc.Path, doc.ChunkCount, doc.Size, doc.ModTime, doc.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument returns a catalog entry by ID.
func (s *SQLiteCatalog) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	var path sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, path, chunk_count, size, mod_time, created_at
		 FROM documents WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.Source, &path, &doc.ChunkCount, &doc.Size, &doc.ModTime, &doc.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	doc.Path = path.String
	return &doc, nil
}

// ListDocuments returns catalog entries, newest first.
func (s *SQLiteCatalog) ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, path, chunk_count, size, mod_time, created_at
		 FROM documents ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var doc models.Document
		var path sql.NullString
		if err := rows.Scan(&doc.ID, &doc.Source, &path, &doc.ChunkCount, &doc.Size, &doc.ModTime, &doc.CreatedAt); err != nil {
			return nil, err
		}
		doc.Path = path.String
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// CountDocuments returns the total number of documents.
func (s *SQLiteCatalog) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// CountChunks returns the number of chunks recorded across all documents.
func (s *SQLiteCatalog) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(chunk_count), 0) FROM documents`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteCatalog) Close() error {
	return s.db.Close()
}
