// Package storage keeps the document catalog: which documents were ingested, from where,
// and how many chunks each contributed to the vector index.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/teian/internal/models"
)

// ErrNotFound is returned when a document is not in the catalog.
var ErrNotFound = errors.New("document not found")

// Catalog records ingested documents.
type Catalog interface {
	// RecordDocument inserts doc or, when its ID exists, adds its chunk count to the
	// existing entry and refreshes path, size and mtime.
	RecordDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error)

	// Stats
	CountDocuments(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)

	Close() error
}
