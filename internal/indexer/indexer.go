package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperjump/teian/internal/config"
	"github.com/hyperjump/teian/internal/extract"
	"github.com/hyperjump/teian/internal/fileid"
	"github.com/hyperjump/teian/internal/models"
	"github.com/hyperjump/teian/internal/storage"
	"github.com/hyperjump/teian/internal/vector"
	"go.uber.org/zap"
)

// ErrDocumentChanged is returned by IngestFile for a file that was already indexed and
// has since changed. The index is append-only, so the old chunks cannot be replaced.
var ErrDocumentChanged = errors.New("document changed since it was indexed")

// ProgressFunc is called after each file of a directory ingest.
type ProgressFunc func(path string, done, total int)

// Indexer chunks documents, adds them to the vector index and records them in the catalog.
type Indexer struct {
	index     *vector.Index
	catalog   storage.Catalog
	extractor *extract.Extractor
	chunker   *Chunker
	normalize bool
	search    config.SearchConfig
	logger    *zap.Logger // optional; when set, logs debug events
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (file ingested, file skipped, etc.).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// NewIndexer creates an indexer over index.
// catalog may be nil, which disables incremental skipping. extractor may be nil; then
// IngestFile treats all files as plain text.
func NewIndexer(
	index *vector.Index,
	catalog storage.Catalog,
	extractor *extract.Extractor,
	chunking *config.ChunkingConfig,
	search *config.SearchConfig,
	opts ...IndexerOption,
) (*Indexer, error) {
	size, overlap := config.DefaultChunkSize, config.DefaultOverlap
	normalize := false
	if chunking != nil {
		if chunking.ChunkSize > 0 {
			size = chunking.ChunkSize
		}
		overlap = chunking.OverlapOrDefault()
		normalize = chunking.NormalizeWhitespace
	}
	chunker, err := NewChunker(size, overlap)
	if err != nil {
		return nil, err
	}
	idx := &Indexer{
		index:     index,
		catalog:   catalog,
		extractor: extractor,
		chunker:   chunker,
		normalize: normalize,
	}
	if search != nil {
		idx.search = *search
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// Ingest chunks text, indexes the non-empty chunks under source and returns how many
// were indexed. Text with no content indexes nothing and is not an error.
func (idx *Indexer) Ingest(ctx context.Context, text, source string) (int, error) {
	if source == "" {
		return 0, fmt.Errorf("%w: source is required", models.ErrInvalidRequest)
	}
	return idx.ingest(ctx, text, &models.Document{ID: fileid.TextDocID(source), Source: source})
}

func (idx *Indexer) ingest(ctx context.Context, text string, doc *models.Document) (int, error) {
	if idx.normalize {
		text = Preprocess(text)
	}
	var chunks []models.Chunk
	for _, ch := range idx.chunker.ChunkDocument(doc.Source, text) {
		if ch.Text != "" {
			chunks = append(chunks, ch)
		}
	}
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Text
		}
		if err := idx.index.Add(ctx, texts, chunks); err != nil {
			return 0, fmt.Errorf("failed to index %s: %w", doc.Source, err)
		}
	}
	doc.ChunkCount = len(chunks)
	if idx.catalog != nil {
		if err := idx.catalog.RecordDocument(ctx, doc); err != nil {
			return len(chunks), fmt.Errorf("indexed %s but failed to record it: %w", doc.Source, err)
		}
	}
	if idx.logger != nil {
		idx.logger.Debug("indexer document ingested",
			zap.String("source", doc.Source), zap.Int("chunks", len(chunks)))
	}
	return len(chunks), nil
}

// IngestFile extracts the text of the file at path and ingests it under source
// (the file's base name when empty). A file already in the catalog with the same path,
// size and mtime is skipped and returns 0; one that changed returns ErrDocumentChanged.
func (idx *Indexer) IngestFile(ctx context.Context, path, source string) (int, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("not a regular file: %s", absPath)
	}
	if source == "" {
		source = filepath.Base(absPath)
	}
	docID := fileid.FileDocID(absPath)
	if idx.catalog != nil {
		prev, err := idx.catalog.GetDocument(ctx, docID)
		switch {
		case err == nil && prev.Size == info.Size() && prev.ModTime == info.ModTime().UnixNano():
			if idx.logger != nil {
				idx.logger.Debug("indexer skipping unchanged file", zap.String("path", absPath))
			}
			return 0, nil
		case err == nil:
			return 0, fmt.Errorf("%w: %s", ErrDocumentChanged, absPath)
		case !errors.Is(err, storage.ErrNotFound):
			return 0, fmt.Errorf("failed to look up %s: %w", absPath, err)
		}
	}
	text, err := idx.extractContent(absPath)
	if err != nil {
		return 0, fmt.Errorf("extract content: %w", err)
	}
	return idx.ingest(ctx, text, &models.Document{
		ID:      docID,
		Source:  source,
		Path:    absPath,
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	})
}

// IngestDirectory walks dir recursively and ingests every regular file the filter built
// from exts and excludes allows. A failing file does not stop the walk; all failures are
// returned joined. progress may be nil.
func (idx *Indexer) IngestDirectory(ctx context.Context, dir string, exts, excludes []string, progress ProgressFunc) (files, chunks int, err error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, 0, fmt.Errorf("not a directory: %s", absDir)
	}

	paths, err := idx.collectFiles(absDir, NewFileFilter(exts, excludes))
	if err != nil {
		return 0, 0, err
	}
	var errs []error
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, ingestErr := idx.IngestFile(ctx, path, "")
		if ingestErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, ingestErr))
			if idx.logger != nil {
				idx.logger.Warn("indexer failed to ingest file", zap.String("path", path), zap.Error(ingestErr))
			}
		} else if n > 0 {
			files++
			chunks += n
		}
		if progress != nil {
			progress(path, i+1, len(paths))
		}
	}
	return files, chunks, errors.Join(errs...)
}

func (idx *Indexer) collectFiles(root string, filter *FileFilter) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel != "." && filter.Excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !filter.Allows(rel) {
			return nil
		}
		// Resolve symlinks so we only ingest regular files
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	return paths, err
}

func (idx *Indexer) extractContent(path string) (string, error) {
	if idx.extractor != nil {
		return idx.extractor.Extract(path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Search validates the request and returns the ranked hits for query.
func (idx *Indexer) Search(ctx context.Context, query string, topK int) (*models.SearchResponse, error) {
	q := models.SearchQuery{Query: query, TopK: topK}
	if q.TopK == 0 && idx.search.DefaultTopK > 0 {
		q.TopK = idx.search.DefaultTopK
	}
	if err := q.Validate(idx.search.MaxTopK); err != nil {
		return nil, err
	}
	start := time.Now()
	results, err := idx.index.Query(ctx, q.Query, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return &models.SearchResponse{
		Results:   results,
		Total:     len(results),
		QueryTime: time.Since(start).Milliseconds(),
		Query:     q.Query,
	}, nil
}

// Index returns the underlying vector index.
func (idx *Indexer) Index() *vector.Index {
	return idx.index
}
