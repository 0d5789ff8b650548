// Package vector provides the embedding index: unit-normalized vectors with their chunk
// metadata, exact cosine search and durable persistence to a vector blob plus a metadata blob.
package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hyperjump/teian/internal/models"
	"go.uber.org/zap"
)

// Provider embeds texts, one vector per text, in input order.
// embedding.Embedder satisfies it.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is an append-only embedding index with brute-force cosine search.
//
// Add takes the write lock for its whole duration, including embedding and persistence;
// Query takes the read lock, so queries run concurrently with each other but never with Add.
// An Index must be the only writer of its artifacts: several processes writing the same
// files are not supported.
type Index struct {
	provider     Provider
	vectorPath   string
	metadataPath string
	embedder     string
	logger       *zap.Logger

	mu         sync.RWMutex
	store      *flatStore
	generation uuid.UUID
}

// Option configures an Index.
type Option func(*Index)

// WithPaths sets the vector blob and metadata blob paths. Without paths the index is memory-only.
func WithPaths(vectorPath, metadataPath string) Option {
	return func(x *Index) {
		x.vectorPath = vectorPath
		x.metadataPath = metadataPath
	}
}

// WithEmbedder names the provider and model producing the vectors, e.g. "openai/text-embedding-3-small".
// The name is saved with the metadata, and Open refuses artifacts written by a different one.
func WithEmbedder(name string) Option {
	return func(x *Index) { x.embedder = name }
}

// WithLogger sets a logger for the index.
func WithLogger(l *zap.Logger) Option {
	return func(x *Index) { x.logger = l }
}

// Open creates an index over provider and loads the persisted artifacts when both exist.
// Exactly one artifact present, or artifacts that disagree, fail with ErrCorruptIndexState.
// Records embedded by a provider other than the one set with WithEmbedder fail with
// ErrEmbedderMismatch.
func Open(provider Provider, opts ...Option) (*Index, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	x := &Index{provider: provider, store: &flatStore{}}
	for _, opt := range opts {
		opt(x)
	}
	if (x.vectorPath == "") != (x.metadataPath == "") {
		return nil, fmt.Errorf("vector and metadata paths must be set together")
	}
	if !x.persistent() {
		return x, nil
	}
	saved, err := loadState(x.vectorPath, x.metadataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptIndexState, err)
	}
	st := saved.store
	switch {
	case x.embedder == "":
		x.embedder = saved.embedder
	case saved.embedder != "" && saved.embedder != x.embedder && st.len() > 0:
		return nil, fmt.Errorf("%w: %s was built with %q, configured provider is %q",
			ErrEmbedderMismatch, x.metadataPath, saved.embedder, x.embedder)
	}
	if saved.rolledBack && x.logger != nil {
		x.logger.Warn("vector blob was ahead of metadata, restored previous generation",
			zap.String("path", x.vectorPath), zap.String("generation", saved.generation.String()))
	}
	x.store, x.generation = st, saved.generation
	if x.logger != nil {
		x.logger.Info("Vector index loaded",
			zap.Int("records", st.len()), zap.Int("dimension", st.dimension))
	}
	return x, nil
}

func (x *Index) persistent() bool {
	return x.vectorPath != ""
}

// Add embeds texts, normalizes the vectors and appends them with metas, then persists.
// The call is all-or-nothing: on any error neither memory nor disk changes.
func (x *Index) Add(ctx context.Context, texts []string, metas []models.Chunk) error {
	if len(texts) != len(metas) {
		return fmt.Errorf("%w: %d texts, %d metadata records", ErrLengthMismatch, len(texts), len(metas))
	}
	if len(texts) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	embs, err := x.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if len(embs) != len(texts) {
		return fmt.Errorf("%w: got %d embeddings for %d texts", ErrProvider, len(embs), len(texts))
	}

	dim := x.store.dimension
	vecs := make([][]float32, len(embs))
	for i, emb := range embs {
		if dim == 0 {
			dim = len(emb)
		}
		if len(emb) != dim {
			return fmt.Errorf("%w: text %d has width %d, index has %d", ErrDimensionMismatch, i, len(emb), dim)
		}
		v, ok := normalized(emb)
		if !ok {
			return fmt.Errorf("%w: text %d", ErrZeroVector, i)
		}
		vecs[i] = v
	}

	n := x.store.len()
	recs := make([]Record, len(metas))
	for i, m := range metas {
		recs[i] = Record{ID: uint64(n + i), Chunk: m}
	}
	candidate := x.store.appended(dim, vecs, recs)

	gen := x.generation
	if x.persistent() {
		gen, err = saveState(x.vectorPath, x.metadataPath, x.embedder, candidate)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	x.store, x.generation = candidate, gen

	if x.logger != nil {
		x.logger.Debug("Added records to vector index",
			zap.Int("added", len(recs)), zap.Int("total", candidate.len()))
	}
	return nil
}

// Query returns the topK records most similar to text, highest score first.
// Equal scores are ordered by insertion. An empty index returns no results without
// calling the provider.
func (x *Index) Query(ctx context.Context, text string, topK int) ([]*models.SearchResult, error) {
	if topK < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.store.len() == 0 {
		return []*models.SearchResult{}, nil
	}
	embs, err := x.provider.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if len(embs) != 1 {
		return nil, fmt.Errorf("%w: got %d embeddings for 1 query", ErrProvider, len(embs))
	}
	if len(embs[0]) != x.store.dimension {
		return nil, fmt.Errorf("%w: query has width %d, index has %d", ErrDimensionMismatch, len(embs[0]), x.store.dimension)
	}
	q, ok := normalized(embs[0])
	if !ok {
		return nil, fmt.Errorf("%w: query", ErrZeroVector)
	}

	hits := x.store.search(q, topK)
	results := make([]*models.SearchResult, len(hits))
	for i, h := range hits {
		rec := x.store.records[h.pos]
		results[i] = &models.SearchResult{
			Chunk: rec.Chunk,
			Score: h.score,
			Text:  rec.Chunk.Text,
			Rank:  i + 1,
		}
	}
	return results, nil
}

// Save persists the current state under a new generation. It is a no-op for a memory-only index.
func (x *Index) Save() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.persistent() {
		return nil
	}
	gen, err := saveState(x.vectorPath, x.metadataPath, x.embedder, x.store)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	x.generation = gen
	return nil
}

// Len returns the number of records.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.store.len()
}

// Dimension returns the index dimension, or 0 before the first insert.
func (x *Index) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.store.dimension
}

// Generation returns the identifier of the last durable save, empty if never saved.
func (x *Index) Generation() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.generation == uuid.Nil {
		return ""
	}
	return x.generation.String()
}

// Embedder returns the name of the provider the records were embedded with, empty if unknown.
func (x *Index) Embedder() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.embedder
}

// Records returns a copy of the stored records in insertion order.
func (x *Index) Records() []Record {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Record, len(x.store.records))
	copy(out, x.store.records)
	return out
}
