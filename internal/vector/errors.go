package vector

import "errors"

var (
	// ErrLengthMismatch is returned by Add when texts and metadata differ in count.
	ErrLengthMismatch = errors.New("texts and metadata length mismatch")
	// ErrDimensionMismatch is returned when an embedding's width differs from the index dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrProvider wraps failures of the embedding provider, including a wrong number of vectors.
	ErrProvider = errors.New("embedding provider error")
	// ErrCorruptIndexState is returned by Open when the persisted artifacts are missing,
	// unreadable or inconsistent with each other.
	ErrCorruptIndexState = errors.New("corrupt index state")
	// ErrEmbedderMismatch is returned by Open when the saved records were embedded by a
	// different provider or model than the configured one.
	ErrEmbedderMismatch = errors.New("index was built with a different embedder")
	// ErrPersistence is returned by Add and Save when the index could not be written.
	ErrPersistence = errors.New("index persistence failed")
	// ErrZeroVector is returned when an embedding has zero (or non-finite) norm and cannot be normalized.
	ErrZeroVector = errors.New("embedding has zero norm")
	// ErrInvalidTopK is returned by Query when top_k is less than 1.
	ErrInvalidTopK = errors.New("top_k must be at least 1")
)
