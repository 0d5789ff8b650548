// Package models defines core data structures for chunks, documents, queries, and search results.
package models

import "time"

// Chunk is a contiguous piece of a source document together with its position.
// Once handed to the vector index it is stored as the record metadata and never changes.
type Chunk struct {
	Source        string `json:"source"`
	SequenceIndex int    `json:"chunk_id"`
	Text          string `json:"text"`
}

// Document is the catalog entry for an ingested document.
// The chunk text itself lives in the vector index; the catalog tracks what was ingested
// and from where, so unchanged files can be skipped.
type Document struct {
	ID         string    `json:"id" db:"id"`
	Source     string    `json:"source" db:"source"`
	Path       string    `json:"path,omitempty" db:"path"`
	ChunkCount int       `json:"chunk_count" db:"chunk_count"`
	Size       int64     `json:"size,omitempty" db:"size"`
	ModTime    int64     `json:"mod_time,omitempty" db:"mod_time"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// DocumentInput is the input for ingesting raw text.
type DocumentInput struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}
