// Package indexer splits documents into chunks and feeds them to the vector index.
package indexer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hyperjump/teian/internal/models"
)

// ErrInvalidConfiguration is returned for chunk settings that cannot make progress.
var ErrInvalidConfiguration = errors.New("invalid chunking configuration")

// Chunker splits text into overlapping windows of at most chunkSize characters.
// Windows advance by chunkSize-overlap characters, counted in runes, and stop at the
// first window that reaches the end of the text, so a text of L > overlap characters
// gives ceil((L-overlap)/(chunkSize-overlap)) windows.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// Span is a raw chunk window [Start, End) in rune offsets, before trimming.
type Span struct {
	Start int
	End   int
}

// NewChunker creates a chunker with the given size and overlap (in characters).
func NewChunker(chunkSize, chunkOverlap int) (*Chunker, error) {
	if chunkSize <= 0 || chunkOverlap < 0 || chunkSize-chunkOverlap <= 0 {
		return nil, fmt.Errorf("%w: chunk_size=%d overlap=%d", ErrInvalidConfiguration, chunkSize, chunkOverlap)
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}, nil
}

// Spans returns the raw windows for a text of n runes. A zero-length text has one empty window.
func (c *Chunker) Spans(n int) []Span {
	if n <= 0 {
		return []Span{{}}
	}
	step := c.chunkSize - c.chunkOverlap
	spans := make([]Span, 0, (n+step-1)/step)
	for start := 0; ; start += step {
		end := start + c.chunkSize
		if end > n {
			end = n
		}
		spans = append(spans, Span{Start: start, End: end})
		if end == n {
			return spans
		}
	}
}

// Chunk splits text into trimmed windows. Empty text yields a single empty chunk.
func (c *Chunker) Chunk(text string) []string {
	runes := []rune(text)
	spans := c.Spans(len(runes))
	chunks := make([]string, len(spans))
	for i, s := range spans {
		chunks[i] = strings.TrimSpace(string(runes[s.Start:s.End]))
	}
	return chunks
}

// ChunkDocument chunks text and tags every piece with source and its position.
func (c *Chunker) ChunkDocument(source, text string) []models.Chunk {
	pieces := c.Chunk(text)
	chunks := make([]models.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = models.Chunk{Source: source, SequenceIndex: i, Text: p}
	}
	return chunks
}
