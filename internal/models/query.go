package models

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// DefaultTopK is used when a search request does not set top_k.
const DefaultTopK = 5

// SearchQuery represents a semantic search request.
type SearchQuery struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// Validate ensures the search query has valid fields and sets defaults.
// Returns an error if the query is empty or top_k is negative; a zero top_k becomes
// DefaultTopK and values above maxTopK are capped (maxTopK <= 0 disables the cap).
func (q *SearchQuery) Validate(maxTopK int) error {
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrInvalidRequest)
	}
	if q.TopK < 0 {
		return fmt.Errorf("%w: top_k must be positive, got %d", ErrInvalidRequest, q.TopK)
	}
	if q.TopK == 0 {
		q.TopK = DefaultTopK
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		q.TopK = maxTopK
	}
	return nil
}

// GenerateRequest asks for text generated from a prompt and retrieved context.
type GenerateRequest struct {
	Prompt   string `json:"prompt"`
	Template string `json:"template,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}
