package models

// SearchResult is a single ranked hit from the vector index.
type SearchResult struct {
	Chunk Chunk   `json:"metadata"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
	Rank  int     `json:"rank"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
	Query     string          `json:"query"`
}

// UsedContext is a retrieved chunk that was placed into a generation prompt.
type UsedContext struct {
	Source string  `json:"source"`
	Score  float64 `json:"score"`
	Text   string  `json:"text"`
}

// GenerateResponse carries generated text plus what went into producing it.
type GenerateResponse struct {
	Generated    string        `json:"generated"`
	UsedContexts []UsedContext `json:"used_contexts"`
	Prompt       string        `json:"llm_prompt"`
}
