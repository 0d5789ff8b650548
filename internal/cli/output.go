// Package cli formats command output for the teian CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/teian/internal/models"
	"github.com/hyperjump/teian/pkg/utils"
)

// OutputFormat selects how command results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat returns the format named by s.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, compact or json)", s)
	}
}

const previewLen = 200

// WriteSearchResults writes search results to w in the given format.
// Unknown formats are written as text.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		for _, r := range response.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s#%d\t%s\n", r.Rank, r.Score, r.Chunk.Source, r.Chunk.SequenceIndex,
				utils.Truncate(oneLine(r.Text), 80))
		}
		return nil
	default:
		fmt.Fprintf(w, "\nFound %d results for %q in %dms\n\n", response.Total, response.Query, response.QueryTime)
		for _, r := range response.Results {
			fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "Rank: %d | Score: %.4f\n", r.Rank, r.Score)
			fmt.Fprintf(w, "Source: %s (chunk %d)\n", r.Chunk.Source, r.Chunk.SequenceIndex)
			fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(r.Text, previewLen))
		}
		return nil
	}
}

// WriteGenerateResult writes a generation response to w in the given format.
// Text output shows the generated text followed by the contexts it used.
func WriteGenerateResult(w io.Writer, response *models.GenerateResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, response)
	case OutputCompact:
		fmt.Fprintln(w, response.Generated)
		return nil
	default:
		fmt.Fprintf(w, "%s\n", response.Generated)
		if len(response.UsedContexts) > 0 {
			fmt.Fprintf(w, "\n--- Used contexts (%d) ---\n", len(response.UsedContexts))
			for i, c := range response.UsedContexts {
				fmt.Fprintf(w, "%d. %s (score %.4f): %s\n", i+1, c.Source, c.Score, utils.Truncate(oneLine(c.Text), 80))
			}
		}
		return nil
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
