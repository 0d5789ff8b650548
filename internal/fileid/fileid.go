// Package fileid derives deterministic catalog IDs for ingested documents.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const (
	prefix     = "file:"
	textPrefix = "text:"
)

// FileDocID returns a stable document ID for the given absolute path.
// Same path always yields the same ID.
func FileDocID(absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:])
}

// TextDocID returns a stable document ID for raw text ingested under a source name.
// It never collides with a FileDocID.
func TextDocID(source string) string {
	hash := sha256.Sum256([]byte(source))
	return textPrefix + hex.EncodeToString(hash[:])
}
