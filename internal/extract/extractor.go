// Package extract provides text extraction from various document formats.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Func extracts plain text from the raw bytes of one document.
type Func func(content []byte) (string, error)

// Extractor extracts plain text from document files, choosing a reader by extension.
type Extractor struct {
	byExt map[string]Func
}

// NewExtractor returns an Extractor with the built-in readers registered.
func NewExtractor() *Extractor {
	e := &Extractor{byExt: make(map[string]Func)}
	e.Register(".pdf", extractPDF)
	e.Register(".docx", extractDOCX)
	// Legacy .doc files are only readable when they are OOXML packages with the old name.
	e.Register(".doc", extractDOCX)
	e.Register(".odt", extractWithCat)
	e.Register(".rtf", extractWithCat)
	e.Register(".xlsx", extractExcel)
	e.Register(".pptx", extractPPTX)
	e.Register(".odp", extractODP)
	e.Register(".ods", extractODS)
	for _, ext := range []string{".txt", ".md", ".rst", ".csv", ".json", ".html"} {
		e.Register(ext, extractPlain)
	}
	return e
}

// Register sets the reader for ext (with or without the leading dot, any case).
func (e *Extractor) Register(ext string, fn Func) {
	e.byExt[normalizeExt(ext)] = fn
}

// Supported returns the registered extensions, sorted.
func (e *Extractor) Supported() []string {
	exts := make([]string, 0, len(e.byExt))
	for ext := range e.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Extract reads the file at path and returns its text content.
// Returns an error if the file cannot be read or the reader fails.
func (e *Extractor) Extract(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, filepath.Ext(path))
}

// ExtractBytes extracts text from content based on the given extension.
// Unknown extensions are treated as plain text.
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	fn, ok := e.byExt[normalizeExt(ext)]
	if !ok {
		return extractPlain(content)
	}
	return fn(content)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
