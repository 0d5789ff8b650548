package indexer

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileFilter decides which files under an ingest root are read.
// Exclude patterns are doublestar globs matched against the slash-separated path
// relative to the root and against the base name.
type FileFilter struct {
	exts     map[string]bool
	excludes []string
}

// NewFileFilter returns a filter accepting exts (all files when empty) minus excludes.
func NewFileFilter(exts, excludes []string) *FileFilter {
	f := &FileFilter{excludes: excludes}
	if len(exts) > 0 {
		f.exts = make(map[string]bool, len(exts))
		for _, e := range exts {
			f.exts[strings.ToLower(strings.TrimPrefix(e, "."))] = true
		}
	}
	return f
}

// Excluded reports whether relPath matches an exclude pattern.
func (f *FileFilter) Excluded(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	base := filepath.Base(relPath)
	for _, pattern := range f.excludes {
		if matched, _ := doublestar.Match(pattern, relPath); matched {
			return true
		}
		if matched, _ := doublestar.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// Allows reports whether the file at relPath should be ingested.
func (f *FileFilter) Allows(relPath string) bool {
	if f.exts != nil && !f.exts[strings.ToLower(strings.TrimPrefix(filepath.Ext(relPath), "."))] {
		return false
	}
	return !f.Excluded(relPath)
}
