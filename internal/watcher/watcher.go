// Package watcher keeps the index current with directories on disk: new and modified
// files are ingested after a debounce delay.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hyperjump/teian/internal/indexer"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// FileIngester ingests a single file. *indexer.Indexer implements it.
type FileIngester interface {
	IngestFile(ctx context.Context, path, source string) (int, error)
}

// Watcher watches root directories and ingests files that are created or written.
// Removals are only logged; the index is append-only.
type Watcher struct {
	ingester  FileIngester
	filter    *indexer.FileFilter
	recursive bool
	debounce  time.Duration
	logger    *zap.Logger // optional

	mu        sync.Mutex
	ctx       context.Context
	fsw       *fsnotify.Watcher
	roots     []string
	rootPaths map[string][]string // root -> directories added to fsw
	pending   map[string]*time.Timer
	done      chan struct{}
	stopOnce  sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for ingest results and debug events.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long a file must stay quiet before it is ingested.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates a watcher over roots. filter decides which files are ingested,
// with paths relative to their root; nil accepts every file.
func NewWatcher(ingester FileIngester, roots []string, filter *indexer.FileFilter, recursive bool, opts ...WatcherOption) *Watcher {
	if filter == nil {
		filter = indexer.NewFileFilter(nil, nil)
	}
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		if abs, err := filepath.Abs(r); err == nil {
			r = abs
		}
		cleaned = append(cleaned, filepath.Clean(r))
	}
	w := &Watcher{
		ingester:  ingester,
		filter:    filter,
		recursive: recursive,
		debounce:  defaultDebounce,
		roots:     cleaned,
		rootPaths: make(map[string][]string),
		pending:   make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start registers the roots, creating missing ones, and processes events until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.ctx = ctx
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = fsw.Close()
			w.fsw = nil
			return err
		}
	}
	if w.logger != nil {
		w.logger.Debug("watcher started", zap.Strings("roots", w.roots), zap.Bool("recursive", w.recursive))
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	root, rel, ok := w.locate(ev.Name)
	if !ok {
		return
	}
	if w.logger != nil {
		w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	}
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) && w.recursive && !w.filter.Excluded(rel) {
				w.addNewDirectory(root, ev.Name)
			}
			return
		}
		if w.filter.Allows(rel) {
			w.schedule(ev.Name)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancel(ev.Name)
		if w.logger != nil && w.filter.Allows(rel) {
			w.logger.Info("watched file removed; its chunks stay in the index", zap.String("path", ev.Name))
		}
	}
}

// addNewDirectory watches a directory created under root and ingests what it already holds.
func (w *Watcher) addNewDirectory(root, dir string) {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return
	}
	added, err := w.watchTreeLocked(dir)
	w.rootPaths[root] = append(w.rootPaths[root], added...)
	w.mu.Unlock()
	if err != nil && w.logger != nil {
		w.logger.Warn("watcher failed to add directory", zap.String("path", dir), zap.Error(err))
	}
	w.syncTree(root, dir)
}

// locate returns the watched root containing path and path relative to it.
func (w *Watcher) locate(path string) (root, rel string, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locateLocked(filepath.Clean(path))
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		ctx := w.ctx
		w.mu.Unlock()
		if ctx != nil {
			w.ingest(ctx, path)
		}
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	n, err := w.ingester.IngestFile(ctx, path, "")
	if w.logger == nil {
		return
	}
	switch {
	case errors.Is(err, indexer.ErrDocumentChanged):
		w.logger.Warn("watched file changed after indexing; skipped", zap.String("path", path))
	case err != nil:
		w.logger.Error("watcher failed to ingest file", zap.String("path", path), zap.Error(err))
	case n > 0:
		w.logger.Info("watcher ingested file", zap.String("path", path), zap.Int("chunks", n))
	}
}

// AddDirectory starts watching root. With syncExisting, files already in it are
// ingested in the background.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return errors.New("watcher not started")
	}
	for _, r := range w.roots {
		if r == abs {
			return nil
		}
	}
	w.roots = append(w.roots, abs)
	if err := w.addRootLocked(abs); err != nil {
		w.roots = w.roots[:len(w.roots)-1]
		return err
	}
	if w.logger != nil {
		w.logger.Info("watching directory", zap.String("path", abs))
	}
	if syncExisting {
		go w.syncTree(abs, abs)
	}
	return nil
}

// RemoveDirectory stops watching root. Chunks already indexed from it are kept.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, r := range w.roots {
		if r != abs {
			continue
		}
		if w.fsw != nil {
			for _, p := range w.rootPaths[abs] {
				_ = w.fsw.Remove(p)
			}
		}
		delete(w.rootPaths, abs)
		w.roots = append(w.roots[:i], w.roots[i+1:]...)
		if w.logger != nil {
			w.logger.Info("stopped watching directory", zap.String("path", abs))
		}
		return nil
	}
	return nil
}

// Directories returns the watched roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

func (w *Watcher) addRootLocked(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	if !w.recursive {
		if err := w.fsw.Add(root); err != nil {
			return err
		}
		w.rootPaths[root] = []string{root}
		return nil
	}
	added, err := w.watchTreeLocked(root)
	if err != nil {
		return err
	}
	w.rootPaths[root] = added
	return nil
}

// watchTreeLocked adds dir and its non-excluded subdirectories to fsw.
func (w *Watcher) watchTreeLocked(dir string) ([]string, error) {
	root, _, _ := w.locateLocked(dir)
	var added []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if root != "" && path != root {
			if rel, relErr := filepath.Rel(root, path); relErr == nil && w.filter.Excluded(rel) {
				return filepath.SkipDir
			}
		}
		if err := w.fsw.Add(path); err != nil {
			return err
		}
		added = append(added, path)
		return nil
	})
	return added, err
}

func (w *Watcher) locateLocked(path string) (string, string, bool) {
	for _, r := range w.roots {
		if inDir(r, path) {
			rel, err := filepath.Rel(r, path)
			if err == nil {
				return r, rel, true
			}
		}
	}
	return "", "", false
}

// syncTree ingests every allowed file under dir, which lies inside root.
func (w *Watcher) syncTree(root, dir string) {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil {
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && (!w.recursive || w.filter.Excluded(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && w.filter.Allows(rel) {
			w.ingest(ctx, path)
		}
		return nil
	})
}

// SyncExistingFiles ingests the files already present in every root. Call it after Start.
func (w *Watcher) SyncExistingFiles() {
	for _, root := range w.Directories() {
		w.syncTree(root, root)
	}
}

// Stop stops watching and drops pending ingests.
func (w *Watcher) Stop() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
		w.fsw = nil
	}
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
