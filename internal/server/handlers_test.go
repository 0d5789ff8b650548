package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/teian/internal/config"
	"github.com/hyperjump/teian/internal/embedding"
	"github.com/hyperjump/teian/internal/extract"
	"github.com/hyperjump/teian/internal/generate"
	"github.com/hyperjump/teian/internal/indexer"
	"github.com/hyperjump/teian/internal/models"
	"github.com/hyperjump/teian/internal/storage"
	"github.com/hyperjump/teian/internal/vector"
	"go.uber.org/zap"
)

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

func newTestServer(t *testing.T, watch WatchService, configPath string) (*Server, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	overlap := 5
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "localhost", Port: 8080, UploadDir: filepath.Join(dir, "uploads")},
		Storage: config.StorageConfig{
			VectorPath:   filepath.Join(dir, "index.vec"),
			MetadataPath: filepath.Join(dir, "index.meta.json"),
			DatabasePath: filepath.Join(dir, "catalog.db"),
			TemplateDir:  filepath.Join(dir, "templates"),
		},
		Chunking:   config.ChunkingConfig{ChunkSize: 40, Overlap: &overlap},
		Embedding:  config.EmbeddingConfig{Provider: "hash", Dimensions: 32},
		Search:     config.SearchConfig{DefaultTopK: 3, MaxTopK: 10},
		Generation: config.GenerationConfig{Provider: "echo", DefaultTemplate: generate.DefaultTemplateName},
	}
	catalog, err := storage.NewSQLiteCatalog(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { catalog.Close() })
	index, err := vector.Open(embedding.NewHashEmbedder(32),
		vector.WithPaths(cfg.Storage.VectorPath, cfg.Storage.MetadataPath))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := indexer.NewIndexer(index, catalog, extract.NewExtractor(), &cfg.Chunking, &cfg.Search)
	if err != nil {
		t.Fatal(err)
	}
	templates, err := generate.NewTemplateStore(cfg.Storage.TemplateDir)
	if err != nil {
		t.Fatal(err)
	}
	gen := generate.NewService(idx, templates, generate.EchoGenerator{}, cfg.Generation.DefaultTemplate)
	return NewServer(idx, gen, catalog, cfg, zap.NewNop(), watch, configPath), cfg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	w := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestIngestAndSearch(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	h := srv.Router()

	w := doJSON(t, h, http.MethodPost, "/api/v1/documents", models.DocumentInput{
		Source:  "doc1",
		Content: "The bridge is built from steel girders and concrete pylons over the river.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest status: got %d, body %s", w.Code, w.Body.String())
	}
	var ingested struct {
		Source string `json:"source"`
		Chunks int    `json:"chunks"`
	}
	decode(t, w, &ingested)
	if ingested.Source != "doc1" || ingested.Chunks < 2 {
		t.Errorf("ingest response = %+v", ingested)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/search", models.SearchQuery{Query: "steel girders", TopK: 1})
	if w.Code != http.StatusOK {
		t.Fatalf("search status: got %d, body %s", w.Code, w.Body.String())
	}
	var resp models.SearchResponse
	decode(t, w, &resp)
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].Chunk.Source != "doc1" || resp.Results[0].Rank != 1 {
		t.Errorf("search response = %+v", resp)
	}
}

func TestIngest_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	h := srv.Router()
	if w := doJSON(t, h, http.MethodPost, "/api/v1/documents", models.DocumentInput{Content: "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing source: got %d", w.Code)
	}
	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents", strings.NewReader("{"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json: got %d", w.Code)
	}
}

func TestSearch_Validation(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	h := srv.Router()
	if w := doJSON(t, h, http.MethodPost, "/api/v1/search", models.SearchQuery{Query: ""}); w.Code != http.StatusBadRequest {
		t.Errorf("empty query: got %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodPost, "/api/v1/search", models.SearchQuery{Query: "x", TopK: -1}); w.Code != http.StatusBadRequest {
		t.Errorf("negative top_k: got %d", w.Code)
	}
	w := doJSON(t, h, http.MethodPost, "/api/v1/search", models.SearchQuery{Query: "anything"})
	if w.Code != http.StatusOK {
		t.Fatalf("empty index: got %d", w.Code)
	}
	var resp models.SearchResponse
	decode(t, w, &resp)
	if resp.Total != 0 || resp.Results == nil {
		t.Errorf("empty index response = %+v", resp)
	}
}

func TestUpload(t *testing.T) {
	srv, cfg := newTestServer(t, nil, "")
	h := srv.Router()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range map[string]string{
		"proposal.txt": "Our previous proposal covered a solar farm with battery storage.",
		"notes.md":     "Meeting notes about the solar farm budget.",
	} {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprint(fw, content)
	}
	mw.Close()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload status: got %d, body %s", w.Code, w.Body.String())
	}
	var out struct {
		Files []struct {
			Filename string `json:"filename"`
			Chunks   int    `json:"chunks"`
		} `json:"files"`
		TotalChunks int `json:"total_chunks"`
	}
	decode(t, w, &out)
	if len(out.Files) != 2 || out.TotalChunks == 0 {
		t.Errorf("upload response = %+v", out)
	}

	entries, err := os.ReadDir(cfg.Server.UploadDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("upload dir has %d files, want 2", len(entries))
	}
	for _, e := range entries {
		prefix, name, ok := strings.Cut(e.Name(), "_")
		if !ok || len(prefix) != 32 || (name != "proposal.txt" && name != "notes.md") {
			t.Errorf("unexpected upload file name %q", e.Name())
		}
	}

	// Uploaded files are indexed under their original names.
	resp := doJSON(t, h, http.MethodPost, "/api/v1/search", models.SearchQuery{Query: "battery storage", TopK: 10})
	var sr models.SearchResponse
	decode(t, resp, &sr)
	sources := map[string]bool{}
	for _, res := range sr.Results {
		sources[res.Chunk.Source] = true
	}
	if !sources["proposal.txt"] || !sources["notes.md"] {
		t.Errorf("sources = %v", sources)
	}
}

func TestUpload_NoFiles(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.Close()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/upload", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestTemplatesAndGenerate(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	h := srv.Router()

	if w := doJSON(t, h, http.MethodPost, "/api/v1/documents", models.DocumentInput{
		Source: "past.txt", Content: "Wind turbines were installed on the northern ridge.",
	}); w.Code != http.StatusCreated {
		t.Fatalf("ingest: %d", w.Code)
	}
	w := doJSON(t, h, http.MethodPost, "/api/v1/templates", templateRequest{
		Name: "brief.tmpl", Content: "{{.RAGContext}}\n\nTask: {{.UserPrompt}}",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("save template: got %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/templates", nil)
	var list struct {
		Templates []string `json:"templates"`
	}
	decode(t, w, &list)
	if strings.Join(list.Templates, ",") != "brief.tmpl,"+generate.DefaultTemplateName {
		t.Errorf("templates = %v", list.Templates)
	}

	w = doJSON(t, h, http.MethodPost, "/api/v1/generate", models.GenerateRequest{
		Prompt: "turbines", Template: "brief.tmpl", TopK: 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("generate: got %d, body %s", w.Code, w.Body.String())
	}
	var gen models.GenerateResponse
	decode(t, w, &gen)
	if len(gen.UsedContexts) != 1 || gen.UsedContexts[0].Source != "past.txt" {
		t.Errorf("used contexts = %+v", gen.UsedContexts)
	}
	if !strings.HasPrefix(gen.Prompt, "Source: past.txt\n\n") || !strings.HasSuffix(gen.Prompt, "Task: turbines") {
		t.Errorf("prompt = %q", gen.Prompt)
	}
	if gen.Generated != gen.Prompt {
		t.Errorf("echo generator output = %q", gen.Generated)
	}
}

func TestTemplatesAndGenerate_Errors(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	h := srv.Router()
	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"bad template name", "/api/v1/templates", templateRequest{Name: "../x", Content: "x"}, http.StatusBadRequest},
		{"unparsable template", "/api/v1/templates", templateRequest{Name: "x.tmpl", Content: "{{"}, http.StatusBadRequest},
		{"empty prompt", "/api/v1/generate", models.GenerateRequest{}, http.StatusBadRequest},
		{"unknown template", "/api/v1/generate", models.GenerateRequest{Prompt: "x", Template: "nope.tmpl"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := doJSON(t, h, http.MethodPost, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status: got %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	h := srv.Router()
	if w := doJSON(t, h, http.MethodPost, "/api/v1/documents", models.DocumentInput{
		Source: "a", Content: strings.Repeat("status check text ", 5),
	}); w.Code != http.StatusCreated {
		t.Fatalf("ingest: %d", w.Code)
	}
	w := doJSON(t, h, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Documents      int64  `json:"documents"`
		Chunks         int64  `json:"chunks"`
		IndexRecords   int    `json:"index_records"`
		IndexDimension int    `json:"index_dimension"`
		Generation     string `json:"index_generation"`
		DiskUsage      int64  `json:"disk_usage_bytes"`
	}
	decode(t, w, &out)
	if out.Documents != 1 || out.Chunks == 0 || int64(out.IndexRecords) != out.Chunks {
		t.Errorf("status counts = %+v", out)
	}
	if out.IndexDimension != 32 || out.Generation == "" || out.DiskUsage == 0 {
		t.Errorf("status index info = %+v", out)
	}
}

func TestDocuments(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	h := srv.Router()
	if w := doJSON(t, h, http.MethodPost, "/api/v1/documents", models.DocumentInput{Source: "a", Content: "hello world"}); w.Code != http.StatusCreated {
		t.Fatalf("ingest: %d", w.Code)
	}
	w := doJSON(t, h, http.MethodGet, "/api/v1/documents", nil)
	var out struct {
		Documents []models.Document `json:"documents"`
	}
	decode(t, w, &out)
	if len(out.Documents) != 1 || out.Documents[0].Source != "a" {
		t.Fatalf("documents = %+v", out.Documents)
	}
	if w := doJSON(t, h, http.MethodGet, "/api/v1/documents/"+out.Documents[0].ID, nil); w.Code != http.StatusOK {
		t.Errorf("get document: got %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodGet, "/api/v1/documents/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing document: got %d", w.Code)
	}
}

func TestWatchDirectories(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	mock := &mockWatchService{dirs: []string{"/tmp/docs"}}
	srv, _ := newTestServer(t, mock, configPath)
	h := srv.Router()

	w := doJSON(t, h, http.MethodGet, "/api/v1/watch/directories", nil)
	var out struct {
		Directories []string `json:"directories"`
	}
	decode(t, w, &out)
	if len(out.Directories) != 1 || out.Directories[0] != "/tmp/docs" {
		t.Errorf("directories: got %v", out.Directories)
	}

	if w := doJSON(t, h, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": dir}); w.Code != http.StatusCreated {
		t.Errorf("add: got %d, body %s", w.Code, w.Body.String())
	}
	if len(mock.Directories()) != 2 {
		t.Errorf("expected 2 directories, got %v", mock.Directories())
	}
	saved, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config not persisted: %v", err)
	}
	if len(saved.Watch.Directories) != 2 {
		t.Errorf("persisted directories = %v", saved.Watch.Directories)
	}

	if w := doJSON(t, h, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": dir + "/nonexistent"}); w.Code != http.StatusNotFound {
		t.Errorf("add missing: got %d", w.Code)
	}
	if w := doJSON(t, h, http.MethodDelete, "/api/v1/watch/directories?path="+dir, nil); w.Code != http.StatusOK {
		t.Errorf("remove: got %d", w.Code)
	}
	if len(mock.Directories()) != 1 {
		t.Errorf("expected 1 directory, got %v", mock.Directories())
	}
}

func TestWatchDirectories_NotEnabled(t *testing.T) {
	srv, _ := newTestServer(t, nil, "")
	if w := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/watch/directories", nil); w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", models.ErrInvalidRequest), http.StatusBadRequest},
		{vector.ErrInvalidTopK, http.StatusBadRequest},
		{vector.ErrLengthMismatch, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", vector.ErrProvider), http.StatusBadGateway},
		{generate.ErrGenerator, http.StatusBadGateway},
		{storage.ErrNotFound, http.StatusNotFound},
		{indexer.ErrDocumentChanged, http.StatusConflict},
		{vector.ErrPersistence, http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
