package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hyperjump/teian/internal/config"
	"github.com/hyperjump/teian/internal/generate"
	"github.com/hyperjump/teian/internal/indexer"
	"github.com/hyperjump/teian/internal/models"
	"github.com/hyperjump/teian/internal/storage"
	"github.com/hyperjump/teian/internal/vector"
	"go.uber.org/zap"
)

type uploadedFile struct {
	Filename string `json:"filename"`
	Chunks   int    `json:"chunks"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.respondError(w, http.StatusBadRequest, "no files uploaded")
		return
	}
	uploadDir := s.config.Server.UploadDir
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		s.logger.Error("upload: create directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]uploadedFile, 0, len(headers))
	total, failed := 0, 0
	for _, fh := range headers {
		name := filepath.Base(filepath.Clean("/" + fh.Filename))
		result := uploadedFile{Filename: name}
		path := filepath.Join(uploadDir, strings.ReplaceAll(uuid.NewString(), "-", "")+"_"+name)
		if err := saveUpload(fh, path); err != nil {
			s.logger.Error("upload: save failed", zap.String("filename", name), zap.Error(err))
			result.Error = err.Error()
			failed++
			results = append(results, result)
			continue
		}
		n, err := s.indexer.IngestFile(r.Context(), path, name)
		if err != nil {
			s.logger.Error("upload: ingest failed", zap.String("filename", name), zap.Error(err))
			result.Error = err.Error()
			failed++
		}
		result.Chunks = n
		total += n
		results = append(results, result)
	}
	status := http.StatusCreated
	if failed == len(headers) {
		status = http.StatusUnprocessableEntity
	}
	s.respondJSON(w, status, map[string]interface{}{
		"files":        results,
		"total_chunks": total,
	})
}

func saveUpload(fh *multipart.FileHeader, path string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write upload file: %w", err)
	}
	return dst.Close()
}

func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var input models.DocumentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(input.Source) == "" {
		s.respondError(w, http.StatusBadRequest, "source is required")
		return
	}
	s.logger.Debug("ingest document request", zap.String("source", input.Source), zap.Int("length", len(input.Content)))
	n, err := s.indexer.Ingest(r.Context(), input.Content, input.Source)
	if err != nil {
		s.logger.Error("ingest failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"source": input.Source, "chunks": n})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	docs, err := s.catalog.ListDocuments(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("list documents failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.catalog.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("top_k", query.TopK))
	response, err := s.indexer.Search(r.Context(), query.Query, query.TopK)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	names, err := s.generator.Templates().List()
	if err != nil {
		s.logger.Error("list templates failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"templates": names})
}

type templateRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		req.Name = generate.DefaultTemplateName
	}
	if err := s.generator.Templates().Save(req.Name, req.Content); err != nil {
		s.logger.Warn("save template failed", zap.String("name", req.Name), zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"name": req.Name, "status": "saved"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("generate request", zap.String("template", req.Template), zap.Int("top_k", req.TopK))
	resp, err := s.generator.Generate(r.Context(), req)
	if err != nil {
		s.logger.Error("generate failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docCount, err := s.catalog.CountDocuments(ctx)
	if err != nil {
		s.logger.Error("status: count documents failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	chunkCount, err := s.catalog.CountChunks(ctx)
	if err != nil {
		s.logger.Error("status: count chunks failed", zap.Error(err))
		s.respondFailure(w, err)
		return
	}
	index := s.indexer.Index()
	resp := map[string]interface{}{
		"documents":        docCount,
		"chunks":           chunkCount,
		"index_records":    index.Len(),
		"index_dimension":  index.Dimension(),
		"index_generation": index.Generation(),
		"index_embedder":   index.Embedder(),
	}
	st := s.config.Storage
	if diskBytes, err := storage.DiskUsageBytes(st.VectorPath, st.MetadataPath, st.DatabasePath); err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	resp["config"] = map[string]interface{}{
		"embedding_provider":  s.config.Embedding.Provider,
		"generation_provider": s.config.Generation.Provider,
		"chunk_size":          s.config.Chunking.ChunkSize,
		"chunk_overlap":       s.config.Chunking.OverlapOrDefault(),
		"vector_path":         st.VectorPath,
		"metadata_path":       st.MetadataPath,
		"database_path":       st.DatabasePath,
		"template_dir":        st.TemplateDir,
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

// statusFor maps an error to the HTTP status it is reported with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, vector.ErrInvalidTopK),
		errors.Is(err, vector.ErrLengthMismatch),
		errors.Is(err, generate.ErrInvalidTemplateName),
		errors.Is(err, generate.ErrInvalidTemplate):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, generate.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, indexer.ErrDocumentChanged):
		return http.StatusConflict
	case errors.Is(err, vector.ErrProvider),
		errors.Is(err, generate.ErrGenerator):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	s.respondError(w, statusFor(err), err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
