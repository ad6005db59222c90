package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/junwei-lu/auditrag"
	"github.com/junwei-lu/auditrag/chunker"
	"github.com/junwei-lu/auditrag/llm"
)

// maxUploadBytes bounds multipart parsing memory; larger parts spill to
// temp files.
const maxUploadBytes = 100 << 20

// statusClientClosedRequest is nginx's code for a client that went away
// mid-request.
const statusClientClosedRequest = 499

type handler struct {
	engine *auditrag.Engine
}

func newHandler(e *auditrag.Engine) *handler {
	return &handler{engine: e}
}

// POST /upload_store
// Multipart: files (repeatable), chunker_type, doc_type, title,
// save_after_processing.
func (h *handler) handleUploadStore(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, auditrag.WrapError(auditrag.ErrBadRequest, "invalid multipart form", err))
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, auditrag.NewError(auditrag.ErrBadRequest, "没有上传文件"))
		return
	}

	chunkerType := canonicalChunker(r.FormValue("chunker_type"))
	docType := r.FormValue("doc_type")
	title := r.FormValue("title")
	saveAfter := true
	if v := r.FormValue("save_after_processing"); v != "" {
		saveAfter = strings.EqualFold(v, "true")
	}

	units := make([]auditrag.IngestUnit, 0, len(files))
	var tmpPaths []string
	defer func() {
		for _, p := range tmpPaths {
			os.Remove(p)
		}
	}()
	for _, fh := range files {
		name := sanitizeFilename(fh.Filename)
		if name == "" {
			continue
		}
		path, err := saveUpload(fh, filepath.Ext(name))
		if err != nil {
			writeError(w, fmt.Errorf("saving upload %s: %w", name, err))
			return
		}
		tmpPaths = append(tmpPaths, path)
		units = append(units, auditrag.IngestUnit{
			Path:     path,
			Filename: name,
			Title:    title,
			DocType:  docType,
		})
	}
	if len(units) == 0 {
		writeError(w, auditrag.NewError(auditrag.ErrBadRequest, "没有选择任何文件"))
		return
	}

	outcomes, err := h.engine.IngestFiles(ctx, units, auditrag.IngestOptions{
		ChunkerType: chunkerType,
		SaveAfter:   saveAfter,
	})
	if err != nil {
		slog.Error("upload failed", "error", err, "request_id", requestID(ctx))
		writeError(w, err)
		return
	}

	var processed, skipped, updated, chunks int
	for _, o := range outcomes {
		switch o.Status {
		case auditrag.StatusNew:
			processed++
		case auditrag.StatusSkipped:
			skipped++
		case auditrag.StatusUpdated:
			updated++
		}
		chunks += o.Chunks
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"message":         fmt.Sprintf("处理完成: 新增 %d 个, 跳过 %d 个重复, 更新 %d 个", processed, skipped, updated),
		"file_count":      len(units),
		"processed_count": processed,
		"skipped_count":   skipped,
		"updated_count":   updated,
		"total_chunks":    chunks,
		"chunker_used":    chunkerType,
		"results":         outcomes,
	})
}

type searchRequest struct {
	Query         string   `json:"query"`
	TopK          int      `json:"top_k"`
	RetrievalMode string   `json:"retrieval_mode"`
	HybridAlpha   *float64 `json:"hybrid_alpha"`
	GraphHops     int      `json:"graph_hops"`
	GraphTopK     int      `json:"graph_top_k"`
	DocType       string   `json:"doc_type"`
	UseRerank     *bool    `json:"use_rerank"`
	SessionID     string   `json:"session_id"`
}

func (req searchRequest) options() auditrag.AskOptions {
	return auditrag.AskOptions{
		SessionID: req.SessionID,
		TopK:      req.TopK,
		Mode:      req.RetrievalMode,
		Alpha:     req.HybridAlpha,
		GraphHops: req.GraphHops,
		GraphTopK: req.GraphTopK,
		DocType:   req.DocType,
		UseRerank: req.UseRerank,
	}
}

// POST /search_with_intent
func (h *handler) handleSearchWithIntent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, auditrag.WrapError(auditrag.ErrBadRequest, "invalid JSON", err))
		return
	}

	out, err := h.engine.SearchWithIntent(ctx, req.Query, req.options())
	if err != nil {
		slog.Error("search failed", "error", err, "request_id", requestID(ctx))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"query":           out.Query,
		"intent":          out.Intent,
		"intent_reason":   out.IntentReason,
		"suggested_top_k": out.SuggestedTopK,
		"retrieval_mode":  out.RetrievalMode,
		"rerank_applied":  out.RerankApplied,
		"results":         out.Results,
	})
}

// POST /ask
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, auditrag.WrapError(auditrag.ErrBadRequest, "invalid JSON", err))
		return
	}

	res, err := h.engine.Ask(ctx, req.Query, req.options())
	if err != nil {
		slog.Error("ask failed", "error", err, "request_id", requestID(ctx))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"query":          res.Query,
		"intent":         res.Intent,
		"answer":         res.Answer,
		"citations":      res.Citations,
		"search_results": res.SearchResults,
		"llm_usage":      res.Usage,
		"model":          res.Model,
		"session_id":     res.SessionID,
	})
}

type chatCompletionsRequest struct {
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
	searchRequest
}

// POST /v1/chat/completions
// OpenAI-compatible surface: the last user message is the query, prior
// messages sync the session history.
func (h *handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, auditrag.WrapError(auditrag.ErrBadRequest, "invalid JSON", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, auditrag.NewError(auditrag.ErrBadRequest, "messages必须是非空数组"))
		return
	}

	query := ""
	lastUser := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			query = req.Messages[i].Content
			lastUser = i
			break
		}
	}
	if strings.TrimSpace(query) == "" {
		writeError(w, auditrag.NewError(auditrag.ErrBadRequest, "未找到用户消息"))
		return
	}

	opts := req.options()
	opts.History = req.Messages[:lastUser]

	if req.Stream {
		h.streamChat(w, r, query, opts)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	res, err := h.engine.Ask(ctx, query, opts)
	if err != nil {
		slog.Error("chat completion failed", "error", err, "request_id", requestID(ctx))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"choices": []map[string]any{{
			"message": map[string]any{
				"role":    "assistant",
				"content": res.Answer,
			},
			"finish_reason": "stop",
			"index":         0,
		}},
		"model":      res.Model,
		"usage":      res.Usage,
		"intent":     res.Intent,
		"citations":  res.Citations,
		"session_id": res.SessionID,
	})
}

// GET /info
func (h *handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Info(r.Context()))
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"message": "审计问答服务运行正常",
	})
}

// GET /queries?limit=
func (h *handler) handleRecentQueries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.engine.RecentQueries(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(entries),
		"queries": entries,
	})
}

// GET /documents?doc_type=&keyword=&include_deleted=
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docs := h.engine.Documents(q.Get("doc_type"), q.Get("keyword"), q.Get("include_deleted") == "true")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"count":     len(docs),
		"documents": docs,
	})
}

// GET /documents/stats
func (h *handler) handleDocumentStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   h.engine.DocumentStats(),
	})
}

// GET /documents/{id}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.engine.Document(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"document": doc,
	})
}

// GET /documents/{id}/chunks?include_text=
func (h *handler) handleDocumentChunks(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")
	includeText := r.URL.Query().Get("include_text") != "false"
	chunks, err := h.engine.DocumentChunks(docID, includeText)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"doc_id": docID,
			"count":  len(chunks),
			"chunks": chunks,
		},
	})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.DeleteDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        "文档已删除",
		"doc_id":         res.DocID,
		"chunks_removed": res.ChunksRemoved,
		"nodes_removed":  res.NodesRemoved,
		"edges_removed":  res.EdgesRemoved,
	})
}

// DELETE /documents
func (h *handler) handleClearAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ClearAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"message":           "已清空所有文档",
		"documents_removed": res.DocumentsRemoved,
	})
}

type chunkTestRequest struct {
	Text        string `json:"text"`
	ChunkerType string `json:"chunker_type"`
	DocType     string `json:"doc_type"`
	ChunkSize   int    `json:"chunk_size"`
}

// POST /chunk_test
// Chunk raw text without committing anything.
func (h *handler) handleChunkTest(w http.ResponseWriter, r *http.Request) {
	var req chunkTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, auditrag.WrapError(auditrag.ErrBadRequest, "invalid JSON", err))
		return
	}

	chunkerType := canonicalChunker(req.ChunkerType)
	docType := req.DocType
	if docType == "" {
		docType = defaultDocTypeFor(chunkerType)
	}
	chunks, used, err := h.engine.ChunkPreview(req.Text, chunkerType, docType, req.ChunkSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeChunkPreview(w, req.Text, chunks, used)
}

// POST /chunk_test_upload
// Parse an uploaded file and chunk it without committing anything.
func (h *handler) handleChunkTestUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, auditrag.WrapError(auditrag.ErrBadRequest, "invalid multipart form", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, auditrag.NewError(auditrag.ErrBadRequest, "没有上传文件"))
		return
	}
	file.Close()

	name := sanitizeFilename(header.Filename)
	chunkerType := canonicalChunker(r.FormValue("chunker_type"))
	docType := r.FormValue("doc_type")
	if docType == "" {
		docType = defaultDocTypeFor(chunkerType)
	}
	chunkSize, _ := strconv.Atoi(r.FormValue("chunk_size"))

	path, err := saveUpload(header, filepath.Ext(name))
	if err != nil {
		writeError(w, fmt.Errorf("saving upload %s: %w", name, err))
		return
	}
	defer os.Remove(path)

	chunks, used, err := h.engine.ChunkPreviewFile(r.Context(), path, name, chunkerType, docType, chunkSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeChunkPreview(w, "", chunks, used)
}

func writeChunkPreview(w http.ResponseWriter, originalText string, chunks []chunker.Chunk, used string) {
	formatted := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		formatted[i] = map[string]any{
			"chunk_id":      i + 1,
			"seq":           c.Seq,
			"page_no":       c.Page,
			"boundary_kind": c.Boundary,
			"char_count":    len([]rune(c.Text)),
			"text":          c.Text,
		}
	}
	resp := map[string]any{
		"success":      true,
		"chunker_used": used,
		"chunks_count": len(chunks),
		"chunks":       formatted,
	}
	if originalText != "" {
		resp["original_text_length"] = len([]rune(originalText))
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveUpload copies one multipart file to a temp path the parsers can
// read. The suffix keeps the extension so format detection works.
func saveUpload(fh *multipart.FileHeader, suffix string) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp("", "auditrag-upload-*"+suffix)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

// sanitizeFilename neutralizes path separators and NUL bytes so an
// uploaded name can never escape the temp directory.
func sanitizeFilename(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")
	return strings.TrimSpace(r.Replace(name))
}

// canonicalChunker maps the short upload aliases onto chunker names.
func canonicalChunker(s string) string {
	switch s {
	case "":
		return "smart"
	case "law":
		return "regulation"
	case "audit":
		return "audit_report"
	case "issue":
		return "audit_issue"
	default:
		return s
	}
}

// defaultDocTypeFor pairs a chunker with the document type it implies,
// so previews run the same detection as real uploads.
func defaultDocTypeFor(chunkerType string) string {
	switch chunkerType {
	case "audit_report":
		return "internal_report"
	case "audit_issue":
		return "audit_issue"
	default:
		return "internal_regulation"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an engine error to its HTTP status and the error
// envelope.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"success": false,
		"error": map[string]any{
			"kind":    kindName(err),
			"message": err.Error(),
		},
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auditrag.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, auditrag.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auditrag.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, auditrag.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, auditrag.ErrCancelled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func kindName(err error) string {
	switch {
	case errors.Is(err, auditrag.ErrParse):
		return "parse_error"
	case errors.Is(err, auditrag.ErrChunk):
		return "chunk_error"
	case errors.Is(err, auditrag.ErrEmbedding):
		return "embedding_error"
	case errors.Is(err, auditrag.ErrVectorStore):
		return "vector_store_error"
	case errors.Is(err, auditrag.ErrGraphStore):
		return "graph_store_error"
	case errors.Is(err, auditrag.ErrRegistry):
		return "registry_error"
	case errors.Is(err, auditrag.ErrRerank):
		return "rerank_error"
	case errors.Is(err, auditrag.ErrProviderTimeout):
		return "provider_timeout"
	case errors.Is(err, auditrag.ErrLLM):
		return "llm_error"
	case errors.Is(err, auditrag.ErrCancelled):
		return "cancelled"
	case errors.Is(err, auditrag.ErrBadRequest):
		return "bad_request"
	case errors.Is(err, auditrag.ErrNotFound):
		return "not_found"
	case errors.Is(err, auditrag.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
