package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/models"
	"github.com/markdave123-py/crmrag/internal/services"
)

// MaxUploadBytes caps the size of an uploaded file.
const MaxUploadBytes = 50 << 20

type DocumentHandler struct {
	docs *services.DocumentService
	rs   *Responder
}

func NewDocumentHandler(docs *services.DocumentService, rs *Responder) *DocumentHandler {
	return &DocumentHandler{docs: docs, rs: rs}
}

type createDocumentRequest struct {
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	IsPrivate bool           `json:"is_private"`
}

type searchRequest struct {
	Query     string   `json:"query"`
	Threshold *float64 `json:"threshold,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Mode      string   `json:"mode,omitempty"` // "" or "vector" for similarity, "text" for lexical only
}

type searchResponse struct {
	Matches []models.ChunkMatch `json:"matches"`
}

// UploadDocument stores a multipart file and queues it for processing.
// Optional form fields: title, is_private, metadata (JSON object).
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.rs.Caller(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		h.rs.BadRequest(w, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.rs.BadRequest(w, "invalid file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		h.rs.BadRequest(w, "could not read file")
		return
	}
	if len(data) > MaxUploadBytes {
		h.rs.JSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "file too large", Code: "too_large"})
		return
	}

	metadata := map[string]any{}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			h.rs.BadRequest(w, "metadata must be a JSON object")
			return
		}
	}
	if title := r.FormValue("title"); title != "" {
		metadata["title"] = title
	}
	private, _ := strconv.ParseBool(r.FormValue("is_private"))

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	st, err := h.docs.Upload(r.Context(), scopeOptions(caller, private), header.Filename, contentType, data, metadata)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusAccepted, st)
}

// CreateDocument processes pasted text synchronously.
func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.rs.Caller(w, r)
	if !ok {
		return
	}
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rs.BadRequest(w, "invalid body")
		return
	}

	doc, err := h.docs.CreateFromText(r.Context(), scopeOptions(caller, req.IsPrivate), req.Title, req.Content, req.Metadata)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusCreated, doc)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.rs.Caller(w, r)
	if !ok {
		return
	}
	docs, err := h.docs.List(r.Context(), caller)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	h.rs.JSON(w, http.StatusOK, docs)
}

// GetDocument returns the document, or the state of its upload while it is
// still queued or has failed.
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.rs.Caller(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	doc, err := h.docs.Get(r.Context(), caller, id)
	if errors.Is(err, core.ErrNotFound) {
		if st, ok := h.docs.Job(caller, id); ok {
			h.rs.JSON(w, http.StatusAccepted, st)
			return
		}
	}
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.rs.Caller(w, r)
	if !ok {
		return
	}
	var patch models.DocumentPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.rs.BadRequest(w, "invalid body")
		return
	}

	doc, err := h.docs.Update(r.Context(), caller, chi.URLParam(r, "id"), patch)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.rs.Caller(w, r)
	if !ok {
		return
	}
	if err := h.docs.Delete(r.Context(), caller, chi.URLParam(r, "id")); err != nil {
		h.rs.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DocumentHandler) SearchDocuments(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.rs.Caller(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rs.BadRequest(w, "invalid body")
		return
	}

	var (
		matches []models.ChunkMatch
		err     error
	)
	switch req.Mode {
	case "text":
		minRank := 0.0
		if req.Threshold != nil {
			minRank = *req.Threshold
		}
		matches, err = h.docs.SearchText(r.Context(), caller, req.Query, minRank, req.Limit)
	case "", "vector":
		threshold := -1.0
		if req.Threshold != nil {
			threshold = *req.Threshold
		}
		matches, err = h.docs.Search(r.Context(), caller, req.Query, threshold, req.Limit)
	default:
		h.rs.BadRequest(w, "mode must be vector or text")
		return
	}
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, searchResponse{Matches: matches})
}

func scopeOptions(s models.Scope, private bool) models.ScopeOptions {
	return models.ScopeOptions{OwnerID: s.OwnerID, TeamID: s.TeamID, DepartmentID: s.DepartmentID, IsPrivate: private}
}
