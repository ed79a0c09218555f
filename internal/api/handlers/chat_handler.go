package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/markdave123-py/crmrag/internal/services"
)

type ChatHandler struct {
	chat *services.ChatService
	rs   *Responder
}

func NewChatHandler(chat *services.ChatService, rs *Responder) *ChatHandler {
	return &ChatHandler{chat: chat, rs: rs}
}

// QueryDocument answers a question from the caller's documents, or from one
// document when document_id is set.
func (h *ChatHandler) QueryDocument(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.rs.Caller(w, r)
	if !ok {
		return
	}
	var req services.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rs.BadRequest(w, "invalid request")
		return
	}

	ans, err := h.chat.Answer(r.Context(), caller, req)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, ans)
}

// StreamQuery is QueryDocument as server-sent events: one "sources" event,
// then "message" events with answer text, then "done" or "error".
func (h *ChatHandler) StreamQuery(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.rs.Caller(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.rs.JSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported", Code: "internal"})
		return
	}
	var req services.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rs.BadRequest(w, "invalid request")
		return
	}

	stream, sources, err := h.chat.Stream(r.Context(), caller, req)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "sources", sources)
	flusher.Flush()

	for chunk := range stream {
		if chunk.Err != nil {
			status, code, msg := classify(chunk.Err)
			writeEvent(w, "error", map[string]any{"error": msg, "code": code, "status": status})
			flusher.Flush()
			return
		}
		writeEvent(w, "message", map[string]string{"text": chunk.Text})
		flusher.Flush()
	}
	writeEvent(w, "done", struct{}{})
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
