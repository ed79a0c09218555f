package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	middleware "github.com/markdave123-py/crmrag/internal/api/middlewares"
	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/core/llm"
	"github.com/markdave123-py/crmrag/internal/models"
)

// StatusClientClosed is the non-standard status for requests the client gave up on.
const StatusClientClosed = 499

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
	Stack  string `json:"stack,omitempty"`
}

// Responder writes JSON responses. In development it adds the error chain and
// a stack trace to error bodies.
type Responder struct {
	dev    bool
	logger *zap.Logger
}

func NewResponder(dev bool, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{dev: dev, logger: logger.Named("http")}
}

// JSON writes v with status.
func (rs *Responder) JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rs.logger.Debug("writing response", zap.Error(err))
	}
}

// Error maps err to a status code and writes it.
func (rs *Responder) Error(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)

	var rl *core.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}

	fields := []zap.Field{
		zap.String("request_id", chimw.GetReqID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= 500 {
		rs.logger.Error("request failed", fields...)
	} else {
		rs.logger.Debug("request rejected", fields...)
	}

	body := errorBody{Error: msg, Code: code}
	if rs.dev {
		body.Detail = err.Error()
		body.Stack = string(debug.Stack())
	}
	rs.JSON(w, status, body)
}

// Caller returns the authenticated scope, or writes a 401.
func (rs *Responder) Caller(w http.ResponseWriter, r *http.Request) (models.Scope, bool) {
	s, ok := middleware.ScopeFromContext(r.Context())
	if !ok {
		rs.JSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"})
	}
	return s, ok
}

// BadRequest writes a 400 with msg.
func (rs *Responder) BadRequest(w http.ResponseWriter, msg string) {
	rs.JSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
}

func classify(err error) (int, string, string) {
	var (
		ee *core.ExtractionError
		rl *core.RateLimitError
		se *core.StorageError
	)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found", "document not found"
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden, "forbidden", "only the owner can change this document"
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, core.ErrEmptyDocument):
		return http.StatusBadRequest, "empty_document", "the document has no text"
	case errors.As(err, &ee):
		if errors.Is(err, core.ErrNoText) {
			return http.StatusBadRequest, "no_text", "no text could be extracted from " + ee.FileName
		}
		return http.StatusBadRequest, "extraction_failed", "could not read " + ee.FileName
	case errors.Is(err, core.ErrAborted), errors.Is(err, context.Canceled):
		return StatusClientClosed, "aborted", "request aborted"
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, "rate_limited", "AI provider rate limit reached, retry later"
	case errors.Is(err, core.ErrConcurrencyLimit):
		return http.StatusTooManyRequests, "too_many_requests", "too many concurrent requests, retry later"
	case errors.Is(err, llm.ErrNoProviderAvailable):
		return http.StatusServiceUnavailable, "provider_unavailable", "no AI provider is available"
	case errors.As(err, &se):
		return http.StatusBadGateway, "storage_error", "storage is unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}
