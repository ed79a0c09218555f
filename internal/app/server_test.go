package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	middleware "github.com/markdave123-py/crmrag/internal/api/middlewares"
	"github.com/markdave123-py/crmrag/internal/config"
	"github.com/markdave123-py/crmrag/internal/core"
	db "github.com/markdave123-py/crmrag/internal/core/database"
	"github.com/markdave123-py/crmrag/internal/core/extractor"
	"github.com/markdave123-py/crmrag/internal/core/ingestion_engine"
	objectclient "github.com/markdave123-py/crmrag/internal/core/object-client"
	"github.com/markdave123-py/crmrag/internal/metrics"
	"github.com/markdave123-py/crmrag/internal/models"
	"github.com/markdave123-py/crmrag/internal/services"
)

const testSecret = "router-test-secret"

// wordProvider embeds by counting two words and always answers "ok".
type wordProvider struct{}

func (wordProvider) Name() string                     { return "words" }
func (wordProvider) Model() string                    { return "words-1" }
func (wordProvider) Dimension() int                   { return 2 }
func (wordProvider) MaxConcurrent() int               { return 4 }
func (wordProvider) Close() error                     { return nil }
func (wordProvider) IsAvailable(context.Context) bool { return true }

func (wordProvider) GenerateEmbedding(_ context.Context, text string) (*core.Embedding, error) {
	lower := strings.ToLower(text)
	return &core.Embedding{Vector: []float32{
		float32(strings.Count(lower, "invoice")),
		float32(strings.Count(lower, "meeting")),
	}}, nil
}

func (wordProvider) Chat(context.Context, []core.Message) (*core.ChatResult, error) {
	return &core.ChatResult{Text: "ok"}, nil
}

func (wordProvider) StreamChat(context.Context, []core.Message) (<-chan core.StreamChunk, error) {
	ch := make(chan core.StreamChunk, 1)
	ch <- core.StreamChunk{Text: "ok"}
	close(ch)
	return ch, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store, err := db.NewSQLiteClient(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files, err := objectclient.NewLocalClient(t.TempDir())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cfg := ingestion_engine.DefaultIngestConfig()
	cfg.SearchThreshold = 0.5
	p := ingestion_engine.NewProcessor(store, files, wordProvider{}, extractor.NewDocconvExtractor(extractor.Options{}), cfg, m, zap.NewNop())
	docs := services.NewDocumentService(p, files, zap.NewNop())

	return NewRouter(RouterDeps{
		Config:   &config.Config{AppEnv: "test", JWTSecret: testSecret},
		Docs:     docs,
		Chat:     services.NewChatService(docs, zap.NewNop(), wordProvider{}),
		Gatherer: reg,
		Logger:   zap.NewNop(),
	})
}

func call(t *testing.T, h http.Handler, method, path string, who *models.Scope, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		tok, err := middleware.IssueToken(testSecret, *who, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_DocumentFlow(t *testing.T) {
	h := newTestRouter(t)
	owner := models.Scope{OwnerID: "u1", TeamID: "finance"}
	teammate := models.Scope{OwnerID: "u2", TeamID: "finance"}
	outsider := models.Scope{OwnerID: "u3", TeamID: "ops"}

	rec := call(t, h, http.MethodPost, "/api/documents/", &owner, map[string]any{
		"title":   "Billing notes",
		"content": "The invoice for March was disputed. A second invoice is pending.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, models.StatusReady, doc.Status)

	rec = call(t, h, http.MethodPost, "/api/documents/search", &teammate, map[string]any{"query": "invoice"})
	require.Equal(t, http.StatusOK, rec.Code)
	var found struct {
		Matches []models.ChunkMatch `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	require.NotEmpty(t, found.Matches)
	assert.Equal(t, doc.ID, found.Matches[0].DocumentID)

	rec = call(t, h, http.MethodGet, "/api/documents/"+doc.ID, &outsider, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, h, http.MethodDelete, "/api/documents/"+doc.ID, &teammate, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, h, http.MethodPost, "/api/chat/query", &owner, map[string]any{"query": "what about the invoice?"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	rec = call(t, h, http.MethodDelete, "/api/documents/"+doc.ID, &owner, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = call(t, h, http.MethodGet, "/api/documents/"+doc.ID, &owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Errors(t *testing.T) {
	h := newTestRouter(t)
	owner := models.Scope{OwnerID: "u1"}

	tests := []struct {
		name   string
		method string
		path   string
		who    *models.Scope
		body   any
		want   int
	}{
		{"no token", http.MethodGet, "/api/documents/", nil, nil, http.StatusUnauthorized},
		{"empty content", http.MethodPost, "/api/documents/", &owner, map[string]any{"title": "x"}, http.StatusBadRequest},
		{"bad search mode", http.MethodPost, "/api/documents/search", &owner, map[string]any{"query": "x", "mode": "fuzzy"}, http.StatusBadRequest},
		{"empty chat query", http.MethodPost, "/api/chat/query", &owner, map[string]any{}, http.StatusBadRequest},
		{"health", http.MethodGet, "/healthz", nil, nil, http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", nil, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, h, tt.method, tt.path, tt.who, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
