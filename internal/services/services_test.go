package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/core"
	db "github.com/markdave123-py/crmrag/internal/core/database"
	"github.com/markdave123-py/crmrag/internal/core/extractor"
	"github.com/markdave123-py/crmrag/internal/core/ingestion_engine"
	"github.com/markdave123-py/crmrag/internal/core/llm"
	objectclient "github.com/markdave123-py/crmrag/internal/core/object-client"
	"github.com/markdave123-py/crmrag/internal/models"
)

// stubProvider embeds by counting a few CRM keywords, so related texts land
// close together, and answers chats with a fixed reply.
type stubProvider struct {
	name      string
	available bool
	lastUser  string
}

var keywords = []string{"acme", "renewal", "globex", "churn"}

func (s *stubProvider) Name() string       { return s.name }
func (s *stubProvider) Model() string      { return "stub" }
func (s *stubProvider) Dimension() int     { return len(keywords) }
func (s *stubProvider) MaxConcurrent() int { return 2 }
func (s *stubProvider) Close() error       { return nil }

func (s *stubProvider) IsAvailable(context.Context) bool { return s.available }

func (s *stubProvider) GenerateEmbedding(_ context.Context, text string) (*core.Embedding, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(keywords))
	for i, k := range keywords {
		vec[i] = float32(strings.Count(lower, k))
	}
	return &core.Embedding{Vector: vec}, nil
}

func (s *stubProvider) Chat(_ context.Context, msgs []core.Message) (*core.ChatResult, error) {
	s.lastUser = msgs[len(msgs)-1].Content
	return &core.ChatResult{Text: "answer from " + s.name}, nil
}

func (s *stubProvider) StreamChat(ctx context.Context, msgs []core.Message) (<-chan core.StreamChunk, error) {
	ch := make(chan core.StreamChunk, 2)
	ch <- core.StreamChunk{Text: "part one "}
	ch <- core.StreamChunk{Text: "part two"}
	close(ch)
	return ch, nil
}

type fixture struct {
	docs      *DocumentService
	processor *ingestion_engine.Processor
	files     *objectclient.LocalClient
}

func newFixture(t *testing.T, emb core.EmbeddingProvider) fixture {
	t.Helper()
	ctx := context.Background()
	store, err := db.NewSQLiteClient(ctx, ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files, err := objectclient.NewLocalClient(t.TempDir())
	require.NoError(t, err)

	ext := extractor.NewDocconvExtractor(extractor.Options{})
	cfg := ingestion_engine.IngestConfig{ChunkSize: 60, BatchSize: 2, BatchDelay: time.Millisecond, SearchThreshold: 0.5}
	p := ingestion_engine.NewProcessor(store, files, emb, ext, cfg, nil, zap.NewNop())
	return fixture{docs: NewDocumentService(p, files, zap.NewNop()), processor: p, files: files}
}

var (
	alice = models.Scope{OwnerID: "alice", TeamID: "sales"}
	bob   = models.Scope{OwnerID: "bob", TeamID: "sales"}
	carol = models.Scope{OwnerID: "carol", TeamID: "support"}
)

func opts(s models.Scope, private bool) models.ScopeOptions {
	return models.ScopeOptions{OwnerID: s.OwnerID, TeamID: s.TeamID, DepartmentID: s.DepartmentID, IsPrivate: private}
}

func TestCanView(t *testing.T) {
	tests := []struct {
		name string
		doc  models.Document
		who  models.Scope
		want bool
	}{
		{"owner private", models.Document{OwnerID: "alice", IsPrivate: true}, alice, true},
		{"teammate shared", models.Document{OwnerID: "alice", TeamID: "sales"}, bob, true},
		{"teammate private", models.Document{OwnerID: "alice", TeamID: "sales", IsPrivate: true}, bob, false},
		{"other team", models.Document{OwnerID: "alice", TeamID: "sales"}, carol, false},
		{"department", models.Document{OwnerID: "x", DepartmentID: "emea"}, models.Scope{OwnerID: "y", DepartmentID: "emea"}, true},
		{"unscoped shared", models.Document{OwnerID: "x"}, carol, true},
		{"empty team does not match", models.Document{OwnerID: "x", DepartmentID: "emea"}, models.Scope{OwnerID: "y"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanView(&tt.doc, tt.who))
		})
	}
}

func TestDocumentService_TextLifecycle(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "stub", available: true})
	ctx := context.Background()

	doc, err := f.docs.CreateFromText(ctx, opts(alice, false), "Acme account", "Acme renewal is due in June. Acme wants a discount on the renewal.", nil)
	require.NoError(t, err)

	got, err := f.docs.Get(ctx, bob, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme account", got.Title)

	_, err = f.docs.Get(ctx, carol, doc.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.docs.Update(ctx, bob, doc.ID, models.DocumentPatch{Title: ptr("mine now")})
	assert.ErrorIs(t, err, core.ErrForbidden)
	assert.ErrorIs(t, f.docs.Delete(ctx, bob, doc.ID), core.ErrForbidden)

	updated, err := f.docs.Update(ctx, alice, doc.ID, models.DocumentPatch{Content: ptr("Globex churn risk is high this quarter.")})
	require.NoError(t, err)
	assert.Equal(t, doc.ID, updated.ID)

	matches, err := f.docs.Search(ctx, alice, "globex churn", -1, 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, doc.ID, matches[0].DocumentID)

	matches, err = f.docs.Search(ctx, alice, "acme renewal", -1, 5)
	require.NoError(t, err)
	assert.Empty(t, matches, "old chunks are gone")

	require.NoError(t, f.docs.Delete(ctx, alice, doc.ID))
	list, err := f.docs.List(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDocumentService_UploadQueuesAndProcesses(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "stub", available: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.processor.Start(ctx, 1)

	st, err := f.docs.Upload(ctx, opts(alice, true), "../../call notes.txt", "text/plain",
		[]byte("Globex asked about churn credits."), map[string]any{"account": "globex"})
	require.NoError(t, err)
	require.NotEmpty(t, st.DocumentID)
	assert.Equal(t, "call_notes.txt", st.FileName)

	_, visible := f.docs.Job(bob, st.DocumentID)
	assert.False(t, visible, "jobs are only visible to their owner")

	var doc *models.Document
	require.Eventually(t, func() bool {
		doc, err = f.docs.Get(context.Background(), alice, st.DocumentID)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "call_notes.txt", doc.Title)
	assert.Equal(t, "globex", doc.Metadata["account"])
	assert.Equal(t, "users/alice/documents/"+st.DocumentID+"/call_notes.txt", doc.Metadata["storage_path"])
	assert.True(t, doc.IsPrivate)

	data, err := f.files.Download(context.Background(), doc.Metadata["storage_path"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Globex asked about churn credits.", string(data))

	require.NoError(t, f.docs.Delete(context.Background(), alice, doc.ID))
	_, err = f.files.Download(context.Background(), "users/alice/documents/"+st.DocumentID+"/call_notes.txt")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDocumentService_UploadRejectsEmpty(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "stub", available: true})
	_, err := f.docs.Upload(context.Background(), opts(alice, false), "a.txt", "text/plain", nil, nil)
	assert.ErrorIs(t, err, core.ErrEmptyDocument)
}

func TestChatService_AnswerUsesFirstAvailable(t *testing.T) {
	primary := &stubProvider{name: "down", available: false}
	backup := &stubProvider{name: "backup", available: true}
	f := newFixture(t, backup)
	ctx := context.Background()

	doc, err := f.docs.CreateFromText(ctx, opts(alice, false), "Acme account", "Acme renewal is due in June.", nil)
	require.NoError(t, err)

	chat := NewChatService(f.docs, zap.NewNop(), primary, backup)
	ans, err := chat.Answer(ctx, alice, ChatRequest{Query: "When is the acme renewal?", DocumentID: doc.ID})
	require.NoError(t, err)
	assert.Equal(t, "answer from backup", ans.Answer)
	assert.Equal(t, "backup", ans.Provider)
	require.NotEmpty(t, ans.Sources)
	assert.Contains(t, backup.lastUser, "Acme renewal is due in June.")
	assert.Contains(t, backup.lastUser, "Question: When is the acme renewal?")

	_, err = chat.Answer(ctx, alice, ChatRequest{Query: "  "})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = chat.Answer(ctx, carol, ChatRequest{Query: "acme", DocumentID: "nope"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestChatService_NoProvider(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "stub", available: true})
	chat := NewChatService(f.docs, zap.NewNop(), &stubProvider{name: "down"})

	_, err := chat.Answer(context.Background(), alice, ChatRequest{Query: "anything"})
	assert.ErrorIs(t, err, llm.ErrNoProviderAvailable)
}

func TestChatService_Stream(t *testing.T) {
	p := &stubProvider{name: "stub", available: true}
	f := newFixture(t, p)
	chat := NewChatService(f.docs, zap.NewNop(), p)

	ch, _, err := chat.Stream(context.Background(), alice, ChatRequest{Query: "globex"})
	require.NoError(t, err)
	var sb strings.Builder
	for c := range ch {
		require.NoError(t, c.Err)
		sb.WriteString(c.Text)
	}
	assert.Equal(t, "part one part two", sb.String())
}

func ptr[T any](v T) *T { return &v }
