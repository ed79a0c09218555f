package ingestion_engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/models"
)

func ptr[T any](v T) *T { return &v }

func TestUpdateDocument_RegeneratesChunks(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{maxConcurrent: 2}
	p := newTestProcessor(store, newMemFiles(), emb, IngestConfig{ChunkSize: 12})
	ctx := context.Background()

	doc, err := p.ProcessDocument(ctx, "Deal", "old deal terms for acme", nil, owner)
	require.NoError(t, err)
	before, _ := store.GetChunksByDocument(ctx, doc.ID)

	updated, err := p.UpdateDocument(ctx, doc.ID, models.DocumentPatch{
		Title:   ptr("Deal v2"),
		Content: ptr("brand new renewal terms signed by globex in may"),
	})
	require.NoError(t, err)
	assert.Equal(t, doc.ID, updated.ID)
	assert.Equal(t, "Deal v2", updated.Title)
	assert.Equal(t, models.StatusReady, updated.Status)

	after, _ := store.GetChunksByDocument(ctx, doc.ID)
	require.NotEmpty(t, after)
	assert.Equal(t, len(after), updated.Metadata["chunk_count"])
	oldIDs := map[string]bool{}
	for _, c := range before {
		oldIDs[c.ID] = true
	}
	for i, c := range after {
		assert.False(t, oldIDs[c.ID], "old chunks are replaced")
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, doc.ID, c.DocumentID)
	}

	stored, err := p.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "brand new renewal terms signed by globex in may", stored.Content)
	assert.Equal(t, models.StatusReady, stored.Status)
}

func TestUpdateDocument_EmbeddingFailureKeepsOldChunks(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{maxConcurrent: 1, failOn: "poison"}
	p := newTestProcessor(store, newMemFiles(), emb, IngestConfig{})
	ctx := context.Background()

	doc, err := p.ProcessDocument(ctx, "Deal", "original text", nil, owner)
	require.NoError(t, err)

	_, err = p.UpdateDocument(ctx, doc.ID, models.DocumentPatch{Content: ptr("poison text")})
	require.Error(t, err)

	chunks, _ := store.GetChunksByDocument(ctx, doc.ID)
	require.Len(t, chunks, 1)
	assert.Equal(t, "original text", chunks[0].Content)
}

func TestUpdateDocument_PrivacyRestampsWithoutEmbedding(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{maxConcurrent: 1}
	p := newTestProcessor(store, newMemFiles(), emb, IngestConfig{ChunkSize: 10})
	ctx := context.Background()

	doc, err := p.ProcessDocument(ctx, "Deal", "one two three four five", nil, owner)
	require.NoError(t, err)
	calls := emb.calls.Load()

	updated, err := p.UpdateDocument(ctx, doc.ID, models.DocumentPatch{
		IsPrivate: ptr(true),
		Metadata:  map[string]any{"stage": "closed"},
	})
	require.NoError(t, err)
	assert.True(t, updated.IsPrivate)
	assert.Equal(t, "closed", updated.Metadata["stage"])
	assert.Equal(t, calls, emb.calls.Load())

	chunks, _ := store.GetChunksByDocument(ctx, doc.ID)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.True(t, c.IsPrivate)
		assert.NotEmpty(t, c.Embedding)
	}
}

func TestUpdateDocument_InsertFailureMarksFailed(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store, newMemFiles(), &fakeEmbedder{maxConcurrent: 1}, IngestConfig{})
	ctx := context.Background()

	doc, err := p.ProcessDocument(ctx, "Deal", "original text", nil, owner)
	require.NoError(t, err)

	store.insertErr = errors.New("disk full")
	_, err = p.UpdateDocument(ctx, doc.ID, models.DocumentPatch{Content: ptr("new text")})
	var se *core.StorageError
	require.ErrorAs(t, err, &se)

	stored, err := p.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestUpdateDocument_NotFound(t *testing.T) {
	p := newTestProcessor(newMemStore(), newMemFiles(), &fakeEmbedder{maxConcurrent: 1}, IngestConfig{})
	_, err := p.UpdateDocument(context.Background(), "missing", models.DocumentPatch{Title: ptr("x")})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDeleteDocument(t *testing.T) {
	store := newMemStore()
	files := newMemFiles()
	files.files["u1/a.txt"] = []byte("quarterly pipeline review")
	p := newTestProcessor(store, files, &fakeEmbedder{maxConcurrent: 1}, IngestConfig{})
	ctx := context.Background()

	doc, err := p.ProcessFile(ctx, models.FileRef{Path: "u1/a.txt", FileName: "a.txt"}, nil, owner)
	require.NoError(t, err)

	require.NoError(t, p.DeleteDocument(ctx, doc.ID))
	_, err = p.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, store.chunkCount())
	assert.Equal(t, []string{"u1/a.txt"}, files.removed)

	assert.ErrorIs(t, p.DeleteDocument(ctx, doc.ID), core.ErrNotFound)
}

func TestListDocuments(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store, newMemFiles(), &fakeEmbedder{maxConcurrent: 1}, IngestConfig{})
	ctx := context.Background()

	_, err := p.ProcessDocument(ctx, "a", "first doc", nil, owner)
	require.NoError(t, err)
	_, err = p.ProcessDocument(ctx, "b", "second doc", nil, models.ScopeOptions{OwnerID: "u2"})
	require.NoError(t, err)

	docs, err := p.ListDocuments(ctx, models.Scope{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].Title)
}
