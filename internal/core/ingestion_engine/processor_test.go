package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/models"
)

var owner = models.ScopeOptions{OwnerID: "u1", TeamID: "t1"}

func newTestProcessor(store *memStore, files *memFiles, emb *fakeEmbedder, cfg IngestConfig) *Processor {
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = time.Millisecond
	}
	return NewProcessor(store, files, emb, textExtractor{}, cfg, nil, zap.NewNop())
}

func TestProcessDocument_FillerSplitsIntoOrderedChunks(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{maxConcurrent: 3}
	p := newTestProcessor(store, newMemFiles(), emb, IngestConfig{ChunkSize: 1000, BatchSize: 4})

	content := strings.Repeat("filler ", 1429) + "end"
	require.GreaterOrEqual(t, len(content), 10000)

	doc, err := p.ProcessDocument(context.Background(), "Filler", content, nil, owner)
	require.NoError(t, err)

	chunks, err := store.GetChunksByDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })

	var words []string
	for i, c := range chunks {
		assert.Equal(t, doc.ID, c.DocumentID)
		assert.Equal(t, i, c.ChunkIndex)
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Content), 1000)
		assert.NotEmpty(t, c.Embedding)
		assert.Equal(t, "u1", c.OwnerID)
		assert.Equal(t, "t1", c.TeamID)
		words = append(words, c.Content)
	}
	assert.Equal(t, strings.Fields(content), strings.Fields(strings.Join(words, " ")))

	assert.EqualValues(t, len(chunks), emb.calls.Load())
	assert.Equal(t, models.StatusReady, doc.Status)
	assert.Equal(t, len(chunks), doc.Metadata["chunk_count"])
	assert.Equal(t, "fake", doc.Metadata["embedding_provider"])
	assert.Equal(t, "fake-embed", doc.Metadata["embedding_model"])
}

func TestProcessDocument_EmptyContent(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{maxConcurrent: 1}
	p := newTestProcessor(store, newMemFiles(), emb, IngestConfig{})

	_, err := p.ProcessDocument(context.Background(), "Empty", "  \n\t ", nil, owner)
	require.ErrorIs(t, err, core.ErrEmptyDocument)
	assert.Empty(t, store.docs)
	assert.Zero(t, emb.calls.Load())
}

func TestProcessDocument_RequiresOwner(t *testing.T) {
	p := newTestProcessor(newMemStore(), newMemFiles(), &fakeEmbedder{maxConcurrent: 1}, IngestConfig{})
	_, err := p.ProcessDocument(context.Background(), "x", "some text", nil, models.ScopeOptions{})
	assert.Error(t, err)
}

func TestProcessDocument_EmbeddingFailureWritesNothing(t *testing.T) {
	store := newMemStore()
	emb := &fakeEmbedder{maxConcurrent: 2, failOn: "poison"}
	p := newTestProcessor(store, newMemFiles(), emb, IngestConfig{ChunkSize: 20, BatchSize: 2})

	content := "alpha beta gamma delta epsilon zeta eta theta poison iota kappa lambda"
	_, err := p.ProcessDocument(context.Background(), "Bad", content, nil, owner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider exploded")

	assert.Empty(t, store.docs)
	assert.Zero(t, store.chunkCount())
}

func TestProcessDocument_CancelStopsBeforeNextBatch(t *testing.T) {
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emb := &fakeEmbedder{maxConcurrent: 1, onCall: func(int32) { cancel() }}
	p := newTestProcessor(store, newMemFiles(), emb, IngestConfig{ChunkSize: 10, BatchSize: 1, BatchDelay: time.Hour})

	_, err := p.ProcessDocument(ctx, "Cancelled", "one two three four five six seven eight", nil, owner)
	require.ErrorIs(t, err, core.ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)

	assert.EqualValues(t, 1, emb.calls.Load(), "the running batch finishes, no new batch starts")
	assert.Empty(t, store.docs)
	assert.Zero(t, store.chunkCount())
}

func TestProcessDocument_ChunkInsertFailureRollsBack(t *testing.T) {
	store := newMemStore()
	store.insertErr = errors.New("disk full")
	p := newTestProcessor(store, newMemFiles(), &fakeEmbedder{maxConcurrent: 1}, IngestConfig{})

	_, err := p.ProcessDocument(context.Background(), "Doc", "some words here", nil, owner)
	var se *core.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "insert chunks", se.Op)
	assert.Empty(t, store.docs, "document row is removed again")
}

type countingEmbedder struct {
	fakeEmbedder
	inflight atomic.Int32
	peak     atomic.Int32
}

func (c *countingEmbedder) GenerateEmbedding(ctx context.Context, text string) (*core.Embedding, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.fakeEmbedder.GenerateEmbedding(ctx, text)
}

func TestProcessDocument_BatchConcurrencyBoundedByProvider(t *testing.T) {
	store := newMemStore()
	emb := &countingEmbedder{fakeEmbedder: fakeEmbedder{maxConcurrent: 2}}
	p := NewProcessor(store, newMemFiles(), emb, textExtractor{}, IngestConfig{ChunkSize: 5, BatchSize: 8}, nil, nil)

	_, err := p.ProcessDocument(context.Background(), "Wide", strings.Repeat("word ", 16), nil, owner)
	require.NoError(t, err)
	assert.LessOrEqual(t, emb.peak.Load(), int32(2))
	assert.EqualValues(t, 16, emb.calls.Load())
}

// strictEmbedder rejects calls beyond maxConcurrent the way the provider guard does.
type strictEmbedder struct {
	fakeEmbedder
	inflight atomic.Int32
	rejected atomic.Int32
	busy     atomic.Int32
}

func (s *strictEmbedder) GenerateEmbedding(ctx context.Context, text string) (*core.Embedding, error) {
	if s.busy.Load() > 0 {
		s.busy.Add(-1)
		s.rejected.Add(1)
		return nil, fmt.Errorf("strict: %w", core.ErrConcurrencyLimit)
	}
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	if int(n) > s.maxConcurrent {
		s.rejected.Add(1)
		return nil, fmt.Errorf("strict: %w", core.ErrConcurrencyLimit)
	}
	time.Sleep(10 * time.Millisecond)
	return s.fakeEmbedder.GenerateEmbedding(ctx, text)
}

func TestProcessDocument_ConcurrentDocumentsShareProviderSlots(t *testing.T) {
	store := newMemStore()
	emb := &strictEmbedder{fakeEmbedder: fakeEmbedder{maxConcurrent: 5}}
	p := NewProcessor(store, newMemFiles(), emb, textExtractor{}, IngestConfig{ChunkSize: 10, BatchSize: 5}, nil, nil)

	content := strings.Repeat("word ", 20)
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.ProcessDocument(context.Background(), "Doc", content, nil, owner)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Zero(t, emb.rejected.Load())
	docs, err := store.ListDocuments(context.Background(), models.Scope{OwnerID: owner.OwnerID})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestProcessDocument_ResubmitsWhenProviderIsBusy(t *testing.T) {
	store := newMemStore()
	emb := &strictEmbedder{fakeEmbedder: fakeEmbedder{maxConcurrent: 2}}
	emb.busy.Store(2)
	p := NewProcessor(store, newMemFiles(), emb, textExtractor{}, IngestConfig{}, nil, nil)

	doc, err := p.ProcessDocument(context.Background(), "Busy", "short note", nil, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, doc.Status)
	assert.EqualValues(t, 2, emb.rejected.Load())
	assert.EqualValues(t, 1, emb.calls.Load())
}

func TestProcessDocument_TruncatesStoredContent(t *testing.T) {
	store := newMemStore()
	p := newTestProcessor(store, newMemFiles(), &fakeEmbedder{maxConcurrent: 1}, IngestConfig{MaxContentLength: 5})

	doc, err := p.ProcessDocument(context.Background(), "", "héllo wörld again", map[string]any{"source": "crm"}, owner)
	require.NoError(t, err)
	assert.Equal(t, "héllo", doc.Content)
	assert.Equal(t, "Untitled", doc.Title)
	assert.Equal(t, "crm", doc.Metadata["source"])

	chunks, _ := store.GetChunksByDocument(context.Background(), doc.ID)
	require.Len(t, chunks, 1)
	assert.Equal(t, "héllo wörld again", chunks[0].Content, "chunks use the full text")
}

func TestProcessFile(t *testing.T) {
	store := newMemStore()
	files := newMemFiles()
	files.files["u1/notes.txt"] = []byte("Acme renewal call notes")
	p := newTestProcessor(store, files, &fakeEmbedder{maxConcurrent: 1}, IngestConfig{})

	ref := models.FileRef{Path: "u1/notes.txt", FileName: "notes.txt", MimeType: "text/plain", Size: 23}
	doc, err := p.ProcessFile(context.Background(), ref, map[string]any{"title": "Call notes"}, owner)
	require.NoError(t, err)

	assert.Equal(t, "Call notes", doc.Title)
	assert.Equal(t, "notes.txt", doc.Metadata["file_name"])
	assert.Equal(t, "text/plain", doc.Metadata["mime_type"])
	assert.Equal(t, 23, doc.Metadata["file_size"])
	assert.Equal(t, 1, doc.Metadata["page_count"])
	assert.Equal(t, "u1/notes.txt", doc.Metadata["storage_path"])
	assert.NotContains(t, doc.Metadata, "title")
}

func TestProcessFile_Failures(t *testing.T) {
	files := newMemFiles()
	files.files["a.png"] = []byte{0x89}
	files.files["b.bad"] = []byte("??")
	p := newTestProcessor(newMemStore(), files, &fakeEmbedder{maxConcurrent: 1}, IngestConfig{})
	ctx := context.Background()

	_, err := p.ProcessFile(ctx, models.FileRef{Path: "a.png", FileName: "a.png"}, nil, owner)
	var ee *core.ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.ErrorIs(t, err, core.ErrNoText)

	_, err = p.ProcessFile(ctx, models.FileRef{Path: "b.bad", FileName: "b.bad"}, nil, owner)
	require.ErrorAs(t, err, &ee)
	assert.NotErrorIs(t, err, core.ErrNoText)

	_, err = p.ProcessFile(ctx, models.FileRef{Path: "missing.txt", FileName: "missing.txt"}, nil, owner)
	var se *core.StorageError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 0))
	assert.Equal(t, "abc", truncateRunes("abc", 3))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "日本", truncateRunes("日本語", 2))
}
