package ingestion_engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/models"
)

type memStore struct {
	mu        sync.Mutex
	docs      map[string]models.Document
	chunks    map[string][]models.DocumentChunk
	insertErr error
	similar   []models.ChunkMatch
	text      []models.ChunkMatch
	touched   []string
}

var _ core.DbClient = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{docs: map[string]models.Document{}, chunks: map[string][]models.DocumentChunk{}}
}

func (s *memStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return errors.New("duplicate id")
	}
	s.docs[doc.ID] = *doc
	return nil
}

func (s *memStore) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	meta := map[string]any{}
	for k, v := range d.Metadata {
		meta[k] = v
	}
	d.Metadata = meta
	return &d, nil
}

func (s *memStore) ListDocuments(_ context.Context, scope models.Scope) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Document
	for _, d := range s.docs {
		if d.OwnerID == scope.OwnerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; !ok {
		return core.ErrNotFound
	}
	s.docs[doc.ID] = *doc
	return nil
}

func (s *memStore) UpdateDocumentStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return core.ErrNotFound
	}
	d.Status = status
	s.docs[id] = d
	return nil
}

func (s *memStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.docs, id)
	delete(s.chunks, id)
	return nil
}

func (s *memStore) InsertDocumentChunks(_ context.Context, chunks []models.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	for _, c := range chunks {
		if _, ok := s.docs[c.DocumentID]; !ok {
			return errors.New("foreign key violation")
		}
		s.chunks[c.DocumentID] = append(s.chunks[c.DocumentID], c)
	}
	return nil
}

func (s *memStore) GetChunksByDocument(_ context.Context, id string) ([]models.DocumentChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DocumentChunk(nil), s.chunks[id]...), nil
}

func (s *memStore) DeleteChunksByDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, id)
	return nil
}

func (s *memStore) SearchSimilarChunks(context.Context, []float32, float64, int, models.Scope) ([]models.ChunkMatch, error) {
	return s.similar, nil
}

func (s *memStore) SearchTextChunks(context.Context, string, float64, int, models.Scope) ([]models.ChunkMatch, error) {
	return s.text, nil
}

func (s *memStore) TouchChunks(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = append(s.touched, ids...)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

// fakeEmbedder returns a vector derived from the text length. failOn makes
// calls whose text contains it fail; onCall runs before every call.
type fakeEmbedder struct {
	calls         atomic.Int32
	maxConcurrent int
	failOn        string
	err           error
	onCall        func(n int32)
}

func (f *fakeEmbedder) Name() string       { return "fake" }
func (f *fakeEmbedder) Model() string      { return "fake-embed" }
func (f *fakeEmbedder) MaxConcurrent() int { return f.maxConcurrent }

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) (*core.Embedding, error) {
	n := f.calls.Add(1)
	if f.onCall != nil {
		f.onCall(n)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return nil, errors.New("provider exploded")
	}
	return &core.Embedding{Vector: []float32{float32(len(text)), 1, 0}}, nil
}

type memFiles struct {
	mu      sync.Mutex
	files   map[string][]byte
	removed []string
}

func newMemFiles() *memFiles { return &memFiles{files: map[string][]byte{}} }

func (m *memFiles) Upload(_ context.Context, path string, data []byte, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
	return "mem://" + path, nil
}

func (m *memFiles) Download(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path]
	if !ok {
		return nil, core.ErrNotFound
	}
	return b, nil
}

func (m *memFiles) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	m.removed = append(m.removed, path)
	return nil
}

// textExtractor treats .txt files as text and everything else as unsupported.
type textExtractor struct{}

func (textExtractor) Extract(_ context.Context, data []byte, fileName, _ string) (*core.ExtractedText, error) {
	if strings.HasSuffix(fileName, ".bad") {
		return nil, &core.ExtractionError{FileName: fileName, Err: errors.New("corrupt")}
	}
	if !strings.HasSuffix(fileName, ".txt") {
		return &core.ExtractedText{Metadata: map[string]string{"kind": "unsupported"}}, nil
	}
	return &core.ExtractedText{
		Text:     string(data),
		Found:    true,
		Metadata: map[string]string{"kind": "text", "page_count": "1"},
	}, nil
}
