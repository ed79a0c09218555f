package services

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/core/ingestion_engine"
	"github.com/markdave123-py/crmrag/internal/models"
)

// DocumentService applies caller visibility on top of the processor and owns
// the file store layout of uploads.
type DocumentService struct {
	processor *ingestion_engine.Processor
	storage   core.ObjectClient
	logger    *zap.Logger
}

func NewDocumentService(processor *ingestion_engine.Processor, storage core.ObjectClient, logger *zap.Logger) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentService{processor: processor, storage: storage, logger: logger.Named("documents")}
}

// Upload stores the file and queues it for processing. The returned state
// carries the id the document will have once it is ready.
func (s *DocumentService) Upload(ctx context.Context, scope models.ScopeOptions, fileName, contentType string, data []byte, metadata map[string]any) (ingestion_engine.JobState, error) {
	if len(data) == 0 {
		return ingestion_engine.JobState{}, core.ErrEmptyDocument
	}
	docID := uuid.NewString()
	fileName = cleanFileName(fileName)
	key := s.objectKey(scope.OwnerID, docID, fileName)

	ref, err := s.storage.Upload(ctx, key, data, map[string]string{
		"mime_type": contentType,
		"owner_id":  scope.OwnerID,
	})
	if err != nil {
		return ingestion_engine.JobState{}, core.WrapStorage("upload "+key, err)
	}
	s.logger.Debug("upload stored", zap.String("document_id", docID), zap.String("ref", ref))

	job := ingestion_engine.Job{
		DocumentID: docID,
		File: models.FileRef{
			Path:     key,
			FileName: fileName,
			MimeType: contentType,
			Size:     int64(len(data)),
		},
		Metadata: metadata,
		Scope:    scope,
	}
	if _, err := s.processor.Enqueue(ctx, job); err != nil {
		if rerr := s.storage.Remove(context.WithoutCancel(ctx), key); rerr != nil {
			s.logger.Warn("removing unqueued upload", zap.String("path", key), zap.Error(rerr))
		}
		return ingestion_engine.JobState{}, err
	}

	st, _ := s.processor.JobState(docID)
	return st, nil
}

// CreateFromText processes pasted text synchronously.
func (s *DocumentService) CreateFromText(ctx context.Context, scope models.ScopeOptions, title, content string, metadata map[string]any) (*models.Document, error) {
	return s.processor.ProcessDocument(ctx, title, content, metadata, scope)
}

// Get returns the document when caller may see it. Documents the caller may
// not see are reported as not found.
func (s *DocumentService) Get(ctx context.Context, caller models.Scope, id string) (*models.Document, error) {
	doc, err := s.processor.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(doc, caller) {
		return nil, core.ErrNotFound
	}
	return doc, nil
}

// Job reports the state of an upload the caller queued.
func (s *DocumentService) Job(caller models.Scope, id string) (ingestion_engine.JobState, bool) {
	st, ok := s.processor.JobState(id)
	if !ok || st.OwnerID != caller.OwnerID {
		return ingestion_engine.JobState{}, false
	}
	return st, true
}

func (s *DocumentService) List(ctx context.Context, caller models.Scope) ([]models.Document, error) {
	return s.processor.ListDocuments(ctx, caller)
}

// Update changes a document owned by caller.
func (s *DocumentService) Update(ctx context.Context, caller models.Scope, id string, patch models.DocumentPatch) (*models.Document, error) {
	if err := s.authorizeWrite(ctx, caller, id); err != nil {
		return nil, err
	}
	return s.processor.UpdateDocument(ctx, id, patch)
}

// Delete removes a document owned by caller.
func (s *DocumentService) Delete(ctx context.Context, caller models.Scope, id string) error {
	if err := s.authorizeWrite(ctx, caller, id); err != nil {
		return err
	}
	return s.processor.DeleteDocument(ctx, id)
}

// Search runs a similarity search; a negative threshold or zero limit uses the defaults.
func (s *DocumentService) Search(ctx context.Context, caller models.Scope, query string, threshold float64, limit int) ([]models.ChunkMatch, error) {
	return s.processor.SearchSimilarDocuments(ctx, query, threshold, limit, caller)
}

// SearchText runs a lexical search only.
func (s *DocumentService) SearchText(ctx context.Context, caller models.Scope, query string, minRank float64, limit int) ([]models.ChunkMatch, error) {
	return s.processor.SearchText(ctx, query, minRank, limit, caller)
}

func (s *DocumentService) authorizeWrite(ctx context.Context, caller models.Scope, id string) error {
	doc, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	if doc.OwnerID != caller.OwnerID {
		return core.ErrForbidden
	}
	return nil
}

// CanView reports whether caller may see doc: its own documents, and shared
// documents of its team or department or without any team and department.
func CanView(doc *models.Document, caller models.Scope) bool {
	if doc.OwnerID == caller.OwnerID {
		return true
	}
	if doc.IsPrivate {
		return false
	}
	if doc.TeamID == "" && doc.DepartmentID == "" {
		return true
	}
	return (doc.TeamID != "" && doc.TeamID == caller.TeamID) ||
		(doc.DepartmentID != "" && doc.DepartmentID == caller.DepartmentID)
}

// objectKey creates a consistent key layout.
func (s *DocumentService) objectKey(userID, docID, filename string) string {
	return path.Join("users", userID, "documents", docID, filename)
}

func cleanFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	name = strings.ReplaceAll(name, " ", "_")
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}
