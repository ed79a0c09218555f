package ingestion_engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/core/chunker"
	"github.com/markdave123-py/crmrag/internal/models"
)

// GetDocument loads one document.
func (p *Processor) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := p.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, core.WrapStorage("get document", err)
	}
	return doc, nil
}

// ListDocuments returns the documents visible to scope, newest first.
func (p *Processor) ListDocuments(ctx context.Context, scope models.Scope) ([]models.Document, error) {
	docs, err := p.db.ListDocuments(ctx, scope)
	if err != nil {
		return nil, core.WrapStorage("list documents", err)
	}
	return docs, nil
}

// UpdateDocument applies patch to the document id. New content replaces every
// chunk of the document; the id is kept. Embeddings for the new content are
// computed before anything is written.
//
// Chunk replacement is delete-then-insert without a transaction spanning both,
// so a failure in between leaves the document without chunks and marked failed.
func (p *Processor) UpdateDocument(ctx context.Context, id string, patch models.DocumentPatch) (*models.Document, error) {
	doc, err := p.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, core.WrapStorage("get document", err)
	}

	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	for k, v := range patch.Metadata {
		doc.Metadata[k] = v
	}
	privacyChanged := patch.IsPrivate != nil && *patch.IsPrivate != doc.IsPrivate
	if patch.IsPrivate != nil {
		doc.IsPrivate = *patch.IsPrivate
	}

	if patch.Content == nil {
		if err := p.db.UpdateDocument(ctx, doc); err != nil {
			return nil, core.WrapStorage("update document", err)
		}
		if privacyChanged {
			if err := p.restampChunks(ctx, doc); err != nil {
				return nil, err
			}
		}
		doc.UpdatedAt = time.Now().UTC()
		return doc, nil
	}

	chunks, err := chunker.Split(*patch.Content, p.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	vectors, err := p.embedChunks(ctx, id, chunks)
	if err != nil {
		return nil, err
	}

	doc.Content = truncateRunes(*patch.Content, p.cfg.MaxContentLength)
	doc.Metadata["chunk_count"] = len(chunks)
	doc.Metadata["embedding_provider"] = p.embedder.Name()
	doc.Metadata["embedding_model"] = p.embedder.Model()
	doc.Status = models.StatusProcessing
	doc.UpdatedAt = time.Now().UTC()
	if err := p.db.UpdateDocument(ctx, doc); err != nil {
		return nil, core.WrapStorage("update document", err)
	}

	if err := p.replaceChunks(ctx, doc, chunkRows(doc, chunks, vectors)); err != nil {
		return nil, err
	}
	p.metrics.ChunksEmbedded.Add(float64(len(chunks)))
	p.logger.Info("document content replaced", zap.String("document_id", id), zap.Int("chunks", len(chunks)))
	return doc, nil
}

// restampChunks copies the document's sharing flags onto its chunks without
// re-embedding them.
func (p *Processor) restampChunks(ctx context.Context, doc *models.Document) error {
	rows, err := p.db.GetChunksByDocument(ctx, doc.ID)
	if err != nil {
		return core.WrapStorage("get chunks", err)
	}
	for i := range rows {
		rows[i].IsPrivate = doc.IsPrivate
	}
	return p.replaceChunks(ctx, doc, rows)
}

func (p *Processor) replaceChunks(ctx context.Context, doc *models.Document, rows []models.DocumentChunk) error {
	fail := func(op string, err error) error {
		if serr := p.db.UpdateDocumentStatus(context.WithoutCancel(ctx), doc.ID, models.StatusFailed); serr != nil {
			p.logger.Error("marking document failed", zap.String("document_id", doc.ID), zap.Error(serr))
		}
		doc.Status = models.StatusFailed
		return core.WrapStorage(op, err)
	}

	if err := p.db.DeleteChunksByDocument(ctx, doc.ID); err != nil {
		return fail("delete chunks", err)
	}
	if len(rows) > 0 {
		if err := p.db.InsertDocumentChunks(ctx, rows); err != nil {
			return fail("insert chunks", err)
		}
	}
	if err := p.db.UpdateDocumentStatus(ctx, doc.ID, models.StatusReady); err != nil {
		return core.WrapStorage("update status", err)
	}
	doc.Status = models.StatusReady
	return nil
}

// DeleteDocument removes the document, its chunks and, best effort, its source file.
func (p *Processor) DeleteDocument(ctx context.Context, id string) error {
	doc, err := p.db.GetDocumentByID(ctx, id)
	if err != nil {
		return core.WrapStorage("get document", err)
	}
	if err := p.db.DeleteChunksByDocument(ctx, id); err != nil {
		return core.WrapStorage("delete chunks", err)
	}
	if err := p.db.DeleteDocument(ctx, id); err != nil {
		return core.WrapStorage("delete document", err)
	}
	p.forget(id)

	if path, _ := doc.Metadata["storage_path"].(string); path != "" && p.obj != nil {
		if err := p.obj.Remove(ctx, path); err != nil {
			p.logger.Warn("removing source file", zap.String("document_id", id), zap.String("path", path), zap.Error(err))
		}
	}
	p.logger.Info("document deleted", zap.String("document_id", id))
	return nil
}
