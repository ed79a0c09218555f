package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/core/chunker"
	"github.com/markdave123-py/crmrag/internal/core/retry"
	"github.com/markdave123-py/crmrag/internal/metrics"
	"github.com/markdave123-py/crmrag/internal/models"
)

// Processor turns text and uploaded files into documents with embedded chunks,
// and answers searches over them.
//
// db:        persistence for documents and chunks.
// obj:       file store holding uploaded sources.
// embedder:  embedding provider.
// extractor: raw bytes -> plain text.
// slots:     embedding calls in flight across every caller, sized to the provider's MaxConcurrent.
// resubmit:  backoff for calls the provider turned away for lack of a free slot.
// jobs:      in-memory queue of uploads waiting for a worker.
type Processor struct {
	db        core.DbClient
	obj       core.ObjectClient
	embedder  core.EmbeddingProvider
	slots     *semaphore.Weighted
	resubmit  *retry.Handler
	extractor core.DocumentExtractor
	cfg       IngestConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger

	jobs   chan Job
	mu     sync.Mutex
	states map[string]JobState
}

// NewProcessor wires the processor. A nil logger or metrics disables them.
func NewProcessor(
	db core.DbClient,
	obj core.ObjectClient,
	emb core.EmbeddingProvider,
	extractor core.DocumentExtractor,
	cfg IngestConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Processor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Processor{
		db: db, obj: obj, embedder: emb, extractor: extractor,
		slots:    semaphore.NewWeighted(int64(max(1, emb.MaxConcurrent()))),
		resubmit: retry.NewHandler(resubmitPolicy),
		cfg: cfg, metrics: m, logger: logger.Named("processor"),
		jobs:   make(chan Job, cfg.QueueSize),
		states: make(map[string]JobState),
	}
}

// ProcessDocument chunks and embeds content and stores it as a new document.
// Nothing is written unless every chunk was embedded.
func (p *Processor) ProcessDocument(ctx context.Context, title, content string, metadata map[string]any, scope models.ScopeOptions) (*models.Document, error) {
	return p.process(ctx, uuid.NewString(), title, content, cloneMeta(metadata), scope)
}

// ProcessFile downloads ref from the file store, extracts its text and processes it.
// Files without extractable text fail with an ExtractionError wrapping core.ErrNoText.
func (p *Processor) ProcessFile(ctx context.Context, ref models.FileRef, metadata map[string]any, scope models.ScopeOptions) (*models.Document, error) {
	return p.processFile(ctx, uuid.NewString(), ref, metadata, scope)
}

func (p *Processor) processFile(ctx context.Context, id string, ref models.FileRef, metadata map[string]any, scope models.ScopeOptions) (*models.Document, error) {
	data, err := p.obj.Download(ctx, ref.Path)
	if err != nil {
		p.metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return nil, core.WrapStorage("download "+ref.Path, err)
	}

	extracted, err := p.extractor.Extract(ctx, data, ref.FileName, ref.MimeType)
	if err != nil {
		p.metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return nil, err
	}
	if !extracted.Found || strings.TrimSpace(extracted.Text) == "" {
		p.metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return nil, &core.ExtractionError{FileName: ref.FileName, MimeType: ref.MimeType, Err: core.ErrNoText}
	}

	meta := cloneMeta(metadata)
	for k, v := range extracted.Metadata {
		meta[k] = v
	}
	meta["file_name"] = ref.FileName
	meta["file_size"] = len(data)
	meta["storage_path"] = ref.Path
	if ref.MimeType != "" {
		meta["mime_type"] = ref.MimeType
	}
	if n, err := strconv.Atoi(extracted.Metadata["page_count"]); err == nil {
		meta["page_count"] = n
	}

	title, _ := meta["title"].(string)
	delete(meta, "title")
	if strings.TrimSpace(title) == "" {
		title = ref.FileName
	}

	return p.process(ctx, id, title, extracted.Text, meta, scope)
}

func (p *Processor) process(ctx context.Context, id, title, content string, meta map[string]any, scope models.ScopeOptions) (doc *models.Document, err error) {
	start := time.Now()
	defer func() { p.observe(start, err) }()

	if scope.OwnerID == "" {
		return nil, fmt.Errorf("%w: document owner is required", core.ErrInvalidInput)
	}
	if strings.TrimSpace(title) == "" {
		title = "Untitled"
	}

	chunks, err := chunker.Split(content, p.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	vectors, err := p.embedChunks(ctx, id, chunks)
	if err != nil {
		return nil, err
	}

	meta["chunk_count"] = len(chunks)
	meta["embedding_provider"] = p.embedder.Name()
	meta["embedding_model"] = p.embedder.Model()

	now := time.Now().UTC()
	doc = &models.Document{
		ID:           id,
		Title:        title,
		Content:      truncateRunes(content, p.cfg.MaxContentLength),
		Metadata:     meta,
		OwnerID:      scope.OwnerID,
		TeamID:       scope.TeamID,
		DepartmentID: scope.DepartmentID,
		IsPrivate:    scope.IsPrivate,
		Status:       models.StatusReady,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.db.CreateDocument(ctx, doc); err != nil {
		return nil, core.WrapStorage("create document", err)
	}

	if err := p.db.InsertDocumentChunks(ctx, chunkRows(doc, chunks, vectors)); err != nil {
		// the document row must not outlive a failed chunk write
		if derr := p.db.DeleteDocument(context.WithoutCancel(ctx), id); derr != nil {
			p.logger.Error("rollback of document failed", zap.String("document_id", id), zap.Error(derr))
		}
		return nil, core.WrapStorage("insert chunks", err)
	}

	p.metrics.ChunksEmbedded.Add(float64(len(chunks)))
	p.logger.Info("document processed",
		zap.String("document_id", id),
		zap.Int("chunks", len(chunks)),
		zap.Duration("took", time.Since(start)),
	)
	return doc, nil
}

// embedChunks embeds chunks in index order, BatchSize at a time with BatchDelay
// between batches. Calls inside a batch run concurrently; across all documents
// and searches at most MaxConcurrent calls are in flight. Once cancelled, the running batch is allowed to
// finish but no further batch starts.
func (p *Processor) embedChunks(ctx context.Context, docID string, chunks []chunker.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	width := min(p.cfg.BatchSize, max(1, p.embedder.MaxConcurrent()))
	callCtx := context.WithoutCancel(ctx)

	for start := 0; start < len(chunks); start += p.cfg.BatchSize {
		if start > 0 && p.cfg.BatchDelay > 0 {
			if err := pause(ctx, p.cfg.BatchDelay); err != nil {
				return nil, aborted(err)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, aborted(err)
		}

		end := min(start+p.cfg.BatchSize, len(chunks))
		g, gctx := errgroup.WithContext(callCtx)
		g.SetLimit(width)
		for i := start; i < end; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				emb, err := p.embed(gctx, chunks[i].Text)
				if err != nil {
					return fmt.Errorf("embed chunk %d of %d: %w", i+1, len(chunks), err)
				}
				if len(emb.Vector) == 0 {
					return fmt.Errorf("embed chunk %d of %d: empty vector", i+1, len(chunks))
				}
				vectors[i] = emb.Vector
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		p.logger.Debug("embedded batch",
			zap.String("document_id", docID),
			zap.Int("from", start),
			zap.Int("to", end),
			zap.Int("total", len(chunks)),
		)
	}
	return vectors, nil
}

// resubmitPolicy covers slots taken by callers outside the processor, such as
// chat requests sharing the provider.
var resubmitPolicy = retry.Config{
	MaxRetries:    6,
	InitialDelay:  50 * time.Millisecond,
	MaxDelay:      2 * time.Second,
	BackoffFactor: 2,
	JitterFactor:  0.2,
}

// embed runs one provider call under the processor-wide slot limit. A call the
// provider rejects with core.ErrConcurrencyLimit is resubmitted after a backoff.
func (p *Processor) embed(ctx context.Context, text string) (*core.Embedding, error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.slots.Release(1)

	return retry.Do(ctx, p.resubmit, func(ctx context.Context) (*core.Embedding, error) {
		return p.embedder.GenerateEmbedding(ctx, text)
	}, resubmittable)
}

func resubmittable(err error) retry.Classification {
	if errors.Is(err, core.ErrConcurrencyLimit) {
		return retry.Retryable
	}
	return retry.Fatal
}

func (p *Processor) observe(start time.Time, err error) {
	outcome := "ready"
	switch {
	case errors.Is(err, core.ErrAborted):
		outcome = "aborted"
	case err != nil:
		outcome = "failed"
	}
	p.metrics.DocumentsProcessed.WithLabelValues(outcome).Inc()
	p.metrics.IngestDuration.Observe(time.Since(start).Seconds())
}

func chunkRows(doc *models.Document, chunks []chunker.Chunk, vectors [][]float32) []models.DocumentChunk {
	rows := make([]models.DocumentChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = models.DocumentChunk{
			ID:           uuid.NewString(),
			DocumentID:   doc.ID,
			ChunkIndex:   c.Index,
			Content:      c.Text,
			Embedding:    vectors[i],
			Metadata:     map[string]any{"token_count": c.TokenCount},
			OwnerID:      doc.OwnerID,
			TeamID:       doc.TeamID,
			DepartmentID: doc.DepartmentID,
			IsPrivate:    doc.IsPrivate,
			CreatedAt:    doc.UpdatedAt,
		}
	}
	return rows
}

func aborted(cause error) error {
	return fmt.Errorf("%w: %w", core.ErrAborted, cause)
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+8)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
