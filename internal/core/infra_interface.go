package core

import (
	"context"

	"github.com/markdave123-py/crmrag/internal/models"
)

// DbClient defines all persistence operations the pipeline needs.
// It abstracts Postgres/pgvector (or SQLite locally) so higher layers never depend on a specific DB.
type DbClient interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, scope models.Scope) ([]models.Document, error)
	UpdateDocument(ctx context.Context, doc *models.Document) error
	UpdateDocumentStatus(ctx context.Context, id string, status string) error
	DeleteDocument(ctx context.Context, id string) error

	InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error
	GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error)
	DeleteChunksByDocument(ctx context.Context, documentID string) error

	// SearchSimilarChunks returns chunks visible to scope whose cosine similarity
	// to queryVec is at least threshold, best first.
	SearchSimilarChunks(ctx context.Context, queryVec []float32, threshold float64, limit int, scope models.Scope) ([]models.ChunkMatch, error)
	// SearchTextChunks is the lexical fallback; matches with rank below minRank are dropped.
	SearchTextChunks(ctx context.Context, query string, minRank float64, limit int, scope models.Scope) ([]models.ChunkMatch, error)
	// TouchChunks bumps the access counters of the given chunks.
	TouchChunks(ctx context.Context, chunkIDs []string) error

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	Upload(ctx context.Context, path string, data []byte, metadata map[string]string) (ref string, err error)
	Download(ctx context.Context, path string) ([]byte, error)
	Remove(ctx context.Context, path string) error
}
