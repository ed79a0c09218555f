package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/crmrag/internal/config"
	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

// Visibility: own rows, plus shared rows of the caller's team or department,
// plus shared rows that belong to no team or department.
const pgScopeFilter = `(%[1]s.owner_id = $%[2]d OR (NOT %[1]s.is_private AND (
		($%[3]d <> '' AND %[1]s.team_id = $%[3]d) OR
		($%[4]d <> '' AND %[1]s.department_id = $%[4]d) OR
		(%[1]s.team_id = '' AND %[1]s.department_id = ''))))`

func pgScope(alias string, first int) string {
	return fmt.Sprintf(pgScopeFilter, alias, first, first+1, first+2)
}

type DatabaseClient struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		// Append SSL params to the provided DATABASE_URL safely.
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	logger = logger.Named("postgres")
	if err := EnsureBootstrapped(ctx, db, postgresDialect, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db, logger: logger}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Documents

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO documents
			(id, title, content, metadata, owner_id, team_id, department_id, is_private, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = c.db.ExecContext(ctx, q,
		doc.ID, doc.Title, doc.Content, meta, doc.OwnerID, doc.TeamID, doc.DepartmentID,
		doc.IsPrivate, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	return err
}

const pgDocumentColumns = `id, title, content, metadata, owner_id, team_id, department_id, is_private, status, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*models.Document, error) {
	var (
		d    models.Document
		meta []byte
	)
	if err := row.Scan(&d.ID, &d.Title, &d.Content, &meta, &d.OwnerID, &d.TeamID, &d.DepartmentID,
		&d.IsPrivate, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	m, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	d.Metadata = m
	return &d, nil
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + pgDocumentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return d, err
}

func (c *DatabaseClient) ListDocuments(ctx context.Context, scope models.Scope) ([]models.Document, error) {
	q := `SELECT ` + pgDocumentColumns + ` FROM documents d WHERE ` + pgScope("d", 1) + ` ORDER BY created_at DESC`
	rows, err := c.db.QueryContext(ctx, q, scope.OwnerID, scope.TeamID, scope.DepartmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) UpdateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	const q = `
		UPDATE documents
		SET title = $2, content = $3, metadata = $4, is_private = $5, status = $6, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, doc.ID, doc.Title, doc.Content, meta, doc.IsPrivate, doc.Status)
	if err != nil {
		return err
	}
	return expectRow(res, doc.ID)
}

func (c *DatabaseClient) UpdateDocumentStatus(ctx context.Context, id string, status string) error {
	const q = `
		UPDATE documents
		SET status = $2, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, status)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

// DeleteDocument removes the document; its chunks go with it through ON DELETE CASCADE.
func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// Chunks

// InsertDocumentChunks inserts chunks in a single transaction.
func (c *DatabaseClient) InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO document_chunks
			(id, document_id, chunk_index, content, embedding, metadata, owner_id, team_id, department_id, is_private, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		meta, err := encodeMetadata(ch.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.DocumentID, ch.ChunkIndex, ch.Content, pgvector.NewVector(ch.Embedding), meta,
			ch.OwnerID, ch.TeamID, ch.DepartmentID, ch.IsPrivate, ch.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert chunk %d: %w", ch.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	const q = `
		SELECT id, document_id, chunk_index, content, embedding, metadata, owner_id, team_id, department_id, is_private, created_at
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentChunk
	for rows.Next() {
		var (
			ch   models.DocumentChunk
			emb  pgvector.Vector
			meta []byte
		)
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.ChunkIndex, &ch.Content, &emb, &meta,
			&ch.OwnerID, &ch.TeamID, &ch.DepartmentID, &ch.IsPrivate, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.Embedding = emb.Slice()
		if ch.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	return err
}

// Search

// SearchSimilarChunks ranks by cosine distance (<=>); similarity is 1 - distance.
func (c *DatabaseClient) SearchSimilarChunks(ctx context.Context, queryVec []float32, threshold float64, limit int, scope models.Scope) ([]models.ChunkMatch, error) {
	q := `
		SELECT c.id, c.document_id, d.title, c.chunk_index, c.content, c.metadata, 1 - (c.embedding <=> $1) AS score
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE ` + pgScope("c", 4) + `
		  AND 1 - (c.embedding <=> $1) >= $2
		ORDER BY c.embedding <=> $1
		LIMIT $3
	`
	return c.queryMatches(ctx, q, pgvector.NewVector(queryVec), threshold, limit,
		scope.OwnerID, scope.TeamID, scope.DepartmentID)
}

// SearchTextChunks uses Postgres full-text search ranked by ts_rank.
func (c *DatabaseClient) SearchTextChunks(ctx context.Context, query string, minRank float64, limit int, scope models.Scope) ([]models.ChunkMatch, error) {
	q := `
		SELECT c.id, c.document_id, d.title, c.chunk_index, c.content, c.metadata,
		       ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS score
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)
		  AND ` + pgScope("c", 4) + `
		  AND ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) >= $2
		ORDER BY score DESC
		LIMIT $3
	`
	return c.queryMatches(ctx, q, query, minRank, limit, scope.OwnerID, scope.TeamID, scope.DepartmentID)
}

func (c *DatabaseClient) queryMatches(ctx context.Context, q string, args ...any) ([]models.ChunkMatch, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChunkMatch
	for rows.Next() {
		var (
			m    models.ChunkMatch
			meta []byte
		)
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.DocumentTitle, &m.ChunkIndex, &m.Content, &meta, &m.Score); err != nil {
			return nil, err
		}
		if m.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TouchChunks increments metadata.access_count and stamps metadata.last_accessed.
func (c *DatabaseClient) TouchChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	const q = `
		UPDATE document_chunks
		SET metadata = metadata || jsonb_build_object(
			'access_count', COALESCE((metadata->>'access_count')::int, 0) + 1,
			'last_accessed', to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"'))
		WHERE id = ANY($1)
	`
	_, err := c.db.ExecContext(ctx, q, chunkIDs)
	return err
}
