package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/models"
)

var _ core.DbClient = (*SQLiteClient)(nil)

const sqliteScopeFilter = `(%[1]s.owner_id = ? OR (%[1]s.is_private = 0 AND (
		(? <> '' AND %[1]s.team_id = ?) OR
		(? <> '' AND %[1]s.department_id = ?) OR
		(%[1]s.team_id = '' AND %[1]s.department_id = ''))))`

func sqliteScope(alias string, s models.Scope) (string, []any) {
	return fmt.Sprintf(sqliteScopeFilter, alias),
		[]any{s.OwnerID, s.TeamID, s.TeamID, s.DepartmentID, s.DepartmentID}
}

// SQLiteClient is the local/dev store. Embeddings are stored as JSON and
// similarity is computed in Go, so it suits small corpora only.
type SQLiteClient struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteClient opens (and bootstraps) the database at path. ":memory:" is allowed.
func NewSQLiteClient(ctx context.Context, path string, logger *zap.Logger) (*SQLiteClient, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and :memory: is per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	logger = logger.Named("sqlite")
	if err := EnsureBootstrapped(ctx, db, sqliteDialect, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return &SQLiteClient{db: db, logger: logger}, nil
}

func (c *SQLiteClient) Close() error {
	return c.db.Close()
}

func (c *SQLiteClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO documents
			(id, title, content, metadata, owner_id, team_id, department_id, is_private, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.Title, doc.Content, string(meta), doc.OwnerID, doc.TeamID, doc.DepartmentID,
		doc.IsPrivate, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

const sqliteDocumentColumns = `id, title, content, metadata, owner_id, team_id, department_id, is_private, status, created_at, updated_at`

func scanSQLiteDocument(row interface{ Scan(...any) error }) (*models.Document, error) {
	var (
		d                    models.Document
		meta                 string
		createdAt, updatedAt sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.Title, &d.Content, &meta, &d.OwnerID, &d.TeamID, &d.DepartmentID,
		&d.IsPrivate, &d.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m, err := decodeMetadata([]byte(meta))
	if err != nil {
		return nil, err
	}
	d.Metadata = m
	d.CreatedAt = createdAt.Time
	d.UpdatedAt = updatedAt.Time
	return &d, nil
}

func (c *SQLiteClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	d, err := scanSQLiteDocument(c.db.QueryRowContext(ctx,
		`SELECT `+sqliteDocumentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return d, err
}

func (c *SQLiteClient) ListDocuments(ctx context.Context, scope models.Scope) ([]models.Document, error) {
	filter, args := sqliteScope("d", scope)
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+sqliteDocumentColumns+` FROM documents d WHERE `+filter+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanSQLiteDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *SQLiteClient) UpdateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE documents
		SET title = ?, content = ?, metadata = ?, is_private = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, doc.Title, doc.Content, string(meta), doc.IsPrivate, doc.Status, time.Now().UTC(), doc.ID)
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	return expectRow(res, doc.ID)
}

func (c *SQLiteClient) UpdateDocumentStatus(ctx context.Context, id string, status string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return expectRow(res, id)
}

func (c *SQLiteClient) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return expectRow(res, id)
}

func (c *SQLiteClient) InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_chunks
			(id, document_id, chunk_index, content, embedding, metadata, owner_id, team_id, department_id, is_private, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range chunks {
		ch := &chunks[i]
		emb, err := json.Marshal(ch.Embedding)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode embedding: %w", err)
		}
		meta, err := encodeMetadata(ch.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		created := ch.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, ch.ID, ch.DocumentID, ch.ChunkIndex, ch.Content, string(emb), string(meta),
			ch.OwnerID, ch.TeamID, ch.DepartmentID, ch.IsPrivate, created); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert chunk %d: %w", ch.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

func (c *SQLiteClient) GetChunksByDocument(ctx context.Context, documentID string) ([]models.DocumentChunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content, embedding, metadata, owner_id, team_id, department_id, is_private, created_at
		FROM document_chunks WHERE document_id = ? ORDER BY chunk_index ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var out []models.DocumentChunk
	for rows.Next() {
		var (
			ch        models.DocumentChunk
			emb, meta string
			createdAt sql.NullTime
		)
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.ChunkIndex, &ch.Content, &emb, &meta,
			&ch.OwnerID, &ch.TeamID, &ch.DepartmentID, &ch.IsPrivate, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(emb), &ch.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
		if ch.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
			return nil, err
		}
		ch.CreatedAt = createdAt.Time
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (c *SQLiteClient) DeleteChunksByDocument(ctx context.Context, documentID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

type candidate struct {
	match     models.ChunkMatch
	embedding string
}

// candidates loads every chunk visible to scope, optionally narrowed by a LIKE term list.
func (c *SQLiteClient) candidates(ctx context.Context, scope models.Scope, likeTerms []string, withEmbedding bool) ([]candidate, error) {
	filter, args := sqliteScope("c", scope)
	embCol := "''"
	if withEmbedding {
		embCol = "c.embedding"
	}

	q := `
		SELECT c.id, c.document_id, d.title, c.chunk_index, c.content, c.metadata, ` + embCol + `
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE ` + filter
	if len(likeTerms) > 0 {
		ors := make([]string, len(likeTerms))
		for i, t := range likeTerms {
			ors[i] = "lower(c.content) LIKE ?"
			args = append(args, "%"+t+"%")
		}
		q += " AND (" + strings.Join(ors, " OR ") + ")"
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var (
			cand candidate
			meta string
		)
		m := &cand.match
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.DocumentTitle, &m.ChunkIndex, &m.Content, &meta, &cand.embedding); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if m.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
			return nil, err
		}
		out = append(out, cand)
	}
	return out, rows.Err()
}

func (c *SQLiteClient) SearchSimilarChunks(ctx context.Context, queryVec []float32, threshold float64, limit int, scope models.Scope) ([]models.ChunkMatch, error) {
	cands, err := c.candidates(ctx, scope, nil, true)
	if err != nil {
		return nil, err
	}

	var out []models.ChunkMatch
	for _, cand := range cands {
		var vec []float32
		if err := json.Unmarshal([]byte(cand.embedding), &vec); err != nil {
			c.logger.Warn("skipping chunk with unreadable embedding",
				zap.String("chunk_id", cand.match.ChunkID), zap.Error(err))
			continue
		}
		score := cosine(queryVec, vec)
		if score < threshold {
			continue
		}
		cand.match.Score = score
		out = append(out, cand.match)
	}
	return topMatches(out, limit), nil
}

func (c *SQLiteClient) SearchTextChunks(ctx context.Context, query string, minRank float64, limit int, scope models.Scope) ([]models.ChunkMatch, error) {
	qt := terms(query)
	if len(qt) == 0 {
		return nil, nil
	}
	cands, err := c.candidates(ctx, scope, qt, false)
	if err != nil {
		return nil, err
	}

	var out []models.ChunkMatch
	for _, cand := range cands {
		rank := lexicalRank(qt, cand.match.Content)
		if rank <= 0 || rank < minRank {
			continue
		}
		cand.match.Score = rank
		out = append(out, cand.match)
	}
	return topMatches(out, limit), nil
}

func topMatches(ms []models.ChunkMatch, limit int) []models.ChunkMatch {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Score > ms[j].Score })
	if limit > 0 && len(ms) > limit {
		ms = ms[:limit]
	}
	return ms
}

// TouchChunks increments metadata.access_count and stamps metadata.last_accessed.
func (c *SQLiteClient) TouchChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	args := make([]any, 0, len(chunkIDs)+1)
	args = append(args, time.Now().UTC().Format(time.RFC3339))
	for _, id := range chunkIDs {
		args = append(args, id)
	}

	_, err := c.db.ExecContext(ctx, `
		UPDATE document_chunks
		SET metadata = json_set(metadata,
			'$.access_count', COALESCE(json_extract(metadata, '$.access_count'), 0) + 1,
			'$.last_accessed', ?)
		WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("touching chunks: %w", err)
	}
	return nil
}
