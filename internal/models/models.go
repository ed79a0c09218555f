package models

import (
	"time"
)

// Document statuses.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Document represents an uploaded file or pasted text blob after extraction.
type Document struct {
	ID           string         `db:"id" json:"id"`
	Title        string         `db:"title" json:"title"`
	Content      string         `db:"content" json:"content"`
	Metadata     map[string]any `db:"metadata" json:"metadata"`
	OwnerID      string         `db:"owner_id" json:"owner_id"`
	TeamID       string         `db:"team_id" json:"team_id,omitempty"`
	DepartmentID string         `db:"department_id" json:"department_id,omitempty"`
	IsPrivate    bool           `db:"is_private" json:"is_private"`
	Status       string         `db:"status" json:"status"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// DocumentChunk represents one text chunk from a document.
// Owner and scope fields are copied from the parent so searches can filter on chunks alone.
type DocumentChunk struct {
	ID           string         `db:"id" json:"id"`
	DocumentID   string         `db:"document_id" json:"document_id"`
	ChunkIndex   int            `db:"chunk_index" json:"chunk_index"`
	Content      string         `db:"content" json:"content"`
	Embedding    []float32      `db:"embedding" json:"embedding,omitempty"` // pgvector column
	Metadata     map[string]any `db:"metadata" json:"metadata"`
	OwnerID      string         `db:"owner_id" json:"owner_id"`
	TeamID       string         `db:"team_id" json:"team_id,omitempty"`
	DepartmentID string         `db:"department_id" json:"department_id,omitempty"`
	IsPrivate    bool           `db:"is_private" json:"is_private"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// Scope is the caller's visibility: own documents, plus shared documents of
// the same team or department.
type Scope struct {
	OwnerID      string `json:"owner_id"`
	TeamID       string `json:"team_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

// ScopeOptions controls how a new document is shared.
type ScopeOptions struct {
	OwnerID      string `json:"owner_id"`
	TeamID       string `json:"team_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	IsPrivate    bool   `json:"is_private"`
}

// ChunkMatch is one search hit.
type ChunkMatch struct {
	ChunkID       string         `json:"chunk_id"`
	DocumentID    string         `json:"document_id"`
	DocumentTitle string         `json:"document_title"`
	ChunkIndex    int            `json:"chunk_index"`
	Content       string         `json:"content"`
	Score         float64        `json:"score"` // cosine similarity or lexical rank
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DocumentPatch holds the fields of a document update; nil fields are left unchanged.
type DocumentPatch struct {
	Title     *string        `json:"title,omitempty"`
	Content   *string        `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsPrivate *bool          `json:"is_private,omitempty"`
}

// FileRef points at a file in the file store.
type FileRef struct {
	Path     string `json:"path"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}
