package core

import (
	"context"
)

// ExtractedText represents the result of text extraction, potentially with metadata.
// Found is false when the file type yields no text (unsupported type, image without
// OCR); that is a normal outcome, not an error.
type ExtractedText struct {
	Text     string
	Metadata map[string]string
	Found    bool
}

// DocumentExtractor defines the interface for extracting text from various document types.
type DocumentExtractor interface {
	// Extract dispatches on mimeType first and falls back to the extension of fileName.
	Extract(ctx context.Context, data []byte, fileName, mimeType string) (*ExtractedText, error)
}
