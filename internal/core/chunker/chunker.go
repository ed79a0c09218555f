// Package chunker splits extracted text into bounded-size chunks for embedding.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/markdave123-py/crmrag/internal/core"
)

// DefaultChunkSize is the default maximum number of characters per chunk.
const DefaultChunkSize = 1000

// Chunk is one piece of a document.
//
// Index:      stable, zero-based position of the chunk inside the document.
// Text:       words joined by single spaces.
// TokenCount: approximate token count.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
}

// Split walks the words of text in order and greedily packs them into chunks of at
// most maxSize characters. A word longer than maxSize becomes a chunk of its own.
// Whitespace runs collapse to single spaces, so joining the chunks with " "
// reproduces the word sequence of text.
func Split(text string, maxSize int) ([]Chunk, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", maxSize)
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, core.ErrEmptyDocument
	}

	var (
		chunks []Chunk
		buf    strings.Builder
		bufLen int
	)

	flush := func() {
		if bufLen == 0 {
			return
		}
		s := buf.String()
		chunks = append(chunks, Chunk{Index: len(chunks), Text: s, TokenCount: approxTokens(s)})
		buf.Reset()
		bufLen = 0
	}

	for _, w := range words {
		wl := utf8.RuneCountInString(w)
		if bufLen > 0 && bufLen+1+wl > maxSize {
			flush()
		}
		if bufLen > 0 {
			buf.WriteByte(' ')
			bufLen++
		}
		buf.WriteString(w)
		bufLen += wl
	}
	flush()

	return chunks, nil
}

// Texts returns the chunk texts in index order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// ApproxTokens exposes the estimator for providers that do not report usage.
func ApproxTokens(s string) int {
	return approxTokens(s)
}
