package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/core/llm"
	"github.com/markdave123-py/crmrag/internal/models"
)

const systemPrompt = "You are an assistant for a CRM team. Answer only from the provided excerpts of the team's documents. " +
	"Cite the document title when you use an excerpt. If the excerpts do not contain the answer, say 'I cannot find this in the documents.'"

// defaultContextChunks is how many matches are put into the prompt.
const defaultContextChunks = 5

// ChatRequest is a question, optionally restricted to one document.
type ChatRequest struct {
	Query      string `json:"query"`
	DocumentID string `json:"document_id,omitempty"`
}

// ChatAnswer is a grounded answer and the excerpts it was built from.
type ChatAnswer struct {
	Answer   string              `json:"answer"`
	Provider string              `json:"provider"`
	Sources  []models.ChunkMatch `json:"sources"`
}

// ChatService answers questions from the documents visible to the caller,
// using the first healthy provider in order.
type ChatService struct {
	docs      *DocumentService
	providers []core.AIProvider
	logger    *zap.Logger
}

func NewChatService(docs *DocumentService, logger *zap.Logger, providers ...core.AIProvider) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{docs: docs, providers: providers, logger: logger.Named("chat")}
}

// Answer retrieves context for req and generates a complete answer.
func (s *ChatService) Answer(ctx context.Context, caller models.Scope, req ChatRequest) (*ChatAnswer, error) {
	sources, prompt, err := s.prepare(ctx, caller, req)
	if err != nil {
		return nil, err
	}
	provider, err := llm.FirstAvailable(ctx, s.providers...)
	if err != nil {
		return nil, err
	}

	answer, err := llm.AsLLM(provider).Generate(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	return &ChatAnswer{Answer: answer, Provider: provider.Name(), Sources: sources}, nil
}

// Stream is Answer with the answer delivered in chunks.
func (s *ChatService) Stream(ctx context.Context, caller models.Scope, req ChatRequest) (<-chan core.StreamChunk, []models.ChunkMatch, error) {
	sources, prompt, err := s.prepare(ctx, caller, req)
	if err != nil {
		return nil, nil, err
	}
	provider, err := llm.FirstAvailable(ctx, s.providers...)
	if err != nil {
		return nil, nil, err
	}

	ch, err := provider.StreamChat(ctx, []core.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("stream answer: %w", err)
	}
	return ch, sources, nil
}

func (s *ChatService) prepare(ctx context.Context, caller models.Scope, req ChatRequest) ([]models.ChunkMatch, string, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, "", fmt.Errorf("%w: query is required", core.ErrInvalidInput)
	}

	limit := defaultContextChunks
	if req.DocumentID != "" {
		// visibility check; matches of other documents are dropped below
		if _, err := s.docs.Get(ctx, caller, req.DocumentID); err != nil {
			return nil, "", err
		}
		limit *= 4
	}

	matches, err := s.docs.Search(ctx, caller, query, -1, limit)
	if err != nil {
		return nil, "", err
	}
	if req.DocumentID != "" {
		kept := matches[:0]
		for _, m := range matches {
			if m.DocumentID == req.DocumentID {
				kept = append(kept, m)
			}
		}
		matches = kept
		if len(matches) > defaultContextChunks {
			matches = matches[:defaultContextChunks]
		}
	}
	s.logger.Debug("retrieved context", zap.Int("chunks", len(matches)))
	return matches, buildPrompt(query, matches), nil
}

func buildPrompt(query string, matches []models.ChunkMatch) string {
	var sb strings.Builder
	if len(matches) == 0 {
		sb.WriteString("(no relevant excerpts found)\n")
	}
	for _, m := range matches {
		fmt.Fprintf(&sb, "[%s #%d]\n%s\n---\n", m.DocumentTitle, m.ChunkIndex, m.Content)
	}
	return fmt.Sprintf("Context:\n%s\nQuestion: %s", sb.String(), query)
}
