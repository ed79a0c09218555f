package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/markdave123-py/crmrag/internal/core"
)

var _ core.AIProvider = (*OpenAIProvider)(nil)

const (
	defaultOpenAIChatModel  = "gpt-4o-mini"
	defaultOpenAIEmbedModel = string(openai.SmallEmbedding3)
)

// OpenAIProvider implements core.AIProvider with sashabaranov/go-openai.
// BaseURL may point at any OpenAI-compatible server.
type OpenAIProvider struct {
	*guard
	client     *openai.Client
	chatModel  string
	embedModel string
	dim        int
}

func NewOpenAIProvider(opts Options) (*OpenAIProvider, error) {
	opts = opts.withDefaults()
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai: %w: API key required", core.ErrInvalidConfig)
	}
	if opts.ChatModel == "" {
		opts.ChatModel = defaultOpenAIChatModel
	}
	if opts.EmbedModel == "" {
		opts.EmbedModel = defaultOpenAIEmbedModel
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	cfg.HTTPClient = opts.HTTPClient

	g, err := newGuard("openai", opts)
	if err != nil {
		return nil, err
	}
	return &OpenAIProvider{
		guard:      g,
		client:     openai.NewClientWithConfig(cfg),
		chatModel:  opts.ChatModel,
		embedModel: opts.EmbedModel,
		dim:        opts.Dimension,
	}, nil
}

func (p *OpenAIProvider) Name() string       { return p.name }
func (p *OpenAIProvider) Model() string      { return p.embedModel }
func (p *OpenAIProvider) Dimension() int     { return p.dim }
func (p *OpenAIProvider) MaxConcurrent() int { return p.max }
func (p *OpenAIProvider) Close() error       { return nil }

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) (*core.Embedding, error) {
	return call(ctx, p.guard, "embed", func(ctx context.Context) (*core.Embedding, error) {
		req := openai.EmbeddingRequestStrings{
			Input: []string{text},
			Model: openai.EmbeddingModel(p.embedModel),
		}
		if p.dim > 0 {
			req.Dimensions = p.dim
		}

		resp, err := p.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return nil, p.wrapAPIError(err)
		}
		if len(resp.Data) == 0 {
			return nil, errors.New("no embeddings returned")
		}
		vec := resp.Data[0].Embedding
		if err := checkDimension(p.name, p.dim, vec); err != nil {
			return nil, err
		}
		return &core.Embedding{
			Vector: vec,
			Usage:  core.Usage{PromptTokens: resp.Usage.PromptTokens, TotalTokens: resp.Usage.TotalTokens},
		}, nil
	})
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []core.Message) (*core.ChatResult, error) {
	return call(ctx, p.guard, "chat", func(ctx context.Context) (*core.ChatResult, error) {
		resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    p.chatModel,
			Messages: toOpenAIMessages(messages),
		})
		if err != nil {
			return nil, p.wrapAPIError(err)
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("no choices returned")
		}
		return &core.ChatResult{
			Text:  resp.Choices[0].Message.Content,
			Usage: core.Usage{PromptTokens: resp.Usage.PromptTokens, TotalTokens: resp.Usage.TotalTokens},
		}, nil
	})
}

// StreamChat holds a concurrency slot until the stream is drained.
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []core.Message) (<-chan core.StreamChunk, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}

	stream, err := attempt(ctx, p.guard, "stream", func(ctx context.Context) (*openai.ChatCompletionStream, error) {
		s, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    p.chatModel,
			Messages: toOpenAIMessages(messages),
			Stream:   true,
		})
		if err != nil {
			return nil, p.wrapAPIError(err)
		}
		return s, nil
	})
	if err != nil {
		p.release()
		return nil, err
	}

	ch := make(chan core.StreamChunk)
	go func() {
		defer p.release()
		defer close(ch)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sendChunk(ctx, ch, core.StreamChunk{Err: fmt.Errorf("openai stream: %w", err)})
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !sendChunk(ctx, ch, core.StreamChunk{Text: resp.Choices[0].Delta.Content}) {
				return
			}
		}
	}()
	return ch, nil
}

func (p *OpenAIProvider) IsAvailable(ctx context.Context) bool {
	return p.probe(ctx, func(ctx context.Context) error {
		_, err := p.client.ListModels(ctx)
		return err
	})
}

// wrapAPIError marks HTTP 429 answers as rate limits.
func (p *OpenAIProvider) wrapAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &core.RateLimitError{Provider: p.name, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &core.RateLimitError{Provider: p.name, Err: err}
	}
	return err
}

func toOpenAIMessages(messages []core.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// sendChunk delivers c unless ctx is done first.
func sendChunk(ctx context.Context, ch chan<- core.StreamChunk, c core.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
