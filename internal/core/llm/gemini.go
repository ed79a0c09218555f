package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/core/chunker"
)

var _ core.AIProvider = (*GeminiProvider)(nil)

const (
	defaultGeminiChatModel  = "gemini-1.5-flash"
	defaultGeminiEmbedModel = "text-embedding-004"
)

// GeminiProvider implements core.AIProvider with google/generative-ai-go.
type GeminiProvider struct {
	*guard
	client     *genai.Client
	chatModel  string
	embedModel string
	dim        int
}

func NewGeminiProvider(ctx context.Context, opts Options) (*GeminiProvider, error) {
	opts = opts.withDefaults()
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w: API key required", core.ErrInvalidConfig)
	}
	if opts.ChatModel == "" {
		opts.ChatModel = defaultGeminiChatModel
	}
	if opts.EmbedModel == "" {
		opts.EmbedModel = defaultGeminiEmbedModel
	}

	clientOpts := []option.ClientOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.BaseURL))
	}
	cl, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	g, err := newGuard("gemini", opts)
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	return &GeminiProvider{
		guard:      g,
		client:     cl,
		chatModel:  opts.ChatModel,
		embedModel: opts.EmbedModel,
		dim:        opts.Dimension,
	}, nil
}

func (p *GeminiProvider) Name() string       { return p.name }
func (p *GeminiProvider) Model() string      { return p.embedModel }
func (p *GeminiProvider) Dimension() int     { return p.dim }
func (p *GeminiProvider) MaxConcurrent() int { return p.max }

func (p *GeminiProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// GenerateEmbedding embeds one text. The API reports no token usage, so it is estimated.
func (p *GeminiProvider) GenerateEmbedding(ctx context.Context, text string) (*core.Embedding, error) {
	return call(ctx, p.guard, "embed", func(ctx context.Context) (*core.Embedding, error) {
		em := p.client.EmbeddingModel(p.embedModel)
		resp, err := em.EmbedContent(ctx, genai.Text(text))
		if err != nil {
			return nil, p.wrapAPIError(err)
		}
		if resp == nil || resp.Embedding == nil {
			return nil, errors.New("no embedding returned")
		}
		vec := resp.Embedding.Values
		if err := checkDimension(p.name, p.dim, vec); err != nil {
			return nil, err
		}
		tokens := chunker.ApproxTokens(text)
		return &core.Embedding{Vector: vec, Usage: core.Usage{PromptTokens: tokens, TotalTokens: tokens}}, nil
	})
}

func (p *GeminiProvider) Chat(ctx context.Context, messages []core.Message) (*core.ChatResult, error) {
	return call(ctx, p.guard, "chat", func(ctx context.Context) (*core.ChatResult, error) {
		cs, last, err := p.session(messages)
		if err != nil {
			return nil, err
		}
		resp, err := cs.SendMessage(ctx, last...)
		if err != nil {
			return nil, p.wrapAPIError(err)
		}
		return &core.ChatResult{Text: responseText(resp), Usage: usageOf(resp)}, nil
	})
}

// StreamChat holds a concurrency slot until the stream is drained. The first
// response is fetched under retry so that rate limits surface before any text is sent.
func (p *GeminiProvider) StreamChat(ctx context.Context, messages []core.Message) (<-chan core.StreamChunk, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}

	type opened struct {
		iter  *genai.GenerateContentResponseIterator
		first *genai.GenerateContentResponse
	}
	o, err := attempt(ctx, p.guard, "stream", func(ctx context.Context) (opened, error) {
		cs, last, err := p.session(messages)
		if err != nil {
			return opened{}, err
		}
		it := cs.SendMessageStream(ctx, last...)
		first, err := it.Next()
		if err != nil && !errors.Is(err, iterator.Done) {
			return opened{}, p.wrapAPIError(err)
		}
		return opened{iter: it, first: first}, nil
	})
	if err != nil {
		p.release()
		return nil, err
	}

	ch := make(chan core.StreamChunk)
	go func() {
		defer p.release()
		defer close(ch)

		resp := o.first
		for resp != nil {
			if t := responseText(resp); t != "" {
				if !sendChunk(ctx, ch, core.StreamChunk{Text: t}) {
					return
				}
			}
			next, err := o.iter.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				sendChunk(ctx, ch, core.StreamChunk{Err: fmt.Errorf("gemini stream: %w", err)})
				return
			}
			resp = next
		}
	}()
	return ch, nil
}

func (p *GeminiProvider) IsAvailable(ctx context.Context) bool {
	return p.probe(ctx, func(ctx context.Context) error {
		if _, err := p.client.EmbeddingModel(p.embedModel).Info(ctx); err != nil {
			return err
		}
		_, err := p.client.GenerativeModel(p.chatModel).Info(ctx)
		return err
	})
}

// session builds a chat session from all but the last turn and returns the last
// turn's parts to send.
func (p *GeminiProvider) session(messages []core.Message) (*genai.ChatSession, []genai.Part, error) {
	system, turns := systemAndTurns(messages)
	if len(turns) == 0 {
		return nil, nil, errors.New("no user message")
	}

	m := p.client.GenerativeModel(p.chatModel)
	if system != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}

	cs := m.StartChat()
	for _, t := range turns[:len(turns)-1] {
		role := "user"
		if t.Role == "assistant" {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Content)}})
	}
	return cs, []genai.Part{genai.Text(turns[len(turns)-1].Content)}, nil
}

func (p *GeminiProvider) wrapAPIError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
		return &core.RateLimitError{Provider: p.name, Err: err}
	}
	return err
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func usageOf(resp *genai.GenerateContentResponse) core.Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return core.Usage{}
	}
	return core.Usage{
		PromptTokens: int(resp.UsageMetadata.PromptTokenCount),
		TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
	}
}
