package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/markdave123-py/crmrag/internal/core"
)

var _ core.AIProvider = (*HTTPProvider)(nil)

// HTTPProvider talks to a self-hosted embedding/chat service:
//
//	POST {base}/embed  {"text": "..."}      -> {"data":[{"embedding":[...]}],"usage":{...}}
//	POST {base}/chat   {"messages":[...]}   -> {"text":"...","usage":{...}}
//	GET  {base}/health                      -> 2xx when ready
type HTTPProvider struct {
	*guard
	base   string
	apiKey string
	model  string
	dim    int
	client *http.Client
}

type httpEmbedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type httpEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage core.Usage `json:"usage"`
}

type httpChatRequest struct {
	Messages []core.Message `json:"messages"`
	Model    string         `json:"model,omitempty"`
}

type httpChatResponse struct {
	Text  string     `json:"text"`
	Usage core.Usage `json:"usage"`
}

// httpStatusError carries a non-2xx response; its message contains the status code
// so the retry classifier recognizes 429s.
type httpStatusError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	if e.Status == http.StatusTooManyRequests {
		return fmt.Sprintf("status 429 too many requests: %s", e.Body)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

func NewHTTPProvider(opts Options) (*HTTPProvider, error) {
	opts = opts.withDefaults()
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("http provider: %w: base URL required", core.ErrInvalidConfig)
	}
	g, err := newGuard("http", opts)
	if err != nil {
		return nil, err
	}
	return &HTTPProvider{
		guard:  g,
		base:   strings.TrimRight(opts.BaseURL, "/"),
		apiKey: opts.APIKey,
		model:  opts.EmbedModel,
		dim:    opts.Dimension,
		client: opts.HTTPClient,
	}, nil
}

func (p *HTTPProvider) Name() string       { return p.name }
func (p *HTTPProvider) Model() string      { return p.model }
func (p *HTTPProvider) Dimension() int     { return p.dim }
func (p *HTTPProvider) MaxConcurrent() int { return p.max }
func (p *HTTPProvider) Close() error       { return nil }

func (p *HTTPProvider) GenerateEmbedding(ctx context.Context, text string) (*core.Embedding, error) {
	return call(ctx, p.guard, "embed", func(ctx context.Context) (*core.Embedding, error) {
		var out httpEmbedResponse
		if err := p.post(ctx, "/embed", httpEmbedRequest{Text: text, Model: p.model}, &out); err != nil {
			return nil, err
		}
		if len(out.Data) == 0 {
			return nil, fmt.Errorf("no embedding in response")
		}
		vec := out.Data[0].Embedding
		if err := checkDimension(p.name, p.dim, vec); err != nil {
			return nil, err
		}
		return &core.Embedding{Vector: vec, Usage: out.Usage}, nil
	})
}

func (p *HTTPProvider) Chat(ctx context.Context, messages []core.Message) (*core.ChatResult, error) {
	return call(ctx, p.guard, "chat", func(ctx context.Context) (*core.ChatResult, error) {
		var out httpChatResponse
		if err := p.post(ctx, "/chat", httpChatRequest{Messages: messages}, &out); err != nil {
			return nil, err
		}
		return &core.ChatResult{Text: out.Text, Usage: out.Usage}, nil
	})
}

// StreamChat has no streaming endpoint to call, so the full answer is sent as one chunk.
func (p *HTTPProvider) StreamChat(ctx context.Context, messages []core.Message) (<-chan core.StreamChunk, error) {
	res, err := p.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	ch := make(chan core.StreamChunk, 1)
	ch <- core.StreamChunk{Text: res.Text}
	close(ch)
	return ch, nil
}

func (p *HTTPProvider) IsAvailable(ctx context.Context) bool {
	return p.probe(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/health", nil)
		if err != nil {
			return err
		}
		p.authorize(req)
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("health: status %d", resp.StatusCode)
		}
		return nil
	})
}

func (p *HTTPProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		serr := &httpStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			serr.RetryAfter = time.Duration(secs) * time.Second
		}
		if serr.Status == http.StatusTooManyRequests {
			return &core.RateLimitError{Provider: p.name, RetryAfter: serr.RetryAfter, Err: serr}
		}
		return serr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (p *HTTPProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
