// Package llm holds the AI provider backends (Gemini, OpenAI, generic HTTP) and the
// admission control every call goes through.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/crmrag/internal/core"
	"github.com/markdave123-py/crmrag/internal/core/ratelimit"
	"github.com/markdave123-py/crmrag/internal/core/retry"
	"github.com/markdave123-py/crmrag/internal/metrics"
)

const (
	defaultMaxConcurrent = 5
	healthTimeout        = 5 * time.Second
)

// Options configures a provider. Zero values fall back to sensible defaults.
type Options struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string
	// Dimension is the expected embedding length; 0 disables the check.
	Dimension     int
	MaxConcurrent int

	// Limiter is shared across providers; each provider configures its own bucket.
	Limiter   *ratelimit.Registry
	RateLimit ratelimit.Config
	Retry     retry.Config

	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = defaultMaxConcurrent
	}
	if o.Limiter == nil {
		o.Limiter = ratelimit.NewRegistry()
	}
	if o.RateLimit.RequestsPerMinute <= 0 {
		o.RateLimit.RequestsPerMinute = 60
	}
	if o.RateLimit.BurstLimit <= 0 {
		o.RateLimit.BurstLimit = 10
	}
	if o.RateLimit.RetryAfterBase <= 0 {
		o.RateLimit.RetryAfterBase = time.Second
	}
	if o.Retry == (retry.Config{}) {
		o.Retry = retry.DefaultConfig()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// guard is the admission path shared by every backend:
// concurrency slot (fail fast), then retry, then the token bucket, then the call.
type guard struct {
	name    string
	max     int
	limiter *ratelimit.Registry
	retry   *retry.Handler
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	inflight int
}

func newGuard(name string, opts Options) (*guard, error) {
	if !opts.Limiter.IsConfigured(name) {
		if err := opts.Limiter.Configure(name, opts.RateLimit); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	g := &guard{
		name:    name,
		max:     opts.MaxConcurrent,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		logger:  opts.Logger.Named(name),
	}
	g.retry = retry.NewHandler(opts.Retry, retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
		g.metrics.ProviderRetries.WithLabelValues(name).Inc()
		g.logger.Warn("retrying provider call",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}))
	return g, nil
}

func (g *guard) acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight >= g.max {
		return fmt.Errorf("%s: %w", g.name, core.ErrConcurrencyLimit)
	}
	g.inflight++
	g.metrics.ProviderInflight.WithLabelValues(g.name).Set(float64(g.inflight))
	return nil
}

func (g *guard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight > 0 {
		g.inflight--
	}
	g.metrics.ProviderInflight.WithLabelValues(g.name).Set(float64(g.inflight))
}

// Inflight reports the number of calls currently holding a slot.
func (g *guard) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// call runs fn under the full admission path and records metrics.
func call[T any](ctx context.Context, g *guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.acquire(); err != nil {
		g.metrics.ObserveProviderCall(g.name, op, time.Now(), err)
		return zero, err
	}
	defer g.release()
	return attempt(ctx, g, op, fn)
}

// probe runs a health check while holding a concurrency slot. With no free slot
// the provider reports itself unavailable.
func (g *guard) probe(ctx context.Context, check func(ctx context.Context) error) bool {
	if err := g.acquire(); err != nil {
		return false
	}
	defer g.release()

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return check(ctx) == nil
}

// attempt is call without the concurrency slot; the caller must hold one.
func attempt[T any](ctx context.Context, g *guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := retry.Do(ctx, g.retry, func(ctx context.Context) (T, error) {
		var zero T
		ok, err := g.limiter.CheckLimit(g.name)
		if err != nil {
			return zero, err
		}
		if !ok {
			wait, _ := g.limiter.RetryAfter(g.name)
			g.metrics.RateLimitRejects.WithLabelValues(g.name).Inc()
			return zero, &core.RateLimitError{Provider: g.name, RetryAfter: wait}
		}

		v, err := fn(ctx)
		if err != nil {
			return zero, g.classifyRemote(err)
		}
		return v, nil
	}, retry.DefaultClassifier)

	g.metrics.ObserveProviderCall(g.name, op, start, err)
	if err != nil {
		return v, fmt.Errorf("%s %s: %w", g.name, op, err)
	}
	return v, nil
}

// classifyRemote turns a provider-side rate-limit answer into a RateLimitError
// and opens the limiter's penalty window.
func (g *guard) classifyRemote(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if retry.DefaultClassifier(err) != retry.Retryable {
		return err
	}
	if rerr := g.limiter.RecordRateLimit(g.name); rerr != nil {
		g.logger.Warn("recording rate limit failed", zap.Error(rerr))
	}

	var rl *core.RateLimitError
	if errors.As(err, &rl) {
		return err
	}
	wait, _ := g.limiter.RetryAfter(g.name)
	return &core.RateLimitError{Provider: g.name, RetryAfter: wait, Err: err}
}

// checkDimension rejects vectors whose length differs from the configured dimension.
func checkDimension(provider string, want int, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%s: empty embedding returned", provider)
	}
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%s: embedding has %d dimensions, want %d", provider, len(vec), want)
	}
	return nil
}

// systemAndTurns separates system messages from the conversation turns.
func systemAndTurns(messages []core.Message) (string, []core.Message) {
	var system []string
	turns := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return joinNonEmpty(system, "\n\n"), turns
}

func joinNonEmpty(parts []string, sep string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += sep
		}
		out += p
	}
	return out
}

type llmAdapter struct {
	p core.AIProvider
}

// AsLLM exposes a provider's Chat as a system+user prompt generator.
func AsLLM(p core.AIProvider) core.LLMProvider {
	return llmAdapter{p: p}
}

func (a llmAdapter) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msgs := make([]core.Message, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, core.Message{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, core.Message{Role: "user", Content: userPrompt})

	res, err := a.p.Chat(ctx, msgs)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
