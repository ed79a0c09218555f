package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/markdave123-py/crmrag/internal/core"
)

// ErrNoProviderAvailable is returned by FirstAvailable when every candidate is down.
var ErrNoProviderAvailable = errors.New("no AI provider available")

// Factory builds a provider from options.
type Factory func(ctx context.Context, opts Options) (core.AIProvider, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the gemini, openai and http backends.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("gemini", func(ctx context.Context, opts Options) (core.AIProvider, error) {
		return NewGeminiProvider(ctx, opts)
	})
	r.Register("openai", func(_ context.Context, opts Options) (core.AIProvider, error) {
		return NewOpenAIProvider(opts)
	})
	r.Register("http", func(_ context.Context, opts Options) (core.AIProvider, error) {
		return NewHTTPProvider(opts)
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NewProvider builds the named provider.
func (r *Registry) NewProvider(ctx context.Context, name string, opts Options) (core.AIProvider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown AI provider %q", core.ErrInvalidConfig, name)
	}
	return f(ctx, opts)
}

// FirstAvailable returns the first provider whose health check passes. nil entries are skipped.
func FirstAvailable(ctx context.Context, providers ...core.AIProvider) (core.AIProvider, error) {
	for _, p := range providers {
		if p == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.IsAvailable(ctx) {
			return p, nil
		}
	}
	return nil, ErrNoProviderAvailable
}
