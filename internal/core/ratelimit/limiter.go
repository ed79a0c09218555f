// Package ratelimit provides per-provider token-bucket admission control for
// calls to external AI providers.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/markdave123-py/crmrag/internal/core"
)

// Config holds rate limiting configuration for one provider.
type Config struct {
	// RequestsPerMinute is the steady refill rate.
	RequestsPerMinute float64
	// BurstLimit is the bucket capacity.
	BurstLimit int
	// RetryAfterBase is the penalty window applied by RecordRateLimit.
	RetryAfterBase time.Duration
}

func (c Config) validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("%w: requests per minute must be positive", core.ErrInvalidConfig)
	}
	if c.BurstLimit <= 0 {
		return fmt.Errorf("%w: burst limit must be positive", core.ErrInvalidConfig)
	}
	return nil
}

type bucket struct {
	cfg     Config
	limiter *rate.Limiter
	retryAt time.Time
}

// Registry is a process-wide set of token buckets keyed by provider name.
type Registry struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*bucket
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure registers (or replaces) the bucket for provider. A new bucket starts full.
func (r *Registry) Configure(provider string, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("configure %s: %w", provider, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[provider]; ok {
		now := r.now()
		b.limiter.SetLimitAt(now, perSecond(cfg.RequestsPerMinute))
		b.limiter.SetBurstAt(now, cfg.BurstLimit)
		b.cfg = cfg
		return nil
	}

	r.buckets[provider] = &bucket{
		cfg:     cfg,
		limiter: rate.NewLimiter(perSecond(cfg.RequestsPerMinute), cfg.BurstLimit),
	}
	return nil
}

// IsConfigured reports whether provider has a bucket.
func (r *Registry) IsConfigured(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.buckets[provider]
	return ok
}

// CheckLimit consumes one token if available. It never blocks; a false result
// means the caller should wait RetryAfter or give up.
func (r *Registry) CheckLimit(provider string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.lookup(provider)
	if err != nil {
		return false, err
	}

	now := r.now()
	if now.Before(b.retryAt) {
		return false, nil
	}
	return b.limiter.AllowN(now, 1), nil
}

// RetryAfter returns how long until the next call would be permitted.
func (r *Registry) RetryAfter(provider string) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.lookup(provider)
	if err != nil {
		return 0, err
	}

	now := r.now()
	var wait time.Duration
	if now.Before(b.retryAt) {
		wait = b.retryAt.Sub(now)
	}

	tokens := b.limiter.TokensAt(now)
	if tokens < 1 {
		perSec := float64(b.limiter.Limit())
		deficit := time.Duration(math.Ceil((1 - tokens) / perSec * float64(time.Second)))
		if deficit > wait {
			wait = deficit
		}
	}
	return wait, nil
}

// Tokens reports the current token count, always within [0, burst].
func (r *Registry) Tokens(provider string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.lookup(provider)
	if err != nil {
		return 0, err
	}
	return math.Max(0, b.limiter.TokensAt(r.now())), nil
}

// RecordRateLimit opens a penalty window of RetryAfterBase. Call it when the
// provider itself answers with a rate-limit response.
func (r *Registry) RecordRateLimit(provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.lookup(provider)
	if err != nil {
		return err
	}
	if b.cfg.RetryAfterBase > 0 {
		b.retryAt = r.now().Add(b.cfg.RetryAfterBase)
	}
	return nil
}

// Reset clears the penalty window of provider. It does not refill tokens.
func (r *Registry) Reset(provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.lookup(provider)
	if err != nil {
		return err
	}
	b.retryAt = time.Time{}
	return nil
}

// Wait blocks until CheckLimit admits a call or ctx is done.
func (r *Registry) Wait(ctx context.Context, provider string) error {
	for {
		ok, err := r.CheckLimit(provider)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		d, err := r.RetryAfter(provider)
		if err != nil {
			return err
		}
		if d <= 0 {
			d = time.Millisecond
		}

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Registry) lookup(provider string) (*bucket, error) {
	b, ok := r.buckets[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnconfiguredProvider, provider)
	}
	return b, nil
}

func perSecond(rpm float64) rate.Limit {
	return rate.Limit(rpm / 60)
}
