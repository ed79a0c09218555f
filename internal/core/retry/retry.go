// Package retry wraps fallible operations with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/markdave123-py/crmrag/internal/core"
)

// Classification tells the handler what to do with a failed attempt.
type Classification string

const (
	Retryable Classification = "retryable"
	Fatal     Classification = "fatal"
)

// Classifier maps an error to a Classification.
type Classifier func(err error) Classification

// Config tunes the backoff schedule.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// JitterFactor scales the random extra delay: up to JitterFactor * base delay.
	JitterFactor float64
}

// DefaultConfig returns conservative defaults for provider calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
		JitterFactor:  0.1,
	}
}

// Handler runs operations under a retry policy.
type Handler struct {
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
	onRetry func(attempt int, delay time.Duration, err error)
}

// Option configures a Handler.
type Option func(*Handler)

// WithOnRetry registers a hook called before each backoff sleep.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(h *Handler) { h.onRetry = fn }
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) {
		if fn != nil {
			h.sleep = fn
		}
	}
}

// WithJitterSource replaces the [0,1) random source.
func WithJitterSource(fn func() float64) Option {
	return func(h *Handler) {
		if fn != nil {
			h.jitter = fn
		}
	}
}

// NewHandler creates a Handler. Zero or negative fields fall back to DefaultConfig,
// except MaxRetries and JitterFactor where zero is meaningful.
func NewHandler(cfg Config, opts ...Option) *Handler {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}

	h := &Handler{
		cfg:    cfg,
		sleep:  sleepCtx,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Config returns the effective configuration.
func (h *Handler) Config() Config { return h.cfg }

// Execute runs op, retrying retryable failures up to MaxRetries times.
// A nil classify uses DefaultClassifier. On exhaustion the last error is returned.
func (h *Handler) Execute(ctx context.Context, op func(ctx context.Context) error, classify Classifier) error {
	_, err := Do(ctx, h, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, classify)
	return err
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, h *Handler, op func(ctx context.Context) (T, error), classify Classifier) (T, error) {
	if classify == nil {
		classify = DefaultClassifier
	}

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		if classify(err) != Retryable || attempt > h.cfg.MaxRetries {
			return zero, err
		}

		delay := h.Delay(attempt)
		var rl *core.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > delay {
			delay = min(rl.RetryAfter, h.cfg.MaxDelay)
		}

		if h.onRetry != nil {
			h.onRetry(attempt, delay, err)
		}

		if serr := h.sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("retry wait interrupted: %w (last error: %v)", serr, err)
		}
	}
}

// Delay returns the wait before retry number attempt (1-based):
// min(MaxDelay, InitialDelay * BackoffFactor^(attempt-1)) plus up to JitterFactor of that.
func (h *Handler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	base := float64(h.cfg.InitialDelay) * math.Pow(h.cfg.BackoffFactor, float64(attempt-1))
	if base > float64(h.cfg.MaxDelay) || math.IsInf(base, 1) {
		base = float64(h.cfg.MaxDelay)
	}
	jitter := base * h.cfg.JitterFactor * h.jitter()
	return time.Duration(base + jitter)
}

// DefaultClassifier treats rate-limit failures as retryable and everything else as fatal.
func DefaultClassifier(err error) Classification {
	if err == nil {
		return Fatal
	}
	var rl *core.RateLimitError
	if errors.As(err, &rl) {
		return Retryable
	}
	if errors.Is(err, core.ErrConcurrencyLimit) {
		return Fatal
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "rate_limit", "ratelimit", "429", "too many requests", "resource exhausted", "resource_exhausted", "quota"} {
		if strings.Contains(msg, marker) {
			return Retryable
		}
	}
	return Fatal
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
