// Package backend adapts inference providers to the single call the
// pipeline needs: system prompt and user prompt in, free text out.
package backend

import (
	"context"
	"io"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/secpipe/internal/config"
	"github.com/sells-group/secpipe/internal/resilience"
)

// Backend answers one analysis task. The returned text is untrusted and
// may be malformed.
type Backend interface {
	Infer(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

type stageKey struct{}

// WithStage labels ctx with the calling stage for cost and error logs.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFrom returns the stage label set by WithStage, or "unknown".
func StageFrom(ctx context.Context) string {
	if s, ok := ctx.Value(stageKey{}).(string); ok {
		return s
	}
	return "unknown"
}

// Guarded rate-limits another Backend and circuit-breaks it per stage, so
// one stage's failures never short-circuit the others.
type Guarded struct {
	next    Backend
	limiter *rate.Limiter
	cbCfg   resilience.CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewGuarded wraps next. A non-positive ratePerSec disables rate limiting.
func NewGuarded(next Backend, ratePerSec float64, burst int, cbCfg resilience.CircuitBreakerConfig) *Guarded {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if burst <= 0 {
		burst = 1
	}
	if cbCfg.Name == "" {
		cbCfg.Name = "backend"
	}
	return &Guarded{
		next:     next,
		limiter:  rate.NewLimiter(limit, burst),
		cbCfg:    cbCfg,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Breaker returns the circuit breaker for stage, creating it on first use.
func (g *Guarded) Breaker(stage string) *resilience.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[stage]
	if !ok {
		cfg := g.cbCfg
		cfg.Name = g.cbCfg.Name + "/" + stage
		cb = resilience.NewCircuitBreaker(cfg)
		g.breakers[stage] = cb
	}
	return cb
}

// Infer waits for a rate token then calls the wrapped backend through the
// breaker of the stage labelled on ctx.
func (g *Guarded) Infer(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", eris.Wrap(err, "backend: rate limit wait")
	}
	return resilience.ExecuteVal(ctx, g.Breaker(StageFrom(ctx)), func(ctx context.Context) (string, error) {
		return g.next.Infer(ctx, systemPrompt, userPrompt)
	})
}

// Close releases the wrapped backend if it holds resources.
func (g *Guarded) Close() error {
	if c, ok := g.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// New builds the configured provider wrapped in a Guarded decorator.
func New(ctx context.Context, cfg config.BackendConfig) (*Guarded, error) {
	var inner Backend
	switch cfg.Provider {
	case "", "anthropic":
		inner = NewAnthropic(cfg.Anthropic)
	case "gemini":
		g, err := NewGemini(ctx, cfg.Gemini)
		if err != nil {
			return nil, err
		}
		inner = g
	default:
		return nil, eris.Errorf("backend: unknown provider %q", cfg.Provider)
	}

	cbCfg := resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs)
	cbCfg.Name = cfg.Provider
	return NewGuarded(inner, cfg.RatePerSec, cfg.Burst, cbCfg), nil
}
