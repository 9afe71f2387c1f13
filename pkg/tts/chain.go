package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-duplex/internal/metrics"
)

// DefaultCooldown is how long a failed provider is tried last.
const DefaultCooldown = 30 * time.Second

// Chain implements Provider by falling back through providers in order.
//
// Two things reorder the configured list for a request: a VoiceConfig
// naming a provider moves that provider to the front, and a provider that
// failed recently is moved to the back until its cooldown expires. A
// sentence therefore pays a dead provider's timeout once, not every time.
type Chain struct {
	providers []Provider
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	failedAt []time.Time
}

// NewChain creates a provider chain that tries providers in order.
// At least one provider is required.
func NewChain(providers ...Provider) (*Chain, error) {
	return NewChainWithLogger(slog.Default(), providers...)
}

// NewChainWithLogger creates a provider chain with a custom logger.
func NewChainWithLogger(logger *slog.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrProviderUnavailable
	}
	return &Chain{
		providers: providers,
		cooldown:  DefaultCooldown,
		logger:    logger.With("component", "tts.Chain"),
		now:       time.Now,
		failedAt:  make([]time.Time, len(providers)),
	}, nil
}

// SetCooldown changes how long a failed provider is demoted.
func (c *Chain) SetCooldown(d time.Duration) {
	c.mu.Lock()
	c.cooldown = d
	c.mu.Unlock()
}

// Synthesize tries each provider until one succeeds.
func (c *Chain) Synthesize(ctx context.Context, req *Request) (*AudioResult, error) {
	return try(ctx, c, req, "synthesize", func(p Provider) (*AudioResult, error) {
		return p.Synthesize(ctx, req)
	})
}

// Stream opens a stream on the first provider that accepts the request.
func (c *Chain) Stream(ctx context.Context, req *Request) (AudioStream, error) {
	return try(ctx, c, req, "stream", func(p Provider) (AudioStream, error) {
		return p.Stream(ctx, req)
	})
}

func try[T any](ctx context.Context, c *Chain, req *Request, op string, call func(Provider) (T, error)) (T, error) {
	var (
		zero T
		errs []error
	)
	for n, i := range c.order(req) {
		p := c.providers[i]
		out, err := call(p)
		if err == nil {
			c.mark(i, time.Time{})
			if n > 0 {
				c.logger.Info("fallback provider succeeded",
					"op", op, "provider", providerName(p), "chars", len(req.Text))
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		errs = append(errs, err)
		c.mark(i, c.now())
		metrics.RecordProviderFailure("tts", providerName(p))
		c.logger.Warn("provider failed, trying next",
			"op", op, "provider", providerName(p), "error", err)
	}
	return zero, &ChainError{Errors: errs}
}

// Name identifies the chain.
func (c *Chain) Name() string {
	return "chain"
}

// order returns provider indexes for req: the requested provider first,
// then the rest in configured order, with providers cooling down last.
func (c *Chain) order(req *Request) []int {
	preferred := ""
	if req != nil && req.Voice != nil {
		preferred = req.Voice.Provider
	}

	c.mu.Lock()
	now := c.now()
	cooling := make([]bool, len(c.providers))
	for i, at := range c.failedAt {
		cooling[i] = !at.IsZero() && now.Sub(at) < c.cooldown
	}
	c.mu.Unlock()

	out := make([]int, 0, len(c.providers))
	pick := func(match func(i int) bool) {
		for i := range c.providers {
			if match(i) {
				out = append(out, i)
			}
		}
	}
	isPreferred := func(i int) bool { return preferred != "" && providerName(c.providers[i]) == preferred }

	pick(func(i int) bool { return isPreferred(i) })
	pick(func(i int) bool { return !isPreferred(i) && !cooling[i] })
	pick(func(i int) bool { return !isPreferred(i) && cooling[i] })
	return out
}

func (c *Chain) mark(i int, at time.Time) {
	c.mu.Lock()
	c.failedAt[i] = at
	c.mu.Unlock()
}

// providerName returns p's name when it exposes one.
func providerName(p Provider) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return ""
}

// Health succeeds when at least one provider is healthy.
func (c *Chain) Health(ctx context.Context) error {
	var (
		healthy int
		lastErr error
	)
	for _, p := range c.providers {
		if err := p.Health(ctx); err != nil {
			lastErr = err
			continue
		}
		healthy++
	}
	if healthy == 0 {
		return fmt.Errorf("all %d providers unhealthy: %w", len(c.providers), lastErr)
	}
	c.logger.Debug("health check complete", "healthy", healthy, "total", len(c.providers))
	return nil
}

// Close closes every provider and returns the last error.
func (c *Chain) Close() error {
	var lastErr error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Providers returns the providers in configured order.
func (c *Chain) Providers() []Provider {
	return c.providers
}

// ChainError collects the error of every provider that was tried.
type ChainError struct {
	Errors []error
}

func (e *ChainError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "tts chain: no errors recorded"
	case 1:
		return fmt.Sprintf("tts chain: %v", e.Errors[0])
	}
	return fmt.Sprintf("tts chain: all %d providers failed, last error: %v", len(e.Errors), e.Errors[len(e.Errors)-1])
}

// Unwrap returns the last provider's error.
func (e *ChainError) Unwrap() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}

var _ Provider = (*Chain)(nil)
