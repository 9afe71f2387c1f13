package inference

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/teslashibe/go-duplex/internal/metrics"
)

// DefaultCooldown is how long a failed provider is tried last.
const DefaultCooldown = 30 * time.Second

// Chain falls back through providers in order. A provider that fails is
// moved behind the healthy ones until its cooldown expires, so a dead
// primary model does not add its timeout to every turn.
type Chain struct {
	providers []Provider
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	failedAt []time.Time
}

// NewChain creates a provider chain.
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
		logger:    logger.With("component", "inference.Chain"),
		now:       time.Now,
		failedAt:  make([]time.Time, len(providers)),
	}, nil
}

// SetCooldown changes how long a failed provider is demoted. Zero keeps
// the configured order at all times.
func (c *Chain) SetCooldown(d time.Duration) {
	c.mu.Lock()
	c.cooldown = d
	c.mu.Unlock()
}

// Chat asks each eligible provider in turn.
func (c *Chain) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return attempt(ctx, c, req, "chat",
		func(caps Capabilities) bool { return caps.Chat },
		func(p Provider) (*ChatResponse, error) { return p.Chat(ctx, req) })
}

// Stream opens a stream on the first eligible provider that accepts it.
// Once a stream is open there is no fallback mid-answer.
func (c *Chain) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	return attempt(ctx, c, req, "stream",
		func(caps Capabilities) bool { return caps.Streaming },
		func(p Provider) (Stream, error) { return p.Stream(ctx, req) })
}

func attempt[T any](ctx context.Context, c *Chain, req *ChatRequest, op string, supports func(Capabilities) bool, call func(Provider) (T, error)) (T, error) {
	var (
		zero T
		errs []error
	)
	needTools := req != nil && len(req.Tools) > 0 && req.ToolChoice != "none"

	for n, i := range c.order() {
		p := c.providers[i]
		caps := p.Capabilities()
		if !supports(caps) || (needTools && !caps.Tools) {
			continue
		}

		out, err := call(p)
		if err == nil {
			c.recovered(i)
			if n > 0 {
				c.logger.Info("fallback provider succeeded", "op", op, "provider", providerName(p, i))
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		errs = append(errs, err)
		c.failed(i)
		metrics.RecordProviderFailure("llm", providerName(p, i))
		c.logger.Warn("provider failed, trying next", "op", op, "provider", providerName(p, i), "error", err)
	}

	if len(errs) == 0 {
		return zero, ErrProviderUnavailable
	}
	return zero, &ChainError{Errors: errs}
}

// order returns provider indexes with those cooling down moved last.
func (c *Chain) order() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ready := make([]int, 0, len(c.providers))
	var cooling []int
	for i, at := range c.failedAt {
		if !at.IsZero() && now.Sub(at) < c.cooldown {
			cooling = append(cooling, i)
			continue
		}
		ready = append(ready, i)
	}
	return append(ready, cooling...)
}

func (c *Chain) failed(i int) {
	c.mu.Lock()
	c.failedAt[i] = c.now()
	c.mu.Unlock()
}

func (c *Chain) recovered(i int) {
	c.mu.Lock()
	c.failedAt[i] = time.Time{}
	c.mu.Unlock()
}

// Capabilities is the union of the providers' capabilities.
func (c *Chain) Capabilities() Capabilities {
	var caps Capabilities
	for _, p := range c.providers {
		pc := p.Capabilities()
		caps.Chat = caps.Chat || pc.Chat
		caps.Streaming = caps.Streaming || pc.Streaming
		caps.Tools = caps.Tools || pc.Tools
	}
	return caps
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
		return WrapError("chain", lastErr)
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

func providerName(p Provider, i int) string {
	if n, ok := p.(interface{ Name() string }); ok && n.Name() != "" {
		return n.Name()
	}
	return "provider_" + strconv.Itoa(i)
}

var _ Provider = (*Chain)(nil)
