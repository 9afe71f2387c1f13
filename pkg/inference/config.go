package inference

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config holds provider configuration.
type Config struct {
	BaseURL string
	APIKey  string

	// Model is the default chat model.
	Model string

	// MaxTokens and Temperature apply to requests that leave them zero.
	MaxTokens   int
	Temperature float64

	// Timeout bounds a non-streaming request. StreamTimeout bounds only
	// the wait for response headers; the body may stream for longer.
	Timeout       time.Duration
	StreamTimeout time.Duration

	// MaxRetries retries a failed request before any token was produced.
	MaxRetries int
	RetryDelay time.Duration

	// HTTPClient overrides the transport. Nil uses a client built from
	// the timeouts above.
	HTTPClient *http.Client

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring providers.
type Option func(*Config)

// WithBaseURL sets the API base URL.
// Examples: "https://api.openai.com/v1", "http://localhost:11434/v1"
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithModel sets the default chat model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithStreamTimeout sets how long a streaming request may wait for
// response headers.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Config) { c.StreamTimeout = d }
}

// WithRetry configures retry behavior.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Config) { c.HTTPClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns sensible defaults for OpenAI.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:       "https://api.openai.com/v1",
		Model:         "gpt-4o-mini",
		MaxTokens:     512,
		Temperature:   0.7,
		Timeout:       30 * time.Second,
		StreamTimeout: 15 * time.Second,
		MaxRetries:    2,
		RetryDelay:    200 * time.Millisecond,
		Logger:        slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration. The API key stays optional so local
// OpenAI-compatible servers such as Ollama work without one.
func (c *Config) Validate() error {
	switch {
	case c.Model == "":
		return ErrNoModel
	case c.BaseURL == "":
		return errors.New("inference: base URL required")
	case c.Temperature < 0 || c.Temperature > 2:
		return fmt.Errorf("inference: temperature %.2f outside [0, 2]", c.Temperature)
	case c.MaxTokens < 0:
		return errors.New("inference: max tokens must not be negative")
	case c.MaxRetries < 0:
		return errors.New("inference: max retries must not be negative")
	}
	return nil
}
