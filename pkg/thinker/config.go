package thinker

import (
	"errors"
	"log/slog"

	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/inference"
	"github.com/teslashibe/go-duplex/pkg/tools"
)

// DefaultMaxToolRounds bounds how many tool rounds one turn may take.
const DefaultMaxToolRounds = 5

// Config holds the tunables of a thinker session.
type Config struct {
	// Model overrides the provider's default model.
	Model string

	// MaxTokens limits each completion.
	MaxTokens int

	// Temperature controls randomness (0.0-2.0).
	Temperature float64

	// SystemPrompt seeds newly created conversations.
	SystemPrompt string

	// MaxToolRounds bounds tool rounds per turn. Once reached the model is
	// asked one last time with tools disabled.
	MaxToolRounds int

	// EventBuffer is the capacity of a run's event channel.
	EventBuffer int

	// Limits is the retention budget of newly created conversations.
	Limits conversation.Limits

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Temperature:   0.7,
		MaxToolRounds: DefaultMaxToolRounds,
		EventBuffer:   64,
		Limits:        conversation.DefaultLimits(),
		Logger:        slog.Default(),
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.MaxToolRounds < 0 {
		return errors.New("thinker: MaxToolRounds must not be negative")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.New("thinker: temperature must be between 0 and 2")
	}
	return nil
}

// WithSystemPrompt returns a copy with the system prompt set.
func (c Config) WithSystemPrompt(prompt string) Config {
	c.SystemPrompt = prompt
	return c
}

// WithMaxToolRounds returns a copy with the tool round bound set.
func (c Config) WithMaxToolRounds(n int) Config {
	c.MaxToolRounds = n
	return c
}

// WithLogger returns a copy using logger.
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	return c
}

// Deps are the collaborators a session works with.
type Deps struct {
	// Provider streams completions. Required.
	Provider inference.Provider

	// Store holds conversation history. Required.
	Store conversation.Store

	// Tools is optional; without it the model is never offered tools.
	Tools *tools.Registry
}

func (d Deps) validate() error {
	if d.Provider == nil {
		return errors.New("thinker: provider required")
	}
	if d.Store == nil {
		return errors.New("thinker: conversation store required")
	}
	return nil
}
