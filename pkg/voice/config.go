package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-duplex/pkg/audioquality"
	"github.com/teslashibe/go-duplex/pkg/network"
	"github.com/teslashibe/go-duplex/pkg/talker"
	"github.com/teslashibe/go-duplex/pkg/thinker"
	"github.com/teslashibe/go-duplex/pkg/tts"
)

// Config holds all tunable parameters of the voice orchestrator.
// Parameters are organized by stage.
type Config struct {
	// Reasoning stage
	Thinker thinker.Config

	// Speaking stage
	Talker talker.Config
	Voice  tts.VoiceConfig

	// QueueCapacity is the number of audio chunks buffered per turn.
	QueueCapacity int

	// Link quality and reconnection
	Network network.Config

	// Inbound audio analysis
	Quality audioquality.Config

	// QualityEventInterval rate-limits quality events per conversation.
	QualityEventInterval time.Duration

	// AutoBargeIn interrupts playback when the user starts speaking.
	AutoBargeIn bool
	BargeIn     audioquality.BargeInConfig

	// EventBuffer is the capacity of event channels.
	EventBuffer int

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	settings := tts.DefaultVoiceSettings()
	return Config{
		Thinker:              thinker.DefaultConfig(),
		Talker:               talker.DefaultConfig(),
		Voice:                tts.VoiceConfig{Settings: &settings},
		QueueCapacity:        64,
		Network:              network.DefaultConfig(),
		Quality:              audioquality.DefaultConfig(),
		QualityEventInterval: time.Second,
		AutoBargeIn:          true,
		BargeIn:              audioquality.DefaultBargeInConfig(),
		EventBuffer:          128,
		Logger:               slog.Default(),
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if err := c.Thinker.Validate(); err != nil {
		return fmt.Errorf("voice: %w", err)
	}
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("voice: %w", err)
	}
	if c.QueueCapacity <= 0 {
		return errors.New("voice: queue capacity must be positive")
	}
	ch := c.Talker.Chunker
	if ch.MinChars <= 0 || ch.MinChars > ch.OptimalChars || ch.OptimalChars > ch.MaxChars {
		return errors.New("voice: chunker thresholds must satisfy 0 < min <= optimal <= max")
	}
	if c.BargeIn.Threshold < 0 || c.BargeIn.Threshold > 1 {
		return errors.New("voice: barge-in threshold must be between 0 and 1")
	}
	return nil
}

// WithSystemPrompt returns a copy with the system prompt set.
func (c Config) WithSystemPrompt(prompt string) Config {
	c.Thinker = c.Thinker.WithSystemPrompt(prompt)
	return c
}

// WithVoice returns a copy speaking with voice.
func (c Config) WithVoice(voice tts.VoiceConfig) Config {
	c.Voice = voice
	return c
}

// WithAutoBargeIn returns a copy with VAD barge-in settings.
func (c Config) WithAutoBargeIn(enabled bool, threshold float64, frames int) Config {
	c.AutoBargeIn = enabled
	c.BargeIn = audioquality.BargeInConfig{Threshold: threshold, Frames: frames}
	return c
}

// WithLogger returns a copy using logger in every stage.
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	c.Thinker.Logger = logger
	c.Talker.Logger = logger
	c.Network.Logger = logger
	return c
}
