// Package config loads go-duplex service configuration.
//
// Values are resolved in three layers, later layers winning:
//
//  1. built-in defaults (Default)
//  2. an optional TOML file named by DUPLEX_CONFIG
//  3. environment variables, including those loaded from a .env file
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// ConfigFileEnv names the environment variable pointing at a TOML file.
const ConfigFileEnv = "DUPLEX_CONFIG"

// Config holds all configuration for the duplex service.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	LLM     LLMConfig     `toml:"llm"`
	TTS     TTSConfig     `toml:"tts"`
	Chunker ChunkerConfig `toml:"chunker"`
	Context ContextConfig `toml:"context"`
	Network NetworkConfig `toml:"network"`
	Quality QualityConfig `toml:"quality"`
	Audio   AudioConfig   `toml:"audio"`
	Tools   ToolsConfig   `toml:"tools"`
}

// ServerConfig configures the HTTP/WebSocket front end.
type ServerConfig struct {
	Addr            string        `toml:"addr" env:"DUPLEX_ADDR"`
	LogLevel        string        `toml:"log_level" env:"LOG_LEVEL"`
	ReadLimit       int           `toml:"read_limit" env:"DUPLEX_WS_READ_LIMIT"`
	InboundRate     float64       `toml:"inbound_rate" env:"DUPLEX_WS_INBOUND_RATE"`
	InboundBurst    int           `toml:"inbound_burst" env:"DUPLEX_WS_INBOUND_BURST"`
	PingInterval    time.Duration `toml:"ping_interval" env:"DUPLEX_WS_PING_INTERVAL"`
	PongTimeout     time.Duration `toml:"pong_timeout" env:"DUPLEX_WS_PONG_TIMEOUT"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LLMConfig configures the reasoning provider.
type LLMConfig struct {
	BaseURL       string  `toml:"base_url" env:"LLM_BASE_URL"`
	APIKey        string  `toml:"-" env:"LLM_API_KEY"`
	Model         string  `toml:"model" env:"LLM_MODEL"`
	FallbackModel string  `toml:"fallback_model" env:"LLM_FALLBACK_MODEL"`
	Temperature   float64 `toml:"temperature" env:"LLM_TEMPERATURE"`
	MaxTokens     int     `toml:"max_tokens" env:"LLM_MAX_TOKENS"`
	SystemPrompt  string  `toml:"system_prompt" env:"LLM_SYSTEM_PROMPT"`
	MaxToolRounds int     `toml:"max_tool_rounds" env:"LLM_MAX_TOOL_ROUNDS"`
}

// TTSConfig configures speech synthesis. Providers lists the fallback
// chain in order, e.g. "elevenlabs_ws,elevenlabs,openai".
type TTSConfig struct {
	Providers        []string `toml:"providers" env:"TTS_PROVIDERS" envSeparator:","`
	ElevenLabsAPIKey string   `toml:"-" env:"ELEVENLABS_API_KEY"`
	OpenAIAPIKey     string   `toml:"-" env:"OPENAI_API_KEY"`
	Voice            string   `toml:"voice" env:"TTS_VOICE"`
	Model            string   `toml:"model" env:"TTS_MODEL"`
	OutputFormat     string   `toml:"output_format" env:"TTS_OUTPUT_FORMAT"`
	Stability        float64  `toml:"stability" env:"TTS_STABILITY"`
	SimilarityBoost  float64  `toml:"similarity_boost" env:"TTS_SIMILARITY_BOOST"`
	Style            float64  `toml:"style" env:"TTS_STYLE"`
	SpeakerBoost     bool     `toml:"speaker_boost" env:"TTS_SPEAKER_BOOST"`
}

// ChunkerConfig holds sentence chunking thresholds in characters.
type ChunkerConfig struct {
	MinChars     int `toml:"min_chars" env:"CHUNKER_MIN_CHARS"`
	OptimalChars int `toml:"optimal_chars" env:"CHUNKER_OPTIMAL_CHARS"`
	MaxChars     int `toml:"max_chars" env:"CHUNKER_MAX_CHARS"`
}

// ContextConfig configures conversation history retention.
type ContextConfig struct {
	MaxMessages      int           `toml:"max_messages" env:"CONTEXT_MAX_MESSAGES"`
	MaxTokens        int           `toml:"max_tokens" env:"CONTEXT_MAX_TOKENS"`
	TTL              time.Duration `toml:"ttl" env:"CONTEXT_TTL"`
	Store            string        `toml:"store" env:"CONTEXT_STORE"`
	MaxConversations int           `toml:"max_conversations" env:"CONTEXT_MAX_CONVERSATIONS"`
	RedisURL         string        `toml:"redis_url" env:"REDIS_URL"`
	RedisPrefix      string        `toml:"redis_prefix" env:"REDIS_PREFIX"`
}

// NetworkConfig configures link quality assessment and reconnection.
type NetworkConfig struct {
	ExcellentLatency  time.Duration `toml:"excellent_latency" env:"NETWORK_EXCELLENT_LATENCY"`
	GoodLatency       time.Duration `toml:"good_latency" env:"NETWORK_GOOD_LATENCY"`
	FairLatency       time.Duration `toml:"fair_latency" env:"NETWORK_FAIR_LATENCY"`
	MaxLossPct        float64       `toml:"max_loss_pct" env:"NETWORK_MAX_LOSS_PCT"`
	Window            int           `toml:"window" env:"NETWORK_WINDOW"`
	ReconnectBase     time.Duration `toml:"reconnect_base" env:"NETWORK_RECONNECT_BASE"`
	ReconnectMax      time.Duration `toml:"reconnect_max" env:"NETWORK_RECONNECT_MAX"`
	ReconnectAttempts int           `toml:"reconnect_attempts" env:"NETWORK_RECONNECT_ATTEMPTS"`
}

// QualityConfig configures inbound audio analysis and VAD barge-in.
type QualityConfig struct {
	InitialNoiseFloor float64 `toml:"initial_noise_floor" env:"QUALITY_NOISE_FLOOR"`
	AcceptableScore   float64 `toml:"acceptable_score" env:"QUALITY_ACCEPTABLE_SCORE"`
	AutoBargeIn       bool    `toml:"auto_barge_in" env:"BARGE_IN_AUTO"`
	BargeInThreshold  float64 `toml:"barge_in_threshold" env:"BARGE_IN_THRESHOLD"`
	BargeInFrames     int     `toml:"barge_in_frames" env:"BARGE_IN_FRAMES"`
}

// AudioConfig configures outbound audio buffering.
type AudioConfig struct {
	QueueCapacity int `toml:"queue_capacity" env:"AUDIO_QUEUE_CAPACITY"`
}

// ToolsConfig configures the tools the model may call.
type ToolsConfig struct {
	Timeout time.Duration `toml:"timeout" env:"TOOLS_TIMEOUT"`

	// KnowledgeFile is a TOML file of [[documents]] served by
	// search_knowledge_base. Empty disables the tool.
	KnowledgeFile string `toml:"knowledge_file" env:"KNOWLEDGE_FILE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			LogLevel:        "info",
			ReadLimit:       1 << 20,
			InboundRate:     50,
			InboundBurst:    100,
			PingInterval:    10 * time.Second,
			PongTimeout:     25 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:       "https://api.openai.com/v1",
			Model:         "gpt-4o-mini",
			Temperature:   0.7,
			MaxTokens:     512,
			SystemPrompt:  "You are a helpful voice assistant. Keep answers short and conversational.",
			MaxToolRounds: 5,
		},
		TTS: TTSConfig{
			Providers:       []string{"elevenlabs"},
			Voice:           "charlotte",
			Model:           "eleven_turbo_v2_5",
			OutputFormat:    "pcm_24000",
			Stability:       0.5,
			SimilarityBoost: 0.75,
			SpeakerBoost:    true,
		},
		Chunker: ChunkerConfig{
			MinChars:     20,
			OptimalChars: 80,
			MaxChars:     200,
		},
		Context: ContextConfig{
			MaxMessages:      20,
			MaxTokens:        8000,
			TTL:              time.Hour,
			Store:            "memory",
			MaxConversations: 10000,
			RedisURL:         "redis://localhost:6379/0",
			RedisPrefix:      "duplex:conversation",
		},
		Network: NetworkConfig{
			ExcellentLatency:  100 * time.Millisecond,
			GoodLatency:       200 * time.Millisecond,
			FairLatency:       400 * time.Millisecond,
			MaxLossPct:        5,
			Window:            10,
			ReconnectBase:     500 * time.Millisecond,
			ReconnectMax:      8 * time.Second,
			ReconnectAttempts: 5,
		},
		Quality: QualityConfig{
			InitialNoiseFloor: 0.01,
			AcceptableScore:   0.4,
			AutoBargeIn:       true,
			BargeInThreshold:  0.6,
			BargeInFrames:     3,
		},
		Audio: AudioConfig{
			QueueCapacity: 64,
		},
		Tools: ToolsConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load resolves configuration from defaults, the optional TOML file and
// the environment. A missing .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML overlays the TOML file at path onto cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	ch := c.Chunker
	if ch.MinChars <= 0 || ch.MinChars > ch.OptimalChars || ch.OptimalChars > ch.MaxChars {
		return fmt.Errorf("config: chunker thresholds must satisfy 0 < min <= optimal <= max (got %d/%d/%d)",
			ch.MinChars, ch.OptimalChars, ch.MaxChars)
	}

	n := c.Network
	if n.ExcellentLatency > n.GoodLatency || n.GoodLatency > n.FairLatency {
		return fmt.Errorf("config: network latency thresholds must be ascending")
	}
	if n.Window <= 0 {
		return fmt.Errorf("config: network window must be positive")
	}

	if c.Context.MaxMessages <= 0 {
		return fmt.Errorf("config: context max_messages must be positive")
	}
	switch c.Context.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown context store %q", c.Context.Store)
	}

	if len(c.TTS.Providers) == 0 {
		return fmt.Errorf("config: at least one TTS provider is required")
	}
	if c.Tools.Timeout <= 0 {
		return fmt.Errorf("config: tools timeout must be positive")
	}
	if c.Audio.QueueCapacity <= 0 {
		return fmt.Errorf("config: audio queue_capacity must be positive")
	}
	return nil
}
