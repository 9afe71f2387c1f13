package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/teslashibe/go-duplex/internal/config"
	"github.com/teslashibe/go-duplex/pkg/audioquality"
	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/inference"
	"github.com/teslashibe/go-duplex/pkg/network"
	"github.com/teslashibe/go-duplex/pkg/speech"
	"github.com/teslashibe/go-duplex/pkg/tools"
	"github.com/teslashibe/go-duplex/pkg/tts"
	"github.com/teslashibe/go-duplex/pkg/voice"
	"github.com/teslashibe/go-duplex/pkg/web"
)

// TTS provider names accepted in TTSConfig.Providers.
const (
	providerElevenLabs   = "elevenlabs"
	providerElevenLabsWS = "elevenlabs_ws"
	providerOpenAI       = "openai"
)

func buildLLM(cfg *config.Config, logger *slog.Logger) (*inference.Chain, error) {
	newClient := func(model string) (*inference.Client, error) {
		return inference.NewClient(
			inference.WithBaseURL(cfg.LLM.BaseURL),
			inference.WithAPIKey(cfg.LLM.APIKey),
			inference.WithModel(model),
			inference.WithMaxTokens(cfg.LLM.MaxTokens),
			inference.WithTemperature(cfg.LLM.Temperature),
			inference.WithLogger(logger),
		)
	}

	primary, err := newClient(cfg.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", cfg.LLM.Model, err)
	}
	providers := []inference.Provider{primary}

	if cfg.LLM.FallbackModel != "" && cfg.LLM.FallbackModel != cfg.LLM.Model {
		fallback, err := newClient(cfg.LLM.FallbackModel)
		if err != nil {
			return nil, fmt.Errorf("llm %s: %w", cfg.LLM.FallbackModel, err)
		}
		providers = append(providers, fallback)
	}
	return inference.NewChainWithLogger(logger, providers...)
}

func buildTTS(cfg *config.Config, logger *slog.Logger) (*tts.Chain, error) {
	settings := tts.VoiceSettings{
		Stability:       cfg.TTS.Stability,
		SimilarityBoost: cfg.TTS.SimilarityBoost,
		Style:           cfg.TTS.Style,
		SpeakerBoost:    cfg.TTS.SpeakerBoost,
	}
	elevenLabsOpts := []tts.Option{
		tts.WithAPIKey(cfg.TTS.ElevenLabsAPIKey),
		tts.WithVoice(cfg.TTS.Voice),
		tts.WithModel(cfg.TTS.Model),
		tts.WithOutputFormat(tts.Encoding(cfg.TTS.OutputFormat)),
		tts.WithVoiceSettings(settings),
		tts.WithLogger(logger),
	}

	var providers []tts.Provider
	for _, name := range cfg.TTS.Providers {
		var (
			p   tts.Provider
			err error
		)
		switch strings.TrimSpace(name) {
		case providerElevenLabs:
			p, err = tts.NewElevenLabs(elevenLabsOpts...)
		case providerElevenLabsWS:
			p, err = tts.NewElevenLabsWS(elevenLabsOpts...)
		case providerOpenAI:
			opts := []tts.Option{tts.WithAPIKey(cfg.TTS.OpenAIAPIKey), tts.WithLogger(logger)}
			if tts.IsOpenAIVoice(cfg.TTS.Voice) {
				opts = append(opts, tts.WithVoice(cfg.TTS.Voice))
			}
			p, err = tts.NewOpenAI(opts...)
		default:
			return nil, fmt.Errorf("tts: unknown provider %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("tts %s: %w", name, err)
		}
		providers = append(providers, p)
	}
	return tts.NewChainWithLogger(logger, providers...)
}

func buildTools(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	reg := tools.NewRegistry(
		tools.WithTimeout(cfg.Tools.Timeout),
		tools.WithLogger(logger),
	)

	builtins := tools.BuiltinConfig{}
	if cfg.Tools.KnowledgeFile != "" {
		docs, err := config.LoadKnowledge(cfg.Tools.KnowledgeFile)
		if err != nil {
			return nil, err
		}
		retriever := tools.NewMemoryRetriever()
		for _, d := range docs {
			retriever.Add(tools.Document{ID: d.ID, Title: d.Title, URL: d.URL, Content: d.Content})
		}
		builtins.Retriever = retriever
		logger.Info("knowledge base loaded", "documents", len(docs), "path", cfg.Tools.KnowledgeFile)
	}

	if err := tools.RegisterBuiltins(reg, builtins); err != nil {
		return nil, err
	}
	return reg, nil
}

func storeConfig(cfg *config.Config, logger *slog.Logger) conversation.StoreConfig {
	return conversation.StoreConfig{
		Kind:             cfg.Context.Store,
		TTL:              cfg.Context.TTL,
		MaxConversations: cfg.Context.MaxConversations,
		RedisURL:         cfg.Context.RedisURL,
		RedisPrefix:      cfg.Context.RedisPrefix,
		Logger:           logger,
	}
}

func voiceConfig(cfg *config.Config, logger *slog.Logger) voice.Config {
	vc := voice.DefaultConfig().WithLogger(logger)

	vc.Thinker.Model = cfg.LLM.Model
	vc.Thinker.MaxTokens = cfg.LLM.MaxTokens
	vc.Thinker.Temperature = cfg.LLM.Temperature
	vc.Thinker.SystemPrompt = cfg.LLM.SystemPrompt
	vc.Thinker.MaxToolRounds = cfg.LLM.MaxToolRounds
	vc.Thinker.Limits = conversation.Limits{
		MaxMessages: cfg.Context.MaxMessages,
		MaxTokens:   cfg.Context.MaxTokens,
	}

	vc.Talker.Chunker = speech.ChunkerConfig{
		MinChars:     cfg.Chunker.MinChars,
		OptimalChars: cfg.Chunker.OptimalChars,
		MaxChars:     cfg.Chunker.MaxChars,
	}

	vc.QueueCapacity = cfg.Audio.QueueCapacity

	th := network.DefaultThresholds()
	th.ExcellentLatency = cfg.Network.ExcellentLatency
	th.GoodLatency = cfg.Network.GoodLatency
	th.FairLatency = cfg.Network.FairLatency
	th.MaxLossPct = cfg.Network.MaxLossPct
	vc.Network.Thresholds = th
	vc.Network.Window = cfg.Network.Window
	vc.Network.ReconnectBase = cfg.Network.ReconnectBase
	vc.Network.ReconnectMax = cfg.Network.ReconnectMax
	vc.Network.ReconnectAttempts = cfg.Network.ReconnectAttempts
	vc.Network.Logger = logger

	vc.Quality.InitialNoiseFloor = cfg.Quality.InitialNoiseFloor
	vc.Quality.AcceptableScore = cfg.Quality.AcceptableScore
	vc.AutoBargeIn = cfg.Quality.AutoBargeIn
	vc.BargeIn = audioquality.BargeInConfig{
		Threshold: cfg.Quality.BargeInThreshold,
		Frames:    cfg.Quality.BargeInFrames,
	}
	return vc
}

func serverConfig(cfg *config.Config, debug bool, logger *slog.Logger) web.Config {
	return web.Config{
		Addr:            cfg.Server.Addr,
		ReadLimit:       cfg.Server.ReadLimit,
		InboundRate:     cfg.Server.InboundRate,
		InboundBurst:    cfg.Server.InboundBurst,
		PingInterval:    cfg.Server.PingInterval,
		PongTimeout:     cfg.Server.PongTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Debug:           debug,
		Logger:          logger,
	}
}
