package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/teslashibe/go-duplex/pkg/audio"
	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/inference"
	"github.com/teslashibe/go-duplex/pkg/talker"
	"github.com/teslashibe/go-duplex/pkg/thinker"
	"github.com/teslashibe/go-duplex/pkg/tools"
	"github.com/teslashibe/go-duplex/pkg/tts"
)

// Deps are the providers and stores a Service works with.
type Deps struct {
	LLM   inference.Provider
	TTS   tts.Provider
	Store conversation.Store

	// Tools is optional.
	Tools *tools.Registry
}

// Service builds sessions and conversations. It holds no per-conversation
// state and is safe for concurrent use.
type Service struct {
	cfg  Config
	deps Deps
}

// NewService creates a service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.LLM == nil {
		return nil, errors.New("voice: LLM provider required")
	}
	if deps.TTS == nil {
		return nil, errors.New("voice: TTS provider required")
	}
	if deps.Store == nil {
		return nil, errors.New("voice: conversation store required")
	}
	if cfg.Logger == nil {
		cfg = cfg.WithLogger(DefaultConfig().Logger)
	}
	return &Service{cfg: cfg, deps: deps}, nil
}

// Config returns the service configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Store returns the conversation store.
func (s *Service) Store() conversation.Store {
	return s.deps.Store
}

// Tools returns the tool registry, possibly nil.
func (s *Service) Tools() *tools.Registry {
	return s.deps.Tools
}

// Health checks that both providers are reachable.
func (s *Service) Health(ctx context.Context) error {
	if err := s.deps.LLM.Health(ctx); err != nil {
		return fmt.Errorf("voice: llm unhealthy: %w", err)
	}
	if err := s.deps.TTS.Health(ctx); err != nil {
		return fmt.Errorf("voice: tts unhealthy: %w", err)
	}
	return nil
}

// CreateSession returns a thinker session for one turn of conversationID.
func (s *Service) CreateSession(conversationID, userID string) (*thinker.Session, error) {
	return thinker.New(s.cfg.Thinker, thinker.Deps{
		Provider: s.deps.LLM,
		Store:    s.deps.Store,
		Tools:    s.deps.Tools,
	}, conversationID, userID)
}

// StartSession returns a talker session speaking into queue. A nil voice
// uses the configured default voice.
func (s *Service) StartSession(queue *audio.Queue, voice *tts.VoiceConfig) (*talker.Session, error) {
	if voice == nil {
		v := s.cfg.Voice
		voice = &v
	}
	return talker.New(s.cfg.Talker, s.deps.TTS, queue, voice)
}
