package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/teslashibe/go-duplex/internal/httpc"
)

const (
	openAIBaseURL  = "https://api.openai.com/v1"
	providerOpenAI = "openai"
)

// OpenAI built-in voices.
const (
	VoiceAlloy   = "alloy"
	VoiceEcho    = "echo"
	VoiceFable   = "fable"
	VoiceOnyx    = "onyx"
	VoiceNova    = "nova"
	VoiceShimmer = "shimmer"
)

// OpenAI model options
const (
	ModelTTS1   = "tts-1"    // Standard quality, faster
	ModelTTS1HD = "tts-1-hd" // Higher quality, slower
)

// OpenAI implements Provider for OpenAI speech. Audio is requested as raw
// 24kHz PCM16 so it matches the ElevenLabs default and can be played
// gaplessly next to it.
type OpenAI struct {
	config *Config
	api    *openai.Client
	client *http.Client
	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI TTS provider.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.ModelID = ModelTTS1
	cfg.VoiceID = VoiceShimmer
	cfg.Apply(opts...)
	cfg.OutputFormat = EncodingPCM24

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Default voice if not set
	if cfg.VoiceID == "" {
		cfg.VoiceID = VoiceShimmer
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = openAIBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httpc.NewStreamingClient(cfg.StreamTimeout)
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = baseURL
	oc.HTTPClient = client

	return &OpenAI{
		config: cfg,
		api:    openai.NewClientWithConfig(oc),
		client: client,
		logger: cfg.Logger.With("component", "tts.openai"),
	}, nil
}

// Name identifies the provider in a chain.
func (o *OpenAI) Name() string {
	return providerOpenAI
}

// Synthesize converts text to audio, returning the complete audio buffer.
func (o *OpenAI) Synthesize(ctx context.Context, req *Request) (*AudioResult, error) {
	start := time.Now()

	stream, err := o.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	audio, err := ReadAll(stream)
	if err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("read response: %w", err))
	}

	latency := time.Since(start).Milliseconds()
	o.logger.Debug("synthesized audio",
		"chars", len(req.Text),
		"bytes", len(audio),
		"latency_ms", latency,
	)

	format := stream.Format()
	return &AudioResult{
		Audio:     audio,
		Format:    format,
		CharCount: len(req.Text),
		LatencyMs: latency,
		Duration:  PCMDuration(len(audio), format.SampleRate),
	}, nil
}

// Stream converts text to audio, reading the response body as it arrives.
func (o *OpenAI) Stream(ctx context.Context, req *Request) (AudioStream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	v := o.config.resolve(req.Voice)
	voiceID := v.VoiceID
	if !IsOpenAIVoice(voiceID) {
		voiceID = o.config.VoiceID
	}
	if !IsOpenAIVoice(voiceID) {
		voiceID = VoiceShimmer
	}
	model := v.ModelID
	if strings.HasPrefix(model, "eleven_") {
		model = ModelTTS1
	}

	var body io.ReadCloser
	attempt := 0
	for {
		attempt++
		resp, err := o.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(model),
			Input:          req.Text,
			Voice:          openai.SpeechVoice(voiceID),
			ResponseFormat: openai.SpeechResponseFormatPcm,
		})
		if err == nil {
			body = resp.ReadCloser
			break
		}
		err = o.convertError(err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt > o.config.MaxRetries || !IsRetryable(err) {
			return nil, err
		}
		o.logger.Warn("retrying request", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.config.RetryDelay * time.Duration(attempt)):
		}
	}

	return &httpStream{body: body, format: PCMFormat(EncodingPCM24)}, nil
}

// Health checks API connectivity.
func (o *OpenAI) Health(ctx context.Context) error {
	if _, err := o.api.ListModels(ctx); err != nil {
		return o.convertError(err)
	}
	return nil
}

// Close releases resources.
func (o *OpenAI) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

// VoiceID returns the configured voice.
func (o *OpenAI) VoiceID() string {
	return o.config.VoiceID
}

// convertError maps go-openai errors onto APIError.
func (o *OpenAI) convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		return &APIError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Code:       code,
			Provider:   providerOpenAI,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.HTTPStatus
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &APIError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    msg,
			Provider:   providerOpenAI,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return WrapError(providerOpenAI, err)
}

// Verify OpenAI implements Provider at compile time.
var _ Provider = (*OpenAI)(nil)
