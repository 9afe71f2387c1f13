package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teslashibe/go-duplex/internal/httpc"
)

const (
	elevenLabsBaseURL  = "https://api.elevenlabs.io/v1"
	providerElevenLabs = "elevenlabs"
)

// ElevenLabs model IDs
const (
	// ModelTurboV2_5 is the fastest English model (~200ms latency).
	ModelTurboV2_5 = "eleven_turbo_v2_5"

	// ModelFlashV2_5 is the fastest multilingual model (~150ms latency).
	ModelFlashV2_5 = "eleven_flash_v2_5"

	// ModelMultilingualV2 is the highest quality multilingual model (~300ms latency).
	ModelMultilingualV2 = "eleven_multilingual_v2"

	// ModelMonolingualV1 is the legacy English model.
	ModelMonolingualV1 = "eleven_monolingual_v1"
)

// ElevenLabs implements Provider for ElevenLabs TTS over HTTP.
type ElevenLabs struct {
	config       *Config
	client       *http.Client
	streamClient *http.Client
	logger       *slog.Logger
	baseURL      string
}

// NewElevenLabs creates a new ElevenLabs TTS provider.
func NewElevenLabs(opts ...Option) (*ElevenLabs, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.ValidateWithVoice(); err != nil {
		return nil, err
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}

	client, streamClient := cfg.HTTPClient, cfg.HTTPClient
	if client == nil {
		client = httpc.NewClient(cfg.Timeout)
		streamClient = httpc.NewStreamingClient(cfg.StreamTimeout)
	}

	return &ElevenLabs{
		config:       cfg,
		client:       client,
		streamClient: streamClient,
		logger:       cfg.Logger.With("component", "tts.elevenlabs"),
		baseURL:      baseURL,
	}, nil
}

// Name identifies the provider in a chain.
func (e *ElevenLabs) Name() string {
	return providerElevenLabs
}

// Synthesize converts text to audio, returning the complete audio buffer.
func (e *ElevenLabs) Synthesize(ctx context.Context, req *Request) (*AudioResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	start := time.Now()
	v := e.config.resolve(req.Voice)

	resp, err := e.post(ctx, e.client, e.endpoint(v, false), req, v)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	latency := time.Since(start).Milliseconds()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerElevenLabs, fmt.Errorf("read response: %w", err))
	}

	e.logger.Debug("synthesized audio",
		"chars", len(req.Text),
		"bytes", len(audio),
		"latency_ms", latency,
		"model", v.ModelID,
	)

	format := PCMFormat(v.Format)
	return &AudioResult{
		Audio:     audio,
		Format:    format,
		CharCount: len(req.Text),
		LatencyMs: latency,
		Duration:  PCMDuration(len(audio), format.SampleRate),
	}, nil
}

// Stream converts text to audio with streaming output for lowest latency.
func (e *ElevenLabs) Stream(ctx context.Context, req *Request) (AudioStream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	v := e.config.resolve(req.Voice)

	resp, err := e.post(ctx, e.streamClient, e.endpoint(v, true), req, v)
	if err != nil {
		return nil, err
	}

	return &httpStream{
		body:   resp.Body,
		format: PCMFormat(v.Format),
	}, nil
}

// Health checks API connectivity and API key validity.
func (e *ElevenLabs) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+"/user", nil)
	if err != nil {
		return WrapError(providerElevenLabs, err)
	}

	req.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return WrapError(providerElevenLabs, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return e.parseError(resp)
	}

	return nil
}

// Close releases resources held by the provider.
func (e *ElevenLabs) Close() error {
	e.client.CloseIdleConnections()
	e.streamClient.CloseIdleConnections()
	return nil
}

// VoiceID returns the configured voice ID.
func (e *ElevenLabs) VoiceID() string {
	return ResolveElevenLabsVoice(e.config.VoiceID)
}

// ModelID returns the configured model ID.
func (e *ElevenLabs) ModelID() string {
	return e.config.ModelID
}

func (e *ElevenLabs) endpoint(v voice, stream bool) string {
	path := fmt.Sprintf("%s/text-to-speech/%s", e.baseURL, url.PathEscape(ResolveElevenLabsVoice(v.VoiceID)))
	if stream {
		path += "/stream"
	}
	return path + "?output_format=" + url.QueryEscape(string(v.Format))
}

func (e *ElevenLabs) post(ctx context.Context, client *http.Client, endpoint string, req *Request, v voice) (*http.Response, error) {
	body, err := json.Marshal(buildPayload(req, v))
	if err != nil {
		return nil, WrapError(providerElevenLabs, fmt.Errorf("marshal payload: %w", err))
	}

	return doWithRetry(ctx, e.config, client, e.logger, providerElevenLabs,
		func(ctx context.Context) (*http.Request, error) {
			httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
			if err != nil {
				return nil, fmt.Errorf("create request: %w", err)
			}
			httpReq.Header.Set("xi-api-key", e.config.APIKey)
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Accept", formatToMIME(v.Format))
			return httpReq, nil
		},
		e.parseError,
	)
}

// elevenLabsPayload is the text-to-speech request body.
type elevenLabsPayload struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	PreviousText  string        `json:"previous_text,omitempty"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

func buildPayload(req *Request, v voice) elevenLabsPayload {
	return elevenLabsPayload{
		Text:          req.Text,
		ModelID:       v.ModelID,
		PreviousText:  req.PreviousText,
		VoiceSettings: v.Settings,
	}
}

// parseError reads and parses an error response.
func (e *ElevenLabs) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	// Try to parse JSON error
	var errResp struct {
		Detail struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"detail"`
	}

	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Detail.Message != "" {
		message = errResp.Detail.Message
		code = errResp.Detail.Status
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   providerElevenLabs,
	}
}

// formatToMIME converts the encoding to MIME type.
func formatToMIME(enc Encoding) string {
	switch enc {
	case EncodingMP3:
		return "audio/mpeg"
	case EncodingPCM16, EncodingPCM22, EncodingPCM24, EncodingPCM44:
		return "audio/pcm"
	case EncodingOpus:
		return "audio/opus"
	case EncodingULaw:
		return "audio/basic"
	default:
		return "audio/mpeg"
	}
}

// Verify ElevenLabs implements Provider at compile time.
var _ Provider = (*ElevenLabs)(nil)
