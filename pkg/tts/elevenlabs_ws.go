package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-duplex/internal/httpc"
)

const (
	elevenLabsWSBaseURL  = "wss://api.elevenlabs.io/v1"
	providerElevenLabsWS = "elevenlabs_ws"
	wsHandshakeTimeout   = 10 * time.Second
)

// chunkLengthSchedule is tuned for low first-chunk latency.
var chunkLengthSchedule = []int{120, 160, 250, 290}

// ElevenLabsWS implements Provider over the ElevenLabs stream-input
// WebSocket. Each request opens its own connection, sends the sentence,
// and reads audio until the server marks the stream final. The protocol
// has no previous_text field, so Request.PreviousText is ignored.
type ElevenLabsWS struct {
	config *Config
	logger *slog.Logger
	client *http.Client
	dialer *websocket.Dialer

	wsURL   string
	httpURL string
}

// NewElevenLabsWS creates a new WebSocket-based ElevenLabs TTS provider.
func NewElevenLabsWS(opts ...Option) (*ElevenLabsWS, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.ValidateWithVoice(); err != nil {
		return nil, err
	}

	httpURL := strings.TrimSuffix(cfg.BaseURL, "/")
	wsURL := elevenLabsWSBaseURL
	if httpURL == "" {
		httpURL = elevenLabsBaseURL
	} else {
		wsURL = toWebSocketURL(httpURL)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httpc.NewClient(cfg.Timeout)
	}

	return &ElevenLabsWS{
		config: cfg,
		logger: cfg.Logger.With("component", "tts.elevenlabs_ws"),
		client: client,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsHandshakeTimeout,
		},
		wsURL:   wsURL,
		httpURL: httpURL,
	}, nil
}

// Name identifies the provider in a chain.
func (e *ElevenLabsWS) Name() string {
	return providerElevenLabsWS
}

// Synthesize streams the request and collects the audio.
func (e *ElevenLabsWS) Synthesize(ctx context.Context, req *Request) (*AudioResult, error) {
	start := time.Now()
	stream, err := e.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	audio, err := ReadAll(stream)
	if err != nil {
		return nil, err
	}
	format := stream.Format()
	return &AudioResult{
		Audio:     audio,
		Format:    format,
		CharCount: len(req.Text),
		LatencyMs: time.Since(start).Milliseconds(),
		Duration:  PCMDuration(len(audio), format.SampleRate),
	}, nil
}

// Stream dials, sends the text, and returns a stream of decoded audio.
func (e *ElevenLabsWS) Stream(ctx context.Context, req *Request) (AudioStream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	v := e.config.resolve(req.Voice)

	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream-input?model_id=%s&output_format=%s",
		e.wsURL,
		url.PathEscape(ResolveElevenLabsVoice(v.VoiceID)),
		url.QueryEscape(v.ModelID),
		url.QueryEscape(string(v.Format)),
	)

	headers := http.Header{}
	headers.Set("xi-api-key", e.config.APIKey)

	conn, resp, err := e.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("websocket dial failed: %v", err),
				Provider:   providerElevenLabsWS,
			}
		}
		return nil, WrapError(providerElevenLabsWS, fmt.Errorf("websocket dial failed: %w", err))
	}

	// Begin of stream, the text, then end of stream.
	msgs := []any{
		wsMessage{
			Text:             " ",
			VoiceSettings:    &v.Settings,
			GenerationConfig: &wsGenerationConfig{ChunkLengthSchedule: chunkLengthSchedule},
		},
		wsMessage{Text: req.Text + " ", TryTriggerGeneration: true},
		wsMessage{Text: ""},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			conn.Close()
			return nil, WrapError(providerElevenLabsWS, fmt.Errorf("send text: %w", err))
		}
	}

	e.logger.Debug("websocket stream started",
		"voice", v.VoiceID,
		"model", v.ModelID,
		"chars", len(req.Text),
	)

	s := &wsStream{conn: conn, format: PCMFormat(v.Format)}
	// Unblock a pending read when the caller cancels.
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })
	return s, nil
}

// Health checks API key validity over HTTP.
func (e *ElevenLabsWS) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", e.httpURL+"/user", nil)
	if err != nil {
		return WrapError(providerElevenLabsWS, err)
	}
	req.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return WrapError(providerElevenLabsWS, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status, Provider: providerElevenLabsWS}
	}
	return nil
}

// Close releases resources.
func (e *ElevenLabsWS) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// VoiceID returns the configured voice ID.
func (e *ElevenLabsWS) VoiceID() string {
	return ResolveElevenLabsVoice(e.config.VoiceID)
}

// ModelID returns the configured model ID.
func (e *ElevenLabsWS) ModelID() string {
	return e.config.ModelID
}

type wsMessage struct {
	Text                 string              `json:"text"`
	TryTriggerGeneration bool                `json:"try_trigger_generation,omitempty"`
	VoiceSettings        *VoiceSettings      `json:"voice_settings,omitempty"`
	GenerationConfig     *wsGenerationConfig `json:"generation_config,omitempty"`
}

type wsGenerationConfig struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

type wsResponse struct {
	Audio   *string `json:"audio"`
	IsFinal bool    `json:"isFinal"`
	Error   string  `json:"error,omitempty"`
	Message string  `json:"message,omitempty"`
}

// wsStream reads audio frames from one stream-input connection.
type wsStream struct {
	conn   *websocket.Conn
	format AudioFormat
	stop   func() bool

	mu     sync.Mutex
	done   bool
	closed bool
}

// Read returns the next decoded audio chunk, or nil once the server sends
// its final message.
func (s *wsStream) Read() ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	if s.done {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.finish()
				return nil, nil
			}
			return nil, WrapError(providerElevenLabsWS, fmt.Errorf("read: %w", err))
		}

		var resp wsResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, &APIError{Message: resp.Message, Code: resp.Error, Provider: providerElevenLabsWS}
		}
		if resp.Audio != nil && *resp.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(*resp.Audio)
			if err != nil {
				return nil, WrapError(providerElevenLabsWS, fmt.Errorf("decode audio: %w", err))
			}
			if resp.IsFinal {
				s.finish()
			}
			return audio, nil
		}
		if resp.IsFinal {
			s.finish()
			return nil, nil
		}
	}
}

func (s *wsStream) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

// Close ends the connection.
func (s *wsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// Format returns the audio format.
func (s *wsStream) Format() AudioFormat {
	return s.format
}

func toWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Verify ElevenLabsWS implements Provider at compile time.
var _ Provider = (*ElevenLabsWS)(nil)
