// Package protocol defines the WebSocket message types exchanged between
// a voice client and the duplex server.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Client → Server messages
	TypeStart        MessageType = "start"         // Open or resume a conversation
	TypeStop         MessageType = "stop"          // End the conversation
	TypeTranscript   MessageType = "transcript"    // Recognized user speech
	TypeText         MessageType = "text"          // Typed user input
	TypeBargeIn      MessageType = "barge_in"      // User interrupted playback
	TypeNetworkStats MessageType = "network_stats" // Client-measured link stats

	// Server → Client messages
	TypeToken         MessageType = "token"          // Streamed response text
	TypeToolCall      MessageType = "tool_call"      // Tool invocation started
	TypeToolResult    MessageType = "tool_result"    // Tool invocation finished
	TypeState         MessageType = "state"          // Session state change
	TypeResponse      MessageType = "response"       // Final turn result
	TypeQuality       MessageType = "quality"        // Inbound audio quality
	TypeNetwork       MessageType = "network"        // Link quality change
	TypeError         MessageType = "error"          // Recoverable error
	TypeSessionFailed MessageType = "session_failed" // Fatal, socket closes next
	TypeMetrics       MessageType = "metrics"        // Turn telemetry, monitors only

	// Bidirectional
	TypeAudio MessageType = "audio" // Microphone frame in, speech chunk out
	TypePing  MessageType = "ping"  // Health check
	TypePong  MessageType = "pong"  // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// =============================================================================
// Client → Server Message Types
// =============================================================================

// StartData opens a conversation. An empty ConversationID starts a new one.
type StartData struct {
	ConversationID string     `json:"conversation_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	Voice          *VoiceData `json:"voice,omitempty"`
}

// VoiceData selects the voice used for this connection.
type VoiceData struct {
	VoiceID  string `json:"voice_id,omitempty"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// AudioData carries PCM16 audio in either direction
type AudioData struct {
	TurnID        string `json:"turn_id,omitempty"`
	Format        string `json:"format"`      // "pcm_16000", "pcm_24000", "mp3_44100_128"
	SampleRate    int    `json:"sample_rate"` // e.g., 16000
	Channels      int    `json:"channels"`    // 1 for mono
	Data          string `json:"data"`        // base64 encoded
	SentenceIndex int    `json:"sentence_index,omitempty"`
	Text          string `json:"text,omitempty"`
	IsFinal       bool   `json:"is_final,omitempty"`
}

// TranscriptData is recognized speech. Only final transcripts start a turn.
type TranscriptData struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// TextData is typed input.
type TextData struct {
	Text string `json:"text"`
}

// BargeInData interrupts the current answer.
type BargeInData struct {
	Reason string `json:"reason,omitempty"`
}

// NetworkStatsData is a link sample measured by the client.
type NetworkStatsData struct {
	LatencyMs     float64 `json:"latency_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
}

// =============================================================================
// Server → Client Message Types
// =============================================================================

// TokenData is a piece of streamed response text
type TokenData struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

// ToolCallData announces a tool invocation
type ToolCallData struct {
	TurnID    string `json:"turn_id"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolResultData reports a finished tool invocation
type ToolResultData struct {
	TurnID     string `json:"turn_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// StateData reports a session state change
type StateData struct {
	ConversationID string `json:"conversation_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
	Stage          string `json:"stage"` // "connection", "thinker", "talker"
	State          string `json:"state"`
	Reason         string `json:"reason,omitempty"`
}

// CitationData references a knowledge source
type CitationData struct {
	SourceID string  `json:"source_id"`
	Title    string  `json:"title,omitempty"`
	URL      string  `json:"url,omitempty"`
	Snippet  string  `json:"snippet,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// ResponseData is the final result of a turn
type ResponseData struct {
	TurnID      string         `json:"turn_id"`
	Text        string         `json:"text"`
	Outcome     string         `json:"outcome"` // "complete", "cancelled", "error"
	Citations   []CitationData `json:"citations,omitempty"`
	ToolsUsed   []string       `json:"tools_used,omitempty"`
	TextOnly    bool           `json:"text_only,omitempty"`
	Interrupted bool           `json:"interrupted,omitempty"`
	Latency     *LatencyData   `json:"latency,omitempty"`
}

// LatencyData contains per-stage turn latency
type LatencyData struct {
	FirstTokenMs int64 `json:"first_token_ms"`
	FirstAudioMs int64 `json:"first_audio_ms"`
	TotalMs      int64 `json:"total_ms"`
}

// QualityData describes the inbound audio quality
type QualityData struct {
	RMS             float64 `json:"rms"`
	SNR             float64 `json:"snr_db"`
	NoiseFloor      float64 `json:"noise_floor"`
	VoiceConfidence float64 `json:"voice_confidence"`
	Score           float64 `json:"score"`
	Clipping        bool    `json:"clipping,omitempty"`
	TooQuiet        bool    `json:"too_quiet,omitempty"`
	Noisy           bool    `json:"noisy,omitempty"`
	Acceptable      bool    `json:"acceptable"`
}

// NetworkData reports a link quality change
type NetworkData struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	LatencyMs     float64 `json:"latency_ms"`
	JitterMs      float64 `json:"jitter_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
	Strategy      string  `json:"strategy"`
	TextOnly      bool    `json:"text_only,omitempty"`
	PauseAudio    bool    `json:"pause_audio,omitempty"`

	// Suggested client settings for the new tier.
	VADSensitivity   float64 `json:"vad_sensitivity"`
	BufferMs         int64   `json:"buffer_ms"`
	Compression      bool    `json:"compression"`
	TargetSampleRate int     `json:"target_sample_rate"`
}

// ErrorData describes a recoverable error
type ErrorData struct {
	TurnID  string `json:"turn_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionFailedData explains why the session ended
type SessionFailedData struct {
	Reason string `json:"reason"`
}

// MetricsData is per-turn telemetry for monitor subscribers
type MetricsData struct {
	ConversationID  string `json:"conversation_id"`
	TurnID          string `json:"turn_id"`
	Outcome         string `json:"outcome,omitempty"`
	FirstTokenMs    int64  `json:"first_token_ms"`
	FirstAudioMs    int64  `json:"first_audio_ms"`
	TotalMs         int64  `json:"total_ms"`
	TokensGenerated int    `json:"tokens_generated"`
	AudioChunksIn   int    `json:"audio_chunks_in"`
	AudioChunksOut  int    `json:"audio_chunks_out"`
	ToolCalls       int    `json:"tool_calls"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
