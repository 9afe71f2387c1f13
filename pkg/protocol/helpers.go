package protocol

import (
	"encoding/base64"
	"time"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewAudioMessage creates an outbound speech chunk message
func NewAudioMessage(turnID string, data []byte, format string, sampleRate, sentence int, text string, final bool) (*Message, error) {
	return NewMessage(TypeAudio, AudioData{
		TurnID:        turnID,
		Format:        format,
		SampleRate:    sampleRate,
		Channels:      1,
		Data:          base64.StdEncoding.EncodeToString(data),
		SentenceIndex: sentence,
		Text:          text,
		IsFinal:       final,
	})
}

// NewMicMessage creates an inbound microphone audio message
func NewMicMessage(pcmData []byte, sampleRate int) (*Message, error) {
	return NewMessage(TypeAudio, AudioData{
		Format:     "pcm16",
		SampleRate: sampleRate,
		Channels:   1,
		Data:       base64.StdEncoding.EncodeToString(pcmData),
	})
}

// NewTokenMessage creates a token message
func NewTokenMessage(turnID, text string) (*Message, error) {
	return NewMessage(TypeToken, TokenData{TurnID: turnID, Text: text})
}

// NewStateMessage creates a state message
func NewStateMessage(turnID, stage, state string) (*Message, error) {
	return NewMessage(TypeState, StateData{TurnID: turnID, Stage: stage, State: state})
}

// NewErrorMessage creates an error message
func NewErrorMessage(turnID, code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorData{TurnID: turnID, Code: code, Message: message})
}

// NewSessionFailedMessage creates a session failure message
func NewSessionFailedMessage(reason string) (*Message, error) {
	return NewMessage(TypeSessionFailed, SessionFailedData{Reason: reason})
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetStartData extracts start data from a message
func (m *Message) GetStartData() (*StartData, error) {
	var data StartData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAudioData extracts audio data from a message
func (m *Message) GetAudioData() (*AudioData, error) {
	var data AudioData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeAudioData decodes the base64 audio data
func (a *AudioData) DecodeAudioData() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Data)
}

// GetTranscriptData extracts transcript data from a message
func (m *Message) GetTranscriptData() (*TranscriptData, error) {
	var data TranscriptData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetTextData extracts text data from a message
func (m *Message) GetTextData() (*TextData, error) {
	var data TextData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetBargeInData extracts barge-in data from a message
func (m *Message) GetBargeInData() (*BargeInData, error) {
	var data BargeInData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetNetworkStatsData extracts network stats from a message
func (m *Message) GetNetworkStatsData() (*NetworkStatsData, error) {
	var data NetworkStatsData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
