package web

import (
	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/protocol"
	"github.com/teslashibe/go-duplex/pkg/voice"
)

// eventMessage maps an orchestrator event to its wire message. It returns
// nil for events clients do not see.
func eventMessage(ev voice.Event) (*protocol.Message, error) {
	switch ev.Type {
	case voice.EventToken:
		return protocol.NewTokenMessage(ev.TurnID, ev.Token)

	case voice.EventToolCall:
		if ev.ToolCall == nil {
			return nil, nil
		}
		return protocol.NewMessage(protocol.TypeToolCall, protocol.ToolCallData{
			TurnID:    ev.TurnID,
			ID:        ev.ToolCall.ID,
			Name:      ev.ToolCall.Name,
			Arguments: ev.ToolCall.Arguments,
		})

	case voice.EventToolResult:
		if ev.ToolResult == nil {
			return nil, nil
		}
		r := ev.ToolResult
		return protocol.NewMessage(protocol.TypeToolResult, protocol.ToolResultData{
			TurnID:     ev.TurnID,
			CallID:     r.CallID,
			Name:       r.Name,
			Content:    r.Content,
			IsError:    r.IsError,
			DurationMs: r.Duration.Milliseconds(),
		})

	case voice.EventState:
		return protocol.NewStateMessage(ev.TurnID, string(ev.Stage), ev.State)

	case voice.EventResponse:
		if ev.Result == nil {
			return nil, nil
		}
		return protocol.NewMessage(protocol.TypeResponse, responseData(ev.Result))

	case voice.EventError:
		message := "response generation failed"
		if ev.Err != nil {
			message = ev.Err.Error()
		}
		return protocol.NewErrorMessage(ev.TurnID, "provider_error", message)

	case voice.EventQuality:
		if ev.Quality == nil {
			return nil, nil
		}
		m := ev.Quality.Metrics
		return protocol.NewMessage(protocol.TypeQuality, protocol.QualityData{
			RMS:             m.RMS,
			SNR:             m.SNR,
			NoiseFloor:      m.NoiseFloor,
			VoiceConfidence: m.VoiceConfidence,
			Score:           m.Score,
			Clipping:        m.Clipping,
			TooQuiet:        m.TooQuiet,
			Noisy:           m.Noisy,
			Acceptable:      ev.Quality.Acceptable,
		})

	case voice.EventNetwork:
		if ev.Network == nil {
			return nil, nil
		}
		n := ev.Network
		return protocol.NewMessage(protocol.TypeNetwork, protocol.NetworkData{
			From:             string(n.From),
			To:               string(n.To),
			LatencyMs:        n.Metrics.LatencyMs,
			JitterMs:         n.Metrics.JitterMs,
			PacketLossPct:    n.Metrics.PacketLossPct,
			Strategy:         string(n.Degradation.Strategy),
			TextOnly:         n.Degradation.TextOnly,
			PauseAudio:       n.Degradation.PauseAudio,
			VADSensitivity:   n.Adjustments.VADSensitivity,
			BufferMs:         n.Adjustments.BufferDuration.Milliseconds(),
			Compression:      n.Adjustments.Compression,
			TargetSampleRate: n.Adjustments.SampleRate,
		})

	case voice.EventBargeIn:
		return protocol.NewMessage(protocol.TypeState, protocol.StateData{
			TurnID: ev.TurnID,
			Stage:  string(voice.StageTalker),
			State:  "interrupted",
			Reason: ev.BargeInSrc,
		})

	case voice.EventSessionFailed:
		reason := "connection lost"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		return protocol.NewSessionFailedMessage(reason)
	}
	return nil, nil
}

func responseData(r *voice.Result) protocol.ResponseData {
	return protocol.ResponseData{
		TurnID:      r.TurnID,
		Text:        r.Text,
		Outcome:     r.Outcome(),
		Citations:   citations(r.Citations),
		ToolsUsed:   r.ToolsUsed,
		TextOnly:    r.TextOnly,
		Interrupted: r.Interrupted,
		Latency: &protocol.LatencyData{
			FirstTokenMs: r.Metrics.LLMFirstToken.Milliseconds(),
			FirstAudioMs: r.Metrics.TTSFirstAudio.Milliseconds(),
			TotalMs:      r.Metrics.TotalLatency.Milliseconds(),
		},
	}
}

func citations(in []conversation.Citation) []protocol.CitationData {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.CitationData, len(in))
	for i, c := range in {
		out[i] = protocol.CitationData{
			SourceID: c.SourceID,
			Title:    c.Title,
			URL:      c.URL,
			Snippet:  c.Snippet,
			Score:    c.Score,
		}
	}
	return out
}

func metricsData(conversationID string, m voice.Metrics) protocol.MetricsData {
	return protocol.MetricsData{
		ConversationID:  conversationID,
		TurnID:          m.TurnID,
		Outcome:         m.Outcome,
		FirstTokenMs:    m.LLMFirstToken.Milliseconds(),
		FirstAudioMs:    m.TTSFirstAudio.Milliseconds(),
		TotalMs:         m.TotalLatency.Milliseconds(),
		TokensGenerated: m.TokensGenerated,
		AudioChunksIn:   m.AudioChunksIn,
		AudioChunksOut:  m.AudioChunksOut,
		ToolCalls:       m.ToolCalls,
	}
}
