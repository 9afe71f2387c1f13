package voice

import (
	"github.com/teslashibe/go-duplex/pkg/audioquality"
	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/network"
	"github.com/teslashibe/go-duplex/pkg/talker"
	"github.com/teslashibe/go-duplex/pkg/thinker"
)

// EventType identifies what an Event carries.
type EventType string

const (
	// Turn events
	EventToken      EventType = "token"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventState      EventType = "state"
	EventResponse   EventType = "response"
	EventError      EventType = "error"

	// Conversation events
	EventQuality       EventType = "quality"
	EventNetwork       EventType = "network"
	EventBargeIn       EventType = "barge_in"
	EventSessionFailed EventType = "session_failed"
)

// output reports whether events of this type carry model output.
func (t EventType) output() bool {
	return t == EventToken || t == EventToolCall || t == EventToolResult
}

// Stage names the half of the pipeline a state event comes from.
type Stage string

const (
	StageThinker Stage = "thinker"
	StageTalker  Stage = "talker"
)

// Event is one step of a turn or a conversation-level notice.
type Event struct {
	Type   EventType
	TurnID string

	Token      string
	ToolCall   *conversation.ToolCall
	ToolResult *thinker.ToolResult

	// Stage and State are set for EventState.
	Stage Stage
	State string

	// Result is set for EventResponse.
	Result *Result

	// Err is set for EventError and EventSessionFailed.
	Err error

	Quality    *QualityReport
	Network    *NetworkReport
	BargeInSrc string
}

// QualityReport is the latest inbound audio assessment.
type QualityReport struct {
	Metrics    audioquality.Metrics `json:"metrics"`
	Acceptable bool                 `json:"acceptable"`
}

// NetworkReport describes the link after a tier change.
type NetworkReport struct {
	From        network.Quality          `json:"from"`
	To          network.Quality          `json:"to"`
	Metrics     network.Metrics          `json:"metrics"`
	Degradation network.Degradation      `json:"degradation"`
	Adjustments network.VoiceAdjustments `json:"adjustments"`
}

// Result summarises a finished turn.
type Result struct {
	TurnID string

	// Text is what the assistant said, or the fallback after a failure.
	Text      string
	Citations []conversation.Citation
	ToolsUsed []string

	ThinkerState thinker.State
	TalkerState  talker.State

	Thinker *thinker.Response
	Talker  talker.Metrics

	// TextOnly is true when synthesis was skipped for link quality.
	TextOnly bool

	// Interrupted is true when the turn ended by barge-in.
	Interrupted bool

	Metrics Metrics
}

// Outcome classifies the turn for telemetry.
func (r *Result) Outcome() string {
	switch {
	case r.Interrupted || r.ThinkerState == thinker.StateCancelled:
		return "cancelled"
	case r.ThinkerState == thinker.StateError:
		return "error"
	default:
		return "complete"
	}
}
