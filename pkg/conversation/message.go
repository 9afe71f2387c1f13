// Package conversation holds per-conversation message history.
//
// A Context is the ordered history of one conversation plus its system
// prompt. It is shared by chat and voice turns, trims itself to a message
// and token budget, and never separates an assistant message that
// requested tools from the tool results that answer it.
//
// Contexts live in a Store keyed by conversation ID. MemoryStore keeps
// them in-process with an inactivity TTL; RedisStore persists snapshots.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// SourceMode records whether a message came from a chat or a voice turn.
type SourceMode string

const (
	ModeChat  SourceMode = "chat"
	ModeVoice SourceMode = "voice"
)

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Citation references a knowledge source used in a response.
type Citation struct {
	SourceID string  `json:"source_id"`
	Title    string  `json:"title,omitempty"`
	URL      string  `json:"url,omitempty"`
	Snippet  string  `json:"snippet,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// Message is one entry in a conversation. Messages are immutable once
// appended; accessors hand out copies.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	SourceMode SourceMode `json:"source_mode,omitempty"`

	// Name is the tool name for tool results.
	Name string `json:"name,omitempty"`

	// ToolCallID links a tool result to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Citations lists sources backing an assistant message.
	Citations []Citation `json:"citations,omitempty"`
}

// HasToolCalls reports whether the message requested tools.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.ToolCalls != nil {
		m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Citations != nil {
		m.Citations = append([]Citation(nil), m.Citations...)
	}
	return m
}

// NewUserMessage creates a user message.
func NewUserMessage(content string, mode SourceMode) Message {
	return Message{Role: RoleUser, Content: content, SourceMode: mode}
}

// NewAssistantMessage creates a plain assistant message.
func NewAssistantMessage(content string, mode SourceMode) Message {
	return Message{Role: RoleAssistant, Content: content, SourceMode: mode}
}

// NewToolCallMessage creates an assistant message requesting tools.
func NewToolCallMessage(content string, calls []ToolCall, mode SourceMode) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, SourceMode: mode}
}

// NewToolResult creates a tool result message.
func NewToolResult(callID, name, content string, mode SourceMode) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Name: name, SourceMode: mode}
}

// EstimateTokens approximates the token cost of a message at four bytes
// per token plus a fixed per-message overhead.
func EstimateTokens(m Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return (n+3)/4 + 4
}

func (m *Message) fill(now time.Time) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
}
