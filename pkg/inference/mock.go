package inference

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock implements Provider for testing.
type Mock struct {
	// ChatFunc is called when Chat is invoked.
	ChatFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamFunc is called when Stream is invoked.
	StreamFunc func(ctx context.Context, req *ChatRequest) (Stream, error)

	// HealthFunc is called when Health is invoked.
	HealthFunc func(ctx context.Context) error

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	// CapabilitiesOverride overrides default capabilities.
	CapabilitiesOverride *Capabilities

	mu       sync.Mutex
	calls    []MockCall
	requests []*ChatRequest
}

// MockCall records a method invocation.
type MockCall struct {
	Method string
	Time   time.Time
}

// NewMock creates a new mock provider with sensible defaults.
func NewMock() *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{
				Message:      NewAssistantMessage("Mock response"),
				FinishReason: "stop",
				Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}, nil
		},
		HealthFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// NewStreamMock returns a mock whose every Stream call replays the next
// script in order. The last script repeats once the list is exhausted.
func NewStreamMock(scripts ...[]StreamChunk) *Mock {
	m := NewMock()
	var mu sync.Mutex
	next := 0
	m.StreamFunc = func(ctx context.Context, req *ChatRequest) (Stream, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(scripts) == 0 {
			return NewScriptedStream(ctx), nil
		}
		i := next
		if i >= len(scripts) {
			i = len(scripts) - 1
		}
		next++
		return NewScriptedStream(ctx, scripts[i]...), nil
	}
	return m
}

// Chat calls ChatFunc and records the call.
func (m *Mock) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.record("Chat", req)
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Stream calls StreamFunc and records the call.
func (m *Mock) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	m.record("Stream", req)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	// Default: stream the chat response word by word
	if m.ChatFunc != nil {
		resp, err := m.ChatFunc(ctx, req)
		if err != nil {
			return nil, err
		}
		return NewScriptedStream(ctx, WordChunks(resp.Message.Content)...), nil
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Capabilities returns mock capabilities.
func (m *Mock) Capabilities() Capabilities {
	if m.CapabilitiesOverride != nil {
		return *m.CapabilitiesOverride
	}
	return Capabilities{
		Chat:      m.ChatFunc != nil,
		Streaming: m.StreamFunc != nil || m.ChatFunc != nil,
		Tools:     true,
	}
}

// Health calls HealthFunc and records the call.
func (m *Mock) Health(ctx context.Context) error {
	m.record("Health", nil)
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.record("Close", nil)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// record adds a call to the tracking list.
func (m *Mock) record(method string, req *ChatRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{
		Method: method,
		Time:   time.Now(),
	})
	if req != nil {
		m.requests = append(m.requests, req)
	}
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// Requests returns the chat requests received by Chat and Stream.
func (m *Mock) Requests() []*ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*ChatRequest, len(m.requests))
	copy(result, m.requests)
	return result
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// LastCall returns the most recent call, or nil if none.
func (m *Mock) LastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.requests = nil
}

// WithError returns a mock that always returns the given error.
func WithError(err error) *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return nil, err
		},
		StreamFunc: func(ctx context.Context, req *ChatRequest) (Stream, error) {
			return nil, err
		},
		HealthFunc: func(ctx context.Context) error {
			return err
		},
	}
}

// WordChunks splits text into word-sized deltas that concatenate back to
// text, followed by a final stop chunk.
func WordChunks(text string) []StreamChunk {
	var chunks []StreamChunk
	for len(text) > 0 {
		i := strings.IndexByte(text, ' ')
		if i < 0 {
			i = len(text) - 1
		}
		chunks = append(chunks, StreamChunk{Delta: text[:i+1]})
		text = text[i+1:]
	}
	return append(chunks, StreamChunk{FinishReason: "stop", Done: true})
}

// ToolCallChunks is a script in which the model requests the given tools.
func ToolCallChunks(calls ...ToolCall) []StreamChunk {
	return []StreamChunk{{ToolCalls: calls, FinishReason: "tool_calls", Done: true}}
}

// ScriptedStream replays fixed chunks. It stops with the context error
// once its context is cancelled.
type ScriptedStream struct {
	ctx    context.Context
	chunks []StreamChunk

	// Delay is slept before each chunk.
	Delay time.Duration

	mu     sync.Mutex
	pos    int
	closed bool
}

// NewScriptedStream creates a stream that yields chunks in order. A Done
// chunk is appended when the script lacks one.
func NewScriptedStream(ctx context.Context, chunks ...StreamChunk) *ScriptedStream {
	if len(chunks) == 0 || !chunks[len(chunks)-1].Done {
		chunks = append(append([]StreamChunk(nil), chunks...), StreamChunk{FinishReason: "stop", Done: true})
	}
	return &ScriptedStream{ctx: ctx, chunks: chunks}
}

// Recv returns the next scripted chunk.
func (s *ScriptedStream) Recv() (*StreamChunk, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.pos >= len(s.chunks) {
		return &StreamChunk{Done: true}, nil
	}
	c := s.chunks[s.pos]
	s.pos++
	return &c, nil
}

// Close stops the stream.
func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Verify Mock implements Provider at compile time.
var (
	_ Provider = (*Mock)(nil)
	_ Stream   = (*ScriptedStream)(nil)
)
