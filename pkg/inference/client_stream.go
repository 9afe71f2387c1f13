package inference

import (
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// clientStream adapts a go-openai stream to Stream. Tool-call fragments
// are accumulated by index and delivered whole on the final chunk.
type clientStream struct {
	stream *openai.ChatCompletionStream

	calls        []ToolCall
	finishReason string
	usage        *Usage
	done         bool
}

func newClientStream(s *openai.ChatCompletionStream) *clientStream {
	return &clientStream{stream: s}
}

// Recv returns the next stream chunk.
func (s *clientStream) Recv() (*StreamChunk, error) {
	if s.done {
		return &StreamChunk{Done: true}, nil
	}
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			return s.final(), nil
		}
		if err != nil {
			return nil, convertError(err)
		}

		if resp.Usage != nil {
			s.usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		for _, tc := range choice.Delta.ToolCalls {
			s.accumulate(tc)
		}
		if choice.FinishReason != "" {
			s.finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			return &StreamChunk{Delta: choice.Delta.Content}, nil
		}
	}
}

// accumulate merges one tool-call fragment. Fragments without an index
// start a new call when they carry an ID and extend the last one
// otherwise.
func (s *clientStream) accumulate(tc openai.ToolCall) {
	idx := len(s.calls) - 1
	switch {
	case tc.Index != nil:
		idx = *tc.Index
	case tc.ID != "" || idx < 0:
		idx = len(s.calls)
	}
	for len(s.calls) <= idx {
		s.calls = append(s.calls, ToolCall{})
	}

	call := &s.calls[idx]
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Arguments += tc.Function.Arguments
}

func (s *clientStream) final() *StreamChunk {
	chunk := &StreamChunk{
		FinishReason: s.finishReason,
		Usage:        s.usage,
		Done:         true,
	}
	for _, c := range s.calls {
		if c.Name == "" {
			continue
		}
		if c.Arguments == "" {
			c.Arguments = "{}"
		}
		chunk.ToolCalls = append(chunk.ToolCalls, c)
	}
	if len(chunk.ToolCalls) > 0 && chunk.FinishReason == "" {
		chunk.FinishReason = "tool_calls"
	}
	return chunk
}

// Close stops the stream.
func (s *clientStream) Close() error {
	s.done = true
	return s.stream.Close()
}
