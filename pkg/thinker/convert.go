package thinker

import (
	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/inference"
)

// toInferenceMessages converts stored history into provider messages.
func toInferenceMessages(msgs []conversation.Message) []inference.Message {
	out := make([]inference.Message, 0, len(msgs))
	for _, m := range msgs {
		im := inference.Message{
			Role:       inference.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			im.ToolCalls = append(im.ToolCalls, inference.ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		out = append(out, im)
	}
	return out
}
