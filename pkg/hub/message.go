// Package hub fans telemetry out to monitor websocket subscribers. One
// goroutine owns the subscriber set; publishers never block on slow
// subscribers.
package hub

import "github.com/teslashibe/go-duplex/pkg/protocol"

// Message is an encoded protocol envelope tagged with the conversation it
// belongs to.
type Message struct {
	ConversationID string
	Type           protocol.MessageType
	Data           []byte
}

// NewMessage encodes v in a protocol envelope.
func NewMessage(conversationID string, msgType protocol.MessageType, v any) (Message, error) {
	env, err := protocol.NewMessage(msgType, v)
	if err != nil {
		return Message{}, err
	}
	data, err := env.Bytes()
	if err != nil {
		return Message{}, err
	}
	return Message{ConversationID: conversationID, Type: msgType, Data: data}, nil
}

// Filter selects the messages a subscriber receives. Zero values match
// everything.
type Filter struct {
	ConversationID string
	Types          []protocol.MessageType
}

// Match reports whether m passes the filter.
func (f Filter) Match(m Message) bool {
	if f.ConversationID != "" && f.ConversationID != m.ConversationID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == m.Type {
			return true
		}
	}
	return false
}
