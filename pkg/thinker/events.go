package thinker

import (
	"context"
	"time"

	"github.com/teslashibe/go-duplex/pkg/conversation"
)

// EventType identifies what a run Event carries.
type EventType string

const (
	EventToken      EventType = "token"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventState      EventType = "state"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one step of a run.
type Event struct {
	Type EventType

	// Token is the provider delta for EventToken.
	Token string

	// ToolCall is set for EventToolCall.
	ToolCall *conversation.ToolCall

	// ToolResult is set for EventToolResult.
	ToolResult *ToolResult

	// State is the new state for EventState.
	State State

	// Response is set for EventDone and EventError. For EventError it is
	// the degraded, user-safe response.
	Response *Response
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	CallID    string
	Name      string
	Content   string
	IsError   bool
	Duration  time.Duration
	Citations []conversation.Citation
}

// Response is the result of a run.
type Response struct {
	// Text is everything the model said during the turn.
	Text string

	// Citations collects the sources returned by tools.
	Citations []conversation.Citation

	// ToolsUsed lists invoked tool names in call order.
	ToolsUsed []string

	// Latency is the time from Think to the end of the run.
	Latency time.Duration

	// FirstToken is the time from Think to the first token.
	FirstToken time.Duration

	// TokenCount is the number of token deltas received.
	TokenCount int

	State State

	// Err is the provider failure behind StateError. Cancellation is not
	// an error.
	Err error
}

// Run is a single turn in progress. Its event stream is finite and can be
// consumed once.
type Run struct {
	queue   chan Event // filled by the session
	events  chan Event // handed to the consumer by deliver
	done    chan struct{}
	resp    *Response
	session *Session
}

func newRun(s *Session, buffer int) *Run {
	r := &Run{
		queue:   make(chan Event, buffer),
		events:  make(chan Event),
		done:    make(chan struct{}),
		session: s,
	}
	go r.deliver()
	return r
}

// Output reports whether events of this type carry model output, which
// is not delivered once the session is cancelled.
func (t EventType) Output() bool {
	return t == EventToken || t == EventToolCall || t == EventToolResult
}

// deliver hands queued events to the consumer. Output events are sent
// under the session's gate so Cancel can wait out a delivery in flight;
// after Cancel returns, queued output is dropped.
func (r *Run) deliver() {
	defer close(r.events)
	s := r.session
	for ev := range r.queue {
		if !ev.Type.Output() {
			r.events <- ev
			continue
		}
		s.gate.Lock()
		select {
		case <-s.stopped:
		default:
			select {
			case r.events <- ev:
			case <-s.stopped:
			}
		}
		s.gate.Unlock()
	}
}

// Events returns the run's event stream. It is closed when the run
// completes, fails, or is cancelled.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Done is closed once the response is available.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends and returns its response. Events not yet
// received are discarded. If ctx ends first the response carries ctx's
// error and the session's current state.
func (r *Run) Wait(ctx context.Context) *Response {
	for {
		select {
		case _, ok := <-r.events:
			if !ok {
				<-r.done
				return r.resp
			}
		case <-ctx.Done():
			return &Response{State: r.session.State(), Err: ctx.Err()}
		}
	}
}
