// Package thinker runs the reasoning half of a conversation turn.
//
// A Session streams a completion for one user utterance, executes the
// tools the model asks for, feeds their results back, and reports progress
// as a finite stream of events. Provider failures never escape: the run
// ends in StateError with a short spoken apology as its response.
//
//	s, _ := thinker.New(thinker.DefaultConfig(), deps, convID, userID)
//	run, _ := s.Think(ctx, "what time is it?", conversation.ModeVoice)
//	for ev := range run.Events() {
//	    if ev.Type == thinker.EventToken {
//	        talker.AddToken(ev.Token)
//	    }
//	}
//	resp := run.Wait(ctx)
package thinker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/inference"
	"github.com/teslashibe/go-duplex/pkg/tools"
)

// FallbackResponse is spoken when the provider fails.
const FallbackResponse = "I'm sorry, I ran into a problem answering that. Could you try again?"

// persistTimeout bounds the store write at the end of a run.
const persistTimeout = 5 * time.Second

// Sentinel errors.
var (
	// ErrAlreadyStarted is returned by a second Think on the same session.
	ErrAlreadyStarted = errors.New("thinker: session already started")

	// ErrCancelled is returned by Think on a cancelled session.
	ErrCancelled = errors.New("thinker: session cancelled")
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle        State = "idle"
	StateProcessing  State = "processing"
	StateToolCalling State = "tool_calling"
	StateGenerating  State = "generating"
	StateComplete    State = "complete"
	StateCancelled   State = "cancelled"
	StateError       State = "error"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateError
}

// Metrics summarises a session.
type Metrics struct {
	State             State
	FirstTokenLatency time.Duration
	TokenCount        int
	ToolCount         int
	ToolRounds        int
}

// Session handles exactly one turn of one conversation.
type Session struct {
	cfg            Config
	deps           Deps
	conversationID string
	userID         string
	logger         *slog.Logger

	// gate orders Cancel against the delivery of output events.
	gate     sync.Mutex
	stopped  chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	state      State
	started    bool
	cancel     context.CancelFunc
	start      time.Time
	firstToken time.Duration
	tokens     int
	toolCount  int
	rounds     int
}

// New creates a session for one turn of conversationID on behalf of userID.
func New(cfg Config, deps Deps, conversationID, userID string) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if cfg.Limits == (conversation.Limits{}) {
		cfg.Limits = conversation.DefaultLimits()
	}

	return &Session{
		cfg:            cfg,
		deps:           deps,
		conversationID: conversationID,
		userID:         userID,
		state:          StateIdle,
		stopped:        make(chan struct{}),
		logger: cfg.Logger.With(
			"component", "thinker.session",
			"conversation_id", conversationID,
		),
	}, nil
}

// ConversationID returns the conversation this session belongs to.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics returns a snapshot of the session's counters.
func (s *Session) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{
		State:             s.state,
		FirstTokenLatency: s.firstToken,
		TokenCount:        s.tokens,
		ToolCount:         s.toolCount,
		ToolRounds:        s.rounds,
	}
}

// Cancel stops the session from any non-terminal state. An in-flight
// provider or tool call is abandoned and its output discarded. Once Cancel
// returns no further token or tool event is delivered, including ones
// already buffered. Cancelling a terminal session does nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	cancel := s.cancel
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopped) })
	if cancel != nil {
		cancel()
	}
	s.gate.Lock()
	s.gate.Unlock()
	s.logger.Debug("cancelled")
}

// Think appends text to the conversation as a user message and starts
// generating the reply. It may be called once per session.
func (s *Session) Think(ctx context.Context, text string, mode conversation.SourceMode) (*Run, error) {
	s.mu.Lock()
	if s.state == StateCancelled {
		s.mu.Unlock()
		return nil, ErrCancelled
	}
	if s.started {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.started = true
	s.start = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	conv, err := conversation.GetOrCreate(ctx, s.deps.Store, s.conversationID, s.cfg.SystemPrompt, s.cfg.Limits)
	if err != nil {
		cancel()
		s.transition(StateError)
		return nil, fmt.Errorf("thinker: load conversation: %w", err)
	}
	conv.AddMessage(conversation.NewUserMessage(text, mode))

	r := newRun(s, s.cfg.EventBuffer)
	go s.run(ctx, cancel, conv, mode, r)
	return r, nil
}

// turn accumulates the output of one run.
type turn struct {
	text      strings.Builder
	citations []conversation.Citation
	toolsUsed []string
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, conv *conversation.Context, mode conversation.SourceMode, r *Run) {
	defer cancel()

	var t turn
	s.setState(ctx, r, StateProcessing)

	defs := s.toolDefinitions()
	for round := 0; ; round++ {
		useTools := len(defs) > 0 && round < s.cfg.MaxToolRounds
		if len(defs) > 0 && !useTools {
			s.logger.Warn("tool round limit reached, answering without tools", "rounds", round)
		}

		req := &inference.ChatRequest{
			Messages:    toInferenceMessages(conv.MessagesForProvider()),
			Model:       s.cfg.Model,
			MaxTokens:   s.cfg.MaxTokens,
			Temperature: s.cfg.Temperature,
		}
		if useTools {
			req.Tools = defs
			req.ToolChoice = "auto"
		}

		content, calls, err := s.complete(ctx, req, r, &t)
		if err != nil {
			if ctx.Err() != nil {
				s.finishCancelled(conv, mode, r, &t)
				return
			}
			s.finishError(r, &t, err)
			return
		}

		if len(calls) == 0 || !useTools {
			s.finishComplete(conv, mode, r, &t, content)
			return
		}

		if !s.runTools(ctx, conv, mode, r, &t, content, calls) {
			s.finishCancelled(conv, mode, r, &t)
			return
		}
	}
}

// complete streams one completion, emitting tokens as they arrive. It
// returns the round's text and any requested tool calls.
func (s *Session) complete(ctx context.Context, req *inference.ChatRequest, r *Run, t *turn) (string, []inference.ToolCall, error) {
	if !s.deps.Provider.Capabilities().Streaming {
		resp, err := s.deps.Provider.Chat(ctx, req)
		if err != nil {
			return "", nil, err
		}
		if resp.Message.Content != "" {
			s.token(ctx, r, t, resp.Message.Content)
		}
		return resp.Message.Content, resp.Message.ToolCalls, nil
	}

	stream, err := s.deps.Provider.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			return b.String(), nil, err
		}
		if chunk.Delta != "" {
			b.WriteString(chunk.Delta)
			s.token(ctx, r, t, chunk.Delta)
		}
		if chunk.Done {
			return b.String(), chunk.ToolCalls, nil
		}
	}
}

func (s *Session) token(ctx context.Context, r *Run, t *turn, delta string) {
	s.mu.Lock()
	s.tokens++
	if s.firstToken == 0 {
		s.firstToken = time.Since(s.start)
	}
	s.mu.Unlock()

	t.text.WriteString(delta)
	s.setState(ctx, r, StateGenerating)
	s.emit(ctx, r, Event{Type: EventToken, Token: delta})
}

// runTools executes one round of tool calls in order and appends the
// round to the conversation. It reports false when cancelled.
func (s *Session) runTools(ctx context.Context, conv *conversation.Context, mode conversation.SourceMode, r *Run, t *turn, content string, calls []inference.ToolCall) bool {
	s.setState(ctx, r, StateToolCalling)

	s.mu.Lock()
	s.rounds++
	s.mu.Unlock()

	convCalls := make([]conversation.ToolCall, len(calls))
	for i, c := range calls {
		id := c.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		convCalls[i] = conversation.ToolCall{ID: id, Name: c.Name, Arguments: c.Arguments}
	}

	results := make([]conversation.Message, 0, len(convCalls))
	for i := range convCalls {
		call := convCalls[i]
		s.emit(ctx, r, Event{Type: EventToolCall, ToolCall: &call})

		res, ok := s.execute(ctx, call)
		if !ok {
			return false
		}

		s.mu.Lock()
		s.toolCount++
		s.mu.Unlock()
		t.toolsUsed = append(t.toolsUsed, call.Name)
		t.citations = append(t.citations, res.Citations...)

		s.logger.Debug("tool executed",
			"tool", call.Name,
			"is_error", res.IsError,
			"latency_ms", res.Duration.Milliseconds(),
		)
		s.emit(ctx, r, Event{Type: EventToolResult, ToolResult: &ToolResult{
			CallID:    call.ID,
			Name:      call.Name,
			Content:   res.Content,
			IsError:   res.IsError,
			Duration:  res.Duration,
			Citations: res.Citations,
		}})
		results = append(results, conversation.NewToolResult(call.ID, call.Name, res.Content, mode))
	}

	if ctx.Err() != nil {
		return false
	}
	conv.AddMessages(append([]conversation.Message{
		conversation.NewToolCallMessage(content, convCalls, mode),
	}, results...)...)
	return true
}

// execute runs a tool without waiting for it past cancellation.
func (s *Session) execute(ctx context.Context, call conversation.ToolCall) (tools.Result, bool) {
	if s.deps.Tools == nil {
		return tools.Result{
			Content: fmt.Sprintf("tool %s is not available", call.Name),
			IsError: true,
		}, ctx.Err() == nil
	}

	done := make(chan tools.Result, 1)
	go func() {
		done <- s.deps.Tools.ExecuteCall(ctx, tools.Call{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
			CallerID:  s.userID,
		})
	}()

	select {
	case res := <-done:
		return res, ctx.Err() == nil
	case <-ctx.Done():
		return tools.Result{}, false
	}
}

func (s *Session) finishComplete(conv *conversation.Context, mode conversation.SourceMode, r *Run, t *turn, content string) {
	if !s.transition(StateComplete) {
		s.finishCancelled(conv, mode, r, t)
		return
	}
	if content != "" {
		msg := conversation.NewAssistantMessage(content, mode)
		msg.Citations = t.citations
		conv.AddMessage(msg)
	}
	s.persist(conv)

	resp := s.response(t, StateComplete, nil)
	s.logger.Info("turn complete",
		"latency_ms", resp.Latency.Milliseconds(),
		"first_token_ms", resp.FirstToken.Milliseconds(),
		"tokens", resp.TokenCount,
		"tools", len(resp.ToolsUsed),
	)
	s.finish(r, resp, Event{Type: EventState, State: StateComplete}, Event{Type: EventDone, Response: resp})
}

// finishCancelled keeps what was said before the interruption.
func (s *Session) finishCancelled(conv *conversation.Context, mode conversation.SourceMode, r *Run, t *turn) {
	s.transition(StateCancelled)
	if t.text.Len() > 0 {
		conv.AddMessage(conversation.NewAssistantMessage(t.text.String(), mode))
	}
	s.persist(conv)
	s.finish(r, s.response(t, StateCancelled, nil))
}

func (s *Session) finishError(r *Run, t *turn, err error) {
	if !s.transition(StateError) {
		s.finish(r, s.response(t, StateCancelled, nil))
		return
	}
	s.logger.Error("provider failed", "error", err)

	resp := s.response(t, StateError, err)
	resp.Text = FallbackResponse
	s.finish(r, resp, Event{Type: EventState, State: StateError}, Event{Type: EventError, Response: resp})
}

// finish queues the closing events, publishes the response, and closes
// the run. Callers drain Events or call Wait, so the sends complete.
func (s *Session) finish(r *Run, resp *Response, closing ...Event) {
	for _, ev := range closing {
		r.queue <- ev
	}
	r.resp = resp
	close(r.done)
	close(r.queue)
}

func (s *Session) response(t *turn, state State, err error) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Response{
		Text:       t.text.String(),
		Citations:  t.citations,
		ToolsUsed:  t.toolsUsed,
		Latency:    time.Since(s.start),
		FirstToken: s.firstToken,
		TokenCount: s.tokens,
		State:      state,
		Err:        err,
	}
}

func (s *Session) persist(conv *conversation.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.deps.Store.Put(ctx, conv); err != nil {
		s.logger.Warn("failed to store conversation", "error", err)
	}
}

// setState moves to next and emits a state event when it changed.
func (s *Session) setState(ctx context.Context, r *Run, next State) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.emit(ctx, r, Event{Type: EventState, State: next})
}

// transition moves to a terminal state. It fails if the session already
// reached one.
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.state == next
	}
	s.state = next
	return true
}

// emit delivers ev unless the run has been cancelled.
func (s *Session) emit(ctx context.Context, r *Run, ev Event) {
	if ctx.Err() != nil {
		return
	}
	select {
	case r.queue <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) toolDefinitions() []inference.Tool {
	if s.deps.Tools == nil || s.deps.Tools.Len() == 0 || s.cfg.MaxToolRounds == 0 {
		return nil
	}
	if !s.deps.Provider.Capabilities().Tools {
		return nil
	}
	return s.deps.Tools.Definitions()
}
