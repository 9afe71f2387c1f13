package voice

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-duplex/pkg/audio"
	"github.com/teslashibe/go-duplex/pkg/talker"
	"github.com/teslashibe/go-duplex/pkg/thinker"
)

// Turn is one user utterance and the assistant's answer to it. Its event
// stream is finite and can be consumed once; audio is read separately with
// NextAudio.
type Turn struct {
	id       string
	conv     *Conversation
	thinker  *thinker.Session
	talker   *talker.Session
	queue    *audio.Queue
	textOnly bool
	logger   *slog.Logger

	pending     chan Event // filled by the pipeline
	events      chan Event // handed to the consumer by deliver
	done        chan struct{}
	result      *Result
	interrupted atomic.Bool
	stopped     chan struct{}

	// gate orders Interrupt against the delivery of output events.
	gate sync.Mutex
}

func newTurn(id string, conv *Conversation, th *thinker.Session, tk *talker.Session, q *audio.Queue) *Turn {
	t := &Turn{
		id:       id,
		conv:     conv,
		thinker:  th,
		talker:   tk,
		queue:    q,
		textOnly: tk == nil,
		logger:   conv.logger.With("turn_id", id),
		pending:  make(chan Event, conv.cfg.EventBuffer),
		events:   make(chan Event),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go t.deliver(conv.ctx)
	return t
}

// deliver hands queued events to the consumer. Output events go out under
// the gate, so once Interrupt returns none of them is delivered. Events are
// dropped once the conversation has ended.
func (t *Turn) deliver(ctx context.Context) {
	defer close(t.events)
	for ev := range t.pending {
		if !ev.Type.output() {
			select {
			case t.events <- ev:
			case <-ctx.Done():
			}
			continue
		}
		t.gate.Lock()
		select {
		case <-t.stopped:
		default:
			select {
			case t.events <- ev:
			case <-t.stopped:
			case <-ctx.Done():
			}
		}
		t.gate.Unlock()
	}
}

// ID returns the turn id.
func (t *Turn) ID() string {
	return t.id
}

// TextOnly reports whether synthesis was skipped for this turn.
func (t *Turn) TextOnly() bool {
	return t.textOnly
}

// Thinker returns the turn's reasoning session.
func (t *Turn) Thinker() *thinker.Session {
	return t.thinker
}

// Talker returns the turn's speaking session, nil for text-only turns.
func (t *Turn) Talker() *talker.Session {
	return t.talker
}

// Events returns the turn's event stream. It is closed after the response
// event.
func (t *Turn) Events() <-chan Event {
	return t.events
}

// Done is closed once the result is available.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Result returns the turn result, or nil while the turn is running.
func (t *Turn) Result() *Result {
	select {
	case <-t.done:
		return t.result
	default:
		return nil
	}
}

// Wait blocks until the turn ends and returns its result. Events not yet
// received are discarded.
func (t *Turn) Wait(ctx context.Context) (*Result, error) {
	for {
		select {
		case _, ok := <-t.events:
			if !ok {
				<-t.done
				return t.result, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// NextAudio returns the next chunk to play. It returns io.EOF once the
// answer has been fully played and audio.ErrCancelled after a barge-in.
// While the link is disconnected it holds audio back until reconnection.
// Text-only turns have no audio.
func (t *Turn) NextAudio(ctx context.Context) (audio.Chunk, error) {
	if t.queue == nil {
		return audio.Chunk{}, io.EOF
	}
	if err := t.awaitLink(ctx); err != nil {
		return audio.Chunk{}, err
	}
	c, err := t.queue.Get(ctx)
	if err != nil {
		return c, err
	}
	if len(c.Data) > 0 {
		t.conv.collector.MarkFirstAudio()
	}
	return c, nil
}

// awaitLink blocks while the conversation's link is down.
func (t *Turn) awaitLink(ctx context.Context) error {
	net := t.conv.net
	for !net.Connected() {
		t.logger.Debug("audio paused until reconnection")
		select {
		case <-net.Resumed():
		case <-t.stopped:
			return audio.ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Speaking reports whether the turn has audio being synthesized or still
// waiting to be played.
func (t *Turn) Speaking() bool {
	if t.talker == nil {
		return false
	}
	return t.talker.State() == talker.StateSpeaking || t.queue.Len() > 0
}

// Active reports whether interrupting the turn would have any effect.
func (t *Turn) Active() bool {
	select {
	case <-t.done:
		return t.Speaking()
	default:
		return true
	}
}

// Interrupted reports whether the turn was interrupted. Once it returns
// true the turn produces no further tokens, tool events or audio.
func (t *Turn) Interrupted() bool {
	return t.interrupted.Load()
}

// Interrupt stops the turn: playback first, so the queue is empty when
// it returns, then reasoning. It reports whether this call interrupted.
func (t *Turn) Interrupt() bool {
	if t.interrupted.Swap(true) {
		return false
	}
	close(t.stopped)
	if t.talker != nil {
		t.talker.Cancel()
	}
	t.thinker.Cancel()
	t.gate.Lock()
	t.gate.Unlock()
	t.logger.Debug("turn interrupted")
	return true
}

// pump drives the turn until both halves are finished.
func (t *Turn) pump(ctx context.Context, run *thinker.Run) {
	var tokens chan string
	if t.talker != nil {
		tokens = make(chan string, t.conv.cfg.EventBuffer)
	}

	var resp *thinker.Response
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if tokens != nil {
			defer close(tokens)
		}
		resp = t.think(gctx, run, tokens)
		return nil
	})
	if t.talker != nil {
		g.Go(func() error {
			t.speak(gctx, tokens)
			return nil
		})
	}
	_ = g.Wait()

	t.finish(ctx, resp)
}

// think forwards thinker events to the turn stream and tokens to the
// talker. It returns the thinker's response.
func (t *Turn) think(ctx context.Context, run *thinker.Run, tokens chan<- string) *thinker.Response {
	said := false
	forward := func(text string) {
		if tokens == nil || t.interrupted.Load() {
			return
		}
		select {
		case tokens <- text:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			t.Interrupt()
			return run.Wait(context.Background())

		case ev, ok := <-run.Events():
			if !ok {
				return run.Wait(context.Background())
			}
			if ev.Type.Output() && t.interrupted.Load() {
				continue
			}
			switch ev.Type {
			case thinker.EventToken:
				t.conv.collector.MarkFirstToken()
				t.emit(ctx, Event{Type: EventToken, Token: ev.Token})
				forward(ev.Token)
				said = true

			case thinker.EventToolCall:
				t.conv.collector.MarkToolCall()
				t.emit(ctx, Event{Type: EventToolCall, ToolCall: ev.ToolCall})

			case thinker.EventToolResult:
				t.emit(ctx, Event{Type: EventToolResult, ToolResult: ev.ToolResult})

			case thinker.EventState:
				t.emit(ctx, Event{Type: EventState, Stage: StageThinker, State: string(ev.State)})

			case thinker.EventError:
				t.emit(ctx, Event{Type: EventError, Err: ev.Response.Err})
				fallback := ev.Response.Text
				if said {
					fallback = " " + fallback
				}
				forward(fallback)
			}
		}
	}
}

// speak feeds tokens to the talker and waits for synthesis to finish.
func (t *Turn) speak(ctx context.Context, tokens <-chan string) {
	started := false
	for tok := range tokens {
		if !started {
			started = true
			t.emit(ctx, Event{Type: EventState, Stage: StageTalker, State: string(talker.StateSpeaking)})
		}
		t.talker.AddToken(tok)
	}
	t.talker.Finish(ctx)
	t.emit(ctx, Event{Type: EventState, Stage: StageTalker, State: string(t.talker.State())})
}

// finish builds the result, emits the response event and closes the turn.
func (t *Turn) finish(ctx context.Context, resp *thinker.Response) {
	res := &Result{
		TurnID:       t.id,
		Text:         resp.Text,
		Citations:    resp.Citations,
		ToolsUsed:    resp.ToolsUsed,
		ThinkerState: resp.State,
		Thinker:      resp,
		TextOnly:     t.textOnly,
		Interrupted:  t.interrupted.Load(),
	}
	if t.talker != nil {
		res.Talker = t.talker.Metrics()
		res.TalkerState = t.talker.State()
	}
	res.Metrics = t.conv.collector.MarkResponseDone(res.Outcome())

	t.logger.Info("turn finished",
		"outcome", res.Outcome(),
		"text_only", res.TextOnly,
		"tools", len(res.ToolsUsed),
		"latency_ms", res.Metrics.TotalLatency.Milliseconds(),
	)

	t.emit(ctx, Event{Type: EventResponse, Result: res})
	t.result = res
	close(t.done)
	close(t.pending)
	t.conv.turnFinished(t)
}

// emit delivers an event unless the conversation has ended. Output events
// of an interrupted turn are dropped.
func (t *Turn) emit(ctx context.Context, ev Event) {
	if ev.Type.output() && t.interrupted.Load() {
		return
	}
	ev.TurnID = t.id
	select {
	case t.pending <- ev:
	case <-ctx.Done():
	}
}
