package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/teslashibe/go-duplex/pkg/audio"
	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/network"
	"github.com/teslashibe/go-duplex/pkg/protocol"
	"github.com/teslashibe/go-duplex/pkg/voice"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// outboundBuffer is the number of messages queued for the writer
	outboundBuffer = 256
)

// errNoPong is returned by the reconnect check when the client stays silent.
var errNoPong = errors.New("web: no pong from client")

// outbound is a queued message. Messages carrying a turn's output name the
// turn so the writer can drop them once it is interrupted.
type outbound struct {
	msg  *protocol.Message
	turn *voice.Turn
}

// stale reports whether the message belongs to an interrupted turn.
func (o outbound) stale() bool {
	return o.turn != nil && o.turn.Interrupted()
}

// session is one /ws/voice connection. Only writePump writes to conn.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	id      string
	logger  *slog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	out        chan outbound
	writerDone chan struct{}

	mu   sync.Mutex
	conv *voice.Conversation

	lastPong atomic.Int64 // unix ms
	pongs    chan struct{}
	pingSeq  atomic.Uint64
}

func newSession(srv *Server, conn *websocket.Conn) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(srv.ctx)
	ss := &session{
		srv:        srv,
		conn:       conn,
		id:         id,
		logger:     srv.cfg.Logger.With("component", "web.session", "session_id", id),
		limiter:    rate.NewLimiter(rate.Limit(srv.cfg.InboundRate), srv.cfg.InboundBurst),
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan outbound, outboundBuffer),
		writerDone: make(chan struct{}),
		pongs:      make(chan struct{}, 1),
	}
	ss.lastPong.Store(time.Now().UnixMilli())
	return ss
}

// run reads client messages until the connection or the session ends.
// It returns only after the writer has stopped touching the connection.
func (ss *session) run() {
	ss.logger.Info("client connected", "remote", ss.conn.RemoteAddr().String())
	ss.conn.SetReadLimit(int64(ss.srv.cfg.ReadLimit))

	go ss.writePump()
	go ss.heartbeat()

	ss.readLoop()

	ss.cancel()
	<-ss.writerDone
	if conv := ss.conversation(); conv != nil {
		conv.Close()
	}
	ss.logger.Info("client disconnected")
}

func (ss *session) readLoop() {
	for {
		_, data, err := ss.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ss.logger.Warn("read failed", "error", err)
			}
			return
		}
		if ss.ctx.Err() != nil {
			return
		}

		if !ss.limiter.Allow() {
			ss.sendError("", "rate_limited", "too many messages")
			continue
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			ss.sendError("", "bad_message", err.Error())
			continue
		}
		if stop := ss.handle(msg); stop {
			return
		}
	}
}

// handle dispatches one client message. It reports whether the session
// should end.
func (ss *session) handle(msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeStart:
		data, err := msg.GetStartData()
		if err != nil {
			ss.sendError("", "bad_message", err.Error())
			return false
		}
		ss.start(data)

	case protocol.TypeStop:
		conv := ss.conversation()
		if conv != nil {
			conv.Close()
		}
		ss.send(ss.stateMessage("", "connection", "stopped", ""))
		return true

	case protocol.TypeAudio:
		data, err := msg.GetAudioData()
		if err != nil {
			ss.sendError("", "bad_message", err.Error())
			return false
		}
		pcm, err := data.DecodeAudioData()
		if err != nil {
			ss.sendError("", "bad_audio", err.Error())
			return false
		}
		ss.ensureConversation().ProcessAudio(pcm)

	case protocol.TypeTranscript:
		data, err := msg.GetTranscriptData()
		if err != nil {
			ss.sendError("", "bad_message", err.Error())
			return false
		}
		if data.Final {
			ss.startTurn(data.Text, conversation.ModeVoice)
		}

	case protocol.TypeText:
		data, err := msg.GetTextData()
		if err != nil {
			ss.sendError("", "bad_message", err.Error())
			return false
		}
		ss.startTurn(data.Text, conversation.ModeChat)

	case protocol.TypeBargeIn:
		if conv := ss.conversation(); conv != nil {
			conv.BargeIn(voice.BargeInClient)
		}

	case protocol.TypeNetworkStats:
		data, err := msg.GetNetworkStatsData()
		if err != nil {
			ss.sendError("", "bad_message", err.Error())
			return false
		}
		if conv := ss.conversation(); conv != nil {
			latency := time.Duration(data.LatencyMs * float64(time.Millisecond))
			conv.RecordNetworkSample(latency, data.PacketLossPct)
		}

	case protocol.TypePing:
		data, err := msg.GetPingData()
		if err != nil {
			ss.sendError("", "bad_message", err.Error())
			return false
		}
		pong, err := protocol.NewPongMessage(data.ID, data.Timestamp, time.Now().UnixMilli())
		if err == nil {
			ss.send(pong)
		}

	case protocol.TypePong:
		data, err := msg.GetPongData()
		if err != nil {
			ss.sendError("", "bad_message", err.Error())
			return false
		}
		ss.pong(data)

	default:
		ss.sendError("", "unknown_type", fmt.Sprintf("unknown message type %q", msg.Type))
	}
	return false
}

func (ss *session) conversation() *voice.Conversation {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.conv
}

// start opens the conversation named by data.
func (ss *session) start(data *protocol.StartData) {
	ss.mu.Lock()
	if ss.conv != nil {
		ss.mu.Unlock()
		ss.sendError("", "already_started", "conversation already started")
		return
	}
	conv := ss.openLocked(data.ConversationID, data.UserID)
	ss.mu.Unlock()

	if data.Voice != nil {
		v := ss.srv.svc.Config().Voice
		if data.Voice.VoiceID != "" {
			v.VoiceID = data.Voice.VoiceID
		}
		if data.Voice.Model != "" {
			v.ModelID = data.Voice.Model
		}
		if data.Voice.Provider != "" {
			v.Provider = data.Voice.Provider
		}
		conv.SetVoice(v)
	}
}

// ensureConversation returns the session's conversation, opening a new
// one for clients that skip start.
func (ss *session) ensureConversation() *voice.Conversation {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.conv != nil {
		return ss.conv
	}
	return ss.openLocked("", "")
}

func (ss *session) openLocked(conversationID, userID string) *voice.Conversation {
	conv := ss.srv.svc.NewConversation(ss.ctx, conversationID, userID)
	ss.conv = conv

	monitor := ss.srv.monitor
	conv.Metrics().OnUpdate(func(m voice.Metrics) {
		if err := monitor.PublishJSON(conv.ID(), protocol.TypeMetrics, metricsData(conv.ID(), m)); err != nil {
			ss.logger.Debug("broadcast metrics", "error", err)
		}
	})

	go ss.forwardConversation(conv)
	ss.send(ss.stateMessage(conv.ID(), "connection", "started", ""))
	ss.logger.Info("conversation started", "conversation_id", conv.ID(), "user_id", userID)
	return conv
}

func (ss *session) startTurn(text string, mode conversation.SourceMode) {
	conv := ss.ensureConversation()
	turn, err := conv.StartTurn(text, mode)
	switch {
	case errors.Is(err, voice.ErrEmptyInput):
		ss.sendError("", "empty_input", err.Error())
		return
	case err != nil:
		ss.logger.Error("start turn", "error", err)
		ss.sendError("", "turn_failed", err.Error())
		return
	}
	go ss.forwardTurn(turn)
}

// forwardTurn relays a turn's events and audio. The response is held back
// until all audio has been sent.
func (ss *session) forwardTurn(turn *voice.Turn) {
	var wg sync.WaitGroup
	if !turn.TextOnly() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ss.forwardAudio(turn)
		}()
	}

	var response *protocol.Message
	for ev := range turn.Events() {
		msg, err := eventMessage(ev)
		if err != nil {
			ss.logger.Warn("encode event", "type", ev.Type, "error", err)
			continue
		}
		if msg == nil {
			continue
		}
		switch ev.Type {
		case voice.EventResponse:
			response = msg
		case voice.EventToken, voice.EventToolCall, voice.EventToolResult:
			ss.sendFor(turn, msg)
		default:
			ss.send(msg)
		}
	}

	wg.Wait()
	if response != nil {
		ss.send(response)
	}
}

func (ss *session) forwardAudio(turn *voice.Turn) {
	for {
		chunk, err := turn.NextAudio(ss.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, audio.ErrCancelled) && ss.ctx.Err() == nil {
				ss.logger.Warn("next audio", "turn_id", turn.ID(), "error", err)
			}
			return
		}
		msg, err := protocol.NewAudioMessage(
			turn.ID(),
			chunk.Data,
			string(chunk.Format.Encoding),
			chunk.Format.SampleRate,
			chunk.SentenceIndex,
			chunk.Text,
			chunk.IsFinal,
		)
		if err != nil {
			continue
		}
		if turn.Interrupted() {
			return
		}
		if !ss.sendFor(turn, msg) {
			return
		}
	}
}

// forwardConversation relays conversation-level events. A session failure
// ends the session once the notice is queued.
func (ss *session) forwardConversation(conv *voice.Conversation) {
	for ev := range conv.Events() {
		msg, err := eventMessage(ev)
		if err != nil || msg == nil {
			continue
		}
		if ev.Type == voice.EventNetwork && ev.Network != nil {
			_ = ss.srv.monitor.PublishJSON(conv.ID(), protocol.TypeNetwork, msg.Data)
		}
		ss.send(msg)
		if ev.Type == voice.EventSessionFailed {
			ss.logger.Error("session failed", "error", ev.Err)
			ss.cancel()
			return
		}
	}
}

// heartbeat pings the client and starts reconnection when pongs stop.
func (ss *session) heartbeat() {
	interval := ss.srv.cfg.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ss.ctx.Done():
			return
		case <-ticker.C:
		}

		conv := ss.conversation()
		if conv != nil && ss.sincePong() > ss.srv.cfg.PongTimeout {
			ss.logger.Warn("pong timeout", "since_pong", ss.sincePong())
			err := conv.Reconnect(ss.ctx, ss.check)
			if err != nil {
				// Abandonment reaches the client as session_failed via
				// the conversation's events.
				if !errors.Is(err, network.ErrReconnectAbandoned) {
					ss.logger.Debug("reconnect stopped", "error", err)
				}
				return
			}
			continue
		}
		ss.ping()
	}
}

func (ss *session) sincePong() time.Duration {
	return time.Since(time.UnixMilli(ss.lastPong.Load()))
}

func (ss *session) ping() {
	msg, err := protocol.NewPingMessage(strconv.FormatUint(ss.pingSeq.Add(1), 10))
	if err != nil {
		return
	}
	ss.send(msg)
}

// check pings once and waits one ping interval for any pong.
func (ss *session) check(ctx context.Context) error {
	select {
	case <-ss.pongs:
	default:
	}
	ss.ping()

	wait := ss.srv.cfg.PingInterval
	if wait <= 0 {
		wait = time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ss.pongs:
		return nil
	case <-timer.C:
		return errNoPong
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pong records a heartbeat reply as a link sample.
func (ss *session) pong(data *protocol.PongData) {
	now := time.Now().UnixMilli()
	ss.lastPong.Store(now)
	select {
	case ss.pongs <- struct{}{}:
	default:
	}

	if data.PingTS <= 0 || data.PingTS > now {
		return
	}
	if conv := ss.conversation(); conv != nil {
		conv.RecordNetworkSample(time.Duration(now-data.PingTS)*time.Millisecond, 0)
	}
}

// send queues msg for the writer. It reports false once the session has
// ended.
func (ss *session) send(msg *protocol.Message) bool {
	return ss.sendFor(nil, msg)
}

// sendFor queues output of turn. The writer skips it if the turn has been
// interrupted by the time it is written.
func (ss *session) sendFor(turn *voice.Turn, msg *protocol.Message) bool {
	if msg == nil {
		return true
	}
	select {
	case ss.out <- outbound{msg: msg, turn: turn}:
		return true
	case <-ss.ctx.Done():
		return false
	}
}

func (ss *session) sendError(turnID, code, message string) {
	msg, err := protocol.NewErrorMessage(turnID, code, message)
	if err != nil {
		return
	}
	ss.send(msg)
}

func (ss *session) stateMessage(conversationID, stage, state, reason string) *protocol.Message {
	msg, err := protocol.NewMessage(protocol.TypeState, protocol.StateData{
		ConversationID: conversationID,
		Stage:          stage,
		State:          state,
		Reason:         reason,
	})
	if err != nil {
		return nil
	}
	return msg
}

// writePump writes queued messages to the connection. When the session
// ends it flushes what is queued, sends a close frame and closes the
// connection, which unblocks the reader.
func (ss *session) writePump() {
	defer close(ss.writerDone)

	for {
		select {
		case o := <-ss.out:
			if o.stale() {
				continue
			}
			if err := ss.write(o.msg); err != nil {
				ss.logger.Debug("write failed", "error", err)
				ss.cancel()
				ss.conn.Close()
				return
			}

		case <-ss.ctx.Done():
			ss.flush()
			ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ss.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			ss.conn.Close()
			return
		}
	}
}

func (ss *session) flush() {
	for {
		select {
		case o := <-ss.out:
			if o.stale() {
				continue
			}
			if err := ss.write(o.msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (ss *session) write(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ss.conn.WriteMessage(websocket.TextMessage, data)
}
