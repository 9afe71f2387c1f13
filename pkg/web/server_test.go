package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/inference"
	"github.com/teslashibe/go-duplex/pkg/protocol"
	"github.com/teslashibe/go-duplex/pkg/speech"
	"github.com/teslashibe/go-duplex/pkg/tools"
	"github.com/teslashibe/go-duplex/pkg/tts"
	"github.com/teslashibe/go-duplex/pkg/voice"
)

const answer = "The sky is blue. It is a nice day."

type fixture struct {
	srv   *Server
	addr  string
	store *conversation.MemoryStore
}

type options struct {
	llm     inference.Provider
	speaker tts.Provider
	voice   func(*voice.Config)
	web     func(*Config)
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	if opts.llm == nil {
		opts.llm = inference.NewStreamMock(inference.WordChunks(answer))
	}
	if opts.speaker == nil {
		opts.speaker = tts.NewMock()
	}

	vcfg := voice.DefaultConfig()
	vcfg.Talker.Chunker = speech.ChunkerConfig{MinChars: 10, OptimalChars: 20, MaxChars: 40}
	if opts.voice != nil {
		opts.voice(&vcfg)
	}

	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, tools.BuiltinConfig{}))

	store := conversation.NewMemoryStore(10, time.Hour)
	svc, err := voice.NewService(vcfg, voice.Deps{
		LLM:   opts.llm,
		TTS:   opts.speaker,
		Store: store,
		Tools: reg,
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	if opts.web != nil {
		opts.web(&cfg)
	}
	srv := NewServer(cfg, svc)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &fixture{srv: srv, addr: ln.Addr().String(), store: store}
}

func (f *fixture) dial(t *testing.T, path string) *gorilla.Conn {
	t.Helper()
	var (
		conn *gorilla.Conn
		err  error
	)
	require.Eventually(t, func() bool {
		conn, _, err = gorilla.DefaultDialer.Dial("ws://"+f.addr+path, nil)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "dial %s", path)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorilla.Conn, msgType protocol.MessageType, data interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, data)
	require.NoError(t, err)
	b, err := msg.Bytes()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, b))
}

func read(t *testing.T, conn *gorilla.Conn) (*protocol.Message, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.ParseMessage(data)
	require.NoError(t, err)
	return msg, nil
}

// readUntil reads messages until one of type typ arrives and returns every
// message read, the match last.
func readUntil(t *testing.T, conn *gorilla.Conn, typ protocol.MessageType) []*protocol.Message {
	t.Helper()
	var msgs []*protocol.Message
	for {
		msg, err := read(t, conn)
		require.NoError(t, err, "waiting for %s", typ)
		msgs = append(msgs, msg)
		if msg.Type == typ {
			return msgs
		}
	}
}

func startConversation(t *testing.T, conn *gorilla.Conn, id string) {
	t.Helper()
	send(t, conn, protocol.TypeStart, protocol.StartData{ConversationID: id, UserID: "user-1"})
	msgs := readUntil(t, conn, protocol.TypeState)
	state, err := msgs[len(msgs)-1].GetStateData()
	require.NoError(t, err)
	assert.Equal(t, "started", state.State)
	assert.Equal(t, id, state.ConversationID)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, options{})

	resp, err := f.srv.App().Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthzUnhealthyProvider(t *testing.T) {
	llm := inference.NewMock()
	llm.HealthFunc = func(context.Context) error { return errors.New("down") }
	f := newFixture(t, options{llm: llm})

	resp, err := f.srv.App().Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "down")
}

func TestConversationEndpoints(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	c := conversation.New("conv-rest", "be brief", conversation.DefaultLimits())
	c.AddMessage(conversation.Message{Role: conversation.RoleUser, Content: "hello"})
	require.NoError(t, f.store.Put(ctx, c))

	resp, err := f.srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/conversations/conv-rest", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view ConversationView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "conv-rest", view.ID)
	assert.Equal(t, "be brief", view.SystemPrompt)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "hello", view.Messages[0].Content)

	resp, err = f.srv.App().Test(httptest.NewRequest(http.MethodDelete, "/api/conversations/conv-rest", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = f.srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/conversations/conv-rest", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTools(t *testing.T) {
	f := newFixture(t, options{})

	resp, err := f.srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/tools", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var infos []tools.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.Len(t, infos, 1)
	assert.Equal(t, tools.CurrentTimeTool, infos[0].Name)
}

func TestListVoices(t *testing.T) {
	f := newFixture(t, options{})

	resp, err := f.srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/voices?provider=openai", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var presets []tts.VoicePreset
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presets))
	require.NotEmpty(t, presets)
	for _, p := range presets {
		assert.Equal(t, "openai", p.Provider)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, options{})

	resp, err := f.srv.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "duplex_active_connections")
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	f := newFixture(t, options{})

	resp, err := f.srv.App().Test(httptest.NewRequest(http.MethodGet, "/ws/voice", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestVoiceTurnOverWebSocket(t *testing.T) {
	f := newFixture(t, options{})
	conn := f.dial(t, "/ws/voice")
	startConversation(t, conn, "conv-ws")

	send(t, conn, protocol.TypeText, protocol.TextData{Text: "describe the sky"})
	msgs := readUntil(t, conn, protocol.TypeResponse)

	var (
		text  strings.Builder
		audio int
	)
	for _, msg := range msgs {
		switch msg.Type {
		case protocol.TypeToken:
			d := &protocol.TokenData{}
			require.NoError(t, msg.ParseData(d))
			text.WriteString(d.Text)
		case protocol.TypeAudio:
			audio++
		}
	}
	assert.Equal(t, answer, text.String())
	assert.Positive(t, audio, "audio precedes the response")

	resp := &protocol.ResponseData{}
	require.NoError(t, msgs[len(msgs)-1].ParseData(resp))
	assert.Equal(t, answer, resp.Text)
	assert.Equal(t, "complete", resp.Outcome)
	require.NotNil(t, resp.Latency)

	stored, err := f.store.Get(context.Background(), "conv-ws")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Len())
}

func TestEmptyTextIsRejected(t *testing.T) {
	f := newFixture(t, options{})
	conn := f.dial(t, "/ws/voice")

	send(t, conn, protocol.TypeText, protocol.TextData{Text: "   "})
	msgs := readUntil(t, conn, protocol.TypeError)

	errData := &protocol.ErrorData{}
	require.NoError(t, msgs[len(msgs)-1].ParseData(errData))
	assert.Equal(t, "empty_input", errData.Code)
}

// blockingStream yields no audio until its context ends.
type blockingStream struct {
	ctx context.Context
}

func (b *blockingStream) Read() ([]byte, error) {
	<-b.ctx.Done()
	return nil, b.ctx.Err()
}

func (b *blockingStream) Close() error { return nil }

func (b *blockingStream) Format() tts.AudioFormat { return tts.PCMFormat(tts.EncodingPCM24) }

func TestClientBargeIn(t *testing.T) {
	speaker := tts.NewMock()
	var once sync.Once
	started := make(chan struct{})
	speaker.StreamFunc = func(ctx context.Context, req *tts.Request) (tts.AudioStream, error) {
		once.Do(func() { close(started) })
		return &blockingStream{ctx: ctx}, nil
	}
	f := newFixture(t, options{speaker: speaker})
	conn := f.dial(t, "/ws/voice")
	startConversation(t, conn, "conv-barge")

	send(t, conn, protocol.TypeText, protocol.TextData{Text: "tell me about the sky"})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("synthesis never started")
	}

	send(t, conn, protocol.TypeBargeIn, protocol.BargeInData{Reason: "user spoke"})

	// The interruption notice and the response travel separately.
	var (
		interrupted bool
		resp        *protocol.ResponseData
	)
	for !interrupted || resp == nil {
		msg, err := read(t, conn)
		require.NoError(t, err)
		switch msg.Type {
		case protocol.TypeAudio:
			t.Fatal("audio after barge-in")
		case protocol.TypeState:
			state, err := msg.GetStateData()
			require.NoError(t, err)
			if state.State == "interrupted" {
				interrupted = true
				assert.Equal(t, voice.BargeInClient, state.Reason)
			}
		case protocol.TypeResponse:
			resp = &protocol.ResponseData{}
			require.NoError(t, msg.ParseData(resp))
		}
	}
	assert.True(t, resp.Interrupted)
	assert.Equal(t, "cancelled", resp.Outcome)
}

// endlessStream yields small silent chunks until its context ends.
type endlessStream struct {
	ctx context.Context
}

func (e *endlessStream) Read() ([]byte, error) {
	select {
	case <-e.ctx.Done():
		return nil, e.ctx.Err()
	case <-time.After(time.Millisecond):
		return make([]byte, 960), nil
	}
}

func (e *endlessStream) Close() error { return nil }

func (e *endlessStream) Format() tts.AudioFormat { return tts.PCMFormat(tts.EncodingPCM24) }

func TestNoTurnOutputAfterBargeIn(t *testing.T) {
	speaker := tts.NewMock()
	speaker.StreamFunc = func(ctx context.Context, req *tts.Request) (tts.AudioStream, error) {
		return &endlessStream{ctx: ctx}, nil
	}
	f := newFixture(t, options{speaker: speaker})
	conn := f.dial(t, "/ws/voice")
	startConversation(t, conn, "conv-flowing")

	send(t, conn, protocol.TypeText, protocol.TextData{Text: "tell me about the sky"})
	readUntil(t, conn, protocol.TypeAudio)
	send(t, conn, protocol.TypeBargeIn, protocol.BargeInData{Reason: "user spoke"})

	var (
		interrupted bool
		resp        *protocol.ResponseData
	)
	for !interrupted || resp == nil {
		msg, err := read(t, conn)
		require.NoError(t, err)
		switch msg.Type {
		case protocol.TypeAudio, protocol.TypeToken:
			assert.False(t, interrupted, "%s written after barge-in", msg.Type)
		case protocol.TypeState:
			state, err := msg.GetStateData()
			require.NoError(t, err)
			if state.State == "interrupted" {
				interrupted = true
			}
		case protocol.TypeResponse:
			resp = &protocol.ResponseData{}
			require.NoError(t, msg.ParseData(resp))
		}
	}
	assert.True(t, resp.Interrupted)
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, options{})
	conn := f.dial(t, "/ws/voice")

	send(t, conn, protocol.TypePing, protocol.PingData{ID: "p-1", Timestamp: time.Now().UnixMilli()})
	msgs := readUntil(t, conn, protocol.TypePong)

	pong, err := msgs[len(msgs)-1].GetPongData()
	require.NoError(t, err)
	assert.Equal(t, "p-1", pong.ID)
	assert.GreaterOrEqual(t, pong.LatencyMs, int64(0))
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture(t, options{})
	conn := f.dial(t, "/ws/voice")

	send(t, conn, "dance", nil)
	msgs := readUntil(t, conn, protocol.TypeError)

	errData := &protocol.ErrorData{}
	require.NoError(t, msgs[len(msgs)-1].ParseData(errData))
	assert.Equal(t, "unknown_type", errData.Code)
}

func TestInboundRateLimit(t *testing.T) {
	f := newFixture(t, options{web: func(c *Config) {
		c.InboundRate = 0.001
		c.InboundBurst = 1
	}})
	conn := f.dial(t, "/ws/voice")

	for i := 0; i < 3; i++ {
		send(t, conn, protocol.TypePing, protocol.PingData{ID: "p"})
	}

	msgs := readUntil(t, conn, protocol.TypeError)
	errData := &protocol.ErrorData{}
	require.NoError(t, msgs[len(msgs)-1].ParseData(errData))
	assert.Equal(t, "rate_limited", errData.Code)
}

func serveAsync(ctx context.Context, srv *Server, ln net.Listener) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()
	return errc
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	f := newFixture(t, options{})
	srv := NewServer(DefaultConfig(), f.srv.svc)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := serveAsync(ctx, srv, ln)
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeReturnsWhenListenerStops(t *testing.T) {
	f := newFixture(t, options{})
	srv := NewServer(DefaultConfig(), f.srv.svc)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	select {
	case <-serveAsync(context.Background(), srv, ln):
	case <-time.After(5 * time.Second):
		t.Fatal("Serve kept running without a listener")
	}
}

func TestStopClosesConnection(t *testing.T) {
	f := newFixture(t, options{})
	conn := f.dial(t, "/ws/voice")
	startConversation(t, conn, "conv-stop")

	send(t, conn, protocol.TypeStop, nil)
	readUntil(t, conn, protocol.TypeState)

	for {
		if _, err := read(t, conn); err != nil {
			assert.True(t, gorilla.IsCloseError(err, gorilla.CloseNormalClosure), "got %v", err)
			return
		}
	}
}

func TestMissedPongsFailSession(t *testing.T) {
	f := newFixture(t, options{
		voice: func(c *voice.Config) {
			c.Network.ReconnectAttempts = 2
			c.Network.ReconnectBase = time.Millisecond
		},
		web: func(c *Config) {
			c.PingInterval = 20 * time.Millisecond
			c.PongTimeout = 50 * time.Millisecond
		},
	})
	conn := f.dial(t, "/ws/voice")
	startConversation(t, conn, "conv-silent")

	// The client never answers pings.
	msgs := readUntil(t, conn, protocol.TypeSessionFailed)

	failed := &protocol.SessionFailedData{}
	require.NoError(t, msgs[len(msgs)-1].ParseData(failed))
	assert.Contains(t, failed.Reason, "abandoned")

	var sawPing bool
	for _, msg := range msgs {
		if msg.Type == protocol.TypePing {
			sawPing = true
		}
	}
	assert.True(t, sawPing)

	for {
		if _, err := read(t, conn); err != nil {
			return
		}
	}
}

func TestPongsKeepSessionAlive(t *testing.T) {
	f := newFixture(t, options{web: func(c *Config) {
		c.PingInterval = 20 * time.Millisecond
		c.PongTimeout = 50 * time.Millisecond
	}})
	conn := f.dial(t, "/ws/voice")
	startConversation(t, conn, "conv-alive")

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		msgs := readUntil(t, conn, protocol.TypePing)
		for _, msg := range msgs {
			assert.NotEqual(t, protocol.TypeSessionFailed, msg.Type)
		}
		ping, err := msgs[len(msgs)-1].GetPingData()
		require.NoError(t, err)
		send(t, conn, protocol.TypePong, protocol.PongData{ID: ping.ID, PingTS: ping.Timestamp, PongTS: time.Now().UnixMilli()})
	}
}

func TestMonitorReceivesTurnMetrics(t *testing.T) {
	f := newFixture(t, options{})
	monitor := f.dial(t, "/ws/monitor?conversation_id=conv-monitor&types=metrics")
	other := f.dial(t, "/ws/monitor?conversation_id=someone-else")
	require.Eventually(t, func() bool { return f.srv.Monitor().Subscribers() == 2 }, 2*time.Second, 10*time.Millisecond)

	conn := f.dial(t, "/ws/voice")
	startConversation(t, conn, "conv-monitor")
	send(t, conn, protocol.TypeText, protocol.TextData{Text: "hello"})
	readUntil(t, conn, protocol.TypeResponse)

	for {
		msgs := readUntil(t, monitor, protocol.TypeMetrics)
		data := &protocol.MetricsData{}
		require.NoError(t, msgs[len(msgs)-1].ParseData(data))
		assert.Equal(t, "conv-monitor", data.ConversationID)
		if data.Outcome == "complete" {
			assert.NotEmpty(t, data.TurnID)
			assert.Positive(t, data.TokensGenerated)
			break
		}
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "filtered subscriber should receive nothing")
}

func TestMonitorFilter(t *testing.T) {
	f := monitorFilter("c1", "metrics, network,")
	assert.Equal(t, "c1", f.ConversationID)
	assert.Equal(t, []protocol.MessageType{protocol.TypeMetrics, protocol.TypeNetwork}, f.Types)

	assert.Empty(t, monitorFilter("", "").Types)
}
