package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-duplex/pkg/protocol"
)

// fakeConn records writes and blocks reads until closed.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	types   []int
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("closed")
}

func (f *fakeConn) WriteMessage(t int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, t)
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) textMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for i, t := range f.types {
		if t == websocket.TextMessage {
			out = append(out, f.written[i])
		}
	}
	return out
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, cancel
}

func TestPublishReachesSubscribers(t *testing.T) {
	h, _ := startHub(t)

	conns := []*fakeConn{newFakeConn(), newFakeConn()}
	for _, c := range conns {
		go Subscribe(h, c, Filter{}).Serve()
	}
	require.Eventually(t, func() bool { return h.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.PublishJSON("c1", protocol.TypeState, protocol.StateData{Stage: "talker", State: "speaking"}))

	for _, c := range conns {
		require.Eventually(t, func() bool { return len(c.textMessages()) == 1 }, time.Second, 5*time.Millisecond)

		msg, err := protocol.ParseMessage(c.textMessages()[0])
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeState, msg.Type)

		state, err := msg.GetStateData()
		require.NoError(t, err)
		assert.Equal(t, "speaking", state.State)
	}
}

func TestFilteredSubscriber(t *testing.T) {
	h, _ := startHub(t)

	all := newFakeConn()
	narrow := newFakeConn()
	go Subscribe(h, all, Filter{}).Serve()
	go Subscribe(h, narrow, Filter{ConversationID: "c1", Types: []protocol.MessageType{protocol.TypeMetrics}}).Serve()
	require.Eventually(t, func() bool { return h.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.PublishJSON("c2", protocol.TypeMetrics, protocol.MetricsData{ConversationID: "c2"}))
	require.NoError(t, h.PublishJSON("c1", protocol.TypeNetwork, protocol.NetworkData{}))
	require.NoError(t, h.PublishJSON("c1", protocol.TypeMetrics, protocol.MetricsData{ConversationID: "c1"}))

	require.Eventually(t, func() bool { return len(all.textMessages()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(narrow.textMessages()) == 1 }, time.Second, 5*time.Millisecond)

	msg, err := protocol.ParseMessage(narrow.textMessages()[0])
	require.NoError(t, err)
	data := &protocol.MetricsData{}
	require.NoError(t, msg.ParseData(data))
	assert.Equal(t, "c1", data.ConversationID)
}

func TestFilterMatch(t *testing.T) {
	m := Message{ConversationID: "c1", Type: protocol.TypeToken}
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"zero", Filter{}, true},
		{"same conversation", Filter{ConversationID: "c1"}, true},
		{"other conversation", Filter{ConversationID: "c2"}, false},
		{"type listed", Filter{Types: []protocol.MessageType{protocol.TypeState, protocol.TypeToken}}, true},
		{"type not listed", Filter{Types: []protocol.MessageType{protocol.TypeState}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Match(m))
		})
	}
}

func TestDisconnectUnsubscribes(t *testing.T) {
	h, _ := startHub(t)

	conn := newFakeConn()
	go Subscribe(h, conn, Filter{}).Serve()
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := New("slow", nil)
	sub := &Subscriber{hub: h, conn: newFakeConn(), outbox: make(chan Message)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.join <- sub
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	// Nobody drains the unbuffered outbox.
	h.Publish(Message{Type: protocol.TypeToken, Data: []byte(`{}`)})
	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	_, open := <-sub.outbox
	assert.False(t, open)
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	h := New("full", nil)
	for i := 0; i < publishBuffer+3; i++ {
		h.Publish(Message{Type: protocol.TypeToken})
	}
	assert.Equal(t, uint64(3), h.Dropped())
}

func TestShutdownClosesSubscribers(t *testing.T) {
	h, cancel := startHub(t)

	conn := newFakeConn()
	go Subscribe(h, conn, Filter{}).Serve()
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-h.Done()

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed on shutdown")
	}
	assert.Equal(t, 0, h.Subscribers())

	late := Subscribe(h, newFakeConn(), Filter{})
	_, open := <-late.outbox
	assert.False(t, open)
}

func TestNewMessageEnvelope(t *testing.T) {
	msg, err := NewMessage("c1", protocol.TypeToken, protocol.TokenData{TurnID: "t", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "c1", msg.ConversationID)

	var env map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, "token", env["type"])
	assert.Contains(t, env, "ts")

	_, err = NewMessage("c1", protocol.TypeToken, make(chan int))
	assert.Error(t, err)
}
