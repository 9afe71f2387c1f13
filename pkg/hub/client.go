package hub

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

// Subscriber connection timings.
const (
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second
	pingEvery    = idleTimeout * 9 / 10

	// Subscribers only send control frames.
	readLimit = 4 << 10
)

// Conn is the part of a websocket connection a subscriber uses.
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Subscriber is one monitor connection.
type Subscriber struct {
	hub    *Hub
	conn   Conn
	filter Filter
	outbox chan Message
}

// Subscribe registers conn with the hub. If the hub has stopped the
// subscriber is returned already closed.
func Subscribe(h *Hub, conn Conn, f Filter) *Subscriber {
	s := &Subscriber{
		hub:    h,
		conn:   conn,
		filter: f,
		outbox: make(chan Message, subscriberBuffer),
	}
	select {
	case h.join <- s:
	case <-h.done:
		close(s.outbox)
	}
	return s
}

// Serve writes messages to the connection until it closes or the hub
// drops the subscriber. It blocks.
func (s *Subscriber) Serve() {
	go s.write()
	s.read()
}

// read consumes control frames so pongs are processed and disconnects
// noticed.
func (s *Subscriber) read() {
	defer func() {
		select {
		case s.hub.leave <- s:
		case <-s.hub.done:
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// write is the only writer on the connection.
func (s *Subscriber) write() {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case m, ok := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, m.Data); err != nil {
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
