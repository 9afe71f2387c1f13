package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-duplex/pkg/protocol"
)

const (
	publishBuffer    = 256
	subscriberBuffer = 64
)

// Hub tracks monitor subscribers and delivers published messages to the
// ones whose filter matches.
type Hub struct {
	name   string
	logger *slog.Logger

	publish chan Message
	join    chan *Subscriber
	leave   chan *Subscriber
	done    chan struct{}

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}

	dropped atomic.Uint64
}

// New creates a hub. Call Run to start delivery.
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:    name,
		logger:  logger.With("component", "hub.Hub", "hub", name),
		publish: make(chan Message, publishBuffer),
		join:    make(chan *Subscriber),
		leave:   make(chan *Subscriber),
		done:    make(chan struct{}),
		subs:    make(map[*Subscriber]struct{}),
	}
}

// Run delivers messages until ctx ends. On return every subscriber's
// outbox is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subs {
				h.removeLocked(s)
			}
			h.mu.Unlock()
			return

		case s := <-h.join:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Info("subscriber joined", "subscribers", n, "conversation_id", s.filter.ConversationID)

		case s := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				h.removeLocked(s)
			}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Info("subscriber left", "subscribers", n)

		case m := <-h.publish:
			h.deliver(m)
		}
	}
}

func (h *Hub) deliver(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.filter.Match(m) {
			continue
		}
		select {
		case s.outbox <- m:
		default:
			h.removeLocked(s)
			h.logger.Warn("dropped slow subscriber", "type", m.Type)
		}
	}
}

func (h *Hub) removeLocked(s *Subscriber) {
	delete(h.subs, s)
	close(s.outbox)
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Publish queues m for delivery. It never blocks; when the queue is full
// the message is counted as dropped.
func (h *Hub) Publish(m Message) {
	select {
	case h.publish <- m:
	default:
		h.dropped.Add(1)
		h.logger.Warn("publish queue full", "type", m.Type)
	}
}

// PublishJSON encodes v and publishes it for conversationID.
func (h *Hub) PublishJSON(conversationID string, msgType protocol.MessageType, v any) error {
	m, err := NewMessage(conversationID, msgType, v)
	if err != nil {
		return err
	}
	h.Publish(m)
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many published messages never reached the queue.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
