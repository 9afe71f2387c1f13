// Package audio provides the outbound audio path between synthesis and
// the client transport.
//
// A Queue carries Chunks from a single talker to a single consumer. It is
// bounded, preserves order, and supports two distinct endings: Finish
// (drain what is queued, then io.EOF) and Cancel (drop everything now).
package audio

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/teslashibe/go-duplex/pkg/tts"
)

// Sentinel errors for queue operations.
var (
	// ErrCancelled is returned once the queue has been cancelled.
	ErrCancelled = errors.New("audio: queue cancelled")

	// ErrFinished is returned by Put after Finish.
	ErrFinished = errors.New("audio: queue finished")
)

// DefaultCapacity is the queue size used when none is given.
const DefaultCapacity = 64

// Chunk is one piece of synthesized audio. Chunks are never mutated after
// being handed to a Queue.
type Chunk struct {
	// Data holds encoded audio in Format.
	Data []byte

	// Format describes the encoding of Data.
	Format tts.AudioFormat

	// SentenceIndex is the zero-based sentence this audio belongs to.
	SentenceIndex int

	// Text is the sentence that was spoken, for captions.
	Text string

	// IsFinal marks the last chunk of a sentence.
	IsFinal bool

	// LatencyMs is the time from sentence submission to this chunk.
	LatencyMs int64
}

// State is the lifecycle state of a Queue.
type State int

const (
	StateOpen State = iota
	StateFinished
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Queue is a bounded, cancellable FIFO of audio chunks.
// It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    []Chunk
	capacity int
	state    State
	changed  chan struct{}

	enqueued int
	dropped  int
}

// NewQueue creates a queue holding at most capacity chunks.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// notifyLocked wakes every blocked Put and Get.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Put appends a chunk, blocking while the queue is full. It returns
// ErrCancelled or ErrFinished if the queue no longer accepts audio, or the
// context error if ctx ends first.
func (q *Queue) Put(ctx context.Context, c Chunk) error {
	for {
		q.mu.Lock()
		switch q.state {
		case StateCancelled:
			q.mu.Unlock()
			return ErrCancelled
		case StateFinished:
			q.mu.Unlock()
			return ErrFinished
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, c)
			q.enqueued++
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Get removes the oldest chunk, blocking while the queue is empty. After
// Finish it returns io.EOF once every queued chunk has been consumed.
// After Cancel it returns ErrCancelled immediately.
func (q *Queue) Get(ctx context.Context) (Chunk, error) {
	for {
		q.mu.Lock()
		if q.state == StateCancelled {
			q.mu.Unlock()
			return Chunk{}, ErrCancelled
		}
		if len(q.items) > 0 {
			c := q.items[0]
			q.items[0] = Chunk{}
			q.items = q.items[1:]
			q.notifyLocked()
			q.mu.Unlock()
			return c, nil
		}
		if q.state == StateFinished {
			q.mu.Unlock()
			return Chunk{}, io.EOF
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// TryGet removes the oldest chunk without blocking.
func (q *Queue) TryGet() (Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateCancelled || len(q.items) == 0 {
		return Chunk{}, false
	}
	c := q.items[0]
	q.items[0] = Chunk{}
	q.items = q.items[1:]
	q.notifyLocked()
	return c, true
}

// Cancel atomically discards every queued chunk and rejects further Puts.
// It returns the number of chunks dropped. Cancelling twice is a no-op.
func (q *Queue) Cancel() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateCancelled {
		return 0
	}
	n := len(q.items)
	q.items = nil
	q.dropped += n
	q.state = StateCancelled
	q.notifyLocked()
	return n
}

// Finish marks the end of the stream. Queued chunks remain readable.
// Finish has no effect on a cancelled queue.
func (q *Queue) Finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateOpen {
		return
	}
	q.state = StateFinished
	q.notifyLocked()
}

// Drain removes and returns every queued chunk without blocking.
func (q *Queue) Drain() []Chunk {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	if len(out) > 0 {
		q.notifyLocked()
	}
	return out
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return q.capacity
}

// State returns the current lifecycle state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Stats returns the number of chunks ever enqueued and dropped by Cancel.
func (q *Queue) Stats() (enqueued, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued, q.dropped
}
