// Package talker turns streamed LLM tokens into queued speech.
//
// A Session buffers tokens into sentences, synthesizes them one at a time
// in order, and puts the audio on an audio.Queue for the transport to
// play. Each sentence is synthesized with the previous one as context so
// prosody carries across sentence boundaries.
//
// Cancel is the barge-in path: it empties the queue before returning and
// no audio is enqueued afterwards.
package talker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/teslashibe/go-duplex/internal/metrics"
	"github.com/teslashibe/go-duplex/pkg/audio"
	"github.com/teslashibe/go-duplex/pkg/speech"
	"github.com/teslashibe/go-duplex/pkg/tts"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle      State = "idle"
	StateSpeaking  State = "speaking"
	StateComplete  State = "complete"
	StateCancelled State = "cancelled"
)

// Config holds talker tunables.
type Config struct {
	// Chunker sets the sentence length thresholds.
	Chunker speech.ChunkerConfig

	// MaxMarkupHold bounds how much text is withheld waiting for markup
	// to close.
	MaxMarkupHold int

	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Chunker:       speech.DefaultChunkerConfig(),
		MaxMarkupHold: speech.DefaultMaxHold,
		Logger:        slog.Default(),
	}
}

// Metrics summarises a session.
type Metrics struct {
	Sentences        int
	FailedSentences  int
	Characters       int
	AudioBytes       int
	TotalLatency     time.Duration
	TimeToFirstAudio time.Duration
	Cancelled        bool
}

type sentence struct {
	index int
	text  string
}

// Session speaks one assistant response.
type Session struct {
	cfg      Config
	provider tts.Provider
	queue    *audio.Queue
	voice    *tts.VoiceConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	markup    *speech.MarkupBuffer
	chunker   *speech.Chunker
	pending   []sentence
	next      int
	closed    bool
	firstTok  time.Time
	metrics   Metrics
	finalized bool
	final     Metrics

	wake       chan struct{}
	workerDone chan struct{}
	finishOnce sync.Once
}

// New creates a session that synthesizes with provider into queue. The
// voice is fixed for the session's lifetime; nil uses the provider's
// defaults.
func New(cfg Config, provider tts.Provider, queue *audio.Queue, voice *tts.VoiceConfig) (*Session, error) {
	if provider == nil {
		return nil, errors.New("talker: tts provider required")
	}
	if queue == nil {
		return nil, errors.New("talker: audio queue required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if voice != nil {
		v := *voice
		if v.Settings != nil {
			settings := *v.Settings
			v.Settings = &settings
		}
		voice = &v
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		provider:   provider,
		queue:      queue,
		voice:      voice,
		logger:     cfg.Logger.With("component", "talker.session"),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		markup:     speech.NewMarkupBuffer(cfg.MaxMarkupHold),
		chunker:    speech.NewChunker(cfg.Chunker),
		wake:       make(chan struct{}, 1),
		workerDone: make(chan struct{}),
	}
	go s.work()
	return s, nil
}

// Queue returns the queue audio is delivered to.
func (s *Session) Queue() *audio.Queue {
	return s.queue
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
	return s.metrics
}

// AddToken feeds one LLM token. The first token moves the session to
// speaking. Tokens are ignored once the session is cancelled or
// finishing.
func (s *Session) AddToken(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state == StateCancelled || s.state == StateComplete {
		return
	}
	if s.state == StateIdle {
		s.state = StateSpeaking
		s.firstTok = time.Now()
	}
	for _, chunk := range s.chunker.Push(s.markup.Push(text)) {
		s.enqueueLocked(chunk)
	}
}

// enqueueLocked adds a sentence to the FIFO and wakes the worker.
func (s *Session) enqueueLocked(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.pending = append(s.pending, sentence{index: s.next, text: text})
	s.next++
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Finish flushes buffered text, waits for every sentence to be
// synthesized, and finishes the queue. It is idempotent: later calls
// return the same metrics. If ctx ends first Finish returns the metrics
// so far and synthesis continues in the background.
func (s *Session) Finish(ctx context.Context) Metrics {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateCancelled {
			rest := s.chunker.Push(s.markup.Flush())
			rest = append(rest, s.chunker.Flush()...)
			for _, chunk := range rest {
				s.enqueueLocked(chunk)
			}
		}
		s.closed = true
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})

	select {
	case <-s.workerDone:
	case <-ctx.Done():
		return s.Metrics()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finalized {
		s.finalized = true
		if s.state != StateCancelled {
			s.state = StateComplete
			s.queue.Finish()
		}
		s.final = s.metrics
		s.cancel()
		s.logger.Debug("finished",
			"sentences", s.final.Sentences,
			"failed", s.final.FailedSentences,
			"audio_bytes", s.final.AudioBytes,
		)
	}
	return s.final
}

// Cancel stops speaking immediately: the state becomes cancelled, the
// queue is emptied, and in-flight synthesis is abandoned. No chunk is
// enqueued after Cancel returns. Cancelling a completed session still
// empties audio that has not been played.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	s.metrics.Cancelled = true
	s.pending = nil
	s.mu.Unlock()

	dropped := s.queue.Cancel()
	s.cancel()
	s.logger.Debug("cancelled", "dropped_chunks", dropped)
}

func (s *Session) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateCancelled
}

// work synthesizes sentences one at a time, in order.
func (s *Session) work() {
	defer close(s.workerDone)

	prev := ""
	for {
		s.mu.Lock()
		if s.state == StateCancelled {
			s.mu.Unlock()
			return
		}
		if len(s.pending) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.ctx.Done():
				return
			}
			continue
		}
		sent := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		text := strings.TrimSpace(speech.StripMarkup(sent.text))
		if text == "" {
			continue
		}
		if s.speak(sent.index, text, prev) {
			prev = text
		}
	}
}

// speak synthesizes one sentence into the queue and reports success.
func (s *Session) speak(index int, text, prev string) bool {
	start := time.Now()
	logger := s.logger.With("sentence", index)

	stream, err := s.provider.Stream(s.ctx, &tts.Request{
		Text:         text,
		PreviousText: prev,
		Voice:        s.voice,
	})
	if err != nil {
		s.fail(logger, err)
		return false
	}
	defer stream.Close()

	format := stream.Format()
	bytes := 0
	for {
		data, err := stream.Read()
		if err != nil {
			s.fail(logger, err)
			return false
		}
		if data == nil {
			break
		}
		if s.cancelled() {
			return false
		}
		if err := s.queue.Put(s.ctx, audio.Chunk{
			Data:          data,
			Format:        format,
			SentenceIndex: index,
			Text:          text,
			LatencyMs:     time.Since(start).Milliseconds(),
		}); err != nil {
			return false
		}
		if bytes == 0 {
			s.markFirstAudio()
		}
		bytes += len(data)
	}

	if s.cancelled() {
		return false
	}
	if err := s.queue.Put(s.ctx, audio.Chunk{
		Format:        format,
		SentenceIndex: index,
		Text:          text,
		IsFinal:       true,
		LatencyMs:     time.Since(start).Milliseconds(),
	}); err != nil {
		return false
	}

	elapsed := time.Since(start)
	s.mu.Lock()
	s.metrics.Sentences++
	s.metrics.Characters += utf8.RuneCountInString(text)
	s.metrics.AudioBytes += bytes
	s.metrics.TotalLatency += elapsed
	s.mu.Unlock()

	logger.Debug("sentence synthesized",
		"chars", len(text),
		"bytes", bytes,
		"latency_ms", elapsed.Milliseconds(),
	)
	return true
}

func (s *Session) markFirstAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics.TimeToFirstAudio == 0 && !s.firstTok.IsZero() {
		s.metrics.TimeToFirstAudio = time.Since(s.firstTok)
	}
}

// fail records a skipped sentence. Errors caused by cancellation are not
// failures.
func (s *Session) fail(logger *slog.Logger, err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	s.metrics.FailedSentences++
	s.mu.Unlock()
	metrics.SentenceFailures.Inc()
	logger.Warn("sentence synthesis failed, skipping", "error", err)
}
