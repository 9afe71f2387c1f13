package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/teslashibe/go-duplex/internal/metrics"
	"github.com/teslashibe/go-duplex/pkg/audio"
	"github.com/teslashibe/go-duplex/pkg/audioquality"
	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/network"
	"github.com/teslashibe/go-duplex/pkg/talker"
	"github.com/teslashibe/go-duplex/pkg/tts"
)

// Barge-in sources.
const (
	BargeInClient  = "client"
	BargeInVAD     = "vad"
	BargeInNewTurn = "new_turn"
)

// previousTurnWait bounds how long a new turn waits for the interrupted
// one to wind down.
const previousTurnWait = 2 * time.Second

// Common errors returned by conversations.
var (
	ErrClosed     = errors.New("voice: conversation closed")
	ErrEmptyInput = errors.New("voice: empty user input")
)

// Conversation orchestrates the turns of one connected client. Only one
// turn is active at a time; starting a new one interrupts the previous.
type Conversation struct {
	svc    *Service
	cfg    Config
	id     string
	userID string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	net       *network.Manager
	analyzer  *audioquality.Analyzer
	detector  *audioquality.BargeInDetector
	limiter   *rate.Limiter
	collector *MetricsCollector

	startMu sync.Mutex

	mu      sync.Mutex
	current *Turn
	voice   *tts.VoiceConfig
	closed  bool
	events  chan Event
}

// NewConversation creates the orchestrator for one client connection.
// It ends when ctx ends or Close is called.
func (s *Service) NewConversation(ctx context.Context, conversationID, userID string) *Conversation {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	cfg := s.cfg
	ctx, cancel := context.WithCancel(ctx)

	interval := cfg.QualityEventInterval
	if interval <= 0 {
		interval = time.Second
	}

	c := &Conversation{
		svc:    s,
		cfg:    cfg,
		id:     conversationID,
		userID: userID,
		logger: cfg.Logger.With(
			"component", "voice.conversation",
			"conversation_id", conversationID,
		),
		ctx:       ctx,
		cancel:    cancel,
		net:       network.NewManager(cfg.Network),
		analyzer:  audioquality.New(cfg.Quality),
		detector:  audioquality.NewBargeInDetector(cfg.BargeIn),
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		collector: NewMetricsCollector(),
		events:    make(chan Event, cfg.EventBuffer),
	}

	metrics.RecordQualityChange("", string(c.net.Quality()))
	c.net.OnQualityChange(c.qualityChanged)
	return c
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	return c.id
}

// Events returns conversation-level events: quality, network, barge-in
// and session failure. It is closed by Close. Events are dropped when
// the reader falls behind.
func (c *Conversation) Events() <-chan Event {
	return c.events
}

// Network returns the link quality manager.
func (c *Conversation) Network() *network.Manager {
	return c.net
}

// Metrics returns the per-turn latency collector.
func (c *Conversation) Metrics() *MetricsCollector {
	return c.collector
}

// SetVoice overrides the configured voice for turns started afterwards.
func (c *Conversation) SetVoice(v tts.VoiceConfig) {
	c.mu.Lock()
	c.voice = &v
	c.mu.Unlock()
}

// Current returns the most recent turn, or nil.
func (c *Conversation) Current() *Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// StartTurn answers text. A running turn is interrupted first. When the
// link is too poor for audio the turn is text-only.
func (c *Conversation) StartTurn(text string, mode conversation.SourceMode) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	prev := c.current
	voice := c.voice
	c.mu.Unlock()

	if prev != nil {
		if prev.Active() && prev.Interrupt() {
			c.bargedIn(BargeInNewTurn)
		}
		c.waitFor(prev)
	}

	th, err := c.svc.CreateSession(c.id, c.userID)
	if err != nil {
		return nil, fmt.Errorf("voice: create thinker session: %w", err)
	}

	var (
		queue *audio.Queue
		tk    *talker.Session
	)
	deg := c.net.DegradationStrategy()
	if !deg.TextOnly {
		queue = audio.NewQueue(c.cfg.QueueCapacity)
		tk, err = c.svc.StartSession(queue, voice)
		if err != nil {
			return nil, fmt.Errorf("voice: start talker session: %w", err)
		}
	}

	id := uuid.NewString()
	c.collector.MarkTranscript(id)

	run, err := th.Think(c.ctx, text, mode)
	if err != nil {
		if tk != nil {
			tk.Cancel()
		}
		return nil, fmt.Errorf("voice: think: %w", err)
	}

	t := newTurn(id, c, th, tk, queue)
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()

	t.logger.Debug("turn started", "text_only", t.textOnly, "strategy", deg.Strategy)
	go t.pump(c.ctx, run)
	return t, nil
}

// waitFor gives an interrupted turn a bounded time to finish so its
// telemetry is not mixed with the next turn's.
func (c *Conversation) waitFor(t *Turn) {
	timer := time.NewTimer(previousTurnWait)
	defer timer.Stop()
	select {
	case <-t.Done():
	case <-timer.C:
		t.logger.Warn("previous turn did not finish in time")
	case <-c.ctx.Done():
	}
}

// BargeIn interrupts the current turn: audio already queued is dropped
// before BargeIn returns and no further audio is produced. It reports
// whether anything was interrupted.
func (c *Conversation) BargeIn(source string) bool {
	t := c.Current()
	if t == nil || !t.Active() {
		return false
	}
	if !t.Interrupt() {
		return false
	}
	c.bargedIn(source)
	return true
}

func (c *Conversation) bargedIn(source string) {
	c.detector.Reset()
	metrics.RecordBargeIn(source)
	c.logger.Info("barge-in", "source", source)
	c.notify(Event{Type: EventBargeIn, BargeInSrc: source})
}

// ProcessAudio analyses one inbound PCM16 frame. It publishes a quality
// event at most once per QualityEventInterval and, with AutoBargeIn,
// interrupts playback once the user has been speaking for a few frames.
func (c *Conversation) ProcessAudio(pcm []byte) audioquality.Metrics {
	c.collector.IncrementAudioIn()
	m := c.analyzer.Analyze(pcm)

	if c.limiter.Allow() {
		c.notify(Event{
			Type: EventQuality,
			Quality: &QualityReport{
				Metrics:    m,
				Acceptable: c.analyzer.IsAcceptable(m),
			},
		})
	}

	if c.cfg.AutoBargeIn && c.detector.Observe(m) {
		if t := c.Current(); t != nil && t.Speaking() {
			c.BargeIn(BargeInVAD)
		}
	}
	return m
}

// RecordNetworkSample feeds a client-reported latency and loss sample.
func (c *Conversation) RecordNetworkSample(latency time.Duration, lossPct float64) network.Metrics {
	return c.net.RecordSample(latency, lossPct)
}

// Reconnect runs the bounded reconnection sequence with check. When it is
// abandoned a session_failed event is published and the error, wrapping
// network.ErrReconnectAbandoned, is returned.
func (c *Conversation) Reconnect(ctx context.Context, check func(context.Context) error) error {
	err := c.net.Reconnect(ctx, check)
	switch {
	case err == nil:
		metrics.RecordReconnect(true)
	case errors.Is(err, network.ErrReconnectAbandoned):
		metrics.RecordReconnect(false)
		c.logger.Error("reconnection abandoned", "error", err)
		c.notify(Event{Type: EventSessionFailed, Err: err})
	}
	return err
}

// Close interrupts the current turn and ends the conversation.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	t := c.current
	c.mu.Unlock()

	if t != nil {
		t.Interrupt()
	}
	c.cancel()
	c.net.OnQualityChange(nil)
	metrics.RecordQualityChange(string(c.net.Quality()), "")

	c.mu.Lock()
	close(c.events)
	c.mu.Unlock()
	c.logger.Debug("conversation closed")
}

func (c *Conversation) qualityChanged(from, to network.Quality) {
	metrics.RecordQualityChange(string(from), string(to))
	c.notify(Event{
		Type: EventNetwork,
		Network: &NetworkReport{
			From:        from,
			To:          to,
			Metrics:     c.net.Metrics(),
			Degradation: c.net.DegradationStrategy(),
			Adjustments: network.AdjustmentsFor(to),
		},
	})
}

func (c *Conversation) turnFinished(t *Turn) {
	c.mu.Lock()
	current := c.current == t
	c.mu.Unlock()
	if current {
		c.detector.Reset()
	}
}

// notify publishes a conversation event without blocking.
func (c *Conversation) notify(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("event dropped", "type", ev.Type)
	}
}
