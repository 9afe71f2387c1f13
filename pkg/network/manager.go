package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrReconnectAbandoned is returned by Reconnect when every attempt failed.
// It is the only fatal condition of a voice session.
var ErrReconnectAbandoned = errors.New("network: reconnection abandoned")

// Config configures a Manager.
type Config struct {
	Thresholds Thresholds

	// Window is the number of samples averaged into Metrics.
	Window int

	// BufferIncrement is the extra playback buffer for buffer_more.
	BufferIncrement time.Duration

	// ReconnectBase is the delay after the first failed check.
	ReconnectBase time.Duration

	// ReconnectMax caps the delay between checks.
	ReconnectMax time.Duration

	// ReconnectAttempts is the maximum number of checks.
	ReconnectAttempts int

	Logger *slog.Logger
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds:        DefaultThresholds(),
		Window:            10,
		BufferIncrement:   100 * time.Millisecond,
		ReconnectBase:     500 * time.Millisecond,
		ReconnectMax:      8 * time.Second,
		ReconnectAttempts: 5,
		Logger:            slog.Default(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	th := c.Thresholds
	if th.ExcellentLatency > th.GoodLatency || th.GoodLatency > th.FairLatency {
		return fmt.Errorf("network: latency thresholds must be ascending")
	}
	if th.ExcellentLossPct > th.GoodLossPct || th.GoodLossPct > th.MaxLossPct {
		return fmt.Errorf("network: loss thresholds must be ascending")
	}
	if c.Window <= 0 {
		return fmt.Errorf("network: window must be positive")
	}
	if c.ReconnectAttempts <= 0 {
		return fmt.Errorf("network: reconnect attempts must be positive")
	}
	return nil
}

// Metrics is a snapshot of link quality over the sample window.
type Metrics struct {
	LatencyMs     float64 `json:"latency_ms"`
	JitterMs      float64 `json:"jitter_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
	BandwidthKbps float64 `json:"bandwidth_kbps"`
	Quality       Quality `json:"quality"`
	Samples       int     `json:"samples"`
}

// Manager tracks link quality for one connection.
// It is safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	latencies []float64
	losses    []float64
	bandwidth []float64
	connected bool
	resumed   chan struct{} // closed while connected
	quality   Quality

	onChange func(from, to Quality)
}

// NewManager creates a manager. Invalid configuration falls back to the
// defaults for the offending fields.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = cfg.ReconnectBase
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	resumed := make(chan struct{})
	close(resumed)
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "network.manager"),
		connected: true,
		resumed:   resumed,
		quality:   QualityGood,
	}
}

// OnQualityChange registers a callback invoked after every tier change.
// It runs on the goroutine that recorded the sample.
func (m *Manager) OnQualityChange(fn func(from, to Quality)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// RecordSample adds a latency/loss measurement and returns fresh metrics.
func (m *Manager) RecordSample(latency time.Duration, lossPct float64) Metrics {
	m.mu.Lock()
	m.latencies = pushWindow(m.latencies, float64(latency)/float64(time.Millisecond), m.cfg.Window)
	m.losses = pushWindow(m.losses, clampPct(lossPct), m.cfg.Window)
	metrics, change := m.refreshLocked()
	m.mu.Unlock()

	change()
	return metrics
}

// RecordBandwidth adds a throughput measurement of n bytes over d.
func (m *Manager) RecordBandwidth(n int, d time.Duration) {
	if n <= 0 || d <= 0 {
		return
	}
	kbps := float64(n) * 8 / 1000 / d.Seconds()

	m.mu.Lock()
	m.bandwidth = pushWindow(m.bandwidth, kbps, m.cfg.Window)
	m.mu.Unlock()
}

// SetConnected updates the connection flag.
func (m *Manager) SetConnected(connected bool) {
	m.mu.Lock()
	switch {
	case connected && !m.connected:
		close(m.resumed)
	case !connected && m.connected:
		m.resumed = make(chan struct{})
	}
	m.connected = connected
	_, change := m.refreshLocked()
	m.mu.Unlock()

	change()
}

// Connected reports the connection flag.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Resumed returns a channel that is closed once the link is connected.
// While connected the returned channel is already closed.
func (m *Manager) Resumed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumed
}

// AssessQuality maps a single measurement to a tier, honouring the
// connection flag.
func (m *Manager) AssessQuality(latency time.Duration, lossPct float64) Quality {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return QualityDisconnected
	}
	return Assess(m.cfg.Thresholds, latency, lossPct)
}

// Metrics returns the current snapshot.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Quality returns the current tier.
func (m *Manager) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// DegradationStrategy picks the response to the current metrics.
func (m *Manager) DegradationStrategy() Degradation {
	m.mu.Lock()
	metrics := m.snapshotLocked()
	m.mu.Unlock()

	switch metrics.Quality {
	case QualityDisconnected:
		return Degradation{Strategy: StrategyReconnect, PauseAudio: true, TextOnly: true}
	case QualityPoor:
		return Degradation{Strategy: StrategyFallbackText, TextOnly: true}
	case QualityFair:
		return Degradation{Strategy: StrategyBufferMore, ExtraBuffer: m.cfg.BufferIncrement}
	case QualityGood:
		if metrics.LatencyMs > float64(m.cfg.Thresholds.ExcellentLatency)/float64(time.Millisecond) {
			return Degradation{Strategy: StrategyReduceQuality}
		}
	}
	return Degradation{Strategy: StrategyNone}
}

// VoiceAdjustments returns the adjustments for the current tier.
func (m *Manager) VoiceAdjustments() VoiceAdjustments {
	return AdjustmentsFor(m.Quality())
}

// ReconnectDelay returns the wait after the given zero-based failed attempt.
func (m *Manager) ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(m.cfg.ReconnectBase) * math.Pow(2, float64(attempt))
	if d > float64(m.cfg.ReconnectMax) {
		return m.cfg.ReconnectMax
	}
	return time.Duration(d)
}

// Reconnect marks the link disconnected and calls check until it succeeds,
// waiting ReconnectDelay between attempts. After ReconnectAttempts
// failures it returns an error wrapping ErrReconnectAbandoned. If ctx ends
// first, the context error is returned.
func (m *Manager) Reconnect(ctx context.Context, check func(context.Context) error) error {
	m.SetConnected(false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectBase
	b.MaxInterval = m.cfg.ReconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(m.cfg.ReconnectAttempts-1)),
		ctx,
	)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return check(ctx)
	}, policy, func(err error, wait time.Duration) {
		m.logger.Warn("reconnect check failed",
			"attempt", attempts,
			"next_delay", wait,
			"error", err,
		)
	})

	if err == nil {
		m.logger.Info("reconnected", "attempts", attempts)
		m.SetConnected(true)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrReconnectAbandoned, attempts, err)
}

// refreshLocked recomputes the tier and returns a function that fires the
// change callback, to be called after unlocking.
func (m *Manager) refreshLocked() (Metrics, func()) {
	metrics := m.snapshotLocked()
	prev := m.quality
	m.quality = metrics.Quality

	if prev == metrics.Quality || m.onChange == nil {
		return metrics, func() {}
	}
	fn := m.onChange
	m.logger.Debug("quality changed", "from", prev, "to", metrics.Quality)
	return metrics, func() { fn(prev, metrics.Quality) }
}

func (m *Manager) snapshotLocked() Metrics {
	metrics := Metrics{
		LatencyMs:     mean(m.latencies),
		JitterMs:      jitter(m.latencies),
		PacketLossPct: mean(m.losses),
		BandwidthKbps: mean(m.bandwidth),
		Samples:       len(m.latencies),
	}

	switch {
	case !m.connected:
		metrics.Quality = QualityDisconnected
	case len(m.latencies) == 0:
		metrics.Quality = QualityGood
	default:
		latency := time.Duration(metrics.LatencyMs * float64(time.Millisecond))
		metrics.Quality = Assess(m.cfg.Thresholds, latency, metrics.PacketLossPct)
	}
	return metrics
}

func pushWindow(w []float64, v float64, size int) []float64 {
	w = append(w, v)
	if len(w) > size {
		w = append(w[:0:0], w[len(w)-size:]...)
	}
	return w
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// jitter is the mean absolute difference between consecutive samples.
func jitter(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(v); i++ {
		sum += math.Abs(v[i] - v[i-1])
	}
	return sum / float64(len(v)-1)
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
