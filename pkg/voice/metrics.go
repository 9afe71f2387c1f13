package voice

import (
	"sync"
	"time"

	"github.com/teslashibe/go-duplex/internal/metrics"
)

// historySize is the number of turns kept for averaging.
const historySize = 100

// Metrics tracks latency at each stage of one turn.
// All durations are measured from the moment the transcript arrived.
type Metrics struct {
	TurnID  string `json:"turn_id"`
	Outcome string `json:"outcome,omitempty"`

	// Timestamps for key events
	TranscriptTime   time.Time `json:"transcript_time"`
	FirstTokenTime   time.Time `json:"first_token_time"`
	FirstAudioTime   time.Time `json:"first_audio_time"`
	ResponseDoneTime time.Time `json:"response_done_time"`

	// Computed latencies (from transcript)
	LLMFirstToken time.Duration `json:"llm_first_token"`
	TTSFirstAudio time.Duration `json:"tts_first_audio"`
	TotalLatency  time.Duration `json:"total_latency"`

	// Counts for this turn
	AudioChunksIn   int `json:"audio_chunks_in"`
	AudioChunksOut  int `json:"audio_chunks_out"`
	TokensGenerated int `json:"tokens_generated"`
	ToolCalls       int `json:"tool_calls"`
}

// MetricsCollector collects latency metrics during a conversation turn.
// It is goroutine-safe and can be used from multiple callbacks.
type MetricsCollector struct {
	mu      sync.Mutex
	current Metrics
	history []Metrics

	onUpdate func(Metrics)
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		history: make([]Metrics, 0, historySize),
	}
}

// OnUpdate sets a callback that fires whenever metrics are updated.
func (m *MetricsCollector) OnUpdate(fn func(Metrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// MarkTranscript starts a new turn. It is the reference point for all
// latency measurements.
func (m *MetricsCollector) MarkTranscript(turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Metrics{
		TurnID:         turnID,
		TranscriptTime: time.Now(),
	}
	m.notify()
}

// MarkFirstToken records when the LLM generated its first token.
func (m *MetricsCollector) MarkFirstToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.TokensGenerated++
	if m.current.FirstTokenTime.IsZero() {
		m.current.FirstTokenTime = time.Now()
		if !m.current.TranscriptTime.IsZero() {
			m.current.LLMFirstToken = m.current.FirstTokenTime.Sub(m.current.TranscriptTime)
		}
		m.notify()
	}
}

// MarkFirstAudio records when the first audio chunk left the queue.
func (m *MetricsCollector) MarkFirstAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.AudioChunksOut++
	if m.current.FirstAudioTime.IsZero() {
		m.current.FirstAudioTime = time.Now()
		if !m.current.TranscriptTime.IsZero() {
			m.current.TTSFirstAudio = m.current.FirstAudioTime.Sub(m.current.TranscriptTime)
		}
		m.notify()
	}
}

// MarkToolCall counts a tool invocation.
func (m *MetricsCollector) MarkToolCall() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.ToolCalls++
}

// MarkResponseDone closes the turn with its outcome and feeds the
// Prometheus collectors.
func (m *MetricsCollector) MarkResponseDone(outcome string) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Outcome = outcome
	m.current.ResponseDoneTime = time.Now()
	if !m.current.TranscriptTime.IsZero() {
		m.current.TotalLatency = m.current.ResponseDoneTime.Sub(m.current.TranscriptTime)
	}

	m.history = append(m.history, m.current)
	if len(m.history) > historySize {
		m.history = m.history[1:]
	}
	metrics.RecordTurn(outcome, m.current.LLMFirstToken, m.current.TTSFirstAudio)
	m.notify()
	return m.current
}

// IncrementAudioIn increments the count of audio frames received.
func (m *MetricsCollector) IncrementAudioIn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.AudioChunksIn++
}

// Current returns the current metrics snapshot.
func (m *MetricsCollector) Current() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Turns returns the number of finished turns in the history.
func (m *MetricsCollector) Turns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// Average returns average latencies over recent turns.
func (m *MetricsCollector) Average() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return Metrics{}
	}

	var avg Metrics
	for _, h := range m.history {
		avg.LLMFirstToken += h.LLMFirstToken
		avg.TTSFirstAudio += h.TTSFirstAudio
		avg.TotalLatency += h.TotalLatency
	}

	n := time.Duration(len(m.history))
	avg.LLMFirstToken /= n
	avg.TTSFirstAudio /= n
	avg.TotalLatency /= n

	return avg
}

// notify calls the update callback if set.
// Must be called with mutex held.
func (m *MetricsCollector) notify() {
	if m.onUpdate != nil {
		metrics := m.current
		go m.onUpdate(metrics)
	}
}

// FormatLatency returns a formatted string of the turn's latencies.
func (m *Metrics) FormatLatency() string {
	return formatDuration(m.LLMFirstToken) + " LLM | " +
		formatDuration(m.TTSFirstAudio) + " TTS | " +
		formatDuration(m.TotalLatency) + " TOTAL"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}
