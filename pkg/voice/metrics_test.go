package voice

import (
	"strings"
	"testing"
	"time"
)

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()

	// Simulate a conversation turn
	mc.MarkTranscript("turn-1")
	time.Sleep(10 * time.Millisecond)
	mc.MarkFirstToken()
	mc.MarkFirstToken()
	time.Sleep(10 * time.Millisecond)
	mc.MarkFirstAudio()
	mc.MarkFirstAudio()
	mc.MarkToolCall()
	mc.IncrementAudioIn()
	time.Sleep(10 * time.Millisecond)
	done := mc.MarkResponseDone("complete")

	metrics := mc.Current()

	if metrics.TurnID != "turn-1" {
		t.Errorf("expected turn-1, got %s", metrics.TurnID)
	}

	if metrics.LLMFirstToken <= 0 {
		t.Errorf("expected positive first token latency, got %v", metrics.LLMFirstToken)
	}

	if metrics.TTSFirstAudio <= metrics.LLMFirstToken {
		t.Errorf("expected first audio after first token, got %v <= %v", metrics.TTSFirstAudio, metrics.LLMFirstToken)
	}

	if metrics.TotalLatency < metrics.TTSFirstAudio {
		t.Errorf("expected total latency >= first audio, got %v", metrics.TotalLatency)
	}

	if metrics.TokensGenerated != 2 || metrics.AudioChunksOut != 2 || metrics.ToolCalls != 1 || metrics.AudioChunksIn != 1 {
		t.Errorf("unexpected counts: %+v", metrics)
	}

	if done.Outcome != "complete" {
		t.Errorf("expected outcome complete, got %s", done.Outcome)
	}

	if mc.Turns() != 1 {
		t.Errorf("expected 1 turn in history, got %d", mc.Turns())
	}
}

func TestMetricsFirstMarksOnlyOnce(t *testing.T) {
	mc := NewMetricsCollector()
	mc.MarkTranscript("turn-1")
	mc.MarkFirstToken()
	first := mc.Current().FirstTokenTime

	time.Sleep(5 * time.Millisecond)
	mc.MarkFirstToken()

	if !mc.Current().FirstTokenTime.Equal(first) {
		t.Error("first token time moved")
	}
}

func TestMetricsAverage(t *testing.T) {
	mc := NewMetricsCollector()

	if avg := mc.Average(); avg.TotalLatency != 0 {
		t.Errorf("expected empty average, got %v", avg.TotalLatency)
	}

	for i := 0; i < 3; i++ {
		mc.MarkTranscript("turn")
		mc.MarkResponseDone("complete")
	}
	if mc.Turns() != 3 {
		t.Errorf("expected 3 turns, got %d", mc.Turns())
	}
}

func TestMetricsOnUpdate(t *testing.T) {
	mc := NewMetricsCollector()
	updates := make(chan Metrics, 8)
	mc.OnUpdate(func(m Metrics) { updates <- m })

	mc.MarkTranscript("turn-7")

	select {
	case m := <-updates:
		if m.TurnID != "turn-7" {
			t.Errorf("expected turn-7, got %s", m.TurnID)
		}
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
}

func TestMetricsFormatLatency(t *testing.T) {
	m := Metrics{
		LLMFirstToken: 320 * time.Millisecond,
		TTSFirstAudio: 510 * time.Millisecond,
		TotalLatency:  2 * time.Second,
	}

	formatted := m.FormatLatency()

	if !strings.Contains(formatted, "320ms LLM") {
		t.Errorf("unexpected format: %s", formatted)
	}

	empty := Metrics{}
	if !strings.Contains(empty.FormatLatency(), "---ms") {
		t.Errorf("expected placeholder for missing stages: %s", empty.FormatLatency())
	}
}
