//go:build integration

package tts_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/teslashibe/go-duplex/pkg/tts"
)

// Run with: go test -tags=integration -v ./pkg/tts/...
//
// Each live provider streams two sentences of one utterance, the second
// carrying the first as PreviousText, and must return 24kHz PCM.
func TestProvidersIntegration(t *testing.T) {
	providers := []struct {
		name string
		env  string
		new  func(key string) (tts.Provider, error)
	}{
		{"elevenlabs", "ELEVENLABS_API_KEY", func(key string) (tts.Provider, error) {
			return tts.NewElevenLabs(tts.WithAPIKey(key), tts.WithOutputFormat(tts.EncodingPCM24))
		}},
		{"elevenlabs-ws", "ELEVENLABS_API_KEY", func(key string) (tts.Provider, error) {
			return tts.NewElevenLabsWS(tts.WithAPIKey(key))
		}},
		{"openai", "OPENAI_API_KEY", func(key string) (tts.Provider, error) {
			return tts.NewOpenAI(tts.WithAPIKey(key))
		}},
	}

	for _, p := range providers {
		t.Run(p.name, func(t *testing.T) {
			key := os.Getenv(p.env)
			if key == "" {
				t.Skipf("%s not set", p.env)
			}
			provider, err := p.new(key)
			if err != nil {
				t.Fatalf("create provider: %v", err)
			}
			defer provider.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := provider.Health(ctx); err != nil {
				t.Fatalf("health: %v", err)
			}

			first := "Let me check that for you."
			for _, req := range []*tts.Request{
				{Text: first},
				{Text: "It should only take a moment.", PreviousText: first},
			} {
				stream, err := provider.Stream(ctx, req)
				if err != nil {
					t.Fatalf("stream %q: %v", req.Text, err)
				}
				pcm, err := tts.ReadAll(stream)
				stream.Close()
				if err != nil {
					t.Fatalf("read %q: %v", req.Text, err)
				}
				if got := stream.Format().SampleRate; got != 24000 {
					t.Errorf("sample rate = %d, want 24000", got)
				}
				d := tts.PCMDuration(len(pcm), 24000)
				t.Logf("%q: %d bytes, %v of audio", req.Text, len(pcm), d)
				if d < 300*time.Millisecond {
					t.Errorf("audio too short: %v", d)
				}
			}
		})
	}
}

// A chain whose first provider has a bad key falls back to the live one.
func TestChainFallbackIntegration(t *testing.T) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		t.Skip("OPENAI_API_KEY not set")
	}

	broken, err := tts.NewElevenLabs(tts.WithAPIKey("invalid"), tts.WithRetry(0, 0))
	if err != nil {
		t.Fatalf("create elevenlabs: %v", err)
	}
	live, err := tts.NewOpenAI(tts.WithAPIKey(key))
	if err != nil {
		t.Fatalf("create openai: %v", err)
	}
	chain, err := tts.NewChain(broken, live)
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	defer chain.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := chain.Synthesize(ctx, &tts.Request{Text: "Falling back still sounds fine."})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(result.Audio) == 0 {
		t.Error("no audio from fallback provider")
	}
}
