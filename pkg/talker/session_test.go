package talker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-duplex/pkg/audio"
	"github.com/teslashibe/go-duplex/pkg/speech"
	"github.com/teslashibe/go-duplex/pkg/tts"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Chunker = speech.ChunkerConfig{MinChars: 10, OptimalChars: 20, MaxChars: 40}
	return cfg
}

func feed(s *Session, text string) {
	for _, word := range strings.SplitAfter(text, " ") {
		s.AddToken(word)
	}
}

// drain reads the queue until it is finished or cancelled.
func drain(t *testing.T, q *audio.Queue) ([]audio.Chunk, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var chunks []audio.Chunk
	for {
		c, err := q.Get(ctx)
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

// blockingStream never yields audio until its context ends.
type blockingStream struct {
	ctx context.Context
}

func (b *blockingStream) Read() ([]byte, error) {
	<-b.ctx.Done()
	return nil, b.ctx.Err()
}

func (b *blockingStream) Close() error { return nil }

func (b *blockingStream) Format() tts.AudioFormat {
	return tts.PCMFormat(tts.EncodingPCM24)
}

func TestSession_TwoSentencesInOrder(t *testing.T) {
	mock := tts.NewMock()
	q := audio.NewQueue(256)
	voice := &tts.VoiceConfig{VoiceID: "voice-1"}

	s, err := New(testConfig(), mock, q, voice)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, s.State())

	feed(s, "The sky is blue. It is a nice day.")
	assert.Equal(t, StateSpeaking, s.State())

	m := s.Finish(context.Background())
	assert.Equal(t, StateComplete, s.State())
	assert.Equal(t, 2, m.Sentences)
	assert.Zero(t, m.FailedSentences)
	assert.False(t, m.Cancelled)
	assert.Positive(t, m.AudioBytes)
	assert.Positive(t, m.TimeToFirstAudio)

	assert.Equal(t, []string{"The sky is blue.", "It is a nice day."}, mock.Texts())

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].PreviousText)
	assert.Equal(t, "The sky is blue.", calls[1].PreviousText)
	assert.Equal(t, "voice-1", calls[1].Voice.VoiceID)

	chunks, err := drain(t, q)
	assert.ErrorIs(t, err, io.EOF)
	require.NotEmpty(t, chunks)

	last := -1
	finals := 0
	bytes := 0
	for _, c := range chunks {
		assert.GreaterOrEqual(t, c.SentenceIndex, last, "chunks out of order")
		last = c.SentenceIndex
		if c.IsFinal {
			finals++
			assert.Empty(t, c.Data)
		}
		bytes += len(c.Data)
	}
	assert.Equal(t, 2, finals)
	assert.Equal(t, m.AudioBytes, bytes)
}

func TestSession_VoiceIsCopied(t *testing.T) {
	mock := tts.NewMock()
	voice := &tts.VoiceConfig{VoiceID: "original", Settings: &tts.VoiceSettings{Stability: 0.5}}

	s, err := New(testConfig(), mock, audio.NewQueue(64), voice)
	require.NoError(t, err)

	voice.VoiceID = "changed"
	voice.Settings.Stability = 0.9

	feed(s, "Hello there, how are you doing?")
	s.Finish(context.Background())

	last := mock.LastCall()
	require.NotNil(t, last)
	assert.Equal(t, "original", last.Voice.VoiceID)
	assert.InDelta(t, 0.5, last.Voice.Settings.Stability, 1e-9)
}

func TestSession_FinishIsIdempotent(t *testing.T) {
	mock := tts.NewMock()
	s, err := New(testConfig(), mock, audio.NewQueue(256), nil)
	require.NoError(t, err)

	feed(s, "The sky is blue. It is a nice day.")
	first := s.Finish(context.Background())
	calls := mock.CallCount("Stream")

	second := s.Finish(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, calls, mock.CallCount("Stream"))
}

func TestSession_EmptyResponse(t *testing.T) {
	mock := tts.NewMock()
	q := audio.NewQueue(16)
	s, err := New(testConfig(), mock, q, nil)
	require.NoError(t, err)

	m := s.Finish(context.Background())
	assert.Zero(t, m.Sentences)
	assert.Equal(t, StateComplete, s.State())
	assert.Zero(t, mock.CallCount("Stream"))

	_, err = q.Get(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSession_FailedSentenceIsSkipped(t *testing.T) {
	mock := tts.NewMock()
	mock.SynthesizeFunc = func(ctx context.Context, req *tts.Request) (*tts.AudioResult, error) {
		if strings.HasPrefix(req.Text, "The sky") {
			return nil, tts.WrapError("mock", tts.ErrProviderUnavailable)
		}
		return tts.SilentResult(req.Text), nil
	}
	q := audio.NewQueue(256)
	s, err := New(testConfig(), mock, q, nil)
	require.NoError(t, err)

	feed(s, "The sky is blue. It is a nice day.")
	m := s.Finish(context.Background())

	assert.Equal(t, 1, m.Sentences)
	assert.Equal(t, 1, m.FailedSentences)
	assert.Equal(t, StateComplete, s.State())

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[1].PreviousText, "a failed sentence is not used as context")

	chunks, err := drain(t, q)
	assert.ErrorIs(t, err, io.EOF)
	for _, c := range chunks {
		assert.Equal(t, 1, c.SentenceIndex)
	}
}

func TestSession_MarkupStripped(t *testing.T) {
	mock := tts.NewMock()
	s, err := New(testConfig(), mock, audio.NewQueue(256), nil)
	require.NoError(t, err)

	feed(s, "**Bold** text here is fine. And `code` works too.")
	s.Finish(context.Background())

	for _, text := range mock.Texts() {
		assert.NotContains(t, text, "**")
		assert.NotContains(t, text, "`")
	}
	assert.Contains(t, strings.Join(mock.Texts(), " "), "Bold text")
}

func TestSession_EmphasisAcrossSentences(t *testing.T) {
	const answer = "Note this: **the oven is very hot. Do not touch it at all.** Thanks for listening."

	cfg := testConfig()
	cfg.Chunker.MaxChars = 200
	mock := tts.NewMock()
	s, err := New(cfg, mock, audio.NewQueue(256), nil)
	require.NoError(t, err)
	feed(s, answer)
	s.Finish(context.Background())
	assert.Equal(t, []string{
		"Note this: the oven is very hot. Do not touch it at all.",
		"Thanks for listening.",
	}, mock.Texts())

	// A forced cut inside the span still leaves no marker behind.
	mock = tts.NewMock()
	s, err = New(testConfig(), mock, audio.NewQueue(256), nil)
	require.NoError(t, err)
	feed(s, answer)
	s.Finish(context.Background())
	require.NotEmpty(t, mock.Texts())
	for _, text := range mock.Texts() {
		assert.NotContains(t, text, "*")
	}
}

func TestSession_CharactersCountRunes(t *testing.T) {
	mock := tts.NewMock()
	s, err := New(testConfig(), mock, audio.NewQueue(256), nil)
	require.NoError(t, err)

	feed(s, "Café über alles. Ça va très bien.")
	m := s.Finish(context.Background())

	texts := mock.Texts()
	require.Equal(t, []string{"Café über alles.", "Ça va très bien."}, texts)
	assert.Equal(t, 32, m.Characters)
	assert.Equal(t, utf8.RuneCountInString(texts[0])+utf8.RuneCountInString(texts[1]), m.Characters)
	assert.Less(t, m.Characters, len(texts[0])+len(texts[1]))
}

func TestSession_CancelMidSentence(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once

	mock := tts.NewMock()
	mock.StreamFunc = func(ctx context.Context, req *tts.Request) (tts.AudioStream, error) {
		if strings.HasPrefix(req.Text, "It is") {
			once.Do(func() { close(started) })
			return &blockingStream{ctx: ctx}, nil
		}
		return newSilentStream(req.Text), nil
	}

	q := audio.NewQueue(256)
	s, err := New(testConfig(), mock, q, nil)
	require.NoError(t, err)

	var got []audio.Chunk
	var getErr error
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		got, getErr = drain(t, q)
	}()

	feed(s, "The sky is blue. It is a nice day. Then it rains.")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("second sentence never started")
	}

	s.Cancel()
	assert.Equal(t, StateCancelled, s.State())
	assert.Zero(t, q.Len())

	<-consumed
	assert.ErrorIs(t, getErr, audio.ErrCancelled)
	for _, c := range got {
		assert.Zero(t, c.SentenceIndex, "no audio from the cancelled sentence onward")
	}

	enqueued, _ := q.Stats()
	s.AddToken("More words after cancel. ")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m := s.Finish(ctx)
	assert.True(t, m.Cancelled)
	assert.Zero(t, m.FailedSentences, "cancellation is not a failure")
	assert.Equal(t, StateCancelled, s.State())

	after, _ := q.Stats()
	assert.Equal(t, enqueued, after)
	assert.Equal(t, 2, mock.CallCount("Stream"))
}

// silentStream hands out silence in fixed pieces.
type silentStream struct {
	data []byte
}

func newSilentStream(text string) *silentStream {
	return &silentStream{data: tts.SilentResult(text).Audio}
}

func (s *silentStream) Read() ([]byte, error) {
	if len(s.data) == 0 {
		return nil, nil
	}
	n := min(len(s.data), 4800)
	chunk := s.data[:n]
	s.data = s.data[n:]
	return chunk, nil
}

func (s *silentStream) Close() error { return nil }

func (s *silentStream) Format() tts.AudioFormat {
	return tts.PCMFormat(tts.EncodingPCM24)
}

func TestSession_CancelIsIdempotent(t *testing.T) {
	s, err := New(testConfig(), tts.NewMock(), audio.NewQueue(16), nil)
	require.NoError(t, err)

	s.Cancel()
	s.Cancel()
	assert.Equal(t, StateCancelled, s.State())

	m := s.Finish(context.Background())
	assert.True(t, m.Cancelled)
}

func TestSession_CancelAfterCompleteFlushesQueue(t *testing.T) {
	q := audio.NewQueue(256)
	s, err := New(testConfig(), tts.NewMock(), q, nil)
	require.NoError(t, err)

	feed(s, "The sky is blue. It is a nice day.")
	s.Finish(context.Background())
	require.Positive(t, q.Len())

	s.Cancel()
	assert.Zero(t, q.Len())
	assert.True(t, s.Metrics().Cancelled)
}

func TestSession_FinishHonoursContext(t *testing.T) {
	mock := tts.NewMock()
	mock.StreamFunc = func(ctx context.Context, req *tts.Request) (tts.AudioStream, error) {
		return &blockingStream{ctx: ctx}, nil
	}
	s, err := New(testConfig(), mock, audio.NewQueue(16), nil)
	require.NoError(t, err)

	feed(s, "This sentence never finishes speaking.")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	m := s.Finish(ctx)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, m.Sentences)

	s.Cancel()
	done, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.True(t, s.Finish(done).Cancelled)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testConfig(), nil, audio.NewQueue(1), nil)
	assert.Error(t, err)

	_, err = New(testConfig(), tts.NewMock(), nil, nil)
	assert.Error(t, err)
}

func TestSession_ProviderErrorIsNotFatal(t *testing.T) {
	mock := tts.WithError(errors.New("boom"))
	s, err := New(testConfig(), mock, audio.NewQueue(16), nil)
	require.NoError(t, err)

	feed(s, "The sky is blue. It is a nice day.")
	m := s.Finish(context.Background())
	assert.Equal(t, 2, m.FailedSentences)
	assert.Equal(t, StateComplete, s.State())
}
