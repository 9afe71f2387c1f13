package network_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-duplex/pkg/network"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestAssess(t *testing.T) {
	th := network.DefaultThresholds()
	tests := []struct {
		latency time.Duration
		loss    float64
		want    network.Quality
	}{
		{ms(50), 0, network.QualityExcellent},
		{ms(100), 1, network.QualityExcellent},
		{ms(150), 0, network.QualityGood},
		{ms(50), 2, network.QualityGood},
		{ms(300), 0, network.QualityFair},
		{ms(50), 4.5, network.QualityFair},
		{ms(500), 0, network.QualityPoor},
		{ms(50), 10, network.QualityPoor},
	}
	for _, tt := range tests {
		got := network.Assess(th, tt.latency, tt.loss)
		assert.Equal(t, tt.want, got, "latency=%v loss=%v", tt.latency, tt.loss)
	}
}

func TestAssessMonotonicInLatency(t *testing.T) {
	th := network.DefaultThresholds()
	for _, loss := range []float64{0, 0.5, 2, 4, 8} {
		prev := network.Assess(th, 0, loss)
		for l := 0; l <= 1000; l += 5 {
			q := network.Assess(th, ms(l), loss)
			require.GreaterOrEqual(t, q.Rank(), prev.Rank(), "latency %dms loss %v", l, loss)
			prev = q
		}
	}
}

func TestAssessMonotonicInLoss(t *testing.T) {
	th := network.DefaultThresholds()
	for _, l := range []int{10, 150, 300, 600} {
		prev := network.Assess(th, ms(l), 0)
		for loss := 0.0; loss <= 20; loss += 0.25 {
			q := network.Assess(th, ms(l), loss)
			require.GreaterOrEqual(t, q.Rank(), prev.Rank())
			prev = q
		}
	}
}

func TestManagerExcellentWindow(t *testing.T) {
	m := network.NewManager(network.DefaultConfig())
	for _, l := range []int{50, 60, 55} {
		m.RecordSample(ms(l), 0)
	}
	metrics := m.Metrics()
	assert.Equal(t, network.QualityExcellent, metrics.Quality)
	assert.InDelta(t, 55, metrics.LatencyMs, 0.001)
	assert.InDelta(t, 7.5, metrics.JitterMs, 0.001)
	assert.Equal(t, 3, metrics.Samples)
	assert.Equal(t, network.StrategyNone, m.DegradationStrategy().Strategy)
}

func TestManagerWindowRolls(t *testing.T) {
	cfg := network.DefaultConfig()
	cfg.Window = 3
	m := network.NewManager(cfg)
	for _, l := range []int{900, 900, 900, 50, 50, 50} {
		m.RecordSample(ms(l), 0)
	}
	assert.Equal(t, network.QualityExcellent, m.Quality())
	assert.Equal(t, 3, m.Metrics().Samples)
}

func TestDegradationStrategy(t *testing.T) {
	tests := []struct {
		name      string
		latency   int
		loss      float64
		connected bool
		want      network.Strategy
		pause     bool
		textOnly  bool
	}{
		{"excellent", 40, 0, true, network.StrategyNone, false, false},
		{"good by latency", 150, 0, true, network.StrategyReduceQuality, false, false},
		{"good by loss only", 50, 2, true, network.StrategyNone, false, false},
		{"fair", 300, 0, true, network.StrategyBufferMore, false, false},
		{"poor", 800, 0, true, network.StrategyFallbackText, false, true},
		{"disconnected", 40, 0, false, network.StrategyReconnect, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := network.NewManager(network.DefaultConfig())
			m.RecordSample(ms(tt.latency), tt.loss)
			m.SetConnected(tt.connected)

			d := m.DegradationStrategy()
			assert.Equal(t, tt.want, d.Strategy)
			assert.Equal(t, tt.pause, d.PauseAudio)
			assert.Equal(t, tt.textOnly, d.TextOnly)
			if tt.want == network.StrategyBufferMore {
				assert.Equal(t, 100*time.Millisecond, d.ExtraBuffer)
			}
		})
	}
}

func TestAdjustmentsForEveryTier(t *testing.T) {
	tiers := []network.Quality{
		network.QualityExcellent, network.QualityGood, network.QualityFair,
		network.QualityPoor, network.QualityDisconnected,
	}
	prevBuffer := time.Duration(0)
	for _, q := range tiers {
		a := network.AdjustmentsFor(q)
		assert.Greater(t, a.VADSensitivity, 0.0, q)
		assert.Greater(t, a.SampleRate, 0, q)
		assert.Greater(t, a.BufferDuration, prevBuffer, "buffer grows as quality drops: %s", q)
		prevBuffer = a.BufferDuration
	}
	assert.False(t, network.AdjustmentsFor(network.QualityExcellent).Compression)
	assert.True(t, network.AdjustmentsFor(network.QualityPoor).Compression)
}

func TestAssessQualityHonoursConnection(t *testing.T) {
	m := network.NewManager(network.DefaultConfig())
	assert.Equal(t, network.QualityExcellent, m.AssessQuality(ms(10), 0))
	m.SetConnected(false)
	assert.Equal(t, network.QualityDisconnected, m.AssessQuality(ms(10), 0))
}

func TestQualityChangeCallback(t *testing.T) {
	m := network.NewManager(network.DefaultConfig())
	var changes [][2]network.Quality
	m.OnQualityChange(func(from, to network.Quality) {
		changes = append(changes, [2]network.Quality{from, to})
	})

	m.RecordSample(ms(20), 0)
	m.RecordSample(ms(20), 0)
	m.SetConnected(false)

	require.Len(t, changes, 2)
	assert.Equal(t, [2]network.Quality{network.QualityGood, network.QualityExcellent}, changes[0])
	assert.Equal(t, [2]network.Quality{network.QualityExcellent, network.QualityDisconnected}, changes[1])
}

func TestBandwidth(t *testing.T) {
	m := network.NewManager(network.DefaultConfig())
	m.RecordBandwidth(125_000, time.Second)
	assert.InDelta(t, 1000, m.Metrics().BandwidthKbps, 0.001)
}

func TestReconnectDelay(t *testing.T) {
	cfg := network.DefaultConfig()
	cfg.ReconnectBase = 100 * time.Millisecond
	cfg.ReconnectMax = time.Second
	m := network.NewManager(cfg)

	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, m.ReconnectDelay(i), "attempt %d", i)
	}
}

func TestReconnect(t *testing.T) {
	cfg := network.DefaultConfig()
	cfg.ReconnectBase = time.Millisecond
	cfg.ReconnectMax = 4 * time.Millisecond
	cfg.ReconnectAttempts = 3

	t.Run("abandons after max attempts", func(t *testing.T) {
		m := network.NewManager(cfg)
		calls := 0
		err := m.Reconnect(context.Background(), func(context.Context) error {
			calls++
			return errors.New("still down")
		})
		assert.ErrorIs(t, err, network.ErrReconnectAbandoned)
		assert.Equal(t, 3, calls)
		assert.False(t, m.Connected())
		assert.Equal(t, network.QualityDisconnected, m.Quality())
	})

	t.Run("recovers", func(t *testing.T) {
		m := network.NewManager(cfg)
		calls := 0
		err := m.Reconnect(context.Background(), func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.True(t, m.Connected())
	})

	t.Run("context cancelled", func(t *testing.T) {
		slow := cfg
		slow.ReconnectBase = time.Second
		slow.ReconnectMax = time.Second
		m := network.NewManager(slow)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := m.Reconnect(ctx, func(context.Context) error { return errors.New("down") })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, network.ErrReconnectAbandoned)
	})
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, network.DefaultConfig().Validate())

	bad := network.DefaultConfig()
	bad.Thresholds.GoodLatency = time.Millisecond
	assert.Error(t, bad.Validate())

	bad = network.DefaultConfig()
	bad.Window = 0
	assert.Error(t, bad.Validate())
}

func TestResumed(t *testing.T) {
	m := network.NewManager(network.DefaultConfig())

	select {
	case <-m.Resumed():
	default:
		t.Fatal("connected manager should report resumed")
	}

	m.SetConnected(false)
	waiting := m.Resumed()
	select {
	case <-waiting:
		t.Fatal("resumed while disconnected")
	default:
	}

	m.SetConnected(false)
	assert.Equal(t, waiting, m.Resumed(), "repeated disconnect keeps the same channel")

	m.SetConnected(true)
	select {
	case <-waiting:
	case <-time.After(time.Second):
		t.Fatal("reconnect did not release waiters")
	}
}
