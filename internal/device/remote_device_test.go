package device

import (
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for timing-sensitive device logic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDevice(clock *fakeClock, opts ...Option) *RemoteDevice {
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewRemoteDevice("dev1", []string{"gsr", "camera"}, nil, "127.0.0.1:5000", opts...)
}

func TestRemoteDevice_InitialState(t *testing.T) {
	rd := newTestDevice(newFakeClock())

	assert.Equal(t, models.StateConnecting, rd.State())
	rd.MarkConnected()
	assert.Equal(t, models.StateConnected, rd.State())

	quality, frameRate := rd.StreamingQuality()
	assert.Equal(t, constants.QualityMedium, quality)
	assert.Equal(t, constants.FrameRateMedium, frameRate)
	assert.True(t, rd.IsAlive())
}

func TestRemoteDevice_IsAlive(t *testing.T) {
	clock := newFakeClock()
	rd := newTestDevice(clock, WithHeartbeatTimeout(15*time.Second))

	clock.Advance(14 * time.Second)
	assert.True(t, rd.IsAlive())

	clock.Advance(time.Second)
	assert.False(t, rd.IsAlive())

	rd.Touch()
	assert.True(t, rd.IsAlive())
}

func TestRemoteDevice_ShouldSendFrame_StrictInterval(t *testing.T) {
	clock := newFakeClock()
	rd := newTestDevice(clock)

	// Medium quality allows one frame every 1/15 s.
	assert.True(t, rd.ShouldSendFrame())

	clock.Advance(10 * time.Millisecond)
	assert.False(t, rd.ShouldSendFrame())

	clock.Advance(30 * time.Millisecond)
	assert.False(t, rd.ShouldSendFrame())

	clock.Advance(30 * time.Millisecond)
	assert.True(t, rd.ShouldSendFrame())
	assert.Equal(t, clock.Now(), rd.StatusSummary().LastFrameTime)

	clock.Advance(20 * time.Millisecond)
	assert.False(t, rd.ShouldSendFrame())
}

func TestRemoteDevice_AdaptStreamingQuality(t *testing.T) {
	tests := []struct {
		name      string
		latency   float64
		errorRate float64
		quality   string
		frameRate int
	}{
		{"medium when neither threshold is met", 60, 0.02, constants.QualityMedium, constants.FrameRateMedium},
		{"low on latency alone", 250, 0.0, constants.QualityLow, constants.FrameRateLow},
		{"low on error rate alone", 10, 0.2, constants.QualityLow, constants.FrameRateLow},
		{"high when both are good", 10, 0.01, constants.QualityHigh, constants.FrameRateHigh},
		{"medium at the high latency boundary", 50, 0.01, constants.QualityMedium, constants.FrameRateMedium},
		{"medium at the low latency boundary", 200, 0.01, constants.QualityMedium, constants.FrameRateMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd := newTestDevice(newFakeClock())

			quality, _ := rd.AdaptStreamingQuality(tt.latency, tt.errorRate)
			assert.Equal(t, tt.quality, quality)

			gotQuality, gotRate := rd.StreamingQuality()
			assert.Equal(t, tt.quality, gotQuality)
			assert.Equal(t, tt.frameRate, gotRate)
		})
	}
}

func TestRemoteDevice_AdaptStreamingQuality_ChangesFrameGate(t *testing.T) {
	clock := newFakeClock()
	rd := newTestDevice(clock)

	_, changed := rd.AdaptStreamingQuality(250, 0)
	assert.True(t, changed)
	_, changed = rd.AdaptStreamingQuality(300, 0)
	assert.False(t, changed)

	// Low quality: one frame every 200ms.
	assert.True(t, rd.ShouldSendFrame())
	clock.Advance(150 * time.Millisecond)
	assert.False(t, rd.ShouldSendFrame())
	clock.Advance(60 * time.Millisecond)
	assert.True(t, rd.ShouldSendFrame())
}

func TestRemoteDevice_UpdateLatency(t *testing.T) {
	rd := newTestDevice(newFakeClock())

	rd.UpdateLatency(10)
	stats := rd.Stats()
	assert.Equal(t, 10.0, stats.AverageLatency)
	assert.Equal(t, 0.0, stats.Jitter, "jitter needs two samples")

	rd.UpdateLatency(20)
	rd.UpdateLatency(30)

	stats = rd.Stats()
	assert.InDelta(t, 20.0, stats.AverageLatency, 1e-9)
	assert.Equal(t, 10.0, stats.MinLatency)
	assert.Equal(t, 30.0, stats.MaxLatency)
	assert.InDelta(t, 8.16496580927726, stats.Jitter, 1e-9)
	assert.Equal(t, 3, stats.LatencySamples)
}

func TestRemoteDevice_UpdateLatency_WindowIsBounded(t *testing.T) {
	rd := newTestDevice(newFakeClock())

	for i := 0; i < constants.LatencySampleWindow; i++ {
		rd.UpdateLatency(1000)
	}
	for i := 0; i < constants.LatencySampleWindow; i++ {
		rd.UpdateLatency(10)
	}

	latency := rd.LatencyStatistics()
	assert.Equal(t, constants.LatencySampleWindow, latency.SampleCount)
	assert.Len(t, latency.RecentSamples, constants.LatencySampleWindow)
	assert.Equal(t, 10.0, latency.AverageLatency)
	assert.Equal(t, 10.0, latency.MaxLatency)
	assert.Equal(t, 0.0, latency.Jitter)
}

func TestRemoteDevice_RecentSamplesOldestFirst(t *testing.T) {
	rd := newTestDevice(newFakeClock())
	for i := 1; i <= constants.LatencySampleWindow+2; i++ {
		rd.UpdateLatency(float64(i))
	}

	samples := rd.LatencyStatistics().RecentSamples
	assert.Equal(t, 3.0, samples[0])
	assert.Equal(t, float64(constants.LatencySampleWindow+2), samples[len(samples)-1])
}

func TestRemoteDevice_PacketLoss(t *testing.T) {
	rd := newTestDevice(newFakeClock())
	assert.Equal(t, 0.0, rd.Stats().PacketLossRate)

	for i := 0; i < 4; i++ {
		rd.UpdatePingStats(false)
	}
	rd.UpdatePingStats(true)
	rd.UpdatePingStats(true)
	rd.UpdatePingStats(true)

	stats := rd.Stats()
	assert.Equal(t, 4, stats.PingCount)
	assert.Equal(t, 3, stats.PongCount)
	assert.InDelta(t, 25.0, stats.PacketLossRate, 1e-9)

	// More answers than pings never yields negative loss.
	rd.UpdatePingStats(true)
	rd.UpdatePingStats(true)
	assert.Equal(t, 0.0, rd.Stats().PacketLossRate)
}

func TestRemoteDevice_ErrorBudget(t *testing.T) {
	rd := newTestDevice(newFakeClock())

	for i := 0; i < constants.DefaultMaxConsecutiveErrors-1; i++ {
		rd.IncrementErrorCount()
		assert.False(t, rd.ExceededErrorBudget())
	}
	rd.IncrementErrorCount()
	assert.True(t, rd.ExceededErrorBudget())

	rd.ResetErrorCount()
	assert.False(t, rd.ExceededErrorBudget())
	assert.Equal(t, 5, rd.Stats().ErrorCount)
}

func TestRemoteDevice_ErrorRate(t *testing.T) {
	rd := newTestDevice(newFakeClock())
	rd.IncrementErrorCount()
	assert.Equal(t, 1.0, rd.ErrorRate())

	for i := 0; i < 9; i++ {
		rd.RecordReceived(10)
	}
	rd.RecordReceived(10)
	assert.InDelta(t, 0.1, rd.ErrorRate(), 1e-9)
	assert.Equal(t, int64(100), rd.Stats().BytesReceived)
}

func TestRemoteDevice_AckTracking(t *testing.T) {
	clock := newFakeClock()
	rd := newTestDevice(clock)

	msg := models.NewMessage(constants.MessageTypeCommand, map[string]any{"command": "start"}, models.PriorityCritical)
	msg.RequiresAck = true
	msg.MessageID = "m1"
	msg.MaxRetries = 1
	msg.Timeout = time.Second

	rd.RecordSent(msg, 42)
	assert.Equal(t, 1, rd.PendingAckCount())
	assert.Equal(t, int64(1), rd.Stats().MessagesSent)

	clock.Advance(250 * time.Millisecond)
	elapsed, ok := rd.Acknowledge("m1")
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, elapsed)

	_, ok = rd.Acknowledge("m1")
	assert.False(t, ok)
	assert.Equal(t, 0, rd.PendingAckCount())
}

func TestRemoteDevice_ExpiredAcks(t *testing.T) {
	clock := newFakeClock()
	rd := newTestDevice(clock)

	msg := models.NewMessage(constants.MessageTypeCommand, nil, models.PriorityCritical)
	msg.RequiresAck = true
	msg.MessageID = "m1"
	msg.MaxRetries = 1
	msg.Timeout = time.Second

	rd.RecordSent(msg, 10)

	retry, failed := rd.ExpiredAcks()
	assert.Empty(t, retry)
	assert.Empty(t, failed)

	clock.Advance(2 * time.Second)
	retry, failed = rd.ExpiredAcks()
	require.Len(t, retry, 1)
	assert.Empty(t, failed)
	assert.Equal(t, 1, retry[0].RetryCount)

	rd.RecordSent(retry[0], 10)
	clock.Advance(2 * time.Second)
	retry, failed = rd.ExpiredAcks()
	assert.Empty(t, retry)
	require.Len(t, failed, 1)
	assert.Equal(t, "m1", failed[0].MessageID)
	assert.Equal(t, 0, rd.PendingAckCount())
}

func TestRemoteDevice_LateAckCancelsQueuedResend(t *testing.T) {
	clock := newFakeClock()
	rd := newTestDevice(clock)

	msg := models.NewMessage(constants.MessageTypeCommand, nil, models.PriorityCritical)
	msg.RequiresAck = true
	msg.MessageID = "m1"
	msg.MaxRetries = 1
	msg.Timeout = time.Second

	rd.RecordSent(msg, 10)
	clock.Advance(2 * time.Second)
	retry, _ := rd.ExpiredAcks()
	require.Len(t, retry, 1)
	assert.Equal(t, 1, rd.PendingAckCount())

	// Ack for the first copy lands while the resend is queued
	elapsed, ok := rd.Acknowledge("m1")
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, elapsed)
	assert.Equal(t, 0, rd.PendingAckCount())

	assert.True(t, rd.SkipResend(retry[0]))
	assert.False(t, rd.SkipResend(retry[0]))

	clock.Advance(2 * time.Second)
	retry, failed := rd.ExpiredAcks()
	assert.Empty(t, retry)
	assert.Empty(t, failed)
}

func TestRemoteDevice_LateAckDuringResendWrite(t *testing.T) {
	clock := newFakeClock()
	rd := newTestDevice(clock)

	msg := models.NewMessage(constants.MessageTypeCommand, nil, models.PriorityCritical)
	msg.RequiresAck = true
	msg.MessageID = "m1"
	msg.MaxRetries = 1
	msg.Timeout = time.Second

	rd.RecordSent(msg, 10)
	clock.Advance(2 * time.Second)
	retry, _ := rd.ExpiredAcks()
	require.Len(t, retry, 1)

	// Resend already dequeued when the ack arrives
	assert.False(t, rd.SkipResend(retry[0]))
	_, ok := rd.Acknowledge("m1")
	require.True(t, ok)
	rd.RecordSent(retry[0], 10)

	assert.Equal(t, 0, rd.PendingAckCount())
	clock.Advance(2 * time.Second)
	retry, failed := rd.ExpiredAcks()
	assert.Empty(t, retry)
	assert.Empty(t, failed)
}

func TestRemoteDevice_SkipResendIgnoresFirstSend(t *testing.T) {
	rd := newTestDevice(newFakeClock())

	msg := models.NewMessage(constants.MessageTypeCommand, nil, models.PriorityCritical)
	msg.RequiresAck = true
	msg.MessageID = "m1"

	assert.False(t, rd.SkipResend(msg))
	assert.False(t, rd.SkipResend(models.NewMessage(constants.MessageTypeHeartbeat, nil, models.PriorityHigh)))
}

func TestRemoteDevice_CloseOnce(t *testing.T) {
	rd := newTestDevice(newFakeClock())
	rd.MarkConnected()
	rd.QueueMessage(models.NewMessage("x", nil, models.PriorityNormal))

	assert.True(t, rd.Close())
	assert.False(t, rd.Close())
	assert.Equal(t, models.StateDisconnected, rd.State())
	assert.False(t, rd.QueueMessage(models.NewMessage("y", nil, models.PriorityNormal)))

	_, ok := rd.NextMessage(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestRemoteDevice_StatusSummary(t *testing.T) {
	rd := newTestDevice(newFakeClock(), WithReconnectionCount(2))
	rd.MarkConnected()
	rd.QueueMessage(models.NewMessage("x", nil, models.PriorityNormal))
	rd.UpdateLatency(42)

	status := rd.StatusSummary()
	assert.Equal(t, "dev1", status.DeviceID)
	assert.Equal(t, models.StateConnected, status.State)
	assert.Equal(t, []string{"gsr", "camera"}, status.Capabilities)
	assert.Equal(t, "127.0.0.1:5000", status.Address)
	assert.True(t, status.IsAlive)
	assert.Equal(t, 1, status.QueueLength)
	assert.Equal(t, 42.0, status.Stats.AverageLatency)
	assert.Equal(t, 2, status.Stats.ReconnectionCount)
}

func TestRemoteDevice_IONeedsConnection(t *testing.T) {
	rd := newTestDevice(newFakeClock())

	_, _, err := rd.Receive(time.Millisecond)
	assert.ErrorIs(t, err, ErrNoConnection)

	_, err = rd.Send(map[string]any{"type": "x"}, time.Millisecond)
	assert.ErrorIs(t, err, ErrNoConnection)
}
