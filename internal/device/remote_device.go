package device

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/benmeehan/sensor-hub/pkg/codec"
	"golang.org/x/time/rate"
)

var (
	// ErrAckTimeout is reported when an ack-required message ran out of resends.
	ErrAckTimeout = errors.New("acknowledgment timed out")

	// ErrNoConnection is returned by I/O helpers on a device built without a socket.
	ErrNoConnection = errors.New("device has no connection")
)

// Option customises a RemoteDevice.
type Option func(*RemoteDevice)

// WithHeartbeatInterval sets the expected heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(rd *RemoteDevice) {
		if d > 0 {
			rd.heartbeatInterval = d
		}
	}
}

// WithHeartbeatTimeout sets how long the device may stay silent.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(rd *RemoteDevice) {
		if d > 0 {
			rd.heartbeatTimeout = d
		}
	}
}

// WithMaxConsecutiveErrors sets the error budget before eviction.
func WithMaxConsecutiveErrors(n int) Option {
	return func(rd *RemoteDevice) {
		if n > 0 {
			rd.maxConsecutiveErrors = n
		}
	}
}

// WithReconnectionCount carries the count over from a replaced connection.
func WithReconnectionCount(n int) Option {
	return func(rd *RemoteDevice) {
		rd.stats.ReconnectionCount = n
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(rd *RemoteDevice) {
		if now != nil {
			rd.now = now
		}
	}
}

type pendingAck struct {
	msg    *models.Message
	sentAt time.Time
	// resending is set while an expired message waits in the queue for its resend.
	resending bool
}

// RemoteDevice is one connected peer. All mutable state sits behind mu so the
// receiver, the sender and the heartbeat scheduler can use it concurrently.
type RemoteDevice struct {
	ID           string
	Capabilities []string
	Address      string

	conn  *codec.Conn
	queue *PriorityQueue
	now   func() time.Time

	mu                   sync.Mutex
	state                models.ConnectionState
	closed               bool
	stats                models.ConnectionStats
	latency              *latencyWindow
	pendingAcks          map[string]pendingAck
	ackedResends         map[string]struct{}
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	streamingQuality     string
	maxFrameRate         int
	frameLimiter         *rate.Limiter
	lastFrameTime        time.Time
	consecutiveErrors    int
	maxConsecutiveErrors int
}

// NewRemoteDevice creates a device in the CONNECTING state. conn may be nil in tests.
func NewRemoteDevice(id string, capabilities []string, conn *codec.Conn, address string, opts ...Option) *RemoteDevice {
	rd := &RemoteDevice{
		ID:                   id,
		Capabilities:         append([]string(nil), capabilities...),
		Address:              address,
		conn:                 conn,
		queue:                NewPriorityQueue(),
		now:                  time.Now,
		state:                models.StateConnecting,
		latency:              newLatencyWindow(constants.LatencySampleWindow),
		pendingAcks:          make(map[string]pendingAck),
		ackedResends:         make(map[string]struct{}),
		heartbeatInterval:    constants.DefaultHeartbeatInterval,
		heartbeatTimeout:     constants.DefaultHeartbeatTimeout,
		streamingQuality:     constants.QualityMedium,
		maxFrameRate:         constants.FrameRateMedium,
		maxConsecutiveErrors: constants.DefaultMaxConsecutiveErrors,
	}
	for _, opt := range opts {
		opt(rd)
	}

	now := rd.now()
	rd.stats.ConnectedAt = now
	rd.stats.LastHeartbeat = now
	rd.frameLimiter = rate.NewLimiter(rate.Limit(rd.maxFrameRate), 1)
	return rd
}

// MarkConnected moves a CONNECTING device to CONNECTED.
func (rd *RemoteDevice) MarkConnected() {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.state == models.StateConnecting {
		rd.state = models.StateConnected
	}
}

// State returns the current lifecycle state.
func (rd *RemoteDevice) State() models.ConnectionState {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.state
}

// IsAlive reports whether the last heartbeat is within the heartbeat timeout.
func (rd *RemoteDevice) IsAlive() bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.isAliveLocked()
}

func (rd *RemoteDevice) isAliveLocked() bool {
	return rd.now().Sub(rd.stats.LastHeartbeat) < rd.heartbeatTimeout
}

// Touch records inbound activity.
func (rd *RemoteDevice) Touch() {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.stats.LastHeartbeat = rd.now()
}

// ShouldSendFrame gates preview frames to one per 1/max_frame_rate seconds.
// Only a positive answer consumes the interval.
func (rd *RemoteDevice) ShouldSendFrame() bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	now := rd.now()
	if !rd.frameLimiter.AllowN(now, 1) {
		return false
	}
	rd.lastFrameTime = now
	return true
}

// AdaptStreamingQuality picks a quality level from the current latency (ms) and
// error rate and returns it with whether it changed.
func (rd *RemoteDevice) AdaptStreamingQuality(latencyMs, errorRate float64) (string, bool) {
	quality, frameRate := constants.QualityMedium, constants.FrameRateMedium
	switch {
	case errorRate > constants.LowQualityErrorRate || latencyMs > constants.LowQualityLatencyMs:
		quality, frameRate = constants.QualityLow, constants.FrameRateLow
	case errorRate < constants.HighQualityErrorRate && latencyMs < constants.HighQualityLatencyMs:
		quality, frameRate = constants.QualityHigh, constants.FrameRateHigh
	}

	rd.mu.Lock()
	defer rd.mu.Unlock()

	changed := quality != rd.streamingQuality
	rd.streamingQuality = quality
	if frameRate != rd.maxFrameRate {
		rd.maxFrameRate = frameRate
		rd.frameLimiter.SetLimitAt(rd.now(), rate.Limit(frameRate))
	}
	return quality, changed
}

// StreamingQuality returns the current quality level and frame rate.
func (rd *RemoteDevice) StreamingQuality() (string, int) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.streamingQuality, rd.maxFrameRate
}

// QueueMessage enqueues msg for the sender. It returns false once the device is closed.
func (rd *RemoteDevice) QueueMessage(msg *models.Message) bool {
	return rd.queue.Push(msg)
}

// NextMessage pops the most urgent queued message, waiting up to timeout.
func (rd *RemoteDevice) NextMessage(timeout time.Duration) (*models.Message, bool) {
	return rd.queue.Pop(timeout)
}

// QueueLength returns the number of messages waiting to be sent.
func (rd *RemoteDevice) QueueLength() int {
	return rd.queue.Len()
}

// UpdateLatency records a one-way latency sample in milliseconds.
func (rd *RemoteDevice) UpdateLatency(latencyMs float64) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.latency.add(latencyMs)
	rd.recomputeLocked()
}

// UpdatePingStats counts a ping (isResponse=false) or its answer (isResponse=true).
func (rd *RemoteDevice) UpdatePingStats(isResponse bool) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if isResponse {
		rd.stats.PongCount++
	} else {
		rd.stats.PingCount++
	}
	rd.recomputeLocked()
}

// recomputeLocked derives latency aggregates and packet loss from the sample
// window and the ping counters.
func (rd *RemoteDevice) recomputeLocked() {
	minV, maxV, mean, stddev := rd.latency.summary()
	rd.stats.MinLatency = minV
	rd.stats.MaxLatency = maxV
	rd.stats.AverageLatency = mean
	rd.stats.Jitter = stddev
	rd.stats.LatencySamples = rd.latency.len()

	rd.stats.PacketLossRate = 0
	if rd.stats.PingCount > 0 {
		loss := float64(rd.stats.PingCount-rd.stats.PongCount) / float64(rd.stats.PingCount) * 100
		rd.stats.PacketLossRate = math.Max(0, loss)
	}
}

// IncrementErrorCount bumps both the lifetime and the consecutive error counters.
func (rd *RemoteDevice) IncrementErrorCount() {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.stats.ErrorCount++
	rd.consecutiveErrors++
}

// ResetErrorCount clears the consecutive error counter only.
func (rd *RemoteDevice) ResetErrorCount() {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.consecutiveErrors = 0
}

// ExceededErrorBudget reports whether the device has failed too many times in a
// row and should be evicted.
func (rd *RemoteDevice) ExceededErrorBudget() bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.consecutiveErrors >= rd.maxConsecutiveErrors
}

// ErrorRate is lifetime errors per received message.
func (rd *RemoteDevice) ErrorRate() float64 {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return float64(rd.stats.ErrorCount) / math.Max(1, float64(rd.stats.MessagesReceived))
}

// AverageLatency returns the mean latency and the number of samples behind it.
func (rd *RemoteDevice) AverageLatency() (float64, int) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.stats.AverageLatency, rd.latency.len()
}

// RecordReceived accounts for one inbound frame of n bytes.
func (rd *RemoteDevice) RecordReceived(n int) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.stats.MessagesReceived++
	rd.stats.BytesReceived += int64(n)
}

// RecordSent accounts for one outbound frame of n bytes and starts tracking its
// acknowledgment when required.
func (rd *RemoteDevice) RecordSent(msg *models.Message, n int) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.stats.MessagesSent++
	rd.stats.BytesSent += int64(n)
	if !msg.RequiresAck || msg.MessageID == "" {
		return
	}
	if _, acked := rd.ackedResends[msg.MessageID]; acked {
		// The earlier copy was acknowledged while this one was on the wire.
		delete(rd.ackedResends, msg.MessageID)
		return
	}
	rd.pendingAcks[msg.MessageID] = pendingAck{msg: msg, sentAt: rd.now()}
}

// Acknowledge clears a pending acknowledgment and returns the time since the
// latest send. An ack for a message queued for resend cancels the
// resend. Unknown ids are ignored.
func (rd *RemoteDevice) Acknowledge(messageID string) (time.Duration, bool) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	pending, ok := rd.pendingAcks[messageID]
	if !ok {
		return 0, false
	}
	delete(rd.pendingAcks, messageID)
	if pending.resending {
		rd.ackedResends[messageID] = struct{}{}
	}
	return rd.now().Sub(pending.sentAt), true
}

// SkipResend reports whether msg is a resend whose acknowledgment arrived while
// it was queued. It returns true at most once per acknowledgment.
func (rd *RemoteDevice) SkipResend(msg *models.Message) bool {
	if !msg.RequiresAck || msg.RetryCount == 0 {
		return false
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if _, acked := rd.ackedResends[msg.MessageID]; !acked {
		return false
	}
	delete(rd.ackedResends, msg.MessageID)
	return true
}

// PendingAckCount returns the number of messages awaiting acknowledgment.
func (rd *RemoteDevice) PendingAckCount() int {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return len(rd.pendingAcks)
}

// ExpiredAcks collects acknowledgments past their deadline. Messages with
// resends left come back in retry with RetryCount incremented and stay pending
// until resent, so a late ack still cancels them. The rest are dropped and come
// back in failed.
func (rd *RemoteDevice) ExpiredAcks() (retry, failed []*models.Message) {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	now := rd.now()
	for id, pending := range rd.pendingAcks {
		if pending.resending {
			continue
		}
		timeout := pending.msg.Timeout
		if timeout <= 0 {
			timeout = constants.DefaultAckTimeout
		}
		if now.Sub(pending.sentAt) <= timeout {
			continue
		}
		if pending.msg.RetryCount < pending.msg.MaxRetries {
			pending.msg.RetryCount++
			pending.resending = true
			rd.pendingAcks[id] = pending
			retry = append(retry, pending.msg)
		} else {
			delete(rd.pendingAcks, id)
			failed = append(failed, pending.msg)
		}
	}
	return retry, failed
}

// Stats returns a copy of the connection statistics.
func (rd *RemoteDevice) Stats() models.ConnectionStats {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.stats
}

// StatusSummary returns a snapshot for reporting.
func (rd *RemoteDevice) StatusSummary() models.DeviceStatus {
	queueLen := rd.queue.Len()

	rd.mu.Lock()
	defer rd.mu.Unlock()
	return models.DeviceStatus{
		DeviceID:          rd.ID,
		State:             rd.state,
		Capabilities:      append([]string(nil), rd.Capabilities...),
		Address:           rd.Address,
		IsAlive:           rd.isAliveLocked(),
		StreamingQuality:  rd.streamingQuality,
		MaxFrameRate:      rd.maxFrameRate,
		LastFrameTime:     rd.lastFrameTime,
		ConsecutiveErrors: rd.consecutiveErrors,
		PendingAcks:       len(rd.pendingAcks),
		QueueLength:       queueLen,
		Stats:             rd.stats,
	}
}

// LatencyStatistics returns the detailed latency breakdown.
func (rd *RemoteDevice) LatencyStatistics() models.LatencyStatistics {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return models.LatencyStatistics{
		DeviceID:         rd.ID,
		AverageLatency:   rd.stats.AverageLatency,
		MinLatency:       rd.stats.MinLatency,
		MaxLatency:       rd.stats.MaxLatency,
		Jitter:           rd.stats.Jitter,
		PacketLossRate:   rd.stats.PacketLossRate,
		PingCount:        rd.stats.PingCount,
		PongCount:        rd.stats.PongCount,
		SampleCount:      rd.latency.len(),
		RecentSamples:    rd.latency.values(),
		StreamingQuality: rd.streamingQuality,
		MaxFrameRate:     rd.maxFrameRate,
	}
}

// Receive reads the next inbound frame.
func (rd *RemoteDevice) Receive(timeout time.Duration) (map[string]any, int, error) {
	if rd.conn == nil {
		return nil, 0, ErrNoConnection
	}
	return rd.conn.Receive(timeout)
}

// Send writes one frame to the device.
func (rd *RemoteDevice) Send(payload map[string]any, timeout time.Duration) (int, error) {
	if rd.conn == nil {
		return 0, ErrNoConnection
	}
	return rd.conn.Send(payload, timeout)
}

// Close closes the socket, drops the queue and marks the device DISCONNECTED.
// Only the first call does anything; it reports whether it was that call.
func (rd *RemoteDevice) Close() bool {
	rd.mu.Lock()
	if rd.closed {
		rd.mu.Unlock()
		return false
	}
	rd.closed = true
	rd.state = models.StateDisconnected
	rd.mu.Unlock()

	if rd.conn != nil {
		_ = rd.conn.Close()
	}
	rd.queue.Close()
	return true
}
