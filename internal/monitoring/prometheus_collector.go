package monitoring

import (
	"sync"

	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var qualityLevels = []string{constants.QualityLow, constants.QualityMedium, constants.QualityHigh}

// PrometheusCollector turns device events and statistics snapshots into
// Prometheus series. It satisfies services.DeviceEventListener.
type PrometheusCollector struct {
	// Event counters
	connectionsTotal *prometheus.CounterVec
	disconnectsTotal *prometheus.CounterVec
	messagesFailed   prometheus.Counter
	framesReceived   prometheus.Counter
	frameBytes       prometheus.Histogram
	errorsTotal      *prometheus.CounterVec
	warningsTotal    prometheus.Counter

	// Snapshot-derived counters
	rejectedTotal      prometheus.Counter
	framesDroppedTotal prometheus.Counter
	messagesTotal      *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec

	// Gauges
	activeDevices    prometheus.Gauge
	averageLatency   prometheus.Gauge
	pendingAcks      prometheus.Gauge
	deviceLatency    *prometheus.GaugeVec
	deviceJitter     *prometheus.GaugeVec
	devicePacketLoss *prometheus.GaugeVec
	deviceQuality    *prometheus.GaugeVec

	mu          sync.Mutex
	last        models.ServerCounters
	seenDevices map[string]struct{}
}

// NewPrometheusCollector registers every series with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_device_connections_total",
			Help: "Devices that completed the handshake",
		}, []string{"device_id"}),

		disconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_device_disconnects_total",
			Help: "Device disconnects by reason",
		}, []string{"reason"}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_messages_total",
			Help: "Frames exchanged with devices, including heartbeats and handshakes",
		}, []string{"direction"}),

		messagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_messages_failed_total",
			Help: "Outbound messages that failed or were never acknowledged",
		}),

		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_preview_frames_total",
			Help: "Preview frames accepted from devices",
		}),

		frameBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sensorhub_preview_frame_bytes",
			Help:    "Size of decoded preview frames",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10),
		}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_errors_total",
			Help: "Error events by category",
		}, []string{"category"}),

		warningsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_warnings_total",
			Help: "Warning events",
		}),

		rejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_connections_rejected_total",
			Help: "Connections refused because the server was at capacity",
		}),

		framesDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sensorhub_preview_frames_dropped_total",
			Help: "Preview frames dropped by rate limiting or decoding",
		}),

		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorhub_bytes_total",
			Help: "Bytes exchanged with devices",
		}, []string{"direction"}),

		activeDevices: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sensorhub_active_devices",
			Help: "Currently registered devices",
		}),

		averageLatency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sensorhub_average_latency_ms",
			Help: "Mean of per-device average latency",
		}),

		pendingAcks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sensorhub_pending_acks",
			Help: "Commands awaiting acknowledgment",
		}),

		deviceLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorhub_device_latency_ms",
			Help: "Average one-way latency per device",
		}, []string{"device_id"}),

		deviceJitter: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorhub_device_jitter_ms",
			Help: "Latency standard deviation per device",
		}, []string{"device_id"}),

		devicePacketLoss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorhub_device_packet_loss_percent",
			Help: "Pings without a pong per device",
		}, []string{"device_id"}),

		deviceQuality: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorhub_device_streaming_quality",
			Help: "1 for the current streaming quality of each device",
		}, []string{"device_id", "quality"}),

		seenDevices: make(map[string]struct{}),
	}
}

func (p *PrometheusCollector) OnDeviceConnected(deviceID string, _ models.DeviceStatus) {
	p.connectionsTotal.WithLabelValues(deviceID).Inc()
	p.activeDevices.Inc()
}

func (p *PrometheusCollector) OnDeviceDisconnected(deviceID, reason string) {
	p.disconnectsTotal.WithLabelValues(reason).Inc()
	p.activeDevices.Dec()
	// The replacement keeps the id and its series.
	if reason != constants.ReasonReplaced {
		p.forgetDevice(deviceID)
	}
}

// Message counts come from the server counters in ObserveNetworkStatistics.
func (p *PrometheusCollector) OnMessageReceived(string, map[string]any) {}

func (p *PrometheusCollector) OnMessageSent(string, map[string]any) {}

func (p *PrometheusCollector) OnMessageFailed(string, map[string]any, error) {
	p.messagesFailed.Inc()
}

func (p *PrometheusCollector) OnPreviewFrameReceived(_, _ string, _ []byte, metadata models.FrameMetadata) {
	p.framesReceived.Inc()
	p.frameBytes.Observe(float64(metadata.Size))
}

func (p *PrometheusCollector) OnError(_, category, _ string) {
	p.errorsTotal.WithLabelValues(category).Inc()
}

func (p *PrometheusCollector) OnWarning(string, string) {
	p.warningsTotal.Inc()
}

// ObserveNetworkStatistics refreshes gauges from a snapshot and advances the
// counters that only the server keeps.
func (p *PrometheusCollector) ObserveNetworkStatistics(stats models.NetworkStatistics) {
	p.activeDevices.Set(float64(stats.ActiveDevices))
	p.averageLatency.Set(stats.AverageLatency)
	p.pendingAcks.Set(float64(stats.PendingAcks))

	p.mu.Lock()
	defer p.mu.Unlock()

	addDelta(p.rejectedTotal, p.last.ConnectionsRejected, stats.Server.ConnectionsRejected)
	addDelta(p.framesDroppedTotal, p.last.FramesDropped, stats.Server.FramesDropped)
	addDelta(p.messagesTotal.WithLabelValues("sent"), p.last.MessagesSent, stats.Server.MessagesSent)
	addDelta(p.messagesTotal.WithLabelValues("received"), p.last.MessagesReceived, stats.Server.MessagesReceived)
	addDelta(p.bytesTotal.WithLabelValues("sent"), p.last.BytesSent, stats.Server.BytesSent)
	addDelta(p.bytesTotal.WithLabelValues("received"), p.last.BytesReceived, stats.Server.BytesReceived)
	p.last = stats.Server

	current := make(map[string]struct{}, len(stats.Devices))
	for id, status := range stats.Devices {
		current[id] = struct{}{}
		p.deviceLatency.WithLabelValues(id).Set(status.Stats.AverageLatency)
		p.deviceJitter.WithLabelValues(id).Set(status.Stats.Jitter)
		p.devicePacketLoss.WithLabelValues(id).Set(status.Stats.PacketLossRate)
		for _, q := range qualityLevels {
			value := 0.0
			if q == status.StreamingQuality {
				value = 1
			}
			p.deviceQuality.WithLabelValues(id, q).Set(value)
		}
	}
	for id := range p.seenDevices {
		if _, ok := current[id]; !ok {
			p.deleteDeviceSeries(id)
		}
	}
	p.seenDevices = current
}

func (p *PrometheusCollector) forgetDevice(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seenDevices, deviceID)
	p.deleteDeviceSeries(deviceID)
}

func (p *PrometheusCollector) deleteDeviceSeries(deviceID string) {
	p.deviceLatency.DeleteLabelValues(deviceID)
	p.deviceJitter.DeleteLabelValues(deviceID)
	p.devicePacketLoss.DeleteLabelValues(deviceID)
	for _, q := range qualityLevels {
		p.deviceQuality.DeleteLabelValues(deviceID, q)
	}
}

func addDelta(c prometheus.Counter, previous, current int64) {
	if current > previous {
		c.Add(float64(current - previous))
	}
}
