package monitoring

import (
	"errors"
	"testing"

	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCollector_Events(t *testing.T) {
	// Setup
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	// Execute
	c.OnDeviceConnected("dev1", models.DeviceStatus{})
	c.OnDeviceConnected("dev2", models.DeviceStatus{})
	c.OnMessageReceived("dev1", nil)
	c.OnMessageSent("dev1", nil)
	c.OnMessageSent("dev2", nil)
	c.OnMessageFailed("dev1", nil, errors.New("boom"))
	c.OnPreviewFrameReceived("dev1", "rgb", nil, models.FrameMetadata{Size: 5000})
	c.OnError("server", constants.ErrorCategoryAccept, "accept failed")
	c.OnDeviceDisconnected("dev2", constants.ReasonHeartbeatTimeout)

	// Assert
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeDevices))
	assert.Equal(t, 0, testutil.CollectAndCount(c.messagesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorsTotal.WithLabelValues(constants.ErrorCategoryAccept)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.disconnectsTotal.WithLabelValues(constants.ReasonHeartbeatTimeout)))
}

func TestPrometheusCollector_ObserveNetworkStatistics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	first := models.NetworkStatistics{
		ActiveDevices:  1,
		AverageLatency: 42,
		PendingAcks:    2,
		Server: models.ServerCounters{
			ConnectionsRejected: 3,
			FramesDropped:       4,
			MessagesSent:        7,
			MessagesReceived:    9,
			BytesSent:           100,
			BytesReceived:       200,
		},
		Devices: map[string]models.DeviceStatus{
			"dev1": {
				DeviceID:         "dev1",
				StreamingQuality: constants.QualityHigh,
				Stats:            models.ConnectionStats{AverageLatency: 42, Jitter: 3, PacketLossRate: 10},
			},
		},
	}
	c.ObserveNetworkStatistics(first)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeDevices))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.averageLatency))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.rejectedTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.messagesTotal.WithLabelValues("sent")))
	assert.Equal(t, 9.0, testutil.ToFloat64(c.messagesTotal.WithLabelValues("received")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.deviceLatency.WithLabelValues("dev1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deviceQuality.WithLabelValues("dev1", constants.QualityHigh)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.deviceQuality.WithLabelValues("dev1", constants.QualityLow)))

	second := first
	second.Server.ConnectionsRejected = 5
	second.Server.BytesSent = 150
	second.Server.MessagesReceived = 12
	second.Devices = map[string]models.DeviceStatus{}
	c.ObserveNetworkStatistics(second)

	assert.Equal(t, 5.0, testutil.ToFloat64(c.rejectedTotal))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.bytesTotal.WithLabelValues("sent")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.messagesTotal.WithLabelValues("sent")))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.messagesTotal.WithLabelValues("received")))
	assert.Equal(t, 0, testutil.CollectAndCount(c.deviceLatency))
}

func TestPrometheusCollector_ReplacedDeviceKeepsSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.OnDeviceConnected("dev1", models.DeviceStatus{})
	c.ObserveNetworkStatistics(models.NetworkStatistics{
		ActiveDevices: 1,
		Devices: map[string]models.DeviceStatus{
			"dev1": {DeviceID: "dev1", StreamingQuality: constants.QualityMedium, Stats: models.ConnectionStats{AverageLatency: 18}},
		},
	})

	// Reconnect under the same id
	c.OnDeviceDisconnected("dev1", constants.ReasonReplaced)
	c.OnDeviceConnected("dev1", models.DeviceStatus{})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeDevices))
	assert.Equal(t, 1, testutil.CollectAndCount(c.deviceLatency))
	assert.Equal(t, 18.0, testutil.ToFloat64(c.deviceLatency.WithLabelValues("dev1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.deviceQuality.WithLabelValues("dev1", constants.QualityMedium)))

	c.OnDeviceDisconnected("dev1", constants.ReasonConnectionClosed)
	assert.Equal(t, 0, testutil.CollectAndCount(c.deviceLatency))
	assert.Equal(t, 0, testutil.CollectAndCount(c.deviceQuality))
}
