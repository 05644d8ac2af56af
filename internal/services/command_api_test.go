package services_test

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/device"
	"github.com/benmeehan/sensor-hub/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSendCommandToDevice_Acknowledged tests delivery and acknowledgment of a command.
func TestSendCommandToDevice_Acknowledged(t *testing.T) {
	// Setup
	srv, events := startServer(t, 10)
	d := connectDevice(t, srv, "phone-1")

	// Execute
	id, err := srv.SendCommandToDevice("phone-1", "start_recording", map[string]any{"session_id": "s-42"})
	require.NoError(t, err)
	cmd := d.expect("command")

	// Assert
	assert.True(t, strings.HasPrefix(id, "cmd-"), id)
	assert.Equal(t, id, cmd["message_id"])
	assert.Equal(t, "start_recording", cmd["command"])
	assert.Equal(t, "s-42", cmd["session_id"])
	assert.Contains(t, cmd, "timestamp")

	assert.Eventually(t, func() bool {
		status, err := srv.GetDeviceStatus("phone-1")
		return err == nil && status.PendingAcks == 1
	}, waitFor, tick)
	assert.Equal(t, 1, srv.GetNetworkStatistics().PendingAcks)

	d.send(map[string]any{"type": "ack", "message_id": id})

	assert.Eventually(t, func() bool {
		status, err := srv.GetDeviceStatus("phone-1")
		return err == nil && status.PendingAcks == 0
	}, waitFor, tick)
	assert.Eventually(t, func() bool { return len(events.Received()) == 1 }, waitFor, tick)
	assert.Equal(t, "ack", events.Received()[0]["type"])
	assert.Empty(t, events.Failed())
}

// TestSendCommandToDevice_UniqueIDs tests that every command gets its own message id.
func TestSendCommandToDevice_UniqueIDs(t *testing.T) {
	srv, _ := startServer(t, 10)
	connectDevice(t, srv, "phone-1")

	first, err := srv.SendCommandToDevice("phone-1", "stop_recording", nil)
	require.NoError(t, err)
	second, err := srv.SendCommandToDevice("phone-1", "stop_recording", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

// TestSendCommandToDevice_UnknownDevice tests the error for an unregistered device.
func TestSendCommandToDevice_UnknownDevice(t *testing.T) {
	srv, _ := startServer(t, 10)

	id, err := srv.SendCommandToDevice("ghost", "start_recording", nil)

	assert.Empty(t, id)
	assert.ErrorIs(t, err, services.ErrDeviceNotFound)
}

// TestSendCommandToDevice_RetryThenFail tests that an unacknowledged command is resent and then reported.
func TestSendCommandToDevice_RetryThenFail(t *testing.T) {
	// Setup
	srv, events := startServer(t, 10, services.WithAckPolicy(150*time.Millisecond, 1))
	d := connectDevice(t, srv, "phone-1")

	// Execute
	id, err := srv.SendCommandToDevice("phone-1", "calibrate", nil)
	require.NoError(t, err)

	// Assert: sent twice with the same id, then given up
	first := d.expect("command")
	assert.Equal(t, id, first["message_id"])
	resent := d.expect("command")
	assert.Equal(t, id, resent["message_id"])

	assert.Eventually(t, func() bool { return len(events.Failed()) == 1 }, waitFor, tick)
	failed := events.Failed()[0]
	assert.Equal(t, "phone-1", failed.deviceID)
	assert.Equal(t, id, failed.payload["message_id"])
	assert.True(t, errors.Is(failed.err, device.ErrAckTimeout))

	status, err := srv.GetDeviceStatus("phone-1")
	require.NoError(t, err)
	assert.Zero(t, status.PendingAcks)
}

// TestBroadcastCommand tests that every registered device receives the command.
func TestBroadcastCommand(t *testing.T) {
	srv, _ := startServer(t, 10)
	a := connectDevice(t, srv, "phone-a")
	b := connectDevice(t, srv, "phone-b")

	sent := srv.BroadcastCommand("sync_clock", map[string]any{"reference": 1.0})

	assert.Equal(t, 2, sent)
	assert.Equal(t, "sync_clock", a.expect("command")["command"])
	assert.Equal(t, "sync_clock", b.expect("command")["command"])
}

// TestBroadcastCommand_NoDevices tests a broadcast to an empty registry.
func TestBroadcastCommand_NoDevices(t *testing.T) {
	srv, _ := startServer(t, 10)

	assert.Zero(t, srv.BroadcastCommand("sync_clock", nil))
}

// TestGetNetworkStatistics tests the aggregate snapshot before and after a latency sample.
func TestGetNetworkStatistics(t *testing.T) {
	// Setup
	srv, _ := startServer(t, 10)

	// Assert: empty registry
	empty := srv.GetNetworkStatistics()
	assert.Zero(t, empty.ActiveDevices)
	assert.Equal(t, constants.NetworkQualityUnknown, empty.NetworkQuality)
	assert.NotNil(t, empty.Devices)

	// Execute
	a := connectDevice(t, srv, "phone-a")
	connectDevice(t, srv, "phone-b")
	sentAt := time.Now().Add(-20 * time.Millisecond).UnixMilli()
	a.send(map[string]any{"type": "status", "storage": "ping:p:" + strconv.FormatInt(sentAt, 10) + ":1"})

	// Assert: only the sampled device counts towards the average
	assert.Eventually(t, func() bool {
		return srv.GetNetworkStatistics().Devices["phone-a"].Stats.LatencySamples == 1
	}, waitFor, tick)
	stats := srv.GetNetworkStatistics()
	assert.Equal(t, 2, stats.ActiveDevices)
	assert.Len(t, stats.Devices, 2)
	assert.Equal(t, stats.Devices["phone-a"].Stats.AverageLatency, stats.AverageLatency)
	assert.Equal(t, constants.NetworkQualityExcellent, stats.NetworkQuality)
	assert.GreaterOrEqual(t, stats.TotalMessagesReceived, int64(3))
	assert.GreaterOrEqual(t, stats.TotalMessagesSent, int64(1))
	assert.Equal(t, int64(2), stats.Server.ConnectionsAccepted)
}

// TestGetDeviceLatencyStatistics_UnknownDevice tests the error for an unregistered device.
func TestGetDeviceLatencyStatistics_UnknownDevice(t *testing.T) {
	srv, _ := startServer(t, 10)

	_, err := srv.GetDeviceLatencyStatistics("ghost")

	assert.ErrorIs(t, err, services.ErrDeviceNotFound)
}
