package services

import (
	"fmt"
	"time"

	"github.com/benmeehan/sensor-hub/internal/constants"
	"github.com/benmeehan/sensor-hub/internal/device"
	"github.com/benmeehan/sensor-hub/internal/models"
	"github.com/benmeehan/sensor-hub/internal/utils"
	"github.com/google/uuid"
)

// SendCommandToDevice queues a CRITICAL, ack-required command for one device and
// returns its message id. Delivery is asynchronous.
func (s *DeviceServer) SendCommandToDevice(deviceID, command string, params map[string]any) (string, error) {
	rd, ok := s.devices.Get(deviceID)
	if !ok {
		s.Logger.Warn().Str("device_id", deviceID).Str("command", command).Msg("Command for unknown device")
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	payload := utils.CloneMap(params)
	payload["command"] = command
	payload["timestamp"] = models.UnixSeconds(time.Now())

	msg := models.NewMessage(constants.MessageTypeCommand, payload, models.PriorityCritical)
	msg.RequiresAck = true
	msg.MessageID = fmt.Sprintf("cmd-%d-%s", s.messageCounter.Add(1), uuid.NewString())
	msg.Timeout = s.ackTimeout
	msg.MaxRetries = s.maxRetries

	if !rd.QueueMessage(msg) {
		s.Logger.Warn().Str("device_id", deviceID).Str("command", command).Msg("Device is disconnecting, command dropped")
		return "", fmt.Errorf("%w: %s is disconnecting", ErrDeviceNotFound, deviceID)
	}

	s.Logger.Info().
		Str("device_id", deviceID).
		Str("command", command).
		Str("message_id", msg.MessageID).
		Msg("Command queued")
	return msg.MessageID, nil
}

// BroadcastCommand queues command for every registered device and returns how
// many accepted it.
func (s *DeviceServer) BroadcastCommand(command string, params map[string]any) int {
	sent := 0
	for _, id := range s.devices.Keys() {
		if _, err := s.SendCommandToDevice(id, command, params); err == nil {
			sent++
		}
	}
	s.Logger.Info().Str("command", command).Int("devices", sent).Msg("Command broadcast")
	return sent
}

// DisconnectDevice removes a device and reports whether it was registered.
// Calling it again for the same id is a no-op.
func (s *DeviceServer) DisconnectDevice(deviceID, reason string) bool {
	rd, ok := s.devices.Pop(deviceID)
	if !ok {
		return false
	}
	return s.teardown(rd, reason)
}

// GetNetworkStatistics returns a snapshot across every registered device.
func (s *DeviceServer) GetNetworkStatistics() models.NetworkStatistics {
	stats := models.NetworkStatistics{
		Timestamp: time.Now(),
		Server:    s.counters.snapshot(),
		Devices:   make(map[string]models.DeviceStatus),
	}

	var latencySum float64
	var sampled int
	for id, rd := range s.devices.Items() {
		status := rd.StatusSummary()
		stats.Devices[id] = status
		stats.ActiveDevices++
		stats.TotalMessagesSent += status.Stats.MessagesSent
		stats.TotalMessagesReceived += status.Stats.MessagesReceived
		stats.TotalBytesSent += status.Stats.BytesSent
		stats.TotalBytesReceived += status.Stats.BytesReceived
		stats.PendingAcks += status.PendingAcks
		if status.Stats.LatencySamples > 0 {
			latencySum += status.Stats.AverageLatency
			sampled++
		}
	}

	if sampled > 0 {
		stats.AverageLatency = latencySum / float64(sampled)
	}
	stats.NetworkQuality = networkQuality(stats.AverageLatency, sampled)
	return stats
}

// networkQuality buckets the average latency. Without any sample it is unknown.
func networkQuality(averageLatency float64, samples int) string {
	switch {
	case samples == 0:
		return constants.NetworkQualityUnknown
	case averageLatency < constants.ExcellentLatencyMs:
		return constants.NetworkQualityExcellent
	case averageLatency < constants.GoodLatencyMs:
		return constants.NetworkQualityGood
	case averageLatency < constants.FairLatencyMs:
		return constants.NetworkQualityFair
	default:
		return constants.NetworkQualityPoor
	}
}

// GetDeviceLatencyStatistics returns the latency breakdown for one device.
func (s *DeviceServer) GetDeviceLatencyStatistics(deviceID string) (models.LatencyStatistics, error) {
	rd, ok := s.devices.Get(deviceID)
	if !ok {
		return models.LatencyStatistics{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return rd.LatencyStatistics(), nil
}

// GetDeviceStatus returns the status summary of one device.
func (s *DeviceServer) GetDeviceStatus(deviceID string) (models.DeviceStatus, error) {
	rd, ok := s.devices.Get(deviceID)
	if !ok {
		return models.DeviceStatus{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return rd.StatusSummary(), nil
}

// sweepDevices runs on every heartbeat tick: evicts silent devices, queues a
// heartbeat for the live ones and resends or fails expired acknowledgments.
func (s *DeviceServer) sweepDevices() {
	for _, rd := range s.devices.Items() {
		if rd.State() != models.StateConnected {
			continue
		}
		if !rd.IsAlive() {
			s.Logger.Warn().Str("device_id", rd.ID).Msg("Heartbeat timeout, evicting device")
			s.removeDevice(rd, constants.ReasonHeartbeatTimeout)
			continue
		}

		rd.QueueMessage(models.NewMessage(constants.MessageTypeHeartbeat, map[string]any{
			"timestamp": models.UnixSeconds(time.Now()),
		}, models.PriorityHigh))

		s.sweepAcks(rd)
	}
}

func (s *DeviceServer) sweepAcks(rd *device.RemoteDevice) {
	retry, failed := rd.ExpiredAcks()
	for _, msg := range retry {
		s.Logger.Warn().
			Str("device_id", rd.ID).
			Str("message_id", msg.MessageID).
			Int("retry", msg.RetryCount).
			Msg("Acknowledgment timed out, resending")
		rd.QueueMessage(msg)
	}
	for _, msg := range failed {
		s.Logger.Error().
			Str("device_id", rd.ID).
			Str("message_id", msg.MessageID).
			Int("retries", msg.RetryCount).
			Msg("Acknowledgment never arrived, giving up")
		s.emitMessageFailed(rd.ID, msg.Frame(), fmt.Errorf("%w: %s", device.ErrAckTimeout, msg.MessageID))
	}
}
